package repository

import (
	"civic-notification-service/internal/models"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ErrNotPending is returned when a status transition finds the delivery no
// longer in pending state. The transition writes filter on the current
// status, so concurrent senders cannot both claim a row.
var ErrNotPending = errors.New("delivery is not pending")

type DeliveryRepository struct {
	collection *mongo.Collection
	mu         *sync.Mutex
}

func NewDeliveryRepository(db *mongo.Database) *DeliveryRepository {
	return &DeliveryRepository{
		collection: db.Collection("notification_deliveries"),
		mu:         &sync.Mutex{},
	}
}

func (r *DeliveryRepository) New(ctx context.Context, delivery *models.NotificationDelivery) (*models.NotificationDelivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if delivery.ID.IsZero() {
		delivery.ID = bson.NewObjectID()
	}
	if delivery.Status == "" {
		delivery.Status = models.DeliveryStatusPending
	}

	currentTime := time.Now().Unix()
	if delivery.Metadata.CreatedAt == 0 {
		delivery.Metadata.CreatedAt = currentTime
	}
	delivery.Metadata.UpdatedAt = currentTime

	_, err := r.collection.InsertOne(ctx, delivery)
	if err != nil {
		return nil, fmt.Errorf("failed to insert delivery: %w", err)
	}
	return delivery, nil
}

func (r *DeliveryRepository) FindByID(ctx context.Context, id bson.ObjectID) (*models.NotificationDelivery, error) {
	var delivery models.NotificationDelivery
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&delivery)
	if err != nil {
		return nil, err
	}
	return &delivery, nil
}

func (r *DeliveryRepository) FindByNotification(ctx context.Context, notificationID bson.ObjectID) ([]*models.NotificationDelivery, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"notificationId": notificationID})
	if err != nil {
		return nil, fmt.Errorf("failed to find deliveries by notification: %w", err)
	}
	defer cursor.Close(ctx)

	var deliveries []*models.NotificationDelivery
	if err = cursor.All(ctx, &deliveries); err != nil {
		return nil, fmt.Errorf("failed to decode deliveries: %w", err)
	}

	return deliveries, nil
}

func (r *DeliveryRepository) FindPendingByMeeting(ctx context.Context, meetingID string) ([]*models.NotificationDelivery, error) {
	filter := bson.M{
		"meetingId": meetingID,
		"status":    models.DeliveryStatusPending,
	}

	opts := options.Find()
	opts.SetSort(bson.M{"metadata.createdAt": 1})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find pending deliveries: %w", err)
	}
	defer cursor.Close(ctx)

	var deliveries []*models.NotificationDelivery
	if err = cursor.All(ctx, &deliveries); err != nil {
		return nil, fmt.Errorf("failed to decode deliveries: %w", err)
	}

	return deliveries, nil
}

// MarkSent transitions a pending delivery to sent. via is stored only for
// the message medium.
func (r *DeliveryRepository) MarkSent(ctx context.Context, id bson.ObjectID, via models.MessageChannel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	currentTime := time.Now().Unix()
	set := bson.M{
		"status":             models.DeliveryStatusSent,
		"sentAt":             currentTime,
		"metadata.updatedAt": currentTime,
	}
	if via != "" {
		set["messageSentVia"] = via
	}

	filter := bson.M{"_id": id, "status": models.DeliveryStatusPending}
	result, err := r.collection.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to mark delivery sent: %w", err)
	}

	if result.MatchedCount == 0 {
		return ErrNotPending
	}

	return nil
}

func (r *DeliveryRepository) MarkFailed(ctx context.Context, id bson.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	filter := bson.M{"_id": id, "status": models.DeliveryStatusPending}
	update := bson.M{
		"$set": bson.M{
			"status":             models.DeliveryStatusFailed,
			"metadata.updatedAt": time.Now().Unix(),
		},
	}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to mark delivery failed: %w", err)
	}

	if result.MatchedCount == 0 {
		return ErrNotPending
	}

	return nil
}

// ResetToPending forces a delivery back to pending, clearing sentAt and
// messageSentVia. Only the admin override uses this; it deliberately does
// not filter on the current status.
func (r *DeliveryRepository) ResetToPending(ctx context.Context, id bson.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	update := bson.M{
		"$set": bson.M{
			"status":             models.DeliveryStatusPending,
			"metadata.updatedAt": time.Now().Unix(),
		},
		"$unset": bson.M{
			"sentAt":         "",
			"messageSentVia": "",
		},
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to reset delivery: %w", err)
	}

	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}

	return nil
}

func (r *DeliveryRepository) CountByMeetingAndStatus(ctx context.Context, meetingID string, status models.DeliveryStatus) (int64, error) {
	filter := bson.M{
		"meetingId": meetingID,
		"status":    status,
	}

	count, err := r.collection.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count deliveries: %w", err)
	}
	return count, nil
}

func (r *DeliveryRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "notificationId", Value: 1}},
		},
		{
			Keys: bson.D{
				{Key: "meetingId", Value: 1},
				{Key: "status", Value: 1},
			},
		},
		{
			Keys: bson.D{{Key: "metadata.createdAt", Value: -1}},
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create delivery indexes: %w", err)
	}

	return nil
}
