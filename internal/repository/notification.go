package repository

import (
	"civic-notification-service/internal/models"
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type NotificationRepository struct {
	collection *mongo.Collection
	mu         *sync.Mutex
}

func NewNotificationRepository(db *mongo.Database) *NotificationRepository {
	return &NotificationRepository{
		collection: db.Collection("notifications"),
		mu:         &sync.Mutex{},
	}
}

func (r *NotificationRepository) New(ctx context.Context, notification *models.Notification) (*models.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if notification.ID.IsZero() {
		notification.ID = bson.NewObjectID()
	}

	currentTime := time.Now().Unix()
	if notification.Metadata.CreatedAt == 0 {
		notification.Metadata.CreatedAt = currentTime
	}
	notification.Metadata.UpdatedAt = currentTime

	_, err := r.collection.InsertOne(ctx, notification)
	if err != nil {
		return nil, fmt.Errorf("failed to insert notification: %w", err)
	}
	return notification, nil
}

func (r *NotificationRepository) FindByID(ctx context.Context, id bson.ObjectID) (*models.Notification, error) {
	var notification models.Notification
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&notification)
	if err != nil {
		return nil, err
	}
	return &notification, nil
}

// FindByUserAndRun looks up the notification already created for this user
// in this run, if any. Used to keep run creation idempotent.
func (r *NotificationRepository) FindByUserAndRun(ctx context.Context, userID, meetingID string, notificationType models.NotificationType) (*models.Notification, error) {
	filter := bson.M{
		"userId":    userID,
		"meetingId": meetingID,
		"type":      notificationType,
	}

	var notification models.Notification
	err := r.collection.FindOne(ctx, filter).Decode(&notification)
	if err != nil {
		return nil, err
	}
	return &notification, nil
}

func (r *NotificationRepository) FindByIDs(ctx context.Context, ids []bson.ObjectID) ([]*models.Notification, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	cursor, err := r.collection.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("failed to find notifications by ids: %w", err)
	}
	defer cursor.Close(ctx)

	var notifications []*models.Notification
	if err = cursor.All(ctx, &notifications); err != nil {
		return nil, fmt.Errorf("failed to decode notifications: %w", err)
	}

	return notifications, nil
}

func (r *NotificationRepository) FindByMeeting(ctx context.Context, meetingID string, page, limit int) ([]*models.Notification, int64, error) {
	filter := bson.M{"meetingId": meetingID}

	totalCount, err := r.collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
	}

	opts := options.Find()
	opts.SetSort(bson.M{"metadata.createdAt": -1})
	opts.SetSkip(int64((page - 1) * limit))
	opts.SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to find notifications by meeting: %w", err)
	}
	defer cursor.Close(ctx)

	var notifications []*models.Notification
	if err = cursor.All(ctx, &notifications); err != nil {
		return nil, 0, fmt.Errorf("failed to decode notifications: %w", err)
	}

	return notifications, totalCount, nil
}

func (r *NotificationRepository) FindByUser(ctx context.Context, userID string, page, limit int) ([]*models.Notification, error) {
	filter := bson.M{"userId": userID}

	opts := options.Find()
	opts.SetSort(bson.M{"metadata.createdAt": -1})
	opts.SetSkip(int64((page - 1) * limit))
	opts.SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find notifications by user: %w", err)
	}
	defer cursor.Close(ctx)

	var notifications []*models.Notification
	if err = cursor.All(ctx, &notifications); err != nil {
		return nil, fmt.Errorf("failed to decode notifications: %w", err)
	}

	return notifications, nil
}

func (r *NotificationRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			// One notification per user per meeting run.
			Keys: bson.D{
				{Key: "userId", Value: 1},
				{Key: "meetingId", Value: 1},
				{Key: "type", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "meetingId", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "metadata.createdAt", Value: -1}},
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create notification indexes: %w", err)
	}

	return nil
}
