package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"civic-notification-service/internal/delivery"
	"civic-notification-service/internal/event"
	"civic-notification-service/internal/matching"
	"civic-notification-service/internal/models"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidDeliveryID     = errors.New("invalid delivery id")
	ErrInvalidNotificationID = errors.New("invalid notification id")
)

const defaultBatchWorkers = 16

// NotificationStore is the slice of the notification repository this
// service needs.
type NotificationStore interface {
	New(ctx context.Context, notification *models.Notification) (*models.Notification, error)
	FindByID(ctx context.Context, id bson.ObjectID) (*models.Notification, error)
	FindByIDs(ctx context.Context, ids []bson.ObjectID) ([]*models.Notification, error)
	FindByUserAndRun(ctx context.Context, userID, meetingID string, notificationType models.NotificationType) (*models.Notification, error)
}

// DeliveryStore is the slice of the delivery repository this service needs.
type DeliveryStore interface {
	New(ctx context.Context, d *models.NotificationDelivery) (*models.NotificationDelivery, error)
	FindByID(ctx context.Context, id bson.ObjectID) (*models.NotificationDelivery, error)
	FindByNotification(ctx context.Context, notificationID bson.ObjectID) ([]*models.NotificationDelivery, error)
	FindPendingByMeeting(ctx context.Context, meetingID string) ([]*models.NotificationDelivery, error)
	ResetToPending(ctx context.Context, id bson.ObjectID) error
}

// Sender runs one delivery through the delivery engine.
type Sender interface {
	Send(ctx context.Context, d *models.NotificationDelivery, n *models.Notification) (delivery.Outcome, error)
}

type NotificationService struct {
	matcher       *matching.Matcher
	notifications NotificationStore
	deliveries    DeliveryStore
	engine        Sender
	publisher     event.Publisher
	batchWorkers  int
}

func NewNotificationService(matcher *matching.Matcher, notifications NotificationStore, deliveries DeliveryStore, engine Sender, publisher event.Publisher, batchWorkers int) *NotificationService {
	if batchWorkers < 1 {
		batchWorkers = defaultBatchWorkers
	}
	return &NotificationService{
		matcher:       matcher,
		notifications: notifications,
		deliveries:    deliveries,
		engine:        engine,
		publisher:     publisher,
		batchWorkers:  batchWorkers,
	}
}

// Impact is the dry-run admin preview. It runs matching and aggregates, with
// no side effects.
func (s *NotificationService) Impact(ctx context.Context, req *models.ImpactRequest) (*models.ImpactReport, error) {
	return s.matcher.Impact(ctx, req.Subjects, req.Importances, req.Users)
}

// CreateRun matches the run's subjects against its users and creates one
// notification plus pending deliveries per matched user. Users that already
// have a notification for this (meeting, type) are skipped, so re-running a
// run request does not duplicate notifications.
func (s *NotificationService) CreateRun(ctx context.Context, meetingID string, req *models.CreateRunRequest) (*models.CreateRunResult, error) {
	if meetingID == "" {
		return nil, fmt.Errorf("meeting id is required")
	}
	if req.Type != models.NotificationTypeBeforeMeeting && req.Type != models.NotificationTypeAfterMeeting {
		return nil, fmt.Errorf("invalid notification type %q", req.Type)
	}

	matched, err := s.matcher.Match(ctx, req.Subjects, req.Importances, req.Users)
	if err != nil {
		return nil, fmt.Errorf("matching failed for meeting %s: %w", meetingID, err)
	}

	contacts := make(map[string]models.RecipientContact, len(req.Contacts))
	for _, contact := range req.Contacts {
		contacts[contact.UserID] = contact
	}

	result := &models.CreateRunResult{}

	// Iterate users in request order so notification creation is
	// deterministic.
	for _, user := range req.Users {
		set := matched[user.UserID]
		if len(set) == 0 {
			continue
		}

		existing, err := s.notifications.FindByUserAndRun(ctx, user.UserID, meetingID, req.Type)
		if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("failed to check existing notification: %w", err)
		}
		if existing != nil {
			result.UsersSkipped++
			continue
		}

		notification := &models.Notification{
			UserID:        user.UserID,
			CityID:        req.CityID,
			CityName:      req.CityName,
			MeetingID:     meetingID,
			MeetingDate:   req.MeetingDate,
			AdminBodyName: req.AdminBodyName,
			Type:          req.Type,
			Subjects:      subjectEntries(req.Subjects, set),
		}

		notification, err = s.notifications.New(ctx, notification)
		if err != nil {
			return nil, fmt.Errorf("failed to create notification for user %s: %w", user.UserID, err)
		}
		result.NotificationsCreated++

		created, err := s.createDeliveries(ctx, notification, contacts[user.UserID], req)
		if err != nil {
			return nil, err
		}
		result.DeliveriesCreated += created
	}

	log.Printf("Run %s: created %d notifications, %d deliveries, skipped %d users",
		meetingID, result.NotificationsCreated, result.DeliveriesCreated, result.UsersSkipped)
	return result, nil
}

// subjectEntries keeps the run's subject order on the notification.
func subjectEntries(subjects []models.Subject, set matching.MatchSet) []models.SubjectEntry {
	entries := make([]models.SubjectEntry, 0, len(set))
	for _, subject := range subjects {
		reason, ok := set[subject.ID]
		if !ok {
			continue
		}
		entries = append(entries, models.SubjectEntry{
			SubjectID: subject.ID,
			Title:     subject.Title,
			Reason:    reason,
		})
	}
	return entries
}

func (s *NotificationService) createDeliveries(ctx context.Context, n *models.Notification, contact models.RecipientContact, req *models.CreateRunRequest) (int, error) {
	created := 0

	if contact.Email != "" {
		d := &models.NotificationDelivery{
			NotificationID: n.ID,
			MeetingID:      n.MeetingID,
			Medium:         models.DeliveryMediumEmail,
			Status:         models.DeliveryStatusPending,
			Email: &models.EmailPayload{
				To:    contact.Email,
				Title: req.EmailTitle,
				Body:  req.EmailBody,
			},
		}
		if _, err := s.deliveries.New(ctx, d); err != nil {
			return created, fmt.Errorf("failed to create email delivery: %w", err)
		}
		created++
	}

	if contact.Phone != "" {
		d := &models.NotificationDelivery{
			NotificationID: n.ID,
			MeetingID:      n.MeetingID,
			Medium:         models.DeliveryMediumMessage,
			Status:         models.DeliveryStatusPending,
			Message: &models.MessagePayload{
				Phone: contact.Phone,
				Body:  req.MessageBody,
			},
		}
		if _, err := s.deliveries.New(ctx, d); err != nil {
			return created, fmt.Errorf("failed to create message delivery: %w", err)
		}
		created++
	}

	return created, nil
}

// SendBatchForMeeting drains the pending deliveries of one meeting.
// Deliveries run concurrently; a failing row never aborts its siblings, its
// failure lands in the persisted status and the summary.
func (s *NotificationService) SendBatchForMeeting(ctx context.Context, meetingID string) (*models.BatchSummary, error) {
	pending, err := s.deliveries.FindPendingByMeeting(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending deliveries: %w", err)
	}

	notificationIDs := make([]bson.ObjectID, 0, len(pending))
	seen := make(map[bson.ObjectID]bool, len(pending))
	for _, d := range pending {
		if !seen[d.NotificationID] {
			seen[d.NotificationID] = true
			notificationIDs = append(notificationIDs, d.NotificationID)
		}
	}

	notifications, err := s.notifications.FindByIDs(ctx, notificationIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load notifications: %w", err)
	}
	byID := make(map[bson.ObjectID]*models.Notification, len(notifications))
	for _, n := range notifications {
		byID[n.ID] = n
	}

	summary := &models.BatchSummary{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchWorkers)
	for _, d := range pending {
		g.Go(func() error {
			outcome := s.sendOne(gctx, d, byID[d.NotificationID])

			mu.Lock()
			defer mu.Unlock()
			switch {
			case outcome.Skipped:
				summary.Skipped++
			case outcome.Success && d.Medium == models.DeliveryMediumEmail:
				summary.EmailsSent++
			case outcome.Success:
				summary.MessagesSent++
			default:
				summary.Failed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	log.Printf("Batch for meeting %s: emails sent: %d, messages sent: %d, failed: %d, skipped: %d",
		meetingID, summary.EmailsSent, summary.MessagesSent, summary.Failed, summary.Skipped)
	return summary, nil
}

// SendForNotification drains the pending deliveries of one notification.
// Non-pending rows count as skipped, mirroring the meeting-level batch.
func (s *NotificationService) SendForNotification(ctx context.Context, notificationID string) (*models.BatchSummary, error) {
	id, err := bson.ObjectIDFromHex(notificationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNotificationID, notificationID)
	}

	n, err := s.notifications.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	deliveries, err := s.deliveries.FindByNotification(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load deliveries for notification %s: %w", notificationID, err)
	}

	summary := &models.BatchSummary{}
	for _, d := range deliveries {
		outcome := s.sendOne(ctx, d, n)
		switch {
		case outcome.Skipped:
			summary.Skipped++
		case outcome.Success && d.Medium == models.DeliveryMediumEmail:
			summary.EmailsSent++
		case outcome.Success:
			summary.MessagesSent++
		default:
			summary.Failed++
		}
	}

	return summary, nil
}

// sendOne isolates one delivery attempt. All errors are absorbed here so
// sibling deliveries keep going.
func (s *NotificationService) sendOne(ctx context.Context, d *models.NotificationDelivery, n *models.Notification) delivery.Outcome {
	if n == nil {
		log.Printf("Delivery %s references missing notification %s", d.ID.Hex(), d.NotificationID.Hex())
		return delivery.Outcome{Skipped: true}
	}

	outcome, err := s.engine.Send(ctx, d, n)
	if err != nil {
		log.Printf("Delivery %s send error: %v", d.ID.Hex(), err)
	}
	s.publishOutcome(d, outcome)
	return outcome
}

func (s *NotificationService) publishOutcome(d *models.NotificationDelivery, outcome delivery.Outcome) {
	if s.publisher == nil || outcome.Skipped {
		return
	}

	eventType := event.EventTypeDeliveryFailed
	if outcome.Success {
		eventType = event.EventTypeDeliverySent
	}
	err := s.publisher.PublishDeliveryEvent(&event.DeliveryEvent{
		EventType:      eventType,
		DeliveryID:     d.ID.Hex(),
		NotificationID: d.NotificationID.Hex(),
		MeetingID:      d.MeetingID,
		Medium:         d.Medium,
		SentVia:        outcome.SentVia,
	})
	if err != nil {
		log.Printf("Failed to publish delivery event for %s: %v", d.ID.Hex(), err)
	}
}

// ResendDelivery is the privileged admin override. It forces the delivery
// back to pending as its own durable write, then re-runs the normal send
// path. A crash after the reset leaves the row pending and safe to retry,
// never falsely sent.
func (s *NotificationService) ResendDelivery(ctx context.Context, deliveryID, operatorID string) (*models.ResendResult, error) {
	id, err := bson.ObjectIDFromHex(deliveryID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDeliveryID, deliveryID)
	}

	d, err := s.deliveries.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	n, err := s.notifications.FindByID(ctx, d.NotificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load notification %s: %w", d.NotificationID.Hex(), err)
	}

	// Audit trail: overrides can re-send something the recipient already
	// saw, so every one is logged and published before any state changes.
	log.Printf("Operator %s requested resend of delivery %s (status %s, medium %s)",
		operatorID, d.ID.Hex(), d.Status, d.Medium)
	if s.publisher != nil {
		err := s.publisher.PublishDeliveryEvent(&event.DeliveryEvent{
			EventType:      event.EventTypeDeliveryResendRequested,
			DeliveryID:     d.ID.Hex(),
			NotificationID: d.NotificationID.Hex(),
			MeetingID:      d.MeetingID,
			Medium:         d.Medium,
			OperatorID:     operatorID,
		})
		if err != nil {
			log.Printf("Failed to publish resend audit event for %s: %v", d.ID.Hex(), err)
		}
	}

	if err := s.deliveries.ResetToPending(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to reset delivery %s: %w", d.ID.Hex(), err)
	}

	// Reload so the send sees the cleared sentAt/messageSentVia row.
	d, err = s.deliveries.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reload delivery %s: %w", id.Hex(), err)
	}

	outcome, err := s.engine.Send(ctx, d, n)
	if err != nil {
		return nil, err
	}
	s.publishOutcome(d, outcome)

	return &models.ResendResult{
		Success: outcome.Success,
		Medium:  d.Medium,
		SentVia: outcome.SentVia,
	}, nil
}

// HandleRunRequested wires the service into the event consumer: create the
// run, then drain its deliveries.
func (s *NotificationService) HandleRunRequested(ctx context.Context, ev *event.RunRequestedEvent) error {
	created, err := s.CreateRun(ctx, ev.MeetingID, &ev.Run)
	if err != nil {
		return err
	}

	summary, err := s.SendBatchForMeeting(ctx, ev.MeetingID)
	if err != nil {
		return err
	}

	if s.publisher != nil {
		err := s.publisher.PublishRunCompletedEvent(&event.RunCompletedEvent{
			MeetingID: ev.MeetingID,
			Created:   created.NotificationsCreated,
			Summary:   summary,
		})
		if err != nil {
			log.Printf("Failed to publish run completed event for %s: %v", ev.MeetingID, err)
		}
	}

	return nil
}

// GetDelivery returns one delivery row for the admin screens.
func (s *NotificationService) GetDelivery(ctx context.Context, deliveryID string) (*models.NotificationDelivery, error) {
	id, err := bson.ObjectIDFromHex(deliveryID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDeliveryID, deliveryID)
	}
	return s.deliveries.FindByID(ctx, id)
}
