package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"civic-notification-service/internal/delivery"
	"civic-notification-service/internal/event"
	"civic-notification-service/internal/matching"
	"civic-notification-service/internal/models"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

type stubOracle struct{}

func (stubOracle) IsWithinDistance(_ context.Context, _ []string, _ string, _ int) (bool, error) {
	return false, nil
}

type fakeNotificationStore struct {
	rows []*models.Notification
}

func (s *fakeNotificationStore) New(_ context.Context, n *models.Notification) (*models.Notification, error) {
	n.ID = bson.NewObjectID()
	s.rows = append(s.rows, n)
	return n, nil
}

func (s *fakeNotificationStore) FindByID(_ context.Context, id bson.ObjectID) (*models.Notification, error) {
	for _, n := range s.rows {
		if n.ID == id {
			return n, nil
		}
	}
	return nil, mongo.ErrNoDocuments
}

func (s *fakeNotificationStore) FindByIDs(_ context.Context, ids []bson.ObjectID) ([]*models.Notification, error) {
	want := make(map[bson.ObjectID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*models.Notification
	for _, n := range s.rows {
		if want[n.ID] {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *fakeNotificationStore) FindByUserAndRun(_ context.Context, userID, meetingID string, notificationType models.NotificationType) (*models.Notification, error) {
	for _, n := range s.rows {
		if n.UserID == userID && n.MeetingID == meetingID && n.Type == notificationType {
			return n, nil
		}
	}
	return nil, mongo.ErrNoDocuments
}

type fakeDeliveryStore struct {
	rows   []*models.NotificationDelivery
	resets []bson.ObjectID
}

func (s *fakeDeliveryStore) New(_ context.Context, d *models.NotificationDelivery) (*models.NotificationDelivery, error) {
	d.ID = bson.NewObjectID()
	if d.Status == "" {
		d.Status = models.DeliveryStatusPending
	}
	s.rows = append(s.rows, d)
	return d, nil
}

func (s *fakeDeliveryStore) FindByID(_ context.Context, id bson.ObjectID) (*models.NotificationDelivery, error) {
	for _, d := range s.rows {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, mongo.ErrNoDocuments
}

func (s *fakeDeliveryStore) FindByNotification(_ context.Context, notificationID bson.ObjectID) ([]*models.NotificationDelivery, error) {
	var out []*models.NotificationDelivery
	for _, d := range s.rows {
		if d.NotificationID == notificationID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeDeliveryStore) FindPendingByMeeting(_ context.Context, meetingID string) ([]*models.NotificationDelivery, error) {
	var out []*models.NotificationDelivery
	for _, d := range s.rows {
		if d.MeetingID == meetingID && d.Status == models.DeliveryStatusPending {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeDeliveryStore) ResetToPending(_ context.Context, id bson.ObjectID) error {
	for _, d := range s.rows {
		if d.ID == id {
			d.Status = models.DeliveryStatusPending
			d.SentAt = nil
			d.SentVia = ""
			s.resets = append(s.resets, id)
			return nil
		}
	}
	return mongo.ErrNoDocuments
}

// fakeEngine records the deliveries it was asked to send and marks them
// sent, mirroring the real engine's transitions. Batch sends call it from
// multiple goroutines.
type fakeEngine struct {
	mu      sync.Mutex
	sent    []bson.ObjectID
	outcome func(d *models.NotificationDelivery) delivery.Outcome
}

func (e *fakeEngine) Send(_ context.Context, d *models.NotificationDelivery, _ *models.Notification) (delivery.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, d.ID)
	if e.outcome != nil {
		return e.outcome(d), nil
	}
	d.Status = models.DeliveryStatusSent
	via := models.MessageChannel("")
	if d.Medium == models.DeliveryMediumMessage {
		via = models.MessageChannelWhatsApp
		d.SentVia = via
	}
	return delivery.Outcome{Success: true, SentVia: via}, nil
}

type fakePublisher struct {
	mu             sync.Mutex
	deliveryEvents []*event.DeliveryEvent
	runEvents      []*event.RunCompletedEvent
}

func (p *fakePublisher) PublishDeliveryEvent(ev *event.DeliveryEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deliveryEvents = append(p.deliveryEvents, ev)
	return nil
}

func (p *fakePublisher) PublishRunCompletedEvent(ev *event.RunCompletedEvent) error {
	p.runEvents = append(p.runEvents, ev)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func newTestService(engine Sender, publisher event.Publisher) (*NotificationService, *fakeNotificationStore, *fakeDeliveryStore) {
	notifications := &fakeNotificationStore{}
	deliveries := &fakeDeliveryStore{}
	matcher := matching.NewMatcher(stubOracle{}, 1)
	return NewNotificationService(matcher, notifications, deliveries, engine, publisher, 2), notifications, deliveries
}

func runRequest() *models.CreateRunRequest {
	return &models.CreateRunRequest{
		CityID:        "c1",
		CityName:      "Springfield",
		MeetingDate:   1780000000,
		AdminBodyName: "City Council",
		Type:          models.NotificationTypeBeforeMeeting,
		Subjects: []models.Subject{
			{ID: "s1", Title: "Budget vote", TopicID: "t-budget"},
			{ID: "s2", Title: "Street fair permit", TopicID: "t-events"},
		},
		Importances: map[string]models.SubjectImportance{
			"s1": {Topic: models.TopicImportanceHigh, Proximity: models.ProximityImportanceNone},
			"s2": {Topic: models.TopicImportanceNormal, Proximity: models.ProximityImportanceNone},
		},
		Users: []models.UserPreference{
			{UserID: "u1", TopicIDs: []string{"t-events"}},
			{UserID: "u2"},
		},
		Contacts: []models.RecipientContact{
			{UserID: "u1", Email: "u1@example.org", Phone: "+15550001"},
			{UserID: "u2", Email: "u2@example.org"},
		},
		EmailTitle:  "Council meeting",
		EmailBody:   "Details inside",
		MessageBody: "Council meeting coming up",
	}
}

func TestCreateRun(t *testing.T) {
	svc, notifications, deliveries := newTestService(&fakeEngine{}, nil)

	result, err := svc.CreateRun(context.Background(), "m1", runRequest())
	if err != nil {
		t.Fatalf("CreateRun returned error: %v", err)
	}

	if result.NotificationsCreated != 2 {
		t.Errorf("expected 2 notifications, got %d", result.NotificationsCreated)
	}
	// u1 gets email+message, u2 email only.
	if result.DeliveriesCreated != 3 {
		t.Errorf("expected 3 deliveries, got %d", result.DeliveriesCreated)
	}
	if result.UsersSkipped != 0 {
		t.Errorf("expected 0 skipped users, got %d", result.UsersSkipped)
	}

	n := notifications.rows[0]
	if n.UserID != "u1" || n.MeetingID != "m1" || n.CityName != "Springfield" {
		t.Errorf("unexpected first notification: %+v", n)
	}
	// u1 matches both subjects: s1 high, s2 via topic.
	if len(n.Subjects) != 2 {
		t.Fatalf("expected 2 subject entries for u1, got %d", len(n.Subjects))
	}
	if n.Subjects[0].SubjectID != "s1" || n.Subjects[0].Reason != models.MatchReasonGeneralInterest {
		t.Errorf("unexpected first subject entry: %+v", n.Subjects[0])
	}
	if n.Subjects[1].SubjectID != "s2" || n.Subjects[1].Reason != models.MatchReasonTopic {
		t.Errorf("unexpected second subject entry: %+v", n.Subjects[1])
	}
	// u2 has no topic subscriptions, only the high subject reaches them.
	if len(notifications.rows[1].Subjects) != 1 {
		t.Errorf("expected 1 subject entry for u2, got %d", len(notifications.rows[1].Subjects))
	}

	for _, d := range deliveries.rows {
		if d.Status != models.DeliveryStatusPending {
			t.Errorf("new delivery %s created with status %s", d.ID.Hex(), d.Status)
		}
	}
}

func TestCreateRunIsIdempotent(t *testing.T) {
	svc, notifications, deliveries := newTestService(&fakeEngine{}, nil)

	if _, err := svc.CreateRun(context.Background(), "m1", runRequest()); err != nil {
		t.Fatalf("first CreateRun returned error: %v", err)
	}

	result, err := svc.CreateRun(context.Background(), "m1", runRequest())
	if err != nil {
		t.Fatalf("second CreateRun returned error: %v", err)
	}
	if result.NotificationsCreated != 0 || result.DeliveriesCreated != 0 {
		t.Errorf("re-run must not create rows, got %+v", result)
	}
	if result.UsersSkipped != 2 {
		t.Errorf("expected 2 skipped users, got %d", result.UsersSkipped)
	}
	if len(notifications.rows) != 2 || len(deliveries.rows) != 3 {
		t.Errorf("row counts changed on re-run: %d notifications, %d deliveries",
			len(notifications.rows), len(deliveries.rows))
	}
}

func TestCreateRunRejectsInvalidType(t *testing.T) {
	svc, _, _ := newTestService(&fakeEngine{}, nil)

	req := runRequest()
	req.Type = "whenever"
	if _, err := svc.CreateRun(context.Background(), "m1", req); err == nil {
		t.Fatal("expected error for invalid notification type")
	}
	if _, err := svc.CreateRun(context.Background(), "", runRequest()); err == nil {
		t.Fatal("expected error for empty meeting id")
	}
}

func TestSendBatchForMeeting(t *testing.T) {
	engine := &fakeEngine{}
	publisher := &fakePublisher{}
	svc, _, _ := newTestService(engine, publisher)

	if _, err := svc.CreateRun(context.Background(), "m1", runRequest()); err != nil {
		t.Fatalf("CreateRun returned error: %v", err)
	}

	summary, err := svc.SendBatchForMeeting(context.Background(), "m1")
	if err != nil {
		t.Fatalf("SendBatchForMeeting returned error: %v", err)
	}
	if summary.EmailsSent != 2 {
		t.Errorf("expected 2 emails sent, got %d", summary.EmailsSent)
	}
	if summary.MessagesSent != 1 {
		t.Errorf("expected 1 message sent, got %d", summary.MessagesSent)
	}
	if summary.Failed != 0 || summary.Skipped != 0 {
		t.Errorf("expected no failures or skips, got %+v", summary)
	}
	if len(engine.sent) != 3 {
		t.Errorf("expected 3 sends, got %d", len(engine.sent))
	}
	if len(publisher.deliveryEvents) != 3 {
		t.Errorf("expected 3 delivery events, got %d", len(publisher.deliveryEvents))
	}
	for _, ev := range publisher.deliveryEvents {
		if ev.EventType != event.EventTypeDeliverySent {
			t.Errorf("expected sent event, got %s", ev.EventType)
		}
	}
}

func TestSendBatchCountsFailures(t *testing.T) {
	engine := &fakeEngine{
		outcome: func(d *models.NotificationDelivery) delivery.Outcome {
			if d.Medium == models.DeliveryMediumMessage {
				d.Status = models.DeliveryStatusFailed
				return delivery.Outcome{}
			}
			d.Status = models.DeliveryStatusSent
			return delivery.Outcome{Success: true}
		},
	}
	publisher := &fakePublisher{}
	svc, _, _ := newTestService(engine, publisher)

	if _, err := svc.CreateRun(context.Background(), "m1", runRequest()); err != nil {
		t.Fatalf("CreateRun returned error: %v", err)
	}

	summary, err := svc.SendBatchForMeeting(context.Background(), "m1")
	if err != nil {
		t.Fatalf("SendBatchForMeeting returned error: %v", err)
	}
	if summary.EmailsSent != 2 || summary.MessagesSent != 0 || summary.Failed != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	failed := 0
	for _, ev := range publisher.deliveryEvents {
		if ev.EventType == event.EventTypeDeliveryFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("expected 1 failed event, got %d", failed)
	}
}

func TestSendForNotification(t *testing.T) {
	engine := &fakeEngine{}
	svc, notifications, _ := newTestService(engine, nil)

	if _, err := svc.CreateRun(context.Background(), "m1", runRequest()); err != nil {
		t.Fatalf("CreateRun returned error: %v", err)
	}

	// u1's notification owns an email and a message delivery.
	target := notifications.rows[0]
	summary, err := svc.SendForNotification(context.Background(), target.ID.Hex())
	if err != nil {
		t.Fatalf("SendForNotification returned error: %v", err)
	}
	if summary.EmailsSent != 1 || summary.MessagesSent != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if len(engine.sent) != 2 {
		t.Errorf("expected 2 sends, got %d", len(engine.sent))
	}

	if _, err := svc.SendForNotification(context.Background(), "bogus"); !errors.Is(err, ErrInvalidNotificationID) {
		t.Errorf("expected ErrInvalidNotificationID, got %v", err)
	}
	if _, err := svc.SendForNotification(context.Background(), bson.NewObjectID().Hex()); !errors.Is(err, mongo.ErrNoDocuments) {
		t.Errorf("expected ErrNoDocuments, got %v", err)
	}
}

func TestResendDelivery(t *testing.T) {
	engine := &fakeEngine{}
	publisher := &fakePublisher{}
	svc, _, deliveries := newTestService(engine, publisher)

	if _, err := svc.CreateRun(context.Background(), "m1", runRequest()); err != nil {
		t.Fatalf("CreateRun returned error: %v", err)
	}
	if _, err := svc.SendBatchForMeeting(context.Background(), "m1"); err != nil {
		t.Fatalf("SendBatchForMeeting returned error: %v", err)
	}

	target := deliveries.rows[0]
	if target.Status != models.DeliveryStatusSent {
		t.Fatalf("precondition failed: delivery is %s", target.Status)
	}

	result, err := svc.ResendDelivery(context.Background(), target.ID.Hex(), "op-7")
	if err != nil {
		t.Fatalf("ResendDelivery returned error: %v", err)
	}
	if !result.Success {
		t.Error("expected successful resend")
	}
	if result.Medium != models.DeliveryMediumEmail {
		t.Errorf("expected email medium, got %s", result.Medium)
	}

	// The reset must land before the re-send touches the row.
	if len(deliveries.resets) != 1 || deliveries.resets[0] != target.ID {
		t.Fatalf("expected one reset of %s, got %v", target.ID.Hex(), deliveries.resets)
	}
	if engine.sent[len(engine.sent)-1] != target.ID {
		t.Error("expected the resend to be the last engine call")
	}

	var audit *event.DeliveryEvent
	for _, ev := range publisher.deliveryEvents {
		if ev.EventType == event.EventTypeDeliveryResendRequested {
			audit = ev
		}
	}
	if audit == nil {
		t.Fatal("expected a resend audit event")
	}
	if audit.OperatorID != "op-7" {
		t.Errorf("expected operator op-7 on audit event, got %q", audit.OperatorID)
	}
}

func TestResendDeliveryInvalidID(t *testing.T) {
	svc, _, _ := newTestService(&fakeEngine{}, nil)

	_, err := svc.ResendDelivery(context.Background(), "not-an-object-id", "op-7")
	if !errors.Is(err, ErrInvalidDeliveryID) {
		t.Fatalf("expected ErrInvalidDeliveryID, got %v", err)
	}
}

func TestResendDeliveryNotFound(t *testing.T) {
	svc, _, _ := newTestService(&fakeEngine{}, nil)

	_, err := svc.ResendDelivery(context.Background(), bson.NewObjectID().Hex(), "op-7")
	if !errors.Is(err, mongo.ErrNoDocuments) {
		t.Fatalf("expected ErrNoDocuments, got %v", err)
	}
}

func TestHandleRunRequested(t *testing.T) {
	engine := &fakeEngine{}
	publisher := &fakePublisher{}
	svc, _, _ := newTestService(engine, publisher)

	ev := &event.RunRequestedEvent{MeetingID: "m1", Run: *runRequest()}
	if err := svc.HandleRunRequested(context.Background(), ev); err != nil {
		t.Fatalf("HandleRunRequested returned error: %v", err)
	}

	if len(publisher.runEvents) != 1 {
		t.Fatalf("expected 1 run completed event, got %d", len(publisher.runEvents))
	}
	completed := publisher.runEvents[0]
	if completed.MeetingID != "m1" || completed.Created != 2 {
		t.Errorf("unexpected run completed event: %+v", completed)
	}
	if completed.Summary == nil || completed.Summary.EmailsSent != 2 || completed.Summary.MessagesSent != 1 {
		t.Errorf("unexpected batch summary on event: %+v", completed.Summary)
	}
}
