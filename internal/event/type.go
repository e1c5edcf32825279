package event

import "civic-notification-service/internal/models"

const (
	EventTypeDeliverySent            = "notification.delivery.sent"
	EventTypeDeliveryFailed          = "notification.delivery.failed"
	EventTypeDeliveryResendRequested = "notification.delivery.resend.requested"
	EventTypeRunRequested            = "notification.run.requested"
	EventTypeRunCompleted            = "notification.run.completed"
)

// DeliveryEvent reports one delivery outcome or override to the rest of the
// platform.
type DeliveryEvent struct {
	EventID        string                `json:"eventId"`
	EventType      string                `json:"eventType"`
	DeliveryID     string                `json:"deliveryId"`
	NotificationID string                `json:"notificationId"`
	MeetingID      string                `json:"meetingId"`
	Medium         models.DeliveryMedium `json:"medium"`
	SentVia        models.MessageChannel `json:"sentVia,omitempty"`
	OperatorID     string                `json:"operatorId,omitempty"`
	Timestamp      int64                 `json:"timestamp"`
}

// RunRequestedEvent asks this service to run matching, create notifications
// and drain the resulting deliveries for one meeting.
type RunRequestedEvent struct {
	EventID   string                  `json:"eventId"`
	EventType string                  `json:"eventType"`
	MeetingID string                  `json:"meetingId"`
	Run       models.CreateRunRequest `json:"run"`
	Timestamp int64                   `json:"timestamp"`
}

// RunCompletedEvent reports the batch summary after a consumed run.
type RunCompletedEvent struct {
	EventID   string               `json:"eventId"`
	EventType string               `json:"eventType"`
	MeetingID string               `json:"meetingId"`
	Created   int                  `json:"created"`
	Summary   *models.BatchSummary `json:"summary,omitempty"`
	Timestamp int64                `json:"timestamp"`
}
