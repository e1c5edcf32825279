package models

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Enums and Constants
type TopicImportance string

const (
	TopicImportanceDoNotNotify TopicImportance = "doNotNotify"
	TopicImportanceNormal      TopicImportance = "normal"
	TopicImportanceHigh        TopicImportance = "high"
)

type ProximityImportance string

const (
	ProximityImportanceNone ProximityImportance = "none"
	ProximityImportanceNear ProximityImportance = "near"
	ProximityImportanceWide ProximityImportance = "wide"
)

type MatchReason string

const (
	MatchReasonProximity       MatchReason = "proximity"
	MatchReasonTopic           MatchReason = "topic"
	MatchReasonGeneralInterest MatchReason = "generalInterest"
)

type NotificationType string

const (
	NotificationTypeBeforeMeeting NotificationType = "beforeMeeting"
	NotificationTypeAfterMeeting  NotificationType = "afterMeeting"
)

type DeliveryMedium string

const (
	DeliveryMediumEmail   DeliveryMedium = "email"
	DeliveryMediumMessage DeliveryMedium = "message"
)

type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSent    DeliveryStatus = "sent"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

type MessageChannel string

const (
	MessageChannelWhatsApp MessageChannel = "whatsapp"
	MessageChannelSMS      MessageChannel = "sms"
)

// Core Models

// Subject is a snapshot of a council agenda item at notification-run time.
// Subjects, topics and locations are owned by the portal backend, so their
// ids are plain strings here.
type Subject struct {
	ID         string `json:"id" bson:"id"`
	Title      string `json:"title" bson:"title"`
	TopicID    string `json:"topicId,omitempty" bson:"topicId,omitempty"`
	LocationID string `json:"locationId,omitempty" bson:"locationId,omitempty"`
}

// SubjectImportance decides whether and how broadly a subject is notified
// for one notification run.
type SubjectImportance struct {
	Topic     TopicImportance     `json:"topicImportance" bson:"topicImportance"`
	Proximity ProximityImportance `json:"proximityImportance" bson:"proximityImportance"`
}

// DefaultImportance is the importance applied to subjects with no override:
// notified to nobody unless explicitly escalated.
func DefaultImportance() SubjectImportance {
	return SubjectImportance{
		Topic:     TopicImportanceDoNotNotify,
		Proximity: ProximityImportanceNone,
	}
}

// Disabled reports whether the subject can never produce a match.
func (si SubjectImportance) Disabled() bool {
	return si.Topic == TopicImportanceDoNotNotify && si.Proximity == ProximityImportanceNone
}

type UserPreference struct {
	UserID      string   `json:"userId" bson:"userId"`
	LocationIDs []string `json:"locationIds,omitempty" bson:"locationIds,omitempty"`
	TopicIDs    []string `json:"topicIds,omitempty" bson:"topicIds,omitempty"`
}

// SubjectEntry is one matched subject carried on a notification, in match
// order.
type SubjectEntry struct {
	SubjectID string      `json:"subjectId" bson:"subjectId"`
	Title     string      `json:"title" bson:"title"`
	Reason    MatchReason `json:"reason" bson:"reason"`
}

type Notification struct {
	ID            bson.ObjectID    `json:"id,omitempty" bson:"_id,omitempty"`
	UserID        string           `json:"userId" bson:"userId"`
	CityID        string           `json:"cityId" bson:"cityId"`
	CityName      string           `json:"cityName" bson:"cityName"`
	MeetingID     string           `json:"meetingId" bson:"meetingId"`
	MeetingDate   int64            `json:"meetingDate" bson:"meetingDate"`
	AdminBodyName string           `json:"adminBodyName" bson:"adminBodyName"`
	Type          NotificationType `json:"type" bson:"type"`
	Subjects      []SubjectEntry   `json:"subjects" bson:"subjects"`
	Metadata      Metadata         `json:"metadata" bson:"metadata"`
}

type EmailPayload struct {
	To    string `json:"to" bson:"to"`
	Title string `json:"title" bson:"title"`
	Body  string `json:"body" bson:"body"`
}

type MessagePayload struct {
	Phone string `json:"phone" bson:"phone"`
	Body  string `json:"body" bson:"body"`
}

// NotificationDelivery is one channel-specific attempt to deliver a
// notification. It is the single source of truth for delivery status.
type NotificationDelivery struct {
	ID             bson.ObjectID   `json:"id,omitempty" bson:"_id,omitempty"`
	NotificationID bson.ObjectID   `json:"notificationId" bson:"notificationId"`
	MeetingID      string          `json:"meetingId" bson:"meetingId"`
	Medium         DeliveryMedium  `json:"medium" bson:"medium"`
	Status         DeliveryStatus  `json:"status" bson:"status"`
	Email          *EmailPayload   `json:"email,omitempty" bson:"email,omitempty"`
	Message        *MessagePayload `json:"message,omitempty" bson:"message,omitempty"`
	SentAt         *int64          `json:"sentAt,omitempty" bson:"sentAt,omitempty"`
	SentVia        MessageChannel  `json:"messageSentVia,omitempty" bson:"messageSentVia,omitempty"`
	Metadata       Metadata        `json:"metadata" bson:"metadata"`
}

type Metadata struct {
	CreatedAt int64 `json:"createdAt" bson:"createdAt"`
	UpdatedAt int64 `json:"updatedAt" bson:"updatedAt"`
}

// Reports

type ImpactReport struct {
	TotalUsers    int            `json:"totalUsers"`
	SubjectImpact map[string]int `json:"subjectImpact"`
}

// BatchSummary is what admins see after a batch run.
type BatchSummary struct {
	EmailsSent   int `json:"emailsSent"`
	MessagesSent int `json:"messagesSent"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`
}

type ResendResult struct {
	Success bool           `json:"success"`
	Medium  DeliveryMedium `json:"medium"`
	SentVia MessageChannel `json:"sentVia,omitempty"`
}

// DTOs and Requests

type ImpactRequest struct {
	Subjects    []Subject                    `json:"subjects"`
	Importances map[string]SubjectImportance `json:"importances"`
	Users       []UserPreference             `json:"users"`
}

// RecipientContact carries the channel addresses for one matched user,
// resolved by the portal backend before a run is created.
type RecipientContact struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
}

// CreateRunRequest creates the notifications and pending deliveries for one
// meeting notification run.
type CreateRunRequest struct {
	CityID        string                       `json:"cityId"`
	CityName      string                       `json:"cityName"`
	MeetingDate   int64                        `json:"meetingDate"`
	AdminBodyName string                       `json:"adminBodyName"`
	Type          NotificationType             `json:"type"`
	Subjects      []Subject                    `json:"subjects"`
	Importances   map[string]SubjectImportance `json:"importances"`
	Users         []UserPreference             `json:"users"`
	Contacts      []RecipientContact           `json:"contacts"`
	EmailTitle    string                       `json:"emailTitle"`
	EmailBody     string                       `json:"emailBody"`
	MessageBody   string                       `json:"messageBody"`
}

type CreateRunResult struct {
	NotificationsCreated int `json:"notificationsCreated"`
	DeliveriesCreated    int `json:"deliveriesCreated"`
	UsersSkipped         int `json:"usersSkipped"`
}
