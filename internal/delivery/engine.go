package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"civic-notification-service/internal/delivery/channels"
	"civic-notification-service/internal/models"
	"civic-notification-service/internal/repository"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ErrMissingFields marks a delivery whose payload lacks a required field.
// The row is marked failed before this is returned; no provider is called.
var ErrMissingFields = errors.New("delivery is missing required fields")

type EmailSender interface {
	SendEmail(ctx context.Context, to, title, body string) error
}

type MessageSender interface {
	SendWhatsAppTemplate(ctx context.Context, phone string, notificationType models.NotificationType, params channels.TemplateParams) error
	SendSMS(ctx context.Context, phone, body string) error
}

// Store persists delivery status transitions. Implementations must only
// transition rows that are still pending, so a concurrent admin override
// and batch send cannot both claim the same row.
type Store interface {
	MarkSent(ctx context.Context, id bson.ObjectID, via models.MessageChannel) error
	MarkFailed(ctx context.Context, id bson.ObjectID) error
}

// Outcome is the result of one send attempt. Skipped means the row was not
// pending, either on entry or by the time the transition was written.
type Outcome struct {
	Success bool
	Skipped bool
	SentVia models.MessageChannel
}

// Engine executes pending deliveries: email sends, WhatsApp template sends
// with SMS fallback, and the resulting status transitions.
type Engine struct {
	store           Store
	email           EmailSender
	message         MessageSender
	providerTimeout time.Duration
}

func NewEngine(store Store, email EmailSender, message MessageSender, providerTimeout time.Duration) *Engine {
	return &Engine{
		store:           store,
		email:           email,
		message:         message,
		providerTimeout: providerTimeout,
	}
}

// Send runs one pending delivery through its medium's state machine.
//
// A non-pending row is a no-op; a sent delivery is never re-sent by this
// path. The returned error is non-nil only for payload validation failures
// (the row is already marked failed) and for persistence failures. Provider
// failures are absorbed into the failed status and a false Outcome.
func (e *Engine) Send(ctx context.Context, d *models.NotificationDelivery, n *models.Notification) (Outcome, error) {
	if d.Status != models.DeliveryStatusPending {
		log.Printf("Skipping delivery %s: status is %s, not pending", d.ID.Hex(), d.Status)
		return Outcome{Skipped: true}, nil
	}

	switch d.Medium {
	case models.DeliveryMediumEmail:
		return e.sendEmail(ctx, d)
	case models.DeliveryMediumMessage:
		return e.sendMessage(ctx, d, n)
	default:
		if err := e.store.MarkFailed(ctx, d.ID); err != nil && !errors.Is(err, repository.ErrNotPending) {
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("%w: unknown medium %q", ErrMissingFields, d.Medium)
	}
}

func (e *Engine) sendEmail(ctx context.Context, d *models.NotificationDelivery) (Outcome, error) {
	if d.Email == nil || d.Email.To == "" || d.Email.Title == "" || d.Email.Body == "" {
		if err := e.store.MarkFailed(ctx, d.ID); err != nil && !errors.Is(err, repository.ErrNotPending) {
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("%w: email delivery %s needs to, title and body", ErrMissingFields, d.ID.Hex())
	}

	callCtx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	err := e.email.SendEmail(callCtx, d.Email.To, d.Email.Title, d.Email.Body)
	cancel()
	if err != nil {
		log.Printf("Email delivery %s failed: %v", d.ID.Hex(), err)
		return e.markFailed(ctx, d)
	}

	return e.markSent(ctx, d, "")
}

func (e *Engine) sendMessage(ctx context.Context, d *models.NotificationDelivery, n *models.Notification) (Outcome, error) {
	if d.Message == nil || d.Message.Phone == "" {
		if err := e.store.MarkFailed(ctx, d.ID); err != nil && !errors.Is(err, repository.ErrNotPending) {
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("%w: message delivery %s needs a phone number", ErrMissingFields, d.ID.Hex())
	}

	// WhatsApp first, cheap and templated. The SMS fallback must not run
	// until the WhatsApp outcome is known.
	callCtx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	waErr := e.message.SendWhatsAppTemplate(callCtx, d.Message.Phone, n.Type, channels.BuildTemplateParams(n))
	cancel()
	if waErr == nil {
		return e.markSent(ctx, d, models.MessageChannelWhatsApp)
	}
	log.Printf("WhatsApp delivery %s failed, falling back to SMS: %v", d.ID.Hex(), waErr)

	callCtx, cancel = context.WithTimeout(ctx, e.providerTimeout)
	smsErr := e.message.SendSMS(callCtx, d.Message.Phone, d.Message.Body)
	cancel()
	if smsErr == nil {
		return e.markSent(ctx, d, models.MessageChannelSMS)
	}
	log.Printf("SMS delivery %s failed: %v", d.ID.Hex(), smsErr)

	return e.markFailed(ctx, d)
}

func (e *Engine) markSent(ctx context.Context, d *models.NotificationDelivery, via models.MessageChannel) (Outcome, error) {
	err := e.store.MarkSent(ctx, d.ID, via)
	if errors.Is(err, repository.ErrNotPending) {
		log.Printf("Delivery %s was transitioned concurrently, leaving it alone", d.ID.Hex())
		return Outcome{Skipped: true}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to mark delivery %s sent: %w", d.ID.Hex(), err)
	}
	return Outcome{Success: true, SentVia: via}, nil
}

func (e *Engine) markFailed(ctx context.Context, d *models.NotificationDelivery) (Outcome, error) {
	err := e.store.MarkFailed(ctx, d.ID)
	if errors.Is(err, repository.ErrNotPending) {
		log.Printf("Delivery %s was transitioned concurrently, leaving it alone", d.ID.Hex())
		return Outcome{Skipped: true}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to mark delivery %s failed: %w", d.ID.Hex(), err)
	}
	return Outcome{}, nil
}
