package channels

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

// EmailChannel delivers the email medium over SMTP.
type EmailChannel struct {
	config SMTPConfig
}

func NewEmailChannel(config SMTPConfig) *EmailChannel {
	return &EmailChannel{config: config}
}

// SendEmail sends one HTML email. The context deadline bounds the whole
// dial-and-send; gomail has no context support of its own, so the send runs
// in a goroutine and the caller's deadline wins.
func (e *EmailChannel) SendEmail(ctx context.Context, to, title, body string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", fmt.Sprintf("%s <%s>", e.config.FromName, e.config.From))
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", title)
	msg.SetBody("text/html", body)

	dialer := gomail.NewDialer(e.config.Host, e.config.Port, e.config.Username, e.config.Password)

	done := make(chan error, 1)
	go func() {
		done <- dialer.DialAndSend(msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send to %s failed: %w", to, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send to %s timed out: %w", to, ctx.Err())
	}
}
