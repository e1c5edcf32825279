package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"civic-notification-service/internal/models"
)

type MessageProviderConfig struct {
	WhatsAppBaseURL string
	WhatsAppToken   string
	SMSBaseURL      string
	SMSToken        string
	Timeout         time.Duration
}

// TemplateParams fill the pre-approved WhatsApp meeting template.
type TemplateParams struct {
	MeetingDate    string `json:"meetingDate"`
	CityName       string `json:"cityName"`
	SubjectNames   string `json:"subjectNames"`
	AdminBodyName  string `json:"adminBodyName"`
	NotificationID string `json:"notificationId"`
}

// MaxTemplateSubjects caps how many subject names the WhatsApp template
// shows.
const MaxTemplateSubjects = 3

// BuildTemplateParams assembles the WhatsApp template parameters from a
// notification snapshot. Subject names are truncated to the template cap
// and joined with commas.
func BuildTemplateParams(n *models.Notification) TemplateParams {
	names := make([]string, 0, MaxTemplateSubjects)
	for _, entry := range n.Subjects {
		if len(names) == MaxTemplateSubjects {
			break
		}
		names = append(names, entry.Title)
	}

	return TemplateParams{
		MeetingDate:    time.Unix(n.MeetingDate, 0).UTC().Format("02/01/2006"),
		CityName:       n.CityName,
		SubjectNames:   strings.Join(names, ", "),
		AdminBodyName:  n.AdminBodyName,
		NotificationID: n.ID.Hex(),
	}
}

// MessageChannel delivers the message medium: WhatsApp template sends plus
// plain SMS, both over the provider HTTP APIs.
type MessageChannel struct {
	config     MessageProviderConfig
	httpClient *http.Client
}

func NewMessageChannel(config MessageProviderConfig) *MessageChannel {
	return &MessageChannel{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

type providerResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SendWhatsAppTemplate sends the meeting notification template.
func (m *MessageChannel) SendWhatsAppTemplate(ctx context.Context, phone string, notificationType models.NotificationType, params TemplateParams) error {
	payload := map[string]any{
		"to":       phone,
		"type":     notificationType,
		"template": params,
	}
	url := strings.TrimRight(m.config.WhatsAppBaseURL, "/") + "/v1/messages/template"
	return m.post(ctx, url, m.config.WhatsAppToken, payload, "whatsapp")
}

// SendSMS sends a plain-text SMS.
func (m *MessageChannel) SendSMS(ctx context.Context, phone, body string) error {
	payload := map[string]any{
		"to":   phone,
		"body": body,
	}
	url := strings.TrimRight(m.config.SMSBaseURL, "/") + "/v1/sms"
	return m.post(ctx, url, m.config.SMSToken, payload, "sms")
}

func (m *MessageChannel) post(ctx context.Context, url, token string, payload any, provider string) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s provider request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s provider returned status %d", provider, resp.StatusCode)
	}

	var result providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode %s provider response: %w", provider, err)
	}
	if !result.Success {
		if result.Error != "" {
			return fmt.Errorf("%s provider rejected message: %s", provider, result.Error)
		}
		return fmt.Errorf("%s provider rejected message", provider)
	}

	return nil
}
