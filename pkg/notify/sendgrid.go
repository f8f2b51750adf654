package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/hed1ad/hivesense/pkg/hive"
)

const sendGridBaseURL = "https://api.sendgrid.com"

// SendGridConfig holds email credentials and routing.
type SendGridConfig struct {
	APIKey  string `yaml:"api_key"`
	From    string `yaml:"from"`
	To      string `yaml:"to"`
	BaseURL string `yaml:"base_url"`
}

// Enabled reports whether every field needed to send is set.
func (c SendGridConfig) Enabled() bool {
	return c.APIKey != "" && c.From != "" && c.To != ""
}

// SendGrid sends alerts as plain-text email through the SendGrid v3 API.
type SendGrid struct {
	cfg    SendGridConfig
	client *http.Client
}

// NewSendGrid creates an email channel.
func NewSendGrid(cfg SendGridConfig, client *http.Client) *SendGrid {
	if cfg.BaseURL == "" {
		cfg.BaseURL = sendGridBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &SendGrid{cfg: cfg, client: client}
}

// Name returns "email".
func (s *SendGrid) Name() string {
	return "email"
}

type sgAddress struct {
	Email string `json:"email"`
}

type sgPersonalization struct {
	To []sgAddress `json:"to"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgMail struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
}

// Send posts the alert email.
func (s *SendGrid) Send(ctx context.Context, alert *hive.AlertEvent) error {
	body, err := json.Marshal(sgMail{
		Personalizations: []sgPersonalization{{To: []sgAddress{{Email: s.cfg.To}}}},
		From:             sgAddress{Email: s.cfg.From},
		Subject:          Subject(alert),
		Content:          []sgContent{{Type: "text/plain", Value: Message(alert)}},
	})
	if err != nil {
		return err
	}

	endpoint := strings.TrimRight(s.cfg.BaseURL, "/") + "/v3/mail/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return checkResponse("sendgrid", resp)
}
