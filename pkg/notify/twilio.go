package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hed1ad/hivesense/pkg/hive"
)

const twilioBaseURL = "https://api.twilio.com"

// TwilioConfig holds SMS credentials and routing.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`
	To         string `yaml:"to"`
	BaseURL    string `yaml:"base_url"`
}

// Enabled reports whether every field needed to send is set.
func (c TwilioConfig) Enabled() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.From != "" && c.To != ""
}

// Twilio sends alerts as SMS through the Twilio Messages API.
type Twilio struct {
	cfg    TwilioConfig
	client *http.Client
}

// NewTwilio creates an SMS channel.
func NewTwilio(cfg TwilioConfig, client *http.Client) *Twilio {
	if cfg.BaseURL == "" {
		cfg.BaseURL = twilioBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Twilio{cfg: cfg, client: client}
}

// Name returns "sms".
func (t *Twilio) Name() string {
	return "sms"
}

// Send posts the alert message.
func (t *Twilio) Send(ctx context.Context, alert *hive.AlertEvent) error {
	form := url.Values{}
	form.Set("From", t.cfg.From)
	form.Set("To", t.cfg.To)
	form.Set("Body", Message(alert))

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(t.cfg.BaseURL, "/"), url.PathEscape(t.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("twilio: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return checkResponse("twilio", resp)
}
