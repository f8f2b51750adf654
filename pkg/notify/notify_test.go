package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/hivesense/pkg/hive"
	"github.com/hed1ad/hivesense/pkg/retry"
)

func testAlert() *hive.AlertEvent {
	return hive.NewAlertEvent("HIVE-1234", hive.Transition{
		From:       hive.LabelNormal,
		To:         hive.LabelSwarming,
		At:         time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC),
		Confidence: 0.912,
	})
}

func fastRetry() *retry.Policy {
	return retry.New(retry.WithMaxAttempts(3), retry.WithInitialDelay(time.Millisecond), retry.WithJitter(false))
}

func TestMessage(t *testing.T) {
	alert := testAlert()
	assert.Equal(t, "Beehive Alert: SWARMING Detected", Subject(alert))
	assert.Equal(t,
		"Beehive Alert!\nDetected SWARMING behavior on HIVE-1234\nConfidence: 91%\nAt: 2024-05-01T14:30:00Z",
		Message(alert))
}

func TestTwilioSend(t *testing.T) {
	var got *http.Request
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = r
		form = r.PostForm
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM123"}`))
	}))
	defer srv.Close()

	cfg := TwilioConfig{AccountSID: "AC1", AuthToken: "secret", From: "+15550001", To: "+15550002", BaseURL: srv.URL}
	require.True(t, cfg.Enabled())

	err := NewTwilio(cfg, srv.Client()).Send(context.Background(), testAlert())
	require.NoError(t, err)

	assert.Equal(t, "/2010-04-01/Accounts/AC1/Messages.json", got.URL.Path)
	user, pass, ok := got.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, "AC1", user)
	assert.Equal(t, "secret", pass)
	assert.Equal(t, []string{"+15550001"}, form["From"])
	assert.Equal(t, []string{"+15550002"}, form["To"])
	assert.Contains(t, form["Body"][0], "Detected SWARMING behavior on HIVE-1234")
}

func TestSendGridSend(t *testing.T) {
	var mail sgMail
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&mail))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := SendGridConfig{APIKey: "SG.key", From: "alerts@beehive-monitor.com", To: "keeper@example.com", BaseURL: srv.URL}
	err := NewSendGrid(cfg, srv.Client()).Send(context.Background(), testAlert())
	require.NoError(t, err)

	assert.Equal(t, "Bearer SG.key", auth)
	assert.Equal(t, "Beehive Alert: SWARMING Detected", mail.Subject)
	assert.Equal(t, "alerts@beehive-monitor.com", mail.From.Email)
	require.Len(t, mail.Personalizations, 1)
	assert.Equal(t, "keeper@example.com", mail.Personalizations[0].To[0].Email)
	assert.Equal(t, "text/plain", mail.Content[0].Type)
}

func TestConfigEnabled(t *testing.T) {
	assert.False(t, TwilioConfig{AccountSID: "AC1"}.Enabled())
	assert.False(t, SendGridConfig{APIKey: "k"}.Enabled())
}

func TestDispatcherRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	email := NewSendGrid(SendGridConfig{APIKey: "k", From: "a@b.c", To: "d@e.f", BaseURL: srv.URL}, srv.Client())
	d := NewDispatcher([]Channel{email}, WithRetry(fastRetry()))

	require.NoError(t, d.Dispatch(context.Background(), testAlert()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatcherDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("bad credentials"))
	}))
	defer srv.Close()

	sms := NewTwilio(TwilioConfig{AccountSID: "AC1", AuthToken: "x", From: "1", To: "2", BaseURL: srv.URL}, srv.Client())
	d := NewDispatcher([]Channel{sms}, WithRetry(fastRetry()))

	err := d.Dispatch(context.Background(), testAlert())
	assert.ErrorIs(t, err, hive.ErrNotification)
	assert.Contains(t, err.Error(), "bad credentials")
	assert.Equal(t, int32(1), calls.Load())
}

type recordingChannel struct {
	name string
	err  error
	sent []*hive.AlertEvent
}

func (r *recordingChannel) Name() string { return r.name }

func (r *recordingChannel) Send(_ context.Context, alert *hive.AlertEvent) error {
	r.sent = append(r.sent, alert)
	return r.err
}

func TestDispatcherIsolatesChannels(t *testing.T) {
	broken := &recordingChannel{name: "sms", err: errors.New("carrier down")}
	working := &recordingChannel{name: "email"}
	d := NewDispatcher([]Channel{broken, working}, WithRetry(fastRetry()))

	err := d.Dispatch(context.Background(), testAlert())
	assert.ErrorIs(t, err, hive.ErrNotification)
	assert.True(t, hive.IsTransient(err))
	assert.Len(t, broken.sent, 3)
	assert.Len(t, working.sent, 1)
	assert.Equal(t, []string{"sms", "email"}, d.Channels())
}

func TestDispatcherRateLimit(t *testing.T) {
	ch := &recordingChannel{name: "email"}
	d := NewDispatcher([]Channel{ch}, WithRateLimit(1, 1), WithRetry(fastRetry()))

	require.NoError(t, d.Dispatch(context.Background(), testAlert()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Dispatch(ctx, testAlert())
	assert.ErrorIs(t, err, hive.ErrNotification)
	assert.Len(t, ch.sent, 1)
}
