package config

import (
	"os"
	"strconv"
	"time"
)

// ApplyEnv overrides cfg from environment variables. Malformed numeric and
// duration values are ignored.
func ApplyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "HIVESENSE_ADDR")
	setString(&cfg.Log.Level, "HIVESENSE_LOG_LEVEL")
	setString(&cfg.Log.Format, "HIVESENSE_LOG_FORMAT")

	setString(&cfg.Classifier.Strategy, "HIVESENSE_CLASSIFIER")
	setString(&cfg.Classifier.ModelPath, "HIVESENSE_MODEL_PATH")
	setString(&cfg.Classifier.ModelBucket, "HIVESENSE_MODEL_BUCKET")
	setString(&cfg.Classifier.ModelKey, "HIVESENSE_MODEL_KEY")
	setBool(&cfg.Classifier.Watch, "HIVESENSE_MODEL_WATCH")

	setInt(&cfg.Tracker.RequiredAgreements, "HIVESENSE_REQUIRED_AGREEMENTS")
	setFloat(&cfg.Tracker.MinConfidence, "HIVESENSE_MIN_CONFIDENCE")
	setFloat(&cfg.Alerting.MinConfidence, "HIVESENSE_ALERT_MIN_CONFIDENCE")
	setDuration(&cfg.Alerting.Cooldown, "HIVESENSE_ALERT_COOLDOWN")

	setString(&cfg.Storage.Driver, "HIVESENSE_STORAGE")
	setString(&cfg.Storage.Postgres.DSN, "HIVESENSE_POSTGRES_DSN")
	setString(&cfg.Storage.NATS.URL, "HIVESENSE_NATS_URL")
	setString(&cfg.Storage.NATS.Bucket, "HIVESENSE_NATS_BUCKET")
	setString(&cfg.Storage.Redis.Addr, "HIVESENSE_REDIS_ADDR")
	setString(&cfg.Storage.Redis.Password, "HIVESENSE_REDIS_PASSWORD")

	setString(&cfg.Sources.S3.Endpoint, "HIVESENSE_S3_ENDPOINT")
	setString(&cfg.Sources.S3.Region, "HIVESENSE_S3_REGION")
	setString(&cfg.Sources.S3.Bucket, "HIVESENSE_S3_BUCKET")
	setString(&cfg.Sources.S3.AccessKey, "HIVESENSE_S3_ACCESS_KEY")
	setString(&cfg.Sources.S3.SecretKey, "HIVESENSE_S3_SECRET_KEY")
	setString(&cfg.Sources.AMQP.URL, "HIVESENSE_AMQP_URL")
	setInt(&cfg.Sources.Workers, "HIVESENSE_WORKERS")
	setString(&cfg.DeadLetter.Sink, "HIVESENSE_DEADLETTER")

	// Provider credentials keep the names the devices' deployment already uses.
	setString(&cfg.Notify.Twilio.AccountSID, "TWILIO_SID")
	setString(&cfg.Notify.Twilio.AuthToken, "TWILIO_AUTH")
	setString(&cfg.Notify.Twilio.From, "TWILIO_FROM")
	setString(&cfg.Notify.Twilio.To, "ALERT_PHONE_TO")
	setString(&cfg.Notify.SendGrid.APIKey, "SENDGRID_API_KEY")
	setString(&cfg.Notify.SendGrid.From, "ALERT_EMAIL_FROM")
	setString(&cfg.Notify.SendGrid.To, "ALERT_EMAIL_TO")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
