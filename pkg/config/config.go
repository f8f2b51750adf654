// Package config loads the service configuration from YAML, .env files and
// environment variables, in that order of precedence from lowest to highest.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hed1ad/hivesense/pkg/alerting"
	"github.com/hed1ad/hivesense/pkg/classifiers"
	"github.com/hed1ad/hivesense/pkg/classifiers/rules"
	"github.com/hed1ad/hivesense/pkg/features"
	amqpsrc "github.com/hed1ad/hivesense/pkg/io/amqp"
	s3src "github.com/hed1ad/hivesense/pkg/io/s3"
	"github.com/hed1ad/hivesense/pkg/logging"
	"github.com/hed1ad/hivesense/pkg/notify"
	"github.com/hed1ad/hivesense/pkg/retry"
	"github.com/hed1ad/hivesense/pkg/store/natskv"
	"github.com/hed1ad/hivesense/pkg/store/postgres"
	redisstore "github.com/hed1ad/hivesense/pkg/store/redis"
	"github.com/hed1ad/hivesense/pkg/tracker"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        logging.Config   `yaml:"log"`
	Features   features.Config  `yaml:"features"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Tracker    tracker.Config   `yaml:"tracker"`
	Alerting   alerting.Config  `yaml:"alerting"`
	Storage    StorageConfig    `yaml:"storage"`
	Sources    SourcesConfig    `yaml:"sources"`
	Notify     NotifyConfig     `yaml:"notify"`
	Retry      RetryConfig      `yaml:"retry"`
	DeadLetter DeadLetterConfig `yaml:"deadletter"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// MaxBodyBytes bounds uploaded sample payloads.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type ClassifierConfig struct {
	Strategy string `yaml:"strategy"`
	// ModelPath is a local model file. ModelBucket and ModelKey select an
	// S3 object instead when ModelPath is empty.
	ModelPath   string       `yaml:"model_path"`
	ModelBucket string       `yaml:"model_bucket"`
	ModelKey    string       `yaml:"model_key"`
	Watch       bool         `yaml:"watch"`
	Rules       rules.Config `yaml:"rules"`
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverNATS     = "nats"
	DriverRedis    = "redis"
)

type StorageConfig struct {
	Driver   string            `yaml:"driver"`
	Postgres postgres.Config   `yaml:"postgres"`
	NATS     natskv.Config     `yaml:"nats"`
	Redis    redisstore.Config `yaml:"redis"`
}

type SourcesConfig struct {
	S3      s3src.Config   `yaml:"s3"`
	AMQP    amqpsrc.Config `yaml:"amqp"`
	Workers int            `yaml:"workers"`
}

type NotifyConfig struct {
	Twilio   notify.TwilioConfig   `yaml:"twilio"`
	SendGrid notify.SendGridConfig `yaml:"sendgrid"`
	// RatePerSecond limits outgoing notifications across channels.
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	Timeout       time.Duration `yaml:"timeout"`
	Retry         RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// Policy builds the retry policy.
func (c RetryConfig) Policy(logger *zap.Logger) *retry.Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return retry.New(
		retry.WithMaxAttempts(c.MaxAttempts),
		retry.WithInitialDelay(c.InitialDelay),
		retry.WithMaxDelay(c.MaxDelay),
		retry.WithLogger(logger),
	)
}

// Dead-letter sinks.
const (
	SinkNone = "none"
	SinkS3   = "s3"
	SinkAMQP = "amqp"
)

type DeadLetterConfig struct {
	Sink   string `yaml:"sink"`
	Prefix string `yaml:"prefix"`
}

// Default returns a configuration that runs locally without external services.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxBodyBytes: 8 << 20,
		},
		Log:      logging.DefaultConfig(),
		Features: features.DefaultConfig(),
		Classifier: ClassifierConfig{
			Strategy: classifiers.StrategyRules,
			Rules:    rules.DefaultConfig(),
		},
		Tracker:  tracker.DefaultConfig(),
		Alerting: alerting.DefaultConfig(),
		Storage: StorageConfig{
			Driver: DriverMemory,
			NATS:   natskv.DefaultConfig(),
			Redis:  redisstore.DefaultConfig(),
		},
		Sources: SourcesConfig{
			S3:      s3src.DefaultConfig(),
			AMQP:    amqpsrc.DefaultConfig(),
			Workers: 4,
		},
		Notify: NotifyConfig{
			RatePerSecond: 1,
			Burst:         5,
			Timeout:       10 * time.Second,
			Retry:         RetryConfig{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second},
		},
		Retry:      RetryConfig{MaxAttempts: 4, InitialDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
		DeadLetter: DeadLetterConfig{Sink: SinkNone, Prefix: "deadletter/"},
	}
}

// Load reads the YAML file at path (optional), then the given .env files
// (missing ones are skipped), then applies environment overrides.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	ApplyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and delegates to component configs.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Features.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Tracker.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Alerting.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Classifier.Strategy {
	case classifiers.StrategyRules:
	case classifiers.StrategyModel:
		if c.Classifier.ModelPath == "" && (c.Classifier.ModelBucket == "" || c.Classifier.ModelKey == "") {
			errs = append(errs, errors.New("classifier: model strategy needs model_path or model_bucket and model_key"))
		}
		if c.Classifier.Watch && c.Classifier.ModelPath == "" {
			errs = append(errs, errors.New("classifier: watch requires a local model_path"))
		}
	default:
		errs = append(errs, fmt.Errorf("classifier: unknown strategy %q", c.Classifier.Strategy))
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage: postgres driver needs a dsn"))
		}
	case DriverNATS:
		if c.Storage.NATS.URL == "" || c.Storage.NATS.Bucket == "" {
			errs = append(errs, errors.New("storage: nats driver needs url and bucket"))
		}
	case DriverRedis:
		if err := c.Storage.Redis.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown driver %q", c.Storage.Driver))
	}

	switch c.DeadLetter.Sink {
	case SinkNone, "":
	case SinkS3:
		if c.Sources.S3.Bucket == "" {
			errs = append(errs, errors.New("deadletter: s3 sink needs sources.s3.bucket"))
		}
	case SinkAMQP:
		if c.Sources.AMQP.URL == "" {
			errs = append(errs, errors.New("deadletter: amqp sink needs sources.amqp.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("deadletter: unknown sink %q", c.DeadLetter.Sink))
	}

	if c.Sources.Workers < 1 {
		errs = append(errs, errors.New("sources: workers must be positive"))
	}
	if c.Retry.MaxAttempts < 1 || c.Notify.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry: max_attempts must be positive"))
	}
	if c.Notify.RatePerSecond < 0 {
		errs = append(errs, errors.New("notify: rate_per_second must not be negative"))
	}

	return errors.Join(errs...)
}
