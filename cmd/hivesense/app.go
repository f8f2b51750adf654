package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hed1ad/hivesense/pkg/alerting"
	"github.com/hed1ad/hivesense/pkg/classifiers"
	"github.com/hed1ad/hivesense/pkg/classifiers/model"
	"github.com/hed1ad/hivesense/pkg/classifiers/rules"
	"github.com/hed1ad/hivesense/pkg/config"
	"github.com/hed1ad/hivesense/pkg/features"
	amqpsrc "github.com/hed1ad/hivesense/pkg/io/amqp"
	s3src "github.com/hed1ad/hivesense/pkg/io/s3"
	"github.com/hed1ad/hivesense/pkg/logging"
	"github.com/hed1ad/hivesense/pkg/metrics"
	"github.com/hed1ad/hivesense/pkg/notify"
	"github.com/hed1ad/hivesense/pkg/processor"
	"github.com/hed1ad/hivesense/pkg/store"
	"github.com/hed1ad/hivesense/pkg/store/memory"
	"github.com/hed1ad/hivesense/pkg/store/natskv"
	"github.com/hed1ad/hivesense/pkg/store/postgres"
	redisstore "github.com/hed1ad/hivesense/pkg/store/redis"
	"github.com/hed1ad/hivesense/pkg/tracker"
)

// app holds the wired pipeline shared by every subcommand.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Collector
	store      store.Store
	extractor  *features.Extractor
	classifier classifiers.Classifier
	proc       *processor.Processor

	s3Client *s3.Client
	amqp     *amqpsrc.Source
	closers  []func() error
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath, opts.envFiles...)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	return cfg, nil
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewCollector(a.registry)

	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	var err error
	if a.store, err = a.openStore(ctx); err != nil {
		return err
	}
	a.closers = append(a.closers, a.store.Close)

	if a.extractor, err = features.New(a.cfg.Features); err != nil {
		return err
	}
	if a.classifier, err = a.openClassifier(ctx); err != nil {
		return err
	}

	tr, err := tracker.New(a.cfg.Tracker, a.store, tracker.WithLogger(a.logger.Named("tracker")))
	if err != nil {
		return err
	}
	decider, err := alerting.NewDecider(a.cfg.Alerting)
	if err != nil {
		return err
	}

	popts := []processor.Option{
		processor.WithRetry(a.cfg.Retry.Policy(a.logger.Named("retry"))),
		processor.WithMetrics(a.metrics),
		processor.WithLogger(a.logger.Named("processor")),
	}
	if n := a.notifier(); n != nil {
		popts = append(popts, processor.WithNotifier(n))
	}
	dl, err := a.deadLetter(ctx)
	if err != nil {
		return err
	}
	if dl != nil {
		popts = append(popts, processor.WithDeadLetter(dl))
	}

	a.proc = processor.New(a.extractor, a.classifier, tr, decider, a.store, popts...)
	return nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	sc := a.cfg.Storage
	a.logger.Info("opening store", zap.String("driver", sc.Driver))

	switch sc.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverPostgres:
		s, err := postgres.Open(sc.Postgres)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case config.DriverNATS:
		return natskv.Open(ctx, sc.NATS)
	case config.DriverRedis:
		return redisstore.Open(ctx, sc.Redis)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}

func (a *app) openClassifier(ctx context.Context) (classifiers.Classifier, error) {
	cc := a.cfg.Classifier
	fallback, err := rules.New(cc.Rules, a.extractor)
	if err != nil {
		return nil, err
	}

	var loader model.Loader
	switch {
	case cc.ModelPath != "":
		loader = model.FileLoader{Path: cc.ModelPath}
	case cc.ModelBucket != "":
		client, err := a.s3(ctx)
		if err != nil {
			return nil, err
		}
		loader = model.S3Loader{Client: client, Bucket: cc.ModelBucket, Key: cc.ModelKey}
	}

	c, err := model.Select(ctx, cc.Strategy, loader, fallback, a.logger.Named("model"))
	if err != nil {
		return nil, err
	}
	if c.InputSize() != a.extractor.Len() {
		a.logger.Error("classifier input size differs from the feature schema; every sample will be rejected",
			zap.String("classifier", c.Name()),
			zap.Int("expected", c.InputSize()),
			zap.Int("features", a.extractor.Len()))
	}
	return c, nil
}

// notifier returns nil when no channel is configured.
func (a *app) notifier() processor.Notifier {
	nc := a.cfg.Notify
	client := &http.Client{Timeout: nc.Timeout}

	var channels []notify.Channel
	if nc.Twilio.Enabled() {
		channels = append(channels, notify.NewTwilio(nc.Twilio, client))
	}
	if nc.SendGrid.Enabled() {
		channels = append(channels, notify.NewSendGrid(nc.SendGrid, client))
	}
	if len(channels) == 0 {
		return nil
	}

	d := notify.NewDispatcher(channels,
		notify.WithRateLimit(nc.RatePerSecond, nc.Burst),
		notify.WithRetry(nc.Retry.Policy(a.logger.Named("notify"))),
		notify.WithMetrics(a.metrics),
		notify.WithLogger(a.logger.Named("notify")),
	)
	a.logger.Info("notifications enabled", zap.Strings("channels", d.Channels()))
	return d
}

func (a *app) deadLetter(ctx context.Context) (processor.DeadLetter, error) {
	switch a.cfg.DeadLetter.Sink {
	case config.SinkS3:
		client, err := a.s3(ctx)
		if err != nil {
			return nil, err
		}
		return s3src.NewDeadLetter(client, a.cfg.Sources.S3.Bucket, a.cfg.DeadLetter.Prefix), nil
	case config.SinkAMQP:
		src, err := a.amqpSource()
		if err != nil {
			return nil, err
		}
		ac := a.cfg.Sources.AMQP
		return amqpsrc.NewDeadLetter(src.Publisher(), ac.Exchange, ac.DeadLetterRoutingKey), nil
	default:
		return nil, nil
	}
}

// s3 returns the shared S3 client, creating it on first use.
func (a *app) s3(ctx context.Context) (*s3.Client, error) {
	if a.s3Client != nil {
		return a.s3Client, nil
	}
	client, err := s3src.NewClient(ctx, a.cfg.Sources.S3)
	if err != nil {
		return nil, err
	}
	a.s3Client = client
	return client, nil
}

// amqpSource returns the shared broker connection, dialing on first use.
func (a *app) amqpSource() (*amqpsrc.Source, error) {
	if a.amqp != nil {
		return a.amqp, nil
	}
	src, err := amqpsrc.Dial(a.cfg.Sources.AMQP, a.logger.Named("amqp"))
	if err != nil {
		return nil, err
	}
	a.amqp = src
	a.closers = append(a.closers, src.Close)
	return src, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
