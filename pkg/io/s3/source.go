// Package s3 polls an S3-compatible bucket for sample uploads.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	sampleio "github.com/hed1ad/hivesense/pkg/io"
)

// Config holds bucket access and polling settings.
type Config struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`

	Bucket string `yaml:"bucket"`
	// Prefix selects uploads to process.
	Prefix string `yaml:"prefix"`
	// ProcessedPrefix receives acknowledged uploads. Empty leaves them in place.
	ProcessedPrefix string        `yaml:"processed_prefix"`
	PollInterval    time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns the conventional upload layout.
func DefaultConfig() Config {
	return Config{
		Region:          "us-east-1",
		Prefix:          "beehive_data/",
		ProcessedPrefix: "processed/",
		PollInterval:    30 * time.Second,
	}
}

// NewClient builds an S3 client. Static credentials are used when set,
// otherwise the default AWS credential chain.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// API is the subset of the S3 client the source uses.
type API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Source polls the bucket and streams new uploads. Uploads in flight are not
// listed again until settled; requeued uploads are picked up on the next poll.
type Source struct {
	cfg    Config
	client API
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	// done remembers settled keys when uploads are left in place.
	done map[string]struct{}
}

// NewSource creates a bucket poller.
func NewSource(cfg Config, client API, logger *zap.Logger) (*Source, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 source: bucket is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		cfg:      cfg,
		client:   client,
		logger:   logger,
		inflight: make(map[string]struct{}),
		done:     make(map[string]struct{}),
	}, nil
}

// Stream polls until ctx is done.
func (s *Source) Stream(ctx context.Context) (<-chan sampleio.Delivery, error) {
	out := make(chan sampleio.Delivery, 16)

	go func() {
		defer close(out)
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()

		for {
			if err := s.poll(ctx, out); err != nil && ctx.Err() == nil {
				s.logger.Warn("bucket poll failed",
					zap.String("bucket", s.cfg.Bucket),
					zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out, nil
}

// poll lists the bucket once and delivers every pending upload.
func (s *Source) poll(ctx context.Context, out chan<- sampleio.Delivery) error {
	keys, err := s.pending(ctx)
	if err != nil {
		return err
	}

	for _, key := range keys {
		body, err := s.get(ctx, key)
		if err != nil {
			s.release(key)
			s.logger.Warn("fetch upload failed", zap.String("key", key), zap.Error(err))
			continue
		}

		key := key
		d := sampleio.NewDelivery(key, body, func(ctx context.Context, disp sampleio.Disposition) error {
			return s.settle(ctx, key, disp)
		})
		select {
		case out <- d:
		case <-ctx.Done():
			s.release(key)
			return ctx.Err()
		}
	}
	return nil
}

// pending lists upload keys not yet delivered, oldest name first, and marks them in flight.
func (s *Source) pending(ctx context.Context) ([]string, error) {
	var keys []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.cfg.Prefix),
	}
	for {
		page, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list objects in %s: %w", s.cfg.Bucket, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if s.cfg.ProcessedPrefix != "" && strings.HasPrefix(key, s.cfg.ProcessedPrefix) {
				continue
			}
			if strings.HasSuffix(key, ".json") {
				keys = append(keys, key)
			}
		}
		if !aws.ToBool(page.IsTruncated) || page.NextContinuationToken == nil {
			break
		}
		input.ContinuationToken = page.NextContinuationToken
	}
	sort.Strings(keys)

	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := keys[:0]
	for _, k := range keys {
		if _, busy := s.inflight[k]; busy {
			continue
		}
		if _, seen := s.done[k]; seen {
			continue
		}
		s.inflight[k] = struct{}{}
		fresh = append(fresh, k)
	}
	return fresh, nil
}

func (s *Source) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", s.cfg.Bucket, key, err)
	}
	defer func() { _ = obj.Body.Close() }()
	return io.ReadAll(obj.Body)
}

func (s *Source) release(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

func (s *Source) settle(ctx context.Context, key string, disp sampleio.Disposition) error {
	defer s.release(key)

	if disp == sampleio.Requeue {
		return nil
	}
	if s.cfg.ProcessedPrefix == "" {
		s.mu.Lock()
		s.done[key] = struct{}{}
		s.mu.Unlock()
		return nil
	}

	dest := s.cfg.ProcessedPrefix + strings.TrimPrefix(key, s.cfg.Prefix)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.cfg.Bucket),
		CopySource: aws.String(s.cfg.Bucket + "/" + key),
		Key:        aws.String(dest),
	})
	if err != nil {
		return fmt.Errorf("copy %s to %s: %w", key, dest, err)
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s/%s: %w", s.cfg.Bucket, key, err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (s *Source) Close() error {
	return nil
}
