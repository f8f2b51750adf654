// Package amqp consumes sample uploads from RabbitMQ and publishes dead letters.
package amqp

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/hed1ad/hivesense/pkg/hive"
	sampleio "github.com/hed1ad/hivesense/pkg/io"
)

// Config names the broker topology.
type Config struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	// DeadLetterRoutingKey is used when publishing dead letters to Exchange.
	DeadLetterRoutingKey string `yaml:"dead_letter_routing_key"`
}

// DefaultConfig returns the conventional topology.
func DefaultConfig() Config {
	return Config{
		Exchange:             "hivesense",
		RoutingKey:           "samples",
		Queue:                "hivesense.samples",
		Prefetch:             16,
		DeadLetterRoutingKey: "samples.dead",
	}
}

// Channel is the subset of *amqp.Channel the consumer uses.
type Channel interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Source streams queue messages as deliveries. Messages are acknowledged
// manually through Delivery.Settle.
type Source struct {
	channel Channel
	conn    *amqp.Connection
	pub     Publisher
	queue   string
	logger  *zap.Logger
}

// Dial connects, declares the exchange and queue, and binds them.
func Dial(cfg Config, logger *zap.Logger) (*Source, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declare(ch, cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}

	src := NewSource(ch, cfg.Queue, logger)
	src.conn = conn
	src.pub = ch
	return src, nil
}

// Publisher returns the dialed channel for publishing, or nil when the
// source wraps a caller-supplied channel.
func (s *Source) Publisher() Publisher {
	return s.pub
}

func declare(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.Queue, err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}
	return nil
}

// NewSource wraps an open channel.
func NewSource(ch Channel, queue string, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{channel: ch, queue: queue, logger: logger}
}

// Stream consumes the queue until ctx is done or the channel closes.
func (s *Source) Stream(ctx context.Context) (<-chan sampleio.Delivery, error) {
	msgs, err := s.channel.Consume(s.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", s.queue, err)
	}

	out := make(chan sampleio.Delivery)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					s.logger.Warn("rabbitmq channel closed", zap.String("queue", s.queue))
					return
				}
				d := sampleio.NewDelivery(key(msg), msg.Body, settler(msg))
				select {
				case out <- d:
				case <-ctx.Done():
					_ = msg.Nack(false, true)
					return
				}
			}
		}
	}()

	return out, nil
}

func key(msg amqp.Delivery) string {
	if msg.MessageId != "" {
		return msg.MessageId
	}
	return fmt.Sprintf("delivery-%d", msg.DeliveryTag)
}

func settler(msg amqp.Delivery) func(context.Context, sampleio.Disposition) error {
	return func(_ context.Context, disp sampleio.Disposition) error {
		switch disp {
		case sampleio.Ack:
			return msg.Ack(false)
		case sampleio.Requeue:
			return msg.Nack(false, true)
		case sampleio.Reject:
			return msg.Nack(false, false)
		}
		return fmt.Errorf("unknown disposition %d", disp)
	}
}

// Close closes the channel and the connection when the source owns it.
func (s *Source) Close() error {
	err := s.channel.Close()
	if s.conn != nil {
		err = errors.Join(err, s.conn.Close())
	}
	return err
}

// Publisher is the subset of *amqp.Channel used to publish.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// DeadLetter publishes samples that exhausted their retries.
type DeadLetter struct {
	publisher  Publisher
	exchange   string
	routingKey string
}

// NewDeadLetter creates a dead-letter publisher.
func NewDeadLetter(p Publisher, exchange, routingKey string) *DeadLetter {
	return &DeadLetter{publisher: p, exchange: exchange, routingKey: routingKey}
}

// Publish sends the sample payload with the failure cause in headers.
func (d *DeadLetter) Publish(ctx context.Context, sample hive.SensorSample, cause error) error {
	body, err := sampleio.Encode(sample)
	if err != nil {
		return err
	}
	return d.publisher.PublishWithContext(ctx, d.exchange, d.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    sample.Key(),
		Headers: amqp.Table{
			"x-error-kind": hive.KindOf(cause),
			"x-error":      fmt.Sprint(cause),
		},
		Body: body,
	})
}
