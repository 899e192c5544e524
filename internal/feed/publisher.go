package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"dbsentinel/internal/metrics"
	"dbsentinel/internal/schema"
)

// ErrPublisherClosed is returned when publishing after Close.
var ErrPublisherClosed = errors.New("feed: publisher is closed")

// Publisher writes activity records to the feed topic. It satisfies
// detect.ActivityPublisher. Records are keyed by principal so one
// principal's activity stays ordered within a partition.
type Publisher struct {
	config *Config
	writer *kafka.Writer
	logger *slog.Logger
	closed atomic.Bool
}

// NewPublisher creates an activity record publisher.
func NewPublisher(config *Config, logger *slog.Logger) (*Publisher, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport, err := config.transport()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    config.ProducerBatchSize,
		BatchTimeout: config.ProducerBatchTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Compression:  config.compression(),
		Transport:    transport,
	}

	return &Publisher{
		config: config,
		writer: writer,
		logger: logger.With("component", "activity_publisher"),
	}, nil
}

// Publish sends one activity record to the feed.
func (p *Publisher) Publish(ctx context.Context, record schema.ActivityRecord) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}

	value, err := json.Marshal(record)
	if err != nil {
		metrics.ActivityPublishTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("feed: failed to encode activity record: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(record.Principal),
		Value: value,
		Time:  record.Timestamp,
	}

	if err := p.write(ctx, msg); err != nil {
		metrics.ActivityPublishTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("feed: failed to publish activity record: %w", err)
	}

	metrics.ActivityPublishTotal.WithLabelValues("published").Inc()
	return nil
}

// write delivers a message with bounded retries and exponential backoff.
func (p *Publisher) write(ctx context.Context, msg kafka.Message) error {
	var lastErr error
	backoff := p.config.ProducerRetryBackoff

	for attempt := 0; attempt <= p.config.ProducerMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err

		if isNonRetryableError(err) {
			return err
		}

		p.logger.Warn("activity publish failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", p.config.ProducerMaxRetries),
			slog.String("error", err.Error()))
	}

	return lastErr
}

// Close flushes buffered messages and releases the writer.
func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.writer.Close()
}

// isNonRetryableError reports whether a broker error cannot be cured by
// retrying the same message.
func isNonRetryableError(err error) bool {
	for _, code := range []kafka.Error{
		kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.GroupAuthorizationFailed,
		kafka.ClusterAuthorizationFailed,
	} {
		if errors.Is(err, code) {
			return true
		}
	}
	return false
}
