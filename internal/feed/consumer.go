package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"dbsentinel/internal/metrics"
	"dbsentinel/internal/schema"
)

// handleTimeout bounds the processing of a single record.
const handleTimeout = 30 * time.Second

// ErrConsumerClosed is returned when running a consumer after Stop.
var ErrConsumerClosed = errors.New("feed: consumer is closed")

// ActivityHandler processes one decoded activity record.
// *detect.BehaviorProfiler satisfies it.
type ActivityHandler interface {
	Observe(ctx context.Context, record schema.ActivityRecord) error
}

// Consumer reads activity records from the feed topic and hands them to a
// handler. Offsets are committed only after the handler succeeds, so a
// crashed profiler re-observes the in-flight record on restart. Records
// that fail to decode are committed and skipped: a poison message must not
// wedge the group.
type Consumer struct {
	config  *Config
	reader  *kafka.Reader
	handler ActivityHandler
	logger  *slog.Logger
	closed  atomic.Bool
}

// NewConsumer creates an activity feed consumer bound to the configured
// consumer group.
func NewConsumer(config *Config, handler ActivityHandler, logger *slog.Logger) (*Consumer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.ConsumerGroup == "" {
		return nil, errors.New("feed: consumer group is required")
	}
	if handler == nil {
		return nil, errors.New("feed: handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := config.dialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.ConsumerGroup,
		MinBytes:       config.ConsumerMinBytes,
		MaxBytes:       config.ConsumerMaxBytes,
		MaxWait:        config.ConsumerMaxWait,
		StartOffset:    config.StartOffset,
		CommitInterval: 0, // synchronous commits
		Dialer:         dialer,
	})

	return &Consumer{
		config:  config,
		reader:  reader,
		handler: handler,
		logger:  logger.With("component", "activity_consumer", "group", config.ConsumerGroup),
	}, nil
}

// Run consumes until the context is canceled or Stop is called. It returns
// nil on clean shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConsumerClosed
	}

	c.logger.Info("activity consumer started", slog.String("topic", c.config.Topic))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if c.closed.Load() || errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			c.logger.Error("failed to fetch activity record", slog.String("error", err.Error()))
			continue
		}

		record, err := decodeRecord(msg.Value)
		if err != nil {
			metrics.ActivityConsumeTotal.WithLabelValues("malformed").Inc()
			c.logger.Warn("skipping malformed activity record",
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()))
			c.commit(ctx, msg)
			continue
		}

		if err := c.observe(ctx, record); err != nil {
			metrics.ActivityConsumeTotal.WithLabelValues("failed").Inc()
			c.logger.Error("activity handler failed, not committing",
				slog.String("principal", record.Principal),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()))
			continue
		}

		metrics.ActivityConsumeTotal.WithLabelValues("consumed").Inc()
		c.commit(ctx, msg)
	}
}

// observe runs the handler under a per-record timeout.
func (c *Consumer) observe(ctx context.Context, record schema.ActivityRecord) error {
	handleCtx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	return c.handler.Observe(handleCtx, record)
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Error("failed to commit offset",
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()))
	}
}

// Stop closes the reader, which unblocks a pending FetchMessage.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.logger.Info("activity consumer stopping")
	return c.reader.Close()
}

// decodeRecord parses an activity record off the wire. A record without a
// principal cannot update any profile and is treated as malformed.
func decodeRecord(data []byte) (schema.ActivityRecord, error) {
	var record schema.ActivityRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return schema.ActivityRecord{}, fmt.Errorf("invalid activity record: %w", err)
	}
	if record.Principal == "" {
		return schema.ActivityRecord{}, errors.New("activity record has no principal")
	}
	return record, nil
}
