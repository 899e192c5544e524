package alerting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"dbsentinel/internal/metrics"
)

// DeliveryConfig controls retry behavior for alert delivery.
type DeliveryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
}

// DefaultDeliveryConfig returns the default retry policy.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		SendTimeout:    15 * time.Second,
	}
}

// DeliveryRecord is the outcome of delivering one alert to one channel.
type DeliveryRecord struct {
	AlertID   uuid.UUID
	Channel   string
	Attempts  int
	LastError string
	Delivered bool
	UpdatedAt time.Time
}

// DeliveryStats summarizes dispatcher activity.
type DeliveryStats struct {
	Delivered   uint64
	Failed      uint64
	DeadLetters int
}

// Dispatcher fans alerts out to channels with retries and exponential
// backoff. Alerts that exhaust their retries are kept in a dead-letter list.
type Dispatcher struct {
	config   DeliveryConfig
	channels []NotificationChannel
	logger   *slog.Logger

	mu         sync.Mutex
	deadLetter []DeliveryRecord
	delivered  uint64
	failed     uint64

	wg      sync.WaitGroup
	closing chan struct{}
}

// NewDispatcher creates a dispatcher over the given channels. Zero config
// fields fall back to the defaults.
func NewDispatcher(cfg DeliveryConfig, channels []NotificationChannel, logger *slog.Logger) *Dispatcher {
	def := DefaultDeliveryConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		config:   cfg,
		channels: channels,
		logger:   logger,
		closing:  make(chan struct{}),
	}
}

// Dispatch delivers the alert to every channel asynchronously. It returns
// immediately; Flush waits for in-flight deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *Alert) {
	for _, ch := range d.channels {
		d.wg.Add(1)
		go func(ch NotificationChannel) {
			defer d.wg.Done()
			d.deliver(ctx, ch, alert)
		}(ch)
	}
}

// deliver attempts delivery with exponential backoff until success, retry
// exhaustion, context cancellation, or dispatcher shutdown.
func (d *Dispatcher) deliver(ctx context.Context, ch NotificationChannel, alert *Alert) {
	rec := DeliveryRecord{
		AlertID: alert.ID,
		Channel: ch.Name(),
	}
	backoff := d.config.InitialBackoff

	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		rec.Attempts++

		sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
		err := ch.Send(sendCtx, alert)
		cancel()

		if err == nil {
			rec.Delivered = true
			rec.UpdatedAt = time.Now().UTC()
			d.mu.Lock()
			d.delivered++
			d.mu.Unlock()
			metrics.AlertDeliveriesTotal.WithLabelValues(ch.Name(), "delivered").Inc()
			return
		}

		rec.LastError = err.Error()
		d.logger.Warn("alert delivery failed",
			slog.String("channel", ch.Name()),
			slog.String("alert_id", alert.ID.String()),
			slog.Int("attempt", rec.Attempts),
			slog.String("error", err.Error()))

		if attempt == d.config.MaxRetries {
			break
		}
		metrics.AlertDeliveriesTotal.WithLabelValues(ch.Name(), "retried").Inc()

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			rec.LastError = ctx.Err().Error()
			attempt = d.config.MaxRetries
		case <-d.closing:
			attempt = d.config.MaxRetries
		}

		backoff = time.Duration(float64(backoff) * d.config.BackoffFactor)
		if backoff > d.config.MaxBackoff {
			backoff = d.config.MaxBackoff
		}
	}

	rec.UpdatedAt = time.Now().UTC()
	d.mu.Lock()
	d.failed++
	d.deadLetter = append(d.deadLetter, rec)
	d.mu.Unlock()
	metrics.AlertDeliveriesTotal.WithLabelValues(ch.Name(), "dead_letter").Inc()

	d.logger.Error("alert delivery exhausted retries",
		slog.String("channel", ch.Name()),
		slog.String("alert_id", alert.ID.String()),
		slog.Int("attempts", rec.Attempts),
		slog.String("last_error", rec.LastError))
}

// DeadLetters returns a copy of the undeliverable alert records.
func (d *Dispatcher) DeadLetters() []DeliveryRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeliveryRecord, len(d.deadLetter))
	copy(out, d.deadLetter)
	return out
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() DeliveryStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeliveryStats{
		Delivered:   d.delivered,
		Failed:      d.failed,
		DeadLetters: len(d.deadLetter),
	}
}

// Flush blocks until all in-flight deliveries finish. Callers must not
// Dispatch concurrently with Flush.
func (d *Dispatcher) Flush() {
	d.wg.Wait()
}

// Stop aborts backoff waits and then flushes. The dispatcher must not be
// used after Stop.
func (d *Dispatcher) Stop() {
	close(d.closing)
	d.wg.Wait()
}
