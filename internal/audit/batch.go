package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// flushTimeout bounds one flush insert, including the time the entries
// already spent waiting in retries.
const flushTimeout = 30 * time.Second

// ErrWriterClosed is returned when writing to a closed batch writer.
var ErrWriterClosed = errors.New("audit: batch writer is closed")

// EntryWriter persists batches of audit entries. *Logger satisfies it.
type EntryWriter interface {
	WriteEntries(ctx context.Context, entries []Entry) error
}

// BatchWriterConfig controls batching behavior.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batching configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// BatchWriter buffers audit entries and writes them in batches, by size or
// by interval, whichever comes first. It exists for hot paths where one
// insert per entry would dominate: per-query trail records can go through
// here instead of Logger.Log. Entries accepted before Close are flushed on
// Close; entries in a batch that exhausts its retries are dropped and
// counted, never retried across flushes.
type BatchWriter struct {
	writer EntryWriter
	config BatchWriterConfig
	logger *slog.Logger

	mu         sync.Mutex
	buffer     []Entry
	flushTimer *time.Timer
	closed     bool

	totalWritten atomic.Uint64
	totalFailed  atomic.Uint64
	batchCount   atomic.Uint64
}

// NewBatchWriter creates a batch writer draining into the given writer.
// Zero config fields take defaults.
func NewBatchWriter(writer EntryWriter, cfg BatchWriterConfig, logger *slog.Logger) *BatchWriter {
	def := DefaultBatchWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}

	bw := &BatchWriter{
		writer: writer,
		config: cfg,
		logger: logger,
		buffer: make([]Entry, 0, cfg.BatchSize),
	}
	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)
	return bw
}

// Write buffers one entry. The entry is normalized here so it keeps its
// enqueue timestamp. Filling the buffer triggers a synchronous flush.
func (bw *BatchWriter) Write(e Entry) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return ErrWriterClosed
	}

	bw.buffer = append(bw.buffer, normalizeEntry(e))

	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked()
	}
	return nil
}

// Log buffers the entry like Write. It matches Logger.Log's shape so
// callers can swap in batched auditing; the context is unused because the
// insert happens at flush time.
func (bw *BatchWriter) Log(ctx context.Context, e Entry) error {
	return bw.Write(e)
}

func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}

	if len(bw.buffer) > 0 {
		if err := bw.flushLocked(); err != nil {
			bw.logger.Error("audit batch flush failed", slog.String("error", err.Error()))
		}
	}

	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked writes out the buffer with retries. Caller holds the lock.
func (bw *BatchWriter) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	entries := bw.buffer
	bw.buffer = make([]Entry, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(attempt))
		}

		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		err := bw.writer.WriteEntries(ctx, entries)
		cancel()
		if err != nil {
			lastErr = err
			bw.logger.Warn("audit batch insert failed, retrying",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", bw.config.MaxRetries),
				slog.String("error", err.Error()))
			continue
		}

		bw.totalWritten.Add(uint64(len(entries)))
		bw.batchCount.Add(1)
		return nil
	}

	bw.totalFailed.Add(uint64(len(entries)))
	return fmt.Errorf("audit batch insert failed after %d retries: %w", bw.config.MaxRetries, lastErr)
}

// Flush writes out any buffered entries immediately.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close stops the timer, flushes the remaining buffer, and rejects further
// writes. Close is idempotent.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.flushTimer.Stop()
	err := bw.flushLocked()
	bw.mu.Unlock()
	return err
}

// BatchWriterMetrics holds batch writer counters.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

// Metrics returns a snapshot of the writer's counters.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()

	return BatchWriterMetrics{
		Written: bw.totalWritten.Load(),
		Failed:  bw.totalFailed.Load(),
		Batches: bw.batchCount.Load(),
		Pending: pending,
	}
}
