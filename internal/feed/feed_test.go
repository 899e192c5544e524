package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"dbsentinel/internal/detect"
	"dbsentinel/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if len(cfg.Brokers) == 0 {
		t.Error("expected default brokers")
	}
	if cfg.Topic != "security.activity" {
		t.Errorf("expected default topic security.activity, got %s", cfg.Topic)
	}
	if cfg.ConsumerGroup != "sentinel-profiler" {
		t.Errorf("expected default consumer group sentinel-profiler, got %s", cfg.ConsumerGroup)
	}
	if cfg.Partitions < 1 {
		t.Error("expected partitions >= 1")
	}
	if cfg.ReplicationFactor < 1 {
		t.Error("expected replication factor >= 1")
	}
	if cfg.ProducerBatchSize < 1 {
		t.Error("expected batch size >= 1")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty brokers",
			modify: func(c *Config) {
				c.Brokers = nil
			},
			wantErr: true,
		},
		{
			name: "empty topic",
			modify: func(c *Config) {
				c.Topic = ""
			},
			wantErr: true,
		},
		{
			name: "invalid partitions",
			modify: func(c *Config) {
				c.Partitions = 0
			},
			wantErr: true,
		},
		{
			name: "invalid replication factor",
			modify: func(c *Config) {
				c.ReplicationFactor = 0
			},
			wantErr: true,
		},
		{
			name: "invalid security protocol",
			modify: func(c *Config) {
				c.SecurityProtocol = "INVALID"
			},
			wantErr: true,
		},
		{
			name: "SASL without credentials",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "PLAIN"
				c.SASLUsername = ""
			},
			wantErr: true,
		},
		{
			name: "SASL with unknown mechanism",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "DIGEST-MD5"
				c.SASLUsername = "user"
				c.SASLPassword = "pass"
			},
			wantErr: true,
		},
		{
			name: "valid SASL config",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "PLAIN"
				c.SASLUsername = "user"
				c.SASLPassword = "pass"
			},
			wantErr: false,
		},
		{
			name: "SCRAM-SHA-256 over TLS",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_SSL"
				c.SASLMechanism = "SCRAM-SHA-256"
				c.SASLUsername = "user"
				c.SASLPassword = "pass"
				c.TLSSkipVerify = true
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompression(t *testing.T) {
	tests := []struct {
		compression string
		wantNonZero bool
	}{
		{"gzip", true},
		{"snappy", true},
		{"lz4", true},
		{"zstd", true},
		{"none", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.compression, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.CompressionType = tt.compression

			result := cfg.compression()
			if tt.wantNonZero && result == 0 {
				t.Errorf("expected non-zero compression for %s", tt.compression)
			}
			if !tt.wantNonZero && result != 0 {
				t.Errorf("expected zero compression for %s", tt.compression)
			}
		})
	}
}

func TestDialer(t *testing.T) {
	cfg := DefaultConfig()

	dialer, err := cfg.dialer()
	if err != nil {
		t.Fatalf("dialer() error = %v", err)
	}
	if dialer == nil {
		t.Fatal("expected non-nil dialer")
	}
	if dialer.Timeout != cfg.DialTimeout {
		t.Errorf("expected timeout %v, got %v", cfg.DialTimeout, dialer.Timeout)
	}
	if dialer.TLS != nil {
		t.Error("expected no TLS for PLAINTEXT")
	}
}

func TestDialerWithTLS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TLSEnabled = true
	cfg.TLSSkipVerify = true

	dialer, err := cfg.dialer()
	if err != nil {
		t.Fatalf("dialer() error = %v", err)
	}
	if dialer.TLS == nil {
		t.Error("expected TLS config to be set")
	}
}

func TestDialerWithSASL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SecurityProtocol = "SASL_PLAINTEXT"
	cfg.SASLMechanism = "SCRAM-SHA-512"
	cfg.SASLUsername = "user"
	cfg.SASLPassword = "pass"

	dialer, err := cfg.dialer()
	if err != nil {
		t.Fatalf("dialer() error = %v", err)
	}
	if dialer.SASLMechanism == nil {
		t.Error("expected SASL mechanism to be set")
	}
}

func TestTransportWithSASL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SecurityProtocol = "SASL_SSL"
	cfg.SASLMechanism = "PLAIN"
	cfg.SASLUsername = "user"
	cfg.SASLPassword = "pass"
	cfg.TLSSkipVerify = true

	transport, err := cfg.transport()
	if err != nil {
		t.Fatalf("transport() error = %v", err)
	}
	if transport.SASL == nil {
		t.Error("expected SASL mechanism to be set")
	}
	if transport.TLS == nil {
		t.Error("expected TLS config to be set")
	}
}

func TestDecodeRecord(t *testing.T) {
	valid := schema.ActivityRecord{
		Timestamp:     time.Date(2025, 6, 12, 14, 30, 0, 0, time.UTC),
		Principal:     "shop_api",
		SourceAddress: "10.1.4.88",
		Database:      "shop",
		QueryShape:    "SELECT-orders",
		QueryHash:     "abc123",
		Tables:        []string{"orders"},
		Complexity:    3.5,
		Detections:    1,
	}
	payload, err := json.Marshal(valid)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	tests := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{"valid record", payload, false},
		{"invalid json", []byte("{not json"), true},
		{"missing principal", []byte(`{"query_shape":"SELECT-orders"}`), true},
		{"empty payload", []byte(""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, err := decodeRecord(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeRecord() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if record.Principal != valid.Principal {
				t.Errorf("expected principal %s, got %s", valid.Principal, record.Principal)
			}
			if record.QueryShape != valid.QueryShape {
				t.Errorf("expected shape %s, got %s", valid.QueryShape, record.QueryShape)
			}
			if !record.Timestamp.Equal(valid.Timestamp) {
				t.Errorf("expected timestamp %v, got %v", valid.Timestamp, record.Timestamp)
			}
			if record.Complexity != valid.Complexity {
				t.Errorf("expected complexity %v, got %v", valid.Complexity, record.Complexity)
			}
		})
	}
}

func TestPublisherClosed(t *testing.T) {
	pub, err := NewPublisher(DefaultConfig(), testLogger())
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	err = pub.Publish(context.Background(), schema.ActivityRecord{Principal: "shop_api"})
	if !errors.Is(err, ErrPublisherClosed) {
		t.Errorf("expected ErrPublisherClosed, got %v", err)
	}

	// Close is idempotent.
	if err := pub.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestNewConsumerValidation(t *testing.T) {
	profiler := detect.NewBehaviorProfiler(nil, 0, testLogger())

	if _, err := NewConsumer(DefaultConfig(), nil, testLogger()); err == nil {
		t.Error("expected error for nil handler")
	}

	cfg := DefaultConfig()
	cfg.ConsumerGroup = ""
	if _, err := NewConsumer(cfg, profiler, testLogger()); err == nil {
		t.Error("expected error for empty consumer group")
	}

	consumer, err := NewConsumer(DefaultConfig(), profiler, testLogger())
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}
	if err := consumer.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}

	// Run after Stop refuses to start.
	if err := consumer.Run(context.Background()); !errors.Is(err, ErrConsumerClosed) {
		t.Errorf("expected ErrConsumerClosed, got %v", err)
	}
}

// Integration tests, skipped unless a broker is reachable.
func skipIfNoKafka(t *testing.T) {
	t.Helper()
	if os.Getenv("KAFKA_BROKERS") == "" {
		t.Skip("KAFKA_BROKERS not set, skipping integration test")
	}
}

func integrationConfig() *Config {
	cfg := DefaultConfig()
	cfg.Brokers = []string{os.Getenv("KAFKA_BROKERS")}
	cfg.Topic = "security.activity.test-" + time.Now().Format("20060102150405")
	cfg.ReplicationFactor = 1
	return cfg
}

func TestEnsureTopicIntegration(t *testing.T) {
	skipIfNoKafka(t)

	cfg := integrationConfig()
	ctx := context.Background()

	if err := EnsureTopic(ctx, cfg, testLogger()); err != nil {
		t.Fatalf("EnsureTopic() error = %v", err)
	}
	// Second call is a no-op.
	if err := EnsureTopic(ctx, cfg, testLogger()); err != nil {
		t.Fatalf("EnsureTopic() second call error = %v", err)
	}
}

func TestPublishIntegration(t *testing.T) {
	skipIfNoKafka(t)

	cfg := integrationConfig()
	ctx := context.Background()

	if err := EnsureTopic(ctx, cfg, testLogger()); err != nil {
		t.Fatalf("EnsureTopic() error = %v", err)
	}

	pub, err := NewPublisher(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	defer pub.Close()

	err = pub.Publish(ctx, schema.ActivityRecord{
		Timestamp:  time.Now().UTC(),
		Principal:  "shop_api",
		QueryShape: "SELECT-orders",
		QueryHash:  "abc123",
	})
	if err != nil {
		t.Errorf("Publish() error = %v", err)
	}
}
