// Package config handles configuration loading for dbsentinel.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"dbsentinel/internal/alerting"
	"dbsentinel/internal/cache"
	"dbsentinel/internal/feed"
	"dbsentinel/internal/maintenance"
	"dbsentinel/internal/storage"
	s3store "dbsentinel/internal/storage/s3"
)

// DefaultPath is where Load looks for the config file when
// SENTINEL_CONFIG_PATH is not set.
const DefaultPath = "configs/config.yaml"

// Config holds the complete application configuration. Sections that
// configure a single package reuse that package's config type; the
// security section aggregates the policy knobs that span detection,
// response, and lockout.
type Config struct {
	Security    SecurityConfig           `yaml:"security"`
	ClickHouse  storage.ClickHouseConfig `yaml:"clickhouse"`
	Redis       cache.Config             `yaml:"redis"`
	Kafka       feed.Config              `yaml:"kafka"`
	S3          S3Config                 `yaml:"s3"`
	Encryption  EncryptionConfig         `yaml:"encryption"`
	Alerting    AlertingConfig           `yaml:"alerting"`
	Maintenance maintenance.Config       `yaml:"maintenance"`
	Logging     LoggingConfig            `yaml:"logging"`
}

// SecurityConfig holds the detection and response policy.
type SecurityConfig struct {
	AuditEnabled           bool `yaml:"audit_enabled"`
	ThreatDetectionEnabled bool `yaml:"threat_detection_enabled"`

	// AutoBlock enables automatic blocking; detections alert either way.
	AutoBlock           bool    `yaml:"auto_block"`
	AutoBlockConfidence float64 `yaml:"auto_block_confidence" validate:"gte=0,lte=1"`

	ProfileLearningWindowDays int `yaml:"profile_learning_window_days" validate:"gte=1"`

	MaxFailedLogins        int `yaml:"max_failed_logins" validate:"gte=1"`
	LockoutDurationSeconds int `yaml:"lockout_duration_seconds" validate:"gte=1"`

	// PrincipalBlockTTL and AddressBlockTTL bound blocks from critical
	// detections; RepeatBlockTTL bounds the address block from repeated
	// high-severity detections.
	PrincipalBlockTTL time.Duration `yaml:"principal_block_ttl"`
	AddressBlockTTL   time.Duration `yaml:"address_block_ttl"`
	RepeatBlockTTL    time.Duration `yaml:"repeat_block_ttl"`

	// SignatureFiles are YAML signature sets loaded on top of the built-in
	// ones at startup.
	SignatureFiles []string `yaml:"signature_files"`
}

// S3Config enables archiving cleaned-up rows to object storage.
type S3Config struct {
	Enabled bool `yaml:"enabled"`

	s3store.Config `yaml:",inline"`

	Archive s3store.ArchiverConfig `yaml:"archive"`
}

// EncryptionConfig controls field encryption. The secret itself never
// appears in the file; SecretEnv names the environment variable that
// holds it.
type EncryptionConfig struct {
	Enabled            bool     `yaml:"enabled"`
	SecretEnv          string   `yaml:"secret_env"`
	PreviousSecretEnvs []string `yaml:"previous_secret_envs"`
	Iterations         int      `yaml:"iterations" validate:"eq=0|gte=100000"`
}

// AlertingConfig controls alert dispatch. Recipients fills the SMTP To
// list unless the smtp section sets one explicitly.
type AlertingConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Recipients []string `yaml:"recipients" validate:"omitempty,dive,email"`

	SMTP     alerting.EmailConfig    `yaml:"smtp"`
	Webhooks []WebhookConfig         `yaml:"webhooks" validate:"dive"`
	Events   alerting.ManagerConfig  `yaml:",inline"`
	Delivery alerting.DeliveryConfig `yaml:"delivery"`
}

// WebhookConfig is one webhook alert destination.
type WebhookConfig struct {
	Name    string            `yaml:"name" validate:"required"`
	URL     string            `yaml:"url" validate:"required,url"`
	Headers map[string]string `yaml:"headers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Security: SecurityConfig{
			AuditEnabled:              true,
			ThreatDetectionEnabled:    true,
			AutoBlock:                 true,
			AutoBlockConfidence:       0.8,
			ProfileLearningWindowDays: 30,
			MaxFailedLogins:           5,
			LockoutDurationSeconds:    3600,
			PrincipalBlockTTL:         time.Hour,
			AddressBlockTTL:           30 * time.Minute,
			RepeatBlockTTL:            15 * time.Minute,
		},
		ClickHouse: storage.DefaultClickHouseConfig(),
		Redis:      cache.DefaultConfig(),
		Kafka:      *feed.DefaultConfig(),
		S3: S3Config{
			Enabled: false,
			Config:  *s3store.DefaultConfig(),
			Archive: *s3store.DefaultArchiverConfig(),
		},
		Encryption: EncryptionConfig{
			Enabled:   false,
			SecretEnv: "SENTINEL_ENCRYPTION_SECRET",
		},
		Alerting: AlertingConfig{
			Enabled:  false,
			Events:   alerting.DefaultManagerConfig(),
			Delivery: alerting.DefaultDeliveryConfig(),
		},
		Maintenance: maintenance.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from the file named by SENTINEL_CONFIG_PATH
// (default configs/config.yaml). A missing file is not an error: defaults
// plus environment overrides apply.
func Load() (*Config, error) {
	path := os.Getenv("SENTINEL_CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadFile loads configuration from an explicit path. Unlike Load, a
// missing file is an error here: the operator named it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies SENTINEL_* environment variable overrides on
// top of whatever the file set.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("SENTINEL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("SENTINEL_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if hosts := os.Getenv("SENTINEL_CLICKHOUSE_HOSTS"); hosts != "" {
		c.ClickHouse.Hosts = splitAndTrim(hosts)
	}
	if db := os.Getenv("SENTINEL_CLICKHOUSE_DATABASE"); db != "" {
		c.ClickHouse.Database = db
	}
	if user := os.Getenv("SENTINEL_CLICKHOUSE_USER"); user != "" {
		c.ClickHouse.Username = user
	}
	if pass := os.Getenv("SENTINEL_CLICKHOUSE_PASSWORD"); pass != "" {
		c.ClickHouse.Password = pass
	}

	if addr := os.Getenv("SENTINEL_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if pass := os.Getenv("SENTINEL_REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}

	if brokers := os.Getenv("SENTINEL_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers)
	}

	if bucket := os.Getenv("SENTINEL_S3_BUCKET"); bucket != "" {
		c.S3.Bucket = bucket
		c.S3.Enabled = true
	}

	if enabled := os.Getenv("SENTINEL_AUDIT_ENABLED"); enabled == "false" {
		c.Security.AuditEnabled = false
	}
	if enabled := os.Getenv("SENTINEL_THREAT_DETECTION_ENABLED"); enabled == "false" {
		c.Security.ThreatDetectionEnabled = false
	}
	if enabled := os.Getenv("SENTINEL_AUTO_BLOCK"); enabled == "false" {
		c.Security.AutoBlock = false
	}

	if recipients := os.Getenv("SENTINEL_ALERT_RECIPIENTS"); recipients != "" {
		c.Alerting.Recipients = splitAndTrim(recipients)
	}
	if pass := os.Getenv("SENTINEL_SMTP_PASSWORD"); pass != "" {
		c.Alerting.SMTP.Password = pass
	}
}

func splitAndTrim(s string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

var validate = validator.New()

// Validate checks ranges via struct tags and enforces the cross-field
// rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if len(c.ClickHouse.Hosts) == 0 {
		return fmt.Errorf("clickhouse: at least one host is required")
	}
	if !storage.ValidIdentifier(c.ClickHouse.Database) {
		return fmt.Errorf("clickhouse: invalid database name %q", c.ClickHouse.Database)
	}

	if err := c.Kafka.Validate(); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}

	if c.Encryption.Enabled && c.Encryption.SecretEnv == "" {
		return fmt.Errorf("encryption: secret_env is required when encryption is enabled")
	}

	if c.S3.Enabled {
		if err := c.S3.Config.Validate(); err != nil {
			return fmt.Errorf("s3: %w", err)
		}
	}

	for i := range c.Maintenance.CleanupRules {
		rule := &c.Maintenance.CleanupRules[i]
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("maintenance: %w", err)
		}
		// An archive rule without object storage would fail on every run.
		if rule.Action == maintenance.ActionArchive && !c.S3.Enabled {
			return fmt.Errorf("maintenance: cleanup rule for %s archives rows but s3 is disabled", rule.Table)
		}
	}

	if c.Alerting.SMTP.SMTPHost != "" && len(c.Alerting.SMTP.To) == 0 && len(c.Alerting.Recipients) == 0 {
		return fmt.Errorf("alerting: smtp is configured but no recipients are set")
	}

	return nil
}
