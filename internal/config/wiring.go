package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"dbsentinel/internal/alerting"
	"dbsentinel/internal/audit"
	"dbsentinel/internal/detect"
	"dbsentinel/internal/encryption"
	"dbsentinel/internal/respond"
)

// NewLogger builds the process logger from the logging section. Binaries
// install it as the slog default; libraries receive it through
// constructors.
func (c LoggingConfig) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(c.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// AuditConfig maps the security section onto the audit logger.
func (c *Config) AuditConfig() audit.Config {
	return audit.Config{Enabled: c.Security.AuditEnabled}
}

// InspectorConfig maps the security section onto the inspection pipeline.
func (c *Config) InspectorConfig() detect.InspectorConfig {
	ic := detect.DefaultInspectorConfig()
	ic.Enabled = c.Security.ThreatDetectionEnabled
	return ic
}

// LearningWindow returns the profile learning window as a duration.
func (c *Config) LearningWindow() time.Duration {
	return time.Duration(c.Security.ProfileLearningWindowDays) * 24 * time.Hour
}

// ResponderConfig maps the security section onto the blocking policy.
func (c *Config) ResponderConfig() respond.Config {
	rc := respond.DefaultConfig()
	rc.AutoBlock = c.Security.AutoBlock
	rc.AutoBlockConfidence = c.Security.AutoBlockConfidence
	rc.CriticalPrincipalTTL = c.Security.PrincipalBlockTTL
	rc.CriticalAddressTTL = c.Security.AddressBlockTTL
	rc.HighAddressTTL = c.Security.RepeatBlockTTL
	return rc
}

// LockoutConfig maps the security section onto the failed-login policy.
func (c *Config) LockoutConfig() respond.LockoutConfig {
	return respond.LockoutConfig{
		MaxFailedLogins: c.Security.MaxFailedLogins,
		LockoutDuration: time.Duration(c.Security.LockoutDurationSeconds) * time.Second,
	}
}

// NewEncryptionEngine builds the field-encryption engine. The secret is
// read from the environment variable named by secret_env, never from the
// config file.
func (c *Config) NewEncryptionEngine(logger *slog.Logger) (*encryption.Engine, error) {
	ec := encryption.Config{
		Enabled:    c.Encryption.Enabled,
		Iterations: c.Encryption.Iterations,
		Logger:     logger,
	}
	if !c.Encryption.Enabled {
		return encryption.NewEngine(&ec)
	}

	ec.Secret = os.Getenv(c.Encryption.SecretEnv)
	if ec.Secret == "" {
		return nil, fmt.Errorf("encryption is enabled but %s is not set", c.Encryption.SecretEnv)
	}
	for _, env := range c.Encryption.PreviousSecretEnvs {
		if prev := os.Getenv(env); prev != "" {
			ec.PreviousSecrets = append(ec.PreviousSecrets, prev)
		}
	}
	return encryption.NewEngine(&ec)
}

// EmailConfig returns the SMTP channel configuration, or nil when no SMTP
// host is set. Recipients fills To unless the smtp section set one.
func (c *Config) EmailConfig() *alerting.EmailConfig {
	if c.Alerting.SMTP.SMTPHost == "" {
		return nil
	}
	ec := c.Alerting.SMTP
	if len(ec.To) == 0 {
		ec.To = c.Alerting.Recipients
	}
	return &ec
}

// AlertChannels builds the configured notification channels. The log
// channel is always present so severe events surface even with nothing
// else configured.
func (c *Config) AlertChannels(logger *slog.Logger) []alerting.NotificationChannel {
	channels := []alerting.NotificationChannel{alerting.NewLogChannel(logger)}
	if ec := c.EmailConfig(); ec != nil {
		channels = append(channels, alerting.NewEmailChannel(ec))
	}
	for _, wh := range c.Alerting.Webhooks {
		channels = append(channels, alerting.NewWebhookChannel(wh.Name, wh.URL, wh.Headers))
	}
	return channels
}

// LoadSignatures parses every configured signature file and returns the
// combined set. A malformed file fails the load; operators asked for it
// by name.
func (c *Config) LoadSignatures() ([]detect.Signature, error) {
	var signatures []detect.Signature
	for _, path := range c.Security.SignatureFiles {
		sigs, err := detect.LoadSignatureFile(path)
		if err != nil {
			return nil, fmt.Errorf("signature file %s: %w", path, err)
		}
		signatures = append(signatures, sigs...)
	}
	return signatures, nil
}
