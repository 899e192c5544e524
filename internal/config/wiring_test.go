package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResponderConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Security.AutoBlock = false
	cfg.Security.AutoBlockConfidence = 0.9
	cfg.Security.PrincipalBlockTTL = 2 * time.Hour
	cfg.Security.AddressBlockTTL = time.Hour
	cfg.Security.RepeatBlockTTL = 20 * time.Minute

	rc := cfg.ResponderConfig()
	if rc.AutoBlock {
		t.Error("expected AutoBlock false")
	}
	if rc.AutoBlockConfidence != 0.9 {
		t.Errorf("confidence = %v", rc.AutoBlockConfidence)
	}
	if rc.CriticalPrincipalTTL != 2*time.Hour || rc.CriticalAddressTTL != time.Hour {
		t.Errorf("critical TTLs = %v / %v", rc.CriticalPrincipalTTL, rc.CriticalAddressTTL)
	}
	if rc.HighAddressTTL != 20*time.Minute {
		t.Errorf("high address TTL = %v", rc.HighAddressTTL)
	}
}

func TestLockoutConfig(t *testing.T) {
	cfg := DefaultConfig()
	lc := cfg.LockoutConfig()
	if lc.MaxFailedLogins != 5 {
		t.Errorf("max failed logins = %d", lc.MaxFailedLogins)
	}
	if lc.LockoutDuration != time.Hour {
		t.Errorf("lockout duration = %v, want 1h from 3600 seconds", lc.LockoutDuration)
	}
}

func TestLearningWindow(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.LearningWindow(); got != 30*24*time.Hour {
		t.Errorf("learning window = %v, want 720h", got)
	}
}

func TestInspectorConfigDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Security.ThreatDetectionEnabled = false
	if cfg.InspectorConfig().Enabled {
		t.Error("expected inspector disabled")
	}
}

func TestNewEncryptionEngine(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		cfg := DefaultConfig()
		engine, err := cfg.NewEncryptionEngine(discardLogger())
		if err != nil {
			t.Fatalf("disabled engine error = %v", err)
		}
		if engine == nil {
			t.Fatal("expected pass-through engine")
		}
	})

	t.Run("enabled without secret", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Encryption.Enabled = true
		cfg.Encryption.SecretEnv = "SENTINEL_TEST_MISSING_SECRET"
		if _, err := cfg.NewEncryptionEngine(discardLogger()); err == nil {
			t.Error("expected error when secret env is unset")
		}
	})

	t.Run("enabled with secret", func(t *testing.T) {
		t.Setenv("SENTINEL_TEST_SECRET", "correct horse battery staple")
		cfg := DefaultConfig()
		cfg.Encryption.Enabled = true
		cfg.Encryption.SecretEnv = "SENTINEL_TEST_SECRET"
		engine, err := cfg.NewEncryptionEngine(discardLogger())
		if err != nil {
			t.Fatalf("engine error = %v", err)
		}
		if engine == nil {
			t.Fatal("expected engine")
		}
	})

	t.Run("previous secrets from env", func(t *testing.T) {
		t.Setenv("SENTINEL_TEST_SECRET", "current secret phrase")
		t.Setenv("SENTINEL_TEST_SECRET_OLD", "retired secret phrase")
		cfg := DefaultConfig()
		cfg.Encryption.Enabled = true
		cfg.Encryption.SecretEnv = "SENTINEL_TEST_SECRET"
		cfg.Encryption.PreviousSecretEnvs = []string{"SENTINEL_TEST_SECRET_OLD", "SENTINEL_TEST_UNSET"}
		if _, err := cfg.NewEncryptionEngine(discardLogger()); err != nil {
			t.Fatalf("engine error = %v", err)
		}
	})
}

func TestEmailConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.EmailConfig() != nil {
		t.Error("expected nil email config without an SMTP host")
	}

	cfg.Alerting.SMTP.SMTPHost = "smtp.example.com"
	cfg.Alerting.Recipients = []string{"sec-ops@example.com"}
	ec := cfg.EmailConfig()
	if ec == nil {
		t.Fatal("expected email config")
	}
	if len(ec.To) != 1 || ec.To[0] != "sec-ops@example.com" {
		t.Errorf("recipients should fill To, got %v", ec.To)
	}

	// An explicit To list wins over recipients.
	cfg.Alerting.SMTP.To = []string{"dba@example.com"}
	ec = cfg.EmailConfig()
	if len(ec.To) != 1 || ec.To[0] != "dba@example.com" {
		t.Errorf("explicit To should win, got %v", ec.To)
	}
}

func TestAlertChannels(t *testing.T) {
	cfg := DefaultConfig()
	channels := cfg.AlertChannels(discardLogger())
	if len(channels) != 1 {
		t.Fatalf("expected only the log channel, got %d", len(channels))
	}

	cfg.Alerting.SMTP.SMTPHost = "smtp.example.com"
	cfg.Alerting.Recipients = []string{"sec-ops@example.com"}
	cfg.Alerting.Webhooks = []WebhookConfig{
		{Name: "pager", URL: "https://hooks.example.com/sec"},
	}
	channels = cfg.AlertChannels(discardLogger())
	if len(channels) != 3 {
		t.Fatalf("expected log+email+webhook, got %d", len(channels))
	}
}

func TestLoadSignatures(t *testing.T) {
	content := `
- id: custom-union-select
  category: sql_injection
  pattern: "union select"
  severity: high
  active: true
  false_positive_rate: 0.05
- id: custom-stacked-query
  category: sql_injection
  pattern: ";\\s*(drop|truncate)\\s"
  is_regex: true
  severity: critical
  active: true
  false_positive_rate: 0.01
`
	path := filepath.Join(t.TempDir(), "signatures.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Security.SignatureFiles = []string{path}

	sigs, err := cfg.LoadSignatures()
	if err != nil {
		t.Fatalf("LoadSignatures() error = %v", err)
	}
	if len(sigs) != 2 {
		t.Fatalf("signatures = %d, want 2", len(sigs))
	}
	if sigs[0].ID != "custom-union-select" || sigs[1].IsRegex != true {
		t.Errorf("signatures = %+v", sigs)
	}
}

func TestLoadSignaturesBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("- id: x\n  pattern: ''\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Security.SignatureFiles = []string{path}
	if _, err := cfg.LoadSignatures(); err == nil {
		t.Error("expected error for invalid signature file")
	}
}

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		lc := LoggingConfig{Level: tt.level, Format: "json"}
		logger := lc.NewLogger()
		if logger == nil {
			t.Fatalf("NewLogger(%q) returned nil", tt.level)
		}
		ctx := context.Background()
		if !logger.Enabled(ctx, tt.want) {
			t.Errorf("level %q: logger should be enabled at %v", tt.level, tt.want)
		}
		if tt.want > slog.LevelDebug && logger.Enabled(ctx, tt.want-4) {
			t.Errorf("level %q: logger should not be enabled below %v", tt.level, tt.want)
		}
	}
}
