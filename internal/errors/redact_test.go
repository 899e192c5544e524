package errors

import "testing"

func TestIsSensitiveField(t *testing.T) {
	sensitive := []string{
		"password", "db_password", "SMTP_Password",
		"api_key", "X-Api-Key", "access_token",
		"webhook_url", "clickhouse_dsn", "session_id", "client_secret",
	}
	for _, name := range sensitive {
		if !IsSensitiveField(name) {
			t.Errorf("IsSensitiveField(%q) = false, want true", name)
		}
	}

	plain := []string{"principal", "table", "event_id", "severity", "author", "database_name"}
	for _, name := range plain {
		if IsSensitiveField(name) {
			t.Errorf("IsSensitiveField(%q) = true, want false", name)
		}
	}
}

func TestMaskFieldValue(t *testing.T) {
	if got := MaskFieldValue("password", "hunter2"); got != MaskedValue {
		t.Errorf("MaskFieldValue(password) = %q, want %q", got, MaskedValue)
	}
	if got := MaskFieldValue("severity", "high"); got != "high" {
		t.Errorf("MaskFieldValue(severity) = %q, want unchanged", got)
	}
	// Empty values pass through so omitempty rendering is preserved.
	if got := MaskFieldValue("password", ""); got != "" {
		t.Errorf("MaskFieldValue(password, empty) = %q, want empty", got)
	}
}

func TestMaskFields(t *testing.T) {
	in := map[string]string{
		"webhook_url": "https://hooks.example.com/T000/B000/XXX",
		"severity":    "critical",
		"api_key":     "sk_live_abc123",
	}
	out := MaskFields(in)

	if out["webhook_url"] != MaskedValue {
		t.Errorf("webhook_url = %q, want masked", out["webhook_url"])
	}
	if out["api_key"] != MaskedValue {
		t.Errorf("api_key = %q, want masked", out["api_key"])
	}
	if out["severity"] != "critical" {
		t.Errorf("severity = %q, want unchanged", out["severity"])
	}

	if in["webhook_url"] == MaskedValue {
		t.Error("MaskFields modified its input")
	}

	if MaskFields(nil) != nil {
		t.Error("MaskFields(nil) should stay nil")
	}
}
