package storage

import (
	"errors"
	"strings"
	"testing"
)

func TestValidIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		ident string
		want  bool
	}{
		{"simple", "audit_log", true},
		{"leading underscore", "_internal", true},
		{"mixed case", "AuditLog", true},
		{"digits", "table2", true},
		{"empty", "", false},
		{"leading digit", "2table", false},
		{"space", "audit log", false},
		{"semicolon", "audit;drop", false},
		{"quote", "audit'log", false},
		{"dash", "audit-log", false},
		{"dot", "db.table", false},
		{"reserved system", "system", false},
		{"reserved information_schema", "INFORMATION_SCHEMA", false},
		{"too long", strings.Repeat("a", 65), false},
		{"max length", strings.Repeat("a", 64), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidIdentifier(tt.ident); got != tt.want {
				t.Errorf("ValidIdentifier(%q) = %v, want %v", tt.ident, got, tt.want)
			}
		})
	}
}

func TestSanitizeIdentifier(t *testing.T) {
	got, err := SanitizeIdentifier("threat_detections")
	if err != nil {
		t.Fatalf("SanitizeIdentifier() error = %v", err)
	}
	if got != "threat_detections" {
		t.Errorf("SanitizeIdentifier() = %q", got)
	}

	if _, err := SanitizeIdentifier("x; DROP TABLE users"); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("expected ErrInvalidIdentifier, got %v", err)
	}
}

func TestQualifyTable(t *testing.T) {
	got, err := QualifyTable("appdb", "audit_log")
	if err != nil {
		t.Fatalf("QualifyTable() error = %v", err)
	}
	if got != "appdb.audit_log" {
		t.Errorf("QualifyTable() = %q, want %q", got, "appdb.audit_log")
	}

	if _, err := QualifyTable("appdb", "bad name"); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("expected ErrInvalidIdentifier for table, got %v", err)
	}
	if _, err := QualifyTable("bad db", "audit_log"); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("expected ErrInvalidIdentifier for database, got %v", err)
	}
}

func TestNormalizePrivileges(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    []string
		wantErr bool
	}{
		{"single", []string{"SELECT"}, []string{"SELECT"}, false},
		{"lowercase", []string{"select", "insert"}, []string{"SELECT", "INSERT"}, false},
		{"whitespace", []string{"  ALTER "}, []string{"ALTER"}, false},
		{"duplicates collapsed", []string{"SELECT", "select"}, []string{"SELECT"}, false},
		{"unknown verb", []string{"SELECT", "GRANT OPTION"}, nil, true},
		{"injection attempt", []string{"SELECT; DROP TABLE users"}, nil, true},
		{"empty", nil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizePrivileges(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("normalizePrivileges() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("normalizePrivileges() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("verb[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestValidatePassword(t *testing.T) {
	if err := validatePassword("c2VjdXJlLXBhc3M="); err != nil {
		t.Errorf("expected base64-style password to pass, got %v", err)
	}
	if err := validatePassword("short"); err == nil {
		t.Error("expected error for short password")
	}
	if err := validatePassword("has spaces in here"); err == nil {
		t.Error("expected error for unsafe characters")
	}
	if err := validatePassword("quote'in-password"); err == nil {
		t.Error("expected error for quote character")
	}
}
