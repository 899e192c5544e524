package storage

import (
	"errors"
	"testing"
)

func TestTTLStatement(t *testing.T) {
	tests := []struct {
		name    string
		policy  TTLPolicy
		want    string
		wantErr bool
	}{
		{
			name:   "audit log policy",
			policy: TTLPolicy{Table: "audit_log", Column: "timestamp", Days: 365},
			want:   "ALTER TABLE audit_log MODIFY TTL toDateTime(timestamp) + INTERVAL 365 DAY DELETE",
		},
		{
			name:   "zero days disables the policy",
			policy: TTLPolicy{Table: "audit_log", Column: "timestamp", Days: 0},
			want:   "",
		},
		{
			name:   "negative days disables the policy",
			policy: TTLPolicy{Table: "audit_log", Column: "timestamp", Days: -7},
			want:   "",
		},
		{
			name:    "injection in table name",
			policy:  TTLPolicy{Table: "audit_log; DROP TABLE users", Column: "timestamp", Days: 30},
			wantErr: true,
		},
		{
			name:    "injection in column name",
			policy:  TTLPolicy{Table: "audit_log", Column: "timestamp) + 0; --", Days: 30},
			wantErr: true,
		},
		{
			name:    "reserved schema rejected",
			policy:  TTLPolicy{Table: "system", Column: "timestamp", Days: 30},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ttlStatement(tt.policy)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ttlStatement() = %q, want error", got)
				}
				if !errors.Is(err, ErrInvalidIdentifier) {
					t.Errorf("error = %v, want ErrInvalidIdentifier", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ttlStatement() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ttlStatement() = %q, want %q", got, tt.want)
			}
		})
	}
}
