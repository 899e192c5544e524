// Package schema defines the canonical shapes for database activity flowing
// through the security core. Every inspected operation is normalized to a
// QueryEvent before evaluation, and every evaluation emits an ActivityRecord
// for the profile-learning feed.
package schema

import (
	"time"
)

// QueryEvent represents a single database operation submitted for
// inspection: the query text plus the identity and origin that issued it.
type QueryEvent struct {
	// Required fields
	QueryText string `json:"query_text" validate:"required,max=65536"`
	Principal string `json:"principal" validate:"required,principal_format,max=256"`

	// Optional fields
	SourceAddress string            `json:"source_address,omitempty" validate:"omitempty,host_or_ip,max=256"`
	Database      string            `json:"database,omitempty" validate:"max=256"`
	Table         string            `json:"table,omitempty" validate:"max=256"`
	Operation     Operation         `json:"operation,omitempty" validate:"omitempty,oneof=select insert update delete ddl admin other"`
	Context       map[string]string `json:"context,omitempty"`

	// Set by the caller, or filled with the current time during inspection.
	Timestamp time.Time `json:"timestamp"`
}

// Operation classifies the database operation being inspected.
type Operation string

const (
	OpSelect Operation = "select"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpDDL    Operation = "ddl"
	OpAdmin  Operation = "admin"
	OpOther  Operation = "other"
)

// IsValid checks if the operation is a valid value.
func (o Operation) IsValid() bool {
	switch o {
	case OpSelect, OpInsert, OpUpdate, OpDelete, OpDDL, OpAdmin, OpOther:
		return true
	}
	return false
}

// ActivityRecord is the message published to the profile-learning feed
// after an inspection. It carries only the normalized query shape and
// derived features, never raw query text, so the feed can be retained
// without the masking rules that apply to audit rows.
type ActivityRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	Principal     string    `json:"principal" validate:"required,principal_format,max=256"`
	SourceAddress string    `json:"source_address,omitempty" validate:"max=256"`
	Database      string    `json:"database,omitempty" validate:"max=256"`
	QueryShape    string    `json:"query_shape" validate:"required,max=4096"`
	QueryHash     string    `json:"query_hash,omitempty" validate:"omitempty,hexadecimal,len=64"`
	Tables        []string  `json:"tables,omitempty"`
	Complexity    float64   `json:"complexity" validate:"min=0"`
	Detections    int       `json:"detections" validate:"min=0"`
}

// Hour returns the UTC hour-of-day the activity occurred in. Behavior
// profiles track access hours in UTC so instances in different zones agree.
func (r *ActivityRecord) Hour() int {
	return r.Timestamp.UTC().Hour()
}

// SchemaVersionCurrent is the current version of the activity schema.
const SchemaVersionCurrent = "1.0.0"
