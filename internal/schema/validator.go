package schema

import (
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// principalPattern defines the valid format for principal identifiers.
// Principals must start with a letter and may contain the characters used
// by database accounts and service identities.
// Examples: "app_readonly", "svc-orders", "alice@example.com"
var principalPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.@\-]*$`)

// hostnamePattern matches RFC 1123 hostnames.
var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9\-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9\-]{0,61}[A-Za-z0-9])?)*$`)

// Validator handles validation of query events before inspection.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
// Inspection runs against live traffic, so stale events are rejected much
// sooner than an ingest pipeline would allow.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("principal_format", func(fl validator.FieldLevel) bool {
		return principalPattern.MatchString(fl.Field().String())
	})

	v.RegisterValidation("host_or_ip", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if net.ParseIP(s) != nil {
			return true
		}
		return len(s) <= 253 && hostnamePattern.MatchString(s)
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates a query event. Returns an error if validation fails.
func (v *Validator) Validate(event *QueryEvent) error {
	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now().UTC()

	if event.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if event.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("timestamp too old: %v (max age: %v)", event.Timestamp, v.maxAge)
	}

	if event.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", event.Timestamp, v.maxFuture)
	}

	return nil
}

// ValidateActivity validates an activity record before it is published to
// or consumed from the learning feed. Records may carry a zero timestamp;
// the profiler substitutes its own clock for those.
func (v *Validator) ValidateActivity(rec *ActivityRecord) error {
	if err := v.validate.Struct(rec); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if rec.SourceAddress != "" && !principalSafeAddress(rec.SourceAddress) {
		return fmt.Errorf("source_address is not a hostname or IP: %q", rec.SourceAddress)
	}
	return nil
}

// ValidatePrincipal checks if a principal string matches the required format.
func ValidatePrincipal(principal string) bool {
	return principalPattern.MatchString(principal)
}

func principalSafeAddress(s string) bool {
	if net.ParseIP(s) != nil {
		return true
	}
	return len(s) <= 253 && hostnamePattern.MatchString(s)
}
