package detect

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Signature is one threat pattern rule. Regex signatures use Go's RE2
// syntax; substring signatures use literal containment. Matching is always
// case-insensitive.
type Signature struct {
	ID                string   `yaml:"id"`
	Category          Category `yaml:"category"`
	Pattern           string   `yaml:"pattern"`
	IsRegex           bool     `yaml:"is_regex"`
	Severity          Severity `yaml:"severity"`
	Active            bool     `yaml:"active"`
	FalsePositiveRate float64  `yaml:"false_positive_rate"`
	Description       string   `yaml:"description"`
}

// Confidence returns the detection confidence this signature yields.
func (s *Signature) Confidence() float64 {
	c := 1.0 - s.FalsePositiveRate
	if c < 0.1 {
		return 0.1
	}
	return c
}

// Validate checks the signature definition.
func (s *Signature) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("signature ID is required")
	}
	if s.Pattern == "" {
		return fmt.Errorf("signature %s: pattern is required", s.ID)
	}
	switch s.Category {
	case CategorySQLInjection, CategoryPrivilegeEscalation,
		CategoryDataExfiltration, CategorySuspiciousAccess:
	default:
		return fmt.Errorf("signature %s: unknown category %q", s.ID, s.Category)
	}
	if !s.Severity.Valid() {
		return fmt.Errorf("signature %s: unknown severity %q", s.ID, s.Severity)
	}
	if s.FalsePositiveRate < 0 || s.FalsePositiveRate > 1 {
		return fmt.Errorf("signature %s: false positive rate must be within [0, 1]", s.ID)
	}
	if s.IsRegex {
		if _, err := regexp.Compile("(?i)" + s.Pattern); err != nil {
			return fmt.Errorf("signature %s: invalid pattern: %w", s.ID, err)
		}
	}
	return nil
}

// compiledSignature pairs a signature with its matcher.
type compiledSignature struct {
	Signature
	re *regexp.Regexp // nil for substring signatures
}

func (c *compiledSignature) matches(query string) bool {
	if c.re != nil {
		return c.re.MatchString(query)
	}
	return strings.Contains(strings.ToUpper(query), strings.ToUpper(c.Pattern))
}

// Registry holds the active signature set. It is read-mostly: evaluation
// takes a read lock, Replace swaps the whole set.
type Registry struct {
	mu         sync.RWMutex
	signatures []compiledSignature
	logger     *slog.Logger
}

// NewRegistry compiles the given signatures. Malformed signatures are
// logged and skipped, never fatal.
func NewRegistry(signatures []Signature, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger}
	r.Replace(signatures)
	return r
}

// Replace swaps the registry content for a new signature set.
func (r *Registry) Replace(signatures []Signature) {
	compiled := make([]compiledSignature, 0, len(signatures))
	for _, sig := range signatures {
		if err := sig.Validate(); err != nil {
			r.logger.Warn("skipping invalid signature",
				slog.String("id", sig.ID),
				slog.String("error", err.Error()))
			continue
		}

		cs := compiledSignature{Signature: sig}
		if sig.IsRegex {
			re, err := regexp.Compile("(?i)" + sig.Pattern)
			if err != nil {
				r.logger.Warn("skipping signature with invalid pattern",
					slog.String("id", sig.ID),
					slog.String("error", err.Error()))
				continue
			}
			cs.re = re
		}
		compiled = append(compiled, cs)
	}

	sort.Slice(compiled, func(i, j int) bool {
		return compiled[i].ID < compiled[j].ID
	})

	r.mu.Lock()
	r.signatures = compiled
	r.mu.Unlock()
}

// Evaluate matches the query against every active signature. Each matching
// signature yields its own detection; matches are not coalesced, so one
// query can produce several detections. Evaluation is pure: the caller
// fills in principal, address, and persistence fields.
func (r *Registry) Evaluate(query string) []Detection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var detections []Detection
	for i := range r.signatures {
		sig := &r.signatures[i]
		if !sig.Active {
			continue
		}
		if !sig.matches(query) {
			continue
		}

		detections = append(detections, Detection{
			Category:            sig.Category,
			Severity:            sig.Severity,
			Description:         sig.Description,
			Confidence:          sig.Confidence(),
			MatchedSignatureIDs: []string{sig.ID},
		})
	}

	return detections
}

// Signatures returns a copy of the registered signature definitions.
func (r *Registry) Signatures() []Signature {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Signature, len(r.signatures))
	for i := range r.signatures {
		out[i] = r.signatures[i].Signature
	}
	return out
}

// Len returns the number of registered signatures.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.signatures)
}

// ParseSignatures parses signature definitions from YAML bytes. Accepts
// either a list or a single document.
func ParseSignatures(data []byte) ([]Signature, error) {
	var signatures []Signature
	if err := yaml.Unmarshal(data, &signatures); err != nil {
		var single Signature
		if singleErr := yaml.Unmarshal(data, &single); singleErr != nil {
			return nil, fmt.Errorf("failed to parse signatures: %w", err)
		}
		signatures = []Signature{single}
	}

	for i := range signatures {
		if err := signatures[i].Validate(); err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
	}
	return signatures, nil
}

// LoadSignatureFile reads and parses a YAML signature file.
func LoadSignatureFile(path string) ([]Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature file: %w", err)
	}
	return ParseSignatures(data)
}
