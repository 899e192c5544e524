package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrSignatureNotFound is returned by administrative signature operations
// for an unknown signature ID.
var ErrSignatureNotFound = errors.New("signature not found")

// SignatureStorage persists the signature set.
type SignatureStorage interface {
	LoadSignatures(ctx context.Context) ([]Signature, error)
	SaveSignatures(ctx context.Context, signatures []Signature) error
}

// SignatureEngine owns the live signature registry and its persistence.
// Evaluation reads the in-memory registry only; storage is touched at load
// time and on administrative updates.
type SignatureEngine struct {
	registry *Registry
	store    SignatureStorage
	logger   *slog.Logger
}

// NewSignatureEngine creates an engine with an empty registry. Call Load
// before evaluating. store may be nil, in which case the builtin set is
// used and administrative updates stay in memory.
func NewSignatureEngine(store SignatureStorage, logger *slog.Logger) *SignatureEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignatureEngine{
		registry: NewRegistry(nil, logger),
		store:    store,
		logger:   logger,
	}
}

// Load populates the registry from storage. An empty store is seeded with
// the builtin signature set first, so a fresh deployment detects threats
// before any administrative tuning.
func (e *SignatureEngine) Load(ctx context.Context) error {
	if e.store == nil {
		e.registry.Replace(BuiltinSignatures())
		e.logger.Info("signature store not configured, using builtin set",
			slog.Int("signatures", e.registry.Len()))
		return nil
	}

	signatures, err := e.store.LoadSignatures(ctx)
	if err != nil {
		return fmt.Errorf("failed to load signatures: %w", err)
	}

	if len(signatures) == 0 {
		signatures = BuiltinSignatures()
		if err := e.store.SaveSignatures(ctx, signatures); err != nil {
			return fmt.Errorf("failed to seed builtin signatures: %w", err)
		}
		e.logger.Info("seeded builtin signature set", slog.Int("signatures", len(signatures)))
	}

	e.registry.Replace(signatures)
	e.logger.Info("signature registry loaded", slog.Int("signatures", e.registry.Len()))
	return nil
}

// Reload refreshes the registry from storage without seeding.
func (e *SignatureEngine) Reload(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	signatures, err := e.store.LoadSignatures(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload signatures: %w", err)
	}
	e.registry.Replace(signatures)
	e.logger.Info("signature registry reloaded", slog.Int("signatures", e.registry.Len()))
	return nil
}

// Evaluate matches the query against the registry. Pure; the caller
// enriches and persists any detections.
func (e *SignatureEngine) Evaluate(query string) []Detection {
	return e.registry.Evaluate(query)
}

// Signatures returns the current signature definitions.
func (e *SignatureEngine) Signatures() []Signature {
	return e.registry.Signatures()
}

// UpsertSignature validates, persists, and registers one signature.
func (e *SignatureEngine) UpsertSignature(ctx context.Context, sig Signature) error {
	if err := sig.Validate(); err != nil {
		return err
	}

	if e.store != nil {
		if err := e.store.SaveSignatures(ctx, []Signature{sig}); err != nil {
			return fmt.Errorf("failed to persist signature %s: %w", sig.ID, err)
		}
		return e.Reload(ctx)
	}

	updated := replaceByID(e.registry.Signatures(), sig)
	e.registry.Replace(updated)
	return nil
}

// SetActive toggles one signature without touching its pattern.
func (e *SignatureEngine) SetActive(ctx context.Context, id string, active bool) error {
	for _, sig := range e.registry.Signatures() {
		if sig.ID != id {
			continue
		}
		sig.Active = active
		return e.UpsertSignature(ctx, sig)
	}
	return fmt.Errorf("%w: %s", ErrSignatureNotFound, id)
}

func replaceByID(signatures []Signature, sig Signature) []Signature {
	for i := range signatures {
		if signatures[i].ID == sig.ID {
			signatures[i] = sig
			return signatures
		}
	}
	return append(signatures, sig)
}
