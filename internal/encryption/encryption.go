// Package encryption provides field-level encryption for sensitive values
// stored in the relational store. Keys are derived per value with
// PBKDF2-SHA256 over a configured secret and a random salt, so identical
// plaintexts never produce identical ciphertexts.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrInvalidKey is returned when the encryption secret is invalid.
	ErrInvalidKey = errors.New("invalid encryption secret")

	// ErrInvalidCiphertext is returned when the ciphertext is malformed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrEncryptionFailed is returned when encryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	// formatVersion identifies the envelope layout:
	// [version:1][iterations:4][salt:16][nonce:12][ciphertext+tag].
	formatVersion = 1

	saltSize     = 16
	gcmNonceSize = 12
	keySize      = 32

	// MinIterations is the lowest accepted PBKDF2 iteration count.
	MinIterations = 100000

	// maxIterations caps the iteration count read back from an envelope so
	// a crafted value cannot stall decryption.
	maxIterations = 10000000

	// version + iterations + salt + nonce + GCM tag
	minEnvelopeSize = 1 + 4 + saltSize + gcmNonceSize + 16
)

// Config holds encryption configuration.
type Config struct {
	// Enabled indicates if field encryption is enabled. When disabled,
	// values pass through unchanged.
	Enabled bool

	// Secret is the passphrase keys are derived from. Retrieve it from the
	// environment or a key management system, never from the config file.
	Secret string

	// PreviousSecrets are consulted in order when decryption with the
	// current secret fails, so values written before a rotation stay
	// readable until they are re-encrypted.
	PreviousSecrets []string

	// Iterations is the PBKDF2 iteration count. Defaults to MinIterations.
	Iterations int

	// Logger for encryption operations.
	Logger *slog.Logger
}

// Engine provides encryption and decryption of individual field values.
type Engine struct {
	enabled    bool
	iterations int
	logger     *slog.Logger

	mu       sync.RWMutex
	secret   []byte
	previous [][]byte
}

// NewEngine creates a new encryption engine.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if !cfg.Enabled {
		return &Engine{enabled: false, logger: logger}, nil
	}

	if cfg.Secret == "" {
		return nil, fmt.Errorf("%w: secret is required when encryption is enabled", ErrInvalidKey)
	}

	iterations := cfg.Iterations
	if iterations == 0 {
		iterations = MinIterations
	}
	if iterations < MinIterations {
		return nil, fmt.Errorf("%w: iteration count %d below minimum %d", ErrInvalidKey, iterations, MinIterations)
	}

	previous := make([][]byte, 0, len(cfg.PreviousSecrets))
	for _, s := range cfg.PreviousSecrets {
		if s != "" {
			previous = append(previous, []byte(s))
		}
	}

	logger.Info("encryption engine initialized",
		slog.Bool("enabled", true),
		slog.Int("iterations", iterations),
		slog.String("algorithm", "PBKDF2-SHA256/AES-256-GCM"))

	return &Engine{
		enabled:    true,
		iterations: iterations,
		logger:     logger,
		secret:     []byte(cfg.Secret),
		previous:   previous,
	}, nil
}

// Enabled returns whether encryption is enabled.
func (e *Engine) Enabled() bool {
	return e.enabled
}

// Encrypt encrypts plaintext with a freshly derived key and returns the
// base64-encoded envelope. Empty input passes through unchanged.
func (e *Engine) Encrypt(plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", nil
	}
	if !e.enabled {
		return string(plaintext), nil
	}

	e.mu.RLock()
	secret := e.secret
	e.mu.RUnlock()

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	gcm, err := newAEAD(secret, salt, e.iterations)
	if err != nil {
		e.logger.Error("failed to build cipher", slog.String("error", err.Error()))
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	data := make([]byte, 0, 1+4+len(salt)+len(nonce)+len(ciphertext))
	data = append(data, formatVersion)
	data = binary.BigEndian.AppendUint32(data, uint32(e.iterations))
	data = append(data, salt...)
	data = append(data, nonce...)
	data = append(data, ciphertext...)

	return base64.StdEncoding.EncodeToString(data), nil
}

// Decrypt decrypts a base64-encoded envelope. Values written before a
// secret rotation are retried against each previous secret before the
// operation is reported as failed. Empty input passes through unchanged.
func (e *Engine) Decrypt(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	if !e.enabled {
		return []byte(encoded), nil
	}

	version, iterations, salt, nonce, ciphertext, err := parseEnvelope(encoded)
	if err != nil {
		return nil, err
	}
	if version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrInvalidCiphertext, version)
	}

	e.mu.RLock()
	candidates := make([][]byte, 0, 1+len(e.previous))
	candidates = append(candidates, e.secret)
	candidates = append(candidates, e.previous...)
	e.mu.RUnlock()

	var lastErr error
	for i, secret := range candidates {
		gcm, err := newAEAD(secret, salt, iterations)
		if err != nil {
			lastErr = err
			continue
		}
		plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
		if err == nil {
			if i > 0 {
				e.logger.Debug("decrypted with previous secret", slog.Int("secret_index", i))
			}
			return plaintext, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, lastErr)
}

// EncryptString encrypts a string value.
func (e *Engine) EncryptString(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return e.Encrypt([]byte(plaintext))
}

// DecryptString decrypts a string value.
func (e *Engine) DecryptString(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	plaintext, err := e.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a value is an envelope this engine can open.
// It never returns an error; malformed or foreign values report false.
// Used defensively before writes to avoid double-encrypting a field.
func (e *Engine) IsEncrypted(value string) bool {
	if !e.enabled || value == "" {
		return false
	}
	if _, _, _, _, _, err := parseEnvelope(value); err != nil {
		return false
	}
	_, err := e.Decrypt(value)
	return err == nil
}

// RotateSecret replaces the active secret. The old secret is retained for
// decryption until values are re-encrypted with ReEncrypt.
func (e *Engine) RotateSecret(newSecret string) error {
	if !e.enabled {
		return fmt.Errorf("encryption is not enabled")
	}
	if newSecret == "" {
		return fmt.Errorf("%w: new secret is required", ErrInvalidKey)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.previous = append([][]byte{e.secret}, e.previous...)
	e.secret = []byte(newSecret)

	e.logger.Info("encryption secret rotated",
		slog.Int("previous_secrets_retained", len(e.previous)))

	return nil
}

// ReEncrypt re-encrypts a value with the current secret. The second return
// value reports whether the stored value actually changed secrets; values
// already readable with the current secret are still re-enveloped so the
// salt is refreshed.
func (e *Engine) ReEncrypt(encoded string) (string, bool, error) {
	if !e.enabled || encoded == "" {
		return encoded, false, nil
	}

	rotated := !e.decryptableWithCurrent(encoded)

	plaintext, err := e.Decrypt(encoded)
	if err != nil {
		return "", false, fmt.Errorf("failed to decrypt during re-encryption: %w", err)
	}

	reEncrypted, err := e.Encrypt(plaintext)
	if err != nil {
		return "", false, fmt.Errorf("failed to encrypt during re-encryption: %w", err)
	}

	return reEncrypted, rotated, nil
}

// ReEncryptBatch re-encrypts a batch of values, returning the rewritten
// values and the count that required a secret change. The batch fails on
// the first undecryptable value since losing field data is never acceptable.
func (e *Engine) ReEncryptBatch(values []string) ([]string, int, error) {
	out := make([]string, len(values))
	rotated := 0
	for i, v := range values {
		nv, changed, err := e.ReEncrypt(v)
		if err != nil {
			return nil, rotated, fmt.Errorf("value %d: %w", i, err)
		}
		if changed {
			rotated++
		}
		out[i] = nv
	}
	return out, rotated, nil
}

// PurgePreviousSecrets drops retained old secrets. Values not yet
// re-encrypted become unrecoverable.
func (e *Engine) PurgePreviousSecrets() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	count := len(e.previous)
	e.previous = nil

	e.logger.Warn("purged previous encryption secrets",
		slog.Int("secrets_removed", count))

	return count
}

func (e *Engine) decryptableWithCurrent(encoded string) bool {
	version, iterations, salt, nonce, ciphertext, err := parseEnvelope(encoded)
	if err != nil || version != formatVersion {
		return false
	}

	e.mu.RLock()
	secret := e.secret
	e.mu.RUnlock()

	gcm, err := newAEAD(secret, salt, iterations)
	if err != nil {
		return false
	}
	_, err = gcm.Open(nil, nonce, ciphertext, nil)
	return err == nil
}

func newAEAD(secret, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key(secret, salt, iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func parseEnvelope(encoded string) (version, iterations int, salt, nonce, ciphertext []byte, err error) {
	data, decErr := base64.StdEncoding.DecodeString(encoded)
	if decErr != nil {
		err = fmt.Errorf("%w: invalid base64: %v", ErrInvalidCiphertext, decErr)
		return
	}
	if len(data) < minEnvelopeSize {
		err = fmt.Errorf("%w: data too short", ErrInvalidCiphertext)
		return
	}

	version = int(data[0])
	iterations = int(binary.BigEndian.Uint32(data[1:5]))
	if iterations < 1000 || iterations > maxIterations {
		err = fmt.Errorf("%w: implausible iteration count %d", ErrInvalidCiphertext, iterations)
		return
	}

	salt = data[5 : 5+saltSize]
	nonce = data[5+saltSize : 5+saltSize+gcmNonceSize]
	ciphertext = data[5+saltSize+gcmNonceSize:]
	return
}

// GenerateSecret generates a random 32-byte secret and returns it as base64,
// suitable for seeding the engine through the environment.
func GenerateSecret() (string, error) {
	buf := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
