package cache

import (
	"context"
	"errors"
	"path"
	"strconv"
	"sync"
	"time"
)

// MockClient is an in-memory Client implementation for testing. It
// simulates key expiry against the wall clock, so tests exercise TTL
// behavior with short durations instead of a fake clock.
type MockClient struct {
	mu     sync.RWMutex
	data   map[string][]byte
	sets   map[string]map[string]bool
	expiry map[string]time.Time
	closed bool

	// FailNext forces the next operation to return an error, for
	// exercising degraded-cache paths.
	FailNext error
}

// NewMockClient creates a new in-memory cache client for testing.
func NewMockClient() *MockClient {
	return &MockClient{
		data:   make(map[string][]byte),
		sets:   make(map[string]map[string]bool),
		expiry: make(map[string]time.Time),
	}
}

func (m *MockClient) takeFailure() error {
	if m.closed {
		return errors.New("client closed")
	}
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}
	return nil
}

// expired reports whether a key has an elapsed TTL. Caller holds the lock.
func (m *MockClient) expired(key string) bool {
	exp, ok := m.expiry[key]
	return ok && time.Now().After(exp)
}

func (m *MockClient) purge(key string) {
	delete(m.data, key)
	delete(m.sets, key)
	delete(m.expiry, key)
}

// Set stores a value with TTL.
func (m *MockClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}

	m.data[key] = value
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

// Get retrieves a value.
func (m *MockClient) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	if m.expired(key) {
		m.purge(key)
		return nil, ErrKeyNotFound
	}

	val, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return val, nil
}

// Delete removes keys.
func (m *MockClient) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}

	for _, key := range keys {
		m.purge(key)
	}
	return nil
}

// IncrWithTTL atomically increments a counter, attaching the TTL only when
// the increment created the key.
func (m *MockClient) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return 0, err
	}

	if m.expired(key) {
		m.purge(key)
	}

	var current int64
	if raw, ok := m.data[key]; ok {
		parsed, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, errors.New("value is not an integer")
		}
		current = parsed
	} else if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	}

	current++
	m.data[key] = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

// Expire sets a TTL on a key.
func (m *MockClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}

	m.expiry[key] = time.Now().Add(ttl)
	return nil
}

// TTL returns the remaining lifetime of a key.
func (m *MockClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return 0, err
	}

	if m.expired(key) {
		m.purge(key)
		return 0, ErrKeyNotFound
	}

	_, inData := m.data[key]
	_, inSets := m.sets[key]
	if !inData && !inSets {
		return 0, ErrKeyNotFound
	}

	exp, ok := m.expiry[key]
	if !ok {
		return 0, nil
	}
	return time.Until(exp), nil
}

// Exists checks how many of the given keys exist.
func (m *MockClient) Exists(ctx context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return 0, err
	}

	count := 0
	for _, key := range keys {
		if m.expired(key) {
			m.purge(key)
			continue
		}
		if _, ok := m.data[key]; ok {
			count++
		}
	}
	return count, nil
}

// Keys returns keys matching a glob pattern.
func (m *MockClient) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	var keys []string
	for key := range m.data {
		if m.expired(key) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	for key := range m.sets {
		if _, dup := m.data[key]; dup {
			continue
		}
		if m.expired(key) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// SAdd adds members to a set.
func (m *MockClient) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}

	if m.sets[key] == nil {
		m.sets[key] = make(map[string]bool)
	}
	for _, member := range members {
		m.sets[key][member] = true
	}
	return nil
}

// SMembers returns all members of a set.
func (m *MockClient) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	if m.expired(key) {
		m.purge(key)
		return nil, nil
	}

	set := m.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

// SRem removes members from a set.
func (m *MockClient) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}

	if m.sets[key] == nil {
		return nil
	}
	for _, member := range members {
		delete(m.sets[key], member)
	}
	return nil
}

// Close marks the client as closed.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
