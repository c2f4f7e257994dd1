// Package memstore provides an in-memory MessageStore with TTL expiry,
// suitable for tests and single-process deployments.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/hubrelay/hubrelay-go/broker"
)

// DefaultRetention is used when Set or AppendList receive a zero TTL.
const DefaultRetention = time.Hour

type entry struct {
	value     []byte
	list      []string
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is a mutex-guarded map with lazy expiry plus a background sweep.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	retention time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
}

// Option configures the store.
type Option func(*Store)

// WithRetention sets the default TTL applied when callers pass zero.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		s.retention = d
	}
}

// New creates a store and starts its expiry sweep.
func New(options ...Option) *Store {
	s := &Store{
		entries:   make(map[string]*entry),
		retention: DefaultRetention,
		stop:      make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	go s.sweep()
	return s
}

func (s *Store) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for key, e := range s.entries {
				if e.expired(now) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Store) ttlOrDefault(ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = s.retention
	}
	return time.Now().Add(ttl)
}

// Set stores a value under key.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, len(value))
	copy(buf, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &entry{value: buf, expiresAt: s.ttlOrDefault(ttl)}
	return nil
}

// Get retrieves a value, treating expired entries as missing.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || e.expired(time.Now()) || e.value == nil {
		return nil, broker.ErrStoreKeyNotFound
	}

	buf := make([]byte, len(e.value))
	copy(buf, e.value)
	return buf, nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// AppendList appends to the list under key and refreshes its TTL.
func (s *Store) AppendList(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		e = &entry{}
		s.entries[key] = e
	}
	e.list = append(e.list, value)
	e.expiresAt = s.ttlOrDefault(ttl)
	return nil
}

// GetList returns the list under key, oldest first.
func (s *Store) GetList(ctx context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil, nil
	}
	out := make([]string, len(e.list))
	copy(out, e.list)
	return out, nil
}

// Close stops the expiry sweep.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.mu.Lock()
	s.closed = true
	s.entries = make(map[string]*entry)
	s.mu.Unlock()
	return nil
}
