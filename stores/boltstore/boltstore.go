// Package boltstore provides a MessageStore persisted in a bbolt file, so
// channel history survives process restarts without an external database.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hubrelay/hubrelay-go/broker"
)

// DefaultRetention is used when Set or AppendList receive a zero TTL.
const DefaultRetention = time.Hour

var bucketName = []byte("hubrelay")

// record is the on-disk format for both scalar values and lists.
type record struct {
	Value     []byte    `json:"value,omitempty"`
	List      []string  `json:"list,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (r *record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Store is a bbolt-backed MessageStore with lazy expiry and a background
// sweep.
type Store struct {
	db        *bolt.DB
	retention time.Duration
	stop      chan struct{}
}

// Option configures the store.
type Option func(*Store)

// WithRetention sets the default TTL applied when callers pass zero.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		s.retention = d
	}
}

// Open opens (or creates) the store file and starts the expiry sweep.
func Open(path string, options ...Option) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %q: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	s := &Store{
		db:        db,
		retention: DefaultRetention,
		stop:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	go s.sweep()
	return s, nil
}

func (s *Store) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.db.Update(func(tx *bolt.Tx) error {
				b := tx.Bucket(bucketName)
				c := b.Cursor()
				for k, v := c.First(); k != nil; k, v = c.Next() {
					var rec record
					if json.Unmarshal(v, &rec) == nil && rec.expired(now) {
						c.Delete()
					}
				}
				return nil
			})
		}
	}
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = s.retention
	}
	return time.Now().Add(ttl)
}

func (s *Store) put(key string, rec record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), buf)
	})
}

func (s *Store) load(key string) (*record, error) {
	var rec *record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("decode record %q: %w", key, err)
		}
		rec = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.expired(time.Now()) {
		return nil, nil
	}
	return rec, nil
}

// Set stores a value under key.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.put(key, record{Value: value, ExpiresAt: s.expiry(ttl)})
}

// Get retrieves a value, treating expired records as missing.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	rec, err := s.load(key)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Value == nil {
		return nil, broker.ErrStoreKeyNotFound
	}
	return rec.Value, nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
}

// AppendList appends to the list under key and refreshes its TTL.
func (s *Store) AppendList(ctx context.Context, key, value string, ttl time.Duration) error {
	expiresAt := s.expiry(ttl)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		var rec record
		if raw := b.Get([]byte(key)); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decode record %q: %w", key, err)
			}
			if rec.expired(time.Now()) {
				rec = record{}
			}
		}
		rec.List = append(rec.List, value)
		rec.ExpiresAt = expiresAt

		buf, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		return b.Put([]byte(key), buf)
	})
}

// GetList returns the list under key, oldest first.
func (s *Store) GetList(ctx context.Context, key string) ([]string, error) {
	rec, err := s.load(key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return rec.List, nil
}

// Close stops the sweep and closes the database file.
func (s *Store) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	return s.db.Close()
}
