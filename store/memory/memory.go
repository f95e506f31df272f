// Package memory provides the in-process Store backend. It mirrors the
// subscription semantics of the redis backend so the two are interchangeable
// in tests and single-node deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/platformatic/ai-warp-sub000/store"
)

type sessionLog struct {
	entries  []store.HashEntry
	index    map[string]int
	expireAt time.Time
}

// Store is an in-memory Store implementation.
type Store struct {
	mu       sync.RWMutex
	values   map[string][]byte
	sessions map[string]*sessionLog
	channels map[string]*store.Fanout
	logger   *zap.Logger
}

// New creates an in-memory store.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		values:   make(map[string][]byte),
		sessions: make(map[string]*sessionLog),
		channels: make(map[string]*store.Fanout),
		logger:   logger,
	}
}

// ValueGet returns the value at key, or nil when absent.
func (s *Store) ValueGet(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, nil
	}
	return cloned(v), nil
}

// ValueSet stores value at key.
func (s *Store) ValueSet(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = cloned(value)
	return nil
}

// HashSet appends a field to the session log, refreshing its TTL. The entry
// replaces any previous value stored under the same field.
func (s *Store) HashSet(ctx context.Context, session, field string, value []byte, ttl time.Duration, publish bool) error {
	v := cloned(value)

	s.mu.Lock()
	log := s.sessions[session]
	if log == nil || expired(log) {
		log = &sessionLog{index: make(map[string]int)}
		s.sessions[session] = log
	}
	if idx, ok := log.index[field]; ok {
		log.entries[idx].Value = v
	} else {
		log.index[field] = len(log.entries)
		log.entries = append(log.entries, store.HashEntry{Field: field, Value: v})
	}
	if ttl > 0 {
		log.expireAt = time.Now().Add(ttl)
	} else {
		log.expireAt = time.Time{}
	}
	var fan *store.Fanout
	if publish {
		fan = s.channels[session]
	}
	s.mu.Unlock()

	if fan != nil {
		fan.Publish(v)
	}
	return nil
}

// HashGet returns one field of the session log, nil when absent.
func (s *Store) HashGet(ctx context.Context, session, field string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.sessions[session]
	if log == nil || expired(log) {
		return nil, nil
	}
	idx, ok := log.index[field]
	if !ok {
		return nil, nil
	}
	return cloned(log.entries[idx].Value), nil
}

// HashGetAll returns the session log in insertion order.
func (s *Store) HashGetAll(ctx context.Context, session string) ([]store.HashEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.sessions[session]
	if log == nil || expired(log) {
		return nil, nil
	}
	out := make([]store.HashEntry, len(log.entries))
	copy(out, log.entries)
	return out, nil
}

// CreateSubscription ensures the session channel exists. Idempotent.
func (s *Store) CreateSubscription(ctx context.Context, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[session]; !ok {
		s.channels[session] = &store.Fanout{}
	}
	return nil
}

// RemoveSubscription tears down the session channel. Queued events are
// still delivered before subscriber channels close. Idempotent.
func (s *Store) RemoveSubscription(ctx context.Context, session string) error {
	s.mu.Lock()
	fan := s.channels[session]
	delete(s.channels, session)
	s.mu.Unlock()
	if fan != nil {
		fan.Close()
	}
	return nil
}

// Subscribe attaches a new subscriber to the session channel, creating the
// channel if needed.
func (s *Store) Subscribe(ctx context.Context, session string) (<-chan []byte, error) {
	s.mu.Lock()
	fan := s.channels[session]
	if fan == nil {
		fan = &store.Fanout{}
		s.channels[session] = fan
	}
	s.mu.Unlock()
	return fan.Add(), nil
}

// Unsubscribe detaches and closes a subscriber channel.
func (s *Store) Unsubscribe(ctx context.Context, session string, ch <-chan []byte) error {
	s.mu.RLock()
	fan := s.channels[session]
	s.mu.RUnlock()
	if fan != nil {
		fan.Remove(ch)
	}
	return nil
}

// Close drops all state and closes every subscriber channel.
func (s *Store) Close() error {
	s.mu.Lock()
	channels := s.channels
	s.values = make(map[string][]byte)
	s.sessions = make(map[string]*sessionLog)
	s.channels = make(map[string]*store.Fanout)
	s.mu.Unlock()

	for _, fan := range channels {
		fan.Close()
	}
	return nil
}

func expired(log *sessionLog) bool {
	return !log.expireAt.IsZero() && time.Now().After(log.expireAt)
}

func cloned(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
