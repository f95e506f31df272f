// Package store defines the storage contract the engine depends on: a flat
// key/value space for model state, per-session hashes with TTL for event
// logs, and per-session pub/sub for live fan-out.
package store

import (
	"context"
	"time"
)

// HashEntry is one field of a session hash. Backends that track insertion
// order (the in-memory store) return entries in append order; others return
// them in arbitrary order and consumers sort by event timestamp.
type HashEntry struct {
	Field string
	Value []byte
}

// Store is the capability set the engine requires. Both backends implement
// identical subscription semantics: within one session, subscriber channels
// receive published values in append order, delivery is at-least-once, and
// consumers deduplicate by event id if they need uniqueness.
type Store interface {
	// ValueGet returns the value at key, or nil when the key is absent.
	ValueGet(ctx context.Context, key string) ([]byte, error)
	// ValueSet stores value at key.
	ValueSet(ctx context.Context, key string, value []byte) error

	// HashSet appends a field to the session hash and refreshes the session
	// TTL. When publish is true the value is also delivered to subscribers.
	HashSet(ctx context.Context, session, field string, value []byte, ttl time.Duration, publish bool) error
	// HashGet returns one field of the session hash, nil when absent.
	HashGet(ctx context.Context, session, field string) ([]byte, error)
	// HashGetAll returns every field of the session hash.
	HashGetAll(ctx context.Context, session string) ([]HashEntry, error)

	// CreateSubscription ensures the session's pub/sub channel exists.
	// Calling it for an existing channel is a no-op.
	CreateSubscription(ctx context.Context, session string) error
	// RemoveSubscription tears down the session's pub/sub channel and
	// closes all subscriber channels. Idempotent.
	RemoveSubscription(ctx context.Context, session string) error

	// Subscribe returns a channel receiving values published to the session.
	Subscribe(ctx context.Context, session string) (<-chan []byte, error)
	// Unsubscribe detaches and closes a channel returned by Subscribe.
	Unsubscribe(ctx context.Context, session string, ch <-chan []byte) error

	// Close releases backend resources.
	Close() error
}
