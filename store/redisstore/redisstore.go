// Package redisstore provides the distributed Store backend on Redis (or
// any protocol-compatible server such as Valkey). Session logs live in
// hashes with a TTL refreshed on every append; live fan-out uses Redis
// pub/sub, one channel per session.
package redisstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/platformatic/ai-warp-sub000/aierrors"
	"github.com/platformatic/ai-warp-sub000/store"
)

// Options configures the redis store.
type Options struct {
	// Addr is the host:port of the server.
	Addr string
	// Password is optional.
	Password string
	// DB selects the logical database.
	DB int
	// Client overrides Addr/Password/DB with a preconfigured client.
	Client *redis.Client
}

// subscription is one session's redis pub/sub channel plus its local
// fan-out to subscriber channels.
type subscription struct {
	pubsub *redis.PubSub
	fan    *store.Fanout
}

// Store is a redis-backed Store implementation.
type Store struct {
	client *redis.Client
	logger *zap.Logger

	mu            sync.Mutex
	subscriptions map[string]*subscription
}

// New creates a redis store and verifies connectivity.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:         opts.Addr,
			Password:     opts.Password,
			DB:           opts.DB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, aierrors.Wrap(aierrors.CodeStorageGet, "failed to connect to redis", err)
	}
	return &Store{
		client:        client,
		logger:        logger,
		subscriptions: make(map[string]*subscription),
	}, nil
}

// ValueGet returns the value at key, nil when absent.
func (s *Store) ValueGet(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, aierrors.Wrap(aierrors.CodeStorageGet, "failed to get value", err)
	}
	return v, nil
}

// ValueSet stores value at key without expiration.
func (s *Store) ValueSet(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return aierrors.Wrap(aierrors.CodeStorageSet, "failed to set value", err)
	}
	return nil
}

// HashSet appends a field to the session hash, refreshes the session TTL and
// optionally publishes the value to the session channel. A side list records
// the field's first insertion position so reads can reproduce append order.
func (s *Store) HashSet(ctx context.Context, session, field string, value []byte, ttl time.Duration, publish bool) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, hashKey(session), field, value)
	pipe.RPush(ctx, orderKey(session), field)
	if ttl > 0 {
		pipe.PExpire(ctx, hashKey(session), ttl)
		pipe.PExpire(ctx, orderKey(session), ttl)
	}
	if publish {
		pipe.Publish(ctx, channelKey(session), value)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return aierrors.Wrap(aierrors.CodeStorageSet, "failed to append session event", err)
	}
	return nil
}

// HashGet returns one field of the session hash, nil when absent.
func (s *Store) HashGet(ctx context.Context, session, field string) ([]byte, error) {
	v, err := s.client.HGet(ctx, hashKey(session), field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, aierrors.Wrap(aierrors.CodeStorageGet, "failed to get session event", err)
	}
	return v, nil
}

// HashGetAll returns every field of the session hash in insertion order.
// HGETALL alone returns fields in arbitrary map order, so the order list
// written by HashSet drives the result; a field rewritten in place keeps its
// original position (the list may carry later duplicates, skipped here).
func (s *Store) HashGetAll(ctx context.Context, session string) ([]store.HashEntry, error) {
	pipe := s.client.TxPipeline()
	all := pipe.HGetAll(ctx, hashKey(session))
	order := pipe.LRange(ctx, orderKey(session), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, aierrors.Wrap(aierrors.CodeStorageGet, "failed to load session events", err)
	}
	m := all.Val()
	entries := make([]store.HashEntry, 0, len(m))
	seen := make(map[string]struct{}, len(m))
	for _, field := range order.Val() {
		if _, dup := seen[field]; dup {
			continue
		}
		value, ok := m[field]
		if !ok {
			continue
		}
		seen[field] = struct{}{}
		entries = append(entries, store.HashEntry{Field: field, Value: []byte(value)})
	}
	for field, value := range m {
		if _, ok := seen[field]; ok {
			continue
		}
		entries = append(entries, store.HashEntry{Field: field, Value: []byte(value)})
	}
	return entries, nil
}

// CreateSubscription opens the session's pub/sub channel. Idempotent.
func (s *Store) CreateSubscription(ctx context.Context, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createSubscriptionLocked(ctx, session)
}

func (s *Store) createSubscriptionLocked(ctx context.Context, session string) error {
	if _, ok := s.subscriptions[session]; ok {
		return nil
	}
	pubsub := s.client.Subscribe(ctx, channelKey(session))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return aierrors.Wrap(aierrors.CodeStorageSubscribe, "failed to subscribe to session channel", err)
	}
	sub := &subscription{pubsub: pubsub, fan: &store.Fanout{}}
	s.subscriptions[session] = sub
	go s.pump(session, sub)
	return nil
}

// RemoveSubscription closes the session channel. Queued events are still
// delivered before subscriber channels close. Idempotent.
func (s *Store) RemoveSubscription(ctx context.Context, session string) error {
	s.mu.Lock()
	sub := s.subscriptions[session]
	delete(s.subscriptions, session)
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.pubsub.Close(); err != nil {
		return aierrors.Wrap(aierrors.CodeStorageClose, "failed to close session channel", err)
	}
	return nil
}

// Subscribe attaches a subscriber to the session channel, creating the
// channel if needed.
func (s *Store) Subscribe(ctx context.Context, session string) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.createSubscriptionLocked(ctx, session); err != nil {
		return nil, err
	}
	return s.subscriptions[session].fan.Add(), nil
}

// Unsubscribe detaches and closes a subscriber channel.
func (s *Store) Unsubscribe(ctx context.Context, session string, ch <-chan []byte) error {
	s.mu.Lock()
	sub := s.subscriptions[session]
	s.mu.Unlock()
	if sub != nil {
		sub.fan.Remove(ch)
	}
	return nil
}

// Close tears down all subscriptions and the client connection.
func (s *Store) Close() error {
	s.mu.Lock()
	subs := s.subscriptions
	s.subscriptions = make(map[string]*subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.pubsub.Close()
	}
	if err := s.client.Close(); err != nil {
		return aierrors.Wrap(aierrors.CodeStorageClose, "failed to close redis client", err)
	}
	return nil
}

// pump forwards messages from the redis channel into the local fan-out
// until the pub/sub connection is closed. Per-channel publish order is
// preserved by redis and by the fan-out.
func (s *Store) pump(session string, sub *subscription) {
	for msg := range sub.pubsub.Channel() {
		sub.fan.Publish([]byte(msg.Payload))
	}
	sub.fan.Close()
	s.logger.Debug("Session channel closed", zap.String("session_id", session))
}

func hashKey(session string) string    { return "session:" + session }
func orderKey(session string) string   { return "session-order:" + session }
func channelKey(session string) string { return "session-events:" + session }
