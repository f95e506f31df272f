package redisstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(context.Background(), Options{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestNewFailsWithoutServer(t *testing.T) {
	_, err := New(context.Background(), Options{Addr: "127.0.0.1:1"}, zap.NewNop())
	assert.Error(t, err)
}

func TestValueRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v, err := s.ValueGet(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.ValueSet(ctx, "model:openai:gpt-4o-mini", []byte(`{"state":1}`)))
	v, err = s.ValueGet(ctx, "model:openai:gpt-4o-mini")
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":1}`, string(v))
}

func TestHashSetAndGetAll(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HashSet(ctx, "sess", "ev1", []byte("one"), time.Minute, false))
	require.NoError(t, s.HashSet(ctx, "sess", "ev2", []byte("two"), time.Minute, false))

	entries, err := s.HashGetAll(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ev1", entries[0].Field)
	assert.Equal(t, "one", string(entries[0].Value))
	assert.Equal(t, "ev2", entries[1].Field)
	assert.Equal(t, "two", string(entries[1].Value))

	// TTL landed on the hash key and the order list.
	assert.Greater(t, mr.TTL("session:sess"), time.Duration(0))
	assert.Greater(t, mr.TTL("session-order:sess"), time.Duration(0))

	v, err := s.HashGet(ctx, "sess", "ev1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	v, err = s.HashGet(ctx, "sess", "nope")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestHashGetAllPreservesInsertionOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	want := make([]string, 0, 16)
	for i := 0; i < 16; i++ {
		field := fmt.Sprintf("id-%02d", i)
		want = append(want, field)
		require.NoError(t, s.HashSet(ctx, "sess", field, []byte(field), time.Minute, false))
	}

	entries, err := s.HashGetAll(ctx, "sess")
	require.NoError(t, err)
	got := make([]string, 0, len(entries))
	for _, e := range entries {
		got = append(got, e.Field)
	}
	assert.Equal(t, want, got)
}

func TestHashSetReplaceKeepsPosition(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HashSet(ctx, "sess", "ev1", []byte("one"), time.Minute, false))
	require.NoError(t, s.HashSet(ctx, "sess", "ev2", []byte("two"), time.Minute, false))
	require.NoError(t, s.HashSet(ctx, "sess", "ev1", []byte("rewritten"), time.Minute, false))

	entries, err := s.HashGetAll(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ev1", entries[0].Field)
	assert.Equal(t, "rewritten", string(entries[0].Value))
	assert.Equal(t, "ev2", entries[1].Field)
}

func TestHashTTLExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HashSet(ctx, "sess", "ev1", []byte("one"), 50*time.Millisecond, false))
	mr.FastForward(time.Second)

	entries, err := s.HashGetAll(ctx, "sess")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPublishReachesSubscribers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ch, err := s.Subscribe(ctx, "sess")
	require.NoError(t, err)

	require.NoError(t, s.HashSet(ctx, "sess", "ev1", []byte("published"), time.Minute, true))

	select {
	case v := <-ch:
		assert.Equal(t, []byte("published"), v)
	case <-time.After(2 * time.Second):
		t.Fatal("published event not delivered")
	}

	require.NoError(t, s.Unsubscribe(ctx, "sess", ch))
	require.NoError(t, s.RemoveSubscription(ctx, "sess"))
}

func TestUnpublishedAppendStaysSilent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ch, err := s.Subscribe(ctx, "sess")
	require.NoError(t, err)

	require.NoError(t, s.HashSet(ctx, "sess", "ev1", []byte("quiet"), time.Minute, false))

	select {
	case v := <-ch:
		t.Fatalf("unexpected delivery: %q", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemoveSubscriptionClosesSubscribers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSubscription(ctx, "sess"))
	ch, err := s.Subscribe(ctx, "sess")
	require.NoError(t, err)

	require.NoError(t, s.RemoveSubscription(ctx, "sess"))

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber channel did not close")
	}

	// Removing a session that has no subscription is a no-op.
	require.NoError(t, s.RemoveSubscription(ctx, "other"))
}
