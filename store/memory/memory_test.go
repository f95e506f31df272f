package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/platformatic/ai-warp-sub000/store"
)

func TestValueRoundTrip(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()

	got, err := s.ValueGet(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.ValueSet(ctx, "k", []byte("v")))
	got, err = s.ValueGet(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestHashInsertionOrder(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.HashSet(ctx, "sess", "a", []byte("1"), 0, false))
	require.NoError(t, s.HashSet(ctx, "sess", "b", []byte("2"), 0, false))
	require.NoError(t, s.HashSet(ctx, "sess", "c", []byte("3"), 0, false))

	entries, err := s.HashGetAll(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []store.HashEntry{
		{Field: "a", Value: []byte("1")},
		{Field: "b", Value: []byte("2")},
		{Field: "c", Value: []byte("3")},
	}, entries)
}

func TestHashSetReplacesFieldInPlace(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.HashSet(ctx, "sess", "a", []byte("old"), 0, false))
	require.NoError(t, s.HashSet(ctx, "sess", "b", []byte("x"), 0, false))
	require.NoError(t, s.HashSet(ctx, "sess", "a", []byte("new"), 0, false))

	entries, err := s.HashGetAll(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Field)
	assert.Equal(t, []byte("new"), entries[0].Value)

	v, err := s.HashGet(ctx, "sess", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
}

func TestSessionExpiry(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.HashSet(ctx, "sess", "a", []byte("1"), 20*time.Millisecond, false))
	time.Sleep(50 * time.Millisecond)

	entries, err := s.HashGetAll(ctx, "sess")
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestAppendRefreshesTTL(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.HashSet(ctx, "sess", "a", []byte("1"), 60*time.Millisecond, false))
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, s.HashSet(ctx, "sess", "b", []byte("2"), 60*time.Millisecond, false))
	time.Sleep(40 * time.Millisecond)

	// The second append pushed the expiry out past the first deadline.
	entries, err := s.HashGetAll(ctx, "sess")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestPublishReachesSubscribers(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()

	ch, err := s.Subscribe(ctx, "sess")
	require.NoError(t, err)

	require.NoError(t, s.HashSet(ctx, "sess", "a", []byte("published"), 0, true))
	require.NoError(t, s.HashSet(ctx, "sess", "b", []byte("silent"), 0, false))

	select {
	case v := <-ch:
		assert.Equal(t, []byte("published"), v)
	case <-time.After(time.Second):
		t.Fatal("published event not delivered")
	}

	select {
	case v := <-ch:
		t.Fatalf("unexpected delivery: %q", v)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s.Unsubscribe(ctx, "sess", ch))
}

func TestRemoveSubscriptionClosesSubscribers(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.CreateSubscription(ctx, "sess"))
	ch, err := s.Subscribe(ctx, "sess")
	require.NoError(t, err)

	require.NoError(t, s.HashSet(ctx, "sess", "a", []byte("before close"), 0, true))
	require.NoError(t, s.RemoveSubscription(ctx, "sess"))

	// The queued event arrives, then the channel closes.
	select {
	case v, ok := <-ch:
		require.True(t, ok)
		assert.Equal(t, []byte("before close"), v)
	case <-time.After(time.Second):
		t.Fatal("queued event not delivered before close")
	}
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel did not close")
	}

	// Removing again is a no-op.
	require.NoError(t, s.RemoveSubscription(ctx, "sess"))
}

func TestCloseDropsEverything(t *testing.T) {
	s := New(zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.ValueSet(ctx, "k", []byte("v")))
	ch, err := s.Subscribe(ctx, "sess")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	v, err := s.ValueGet(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, v)

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel did not close on store close")
	}
}
