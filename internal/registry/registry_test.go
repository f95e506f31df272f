package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/platformatic/ai-warp-sub000/aierrors"
	"github.com/platformatic/ai-warp-sub000/store/memory"
)

func testSettings() Settings {
	return Settings{
		MaxTokens:  512,
		RateMax:    10,
		RateWindow: 30 * time.Second,
		Restore: RestoreWindows{
			RateLimit:             time.Minute,
			Retry:                 time.Minute,
			Timeout:               time.Minute,
			ProviderCommunication: time.Minute,
			ProviderExceeded:      10 * time.Minute,
		},
	}
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	r := New(memory.New(zap.NewNop()), zap.NewNop())
	clock := newFakeClock()
	r.SetClock(clock.now)
	return r, clock
}

func TestInitSeedsReadyState(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Init(ctx, "openai", "gpt-4o-mini", testSettings()))

	m, err := r.Get(ctx, "openai", "gpt-4o-mini")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, StatusReady, m.State.Status)
	assert.Equal(t, aierrors.ReasonNone, m.State.Reason)
	assert.Equal(t, clock.now().UnixMilli(), m.State.Timestamp)
	assert.Equal(t, 512, m.Settings.MaxTokens)
}

func TestInitRefreshesSettingsOnly(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Init(ctx, "openai", "a", testSettings()))

	// Mark the model errored, then re-init with new settings.
	errState := State{Status: StatusError, Timestamp: clock.now().UnixMilli() + 1, Reason: aierrors.CodeProviderResponse}
	require.NoError(t, r.SetState(ctx, "openai", "a", errState, errState.Timestamp))

	updated := testSettings()
	updated.MaxTokens = 2048
	require.NoError(t, r.Init(ctx, "openai", "a", updated))

	m, err := r.Get(ctx, "openai", "a")
	require.NoError(t, err)
	assert.Equal(t, StatusError, m.State.Status, "init must not reset state")
	assert.Equal(t, 2048, m.Settings.MaxTokens)
}

func TestGetMissingModel(t *testing.T) {
	r, _ := newTestRegistry(t)
	m, err := r.Get(context.Background(), "openai", "unknown")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestSetStateLastWriterWins(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Init(ctx, "openai", "a", testSettings()))

	newer := clock.now().UnixMilli() + 100
	errState := State{Status: StatusError, Timestamp: newer, Reason: aierrors.CodeRequestTimeout}
	require.NoError(t, r.SetState(ctx, "openai", "a", errState, newer))

	m, _ := r.Get(ctx, "openai", "a")
	assert.Equal(t, StatusError, m.State.Status)

	// A write stamped older than the stored state is dropped.
	stale := State{Status: StatusReady, Timestamp: newer - 50, Reason: aierrors.ReasonNone}
	require.NoError(t, r.SetState(ctx, "openai", "a", stale, newer-50))

	m, _ = r.Get(ctx, "openai", "a")
	assert.Equal(t, StatusError, m.State.Status)
	assert.Equal(t, aierrors.CodeRequestTimeout, m.State.Reason)
}

func TestSetStateRestoreOverridesTimestamp(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Init(ctx, "openai", "a", testSettings()))

	errTs := clock.now().UnixMilli() + 100
	errState := State{Status: StatusError, Timestamp: errTs, Reason: aierrors.CodeRequestTimeout}
	require.NoError(t, r.SetState(ctx, "openai", "a", errState, errTs))

	// Before the restore window, an older ready write is still rejected.
	stale := State{Status: StatusReady, Timestamp: errTs - 1, Reason: aierrors.ReasonNone}
	require.NoError(t, r.SetState(ctx, "openai", "a", stale, errTs-1))
	m, _ := r.Get(ctx, "openai", "a")
	assert.Equal(t, StatusError, m.State.Status)

	// Past the restore window, the error-to-ready transition is allowed even
	// with an older operation timestamp.
	clock.advance(2 * time.Minute)
	require.NoError(t, r.SetState(ctx, "openai", "a", stale, errTs-1))
	m, _ = r.Get(ctx, "openai", "a")
	assert.Equal(t, StatusReady, m.State.Status)
}

func TestRestorableBuckets(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()

	settings := testSettings()
	require.NoError(t, r.Init(ctx, "openai", "a", settings))

	tests := []struct {
		reason string
		window time.Duration
	}{
		{aierrors.CodeRateLimit, settings.Restore.RateLimit},
		{aierrors.CodeRequestTimeout, settings.Restore.Timeout},
		{aierrors.CodeStreamTimeout, settings.Restore.Timeout},
		{aierrors.CodeProviderResponse, settings.Restore.ProviderCommunication},
		{aierrors.CodeExceededQuota, settings.Restore.ProviderExceeded},
	}
	for _, tc := range tests {
		t.Run(tc.reason, func(t *testing.T) {
			m := &Model{
				State: State{
					Status:    StatusError,
					Timestamp: clock.now().UnixMilli(),
					Reason:    tc.reason,
				},
				Settings: settings,
			}
			assert.False(t, r.Restorable(m), "inside the window")

			m.State.Timestamp = clock.now().Add(-tc.window - time.Millisecond).UnixMilli()
			assert.True(t, r.Restorable(m), "past the window")
		})
	}
}

func TestMaxTokensNeverAutoRestores(t *testing.T) {
	r, clock := newTestRegistry(t)
	m := &Model{
		State: State{
			Status:    StatusError,
			Timestamp: clock.now().Add(-24 * time.Hour).UnixMilli(),
			Reason:    aierrors.CodeProviderMaxTokens,
		},
		Settings: testSettings(),
	}
	assert.False(t, r.Restorable(m))
}

func TestReadyModelNotRestorable(t *testing.T) {
	r, _ := newTestRegistry(t)
	m := &Model{State: State{Status: StatusReady}, Settings: testSettings()}
	assert.False(t, r.Restorable(m))
}

func TestUpdateRateLimit(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Init(ctx, "openai", "a", testSettings()))

	rl := RateLimit{Count: 3, WindowStart: clock.now().UnixMilli()}
	require.NoError(t, r.UpdateRateLimit(ctx, "openai", "a", rl))

	m, err := r.Get(ctx, "openai", "a")
	require.NoError(t, err)
	assert.Equal(t, rl, m.RateLimit)
	assert.Equal(t, StatusReady, m.State.Status, "rate limit update must not touch state")

	err = r.UpdateRateLimit(ctx, "openai", "missing", rl)
	assert.Error(t, err)
}
