// Package registry tracks per-(provider,model) state in the store: status,
// rate-limit window, last error reason and the restore timers that govern
// when an errored model may be reconsidered.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/platformatic/ai-warp-sub000/aierrors"
	"github.com/platformatic/ai-warp-sub000/store"
)

// Status values of a model.
const (
	StatusReady = "ready"
	StatusError = "error"
)

// State is the availability of a model at Timestamp (ms since epoch).
// Reason is an error code, or aierrors.ReasonNone when Status is ready.
type State struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason"`
}

// RateLimit is the fixed-window admission counter of a model.
type RateLimit struct {
	Count       int   `json:"count"`
	WindowStart int64 `json:"windowStart"`
}

// RestoreWindows are the minimum delays before an errored model is
// reconsidered, indexed by the failure reason's bucket.
type RestoreWindows struct {
	RateLimit             time.Duration `json:"rateLimit"`
	Retry                 time.Duration `json:"retry"`
	Timeout               time.Duration `json:"timeout"`
	ProviderCommunication time.Duration `json:"providerCommunicationError"`
	ProviderExceeded      time.Duration `json:"providerExceededError"`
}

// Settings are the static knobs of a model.
type Settings struct {
	MaxTokens  int            `json:"maxTokens,omitempty"`
	RateMax    int            `json:"rateMax"`
	RateWindow time.Duration  `json:"rateWindow"`
	Restore    RestoreWindows `json:"restore"`
}

// Model is the full stored record of one (provider,model) pair.
type Model struct {
	RateLimit RateLimit `json:"rateLimit"`
	State     State     `json:"state"`
	Settings  Settings  `json:"settings"`
}

// Registry reads and writes model records through the store. Updates are
// read-modify-write with last-writer-wins by operation timestamp; the soft
// race between concurrent writers is accepted, no cross-process locks.
type Registry struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

// New creates a registry.
func New(st store.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: st, logger: logger, now: time.Now}
}

// SetClock overrides the registry clock, for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time { return r.now() }

// Key returns the store key of a model record.
func Key(provider, model string) string {
	return fmt.Sprintf("model:%s:%s", provider, model)
}

// Get loads a model record, or nil when none is stored.
func (r *Registry) Get(ctx context.Context, provider, model string) (*Model, error) {
	raw, err := r.store.ValueGet(ctx, Key(provider, model))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var m Model
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, aierrors.Wrap(aierrors.CodeStorageGet, "failed to decode model state", err)
	}
	return &m, nil
}

// Init seeds a ready record for a model unless one already exists, in which
// case only the settings are refreshed.
func (r *Registry) Init(ctx context.Context, provider, model string, settings Settings) error {
	existing, err := r.Get(ctx, provider, model)
	if err != nil {
		return err
	}
	if existing != nil {
		existing.Settings = settings
		return r.put(ctx, provider, model, existing)
	}
	m := &Model{
		State: State{
			Status:    StatusReady,
			Timestamp: r.now().UnixMilli(),
			Reason:    aierrors.ReasonNone,
		},
		Settings: settings,
	}
	return r.put(ctx, provider, model, m)
}

// SetState applies a state transition stamped with opTimestamp (ms):
//
//  1. no stored state, or stored timestamp older than opTimestamp: write.
//  2. new state is ready, stored is error, and the stored reason's restore
//     window has elapsed: write.
//  3. otherwise: no-op.
func (r *Registry) SetState(ctx context.Context, provider, model string, state State, opTimestamp int64) error {
	m, err := r.Get(ctx, provider, model)
	if err != nil {
		return err
	}
	if m == nil {
		m = &Model{}
	}

	switch {
	case m.State.Timestamp == 0 || m.State.Timestamp < opTimestamp:
	case state.Status == StatusReady && m.State.Status == StatusError && r.Restorable(m):
	default:
		r.logger.Debug("Skipping stale model state update",
			zap.String("provider", provider),
			zap.String("model", model),
			zap.Int64("op_timestamp", opTimestamp),
			zap.Int64("stored_timestamp", m.State.Timestamp))
		return nil
	}

	m.State = state
	if err := r.put(ctx, provider, model, m); err != nil {
		return err
	}
	r.logger.Debug("Updated model state",
		zap.String("provider", provider),
		zap.String("model", model),
		zap.String("status", state.Status),
		zap.String("reason", state.Reason))
	return nil
}

// UpdateRateLimit writes only the rate-limit counter of a model record.
// The surrounding record is read-modify-written; windows may drift by at
// most one admission under contention.
func (r *Registry) UpdateRateLimit(ctx context.Context, provider, model string, rl RateLimit) error {
	m, err := r.Get(ctx, provider, model)
	if err != nil {
		return err
	}
	if m == nil {
		return aierrors.Newf(aierrors.CodeStorageGet, "no state for model %s:%s", provider, model)
	}
	m.RateLimit = rl
	return r.put(ctx, provider, model, m)
}

// Restorable reports whether an errored model is past the restore window
// of its failure reason at the current time. Reasons without a restore
// bucket (MAX_TOKENS) are never restorable automatically.
func (r *Registry) Restorable(m *Model) bool {
	if m.State.Status != StatusError {
		return false
	}
	delay, ok := restoreDelay(m.Settings.Restore, m.State.Reason)
	if !ok {
		return false
	}
	return m.State.Timestamp+delay.Milliseconds() < r.now().UnixMilli()
}

func restoreDelay(w RestoreWindows, reason string) (time.Duration, bool) {
	switch aierrors.RestoreBucketFor(reason) {
	case aierrors.BucketRateLimit:
		return w.RateLimit, true
	case aierrors.BucketRetry:
		return w.Retry, true
	case aierrors.BucketTimeout:
		return w.Timeout, true
	case aierrors.BucketCommError:
		return w.ProviderCommunication, true
	case aierrors.BucketExceededError:
		return w.ProviderExceeded, true
	default:
		return 0, false
	}
}

func (r *Registry) put(ctx context.Context, provider, model string, m *Model) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return aierrors.Wrap(aierrors.CodeStorageSet, "failed to encode model state", err)
	}
	return r.store.ValueSet(ctx, Key(provider, model), raw)
}
