// Package ratelimit implements fixed-window admission control per model,
// evaluated against the rate-limit counter stored in the model registry.
package ratelimit

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/platformatic/ai-warp-sub000/aierrors"
	"github.com/platformatic/ai-warp-sub000/internal/registry"
)

// Limiter admits requests against per-model fixed windows and persists the
// outcome before the upstream call begins.
type Limiter struct {
	registry *registry.Registry
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a limiter sharing the registry's view of model state.
func New(reg *registry.Registry, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{registry: reg, logger: logger, now: time.Now}
}

// SetClock overrides the limiter clock, for tests.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// Admit evaluates the fixed window of one model at the current time:
//
//   - the window has rolled over: reset to {count: 1, windowStart: now}.
//   - the window is full: refuse with PROVIDER_RATE_LIMIT_ERROR carrying
//     the whole seconds until the window rolls over.
//   - otherwise: increment the counter.
//
// On admission the updated counter is persisted through the registry.
func (l *Limiter) Admit(ctx context.Context, provider, model string, m *registry.Model) error {
	nowMs := l.now().UnixMilli()
	windowMs := m.Settings.RateWindow.Milliseconds()
	rl := m.RateLimit

	switch {
	case nowMs-rl.WindowStart >= windowMs:
		rl = registry.RateLimit{Count: 1, WindowStart: nowMs}
	case rl.Count >= m.Settings.RateMax:
		wait := int(math.Ceil(float64(rl.WindowStart+windowMs-nowMs) / 1000.0))
		if wait < 1 {
			wait = 1
		}
		l.logger.Debug("Rate limit window full",
			zap.String("provider", provider),
			zap.String("model", model),
			zap.Int("count", rl.Count),
			zap.Int("max", m.Settings.RateMax),
			zap.Int("wait_seconds", wait))
		return aierrors.RateLimited(wait)
	default:
		rl.Count++
	}

	if err := l.registry.UpdateRateLimit(ctx, provider, model, rl); err != nil {
		return err
	}
	m.RateLimit = rl
	return nil
}
