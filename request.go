package aiwarp

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/platformatic/ai-warp-sub000/aierrors"
	"github.com/platformatic/ai-warp-sub000/internal/history"
	"github.com/platformatic/ai-warp-sub000/internal/metrics"
	"github.com/platformatic/ai-warp-sub000/internal/registry"
	"github.com/platformatic/ai-warp-sub000/internal/timeout"
	"github.com/platformatic/ai-warp-sub000/provider"
	"github.com/platformatic/ai-warp-sub000/sse"
)

// Stream response types for resumed streams.
const (
	StreamResponseContent = "content"
	StreamResponseSession = "session"
)

// Request is one prompt dispatch.
type Request struct {
	// Prompt is the user prompt. May be empty only on a resume request.
	Prompt string
	// Models restricts and orders the candidate models for this request,
	// as "provider:model" pairs or bare model names. Empty means all
	// configured models in configuration order.
	Models []string
	// Options tunes the request.
	Options RequestOptions
}

// RequestOptions are the per-request knobs.
type RequestOptions struct {
	// Context is a system instruction passed to the provider.
	Context string
	// Temperature is passed through to the provider when non-nil.
	Temperature *float64
	// MaxTokens caps the response; model and engine limits take precedence.
	MaxTokens int
	// Stream requests a streamed response.
	Stream bool
	// SessionID continues an existing session. Mutually exclusive with
	// History.
	SessionID string
	// History is inline chat history passed verbatim to the provider.
	// Mutually exclusive with SessionID.
	History []provider.Message
	// ResumeEventID anchors a resume. Requires SessionID and Stream.
	ResumeEventID string
	// StreamResponseType selects what a resumed stream delivers, content
	// (default) or session.
	StreamResponseType string
	// OnStreamChunk transforms every streamed content chunk when non-nil.
	OnStreamChunk func(chunk string) string
}

// Response is the outcome of a request. Non-streaming requests populate
// Text and Result; streaming requests populate Stream. SessionID is always
// set.
type Response struct {
	Text      string
	Result    string
	SessionID string
	Stream    *ResponseStream
}

// callState tracks candidates, exclusions and the shared retry budget of
// one request.
type callState struct {
	candidates []modelConfig
	skip       map[string]struct{}
	attempts   int
}

// Request dispatches a prompt. Streaming requests return as soon as the
// response stream exists; the provider work continues in the background.
func (e *Engine) Request(ctx context.Context, req *Request) (*Response, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	opts := req.Options

	if opts.SessionID != "" && len(opts.History) > 0 {
		return nil, aierrors.New(aierrors.CodeOption, "history and sessionId are mutually exclusive")
	}
	if opts.ResumeEventID != "" && opts.SessionID == "" {
		return nil, aierrors.New(aierrors.CodeOption, "resumeEventId requires sessionId")
	}
	if opts.ResumeEventID != "" && !opts.Stream {
		return nil, aierrors.New(aierrors.CodeOption, "resumeEventId requires stream")
	}
	if req.Prompt == "" && opts.ResumeEventID == "" {
		return nil, aierrors.New(aierrors.CodeOption, "prompt is required")
	}
	switch opts.StreamResponseType {
	case "", StreamResponseContent, StreamResponseSession:
	default:
		return nil, aierrors.Newf(aierrors.CodeOption, "unknown streamResponseType %q", opts.StreamResponseType)
	}

	cs, err := e.newCallState(req.Models)
	if err != nil {
		return nil, err
	}

	sessionID := opts.SessionID
	chat := opts.History
	promptEventID := ""
	var sessionEvents []*sse.Event

	if sessionID != "" {
		events, err := e.history.Range(ctx, sessionID)
		if err != nil {
			return nil, aierrors.Wrap(aierrors.CodeHistoryGet, "failed to load session history", err)
		}
		if len(events) == 0 {
			return nil, aierrors.Newf(aierrors.CodeHistoryGet, "session %s not found", sessionID)
		}
		sessionEvents = events
		chat = history.Pairs(history.Compact(events))
		promptEventID = history.PromptEventID(events)
	} else {
		sessionID = uuid.NewString()
		metrics.SessionsCreated.Inc()
	}

	popts := provider.Options{
		Context:       opts.Context,
		History:       chat,
		Temperature:   opts.Temperature,
		Stream:        opts.Stream,
		MaxTokens:     opts.MaxTokens,
		OnStreamChunk: opts.OnStreamChunk,
	}
	if popts.MaxTokens == 0 {
		popts.MaxTokens = e.limits.maxTokens
	}

	if opts.Stream {
		return e.startStream(ctx, req, cs, sessionID, promptEventID, sessionEvents, popts)
	}
	return e.requestContent(ctx, req.Prompt, cs, sessionID, promptEventID, popts)
}

// newCallState resolves the candidate list. Every requested name must be a
// configured model.
func (e *Engine) newCallState(names []string) (*callState, error) {
	cs := &callState{skip: make(map[string]struct{})}
	if len(names) == 0 {
		cs.candidates = e.models
		return cs, nil
	}
	for _, name := range names {
		cfg, ok := e.lookupModel(name)
		if !ok {
			return nil, aierrors.Newf(aierrors.CodeOption, "model %s is not configured", name)
		}
		cs.candidates = append(cs.candidates, cfg)
	}
	return cs, nil
}

func (e *Engine) lookupModel(name string) (modelConfig, bool) {
	if cfg, ok := e.byKey[name]; ok {
		return cfg, true
	}
	cfg, ok := e.byName[name]
	return cfg, ok
}

// requestContent runs the non-streaming path and appends the exchange to
// history.
func (e *Engine) requestContent(ctx context.Context, prompt string, cs *callState, sessionID, promptEventID string, popts provider.Options) (*Response, error) {
	start := time.Now()
	resp, sel, err := e.execute(ctx, cs, prompt, popts)
	if err != nil {
		return nil, err
	}
	metrics.RequestDuration.WithLabelValues(sel.provider, sel.name).Observe(time.Since(start).Seconds())

	content := resp.Content
	if content == nil {
		if resp.Stream != nil {
			_ = resp.Stream.Close()
		}
		return nil, aierrors.New(aierrors.CodeProviderResponse, "provider returned no content response")
	}

	e.appendExchange(ctx, sessionID, promptEventID, prompt, content)

	return &Response{
		Text:      content.Text,
		Result:    content.Result,
		SessionID: sessionID,
	}, nil
}

// appendExchange records prompt, response and end events. Writes are best
// effort; failures are logged and do not fail the request.
func (e *Engine) appendExchange(ctx context.Context, sessionID, promptEventID, prompt string, content *provider.ContentResponse) {
	promptEvent := sse.NewPrompt(prompt)
	if promptEventID != "" {
		promptEvent.ID = promptEventID
	}
	if err := e.history.Push(ctx, sessionID, promptEvent, false); err != nil {
		e.logger.Warn("Failed to record prompt event", zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := e.history.Push(ctx, sessionID, sse.NewContent(content.Text), true); err != nil {
		e.logger.Warn("Failed to record response event", zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := e.history.Push(ctx, sessionID, sse.NewEnd(content.Result), true); err != nil {
		e.logger.Warn("Failed to record end event", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// execute drives the retry and fallback loop until a provider responds,
// the candidates are exhausted or a non-recoverable error occurs.
func (e *Engine) execute(ctx context.Context, cs *callState, prompt string, popts provider.Options) (*provider.Response, *modelConfig, error) {
	sel, state, err := e.selectModel(ctx, cs)
	if err != nil {
		return nil, nil, err
	}
	for {
		resp, err := e.callModel(ctx, cs, sel, state, prompt, popts)
		if err == nil {
			metrics.RequestsTotal.WithLabelValues(sel.provider, sel.name, "success").Inc()
			return resp, &sel, nil
		}
		metrics.RequestsTotal.WithLabelValues(sel.provider, sel.name, "error").Inc()
		if !aierrors.StateUpdating(err) {
			return nil, nil, err
		}

		e.markModelError(ctx, sel, err)
		cs.skip[sel.key()] = struct{}{}
		metrics.FallbacksTotal.WithLabelValues(sel.provider, sel.name, aierrors.CodeOf(err)).Inc()

		next, nextState, serr := e.selectModel(ctx, cs)
		if serr != nil {
			// Candidates exhausted: the last provider error wins.
			return nil, nil, err
		}
		e.logger.Info("Falling back to next model",
			zap.String("from", sel.key()),
			zap.String("to", next.key()),
			zap.String("reason", aierrors.CodeOf(err)))
		sel, state = next, nextState
	}
}

// selectModel picks the first usable candidate in order. Errored models past
// their restore window are optimistically marked ready and selected.
func (e *Engine) selectModel(ctx context.Context, cs *callState) (modelConfig, *registry.Model, error) {
	for _, cfg := range cs.candidates {
		if _, skipped := cs.skip[cfg.key()]; skipped {
			continue
		}
		m, err := e.registry.Get(ctx, cfg.provider, cfg.name)
		if err != nil {
			e.logger.Warn("Failed to load model state",
				zap.String("model", cfg.key()), zap.Error(err))
			continue
		}
		if m == nil {
			continue
		}
		switch {
		case m.State.Status == registry.StatusReady:
			return cfg, m, nil
		case e.registry.Restorable(m):
			nowMs := e.registry.Now().UnixMilli()
			ready := registry.State{Status: registry.StatusReady, Timestamp: nowMs, Reason: aierrors.ReasonNone}
			if err := e.registry.SetState(ctx, cfg.provider, cfg.name, ready, nowMs); err != nil {
				e.logger.Warn("Failed to restore model",
					zap.String("model", cfg.key()), zap.Error(err))
				continue
			}
			m.State = ready
			e.logger.Info("Restored model", zap.String("model", cfg.key()))
			return cfg, m, nil
		}
	}
	return modelConfig{}, nil, aierrors.New(aierrors.CodeNoModelsAvailable, "no models available")
}

// callModel performs admission and the provider call, retrying transient
// provider errors in place against the same model.
func (e *Engine) callModel(ctx context.Context, cs *callState, sel modelConfig, state *registry.Model, prompt string, popts provider.Options) (*provider.Response, error) {
	if state.Settings.MaxTokens > 0 {
		popts.MaxTokens = state.Settings.MaxTokens
	}
	adapter := e.adapters[sel.provider]

	for {
		if err := e.limiter.Admit(ctx, sel.provider, sel.name, state); err != nil {
			if aierrors.CodeOf(err) == aierrors.CodeRateLimit {
				metrics.RateLimitRefusals.WithLabelValues(sel.provider, sel.name).Inc()
			}
			return nil, err
		}

		resp, err := timeout.Request(ctx, e.limits.requestTimeout, func(ctx context.Context) (*provider.Response, error) {
			return adapter.Request(ctx, sel.name, prompt, popts)
		})
		if err == nil {
			return resp, nil
		}

		if aierrors.RetryableSameModel(err) && cs.attempts < e.limits.retryMax {
			cs.attempts++
			metrics.RetriesTotal.WithLabelValues(sel.provider, sel.name).Inc()
			e.logger.Info("Retrying request",
				zap.String("model", sel.key()),
				zap.Int("attempt", cs.attempts),
				zap.Error(err))
			if werr := e.wait(ctx, e.limits.retryInterval); werr != nil {
				return nil, err
			}
			continue
		}
		return nil, err
	}
}

// markModelError records an error state for a model, stamped with the
// current operation time.
func (e *Engine) markModelError(ctx context.Context, sel modelConfig, cause error) {
	nowMs := e.registry.Now().UnixMilli()
	state := registry.State{
		Status:    registry.StatusError,
		Timestamp: nowMs,
		Reason:    aierrors.CodeOf(cause),
	}
	if err := e.registry.SetState(ctx, sel.provider, sel.name, state, nowMs); err != nil {
		e.logger.Warn("Failed to mark model error",
			zap.String("model", sel.key()), zap.Error(err))
	}
	e.logger.Info("Marked model in error",
		zap.String("model", sel.key()),
		zap.String("reason", state.Reason))
}

func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
