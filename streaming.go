package aiwarp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/platformatic/ai-warp-sub000/aierrors"
	"github.com/platformatic/ai-warp-sub000/internal/metrics"
	"github.com/platformatic/ai-warp-sub000/provider"
	"github.com/platformatic/ai-warp-sub000/sse"
)

// awaitTerminalGrace bounds how long completion waits for the final event
// to come back through the subscription before giving up.
const awaitTerminalGrace = 5 * time.Second

// startStream wires up the response stream, the session subscription and
// the background pipeline, then returns. The stream carries everything that
// happens afterwards.
func (e *Engine) startStream(ctx context.Context, req *Request, cs *callState, sessionID, promptEventID string, sessionEvents []*sse.Event, popts provider.Options) (*Response, error) {
	subCh, err := e.store.Subscribe(ctx, sessionID)
	if err != nil {
		return nil, aierrors.Wrap(aierrors.CodeStorageSubscribe, "failed to subscribe to session", err)
	}
	metrics.ActiveSubscriptions.Inc()

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	unsubscribe := sync.OnceFunc(func() { e.unsubscribe(sessionID, subCh) })
	rs := newResponseStream(sessionID)
	rs.onClose = func() {
		cancel()
		unsubscribe()
	}

	terminals := make(chan string, 16)
	go e.forward(subCh, rs, terminals)
	go e.runStream(streamCtx, req, cs, rs, sessionID, promptEventID, sessionEvents, popts, unsubscribe, terminals)

	return &Response{SessionID: sessionID, Stream: rs}, nil
}

func (e *Engine) unsubscribe(sessionID string, subCh <-chan []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.Unsubscribe(ctx, sessionID, subCh); err != nil {
		e.logger.Warn("Failed to unsubscribe from session",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	metrics.ActiveSubscriptions.Dec()
}

// forward relays published session events onto the response stream and
// reports the ids of terminal events. It exits when the subscription or the
// stream closes.
func (e *Engine) forward(subCh <-chan []byte, rs *ResponseStream, terminals chan<- string) {
	for raw := range subCh {
		var ev sse.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			e.logger.Warn("Skipping malformed session event", zap.Error(err))
			continue
		}
		if !rs.push(sse.Encode(&ev)) {
			return
		}
		if ev.Event == sse.EventEnd || ev.Event == sse.EventError {
			select {
			case terminals <- ev.ID:
			default:
			}
		}
	}
}

// runStream is the background driver of one streaming request: resume
// replay first, then the provider exchanges, then teardown.
func (e *Engine) runStream(ctx context.Context, req *Request, cs *callState, rs *ResponseStream, sessionID, promptEventID string, sessionEvents []*sse.Event, popts provider.Options, unsubscribe func(), terminals <-chan string) {
	var prompts []streamPrompt

	if req.Options.ResumeEventID != "" {
		plan, err := e.planResume(req.Options, sessionEvents)
		if err != nil {
			e.destroyStream(ctx, rs, sessionID, terminals, err)
			unsubscribe()
			return
		}
		for _, ev := range plan.replay {
			if !rs.push(sse.Encode(ev)) {
				unsubscribe()
				return
			}
		}
		metrics.StreamsResumed.Inc()

		if plan.prompt != "" {
			prompts = append(prompts, streamPrompt{text: plan.prompt, eventID: promptEventID, recovered: true})
		}
		if req.Prompt != "" {
			prompts = append(prompts, streamPrompt{text: req.Prompt})
		}
	} else {
		prompts = append(prompts, streamPrompt{text: req.Prompt, eventID: promptEventID})
	}

	for _, p := range prompts {
		if err := e.streamExchange(ctx, cs, rs, sessionID, p, popts, terminals); err != nil {
			e.destroyStream(ctx, rs, sessionID, terminals, err)
			unsubscribe()
			return
		}
	}

	unsubscribe()
	e.removeSubscription(sessionID)
	rs.finish()
}

// streamPrompt is one exchange to run over the stream: a prompt recovered
// from an incomplete session or a fresh one.
type streamPrompt struct {
	text      string
	eventID   string
	recovered bool
}

// streamExchange runs one prompt to completion over the stream, switching
// models on pre-content failures while retry budget remains.
func (e *Engine) streamExchange(ctx context.Context, cs *callState, rs *ResponseStream, sessionID string, p streamPrompt, popts provider.Options, terminals <-chan string) error {
	if !p.recovered {
		promptEvent := sse.NewPrompt(p.text)
		if p.eventID != "" {
			promptEvent.ID = p.eventID
		}
		if err := e.history.Push(ctx, sessionID, promptEvent, false); err != nil {
			e.logger.Warn("Failed to record prompt event",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	for {
		resp, sel, err := e.execute(ctx, cs, p.text, popts)
		if err != nil {
			return err
		}
		if resp.Stream == nil {
			return aierrors.New(aierrors.CodeProviderStream, "provider returned no stream")
		}

		termID, delivered, perr := e.pipe(ctx, sessionID, resp.Stream)
		if perr == nil {
			e.awaitTerminal(ctx, rs, terminals, termID)
			return nil
		}

		if !delivered && aierrors.StateUpdating(perr) && cs.attempts < e.limits.retryMax {
			cs.attempts++
			e.markModelError(ctx, *sel, perr)
			cs.skip[sel.key()] = struct{}{}
			metrics.FallbacksTotal.WithLabelValues(sel.provider, sel.name, aierrors.CodeOf(perr)).Inc()
			e.logger.Info("Retrying stream on next model",
				zap.String("model", sel.key()),
				zap.Int("attempt", cs.attempts),
				zap.Error(perr))
			if werr := e.wait(ctx, e.limits.retryInterval); werr != nil {
				return perr
			}
			continue
		}
		if aierrors.StateUpdating(perr) {
			e.markModelError(ctx, *sel, perr)
		}
		return perr
	}
}

// pipe drains one upstream stream, appending every decoded frame to the
// session. It returns the id of the terminal end event and whether any
// content was already published.
func (e *Engine) pipe(ctx context.Context, sessionID string, upstream io.ReadCloser) (termID string, delivered bool, err error) {
	defer upstream.Close()

	dec := sse.NewDecoder(e.logger)
	buf := make([]byte, 4096)
	sawEnd := false

	handle := func(ev *sse.Event) (string, error) {
		switch ev.Event {
		case sse.EventContent:
			if perr := e.history.Push(ctx, sessionID, ev, true); perr != nil {
				e.logger.Warn("Failed to record stream chunk",
					zap.String("session_id", sessionID), zap.Error(perr))
			}
			delivered = true
			metrics.StreamChunks.Inc()
			return "", nil
		case sse.EventEnd:
			if perr := e.history.Push(ctx, sessionID, ev, true); perr != nil {
				e.logger.Warn("Failed to record end event",
					zap.String("session_id", sessionID), zap.Error(perr))
			}
			sawEnd = true
			return ev.ID, nil
		case sse.EventError:
			return "", aierrors.Wrap(aierrors.CodeProviderStream, "provider stream failed",
				aierrors.New(ev.Data.Code, ev.Data.Message))
		default:
			return "", nil
		}
	}

	for {
		n, rerr := upstream.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				if id, herr := handle(ev); herr != nil {
					return "", delivered, herr
				} else if id != "" {
					termID = id
				}
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				return "", delivered, rerr
			}
			break
		}
		if sawEnd {
			break
		}
	}

	for _, ev := range dec.Flush() {
		if id, herr := handle(ev); herr != nil {
			return "", delivered, herr
		} else if id != "" {
			termID = id
		}
	}

	if !sawEnd {
		end := sse.NewEnd(provider.ResultComplete)
		if perr := e.history.Push(ctx, sessionID, end, true); perr != nil {
			e.logger.Warn("Failed to record synthesized end event",
				zap.String("session_id", sessionID), zap.Error(perr))
		}
		termID = end.ID
	}
	return termID, delivered, nil
}

// awaitTerminal blocks until the terminal event with the given id has been
// forwarded to the consumer, bounded by a grace period.
func (e *Engine) awaitTerminal(ctx context.Context, rs *ResponseStream, terminals <-chan string, termID string) {
	if termID == "" {
		return
	}
	grace := time.NewTimer(awaitTerminalGrace)
	defer grace.Stop()
	for {
		select {
		case id := <-terminals:
			if id == termID {
				return
			}
		case <-rs.closed():
			return
		case <-ctx.Done():
			return
		case <-grace.C:
			e.logger.Warn("Timed out waiting for terminal event delivery",
				zap.String("session_id", rs.sessionID),
				zap.String("event_id", termID))
			return
		}
	}
}

// destroyStream records an error event, lets it reach the consumer and
// fails the stream.
func (e *Engine) destroyStream(ctx context.Context, rs *ResponseStream, sessionID string, terminals <-chan string, cause error) {
	code := aierrors.CodeOf(cause)
	if code == "" {
		code = aierrors.CodeProviderStream
	}
	ev := sse.NewError(code, cause.Error())
	if err := e.history.Push(ctx, sessionID, ev, true); err != nil {
		e.logger.Warn("Failed to record error event",
			zap.String("session_id", sessionID), zap.Error(err))
	} else {
		e.awaitTerminal(ctx, rs, terminals, ev.ID)
	}
	e.logger.Warn("Destroying response stream",
		zap.String("session_id", sessionID), zap.Error(cause))
	rs.fail(cause)
}

func (e *Engine) removeSubscription(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.RemoveSubscription(ctx, sessionID); err != nil {
		e.logger.Warn("Failed to remove session subscription",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}
