// Package history maintains the append-only per-session event log: pushes
// with TTL refresh and optional publish, timestamp-ordered reads, suffix
// reads for resume, and compaction into provider chat history.
package history

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/platformatic/ai-warp-sub000/aierrors"
	"github.com/platformatic/ai-warp-sub000/internal/metrics"
	"github.com/platformatic/ai-warp-sub000/provider"
	"github.com/platformatic/ai-warp-sub000/sse"
	"github.com/platformatic/ai-warp-sub000/store"
)

// History stores session event logs through the store.
type History struct {
	store  store.Store
	logger *zap.Logger
	ttl    time.Duration
}

// New creates a history over st. ttl is the session expiration refreshed on
// every append.
func New(st store.Store, ttl time.Duration, logger *zap.Logger) *History {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{store: st, logger: logger, ttl: ttl}
}

// Push appends an event to the session log, refreshing the session TTL.
// The event's timestamp is stamped here when unset. When publish is true
// the stored envelope is also delivered to the session's subscribers.
func (h *History) Push(ctx context.Context, session string, ev *sse.Event, publish bool) error {
	if ev.Timestamp == 0 {
		ev.Timestamp = sse.NowMs()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return aierrors.Wrap(aierrors.CodeStorageSet, "failed to encode event", err)
	}
	if err := h.store.HashSet(ctx, session, ev.ID, raw, h.ttl, publish); err != nil {
		return err
	}
	metrics.HistoryEvents.Inc()
	return nil
}

// Range returns the session log sorted by timestamp. The sort is stable so
// backends that preserve insertion order break ties by it. Entries that do
// not decode are logged and skipped.
func (h *History) Range(ctx context.Context, session string) ([]*sse.Event, error) {
	entries, err := h.store.HashGetAll(ctx, session)
	if err != nil {
		return nil, err
	}
	events := make([]*sse.Event, 0, len(entries))
	for _, entry := range entries {
		var ev sse.Event
		if err := json.Unmarshal(entry.Value, &ev); err != nil {
			h.logger.Warn("Skipping undecodable history entry",
				zap.String("session_id", session),
				zap.String("event_id", entry.Field),
				zap.Error(err))
			continue
		}
		events = append(events, &ev)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
	return events, nil
}

// RangeFromID returns the suffix of the session log starting at fromID
// inclusive, or an empty slice when fromID is not present.
func (h *History) RangeFromID(ctx context.Context, session, fromID string) ([]*sse.Event, error) {
	events, err := h.Range(ctx, session)
	if err != nil {
		return nil, err
	}
	for i, ev := range events {
		if ev.ID == fromID {
			return events[i:], nil
		}
	}
	return nil, nil
}

// Compact reduces a raw event log to the events that form completed
// exchanges: prompts and end terminators are kept, buffered response chunks
// are merged into a single response event when their exchange terminates
// with an end, and discarded when it terminates with an error. Compacting
// an already compacted log changes nothing.
func Compact(events []*sse.Event) []*sse.Event {
	var out []*sse.Event
	var buffer []*sse.Event
	for _, ev := range events {
		switch {
		case ev.IsPrompt():
			out = append(out, ev)
		case ev.IsResponse():
			buffer = append(buffer, ev)
		case ev.Event == sse.EventError:
			buffer = nil
		case ev.Event == sse.EventEnd:
			if merged := mergeResponses(buffer); merged != nil {
				out = append(out, merged)
			}
			out = append(out, ev)
			buffer = nil
		}
	}
	return out
}

// mergeResponses folds a run of response chunks into one response event
// carrying the concatenated text and the first chunk's id and timestamp.
func mergeResponses(buffer []*sse.Event) *sse.Event {
	if len(buffer) == 0 {
		return nil
	}
	if len(buffer) == 1 {
		return buffer[0]
	}
	text := ""
	for _, ev := range buffer {
		text += ev.Data.Response
	}
	return &sse.Event{
		ID:        buffer[0].ID,
		Timestamp: buffer[0].Timestamp,
		Event:     sse.EventContent,
		Type:      sse.TypeResponse,
		Data:      sse.Data{Response: text},
	}
}

// Pairs walks a compacted log and yields prompt/response tuples: the latest
// prompt and latest response are paired whenever both are present.
func Pairs(events []*sse.Event) []provider.Message {
	var out []provider.Message
	lastPrompt, lastResponse := "", ""
	for _, ev := range events {
		switch {
		case ev.IsPrompt():
			lastPrompt = ev.Data.Prompt
		case ev.IsResponse():
			lastResponse = ev.Data.Response
		}
		if lastPrompt != "" && lastResponse != "" {
			out = append(out, provider.Message{Prompt: lastPrompt, Response: lastResponse})
			lastPrompt, lastResponse = "", ""
		}
	}
	return out
}

// PromptEventID returns the id of the prompt opening the last incomplete
// exchange in the log, or the empty string when every exchange terminated.
func PromptEventID(events []*sse.Event) string {
	id := ""
	for _, ev := range events {
		switch {
		case ev.IsPrompt():
			id = ev.ID
		case ev.Event == sse.EventEnd || ev.Event == sse.EventError:
			id = ""
		}
	}
	return id
}
