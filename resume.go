package aiwarp

import (
	"github.com/platformatic/ai-warp-sub000/provider"
	"github.com/platformatic/ai-warp-sub000/sse"
)

// resumePlan is the outcome of analyzing a session suffix: the events to
// replay, a prompt recovered from an incomplete exchange (empty if none)
// and whether the anchored exchange completed.
type resumePlan struct {
	replay   []*sse.Event
	prompt   string
	complete bool
}

// planResume analyzes the session from the resume anchor onward. An anchor
// that is no longer in the log yields an empty plan.
func (e *Engine) planResume(opts RequestOptions, events []*sse.Event) (resumePlan, error) {
	suffix := suffixFrom(events, opts.ResumeEventID)
	if opts.StreamResponseType == StreamResponseSession {
		return planSessionResume(suffix), nil
	}
	return planContentResume(suffix), nil
}

// suffixFrom returns the events from the one with id fromID (inclusive).
func suffixFrom(events []*sse.Event, fromID string) []*sse.Event {
	for i, ev := range events {
		if ev.ID == fromID {
			return events[i:]
		}
	}
	return nil
}

// planContentResume collects the response events of the single exchange
// anchored by the suffix. An error terminator discards the exchange; an end
// terminator stops the walk and clears the pending prompt; a missing
// terminator leaves the exchange incomplete so its prompt is re-issued.
func planContentResume(suffix []*sse.Event) resumePlan {
	var p resumePlan
	var buffered []*sse.Event
	for _, ev := range suffix {
		switch {
		case ev.IsPrompt():
			p.prompt = ev.Data.Prompt
			buffered = nil
		case ev.IsResponse():
			buffered = append(buffered, ev)
		case ev.Event == sse.EventError:
			p.prompt = ""
			return p
		case ev.Event == sse.EventEnd:
			p.replay = buffered
			p.complete = ev.Data.Response == provider.ResultComplete
			p.prompt = ""
			return p
		}
	}
	p.replay = buffered
	return p
}

// planSessionResume collects every well-formed prompt-to-end run in the
// suffix. Runs terminated by an error are discarded; an incomplete trailing
// run is dropped but its prompt is re-issued.
func planSessionResume(suffix []*sse.Event) resumePlan {
	var p resumePlan
	var run []*sse.Event
	open := false
	for _, ev := range suffix {
		switch {
		case ev.IsPrompt():
			run = []*sse.Event{ev}
			open = true
			p.prompt = ev.Data.Prompt
			p.complete = false
		case ev.IsResponse():
			if open {
				run = append(run, ev)
			}
		case ev.Event == sse.EventEnd:
			if open {
				run = append(run, ev)
				p.replay = append(p.replay, run...)
				run, open = nil, false
				p.prompt = ""
				p.complete = ev.Data.Response == provider.ResultComplete
			}
		case ev.Event == sse.EventError:
			run, open = nil, false
			p.prompt = ""
			p.complete = false
		}
	}
	if open {
		p.complete = false
	}
	return p
}
