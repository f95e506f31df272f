// Package sse implements the event model and the SSE wire codec used
// between the engine, the provider adapters and stream consumers.
package sse

import (
	"time"

	"github.com/google/uuid"
)

// Event names carried on the wire.
const (
	EventContent = "content"
	EventEnd     = "end"
	EventError   = "error"
)

// Content types distinguishing echoed prompts from assistant output.
const (
	TypePrompt   = "prompt"
	TypeResponse = "response"
)

// Data is the JSON payload of an event. Content events populate Prompt or
// Response, end events populate Response with a result code, error events
// populate Code and Message.
type Data struct {
	Prompt   string `json:"prompt,omitempty"`
	Response string `json:"response,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Event is a single framed event. Timestamp is milliseconds since the epoch
// and is set when the event is first appended to a session. Retry is only
// populated by the decoder when an upstream emits a retry field.
type Event struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Event     string `json:"event"`
	Type      string `json:"type,omitempty"`
	Retry     int    `json:"-"`
	Data      Data   `json:"data"`
}

// NewContent creates a content event carrying assistant output.
func NewContent(response string) *Event {
	return &Event{
		ID:        EventID(),
		Timestamp: NowMs(),
		Event:     EventContent,
		Type:      TypeResponse,
		Data:      Data{Response: response},
	}
}

// NewPrompt creates a content event echoing a user prompt.
func NewPrompt(prompt string) *Event {
	return &Event{
		ID:        EventID(),
		Timestamp: NowMs(),
		Event:     EventContent,
		Type:      TypePrompt,
		Data:      Data{Prompt: prompt},
	}
}

// NewEnd creates a terminator event with the given result code.
func NewEnd(result string) *Event {
	return &Event{
		ID:        EventID(),
		Timestamp: NowMs(),
		Event:     EventEnd,
		Data:      Data{Response: result},
	}
}

// NewError creates an error terminator event.
func NewError(code, message string) *Event {
	return &Event{
		ID:        EventID(),
		Timestamp: NowMs(),
		Event:     EventError,
		Data:      Data{Code: code, Message: message},
	}
}

// IsPrompt reports whether e is a prompt content event.
func (e *Event) IsPrompt() bool {
	return e.Event == EventContent && e.Type == TypePrompt
}

// IsResponse reports whether e is an assistant content event.
func (e *Event) IsResponse() bool {
	return e.Event == EventContent && e.Type != TypePrompt
}

// EventID returns a fresh UUIDv4 event id.
func EventID() string {
	return uuid.NewString()
}

// NowMs returns the current time in milliseconds since the epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
