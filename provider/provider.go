// Package provider defines the uniform adapter contract the engine consumes.
// Adapters translate heterogeneous upstream APIs into either a complete
// content response or a lazy stream of SSE frames carrying content events
// and exactly one terminator (end or error).
package provider

import (
	"context"
	"io"
	"strings"
)

// Result codes describing how a response finished.
const (
	ResultComplete            = "COMPLETE"
	ResultIncompleteMaxTokens = "INCOMPLETE_MAX_TOKENS"
	ResultIncompleteUnknown   = "INCOMPLETE_UNKNOWN"
)

// Message is one prompt/response exchange of chat history.
type Message struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// Options carries the per-request knobs an adapter honors.
type Options struct {
	// Context is the system instruction text, empty for none.
	Context string
	// History is the prior conversation passed to the upstream.
	History []Message
	// Temperature is passed through when non-nil.
	Temperature *float64
	// Stream selects the streaming surface of the upstream.
	Stream bool
	// MaxTokens caps the response length when positive.
	MaxTokens int
	// OnStreamChunk, when non-nil, transforms every streamed content chunk
	// before it is framed.
	OnStreamChunk func(chunk string) string
}

// ContentResponse is a completed, non-streaming response.
type ContentResponse struct {
	Text   string
	Result string
}

// Response is the outcome of a request: exactly one of Content or Stream is
// set. Stream yields SSE frames and is finite and non-restartable.
type Response struct {
	Content *ContentResponse
	Stream  io.ReadCloser
}

// Adapter is the uniform contract over an upstream provider. Adapters are
// pluggable; implementations must map upstream failures onto the coded
// errors in the aierrors package.
type Adapter interface {
	// Init prepares the adapter. It is called once before the first request.
	Init(ctx context.Context) error
	// Request performs one model invocation.
	Request(ctx context.Context, model, prompt string, opts Options) (*Response, error)
	// Close releases adapter resources.
	Close() error
}

// MapFinishReason translates an upstream finish reason into a result code:
// stop maps to COMPLETE, length-style reasons to INCOMPLETE_MAX_TOKENS and
// anything else to INCOMPLETE_UNKNOWN.
func MapFinishReason(reason string) string {
	switch strings.ToLower(reason) {
	case "stop", "end_turn", "finish":
		return ResultComplete
	case "length", "max_tokens", "max_output_tokens":
		return ResultIncompleteMaxTokens
	default:
		return ResultIncompleteUnknown
	}
}
