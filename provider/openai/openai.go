// Package openai implements the provider adapter for OpenAI-compatible chat
// completion APIs. DeepSeek and other compatible upstreams are served by the
// same adapter with a different base URL.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/platformatic/ai-warp-sub000/aierrors"
	"github.com/platformatic/ai-warp-sub000/provider"
	"github.com/platformatic/ai-warp-sub000/sse"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config configures the adapter.
type Config struct {
	// APIKey authenticates against the upstream.
	APIKey string
	// BaseURL overrides the API endpoint, e.g. for DeepSeek or a proxy.
	BaseURL string
	// HTTPClient overrides the default client. Timeouts are enforced by the
	// engine, so the default client carries none.
	HTTPClient *http.Client
	// Logger receives adapter diagnostics.
	Logger *zap.Logger
}

// Adapter speaks the chat-completions wire protocol.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// New creates an adapter. A nil logger falls back to zap.NewNop().
func New(cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}
}

// Init implements provider.Adapter.
func (a *Adapter) Init(ctx context.Context) error { return nil }

// Close implements provider.Adapter.
func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// chatRequest is the chat-completions request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Request implements provider.Adapter.
func (a *Adapter) Request(ctx context.Context, model, prompt string, opts provider.Options) (*provider.Response, error) {
	body := chatRequest{
		Model:       model,
		Messages:    buildMessages(prompt, opts),
		Stream:      opts.Stream,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, aierrors.Wrap(aierrors.CodeProviderResponse, "failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, aierrors.Wrap(aierrors.CodeProviderResponse, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, aierrors.Wrap(aierrors.CodeProviderResponse, "upstream request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, a.statusError(resp)
	}

	if opts.Stream {
		pr, pw := io.Pipe()
		go a.pipeStream(resp.Body, pw, opts.OnStreamChunk)
		return &provider.Response{Stream: pr}, nil
	}

	defer resp.Body.Close()
	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, aierrors.Wrap(aierrors.CodeProviderResponse, "failed to decode response", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, aierrors.New(aierrors.CodeProviderNoContent, "upstream returned no choices")
	}
	text := parsed.Choices[0].Message.Content
	result := provider.MapFinishReason(parsed.Choices[0].FinishReason)
	if text == "" {
		if result == provider.ResultIncompleteMaxTokens {
			return nil, aierrors.New(aierrors.CodeProviderMaxTokens, "response truncated before any content")
		}
		return nil, aierrors.New(aierrors.CodeProviderNoContent, "upstream returned empty content")
	}
	return &provider.Response{Content: &provider.ContentResponse{Text: text, Result: result}}, nil
}

// pipeStream converts upstream chat chunks into the engine's SSE frames:
// one content event per delta and a single terminator. Upstream failures
// become an error terminator so the stream always carries exactly one.
func (a *Adapter) pipeStream(upstream io.ReadCloser, pw *io.PipeWriter, transform func(string) string) {
	defer upstream.Close()

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	result := ""
	var data string
	done := false
	for !done && scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			// Upstream keepalive comment.
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && data != "":
			if data == "[DONE]" {
				done = true
				break
			}
			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				a.logger.Debug("Skipping malformed stream chunk", zap.Error(err))
				data = ""
				break
			}
			if len(chunk.Choices) > 0 {
				choice := chunk.Choices[0]
				if choice.Delta.Content != "" {
					text := choice.Delta.Content
					if transform != nil {
						text = transform(text)
					}
					if text != "" {
						_, _ = pw.Write(sse.Encode(sse.NewContent(text)))
					}
				}
				if choice.FinishReason != "" {
					result = provider.MapFinishReason(choice.FinishReason)
				}
			}
			data = ""
		}
	}

	if err := scanner.Err(); err != nil {
		_, _ = pw.Write(sse.Encode(sse.NewError(aierrors.CodeProviderResponse, err.Error())))
	} else {
		if result == "" {
			result = provider.ResultComplete
		}
		_, _ = pw.Write(sse.Encode(sse.NewEnd(result)))
	}
	_ = pw.Close()
}

func buildMessages(prompt string, opts provider.Options) []chatMessage {
	messages := make([]chatMessage, 0, 2+2*len(opts.History))
	if opts.Context != "" {
		messages = append(messages, chatMessage{Role: "system", Content: opts.Context})
	}
	for _, m := range opts.History {
		if m.Prompt != "" {
			messages = append(messages, chatMessage{Role: "user", Content: m.Prompt})
		}
		if m.Response != "" {
			messages = append(messages, chatMessage{Role: "assistant", Content: m.Response})
		}
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})
	return messages
}

// statusError maps an HTTP failure onto a coded error.
func (a *Adapter) statusError(resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var parsed errorResponse
	_ = json.Unmarshal(payload, &parsed)
	message := parsed.Error.Message
	if message == "" {
		message = fmt.Sprintf("upstream returned status %d", resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if parsed.Error.Type == "insufficient_quota" || codeString(parsed.Error.Code) == "insufficient_quota" {
			return aierrors.New(aierrors.CodeExceededQuota, message)
		}
		return aierrors.RateLimited(retryAfterSeconds(resp))
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusForbidden:
		return aierrors.New(aierrors.CodeExceededQuota, message)
	default:
		return aierrors.New(aierrors.CodeProviderResponse, message)
	}
}

func codeString(v any) string {
	s, _ := v.(string)
	return s
}

func retryAfterSeconds(resp *http.Response) int {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil && d > 0 {
			return int(d / time.Second)
		}
	}
	return 1
}
