// Package gemini implements the provider adapter for Gemini-style APIs
// (generateContent / streamGenerateContent with alt=sse).
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/platformatic/ai-warp-sub000/aierrors"
	"github.com/platformatic/ai-warp-sub000/provider"
	"github.com/platformatic/ai-warp-sub000/sse"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Config configures the adapter.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Adapter speaks the generateContent wire protocol.
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
	return &Adapter{apiKey: cfg.APIKey, baseURL: baseURL, client: client, logger: logger}
}

// Init implements provider.Adapter.
func (a *Adapter) Init(ctx context.Context) error { return nil }

// Close implements provider.Adapter.
func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Request implements provider.Adapter.
func (a *Adapter) Request(ctx context.Context, model, prompt string, opts provider.Options) (*provider.Response, error) {
	body := generateRequest{Contents: buildContents(prompt, opts)}
	if opts.Context != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: opts.Context}}}
	}
	if opts.Temperature != nil || opts.MaxTokens > 0 {
		body.GenerationConfig = &generationConfig{
			Temperature:     opts.Temperature,
			MaxOutputTokens: opts.MaxTokens,
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, aierrors.Wrap(aierrors.CodeProviderResponse, "failed to encode request", err)
	}

	method := "generateContent"
	if opts.Stream {
		method = "streamGenerateContent?alt=sse"
	}
	url := fmt.Sprintf("%s/models/%s:%s", a.baseURL, model, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, aierrors.Wrap(aierrors.CodeProviderResponse, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", a.apiKey)

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
	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, aierrors.Wrap(aierrors.CodeProviderResponse, "failed to decode response", err)
	}
	if len(parsed.Candidates) == 0 {
		return nil, aierrors.New(aierrors.CodeProviderNoContent, "upstream returned no candidates")
	}
	candidate := parsed.Candidates[0]
	text := joinParts(candidate.Content.Parts)
	result := provider.MapFinishReason(candidate.FinishReason)
	if text == "" {
		if result == provider.ResultIncompleteMaxTokens {
			return nil, aierrors.New(aierrors.CodeProviderMaxTokens, "response truncated before any content")
		}
		return nil, aierrors.New(aierrors.CodeProviderNoContent, "upstream returned empty content")
	}
	return &provider.Response{Content: &provider.ContentResponse{Text: text, Result: result}}, nil
}

// pipeStream converts the alt=sse stream into the engine's SSE frames.
func (a *Adapter) pipeStream(upstream io.ReadCloser, pw *io.PipeWriter, transform func(string) string) {
	defer upstream.Close()

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	result := ""
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && data != "":
			var chunk generateResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				a.logger.Debug("Skipping malformed stream chunk", zap.Error(err))
				data = ""
				break
			}
			if len(chunk.Candidates) > 0 {
				candidate := chunk.Candidates[0]
				if text := joinParts(candidate.Content.Parts); text != "" {
					if transform != nil {
						text = transform(text)
					}
					if text != "" {
						_, _ = pw.Write(sse.Encode(sse.NewContent(text)))
					}
				}
				if candidate.FinishReason != "" {
					result = provider.MapFinishReason(candidate.FinishReason)
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

func buildContents(prompt string, opts provider.Options) []content {
	contents := make([]content, 0, 1+2*len(opts.History))
	for _, m := range opts.History {
		if m.Prompt != "" {
			contents = append(contents, content{Role: "user", Parts: []part{{Text: m.Prompt}}})
		}
		if m.Response != "" {
			contents = append(contents, content{Role: "model", Parts: []part{{Text: m.Response}}})
		}
	}
	return append(contents, content{Role: "user", Parts: []part{{Text: prompt}}})
}

func joinParts(parts []part) string {
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// statusError maps an HTTP failure onto a coded error.
func (a *Adapter) statusError(resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var parsed generateResponse
	_ = json.Unmarshal(payload, &parsed)
	message := fmt.Sprintf("upstream returned status %d", resp.StatusCode)
	status := ""
	if parsed.Error != nil {
		if parsed.Error.Message != "" {
			message = parsed.Error.Message
		}
		status = parsed.Error.Status
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests && status == "RESOURCE_EXHAUSTED":
		return aierrors.New(aierrors.CodeExceededQuota, message)
	case resp.StatusCode == http.StatusTooManyRequests:
		return aierrors.RateLimited(1)
	case resp.StatusCode == http.StatusForbidden:
		return aierrors.New(aierrors.CodeExceededQuota, message)
	default:
		return aierrors.New(aierrors.CodeProviderResponse, message)
	}
}
