// Package handlers implements the gateway's HTTP surface: JSON prompts,
// SSE streams and health.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	aiwarp "github.com/platformatic/ai-warp-sub000"
	"github.com/platformatic/ai-warp-sub000/aierrors"
	"github.com/platformatic/ai-warp-sub000/provider"
)

const heartbeatInterval = 15 * time.Second

// PromptHandler serves prompt dispatches against the engine.
type PromptHandler struct {
	engine *aiwarp.Engine
	logger *zap.Logger
}

// NewPromptHandler creates the handler.
func NewPromptHandler(engine *aiwarp.Engine, logger *zap.Logger) *PromptHandler {
	return &PromptHandler{engine: engine, logger: logger}
}

type promptRequest struct {
	Prompt             string             `json:"prompt"`
	Models             []string           `json:"models,omitempty"`
	Context            string             `json:"context,omitempty"`
	Temperature        *float64           `json:"temperature,omitempty"`
	MaxTokens          int                `json:"maxTokens,omitempty"`
	SessionID          string             `json:"sessionId,omitempty"`
	History            []provider.Message `json:"history,omitempty"`
	ResumeEventID      string             `json:"resumeEventId,omitempty"`
	StreamResponseType string             `json:"streamResponseType,omitempty"`
}

type promptResponse struct {
	Text      string `json:"text"`
	Result    string `json:"result"`
	SessionID string `json:"sessionId"`
}

type errorResponse struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	WaitSeconds int    `json:"waitSeconds,omitempty"`
}

func (h *PromptHandler) request(r *http.Request, stream bool) (*aiwarp.Response, error) {
	var body promptRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, aierrors.Wrap(aierrors.CodeOption, "invalid request body", err)
	}
	return h.engine.Request(r.Context(), &aiwarp.Request{
		Prompt: body.Prompt,
		Models: body.Models,
		Options: aiwarp.RequestOptions{
			Context:            body.Context,
			Temperature:        body.Temperature,
			MaxTokens:          body.MaxTokens,
			Stream:             stream,
			SessionID:          body.SessionID,
			History:            body.History,
			ResumeEventID:      body.ResumeEventID,
			StreamResponseType: body.StreamResponseType,
		},
	})
}

// Prompt handles POST /api/v1/prompt.
func (h *PromptHandler) Prompt(w http.ResponseWriter, r *http.Request) {
	resp, err := h.request(r, false)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(promptResponse{
		Text:      resp.Text,
		Result:    resp.Result,
		SessionID: resp.SessionID,
	}); err != nil {
		h.logger.Warn("Failed to write prompt response", zap.Error(err))
	}
}

// Stream handles POST /api/v1/stream, relaying the response stream as SSE
// with periodic heartbeats while the upstream is quiet.
func (h *PromptHandler) Stream(w http.ResponseWriter, r *http.Request) {
	resp, err := h.request(r, true)
	if err != nil {
		h.writeError(w, err)
		return
	}
	stream := resp.Stream
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, aierrors.New(aierrors.CodeOption, "streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-Id", resp.SessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	type chunk struct {
		data []byte
		err  error
	}
	chunks := make(chan chunk, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, rerr := stream.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				chunks <- chunk{data: data}
			}
			if rerr != nil {
				chunks <- chunk{err: rerr}
				return
			}
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case c := <-chunks:
			if c.err != nil {
				if !errors.Is(c.err, io.EOF) {
					h.logger.Warn("Response stream failed",
						zap.String("session_id", resp.SessionID), zap.Error(c.err))
				}
				return
			}
			if _, err := w.Write(c.data); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (h *PromptHandler) writeError(w http.ResponseWriter, err error) {
	code := aierrors.CodeOf(err)
	status := http.StatusInternalServerError
	body := errorResponse{Code: code, Message: err.Error()}

	switch code {
	case aierrors.CodeOption,
		aierrors.CodeInvalidTimeWindowType,
		aierrors.CodeInvalidTimeWindowFormat,
		aierrors.CodeInvalidTimeWindowUnit:
		status = http.StatusBadRequest
	case aierrors.CodeHistoryGet:
		status = http.StatusNotFound
	case aierrors.CodeRateLimit:
		status = http.StatusTooManyRequests
		var ae *aierrors.Error
		if errors.As(err, &ae) {
			body.WaitSeconds = ae.WaitSeconds
		}
	case aierrors.CodeNoModelsAvailable, aierrors.CodeExceededQuota:
		status = http.StatusServiceUnavailable
	case aierrors.CodeRequestTimeout, aierrors.CodeStreamTimeout:
		status = http.StatusGatewayTimeout
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		h.logger.Warn("Failed to write error response", zap.Error(encErr))
	}
}
