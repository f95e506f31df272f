// Package aierrors defines the coded errors shared by the engine, the
// storage backends and the provider adapters. Every failure that crosses a
// package boundary carries one of the Code constants below so callers can
// classify it without string matching on messages.
package aierrors

import (
	"errors"
	"fmt"
)

// Error codes surfaced by the engine and its collaborators.
const (
	CodeOption            = "OPTION_ERROR"
	CodeHistoryGet        = "HISTORY_GET_ERROR"
	CodeNoModelsAvailable = "PROVIDER_NO_MODELS_AVAILABLE_ERROR"
	CodeRequestEnd        = "PROVIDER_REQUEST_END_ERROR"

	CodeRateLimit          = "PROVIDER_RATE_LIMIT_ERROR"
	CodeRequestTimeout     = "PROVIDER_REQUEST_TIMEOUT_ERROR"
	CodeStreamTimeout      = "PROVIDER_REQUEST_STREAM_TIMEOUT_ERROR"
	CodeProviderResponse   = "PROVIDER_RESPONSE_ERROR"
	CodeProviderNoContent  = "PROVIDER_RESPONSE_NO_CONTENT"
	CodeProviderMaxTokens  = "PROVIDER_RESPONSE_MAX_TOKENS_ERROR"
	CodeExceededQuota      = "PROVIDER_EXCEEDED_QUOTA_ERROR"
	CodeProviderStream     = "PROVIDER_STREAM_ERROR"

	CodeStorageGet       = "STORAGE_GET_ERROR"
	CodeStorageSet       = "STORAGE_SET_ERROR"
	CodeStorageSubscribe = "STORAGE_SUBSCRIBE_ERROR"
	CodeStorageClose     = "STORAGE_CLOSE_ERROR"

	CodeInvalidTimeWindowType   = "INVALID_TIME_WINDOW_TYPE"
	CodeInvalidTimeWindowFormat = "INVALID_TIME_WINDOW_FORMAT"
	CodeInvalidTimeWindowUnit   = "INVALID_TIME_WINDOW_UNIT"
)

// ReasonNone marks a model state that carries no error reason.
const ReasonNone = "NONE"

// Error is a coded error. WaitSeconds is populated for rate-limit refusals
// and TimeoutMs for request and stream timeouts.
type Error struct {
	Code        string
	Message     string
	WaitSeconds int
	TimeoutMs   int64
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error without a cause.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error around an underlying cause.
func Wrap(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// RateLimited creates a rate-limit refusal carrying the number of whole
// seconds until the current window rolls over.
func RateLimited(waitSeconds int) *Error {
	return &Error{
		Code:        CodeRateLimit,
		Message:     fmt.Sprintf("rate limit exceeded, retry in %ds", waitSeconds),
		WaitSeconds: waitSeconds,
	}
}

// Timeout creates a request or stream timeout error for the given code.
func Timeout(code string, ms int64) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf("timed out after %dms", ms),
		TimeoutMs: ms,
	}
}

// CodeOf returns the code of err, or the empty string when err carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is matches on code so errors.Is(err, aierrors.New(code, "")) works for
// sentinel comparisons.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// RetryableSameModel reports whether err may be retried against the same
// model before falling back.
func RetryableSameModel(err error) bool {
	switch CodeOf(err) {
	case CodeProviderResponse, CodeProviderStream:
		return true
	}
	return false
}

// StateUpdating reports whether err must mark the failing model's state
// before the engine falls back to the next candidate.
func StateUpdating(err error) bool {
	switch CodeOf(err) {
	case CodeRateLimit,
		CodeRequestTimeout,
		CodeStreamTimeout,
		CodeProviderResponse,
		CodeProviderNoContent,
		CodeExceededQuota,
		CodeProviderMaxTokens,
		CodeProviderStream:
		return true
	}
	return false
}

// RestoreBucket names the restore window that applies to an error reason.
type RestoreBucket string

const (
	BucketNone          RestoreBucket = ""
	BucketRateLimit     RestoreBucket = "rateLimit"
	BucketRetry         RestoreBucket = "retry"
	BucketTimeout       RestoreBucket = "timeout"
	BucketCommError     RestoreBucket = "providerCommunicationError"
	BucketExceededError RestoreBucket = "providerExceededError"
)

// RestoreBucketFor maps an error reason to the restore window governing its
// recovery. BucketNone means the model is not restored automatically.
func RestoreBucketFor(reason string) RestoreBucket {
	switch reason {
	case CodeRateLimit:
		return BucketRateLimit
	case CodeRequestTimeout, CodeStreamTimeout:
		return BucketTimeout
	case CodeProviderResponse, CodeProviderNoContent, CodeProviderStream:
		return BucketCommError
	case CodeExceededQuota:
		return BucketExceededError
	default:
		return BucketNone
	}
}
