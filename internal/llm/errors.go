package llm

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind partitions provider failures into the classes the retry policy
// and the session loop act on.
type ErrorKind string

const (
	// ErrKindProvider is the base class for unclassified provider failures.
	ErrKindProvider ErrorKind = "provider"

	ErrKindAuthentication    ErrorKind = "authentication"
	ErrKindAccessDenied      ErrorKind = "access_denied"
	ErrKindNotFound          ErrorKind = "not_found"
	ErrKindInvalidRequest    ErrorKind = "invalid_request"
	ErrKindRateLimit         ErrorKind = "rate_limit"
	ErrKindServer            ErrorKind = "server"
	ErrKindContentFilter     ErrorKind = "content_filter"
	ErrKindContextLength     ErrorKind = "context_length"
	ErrKindQuotaExceeded     ErrorKind = "quota_exceeded"
	ErrKindRequestTimeout    ErrorKind = "request_timeout"
	ErrKindAbort             ErrorKind = "abort"
	ErrKindNetwork           ErrorKind = "network"
	ErrKindStream            ErrorKind = "stream"
	ErrKindInvalidToolCall   ErrorKind = "invalid_tool_call"
	ErrKindNoObjectGenerated ErrorKind = "no_object_generated"
	ErrKindConfiguration     ErrorKind = "configuration"
)

// retryableKinds are retried by default; everything else propagates.
var retryableKinds = map[ErrorKind]bool{
	ErrKindProvider:       true,
	ErrKindRateLimit:      true,
	ErrKindServer:         true,
	ErrKindRequestTimeout: true,
	ErrKindNetwork:        true,
}

// Error is the shared provider error. Status and Code carry the vendor's
// HTTP status and error code when known; Raw preserves the vendor payload.
// RetryAfter is a backoff hint lifted from rate-limit responses, zero when
// the provider gave none.
type Error struct {
	Kind       ErrorKind
	Provider   string
	Status     int
	Code       string
	Message    string
	Raw        any
	Retryable  bool
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	parts := make([]string, 0, 4)
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	parts = append(parts, string(e.Kind))
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status %d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an error of the given kind with its default retryability.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryableKinds[kind]}
}

func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func (e *Error) WithRaw(raw any) *Error {
	e.Raw = raw
	return e
}

func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// ConfigurationError reports client misconfiguration (unknown provider, no
// default provider, invalid options). Never retried.
func ConfigurationError(format string, args ...any) *Error {
	return NewError(ErrKindConfiguration, fmt.Sprintf(format, args...))
}

// AbortError reports caller-initiated cancellation.
func AbortError(cause error) *Error {
	return NewError(ErrKindAbort, "request aborted").WithCause(cause)
}

// Classify maps a provider failure onto the taxonomy: explicit status cases
// first, context-length phrasing on 400/413/422, then message-substring
// classification for unknown statuses. Remaining unknowns stay retryable
// provider errors.
func Classify(provider string, status int, message string, cause error) *Error {
	kind := classifyStatus(status, message)
	if kind == ErrKindProvider && status == 0 {
		kind = classifyMessage(message)
	}
	e := NewError(kind, message).WithProvider(provider).WithCause(cause)
	if status != 0 {
		e = e.WithStatus(status)
	}
	return e
}

func classifyStatus(status int, message string) ErrorKind {
	switch status {
	case 400, 422:
		if isContextLengthMessage(message) {
			return ErrKindContextLength
		}
		return ErrKindInvalidRequest
	case 401:
		return ErrKindAuthentication
	case 403:
		return ErrKindAccessDenied
	case 404:
		return ErrKindNotFound
	case 408:
		return ErrKindRequestTimeout
	case 413:
		if isContextLengthMessage(message) {
			return ErrKindContextLength
		}
		return ErrKindInvalidRequest
	case 429:
		if strings.Contains(strings.ToLower(message), "quota") {
			return ErrKindQuotaExceeded
		}
		return ErrKindRateLimit
	}
	if status >= 500 {
		return ErrKindServer
	}
	return ErrKindProvider
}

func classifyMessage(message string) ErrorKind {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist"):
		return ErrKindNotFound
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") || strings.Contains(msg, "authentication"):
		return ErrKindAuthentication
	case isContextLengthMessage(message):
		return ErrKindContextLength
	case strings.Contains(msg, "content filter") || strings.Contains(msg, "safety"):
		return ErrKindContentFilter
	case strings.Contains(msg, "rate limit"):
		return ErrKindRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return ErrKindRequestTimeout
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "network"):
		return ErrKindNetwork
	}
	return ErrKindProvider
}

func isContextLengthMessage(message string) bool {
	msg := strings.ToLower(message)
	return strings.Contains(msg, "context length") ||
		strings.Contains(msg, "context window") ||
		strings.Contains(msg, "too many tokens") ||
		strings.Contains(msg, "maximum context")
}

// AsError unwraps err to the shared *Error when present.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether err should go through the retry wrapper.
// Unclassified errors are not retried.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// RetryAfterHint returns the provider's backoff hint when err carries one.
func RetryAfterHint(err error) (time.Duration, bool) {
	if e, ok := AsError(err); ok && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// IsKind reports whether err is a shared error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}
