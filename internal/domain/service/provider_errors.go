package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ProviderErrorKind classifies provider errors for retry and reporting decisions.
type ProviderErrorKind int

const (
	// ErrKindTransient means retrying may succeed.
	// Examples: per-attempt timeout, network reset, 429, 5xx.
	ErrKindTransient ProviderErrorKind = iota

	// ErrKindAuth means the tenant's key was rejected (401/403).
	ErrKindAuth

	// ErrKindBadRequest means the request or configured model is invalid (400/404/422).
	ErrKindBadRequest

	// ErrKindContentFilter means the provider's safety policy blocked the reply.
	ErrKindContentFilter

	// ErrKindQuota means the tenant's account is out of credit.
	ErrKindQuota

	// ErrKindCancelled means the caller cancelled the request, typically
	// because the conversation was handed to a human.
	ErrKindCancelled
)

// String returns a label for logs and alerts.
func (k ProviderErrorKind) String() string {
	switch k {
	case ErrKindTransient:
		return "transient"
	case ErrKindAuth:
		return "auth"
	case ErrKindBadRequest:
		return "bad_request"
	case ErrKindContentFilter:
		return "content_filter"
	case ErrKindQuota:
		return "quota"
	case ErrKindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ProviderError is a classified failure from a model provider or the
// knowledge store. Exhausted is set by the gateway once its single retry has
// been spent; an exhausted transient error is reported as permanent.
type ProviderError struct {
	Kind       ProviderErrorKind
	Message    string
	StatusCode int
	Provider   string
	Model      string
	Attempts   int
	Exhausted  bool
	Cause      error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	label := e.Kind.String()
	if e.Exhausted {
		label += ", retries exhausted"
	}
	prefix := fmt.Sprintf("[%s] %s", label, e.Message)
	if e.Provider != "" {
		prefix = fmt.Sprintf("[%s] %s/%s: %s", label, e.Provider, e.Model, e.Message)
	}
	if e.Cause != nil {
		return prefix + ": " + e.Cause.Error()
	}
	return prefix
}

// Unwrap enables errors.Is/errors.As on the cause chain.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether another attempt may succeed.
func (e *ProviderError) Retryable() bool {
	return e.Kind == ErrKindTransient && !e.Exhausted
}

// Permanent reports whether the failure should be surfaced to operators
// rather than retried. Cancellation is neither.
func (e *ProviderError) Permanent() bool {
	return e.Kind != ErrKindCancelled && !e.Retryable()
}

// IsPermanentProviderError reports whether err carries a permanent ProviderError.
func IsPermanentProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Permanent()
}

// IsTransientProviderError reports whether err carries a retryable ProviderError.
func IsTransientProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable()
}

// StatusCoder is implemented by vendor errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// ClassifyError turns any error into a ProviderError. Typed status codes are
// trusted first; message patterns are the fallback for SDK and network errors.
func ClassifyError(err error, provider, model string) *ProviderError {
	if err == nil {
		return nil
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	out := &ProviderError{Provider: provider, Model: model, Cause: err}

	switch {
	case errors.Is(err, context.Canceled):
		out.Kind, out.Message = ErrKindCancelled, "request cancelled"
		return out
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind, out.Message = ErrKindTransient, "request timed out"
		return out
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		out.Kind, out.Message = ErrKindTransient, "network timeout"
		return out
	}

	errStr := strings.ToLower(err.Error())

	var sc StatusCoder
	if errors.As(err, &sc) {
		out.StatusCode = sc.HTTPStatus()
		out.Kind, out.Message = classifyStatus(out.StatusCode, errStr)
		return out
	}

	out.StatusCode = extractStatusCode(errStr)
	if out.StatusCode != 0 {
		out.Kind, out.Message = classifyStatus(out.StatusCode, errStr)
		return out
	}
	out.Kind, out.Message = classifyMessage(errStr)
	return out
}

func classifyStatus(code int, errStr string) (ProviderErrorKind, string) {
	switch {
	case code == 401 || code == 403:
		return ErrKindAuth, "authentication failed"
	case code == 402:
		return ErrKindQuota, "payment required"
	case code == 429:
		if strings.Contains(errStr, "insufficient_quota") || strings.Contains(errStr, "billing") {
			return ErrKindQuota, "quota exceeded"
		}
		return ErrKindTransient, "rate limited"
	case code == 400 || code == 404 || code == 422:
		if kind, msg := classifyMessage(errStr); kind == ErrKindContentFilter {
			return kind, msg
		}
		return ErrKindBadRequest, "invalid request"
	case code >= 500:
		return ErrKindTransient, "provider unavailable"
	}
	return classifyMessage(errStr)
}

func classifyMessage(errStr string) (ProviderErrorKind, string) {
	patterns := []struct {
		kind    ProviderErrorKind
		message string
		needles []string
	}{
		{ErrKindAuth, "authentication failed", []string{"unauthorized", "invalid api key", "authentication", "permission denied"}},
		{ErrKindContentFilter, "content filtered", []string{"content filter", "content policy", "safety", "blocked"}},
		{ErrKindBadRequest, "invalid request", []string{"bad request", "invalid argument", "model not found", "invalid_request"}},
		{ErrKindQuota, "quota exceeded", []string{"quota", "insufficient", "billing"}},
	}
	for _, p := range patterns {
		for _, n := range p.needles {
			if strings.Contains(errStr, n) {
				return p.kind, p.message
			}
		}
	}
	return ErrKindTransient, "transient error"
}

// extractStatusCode finds an "API error NNN" style status in an error string.
func extractStatusCode(errStr string) int {
	idx := strings.Index(errStr, "api error ")
	if idx < 0 {
		return 0
	}
	var code int
	if _, err := fmt.Sscanf(errStr[idx+len("api error "):], "%d", &code); err != nil {
		return 0
	}
	return code
}
