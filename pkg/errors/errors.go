// Package errors defines unified error types for LLM gateway operations.
// All provider-specific errors are mapped to these standard error types so the
// retry engine, cooldown manager, and telemetry can reason about them uniformly.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies the surface-level class of a gateway error.
type Kind string

const (
	KindBadRequest            Kind = "bad_request"
	KindUnauthorized          Kind = "unauthorized"
	KindNotFound              Kind = "not_found"
	KindRateLimited           Kind = "rate_limited"
	KindTimeout               Kind = "timeout"
	KindServiceUnavailable    Kind = "service_unavailable"
	KindInternal              Kind = "internal_server_error"
	KindContextWindowExceeded Kind = "context_window_exceeded"
	KindContentPolicy         Kind = "content_policy_violation"
	KindNoDeployments         Kind = "no_deployments_available"
	KindBudgetExceeded        Kind = "budget_exceeded"
	KindCancelled             Kind = "cancelled"
	KindCacheMiss             Kind = "cache_miss" // internal only, never surfaced
	KindDBUnavailable         Kind = "db_unavailable"
	KindConnection            Kind = "connection_error"
)

// RetryMode describes what the retry engine may do after a failure.
type RetryMode int

const (
	// RetryNone means the error is terminal; fail fast.
	RetryNone RetryMode = iota
	// RetrySame means retry the same deployment after backoff (429).
	RetrySame
	// RetryOther means cool the deployment down and try another candidate.
	RetryOther
)

// AttemptError records one failed attempt for diagnostics. The terminal error
// returned to the caller carries the full list so retries stay observable.
type AttemptError struct {
	DeploymentID string `json:"deployment_id"`
	Provider     string `json:"provider,omitempty"`
	Kind         Kind   `json:"kind"`
	Message      string `json:"message"`
}

// LLMError represents a standardized error from an LLM provider or the router.
// It contains all information needed for error handling, logging, and the
// client-facing error envelope.
type LLMError struct {
	Kind         Kind           `json:"kind"`
	StatusCode   int            `json:"status_code"`
	Message      string         `json:"message"`
	Provider     string         `json:"provider,omitempty"`
	Model        string         `json:"model,omitempty"`
	DeploymentID string         `json:"deployment_id,omitempty"`
	RetryAfter   time.Duration  `json:"retry_after,omitempty"`
	Attempts     []AttemptError `json:"attempts,omitempty"`
}

// Error implements the error interface.
func (e *LLMError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Kind, e.Message, e.Provider, e.Model, e.StatusCode)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *LLMError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	switch e.Kind {
	case KindNoDeployments, KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// New creates an LLMError with an explicit kind and status code.
func New(kind Kind, statusCode int, provider, model, message string) *LLMError {
	return &LLMError{
		Kind:       kind,
		StatusCode: statusCode,
		Message:    message,
		Provider:   provider,
		Model:      model,
	}
}

// NewRateLimitError creates a rate limit error (429).
func NewRateLimitError(provider, model, message string, retryAfter time.Duration) *LLMError {
	return &LLMError{
		Kind:       KindRateLimited,
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Provider:   provider,
		Model:      model,
		RetryAfter: retryAfter,
	}
}

// NewTimeoutError creates a timeout error (408).
func NewTimeoutError(provider, model, message string) *LLMError {
	return New(KindTimeout, http.StatusRequestTimeout, provider, model, message)
}

// NewConnectionError creates a connection error (refused/reset/DNS).
func NewConnectionError(provider, model, message string) *LLMError {
	return New(KindConnection, http.StatusServiceUnavailable, provider, model, message)
}

// NewNoDeploymentsError creates the terminal error returned when every
// candidate (including fallback groups) has been exhausted.
func NewNoDeploymentsError(group string, attempts []AttemptError) *LLMError {
	return &LLMError{
		Kind:       KindNoDeployments,
		StatusCode: http.StatusServiceUnavailable,
		Message:    fmt.Sprintf("no deployments available for group %q", group),
		Model:      group,
		Attempts:   attempts,
	}
}

// NewCancelledError wraps a caller cancellation.
func NewCancelledError(model string) *LLMError {
	return &LLMError{
		Kind:       KindCancelled,
		StatusCode: 499,
		Message:    "request cancelled by caller",
		Model:      model,
	}
}

// FromStatusCode maps an HTTP status code to the corresponding error kind.
func FromStatusCode(statusCode int, provider, model, message string) *LLMError {
	kind := KindInternal
	switch {
	case statusCode == http.StatusBadRequest:
		kind = KindBadRequest
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		kind = KindUnauthorized
	case statusCode == http.StatusNotFound:
		kind = KindNotFound
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusGatewayTimeout:
		kind = KindTimeout
	case statusCode == http.StatusTooManyRequests:
		kind = KindRateLimited
	case statusCode == http.StatusServiceUnavailable, statusCode == http.StatusBadGateway:
		kind = KindServiceUnavailable
	case statusCode >= 500:
		kind = KindInternal
	case statusCode >= 400:
		kind = KindBadRequest
	}
	return New(kind, statusCode, provider, model, message)
}

// KindOf extracts the error kind, defaulting to internal for unknown errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if le := AsLLMError(err); le != nil {
		return le.Kind
	}
	if isContextError(err) {
		return KindCancelled
	}
	return KindInternal
}

// AsLLMError unwraps err to an *LLMError, or nil when it is not one.
func AsLLMError(err error) *LLMError {
	var le *LLMError
	if errors.As(err, &le) {
		return le
	}
	return nil
}

// IsTransient reports whether the error belongs to the transient/unavailability
// class: connection errors, timeouts, 5xx, 408, 429, 401, 404. Transient errors
// penalize the deployment's latency window and usually trigger cooldown.
func IsTransient(err error) bool {
	if err == nil || isContextError(err) {
		return false
	}
	le := AsLLMError(err)
	if le == nil {
		// Unclassified transport failures count as connection errors.
		return true
	}
	switch le.Kind {
	case KindConnection, KindTimeout, KindServiceUnavailable, KindInternal,
		KindRateLimited, KindUnauthorized, KindNotFound:
		return true
	}
	return IsCooldownRequired(le.StatusCode)
}

// RetryModeOf classifies an error for the retry engine per the routing table:
// 429 retries the same deployment with backoff, other transient errors move to
// another candidate, everything else is terminal.
func RetryModeOf(err error) RetryMode {
	if err == nil || isContextError(err) {
		return RetryNone
	}
	le := AsLLMError(err)
	if le == nil {
		return RetryOther
	}
	switch le.Kind {
	case KindRateLimited:
		return RetrySame
	case KindConnection, KindTimeout, KindServiceUnavailable, KindInternal,
		KindUnauthorized, KindNotFound:
		return RetryOther
	default:
		return RetryNone
	}
}

// IsCooldownRequired determines if a deployment should be cooled down based on
// the observed status code. Rate limits, auth errors, timeouts, and not-found
// trigger cooldown; other 4xx codes are client errors and do not.
func IsCooldownRequired(statusCode int) bool {
	if statusCode >= 400 && statusCode < 500 {
		switch statusCode {
		case http.StatusTooManyRequests, // 429
			http.StatusUnauthorized,   // 401
			http.StatusRequestTimeout, // 408
			http.StatusNotFound:       // 404
			return true
		default:
			return false
		}
	}
	return statusCode >= 500
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
