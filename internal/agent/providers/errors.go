package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorReason categorizes why a provider request failed.
type ErrorReason string

const (
	ReasonBilling          ErrorReason = "billing"
	ReasonRateLimit        ErrorReason = "rate_limit"
	ReasonAuth             ErrorReason = "auth"
	ReasonTimeout          ErrorReason = "timeout"
	ReasonServerError      ErrorReason = "server_error"
	ReasonInvalidRequest   ErrorReason = "invalid_request"
	ReasonModelUnavailable ErrorReason = "model_unavailable"
	ReasonContentFilter    ErrorReason = "content_filter"
	ReasonUnknown          ErrorReason = "unknown"
)

// IsRetryable returns true if retrying may succeed.
func (r ErrorReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError represents a structured error from an LLM provider.
type ProviderError struct {
	Reason    ErrorReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps cause, classifying it from its text.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: ReasonUnknown}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus adds the HTTP status and reclassifies.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode adds a provider-specific error code.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// ClassifyError inspects an error message and returns a reason.
func ClassifyError(err error) ErrorReason {
	if err == nil {
		return ReasonUnknown
	}
	s := strings.ToLower(err.Error())
	switch {
	case containsAny(s, "timeout", "deadline exceeded", "etimedout"):
		return ReasonTimeout
	case containsAny(s, "rate limit", "rate_limit", "too many requests", "429", "resource_exhausted"):
		return ReasonRateLimit
	case containsAny(s, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"):
		return ReasonAuth
	case containsAny(s, "billing", "payment", "quota", "insufficient", "402"):
		return ReasonBilling
	case containsAny(s, "content_filter", "content policy", "safety"):
		return ReasonContentFilter
	case containsAny(s, "model not found", "model_not_found", "does not exist"):
		return ReasonModelUnavailable
	case containsAny(s, "internal server", "server error", "overloaded", "500", "502", "503", "504", "unavailable", "connection reset", "connection refused"):
		return ReasonServerError
	}
	return ReasonUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func classifyStatusCode(status int) ErrorReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	}
	return ReasonUnknown
}

func classifyErrorCode(code string) ErrorReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "resource_exhausted":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key", "permission_error", "unauthenticated", "permission_denied":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "model_not_found", "not_found_error", "not_found":
		return ReasonModelUnavailable
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "server_error", "api_error", "overloaded_error", "internal", "unavailable":
		return ReasonServerError
	case "deadline_exceeded":
		return ReasonTimeout
	case "invalid_request_error", "invalid_argument":
		return ReasonInvalidRequest
	}
	return ReasonUnknown
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}
