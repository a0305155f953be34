package llm

import (
	"context"
	"errors"
	"fmt"
)

// LLMError is the base error type for the llm package.
type LLMError struct {
	Message string
	Cause   error
}

func (e *LLMError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *LLMError) Unwrap() error { return e.Cause }

// ProviderError is a failure reported by a model provider.
type ProviderError struct {
	LLMError
	Provider   string
	StatusCode int
	Retryable  bool
	RetryAfter *float64 // seconds, when the provider sent one
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Provider error classes.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }
type QuotaExceededError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }

// Local error classes.

type TimeoutError struct{ LLMError }
type NetworkError struct{ LLMError }
type AbortError struct{ LLMError }
type ConfigurationError struct{ LLMError }

// ErrorFromStatusCode maps an HTTP status code to the matching error class.
func ErrorFromStatusCode(provider string, statusCode int, message string, cause error, retryAfter *float64) error {
	pe := ProviderError{
		LLMError:   LLMError{Message: message, Cause: cause},
		Provider:   provider,
		StatusCode: statusCode,
		RetryAfter: retryAfter,
	}
	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{pe}
	case 401:
		return &AuthenticationError{pe}
	case 402:
		return &QuotaExceededError{pe}
	case 403:
		return &AccessDeniedError{pe}
	case 404:
		return &NotFoundError{pe}
	case 408:
		return &TimeoutError{LLMError{Message: message, Cause: cause}}
	case 413:
		return &ContextLengthError{pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{pe}
	case 500, 502, 503, 504:
		pe.Retryable = true
		return &ServerError{pe}
	default:
		pe.Retryable = true
		return &pe
	}
}

// IsRetryable reports whether err is worth retrying. It looks through
// wrapping, so a TransientAgentError or fmt.Errorf chain around a provider
// error classifies the same as the provider error itself. Unknown errors are
// treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var (
		auth    *AuthenticationError
		denied  *AccessDeniedError
		missing *NotFoundError
		invalid *InvalidRequestError
		length  *ContextLengthError
		filter  *ContentFilterError
		quota   *QuotaExceededError
		config  *ConfigurationError
		abort   *AbortError
	)
	switch {
	case errors.As(err, &auth), errors.As(err, &denied), errors.As(err, &missing),
		errors.As(err, &invalid), errors.As(err, &length), errors.As(err, &filter),
		errors.As(err, &quota), errors.As(err, &config), errors.As(err, &abort):
		return false
	}

	var (
		limited *RateLimitError
		server  *ServerError
		network *NetworkError
		timeout *TimeoutError
	)
	switch {
	case errors.As(err, &limited), errors.As(err, &server), errors.As(err, &network), errors.As(err, &timeout):
		return true
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// RetryAfter returns the provider-requested delay in seconds, if any.
func RetryAfter(err error) (float64, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter != nil {
		return *rl.RetryAfter, true
	}
	return 0, false
}
