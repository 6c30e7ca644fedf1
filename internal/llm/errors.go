package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotConfigured is returned by New when no credential is available
var ErrNotConfigured = errors.New("no AI provider configured")

// ErrorType categorizes provider errors for rotation and user messaging decisions.
type ErrorType string

const (
	ErrorTypeUnknown         ErrorType = "unknown"
	ErrorTypeContextOverflow ErrorType = "context_overflow"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeOverloaded      ErrorType = "overloaded"
	ErrorTypeAuth            ErrorType = "auth"
	ErrorTypeBilling         ErrorType = "billing"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeFormat          ErrorType = "format"
	ErrorTypeEmpty           ErrorType = "empty_response"
)

// ProviderError is a failed completion
type ProviderError struct {
	Provider string
	Type     ErrorType
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps err, classifying it from its message
func NewProviderError(provider string, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProviderError{Provider: provider, Type: ClassifyError(err.Error()), Err: err}
}

// ClassifyError determines the error type from an error message.
// Returns ErrorTypeUnknown if the error doesn't match any known pattern.
func ClassifyError(msg string) ErrorType {
	if msg == "" {
		return ErrorTypeUnknown
	}
	// order matters: overflow and rate limits mention other keywords too
	if IsContextOverflowMessage(msg) {
		return ErrorTypeContextOverflow
	}
	if IsRateLimitMessage(msg) {
		return ErrorTypeRateLimit
	}
	if IsOverloadedMessage(msg) {
		return ErrorTypeOverloaded
	}
	if IsBillingMessage(msg) {
		return ErrorTypeBilling
	}
	if IsAuthMessage(msg) {
		return ErrorTypeAuth
	}
	if IsTimeoutMessage(msg) {
		return ErrorTypeTimeout
	}
	if IsFormatMessage(msg) {
		return ErrorTypeFormat
	}
	return ErrorTypeUnknown
}

// IsFailoverError returns true if another credential might succeed where
// this one failed. Oversized or malformed prompts fail the same way everywhere.
func IsFailoverError(errType ErrorType) bool {
	switch errType {
	case ErrorTypeContextOverflow, ErrorTypeFormat:
		return false
	default:
		return true
	}
}

// FormatErrorForUser returns a short user-facing description of err
func FormatErrorForUser(err error) string {
	if errors.Is(err, ErrNotConfigured) {
		return "AI is not configured on this bot."
	}

	var pe *ProviderError
	if !errors.As(err, &pe) {
		return fmt.Sprintf("AI Error: %v", err)
	}

	switch pe.Type {
	case ErrorTypeContextOverflow:
		return "AI Error: the question and memory are too large for the model."
	case ErrorTypeRateLimit:
		return "AI Error: rate limited, please wait a moment and try again."
	case ErrorTypeOverloaded:
		return "AI Error: the AI service is temporarily overloaded, try again shortly."
	case ErrorTypeAuth:
		return "AI Error: the API key was rejected."
	case ErrorTypeBilling:
		return "AI Error: the AI account is out of quota."
	case ErrorTypeTimeout:
		return "AI Error: request timed out, please try again."
	case ErrorTypeEmpty:
		return "AI Error: the model returned no text."
	default:
		return fmt.Sprintf("AI Error: %s", firstLine(pe.Err.Error()))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// IsContextOverflowMessage checks if an error message indicates context overflow.
func IsContextOverflowMessage(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)

	if strings.Contains(lower, "context_length_exceeded") ||
		strings.Contains(lower, "context length exceeded") ||
		strings.Contains(lower, "maximum context length") ||
		strings.Contains(lower, "prompt is too long") ||
		strings.Contains(lower, "request_too_large") ||
		strings.Contains(lower, "exceeds the maximum number of tokens") ||
		strings.Contains(lower, "input token count") {
		return true
	}

	// HTTP 413 with size indication
	return strings.Contains(lower, "413") && strings.Contains(lower, "too large")
}

// IsRateLimitMessage checks if a message indicates rate limiting.
func IsRateLimitMessage(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)

	// HTTP 429
	if strings.Contains(lower, "429") {
		return true
	}

	return strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "exceeded your current quota") ||
		strings.Contains(lower, "quota exceeded") ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "resource has been exhausted") ||
		strings.Contains(lower, "requests per minute") ||
		strings.Contains(lower, "requests per day")
}

// IsOverloadedMessage checks if a message indicates the service is overloaded.
func IsOverloadedMessage(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)

	// HTTP 503
	if strings.Contains(lower, "503") && (strings.Contains(lower, "service") || strings.Contains(lower, "unavailable")) {
		return true
	}

	return strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "server is busy") ||
		strings.Contains(lower, "temporarily unavailable") ||
		strings.Contains(lower, "model is currently experiencing high demand")
}

// IsAuthMessage checks if a message indicates authentication failure.
func IsAuthMessage(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)

	// HTTP 401, 403
	if strings.Contains(lower, "401") || strings.Contains(lower, "403") {
		return true
	}

	return strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "invalid_api_key") ||
		strings.Contains(lower, "api key not valid") ||
		strings.Contains(lower, "api_key_invalid") ||
		strings.Contains(lower, "incorrect api key") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "permission_denied") ||
		strings.Contains(lower, "authentication")
}

// IsBillingMessage checks if a message indicates billing/payment issues.
func IsBillingMessage(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)

	// HTTP 402
	if strings.Contains(lower, "402") {
		return true
	}

	return strings.Contains(lower, "payment required") ||
		strings.Contains(lower, "insufficient credits") ||
		strings.Contains(lower, "credit balance") ||
		strings.Contains(lower, "billing") ||
		strings.Contains(lower, "insufficient_quota")
}

// IsTimeoutMessage checks if a message indicates a timeout.
func IsTimeoutMessage(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)

	// HTTP 408, 504
	if strings.Contains(lower, "408") || strings.Contains(lower, "504") {
		return true
	}

	return strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded") ||
		strings.Contains(lower, "connection reset")
}

// IsFormatMessage checks if a message indicates invalid request format.
func IsFormatMessage(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)

	return strings.Contains(lower, "invalid request format") ||
		strings.Contains(lower, "invalid_argument") ||
		strings.Contains(lower, "invalid_request_error") ||
		strings.Contains(lower, "malformed")
}
