package bluelink

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorType classifies an upstream failure for retry and reporting decisions.
type ErrorType string

const (
	ErrQuotaExhausted     ErrorType = "QuotaExhausted"
	ErrAuth               ErrorType = "AuthError"
	ErrNetwork            ErrorType = "Network"
	ErrServiceUnavailable ErrorType = "ServiceUnavailable"
	ErrVehicleOffline     ErrorType = "VehicleOffline"
	ErrVehicleNotFound    ErrorType = "VehicleNotFound"
	ErrPartialPayload     ErrorType = "PartialPayload"
	ErrUnknown            ErrorType = "Unknown"
)

// APIError is a classified vendor API failure.
type APIError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	// Remote marks quota errors reported by the vendor, as opposed to the
	// local governor refusing the call. Only remote ones are retryable.
	Remote bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Retryable reports whether the fetch pipeline may retry after this error.
func (e *APIError) Retryable() bool {
	return e.Type == ErrQuotaExhausted && e.Remote
}

func newAPIError(errType ErrorType, message string) *APIError {
	return &APIError{Type: errType, Message: message}
}

var rateLimitPhrases = []string{
	"rate limit",
	"too many requests",
	"quota exceeded",
	"throttled",
	"429",
	"limit exceeded",
}

// IsRateLimitMessage reports whether an error message looks like a vendor
// rate-limit rejection. The vendor is not consistent about how it says no,
// so this is a phrase match.
func IsRateLimitMessage(message string) bool {
	lower := strings.ToLower(message)
	for _, phrase := range rateLimitPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// Classify maps an arbitrary error onto the taxonomy. Already-classified
// errors pass through unchanged.
func Classify(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	message := err.Error()

	var netErr net.Error
	if errors.As(err, &netErr) {
		classified := newAPIError(ErrNetwork, message)
		if netErr.Timeout() {
			classified.Message = "timeout: " + message
		}
		return classified
	}

	lower := strings.ToLower(message)
	switch {
	case IsRateLimitMessage(message):
		classified := newAPIError(ErrQuotaExhausted, message)
		classified.Remote = true
		return classified
	case containsAny(lower, "unauthorized", "invalid credentials", "authentication", "login failed", "token expired", "invalid token", "forbidden"):
		return newAPIError(ErrAuth, message)
	case containsAny(lower, "timeout", "connection refused", "connection reset", "no such host", "tls", "ssl", "eof", "broken pipe"):
		return newAPIError(ErrNetwork, message)
	case containsAny(lower, "maintenance", "service unavailable", "temporarily unavailable", "internal server error"):
		return newAPIError(ErrServiceUnavailable, message)
	case containsAny(lower, "vehicle is offline", "unable to reach vehicle", "vehicle not responding", "sleep mode"):
		return newAPIError(ErrVehicleOffline, message)
	case containsAny(lower, "vehicle not found", "unknown vehicle", "invalid vehicle"):
		return newAPIError(ErrVehicleNotFound, message)
	case containsAny(lower, "vehiclestatus", "missing field", "unexpected end of json"):
		return newAPIError(ErrPartialPayload, message)
	default:
		return newAPIError(ErrUnknown, message)
	}
}

// classifyStatus maps an HTTP response status onto the taxonomy before the
// body text is consulted.
func classifyStatus(status int, body string) *APIError {
	classified := &APIError{Message: body, StatusCode: status}
	switch {
	case status == http.StatusTooManyRequests:
		classified.Type = ErrQuotaExhausted
		classified.Remote = true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		classified.Type = ErrAuth
	case status == http.StatusNotFound:
		classified.Type = ErrVehicleNotFound
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		classified.Type = ErrNetwork
	case status >= 500:
		classified.Type = ErrServiceUnavailable
	case IsRateLimitMessage(body):
		classified.Type = ErrQuotaExhausted
		classified.Remote = true
	default:
		classified.Type = ErrUnknown
	}
	return classified
}

func containsAny(s string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
