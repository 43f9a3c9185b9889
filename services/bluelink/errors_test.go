package bluelink

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyRateLimitPhrases(t *testing.T) {
	phrases := []string{
		"Rate limit exceeded for account",
		"HTTP 429: Too Many Requests",
		"daily quota exceeded",
		"request was throttled",
	}
	for _, phrase := range phrases {
		classified := Classify(errors.New(phrase))
		assert.Equal(t, ErrQuotaExhausted, classified.Type, phrase)
		assert.True(t, classified.Retryable(), phrase)
	}
}

func TestClassifyAuthFailure(t *testing.T) {
	classified := Classify(errors.New("401 Unauthorized: invalid credentials"))
	assert.Equal(t, ErrAuth, classified.Type)
	assert.False(t, classified.Retryable())
}

func TestClassifyNetworkFailure(t *testing.T) {
	classified := Classify(fmt.Errorf("dial tcp: connection refused"))
	assert.Equal(t, ErrNetwork, classified.Type)
}

func TestClassifyVehicleOffline(t *testing.T) {
	classified := Classify(errors.New("unable to reach vehicle, it may be in sleep mode"))
	assert.Equal(t, ErrVehicleOffline, classified.Type)
}

func TestClassifyVehicleNotFound(t *testing.T) {
	classified := Classify(errors.New("vehicle not found on account"))
	assert.Equal(t, ErrVehicleNotFound, classified.Type)
}

func TestClassifyServiceUnavailable(t *testing.T) {
	classified := Classify(errors.New("vendor under maintenance window"))
	assert.Equal(t, ErrServiceUnavailable, classified.Type)
}

func TestClassifyUnknown(t *testing.T) {
	classified := Classify(errors.New("something odd happened"))
	assert.Equal(t, ErrUnknown, classified.Type)
}

func TestClassifyPassesThroughAPIError(t *testing.T) {
	original := &APIError{Type: ErrVehicleOffline, Message: "asleep"}
	assert.Same(t, original, Classify(original))
}

func TestClassifyStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorType
	}{
		{http.StatusTooManyRequests, ErrQuotaExhausted},
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusForbidden, ErrAuth},
		{http.StatusNotFound, ErrVehicleNotFound},
		{http.StatusGatewayTimeout, ErrNetwork},
		{http.StatusServiceUnavailable, ErrServiceUnavailable},
		{http.StatusInternalServerError, ErrServiceUnavailable},
	}
	for _, tc := range cases {
		classified := classifyStatus(tc.status, "")
		assert.Equal(t, tc.want, classified.Type, "status %d", tc.status)
		assert.Equal(t, tc.status, classified.StatusCode)
	}
}

func TestLocalQuotaErrorNotRetryable(t *testing.T) {
	local := &APIError{Type: ErrQuotaExhausted, Message: "daily limit reached"}
	assert.False(t, local.Retryable())

	remote := classifyStatus(http.StatusTooManyRequests, "slow down")
	assert.True(t, remote.Retryable())
}
