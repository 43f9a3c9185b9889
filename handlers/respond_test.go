package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhuot/pyvisioniq/models"
	"github.com/mhuot/pyvisioniq/services/bluelink"
)

func encodeSanitized(t *testing.T, payload interface{}) string {
	t.Helper()
	data, err := json.Marshal(sanitizeJSON(payload))
	require.NoError(t, err)
	return string(data)
}

func TestSanitizeNaNPointerBecomesNull(t *testing.T) {
	nan := math.NaN()
	reading := models.BatteryReading{
		Timestamp:    time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		BatteryLevel: &nan,
	}

	encoded := encodeSanitized(t, reading)

	assert.Contains(t, encoded, `"battery_level":null`)
	assert.Contains(t, encoded, "2024-01-15T10:00:00Z")
}

func TestSanitizeInfinityInMapValue(t *testing.T) {
	payload := map[string]interface{}{
		"avg_power": math.Inf(1),
		"level":     72.5,
	}

	encoded := encodeSanitized(t, payload)

	assert.Contains(t, encoded, `"avg_power":null`)
	assert.Contains(t, encoded, `"level":72.5`)
}

func TestSanitizeNestedSliceOfStructs(t *testing.T) {
	nan := math.NaN()
	sessions := []models.ChargingSession{
		{
			SessionID: "charge_20240115_100000",
			StartTime: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
			AvgPower:  &nan,
		},
	}

	encoded := encodeSanitized(t, map[string]interface{}{"sessions": sessions})

	assert.Contains(t, encoded, `"avg_power":null`)
	assert.Contains(t, encoded, `"session_id":"charge_20240115_100000"`)
}

func TestSanitizeLeavesRawMessageAlone(t *testing.T) {
	payload := map[string]interface{}{
		"content": json.RawMessage(`{"vehicleStatus":{"evStatus":{"batteryStatus":72}}}`),
	}

	encoded := encodeSanitized(t, payload)

	assert.Contains(t, encoded, `"batteryStatus":72`)
}

func TestSanitizeCleanPayloadUnchanged(t *testing.T) {
	level := 55.0
	reading := models.BatteryReading{
		Timestamp:    time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		BatteryLevel: &level,
		IsCharging:   true,
	}

	encoded := encodeSanitized(t, reading)

	assert.Contains(t, encoded, `"battery_level":55`)
	assert.Contains(t, encoded, `"is_charging":true`)
}

func TestWriteErrorShape(t *testing.T) {
	rec := httptest.NewRecorder()

	writeError(rec, 400, "Invalid hours")

	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"Invalid hours"}`, rec.Body.String())
}

func TestWriteAPIErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"quota", &bluelink.APIError{Type: bluelink.ErrQuotaExhausted, Message: "daily limit reached"}, 429},
		{"auth", &bluelink.APIError{Type: bluelink.ErrAuth, Message: "invalid credentials"}, 401},
		{"network", &bluelink.APIError{Type: bluelink.ErrNetwork, Message: "timeout"}, 504},
		{"unavailable", &bluelink.APIError{Type: bluelink.ErrServiceUnavailable, Message: "maintenance"}, 503},
		{"unknown", &bluelink.APIError{Type: bluelink.ErrUnknown, Message: "weird"}, 500},
		{"unclassified", errors.New("plain failure"), 500},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeAPIError(rec, tc.err)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}
