package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhuot/pyvisioniq/models"
	"github.com/mhuot/pyvisioniq/storage"
)

func completedSession(start time.Time, startLevel, endLevel float64) models.ChargingSession {
	end := start.Add(90 * time.Minute)
	duration := 90.0
	energy := 15.48
	return models.ChargingSession{
		SessionID:       "charge_" + start.Format("20060102_150405"),
		StartTime:       start,
		EndTime:         &end,
		DurationMinutes: &duration,
		StartBattery:    &startLevel,
		EndBattery:      &endLevel,
		EnergyAdded:     &energy,
		IsComplete:      true,
	}
}

func listSessions(t *testing.T, handler *SessionsHandler, target string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	rec := httptest.NewRecorder()
	handler.List(rec, req)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return rec.Code, payload
}

func TestSessionsInWindow(t *testing.T) {
	store, err := storage.NewCSVStore(t.TempDir(), 77.4)
	require.NoError(t, err)
	require.NoError(t, store.SaveChargingSession(completedSession(time.Now().Add(-2*time.Hour), 40, 60)))
	require.NoError(t, store.SaveChargingSession(completedSession(time.Now().Add(-72*time.Hour), 20, 80)))
	handler := NewSessionsHandler(store)

	code, payload := listSessions(t, handler, "/api/charging-sessions?hours=24")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), payload["count"])
	assert.Equal(t, false, payload["fallback"])
}

func TestSessionsEmptyWindowFallsBackToRecent(t *testing.T) {
	store, err := storage.NewCSVStore(t.TempDir(), 77.4)
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		start := time.Now().AddDate(0, 0, -30-i)
		require.NoError(t, store.SaveChargingSession(completedSession(start, 40, 60)))
	}
	handler := NewSessionsHandler(store)

	code, payload := listSessions(t, handler, "/api/charging-sessions?hours=24")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, payload["fallback"])
	assert.Equal(t, float64(10), payload["count"], "fallback caps at ten most recent")
}

func TestSessionsNoDataAtAll(t *testing.T) {
	store, err := storage.NewCSVStore(t.TempDir(), 77.4)
	require.NoError(t, err)
	handler := NewSessionsHandler(store)

	code, payload := listSessions(t, handler, "/api/charging-sessions")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), payload["count"])
	assert.Equal(t, false, payload["fallback"])
}

func TestSessionsRejectsBadWindow(t *testing.T) {
	store, err := storage.NewCSVStore(t.TempDir(), 77.4)
	require.NoError(t, err)
	handler := NewSessionsHandler(store)

	code, payload := listSessions(t, handler, "/api/charging-sessions?hours=junk")

	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, fmt.Sprintf("invalid hours: %s", "junk"), payload["error"])
}
