package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhuot/pyvisioniq/models"
	"github.com/mhuot/pyvisioniq/storage"
)

func floatPtr(v float64) *float64 { return &v }

func seedTrips(t *testing.T) *TripsHandler {
	t.Helper()
	store, err := storage.NewCSVStore(t.TempDir(), 77.4)
	require.NoError(t, err)

	trips := []models.TripRecord{
		{Timestamp: time.Now(), Date: "20240110", Distance: floatPtr(5.0), TripsCount: 1, OdometerStart: floatPtr(1000)},
		{Timestamp: time.Now(), Date: "20240112", Distance: floatPtr(25.0), TripsCount: 1, OdometerStart: floatPtr(1005)},
		{Timestamp: time.Now(), Date: "20240114", Distance: floatPtr(12.0), TripsCount: 1, OdometerStart: floatPtr(1030)},
		{Timestamp: time.Now(), Date: "20240116", Distance: nil, TripsCount: 1, OdometerStart: floatPtr(1042)},
		{Timestamp: time.Now(), Date: "20240118", Distance: floatPtr(40.0), TripsCount: 1, OdometerStart: floatPtr(1042)},
	}
	stored, err := store.StoreTrips(trips)
	require.NoError(t, err)
	require.Equal(t, len(trips), stored)

	return NewTripsHandler(store)
}

func listTrips(t *testing.T, handler *TripsHandler, target string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	rec := httptest.NewRecorder()
	handler.List(rec, req)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return rec.Code, payload
}

func tripDates(t *testing.T, payload map[string]interface{}) []string {
	t.Helper()
	raw, ok := payload["trips"].([]interface{})
	require.True(t, ok)

	var dates []string
	for _, item := range raw {
		trip := item.(map[string]interface{})
		dates = append(dates, trip["date"].(string))
	}
	return dates
}

func TestTripsSortedNewestFirst(t *testing.T) {
	handler := seedTrips(t)

	code, payload := listTrips(t, handler, "/api/trips")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(5), payload["total"])
	assert.Equal(t, float64(1), payload["page"])
	assert.Equal(t, float64(10), payload["per_page"])
	assert.Equal(t, float64(1), payload["total_pages"])
	assert.Equal(t, []string{"20240118", "20240116", "20240114", "20240112", "20240110"}, tripDates(t, payload))
}

func TestTripsPagination(t *testing.T) {
	handler := seedTrips(t)

	code, payload := listTrips(t, handler, "/api/trips?page=2&per_page=2")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(5), payload["total"])
	assert.Equal(t, float64(3), payload["total_pages"])
	assert.Equal(t, []string{"20240114", "20240112"}, tripDates(t, payload))
}

func TestTripsPageBeyondEndIsEmpty(t *testing.T) {
	handler := seedTrips(t)

	code, payload := listTrips(t, handler, "/api/trips?page=9&per_page=2")

	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, payload["trips"])
	assert.Equal(t, float64(5), payload["total"])
}

func TestTripsDateRangeFilter(t *testing.T) {
	handler := seedTrips(t)

	code, payload := listTrips(t, handler, "/api/trips?start_date=20240112&end_date=20240114")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"20240114", "20240112"}, tripDates(t, payload))
}

func TestTripsDateFilterAcceptsDashedDates(t *testing.T) {
	handler := seedTrips(t)

	code, payload := listTrips(t, handler, "/api/trips?start_date=2024-01-12&end_date=2024-01-14")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"20240114", "20240112"}, tripDates(t, payload))
}

func TestTripsDistanceFiltersExcludeUnknownDistance(t *testing.T) {
	handler := seedTrips(t)

	code, payload := listTrips(t, handler, "/api/trips?min_distance=10")

	assert.Equal(t, http.StatusOK, code)
	// The nil-distance trip drops out when a distance filter is active.
	assert.Equal(t, []string{"20240118", "20240114", "20240112"}, tripDates(t, payload))

	code, payload = listTrips(t, handler, "/api/trips?max_distance=20")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"20240114", "20240110"}, tripDates(t, payload))
}

func TestTripsRejectsBadPagination(t *testing.T) {
	handler := seedTrips(t)

	for _, target := range []string{
		"/api/trips?page=0",
		"/api/trips?page=x",
		"/api/trips?per_page=0",
		"/api/trips?per_page=x",
		"/api/trips?min_distance=x",
		"/api/trips?max_distance=x",
	} {
		code, _ := listTrips(t, handler, target)
		assert.Equal(t, http.StatusBadRequest, code, target)
	}
}

func TestTripsHoursFilter(t *testing.T) {
	store, err := storage.NewCSVStore(t.TempDir(), 77.4)
	require.NoError(t, err)

	today := time.Now().Format("20060102")
	old := time.Now().AddDate(0, 0, -10).Format("20060102")
	_, err = store.StoreTrips([]models.TripRecord{
		{Timestamp: time.Now(), Date: today, Distance: floatPtr(10), TripsCount: 1, OdometerStart: floatPtr(1)},
		{Timestamp: time.Now(), Date: old, Distance: floatPtr(20), TripsCount: 1, OdometerStart: floatPtr(2)},
	})
	require.NoError(t, err)
	handler := NewTripsHandler(store)

	code, payload := listTrips(t, handler, "/api/trips?hours=48")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{today}, tripDates(t, payload))
}
