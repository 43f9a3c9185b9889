package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhuot/pyvisioniq/cache"
	"github.com/mhuot/pyvisioniq/config"
	"github.com/mhuot/pyvisioniq/models"
	"github.com/mhuot/pyvisioniq/ratelimit"
	"github.com/mhuot/pyvisioniq/services"
	"github.com/mhuot/pyvisioniq/services/bluelink"
	"github.com/mhuot/pyvisioniq/storage"
)

type stubVehicleAPI struct {
	vehicle *bluelink.Vehicle
	err     error
}

func (s *stubVehicleAPI) RefreshToken() error { return nil }

func (s *stubVehicleAPI) RefreshState() (*bluelink.Vehicle, error) {
	return s.vehicle, s.err
}

func (s *stubVehicleAPI) CachedState() (*bluelink.Vehicle, error) {
	return nil, errors.New("no cached state")
}

func (s *stubVehicleAPI) ListVehicles() ([]bluelink.VehicleInfo, error) { return nil, nil }

type refreshFixture struct {
	handler  *RefreshHandler
	governor *ratelimit.Governor
	cache    *cache.Cache
	cfg      *config.Config
}

func newRefreshFixture(t *testing.T, api bluelink.VehicleAPI) *refreshFixture {
	t.Helper()

	cfg := &config.Config{
		BluelinkRegion:               bluelink.RegionUSA,
		BluelinkBrand:                bluelink.BrandHyundai,
		BluelinkVehicleID:            "VIN123",
		APIDailyLimit:                30,
		ChargingSessionGapMultiplier: 1.5,
		BatteryCapacityKWh:           77.4,
		WeatherSource:                "vehicle",
	}

	store, err := storage.NewCSVStore(t.TempDir(), cfg.BatteryCapacityKWh)
	require.NoError(t, err)
	governor := ratelimit.NewGovernor(cfg.APIDailyLimit, t.TempDir())
	responseCache := cache.New(t.TempDir(), true, 45*time.Minute, 48*time.Hour)
	tracker := storage.NewSessionTracker(store, cfg)
	service := services.NewVehicleDataService(api, governor, responseCache, store, tracker, nil, cfg)

	return &refreshFixture{
		handler:  NewRefreshHandler(service),
		governor: governor,
		cache:    responseCache,
		cfg:      cfg,
	}
}

func postRefresh(t *testing.T, handler *RefreshHandler, target string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest("POST", target, nil)
	rec := httptest.NewRecorder()
	handler.Refresh(rec, req)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return rec.Code, payload
}

func TestRefreshSuccess(t *testing.T) {
	level := 72.0
	updatedAt := time.Now()
	api := &stubVehicleAPI{vehicle: &bluelink.Vehicle{
		ID:             "VIN123",
		EVBatteryLevel: &level,
		LastUpdatedAt:  &updatedAt,
	}}
	f := newRefreshFixture(t, api)

	code, payload := postRefresh(t, f.handler, "/api/refresh")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", payload["status"])
	assert.Equal(t, "Data refreshed successfully", payload["message"])
	assert.Equal(t, false, payload["is_cached"])
	assert.Equal(t, 1, f.governor.CallsToday())
}

func TestRefreshServesValidCacheWithoutQuota(t *testing.T) {
	f := newRefreshFixture(t, &stubVehicleAPI{})
	fingerprint := cache.Fingerprint(f.cfg.BluelinkVehicleID, "full_data")
	require.NoError(t, f.cache.Store(fingerprint, &models.VehicleSnapshot{
		Timestamp: time.Now(),
		VehicleID: f.cfg.BluelinkVehicleID,
	}))

	code, payload := postRefresh(t, f.handler, "/api/refresh")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", payload["status"])
	assert.Equal(t, 0, f.governor.CallsToday())
}

func TestRefreshForceBypassesValidCache(t *testing.T) {
	level := 72.0
	updatedAt := time.Now()
	api := &stubVehicleAPI{vehicle: &bluelink.Vehicle{
		ID:             "VIN123",
		EVBatteryLevel: &level,
		LastUpdatedAt:  &updatedAt,
	}}
	f := newRefreshFixture(t, api)
	fingerprint := cache.Fingerprint(f.cfg.BluelinkVehicleID, "full_data")
	require.NoError(t, f.cache.Store(fingerprint, &models.VehicleSnapshot{
		Timestamp: time.Now(),
		VehicleID: f.cfg.BluelinkVehicleID,
	}))

	code, _ := postRefresh(t, f.handler, "/api/refresh?force=true")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, f.governor.CallsToday())
}

func TestRefreshQuotaExhausted(t *testing.T) {
	f := newRefreshFixture(t, &stubVehicleAPI{})
	for i := 0; i < f.cfg.APIDailyLimit; i++ {
		f.governor.RecordCall("test")
	}

	code, payload := postRefresh(t, f.handler, "/api/refresh")

	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, string(bluelink.ErrQuotaExhausted), payload["error_type"])
}

func TestRefreshVendorUnreachable(t *testing.T) {
	api := &stubVehicleAPI{err: &bluelink.APIError{Type: bluelink.ErrNetwork, Message: "connection refused"}}
	f := newRefreshFixture(t, api)

	code, payload := postRefresh(t, f.handler, "/api/refresh")

	assert.Equal(t, http.StatusGatewayTimeout, code)
	assert.Equal(t, string(bluelink.ErrNetwork), payload["error_type"])
	assert.Equal(t, 0, f.governor.CallsToday())
}
