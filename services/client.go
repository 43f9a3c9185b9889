package services

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/mhuot/pyvisioniq/cache"
	"github.com/mhuot/pyvisioniq/config"
	"github.com/mhuot/pyvisioniq/metrics"
	"github.com/mhuot/pyvisioniq/models"
	"github.com/mhuot/pyvisioniq/ratelimit"
	"github.com/mhuot/pyvisioniq/services/bluelink"
	"github.com/mhuot/pyvisioniq/storage"
)

// Fetch sources, recorded in the governor's call history. Scheduler and
// manual fetches serve a valid cache entry when one exists; force_refresh
// bypasses the response cache but never the quota.
const (
	SourceScheduler    = "scheduler"
	SourceManual       = "manual"
	SourceForceRefresh = "force_refresh"
)

// cacheMethod keys the response cache fingerprint.
const cacheMethod = "full_data"

// Notifier pushes collection lifecycle events to connected dashboards.
type Notifier interface {
	Broadcast(event string, payload interface{})
}

// retrySleep is swapped out in tests.
var retrySleep = time.Sleep

// VehicleDataService runs the poll pipeline: cache check, quota check,
// token refresh, vendor call with rate-limit retries, normalization,
// freshness classification and persistence.
type VehicleDataService struct {
	api      bluelink.VehicleAPI
	governor *ratelimit.Governor
	cache    *cache.Cache
	store    storage.Store
	tracker  *storage.SessionTracker
	weather  *WeatherService
	cfg      *config.Config

	// Optional fan-out, wired by main when configured.
	Publisher *Publisher
	Notifier  Notifier

	fingerprint string
	maxRetries  int

	// One collection at a time, so session tracking sees readings in order.
	mu sync.Mutex
}

func NewVehicleDataService(api bluelink.VehicleAPI, governor *ratelimit.Governor, responseCache *cache.Cache,
	store storage.Store, tracker *storage.SessionTracker, weather *WeatherService, cfg *config.Config) *VehicleDataService {
	return &VehicleDataService{
		api:         api,
		governor:    governor,
		cache:       responseCache,
		store:       store,
		tracker:     tracker,
		weather:     weather,
		cfg:         cfg,
		fingerprint: cache.Fingerprint(cfg.BluelinkVehicleID, cacheMethod),
		maxRetries:  3,
	}
}

// Fetch returns a vehicle snapshot, from cache when a valid entry exists
// and the caller did not force a refresh. A quota-blocked fetch returns the
// best stale cache entry alongside the QuotaExhausted error.
func (s *VehicleDataService) Fetch(source string) (*models.VehicleSnapshot, error) {
	force := source == SourceForceRefresh

	if !force {
		if snapshot, age, ok := s.cache.Load(s.fingerprint); ok {
			log.Printf("Using cached vehicle data (age: %s)", age.Round(time.Second))
			metrics.APICalls.WithLabelValues(metrics.StatusCached).Inc()
			metrics.RecordCacheAge(age)
			return snapshot, nil
		}
	}

	if !s.governor.CanCall() {
		log.Printf("WARNING: Daily API limit reached (%d/%d), refusing call [source=%s]",
			s.governor.CallsToday(), s.governor.DailyLimit(), source)
		metrics.APICalls.WithLabelValues(metrics.StatusQuotaBlocked).Inc()
		quotaErr := &bluelink.APIError{
			Type:    bluelink.ErrQuotaExhausted,
			Message: fmt.Sprintf("daily limit of %d API calls reached", s.governor.DailyLimit()),
		}
		if snapshot, age, ok := s.cache.LoadStale(s.fingerprint); ok {
			stale := *snapshot
			stale.IsCached = true
			log.Printf("Serving stale cache instead (age: %s)", age.Round(time.Second))
			return &stale, quotaErr
		}
		return nil, quotaErr
	}

	if err := s.api.RefreshToken(); err != nil {
		apiErr := bluelink.Classify(err)
		log.Printf("ERROR: Token refresh failed: %v", err)
		s.writeErrorRecord(apiErr, "token_refresh")
		metrics.APICalls.WithLabelValues(metrics.StatusError).Inc()
		return nil, apiErr
	}

	vehicle, err := s.refreshWithRetry(source)
	if err != nil {
		apiErr := bluelink.Classify(err)
		if apiErr.Type == bluelink.ErrPartialPayload {
			// The force-refresh endpoint sometimes returns a torso without
			// vehicleStatus; the server-side cached state is complete.
			log.Printf("WARNING: Partial vehicle payload, falling back to cached state call")
			vehicle, err = s.api.CachedState()
			if err != nil {
				apiErr = bluelink.Classify(err)
			}
		}
		if err != nil {
			log.Printf("ERROR: Vehicle fetch failed: %v", err)
			if apiErr.Type == bluelink.ErrQuotaExhausted {
				s.governor.RecordRateLimitHit(source, apiErr.Message)
			}
			if apiErr.Type != bluelink.ErrPartialPayload {
				s.writeErrorRecord(apiErr, "")
			}
			metrics.APICalls.WithLabelValues(metrics.StatusError).Inc()
			if snapshot, age, ok := s.cache.LoadStale(s.fingerprint); ok {
				stale := *snapshot
				stale.IsCached = true
				log.Printf("Returning last good cache after failure (age: %s)", age.Round(time.Second))
				return &stale, apiErr
			}
			return nil, apiErr
		}
	}

	s.governor.RecordCall(source)
	s.governor.ResetBackoff()

	// The previous snapshot, fresh or stale, is the freshness baseline.
	previous, _, _ := s.cache.LoadStale(s.fingerprint)

	snapshot := bluelink.Normalize(vehicle, s.cfg.BluelinkRegion)
	snapshot.PayloadDigest = cache.Digest(snapshot.Raw)
	snapshot.IsCached = !cache.IsFresh(snapshot, previous)
	if snapshot.IsCached {
		log.Printf("WARNING: Vendor returned replayed data (no new vehicle update)")
	}

	if err := s.cache.Store(s.fingerprint, snapshot); err != nil {
		log.Printf("ERROR: Failed to cache snapshot: %v", err)
	}

	metrics.APICalls.WithLabelValues(metrics.StatusSuccess).Inc()
	metrics.RecordQuota(s.governor.RemainingCalls(), s.governor.BackoffMultiplier())
	return snapshot, nil
}

// refreshWithRetry calls the vendor state refresh, retrying only on remote
// rate-limit errors with exponential backoff and jitter.
func (s *VehicleDataService) refreshWithRetry(source string) (*bluelink.Vehicle, error) {
	for attempt := 0; ; attempt++ {
		start := time.Now()
		vehicle, err := s.api.RefreshState()
		metrics.APIResponseSeconds.Observe(time.Since(start).Seconds())
		if err == nil {
			return vehicle, nil
		}

		apiErr := bluelink.Classify(err)
		if !apiErr.Retryable() || attempt >= s.maxRetries {
			return nil, err
		}

		delay := time.Duration(math.Pow(2, float64(attempt)) * (0.5 + rand.Float64()) * float64(time.Second))
		log.Printf("WARNING: Vendor rate limit (attempt %d/%d), retrying in %s: %v",
			attempt+1, s.maxRetries+1, delay.Round(time.Millisecond), err)
		retrySleep(delay)
	}
}

// Collect runs one full collection: fetch, enrich with weather, persist
// battery, trips, location and derived charging sessions, then fan out.
func (s *VehicleDataService) Collect(source string) (*models.VehicleSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notify("collection_started", map[string]interface{}{"source": source})

	snapshot, err := s.Fetch(source)
	if err != nil {
		action := "error"
		if apiErr, ok := err.(*bluelink.APIError); ok && apiErr.Type == bluelink.ErrQuotaExhausted && !apiErr.Remote {
			action = "quota_blocked"
		}
		s.logCollection(action, source, err.Error())
		s.notify("collection_failed", map[string]interface{}{"source": source, "error": err.Error()})
		return snapshot, err
	}

	if err := s.persist(snapshot); err != nil {
		log.Printf("ERROR: Failed to persist collection: %v", err)
		s.logCollection("store_error", source, err.Error())
		s.notify("collection_failed", map[string]interface{}{"source": source, "error": err.Error()})
		return snapshot, err
	}

	s.logCollection("stored", source, collectionDetail(snapshot))
	metrics.RecordSnapshot(snapshot)
	metrics.RecordQuota(s.governor.RemainingCalls(), s.governor.BackoffMultiplier())

	if s.Publisher != nil {
		s.Publisher.PublishSnapshot(snapshot)
	}
	s.notify("collection_finished", map[string]interface{}{
		"source":    source,
		"timestamp": snapshot.Timestamp.Format(time.RFC3339),
		"is_cached": snapshot.IsCached,
	})
	s.notify("quota_updated", s.governor.Status())
	return snapshot, nil
}

// CachedSnapshot returns the newest cached snapshot regardless of validity,
// for read-only surfaces that must never trigger a vendor call.
func (s *VehicleDataService) CachedSnapshot() (*models.VehicleSnapshot, time.Duration, bool) {
	return s.cache.LoadStale(s.fingerprint)
}

func (s *VehicleDataService) persist(snapshot *models.VehicleSnapshot) error {
	meteoTemp := s.fetchMeteoTemp(snapshot)
	vehicleTemp := snapshot.AirTemperature

	// The canonical temperature column is Celsius; vehicle_temp keeps the
	// vendor's Fahrenheit value untouched.
	var temperature *float64
	if s.cfg.WeatherSource == "meteo" {
		temperature = meteoTemp
	} else if vehicleTemp != nil {
		celsius := FahrenheitToCelsius(*vehicleTemp)
		temperature = &celsius
	}

	if snapshot.HasBattery() {
		previous, err := s.store.GetLatestBatteryReading()
		if err != nil {
			log.Printf("WARNING: Failed to read previous battery state: %v", err)
		}

		reading := models.BatteryReading{
			Timestamp:     snapshot.Timestamp,
			BatteryLevel:  snapshot.Battery.Level,
			IsCharging:    snapshot.Battery.IsCharging,
			IsPluggedIn:   snapshot.Battery.IsPluggedIn,
			ChargingPower: snapshot.Battery.ChargingPower,
			RemainingTime: snapshot.Battery.RemainingTime,
			Range:         snapshot.Battery.Range,
			Temperature:   temperature,
			Odometer:      snapshot.Odometer,
			MeteoTemp:     meteoTemp,
			VehicleTemp:   vehicleTemp,
			IsCached:      snapshot.IsCached,
		}
		if err := s.store.StoreBatteryReading(reading); err != nil {
			return fmt.Errorf("failed to store battery reading: %v", err)
		}
		if err := s.tracker.ProcessReading(previous, reading, snapshot.Location); err != nil {
			log.Printf("ERROR: Charging session tracking failed: %v", err)
		}
	}

	if len(snapshot.Trips) > 0 {
		trips := snapshot.Trips
		if temperature != nil {
			for i := range trips {
				if trips[i].EndTemperature == nil {
					trips[i].EndTemperature = temperature
				}
			}
		}
		if _, err := s.store.StoreTrips(trips); err != nil {
			return fmt.Errorf("failed to store trips: %v", err)
		}
	}

	if snapshot.Location.Latitude != nil && snapshot.Location.Longitude != nil {
		err := s.store.StoreLocation(models.LocationReading{
			Timestamp:   snapshot.Timestamp,
			Latitude:    *snapshot.Location.Latitude,
			Longitude:   *snapshot.Location.Longitude,
			LastUpdated: snapshot.Location.LastUpdated,
		})
		if err != nil {
			return fmt.Errorf("failed to store location: %v", err)
		}
	}

	return nil
}

// fetchMeteoTemp enriches the snapshot with current-conditions temperature
// in Celsius. Weather failures only log; the snapshot is stored either way.
func (s *VehicleDataService) fetchMeteoTemp(snapshot *models.VehicleSnapshot) *float64 {
	if s.weather == nil || snapshot.Location.Latitude == nil || snapshot.Location.Longitude == nil {
		return nil
	}
	report, err := s.weather.CurrentWeather(*snapshot.Location.Latitude, *snapshot.Location.Longitude)
	if err != nil {
		log.Printf("WARNING: Weather fetch failed: %v", err)
		return nil
	}
	if report.Temperature == nil {
		return nil
	}
	celsius := FahrenheitToCelsius(*report.Temperature)
	return &celsius
}

func (s *VehicleDataService) writeErrorRecord(apiErr *bluelink.APIError, stage string) {
	s.cache.WriteErrorRecord(cache.ErrorRecord{
		ErrorType:    string(apiErr.Type),
		ErrorMessage: apiErr.Message,
		ErrorStage:   stage,
		Region:       s.cfg.BluelinkRegion,
		Brand:        s.cfg.BluelinkBrand,
		VehicleID:    s.cfg.BluelinkVehicleID,
	})
}

func (s *VehicleDataService) logCollection(action, source, detail string) {
	err := s.store.LogCollection(models.CollectionLogEntry{
		Timestamp: time.Now(),
		Action:    action,
		Source:    source,
		Detail:    detail,
	})
	if err != nil {
		log.Printf("WARNING: Failed to record collection log entry: %v", err)
	}
}

func (s *VehicleDataService) notify(event string, payload interface{}) {
	if s.Notifier != nil {
		s.Notifier.Broadcast(event, payload)
	}
}

func collectionDetail(snapshot *models.VehicleSnapshot) string {
	detail := "no battery data"
	if snapshot.Battery.Level != nil {
		detail = fmt.Sprintf("battery=%.1f%%", *snapshot.Battery.Level)
	}
	if len(snapshot.Trips) > 0 {
		detail += fmt.Sprintf(" trips=%d", len(snapshot.Trips))
	}
	if snapshot.IsCached {
		detail += " (replayed)"
	}
	return detail
}
