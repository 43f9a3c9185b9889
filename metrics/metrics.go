package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mhuot/pyvisioniq/models"
)

// API call outcomes for the calls counter.
const (
	StatusSuccess      = "success"
	StatusError        = "error"
	StatusCached       = "cached"
	StatusQuotaBlocked = "quota_blocked"
)

var (
	BatteryLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pyvisioniq_battery_level",
		Help: "Current battery state of charge in percent.",
	})
	BatteryRange = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pyvisioniq_battery_range_km",
		Help: "Estimated driving range in kilometers.",
	})
	Odometer = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pyvisioniq_odometer_km",
		Help: "Vehicle odometer in kilometers.",
	})
	IsCharging = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pyvisioniq_is_charging",
		Help: "1 while the vehicle reports an active charge, else 0.",
	})
	ChargingPower = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pyvisioniq_charging_power_kw",
		Help: "Reported charging power in kilowatts.",
	})
	RateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pyvisioniq_rate_limit_remaining",
		Help: "API calls left in today's quota.",
	})
	BackoffMultiplier = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pyvisioniq_backoff_multiplier",
		Help: "Current rate-limit backoff multiplier.",
	})
	CacheAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pyvisioniq_cache_age_seconds",
		Help: "Age of the current cache entry in seconds.",
	})

	APICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pyvisioniq_api_calls_total",
		Help: "Vehicle API fetch outcomes.",
	}, []string{"status"})

	APIResponseSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pyvisioniq_api_response_seconds",
		Help:    "Vendor API response time.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
	})
)

// RecordSnapshot pushes the vehicle gauges from one normalized snapshot.
func RecordSnapshot(s *models.VehicleSnapshot) {
	if s == nil {
		return
	}
	if s.Battery.Level != nil {
		BatteryLevel.Set(*s.Battery.Level)
	}
	if s.Battery.Range != nil {
		BatteryRange.Set(*s.Battery.Range)
	}
	if s.Odometer != nil {
		Odometer.Set(*s.Odometer)
	}
	if s.Battery.IsCharging {
		IsCharging.Set(1)
	} else {
		IsCharging.Set(0)
	}
	if s.Battery.ChargingPower != nil {
		ChargingPower.Set(*s.Battery.ChargingPower)
	}
}

// RecordQuota pushes the governor gauges.
func RecordQuota(remaining int, backoff float64) {
	RateLimitRemaining.Set(float64(remaining))
	BackoffMultiplier.Set(backoff)
}

// RecordCacheAge pushes the cache age gauge.
func RecordCacheAge(age time.Duration) {
	CacheAge.Set(age.Seconds())
}
