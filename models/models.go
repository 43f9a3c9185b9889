package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// VehicleSnapshot is one normalized poll result from the vendor API.
type VehicleSnapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	VehicleID string        `json:"vehicle_id"`
	Odometer  *float64      `json:"odometer"`
	Battery   BatteryState  `json:"battery"`
	Location  LocationState `json:"location"`
	Trips     []TripRecord  `json:"trips"`
	// AirTemperature is the cabin-ambient sensor value exactly as the vendor
	// reports it (degrees Fahrenheit for US-region accounts).
	AirTemperature  *float64        `json:"air_temperature,omitempty"`
	Raw             json.RawMessage `json:"raw_data,omitempty"`
	VendorUpdatedAt *time.Time      `json:"api_last_updated,omitempty"`
	PayloadDigest   string          `json:"payload_digest,omitempty"`
	IsCached        bool            `json:"is_cached"`
}

// HasBattery reports whether the snapshot carries usable battery data.
func (s *VehicleSnapshot) HasBattery() bool {
	return s.Battery.Level != nil
}

type BatteryState struct {
	Level         *float64 `json:"level"`
	IsCharging    bool     `json:"is_charging"`
	IsPluggedIn   *bool    `json:"is_plugged_in,omitempty"`
	ChargingPower *float64 `json:"charging_power,omitempty"`
	RemainingTime *float64 `json:"remaining_time,omitempty"`
	Range         *float64 `json:"range,omitempty"`
}

type LocationState struct {
	Latitude    *float64   `json:"latitude"`
	Longitude   *float64   `json:"longitude"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// TripRecord is one driving trip as reported by the vendor, normalized to
// metric units. Identity is (date, distance, odometer_start); re-ingesting
// the same key is a no-op in every storage backend.
type TripRecord struct {
	Timestamp           time.Time `json:"timestamp"`
	Date                string    `json:"date"`
	Distance            *float64  `json:"distance"`
	Duration            *float64  `json:"duration"`
	AverageSpeed        *float64  `json:"average_speed"`
	MaxSpeed            *float64  `json:"max_speed"`
	IdleTime            *float64  `json:"idle_time"`
	TripsCount          int       `json:"trips_count"`
	TotalConsumed       *float64  `json:"total_consumed"`
	RegeneratedEnergy   *float64  `json:"regenerated_energy"`
	AccessoriesConsumed *float64  `json:"accessories_consumed"`
	ClimateConsumed     *float64  `json:"climate_consumed"`
	DrivetrainConsumed  *float64  `json:"drivetrain_consumed"`
	BatteryCareConsumed *float64  `json:"battery_care_consumed"`
	OdometerStart       *float64  `json:"odometer_start"`
	EndLatitude         *float64  `json:"end_latitude"`
	EndLongitude        *float64  `json:"end_longitude"`
	EndTemperature      *float64  `json:"end_temperature"`
}

// DedupKey builds the identity string used to skip duplicate trips.
// Historical rows sometimes carry a trailing ".0" on the date; it is
// stripped so old and new rows compare equal.
func (t *TripRecord) DedupKey() string {
	date := strings.TrimSuffix(t.Date, ".0")
	key := date + "_" + formatFloat(t.Distance)
	if t.OdometerStart != nil {
		key += "_" + formatFloat(t.OdometerStart)
	}
	return key
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// BatteryReading is one appended row of battery telemetry. Temperature is
// the canonical value (meteo or vehicle, per configuration); both raw
// temperatures are preserved alongside it.
type BatteryReading struct {
	Timestamp     time.Time `json:"timestamp"`
	BatteryLevel  *float64  `json:"battery_level"`
	IsCharging    bool      `json:"is_charging"`
	IsPluggedIn   *bool     `json:"is_plugged_in,omitempty"`
	ChargingPower *float64  `json:"charging_power"`
	RemainingTime *float64  `json:"remaining_time"`
	Range         *float64  `json:"range"`
	Temperature   *float64  `json:"temperature"`
	Odometer      *float64  `json:"odometer"`
	MeteoTemp     *float64  `json:"meteo_temp"`
	VehicleTemp   *float64  `json:"vehicle_temp"`
	IsCached      bool      `json:"is_cached"`
}

type LocationReading struct {
	Timestamp   time.Time  `json:"timestamp"`
	Latitude    float64    `json:"latitude"`
	Longitude   float64    `json:"longitude"`
	LastUpdated *time.Time `json:"last_updated"`
}

// AuxBatteryReading is one 12V auxiliary battery sample pushed by an
// external monitor, typically a BM2 dongle relayed through a Raspberry Pi.
// Readings are deduplicated on their timestamp.
type AuxBatteryReading struct {
	Timestamp   time.Time `json:"timestamp"`
	Voltage     float64   `json:"voltage"`
	SOC         float64   `json:"soc"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// ChargingSession is a charging event derived from battery readings.
// EndTime is nil while the session is still active; at most one session
// with IsComplete=false exists at any time.
type ChargingSession struct {
	SessionID       string     `json:"session_id"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
	DurationMinutes *float64   `json:"duration_minutes"`
	StartBattery    *float64   `json:"start_battery"`
	EndBattery      *float64   `json:"end_battery"`
	EnergyAdded     *float64   `json:"energy_added"`
	AvgPower        *float64   `json:"avg_power"`
	MaxPower        *float64   `json:"max_power"`
	LocationLat     *float64   `json:"location_lat"`
	LocationLon     *float64   `json:"location_lon"`
	IsComplete      bool       `json:"is_complete"`
}

// CollectionLogEntry is one breadcrumb from the collector loop.
type CollectionLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Source    string    `json:"source"`
	Detail    string    `json:"detail"`
}
