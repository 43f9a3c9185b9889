package storage

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/mhuot/pyvisioniq/config"
	"github.com/mhuot/pyvisioniq/models"
)

// Store is the persistence surface for telemetry. Implementations must make
// trip writes idempotent on the (date, distance, odometer_start) key and
// keep at most one incomplete charging session.
type Store interface {
	StoreBatteryReading(reading models.BatteryReading) error
	StoreAuxBatteryReadings(readings []models.AuxBatteryReading) (added, skipped int, err error)
	StoreTrips(trips []models.TripRecord) (int, error)
	StoreLocation(reading models.LocationReading) error

	GetLatestBatteryReading() (*models.BatteryReading, error)
	GetBatteryHistory(start, end time.Time) ([]models.BatteryReading, error)
	GetLocationHistory(start, end time.Time) ([]models.LocationReading, error)
	GetTrips() ([]models.TripRecord, error)

	GetActiveChargingSession() (*models.ChargingSession, error)
	SaveChargingSession(session models.ChargingSession) error
	ReplaceChargingSessions(sessions []models.ChargingSession) error
	GetChargingSessions(start, end time.Time) ([]models.ChargingSession, error)
	GetRecentChargingSessions(limit int) ([]models.ChargingSession, error)

	LogCollection(entry models.CollectionLogEntry) error
	GetCollectionLog(limit int) ([]models.CollectionLogEntry, error)

	Close() error
}

// New builds the configured storage backend. Unknown backends fall back to
// CSV with a warning instead of failing the whole agent.
func New(cfg *config.Config) (Store, error) {
	switch cfg.StorageBackend {
	case "csv":
		return NewCSVStore(cfg.DataDir, cfg.BatteryCapacityKWh)
	case "sql":
		return NewSQLStore(cfg.DatabasePath, cfg.BatteryCapacityKWh)
	case "dual":
		sqlStore, err := NewSQLStore(cfg.DatabasePath, cfg.BatteryCapacityKWh)
		if err != nil {
			return nil, fmt.Errorf("dual storage: %v", err)
		}
		csvStore, err := NewCSVStore(cfg.DataDir, cfg.BatteryCapacityKWh)
		if err != nil {
			return nil, fmt.Errorf("dual storage: %v", err)
		}
		return NewDualStore(sqlStore, csvStore, cfg.DualReadFrom), nil
	default:
		log.Printf("WARNING: Unknown storage backend %q, falling back to csv", cfg.StorageBackend)
		return NewCSVStore(cfg.DataDir, cfg.BatteryCapacityKWh)
	}
}

// repairSession recomputes derived session fields from the stored ones.
// Historical rows written by older revisions carry drifted durations and
// power figures; anything off by more than a minute or half a kilowatt is
// rewritten. Returns true when the session was changed.
func repairSession(session *models.ChargingSession, capacityKWh float64) bool {
	if !session.IsComplete || session.EndTime == nil {
		return false
	}
	changed := false

	duration := session.EndTime.Sub(session.StartTime).Minutes()
	if duration < 0 {
		duration = 0
	}
	if session.DurationMinutes == nil || math.Abs(*session.DurationMinutes-duration) > 1.0 {
		rounded := math.Round(duration*10) / 10
		session.DurationMinutes = &rounded
		changed = true
	}

	if session.EnergyAdded == nil && session.StartBattery != nil && session.EndBattery != nil {
		energy := math.Round(math.Max(0, (*session.EndBattery-*session.StartBattery)/100)*capacityKWh*100) / 100
		session.EnergyAdded = &energy
		changed = true
	}

	if session.EnergyAdded != nil && session.DurationMinutes != nil && *session.DurationMinutes > 0 {
		avg := math.Round(*session.EnergyAdded/(*session.DurationMinutes/60)*100) / 100
		if session.AvgPower == nil || math.Abs(*session.AvgPower-avg) > 0.5 {
			session.AvgPower = &avg
			changed = true
		}
	}

	return changed
}
