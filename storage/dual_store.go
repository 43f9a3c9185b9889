package storage

import (
	"log"
	"time"

	"github.com/mhuot/pyvisioniq/models"
)

// DualStore writes every record to both backends and serves reads from one
// of them. The primary backend is authoritative: its write errors propagate,
// while secondary failures are only logged so a broken mirror never stalls
// collection.
type DualStore struct {
	primary   Store
	secondary Store
	readFrom  Store
}

func NewDualStore(sqlStore, csvStore Store, readFrom string) *DualStore {
	d := &DualStore{primary: sqlStore, secondary: csvStore, readFrom: sqlStore}
	if readFrom == "csv" {
		d.readFrom = csvStore
	}
	return d
}

func (d *DualStore) StoreBatteryReading(reading models.BatteryReading) error {
	if err := d.primary.StoreBatteryReading(reading); err != nil {
		return err
	}
	if err := d.secondary.StoreBatteryReading(reading); err != nil {
		log.Printf("WARNING: Secondary storage write failed: %v", err)
	}
	return nil
}

func (d *DualStore) StoreAuxBatteryReadings(readings []models.AuxBatteryReading) (int, int, error) {
	added, skipped, err := d.primary.StoreAuxBatteryReadings(readings)
	if err != nil {
		return added, skipped, err
	}
	if _, _, err := d.secondary.StoreAuxBatteryReadings(readings); err != nil {
		log.Printf("WARNING: Secondary storage write failed: %v", err)
	}
	return added, skipped, nil
}

func (d *DualStore) StoreTrips(trips []models.TripRecord) (int, error) {
	added, err := d.primary.StoreTrips(trips)
	if err != nil {
		return added, err
	}
	if _, err := d.secondary.StoreTrips(trips); err != nil {
		log.Printf("WARNING: Secondary storage write failed: %v", err)
	}
	return added, nil
}

func (d *DualStore) StoreLocation(reading models.LocationReading) error {
	if err := d.primary.StoreLocation(reading); err != nil {
		return err
	}
	if err := d.secondary.StoreLocation(reading); err != nil {
		log.Printf("WARNING: Secondary storage write failed: %v", err)
	}
	return nil
}

func (d *DualStore) SaveChargingSession(session models.ChargingSession) error {
	if err := d.primary.SaveChargingSession(session); err != nil {
		return err
	}
	if err := d.secondary.SaveChargingSession(session); err != nil {
		log.Printf("WARNING: Secondary storage write failed: %v", err)
	}
	return nil
}

func (d *DualStore) ReplaceChargingSessions(sessions []models.ChargingSession) error {
	if err := d.primary.ReplaceChargingSessions(sessions); err != nil {
		return err
	}
	if err := d.secondary.ReplaceChargingSessions(sessions); err != nil {
		log.Printf("WARNING: Secondary storage write failed: %v", err)
	}
	return nil
}

func (d *DualStore) LogCollection(entry models.CollectionLogEntry) error {
	if err := d.primary.LogCollection(entry); err != nil {
		return err
	}
	if err := d.secondary.LogCollection(entry); err != nil {
		log.Printf("WARNING: Secondary storage write failed: %v", err)
	}
	return nil
}

func (d *DualStore) GetLatestBatteryReading() (*models.BatteryReading, error) {
	return d.readFrom.GetLatestBatteryReading()
}

func (d *DualStore) GetBatteryHistory(start, end time.Time) ([]models.BatteryReading, error) {
	return d.readFrom.GetBatteryHistory(start, end)
}

func (d *DualStore) GetLocationHistory(start, end time.Time) ([]models.LocationReading, error) {
	return d.readFrom.GetLocationHistory(start, end)
}

func (d *DualStore) GetTrips() ([]models.TripRecord, error) {
	return d.readFrom.GetTrips()
}

func (d *DualStore) GetActiveChargingSession() (*models.ChargingSession, error) {
	return d.readFrom.GetActiveChargingSession()
}

func (d *DualStore) GetChargingSessions(start, end time.Time) ([]models.ChargingSession, error) {
	return d.readFrom.GetChargingSessions(start, end)
}

func (d *DualStore) GetRecentChargingSessions(limit int) ([]models.ChargingSession, error) {
	return d.readFrom.GetRecentChargingSessions(limit)
}

func (d *DualStore) GetCollectionLog(limit int) ([]models.CollectionLogEntry, error) {
	return d.readFrom.GetCollectionLog(limit)
}

func (d *DualStore) Close() error {
	err := d.primary.Close()
	if cerr := d.secondary.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
