package storage

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mhuot/pyvisioniq/database"
	"github.com/mhuot/pyvisioniq/models"
)

// SQLStore persists telemetry in SQLite. Duplicate trips are rejected both
// by the table's unique constraint and by an explicit key check, because
// SQLite treats NULL odometer_start values as distinct in the constraint.
type SQLStore struct {
	db          *sql.DB
	capacityKWh float64
}

func NewSQLStore(dbPath string, capacityKWh float64) (*SQLStore, error) {
	db, err := database.InitDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	if err := database.RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %v", err)
	}
	return &SQLStore{db: db, capacityKWh: capacityKWh}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// ========== BATTERY ==========

func (s *SQLStore) StoreBatteryReading(reading models.BatteryReading) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO battery_status
		(timestamp, battery_level, is_charging, is_plugged_in, charging_power,
		 remaining_time, battery_range, temperature, odometer, meteo_temp,
		 vehicle_temp, is_cached)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, reading.Timestamp, reading.BatteryLevel, reading.IsCharging,
		reading.IsPluggedIn, reading.ChargingPower, reading.RemainingTime,
		reading.Range, reading.Temperature, reading.Odometer,
		reading.MeteoTemp, reading.VehicleTemp, reading.IsCached)
	if err != nil {
		return fmt.Errorf("failed to store battery reading: %v", err)
	}
	return nil
}

// StoreAuxBatteryReadings inserts externally pushed 12V battery samples.
// The unique timestamp constraint rejects duplicates; rejected rows are
// reported as skipped rather than failing the batch.
func (s *SQLStore) StoreAuxBatteryReadings(readings []models.AuxBatteryReading) (int, int, error) {
	added, skipped := 0, 0
	for _, r := range readings {
		result, err := s.db.Exec(`
			INSERT OR IGNORE INTO aux_battery_readings (timestamp, voltage, soc, temperature)
			VALUES (?, ?, ?, ?)
		`, r.Timestamp, r.Voltage, r.SOC, r.Temperature)
		if err != nil {
			return added, skipped, fmt.Errorf("failed to store aux battery reading: %v", err)
		}
		if n, err := result.RowsAffected(); err == nil && n == 0 {
			skipped++
		} else {
			added++
		}
	}
	return added, skipped, nil
}

func (s *SQLStore) GetLatestBatteryReading() (*models.BatteryReading, error) {
	row := s.db.QueryRow(`
		SELECT timestamp, battery_level, is_charging, is_plugged_in,
		       charging_power, remaining_time, battery_range, temperature,
		       odometer, meteo_temp, vehicle_temp, is_cached
		FROM battery_status
		ORDER BY timestamp DESC
		LIMIT 1
	`)
	reading, err := scanBatteryReading(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest battery reading: %v", err)
	}
	return reading, nil
}

func (s *SQLStore) GetBatteryHistory(start, end time.Time) ([]models.BatteryReading, error) {
	query := `
		SELECT timestamp, battery_level, is_charging, is_plugged_in,
		       charging_power, remaining_time, battery_range, temperature,
		       odometer, meteo_temp, vehicle_temp, is_cached
		FROM battery_status`
	conditions := []string{}
	args := []interface{}{}
	if !start.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, start)
	}
	if !end.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, end)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query battery history: %v", err)
	}
	defer rows.Close()

	readings := []models.BatteryReading{}
	for rows.Next() {
		reading, err := scanBatteryReading(rows)
		if err != nil {
			log.Printf("ERROR: Failed to scan battery row: %v", err)
			continue
		}
		readings = append(readings, *reading)
	}
	return readings, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBatteryReading(row rowScanner) (*models.BatteryReading, error) {
	var r models.BatteryReading
	var level, power, remaining, rng, temp, odo, meteo, vehicle sql.NullFloat64
	var pluggedIn sql.NullBool

	err := row.Scan(&r.Timestamp, &level, &r.IsCharging, &pluggedIn, &power,
		&remaining, &rng, &temp, &odo, &meteo, &vehicle, &r.IsCached)
	if err != nil {
		return nil, err
	}

	r.BatteryLevel = nullFloat(level)
	r.ChargingPower = nullFloat(power)
	r.RemainingTime = nullFloat(remaining)
	r.Range = nullFloat(rng)
	r.Temperature = nullFloat(temp)
	r.Odometer = nullFloat(odo)
	r.MeteoTemp = nullFloat(meteo)
	r.VehicleTemp = nullFloat(vehicle)
	if pluggedIn.Valid {
		v := pluggedIn.Bool
		r.IsPluggedIn = &v
	}
	return &r, nil
}

// ========== TRIPS ==========

func (s *SQLStore) StoreTrips(trips []models.TripRecord) (int, error) {
	existing, err := s.GetTrips()
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(existing))
	for i := range existing {
		seen[existing[i].DedupKey()] = true
	}

	added := 0
	skipped := 0
	for _, trip := range trips {
		key := trip.DedupKey()
		if seen[key] {
			skipped++
			continue
		}
		_, err := s.db.Exec(`
			INSERT OR IGNORE INTO trips
			(timestamp, trip_date, distance, duration, average_speed, max_speed,
			 idle_time, trips_count, total_consumed, regenerated_energy,
			 accessories_consumed, climate_consumed, drivetrain_consumed,
			 battery_care_consumed, odometer_start, end_latitude, end_longitude,
			 end_temperature)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, trip.Timestamp, strings.TrimSuffix(trip.Date, ".0"), trip.Distance,
			trip.Duration, trip.AverageSpeed, trip.MaxSpeed, trip.IdleTime,
			trip.TripsCount, trip.TotalConsumed, trip.RegeneratedEnergy,
			trip.AccessoriesConsumed, trip.ClimateConsumed,
			trip.DrivetrainConsumed, trip.BatteryCareConsumed,
			trip.OdometerStart, trip.EndLatitude, trip.EndLongitude,
			trip.EndTemperature)
		if err != nil {
			return added, fmt.Errorf("failed to store trip: %v", err)
		}
		seen[key] = true
		added++
	}

	if skipped > 0 {
		log.Printf("Skipped %d duplicate trips", skipped)
	}
	if added > 0 {
		log.Printf("Storing %d new trips", added)
	}
	return added, nil
}

func (s *SQLStore) GetTrips() ([]models.TripRecord, error) {
	rows, err := s.db.Query(`
		SELECT timestamp, trip_date, distance, duration, average_speed,
		       max_speed, idle_time, trips_count, total_consumed,
		       regenerated_energy, accessories_consumed, climate_consumed,
		       drivetrain_consumed, battery_care_consumed, odometer_start,
		       end_latitude, end_longitude, end_temperature
		FROM trips
		ORDER BY trip_date ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trips: %v", err)
	}
	defer rows.Close()

	trips := []models.TripRecord{}
	for rows.Next() {
		var t models.TripRecord
		var ts sql.NullTime
		var distance, duration, avgSpeed, maxSpeed, idle sql.NullFloat64
		var total, regen, accessories, climate, drivetrain, care sql.NullFloat64
		var odoStart, endLat, endLon, endTemp sql.NullFloat64

		err := rows.Scan(&ts, &t.Date, &distance, &duration, &avgSpeed,
			&maxSpeed, &idle, &t.TripsCount, &total, &regen, &accessories,
			&climate, &drivetrain, &care, &odoStart, &endLat, &endLon, &endTemp)
		if err != nil {
			log.Printf("ERROR: Failed to scan trip row: %v", err)
			continue
		}

		if ts.Valid {
			t.Timestamp = ts.Time
		}
		t.Distance = nullFloat(distance)
		t.Duration = nullFloat(duration)
		t.AverageSpeed = nullFloat(avgSpeed)
		t.MaxSpeed = nullFloat(maxSpeed)
		t.IdleTime = nullFloat(idle)
		t.TotalConsumed = nullFloat(total)
		t.RegeneratedEnergy = nullFloat(regen)
		t.AccessoriesConsumed = nullFloat(accessories)
		t.ClimateConsumed = nullFloat(climate)
		t.DrivetrainConsumed = nullFloat(drivetrain)
		t.BatteryCareConsumed = nullFloat(care)
		t.OdometerStart = nullFloat(odoStart)
		t.EndLatitude = nullFloat(endLat)
		t.EndLongitude = nullFloat(endLon)
		t.EndTemperature = nullFloat(endTemp)

		trips = append(trips, t)
	}
	return trips, rows.Err()
}

// ========== LOCATIONS ==========

func (s *SQLStore) StoreLocation(reading models.LocationReading) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO locations (timestamp, latitude, longitude, last_updated)
		VALUES (?, ?, ?, ?)
	`, reading.Timestamp, reading.Latitude, reading.Longitude, reading.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to store location: %v", err)
	}
	return nil
}

func (s *SQLStore) GetLocationHistory(start, end time.Time) ([]models.LocationReading, error) {
	query := `SELECT timestamp, latitude, longitude, last_updated FROM locations`
	conditions := []string{}
	args := []interface{}{}
	if !start.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, start)
	}
	if !end.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, end)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query location history: %v", err)
	}
	defer rows.Close()

	readings := []models.LocationReading{}
	for rows.Next() {
		var r models.LocationReading
		var lastUpdated sql.NullTime
		if err := rows.Scan(&r.Timestamp, &r.Latitude, &r.Longitude, &lastUpdated); err != nil {
			log.Printf("ERROR: Failed to scan location row: %v", err)
			continue
		}
		if lastUpdated.Valid {
			t := lastUpdated.Time
			r.LastUpdated = &t
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// ========== CHARGING SESSIONS ==========

func (s *SQLStore) SaveChargingSession(session models.ChargingSession) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO charging_sessions
		(session_id, start_time, end_time, duration_minutes, start_battery,
		 end_battery, energy_added, avg_power, max_power, location_lat,
		 location_lon, is_complete)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.SessionID, session.StartTime, session.EndTime,
		session.DurationMinutes, session.StartBattery, session.EndBattery,
		session.EnergyAdded, session.AvgPower, session.MaxPower,
		session.LocationLat, session.LocationLon, session.IsComplete)
	if err != nil {
		return fmt.Errorf("failed to save charging session: %v", err)
	}
	return nil
}

// ReplaceChargingSessions swaps the whole table for a rebuilt set in one
// transaction.
func (s *SQLStore) ReplaceChargingSessions(sessions []models.ChargingSession) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin session replace: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM charging_sessions`); err != nil {
		return fmt.Errorf("failed to clear charging sessions: %v", err)
	}
	for _, session := range sessions {
		_, err := tx.Exec(`
			INSERT INTO charging_sessions
			(session_id, start_time, end_time, duration_minutes, start_battery,
			 end_battery, energy_added, avg_power, max_power, location_lat,
			 location_lon, is_complete)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, session.SessionID, session.StartTime, session.EndTime,
			session.DurationMinutes, session.StartBattery, session.EndBattery,
			session.EnergyAdded, session.AvgPower, session.MaxPower,
			session.LocationLat, session.LocationLon, session.IsComplete)
		if err != nil {
			return fmt.Errorf("failed to insert charging session %s: %v", session.SessionID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) GetActiveChargingSession() (*models.ChargingSession, error) {
	row := s.db.QueryRow(`
		SELECT session_id, start_time, end_time, duration_minutes,
		       start_battery, end_battery, energy_added, avg_power, max_power,
		       location_lat, location_lon, is_complete
		FROM charging_sessions
		WHERE is_complete = 0
		ORDER BY start_time DESC
		LIMIT 1
	`)
	session, err := scanChargingSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read active charging session: %v", err)
	}
	return session, nil
}

func (s *SQLStore) GetChargingSessions(start, end time.Time) ([]models.ChargingSession, error) {
	query := `
		SELECT session_id, start_time, end_time, duration_minutes,
		       start_battery, end_battery, energy_added, avg_power, max_power,
		       location_lat, location_lon, is_complete
		FROM charging_sessions`
	conditions := []string{}
	args := []interface{}{}
	if !start.IsZero() {
		conditions = append(conditions, "start_time >= ?")
		args = append(args, start)
	}
	if !end.IsZero() {
		conditions = append(conditions, "start_time <= ?")
		args = append(args, end)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY start_time ASC"

	sessions, err := s.queryChargingSessions(query, args...)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *SQLStore) GetRecentChargingSessions(limit int) ([]models.ChargingSession, error) {
	return s.queryChargingSessions(`
		SELECT session_id, start_time, end_time, duration_minutes,
		       start_battery, end_battery, energy_added, avg_power, max_power,
		       location_lat, location_lon, is_complete
		FROM charging_sessions
		ORDER BY start_time DESC
		LIMIT ?
	`, limit)
}

func (s *SQLStore) queryChargingSessions(query string, args ...interface{}) ([]models.ChargingSession, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query charging sessions: %v", err)
	}
	defer rows.Close()

	sessions := []models.ChargingSession{}
	for rows.Next() {
		session, err := scanChargingSession(rows)
		if err != nil {
			log.Printf("ERROR: Failed to scan charging session row: %v", err)
			continue
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sessions {
		if repairSession(&sessions[i], s.capacityKWh) {
			log.Printf("Repaired charging session %s", sessions[i].SessionID)
			if err := s.updateSessionDerived(&sessions[i]); err != nil {
				log.Printf("ERROR: Failed to persist repaired session %s: %v", sessions[i].SessionID, err)
			}
		}
	}
	return sessions, nil
}

func (s *SQLStore) updateSessionDerived(session *models.ChargingSession) error {
	_, err := s.db.Exec(`
		UPDATE charging_sessions
		SET duration_minutes = ?, energy_added = ?, avg_power = ?
		WHERE session_id = ?
	`, session.DurationMinutes, session.EnergyAdded, session.AvgPower, session.SessionID)
	return err
}

func scanChargingSession(row rowScanner) (*models.ChargingSession, error) {
	var c models.ChargingSession
	var endTime sql.NullTime
	var duration, startBatt, endBatt, energy, avg, max, lat, lon sql.NullFloat64

	err := row.Scan(&c.SessionID, &c.StartTime, &endTime, &duration,
		&startBatt, &endBatt, &energy, &avg, &max, &lat, &lon, &c.IsComplete)
	if err != nil {
		return nil, err
	}

	if endTime.Valid {
		t := endTime.Time
		c.EndTime = &t
	}
	c.DurationMinutes = nullFloat(duration)
	c.StartBattery = nullFloat(startBatt)
	c.EndBattery = nullFloat(endBatt)
	c.EnergyAdded = nullFloat(energy)
	c.AvgPower = nullFloat(avg)
	c.MaxPower = nullFloat(max)
	c.LocationLat = nullFloat(lat)
	c.LocationLon = nullFloat(lon)
	return &c, nil
}

// ========== COLLECTION LOG ==========

func (s *SQLStore) LogCollection(entry models.CollectionLogEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO collection_log (timestamp, action, source, detail)
		VALUES (?, ?, ?, ?)
	`, entry.Timestamp, entry.Action, entry.Source, entry.Detail)
	if err != nil {
		return fmt.Errorf("failed to log collection: %v", err)
	}

	// Keep the log bounded so the table never grows without limit.
	_, err = s.db.Exec(`
		DELETE FROM collection_log
		WHERE id NOT IN (
			SELECT id FROM collection_log
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		)
	`, collectionLogSize)
	if err != nil {
		log.Printf("WARNING: Failed to prune collection log: %v", err)
	}
	return nil
}

func (s *SQLStore) GetCollectionLog(limit int) ([]models.CollectionLogEntry, error) {
	if limit <= 0 || limit > collectionLogSize {
		limit = collectionLogSize
	}
	rows, err := s.db.Query(`
		SELECT timestamp, action, source, detail
		FROM collection_log
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection log: %v", err)
	}
	defer rows.Close()

	entries := []models.CollectionLogEntry{}
	for rows.Next() {
		var e models.CollectionLogEntry
		var source, detail sql.NullString
		if err := rows.Scan(&e.Timestamp, &e.Action, &source, &detail); err != nil {
			log.Printf("ERROR: Failed to scan collection log row: %v", err)
			continue
		}
		e.Source = source.String
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
