package database

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
)

// RunMigrations creates the telemetry tables. Statements are idempotent so
// the collector and dashboard can both run them at startup.
func RunMigrations(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS battery_status (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL UNIQUE,
			battery_level REAL,
			is_charging INTEGER DEFAULT 0,
			is_plugged_in INTEGER,
			charging_power REAL,
			remaining_time REAL,
			battery_range REAL,
			temperature REAL,
			odometer REAL,
			meteo_temp REAL,
			vehicle_temp REAL,
			is_cached INTEGER DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS trips (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME,
			trip_date TEXT NOT NULL,
			distance REAL,
			duration REAL,
			average_speed REAL,
			max_speed REAL,
			idle_time REAL,
			trips_count INTEGER DEFAULT 1,
			total_consumed REAL,
			regenerated_energy REAL,
			accessories_consumed REAL,
			climate_consumed REAL,
			drivetrain_consumed REAL,
			battery_care_consumed REAL,
			odometer_start REAL,
			end_latitude REAL,
			end_longitude REAL,
			end_temperature REAL,
			UNIQUE(trip_date, distance, odometer_start)
		)`,

		`CREATE TABLE IF NOT EXISTS locations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL UNIQUE,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			last_updated DATETIME
		)`,

		`CREATE TABLE IF NOT EXISTS charging_sessions (
			session_id TEXT PRIMARY KEY,
			start_time DATETIME NOT NULL,
			end_time DATETIME,
			duration_minutes REAL,
			start_battery REAL,
			end_battery REAL,
			energy_added REAL,
			avg_power REAL,
			max_power REAL,
			location_lat REAL,
			location_lon REAL,
			is_complete INTEGER DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS aux_battery_readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL UNIQUE,
			voltage REAL NOT NULL,
			soc REAL NOT NULL,
			temperature REAL
		)`,

		`CREATE TABLE IF NOT EXISTS collection_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			action TEXT NOT NULL,
			source TEXT,
			detail TEXT
		)`,

		// Indexes for the dashboard's windowed queries
		`CREATE INDEX IF NOT EXISTS idx_battery_status_time ON battery_status(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_aux_battery_time ON aux_battery_readings(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_trips_date ON trips(trip_date)`,
		`CREATE INDEX IF NOT EXISTS idx_charging_sessions_start ON charging_sessions(start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_charging_sessions_complete ON charging_sessions(is_complete)`,
		`CREATE INDEX IF NOT EXISTS idx_collection_log_time ON collection_log(timestamp)`,
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			if !strings.Contains(err.Error(), "already exists") && !strings.Contains(err.Error(), "duplicate") {
				log.Printf("Migration %d warning: %v", i+1, err)
			}
		}
	}

	if err := addPluggedInColumn(db); err != nil {
		log.Printf("WARNING: is_plugged_in migration: %v", err)
	}

	log.Println("Database tables created/verified")
	return nil
}

// addPluggedInColumn upgrades databases created before plug-in state was
// recorded.
func addPluggedInColumn(db *sql.DB) error {
	var tableSQL string
	err := db.QueryRow(`
		SELECT sql FROM sqlite_master
		WHERE type='table' AND name='battery_status'
	`).Scan(&tableSQL)
	if err != nil {
		return err
	}

	if strings.Contains(tableSQL, "is_plugged_in") {
		return nil
	}

	log.Println("Adding is_plugged_in column to battery_status table...")
	if _, err := db.Exec(`ALTER TABLE battery_status ADD COLUMN is_plugged_in INTEGER`); err != nil {
		if strings.Contains(err.Error(), "duplicate column") {
			return nil
		}
		return fmt.Errorf("failed to add is_plugged_in column: %v", err)
	}
	return nil
}
