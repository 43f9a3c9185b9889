package storage

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mhuot/pyvisioniq/models"
)

var (
	batteryHeader = []string{
		"timestamp", "battery_level", "is_charging", "is_plugged_in",
		"charging_power", "remaining_time", "range", "temperature",
		"odometer", "meteo_temp", "vehicle_temp", "is_cached",
	}
	tripsHeader = []string{
		"timestamp", "date", "distance", "duration",
		"average_speed", "max_speed", "idle_time", "trips_count",
		"total_consumed", "regenerated_energy",
		"accessories_consumed", "climate_consumed", "drivetrain_consumed",
		"battery_care_consumed", "odometer_start",
		"end_latitude", "end_longitude", "end_temperature",
	}
	auxBatteryHeader = []string{"timestamp", "voltage", "soc", "temperature"}
	locationsHeader  = []string{"timestamp", "latitude", "longitude", "last_updated"}
	sessionsHeader   = []string{
		"session_id", "start_time", "end_time", "duration_minutes",
		"start_battery", "end_battery", "energy_added",
		"avg_power", "max_power", "location_lat", "location_lon", "is_complete",
	}
)

const collectionLogSize = 200

// auxDedupeWindow is how many trailing rows are checked when skipping
// duplicate aux battery timestamps. External monitors resend their whole
// recent buffer, so a bounded window is enough.
const auxDedupeWindow = 500

// CSVStore persists telemetry as CSV files under a data directory. Rows are
// appended under an exclusive flock; readers take a shared flock and index
// columns by header name so files written by older revisions still parse.
type CSVStore struct {
	dataDir     string
	capacityKWh float64

	mu            sync.Mutex
	collectionLog []models.CollectionLogEntry
}

func NewCSVStore(dataDir string, capacityKWh float64) (*CSVStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}
	s := &CSVStore{dataDir: dataDir, capacityKWh: capacityKWh}

	inits := []struct {
		path   string
		header []string
	}{
		{s.batteryFile(), batteryHeader},
		{s.auxBatteryFile(), auxBatteryHeader},
		{s.tripsFile(), tripsHeader},
		{s.locationsFile(), locationsHeader},
		{s.sessionsFile(), sessionsHeader},
	}
	for _, init := range inits {
		if _, err := os.Stat(init.path); os.IsNotExist(err) {
			if err := writeTable(init.path, init.header, nil); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *CSVStore) batteryFile() string { return filepath.Join(s.dataDir, "battery_status.csv") }

func (s *CSVStore) auxBatteryFile() string { return filepath.Join(s.dataDir, "aux_battery.csv") }

func (s *CSVStore) tripsFile() string { return filepath.Join(s.dataDir, "trips.csv") }

func (s *CSVStore) locationsFile() string { return filepath.Join(s.dataDir, "locations.csv") }

func (s *CSVStore) sessionsFile() string { return filepath.Join(s.dataDir, "charging_sessions.csv") }

// ========== WRITES ==========

func (s *CSVStore) StoreBatteryReading(reading models.BatteryReading) error {
	row := []string{
		fmtTime(reading.Timestamp),
		fmtFloat(reading.BatteryLevel),
		strconv.FormatBool(reading.IsCharging),
		fmtBoolPtr(reading.IsPluggedIn),
		fmtFloat(reading.ChargingPower),
		fmtFloat(reading.RemainingTime),
		fmtFloat(reading.Range),
		fmtFloat(reading.Temperature),
		fmtFloat(reading.Odometer),
		fmtFloat(reading.MeteoTemp),
		fmtFloat(reading.VehicleTemp),
		strconv.FormatBool(reading.IsCached),
	}
	return appendRows(s.batteryFile(), batteryHeader, [][]string{row})
}

// StoreAuxBatteryReadings appends externally pushed 12V battery samples,
// silently skipping timestamps already present in the trailing window.
func (s *CSVStore) StoreAuxBatteryReadings(readings []models.AuxBatteryReading) (int, int, error) {
	if len(readings) == 0 {
		return 0, 0, nil
	}

	header, existing, err := readTable(s.auxBatteryFile())
	if err != nil {
		return 0, 0, err
	}
	col := columnIndex(header)

	seen := make(map[string]bool, auxDedupeWindow)
	from := 0
	if len(existing) > auxDedupeWindow {
		from = len(existing) - auxDedupeWindow
	}
	for _, row := range existing[from:] {
		seen[col.get(row, "timestamp")] = true
	}

	var rows [][]string
	skipped := 0
	for i := range readings {
		r := readings[i]
		key := fmtTime(r.Timestamp)
		if seen[key] {
			skipped++
			continue
		}
		seen[key] = true
		rows = append(rows, []string{
			key,
			strconv.FormatFloat(r.Voltage, 'f', -1, 64),
			strconv.FormatFloat(r.SOC, 'f', -1, 64),
			fmtFloat(r.Temperature),
		})
	}

	if len(rows) == 0 {
		return 0, skipped, nil
	}
	if err := appendRows(s.auxBatteryFile(), auxBatteryHeader, rows); err != nil {
		return 0, skipped, err
	}
	return len(rows), skipped, nil
}

func (s *CSVStore) StoreTrips(trips []models.TripRecord) (int, error) {
	if len(trips) == 0 {
		return 0, nil
	}

	existing, err := s.GetTrips()
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(existing))
	for i := range existing {
		seen[existing[i].DedupKey()] = true
	}

	var rows [][]string
	skipped := 0
	for i := range trips {
		trip := trips[i]
		key := trip.DedupKey()
		if seen[key] {
			skipped++
			continue
		}
		seen[key] = true
		rows = append(rows, []string{
			fmtTime(trip.Timestamp),
			strings.TrimSuffix(trip.Date, ".0"),
			fmtFloat(trip.Distance),
			fmtFloat(trip.Duration),
			fmtFloat(trip.AverageSpeed),
			fmtFloat(trip.MaxSpeed),
			fmtFloat(trip.IdleTime),
			strconv.Itoa(trip.TripsCount),
			fmtFloat(trip.TotalConsumed),
			fmtFloat(trip.RegeneratedEnergy),
			fmtFloat(trip.AccessoriesConsumed),
			fmtFloat(trip.ClimateConsumed),
			fmtFloat(trip.DrivetrainConsumed),
			fmtFloat(trip.BatteryCareConsumed),
			fmtFloat(trip.OdometerStart),
			fmtFloat(trip.EndLatitude),
			fmtFloat(trip.EndLongitude),
			fmtFloat(trip.EndTemperature),
		})
	}

	if skipped > 0 {
		log.Printf("Skipped %d duplicate trips", skipped)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	log.Printf("Storing %d new trips", len(rows))
	if err := appendRows(s.tripsFile(), tripsHeader, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *CSVStore) StoreLocation(reading models.LocationReading) error {
	row := []string{
		fmtTime(reading.Timestamp),
		strconv.FormatFloat(reading.Latitude, 'f', -1, 64),
		strconv.FormatFloat(reading.Longitude, 'f', -1, 64),
		fmtTimePtr(reading.LastUpdated),
	}
	return appendRows(s.locationsFile(), locationsHeader, [][]string{row})
}

// ========== READS ==========

func (s *CSVStore) GetLatestBatteryReading() (*models.BatteryReading, error) {
	readings, err := s.readBattery()
	if err != nil || len(readings) == 0 {
		return nil, err
	}
	latest := readings[len(readings)-1]
	return &latest, nil
}

func (s *CSVStore) GetBatteryHistory(start, end time.Time) ([]models.BatteryReading, error) {
	readings, err := s.readBattery()
	if err != nil {
		return nil, err
	}
	var out []models.BatteryReading
	for _, r := range readings {
		if !start.IsZero() && r.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && r.Timestamp.After(end) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *CSVStore) readBattery() ([]models.BatteryReading, error) {
	header, rows, err := readTable(s.batteryFile())
	if err != nil {
		return nil, err
	}
	col := columnIndex(header)

	readings := make([]models.BatteryReading, 0, len(rows))
	for _, row := range rows {
		ts, ok := parseTime(col.get(row, "timestamp"))
		if !ok {
			continue
		}
		readings = append(readings, models.BatteryReading{
			Timestamp:     ts,
			BatteryLevel:  parseFloat(col.get(row, "battery_level")),
			IsCharging:    parseBool(col.get(row, "is_charging")),
			IsPluggedIn:   parseBoolPtr(col.get(row, "is_plugged_in")),
			ChargingPower: parseFloat(col.get(row, "charging_power")),
			RemainingTime: parseFloat(col.get(row, "remaining_time")),
			Range:         parseFloat(col.get(row, "range")),
			Temperature:   parseFloat(col.get(row, "temperature")),
			Odometer:      parseFloat(col.get(row, "odometer")),
			MeteoTemp:     parseFloat(col.get(row, "meteo_temp")),
			VehicleTemp:   parseFloat(col.get(row, "vehicle_temp")),
			IsCached:      parseBool(col.get(row, "is_cached")),
		})
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].Timestamp.Before(readings[j].Timestamp) })
	return readings, nil
}

func (s *CSVStore) GetLocationHistory(start, end time.Time) ([]models.LocationReading, error) {
	header, rows, err := readTable(s.locationsFile())
	if err != nil {
		return nil, err
	}
	col := columnIndex(header)

	readings := make([]models.LocationReading, 0, len(rows))
	for _, row := range rows {
		ts, ok := parseTime(col.get(row, "timestamp"))
		if !ok {
			continue
		}
		if !start.IsZero() && ts.Before(start) {
			continue
		}
		if !end.IsZero() && ts.After(end) {
			continue
		}
		lat := parseFloat(col.get(row, "latitude"))
		lon := parseFloat(col.get(row, "longitude"))
		if lat == nil || lon == nil {
			continue
		}
		readings = append(readings, models.LocationReading{
			Timestamp:   ts,
			Latitude:    *lat,
			Longitude:   *lon,
			LastUpdated: parseTimePtr(col.get(row, "last_updated")),
		})
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].Timestamp.Before(readings[j].Timestamp) })
	return readings, nil
}

func (s *CSVStore) GetTrips() ([]models.TripRecord, error) {
	header, rows, err := readTable(s.tripsFile())
	if err != nil {
		return nil, err
	}
	col := columnIndex(header)

	trips := make([]models.TripRecord, 0, len(rows))
	for _, row := range rows {
		ts, _ := parseTime(col.get(row, "timestamp"))
		trip := models.TripRecord{
			Timestamp:           ts,
			Date:                strings.TrimSuffix(col.get(row, "date"), ".0"),
			Distance:            parseFloat(col.get(row, "distance")),
			Duration:            parseFloat(col.get(row, "duration")),
			AverageSpeed:        parseFloat(col.get(row, "average_speed")),
			MaxSpeed:            parseFloat(col.get(row, "max_speed")),
			IdleTime:            parseFloat(col.get(row, "idle_time")),
			TripsCount:          1,
			TotalConsumed:       parseFloat(col.get(row, "total_consumed")),
			RegeneratedEnergy:   parseFloat(col.get(row, "regenerated_energy")),
			AccessoriesConsumed: parseFloat(col.get(row, "accessories_consumed")),
			ClimateConsumed:     parseFloat(col.get(row, "climate_consumed")),
			DrivetrainConsumed:  parseFloat(col.get(row, "drivetrain_consumed")),
			BatteryCareConsumed: parseFloat(col.get(row, "battery_care_consumed")),
			OdometerStart:       parseFloat(col.get(row, "odometer_start")),
			EndLatitude:         parseFloat(col.get(row, "end_latitude")),
			EndLongitude:        parseFloat(col.get(row, "end_longitude")),
			EndTemperature:      parseFloat(col.get(row, "end_temperature")),
		}
		if count, err := strconv.Atoi(col.get(row, "trips_count")); err == nil {
			trip.TripsCount = count
		}
		trips = append(trips, trip)
	}
	return trips, nil
}

// ========== CHARGING SESSIONS ==========

func (s *CSVStore) GetActiveChargingSession() (*models.ChargingSession, error) {
	sessions, err := s.readSessions()
	if err != nil {
		return nil, err
	}
	for i := len(sessions) - 1; i >= 0; i-- {
		if !sessions[i].IsComplete {
			active := sessions[i]
			return &active, nil
		}
	}
	return nil, nil
}

// SaveChargingSession replaces the row with the same session_id, or appends
// a new one. The whole file is rewritten under an exclusive lock.
func (s *CSVStore) SaveChargingSession(session models.ChargingSession) error {
	sessions, err := s.readSessions()
	if err != nil {
		return err
	}

	replaced := false
	for i := range sessions {
		if sessions[i].SessionID == session.SessionID {
			sessions[i] = session
			replaced = true
			break
		}
	}
	if !replaced {
		sessions = append(sessions, session)
	}
	return s.writeSessions(sessions)
}

// ReplaceChargingSessions swaps the whole sessions file for a rebuilt set.
// The previous file is kept as a .bak sibling so a bad rebuild is recoverable.
func (s *CSVStore) ReplaceChargingSessions(sessions []models.ChargingSession) error {
	path := s.sessionsFile()
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		if err := os.Rename(path, path+".bak"); err != nil {
			return fmt.Errorf("failed to back up %s: %v", path, err)
		}
	}
	return s.writeSessions(sessions)
}

func (s *CSVStore) GetChargingSessions(start, end time.Time) ([]models.ChargingSession, error) {
	sessions, err := s.readSessions()
	if err != nil {
		return nil, err
	}

	repaired := s.repairAll(sessions)

	var out []models.ChargingSession
	for _, session := range sessions {
		if !start.IsZero() && session.StartTime.Before(start) {
			continue
		}
		if !end.IsZero() && session.StartTime.After(end) {
			continue
		}
		out = append(out, session)
	}
	if repaired {
		if err := s.writeSessions(sessions); err != nil {
			log.Printf("ERROR: Failed to persist repaired sessions: %v", err)
		}
	}
	return out, nil
}

func (s *CSVStore) GetRecentChargingSessions(limit int) ([]models.ChargingSession, error) {
	sessions, err := s.readSessions()
	if err != nil {
		return nil, err
	}
	if repaired := s.repairAll(sessions); repaired {
		if err := s.writeSessions(sessions); err != nil {
			log.Printf("ERROR: Failed to persist repaired sessions: %v", err)
		}
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartTime.After(sessions[j].StartTime) })
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (s *CSVStore) repairAll(sessions []models.ChargingSession) bool {
	repaired := false
	for i := range sessions {
		if repairSession(&sessions[i], s.capacityKWh) {
			log.Printf("Repaired charging session %s", sessions[i].SessionID)
			repaired = true
		}
	}
	return repaired
}

func (s *CSVStore) readSessions() ([]models.ChargingSession, error) {
	header, rows, err := readTable(s.sessionsFile())
	if err != nil {
		return nil, err
	}
	col := columnIndex(header)

	sessions := make([]models.ChargingSession, 0, len(rows))
	for _, row := range rows {
		start, ok := parseTime(col.get(row, "start_time"))
		if !ok {
			continue
		}
		sessions = append(sessions, models.ChargingSession{
			SessionID:       col.get(row, "session_id"),
			StartTime:       start,
			EndTime:         parseTimePtr(col.get(row, "end_time")),
			DurationMinutes: parseFloat(col.get(row, "duration_minutes")),
			StartBattery:    parseFloat(col.get(row, "start_battery")),
			EndBattery:      parseFloat(col.get(row, "end_battery")),
			EnergyAdded:     parseFloat(col.get(row, "energy_added")),
			AvgPower:        parseFloat(col.get(row, "avg_power")),
			MaxPower:        parseFloat(col.get(row, "max_power")),
			LocationLat:     parseFloat(col.get(row, "location_lat")),
			LocationLon:     parseFloat(col.get(row, "location_lon")),
			IsComplete:      parseBool(col.get(row, "is_complete")),
		})
	}
	return sessions, nil
}

func (s *CSVStore) writeSessions(sessions []models.ChargingSession) error {
	rows := make([][]string, 0, len(sessions))
	for _, session := range sessions {
		rows = append(rows, []string{
			session.SessionID,
			fmtTime(session.StartTime),
			fmtTimePtr(session.EndTime),
			fmtFloat(session.DurationMinutes),
			fmtFloat(session.StartBattery),
			fmtFloat(session.EndBattery),
			fmtFloat(session.EnergyAdded),
			fmtFloat(session.AvgPower),
			fmtFloat(session.MaxPower),
			fmtFloat(session.LocationLat),
			fmtFloat(session.LocationLon),
			strconv.FormatBool(session.IsComplete),
		})
	}
	return writeTable(s.sessionsFile(), sessionsHeader, rows)
}

// ========== COLLECTION LOG ==========

// The CSV backend keeps the collection log in memory only; it is a debugging
// breadcrumb trail, not telemetry.
func (s *CSVStore) LogCollection(entry models.CollectionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collectionLog = append(s.collectionLog, entry)
	if len(s.collectionLog) > collectionLogSize {
		s.collectionLog = s.collectionLog[len(s.collectionLog)-collectionLogSize:]
	}
	return nil
}

func (s *CSVStore) GetCollectionLog(limit int) ([]models.CollectionLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.collectionLog)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.CollectionLogEntry, n)
	for i := 0; i < n; i++ {
		out[i] = s.collectionLog[len(s.collectionLog)-1-i]
	}
	return out, nil
}

func (s *CSVStore) Close() error { return nil }

// ========== FILE ACCESS ==========

func appendRows(path string, header []string, rows [][]string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %v", path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock %s: %v", path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	w := csv.NewWriter(f)
	info, err := f.Stat()
	if err == nil && info.Size() == 0 {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func readTable(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return nil, nil, fmt.Errorf("failed to lock %s: %v", path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %v", path, err)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}
	return records[0], records[1:], nil
}

func writeTable(path string, header []string, rows [][]string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %v", path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock %s: %v", path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// ========== VALUE CODECS ==========

const csvTimeFormat = "2006-01-02T15:04:05"

var csvTimeFormats = []string{
	csvTimeFormat,
	"2006-01-02T15:04:05.999999",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

type columns map[string]int

func columnIndex(header []string) columns {
	col := make(columns, len(header))
	for i, name := range header {
		col[name] = i
	}
	return col
}

func (c columns) get(row []string, name string) string {
	i, ok := c[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func fmtFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func fmtBoolPtr(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}

func fmtTime(t time.Time) string { return t.Format(csvTimeFormat) }

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return fmtTime(*t)
}

func parseFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// parseBool accepts Go and Python spellings; older rows carry True/False.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1":
		return true
	default:
		return false
	}
}

func parseBoolPtr(s string) *bool {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	v := parseBool(s)
	return &v
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, format := range csvTimeFormats {
		if t, err := time.ParseInLocation(format, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseTimePtr(s string) *time.Time {
	if t, ok := parseTime(s); ok {
		return &t
	}
	return nil
}
