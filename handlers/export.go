package handlers

import (
	"encoding/csv"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/mhuot/pyvisioniq/storage"
)

// ExportHandler streams stored telemetry as CSV downloads.
type ExportHandler struct {
	store storage.Store
}

func NewExportHandler(store storage.Store) *ExportHandler {
	return &ExportHandler{store: store}
}

// Export handles GET /api/export?type=battery|trips|sessions|locations.
// start_date and end_date (YYYY-MM-DD) bound the window; when omitted the
// whole history is exported.
func (h *ExportHandler) Export(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	exportType := query.Get("type")
	if exportType == "" {
		exportType = "battery"
	}

	start, end, err := exportWindow(query.Get("start_date"), query.Get("end_date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var data [][]string
	switch exportType {
	case "battery":
		data, err = h.exportBattery(start, end)
	case "trips":
		data, err = h.exportTrips(query.Get("start_date"), query.Get("end_date"))
	case "sessions":
		data, err = h.exportSessions(start, end)
	case "locations":
		data, err = h.exportLocations(start, end)
	default:
		writeError(w, http.StatusBadRequest, "Invalid export type")
		return
	}
	if err != nil {
		log.Printf("ERROR: Export of %s failed: %v", exportType, err)
		writeError(w, http.StatusInternalServerError, "Failed to export data")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	filename := fmt.Sprintf("%s-export-%s-to-%s.csv",
		exportType, start.Format("2006-01-02"), end.Format("2006-01-02"))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	writer := csv.NewWriter(w)
	defer writer.Flush()

	for _, row := range data {
		if err := writer.Write(row); err != nil {
			log.Printf("ERROR: Failed writing CSV export: %v", err)
			return
		}
	}
}

// exportWindow parses the optional date bounds. The end date is inclusive,
// so it is pushed to the start of the following day.
func exportWindow(startDate, endDate string) (time.Time, time.Time, error) {
	start := time.Time{}
	end := time.Now()

	if startDate != "" {
		parsed, err := time.ParseInLocation("2006-01-02", startDate, time.Local)
		if err != nil {
			return start, end, fmt.Errorf("invalid start_date: use YYYY-MM-DD")
		}
		start = parsed
	}
	if endDate != "" {
		parsed, err := time.ParseInLocation("2006-01-02", endDate, time.Local)
		if err != nil {
			return start, end, fmt.Errorf("invalid end_date: use YYYY-MM-DD")
		}
		end = parsed.AddDate(0, 0, 1)
	}
	if end.Before(start) {
		return start, end, fmt.Errorf("end_date is before start_date")
	}
	return start, end, nil
}

func (h *ExportHandler) exportBattery(start, end time.Time) ([][]string, error) {
	readings, err := h.store.GetBatteryHistory(start, end)
	if err != nil {
		return nil, err
	}

	data := [][]string{
		{"timestamp", "battery_level", "is_charging", "is_plugged_in",
			"charging_power", "remaining_time", "range", "temperature",
			"odometer", "meteo_temp", "vehicle_temp", "is_cached"},
	}
	for i := range readings {
		r := readings[i]
		data = append(data, []string{
			csvTime(r.Timestamp),
			csvFloat(r.BatteryLevel),
			strconv.FormatBool(r.IsCharging),
			csvBoolPtr(r.IsPluggedIn),
			csvFloat(r.ChargingPower),
			csvFloat(r.RemainingTime),
			csvFloat(r.Range),
			csvFloat(r.Temperature),
			csvFloat(r.Odometer),
			csvFloat(r.MeteoTemp),
			csvFloat(r.VehicleTemp),
			strconv.FormatBool(r.IsCached),
		})
	}
	return data, nil
}

// exportTrips filters on the vendor's date string rather than the row
// timestamp so the window matches what the trips endpoint shows.
func (h *ExportHandler) exportTrips(startDate, endDate string) ([][]string, error) {
	trips, err := h.store.GetTrips()
	if err != nil {
		return nil, err
	}
	startKey := tripDateKey(startDate)
	endKey := tripDateKey(endDate)

	data := [][]string{
		{"timestamp", "date", "distance", "duration", "average_speed",
			"max_speed", "idle_time", "trips_count", "total_consumed",
			"regenerated_energy", "accessories_consumed", "climate_consumed",
			"drivetrain_consumed", "battery_care_consumed", "odometer_start",
			"end_latitude", "end_longitude", "end_temperature"},
	}
	for i := range trips {
		t := trips[i]
		date := tripDateKey(t.Date)
		if startKey != "" && date < startKey {
			continue
		}
		if endKey != "" && date > endKey {
			continue
		}
		data = append(data, []string{
			csvTime(t.Timestamp),
			t.Date,
			csvFloat(t.Distance),
			csvFloat(t.Duration),
			csvFloat(t.AverageSpeed),
			csvFloat(t.MaxSpeed),
			csvFloat(t.IdleTime),
			strconv.Itoa(t.TripsCount),
			csvFloat(t.TotalConsumed),
			csvFloat(t.RegeneratedEnergy),
			csvFloat(t.AccessoriesConsumed),
			csvFloat(t.ClimateConsumed),
			csvFloat(t.DrivetrainConsumed),
			csvFloat(t.BatteryCareConsumed),
			csvFloat(t.OdometerStart),
			csvFloat(t.EndLatitude),
			csvFloat(t.EndLongitude),
			csvFloat(t.EndTemperature),
		})
	}
	return data, nil
}

func (h *ExportHandler) exportSessions(start, end time.Time) ([][]string, error) {
	sessions, err := h.store.GetChargingSessions(start, end)
	if err != nil {
		return nil, err
	}

	data := [][]string{
		{"session_id", "start_time", "end_time", "duration_minutes",
			"start_battery", "end_battery", "energy_added", "avg_power",
			"max_power", "location_lat", "location_lon", "is_complete"},
	}
	for i := range sessions {
		s := sessions[i]
		endTime := ""
		if s.EndTime != nil {
			endTime = csvTime(*s.EndTime)
		}
		data = append(data, []string{
			s.SessionID,
			csvTime(s.StartTime),
			endTime,
			csvFloat(s.DurationMinutes),
			csvFloat(s.StartBattery),
			csvFloat(s.EndBattery),
			csvFloat(s.EnergyAdded),
			csvFloat(s.AvgPower),
			csvFloat(s.MaxPower),
			csvFloat(s.LocationLat),
			csvFloat(s.LocationLon),
			strconv.FormatBool(s.IsComplete),
		})
	}
	return data, nil
}

func (h *ExportHandler) exportLocations(start, end time.Time) ([][]string, error) {
	readings, err := h.store.GetLocationHistory(start, end)
	if err != nil {
		return nil, err
	}

	data := [][]string{
		{"timestamp", "latitude", "longitude", "last_updated"},
	}
	for i := range readings {
		r := readings[i]
		lastUpdated := ""
		if r.LastUpdated != nil {
			lastUpdated = csvTime(*r.LastUpdated)
		}
		data = append(data, []string{
			csvTime(r.Timestamp),
			strconv.FormatFloat(r.Latitude, 'f', -1, 64),
			strconv.FormatFloat(r.Longitude, 'f', -1, 64),
			lastUpdated,
		})
	}
	return data, nil
}

func csvTime(t time.Time) string { return t.Format("2006-01-02 15:04:05") }

func csvFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func csvBoolPtr(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}
