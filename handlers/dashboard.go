package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mhuot/pyvisioniq/ratelimit"
	"github.com/mhuot/pyvisioniq/services"
	"github.com/mhuot/pyvisioniq/storage"
)

type DashboardHandler struct {
	service  *services.VehicleDataService
	store    storage.Store
	governor *ratelimit.Governor
	monitor  *services.SystemMonitor
}

func NewDashboardHandler(service *services.VehicleDataService, store storage.Store, governor *ratelimit.Governor, monitor *services.SystemMonitor) *DashboardHandler {
	return &DashboardHandler{service: service, store: store, governor: governor, monitor: monitor}
}

// CurrentStatus returns the newest battery reading plus cache freshness.
// Reads come from storage, never from a vendor call.
func (h *DashboardHandler) CurrentStatus(w http.ResponseWriter, r *http.Request) {
	reading, err := h.store.GetLatestBatteryReading()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	payload := map[string]interface{}{
		"battery_level": nil,
		"is_charging":   nil,
		"is_plugged_in": nil,
		"range":         nil,
		"temperature":   nil,
		"odometer":      nil,
		"last_updated":  nil,
	}

	if reading != nil {
		payload["battery_level"] = reading.BatteryLevel
		payload["is_charging"] = reading.IsCharging
		payload["is_plugged_in"] = reading.IsPluggedIn
		payload["range"] = reading.Range
		payload["temperature"] = reading.Temperature
		payload["odometer"] = reading.Odometer
		payload["is_cached"] = reading.IsCached
		payload["last_updated"] = reading.Timestamp.Format(time.RFC3339)
	}

	if snapshot, age, ok := h.service.CachedSnapshot(); ok {
		payload["cache_age_seconds"] = int(age.Seconds())
		if snapshot.VendorUpdatedAt != nil {
			payload["vendor_updated_at"] = snapshot.VendorUpdatedAt.Format(time.RFC3339)
		}
	}

	writeJSON(w, http.StatusOK, payload)
}

// BatteryHistory returns the time series for the requested window.
func (h *DashboardHandler) BatteryHistory(w http.ResponseWriter, r *http.Request) {
	start, end, err := historyWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	readings, err := h.store.GetBatteryHistory(start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  readings,
		"count": len(readings),
	})
}

// CollectionStatus exposes the governor state the way the dashboard polls
// it: quota, backoff and the projected next collection time.
func (h *DashboardHandler) CollectionStatus(w http.ResponseWriter, r *http.Request) {
	status := h.governor.Status()

	var next *time.Time
	if h.governor.CallsToday() >= h.governor.DailyLimit() {
		now := time.Now()
		tomorrow := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
		next = &tomorrow
	} else if last := h.governor.LastCallTime(); last != nil {
		candidate := last.Add(time.Duration(h.governor.AdjustedIntervalMinutes() * float64(time.Minute)))
		next = &candidate
	}
	if next != nil {
		status["next_collection"] = next.Format(time.RFC3339)
	} else {
		status["next_collection"] = nil
	}

	writeJSON(w, http.StatusOK, status)
}

// CollectionLog returns recent collector breadcrumbs, newest first.
func (h *DashboardHandler) CollectionLog(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	entries, err := h.store.GetCollectionLog(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *DashboardHandler) Health(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	}
	if h.monitor != nil {
		payload["system"] = h.monitor.Health()
	}
	writeJSON(w, http.StatusOK, payload)
}

// historyWindow resolves hours/start_date/end_date query parameters into a
// time range. hours is a number of hours back from now, "all" (or absent)
// for everything, or "custom" with explicit dates. Zero times mean
// unbounded on that side.
func historyWindow(r *http.Request) (time.Time, time.Time, error) {
	query := r.URL.Query()

	switch hours := query.Get("hours"); hours {
	case "", "all":
		return time.Time{}, time.Time{}, nil
	case "custom":
		var start, end time.Time
		startDate := query.Get("start_date")
		endDate := query.Get("end_date")
		if startDate == "" && endDate == "" {
			return time.Time{}, time.Time{}, fmt.Errorf("custom range requires start_date or end_date")
		}
		if startDate != "" {
			t, err := time.ParseInLocation("2006-01-02", startDate, time.Local)
			if err != nil {
				return time.Time{}, time.Time{}, fmt.Errorf("invalid start_date: %s", startDate)
			}
			start = t
		}
		if endDate != "" {
			t, err := time.ParseInLocation("2006-01-02", endDate, time.Local)
			if err != nil {
				return time.Time{}, time.Time{}, fmt.Errorf("invalid end_date: %s", endDate)
			}
			// End date is inclusive.
			end = t.AddDate(0, 0, 1)
		}
		return start, end, nil
	default:
		n, err := strconv.ParseFloat(hours, 64)
		if err != nil || n <= 0 {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid hours: %s", hours)
		}
		return time.Now().Add(-time.Duration(n * float64(time.Hour))), time.Time{}, nil
	}
}
