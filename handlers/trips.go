package handlers

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/mhuot/pyvisioniq/models"
	"github.com/mhuot/pyvisioniq/storage"
)

type TripsHandler struct {
	store storage.Store
}

func NewTripsHandler(store storage.Store) *TripsHandler {
	return &TripsHandler{store: store}
}

// List returns trips newest first, filtered and paginated. Trip dates are
// vendor strings (YYYYMMDD), so date filters compare lexically after
// normalizing dashed inputs to the compact form.
func (h *TripsHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page := 1
	if v := query.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid page")
			return
		}
		page = n
	}
	perPage := 10
	if v := query.Get("per_page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid per_page")
			return
		}
		perPage = n
	}

	startDate := tripDateKey(query.Get("start_date"))
	endDate := tripDateKey(query.Get("end_date"))
	if hours := query.Get("hours"); hours != "" && hours != "all" && hours != "custom" {
		start, _, err := historyWindow(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		startDate = start.Format("20060102")
	}

	var minDistance, maxDistance *float64
	if v := query.Get("min_distance"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid min_distance")
			return
		}
		minDistance = &n
	}
	if v := query.Get("max_distance"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid max_distance")
			return
		}
		maxDistance = &n
	}

	trips, err := h.store.GetTrips()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	filtered := make([]models.TripRecord, 0, len(trips))
	for _, trip := range trips {
		date := tripDateKey(trip.Date)
		if startDate != "" && date < startDate {
			continue
		}
		if endDate != "" && date > endDate {
			continue
		}
		if minDistance != nil && (trip.Distance == nil || *trip.Distance < *minDistance) {
			continue
		}
		if maxDistance != nil && (trip.Distance == nil || *trip.Distance > *maxDistance) {
			continue
		}
		filtered = append(filtered, trip)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Date > filtered[j].Date
	})

	total := len(filtered)
	totalPages := (total + perPage - 1) / perPage
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trips":       filtered[start:end],
		"total":       total,
		"page":        page,
		"per_page":    perPage,
		"total_pages": totalPages,
	})
}

// tripDateKey normalizes a date string to the vendor's compact YYYYMMDD form
// for comparison. Historical rows carry a trailing ".0"; user input carries
// dashes.
func tripDateKey(date string) string {
	return strings.ReplaceAll(strings.TrimSuffix(date, ".0"), "-", "")
}
