package handlers

import (
	"net/http"
	"time"

	"github.com/mhuot/pyvisioniq/services"
)

type RefreshHandler struct {
	service *services.VehicleDataService
}

func NewRefreshHandler(service *services.VehicleDataService) *RefreshHandler {
	return &RefreshHandler{service: service}
}

// Refresh triggers an immediate collection. A valid cache entry still
// satisfies it unless force=true, and the daily quota always applies.
// Failures map onto HTTP statuses: 429 when the quota is gone, 504 when the
// vendor is unreachable, 500 otherwise.
func (h *RefreshHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	source := services.SourceManual
	if r.URL.Query().Get("force") == "true" {
		source = services.SourceForceRefresh
	}

	snapshot, err := h.service.Collect(source)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	payload := map[string]interface{}{
		"status":    "success",
		"message":   "Data refreshed successfully",
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if snapshot != nil {
		payload["is_cached"] = snapshot.IsCached
	}
	writeJSON(w, http.StatusOK, payload)
}
