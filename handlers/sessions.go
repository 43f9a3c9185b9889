package handlers

import (
	"net/http"

	"github.com/mhuot/pyvisioniq/storage"
)

type SessionsHandler struct {
	store storage.Store
}

func NewSessionsHandler(store storage.Store) *SessionsHandler {
	return &SessionsHandler{store: store}
}

// List returns charging sessions for the requested window. An empty window
// falls back to the ten most recent sessions so the dashboard card never
// renders blank, and the response says so.
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	start, end, err := historyWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessions, err := h.store.GetChargingSessions(start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	fallback := false
	if len(sessions) == 0 {
		sessions, err = h.store.GetRecentChargingSessions(10)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		fallback = len(sessions) > 0
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
		"fallback": fallback,
	})
}
