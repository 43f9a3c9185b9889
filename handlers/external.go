package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/mhuot/pyvisioniq/models"
	"github.com/mhuot/pyvisioniq/storage"
)

// ExternalHandler accepts telemetry pushed by devices outside the agent.
// The only producer today is a 12V battery monitor (a BM2 dongle relayed
// through a Raspberry Pi) posting voltage/SOC samples.
type ExternalHandler struct {
	store  storage.Store
	apiKey string
}

func NewExternalHandler(store storage.Store, apiKey string) *ExternalHandler {
	return &ExternalHandler{store: store, apiKey: apiKey}
}

// auxPayload mirrors one pushed reading. Pointers distinguish a missing
// field from a zero value.
type auxPayload struct {
	Voltage   *float64 `json:"voltage"`
	SOC       *float64 `json:"soc"`
	Temp      *float64 `json:"temp"`
	Timestamp *string  `json:"timestamp"`
}

type auxValidationError struct {
	Index  int      `json:"index"`
	Errors []string `json:"errors"`
}

// externalTimeLayouts are the timestamp shapes pushing devices have been
// seen to send. All are interpreted in the server's local zone unless the
// value carries an explicit offset.
var externalTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// IngestAuxBattery handles POST /api/external/battery. The body is either
// a single reading or a JSON array of readings:
//
//	{"voltage": 12.6, "soc": 95, "temp": 22.5, "timestamp": "2025-06-01T14:30:00"}
//
// timestamp is optional; the server's current time is used when omitted.
// Duplicate timestamps are silently skipped by the store. Requests must
// carry the configured key in the X-API-KEY header.
func (h *ExternalHandler) IngestAuxBattery(w http.ResponseWriter, r *http.Request) {
	if h.apiKey == "" {
		log.Printf("WARNING: External ingest rejected from %s: EXTERNAL_API_KEY not configured", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "EXTERNAL_API_KEY not configured on server")
		return
	}
	if r.Header.Get("X-API-KEY") != h.apiKey {
		log.Printf("WARNING: External ingest rejected from %s: invalid or missing API key", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "Invalid or missing API key")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	items, err := splitReadings(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(items) == 0 {
		writeError(w, http.StatusBadRequest, "Payload array is empty")
		return
	}

	now := time.Now()
	var readings []models.AuxBatteryReading
	var failures []auxValidationError
	for i, item := range items {
		reading, errs := parseAuxReading(item, now)
		if len(errs) > 0 {
			failures = append(failures, auxValidationError{Index: i, Errors: errs})
			continue
		}
		readings = append(readings, reading)
	}

	if len(readings) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "Validation failed",
			"details": failures,
		})
		return
	}

	added, skipped, err := h.store.StoreAuxBatteryReadings(readings)
	if err != nil {
		log.Printf("ERROR: Failed to store external battery readings from %s: %v", r.RemoteAddr, err)
		writeError(w, http.StatusInternalServerError, "Failed to store readings")
		return
	}

	log.Printf("External battery batch from %s: added=%d skipped=%d invalid=%d",
		r.RemoteAddr, added, skipped, len(failures))

	response := map[string]interface{}{
		"status":  "success",
		"added":   added,
		"skipped": skipped,
	}
	if len(failures) > 0 {
		response["validation_errors"] = failures
	}
	writeJSON(w, http.StatusCreated, response)
}

// splitReadings normalizes the body to a list of raw readings so single
// objects and batches share one path.
func splitReadings(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errBadPayload
	}
	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, errBadPayload
		}
		return items, nil
	case '{':
		return []json.RawMessage{trimmed}, nil
	default:
		return nil, errBadPayload
	}
}

var errBadPayload = &payloadError{"Payload must be a JSON object or array"}

type payloadError struct{ msg string }

func (e *payloadError) Error() string { return e.msg }

// parseAuxReading validates one raw reading and resolves its timestamp,
// truncated to whole seconds so repeated pushes dedupe cleanly.
func parseAuxReading(raw json.RawMessage, now time.Time) (models.AuxBatteryReading, []string) {
	var in auxPayload
	if err := json.Unmarshal(raw, &in); err != nil {
		return models.AuxBatteryReading{}, []string{"reading must be a JSON object with numeric voltage/soc fields"}
	}

	var errs []string
	if in.Voltage == nil {
		errs = append(errs, "'voltage' is required")
	}
	if in.SOC == nil {
		errs = append(errs, "'soc' is required")
	}

	ts := now
	if in.Timestamp != nil {
		parsed, err := parseExternalTime(*in.Timestamp)
		if err != nil {
			errs = append(errs, "'timestamp' is not a valid ISO-format datetime")
		} else {
			ts = parsed
		}
	}

	if len(errs) > 0 {
		return models.AuxBatteryReading{}, errs
	}

	return models.AuxBatteryReading{
		Timestamp:   ts.Truncate(time.Second),
		Voltage:     *in.Voltage,
		SOC:         *in.SOC,
		Temperature: in.Temp,
	}, nil
}

func parseExternalTime(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range externalTimeLayouts {
		t, err := time.ParseInLocation(layout, value, time.Local)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
