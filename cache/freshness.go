package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/mhuot/pyvisioniq/models"
)

// The Bluelink backend sometimes replays a server-cached vehicle state
// instead of waking the car. Classify a snapshot by comparing the vendor's
// update timestamp (and payload digest as tiebreak) against the previous
// snapshot. Older-than-previous is still treated as fresh so clock skew on
// the vendor side never drops data.

var vendorTimeFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"20060102150405",
}

// IsFresh reports whether next carries new vehicle data relative to prev.
func IsFresh(next, prev *models.VehicleSnapshot) bool {
	if next == nil {
		return false
	}
	if prev == nil {
		return true
	}

	nextAt := VendorUpdatedAt(next)
	prevAt := VendorUpdatedAt(prev)

	switch {
	case nextAt != nil && prevAt != nil:
		if !nextAt.Equal(*prevAt) {
			return true
		}
		return Digest(next.Raw) != Digest(prev.Raw)
	case nextAt != nil:
		return true
	case prevAt != nil:
		return false
	default:
		return true
	}
}

// VendorUpdatedAt extracts the vendor-reported update time from a snapshot,
// trying the normalized field first and then the raw payload locations the
// Bluelink API is known to use.
func VendorUpdatedAt(snapshot *models.VehicleSnapshot) *time.Time {
	if snapshot == nil {
		return nil
	}
	if snapshot.VendorUpdatedAt != nil {
		return snapshot.VendorUpdatedAt
	}
	if len(snapshot.Raw) == 0 {
		return nil
	}

	var raw struct {
		VehicleStatus struct {
			DateTime string `json:"dateTime"`
			EvStatus struct {
				LastUpdatedAt string `json:"lastUpdatedAt"`
			} `json:"evStatus"`
		} `json:"vehicleStatus"`
	}
	if err := json.Unmarshal(snapshot.Raw, &raw); err != nil {
		return nil
	}

	for _, candidate := range []string{raw.VehicleStatus.DateTime, raw.VehicleStatus.EvStatus.LastUpdatedAt} {
		if t := parseVendorTime(candidate); t != nil {
			return t
		}
	}
	return nil
}

func parseVendorTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, format := range vendorTimeFormats {
		if t, err := time.ParseInLocation(format, value, time.Local); err == nil {
			return &t
		}
	}
	return nil
}

// Digest returns a stable hash of a raw payload. The payload is decoded and
// re-encoded so key order and whitespace differences do not change the hash.
func Digest(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		sum := md5.Sum(raw)
		return hex.EncodeToString(sum[:])
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		sum := md5.Sum(raw)
		return hex.EncodeToString(sum[:])
	}
	sum := md5.Sum(canonical)
	return hex.EncodeToString(sum[:])
}
