package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mhuot/pyvisioniq/models"
)

// Fingerprint returns the stable cache key for a vehicle/method pair.
func Fingerprint(vehicleID, method string) string {
	sum := md5.Sum([]byte(vehicleID + "_" + method))
	return hex.EncodeToString(sum[:])
}

// Cache memoizes the last normalized snapshot per fingerprint and keeps a
// dated history of every stored payload for audit. Two thresholds apply:
// validity decides whether a cached snapshot can short-circuit an API call,
// retention decides how long history files live before garbage collection.
type Cache struct {
	dir       string
	enabled   bool
	validity  time.Duration
	retention time.Duration
}

func New(dir string, enabled bool, validity, retention time.Duration) *Cache {
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Printf("ERROR: Failed to create cache directory %s: %v", dir, err)
	}
	return &Cache{
		dir:       dir,
		enabled:   enabled,
		validity:  validity,
		retention: retention,
	}
}

func (c *Cache) Dir() string { return c.dir }

func (c *Cache) Enabled() bool { return c.enabled }

func (c *Cache) Validity() time.Duration { return c.validity }

func (c *Cache) Retention() time.Duration { return c.retention }

func (c *Cache) currentPath(fingerprint string) string {
	return filepath.Join(c.dir, fingerprint+".json")
}

// Age returns how long ago the current entry for fingerprint was stored.
func (c *Cache) Age(fingerprint string) (time.Duration, bool) {
	info, err := os.Stat(c.currentPath(fingerprint))
	if err != nil {
		return 0, false
	}
	return time.Since(info.ModTime()), true
}

// Load returns the cached snapshot when caching is enabled and the entry
// is still within validity. An entry aged exactly at validity is stale.
func (c *Cache) Load(fingerprint string) (*models.VehicleSnapshot, time.Duration, bool) {
	if !c.enabled {
		return nil, 0, false
	}
	age, ok := c.Age(fingerprint)
	if !ok || age >= c.validity {
		return nil, 0, false
	}
	snapshot, err := c.read(fingerprint)
	if err != nil {
		log.Printf("ERROR: Failed to read cache entry %s: %v", fingerprint, err)
		return nil, 0, false
	}
	return snapshot, age, true
}

// LoadStale returns the current entry regardless of validity. Used when the
// quota is exhausted and stale data beats no data.
func (c *Cache) LoadStale(fingerprint string) (*models.VehicleSnapshot, time.Duration, bool) {
	age, ok := c.Age(fingerprint)
	if !ok {
		return nil, 0, false
	}
	snapshot, err := c.read(fingerprint)
	if err != nil {
		return nil, 0, false
	}
	return snapshot, age, true
}

func (c *Cache) read(fingerprint string) (*models.VehicleSnapshot, error) {
	data, err := os.ReadFile(c.currentPath(fingerprint))
	if err != nil {
		return nil, err
	}
	var snapshot models.VehicleSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Store overwrites the current entry, appends a timestamped history copy
// and garbage-collects history files older than retention.
func (c *Cache) Store(fingerprint string, snapshot *models.VehicleSnapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %v", err)
	}

	if err := os.WriteFile(c.currentPath(fingerprint), data, 0644); err != nil {
		return fmt.Errorf("failed to write cache entry: %v", err)
	}

	historyName := fmt.Sprintf("history_%s_%s.json", time.Now().Format("20060102_150405"), fingerprint)
	if err := os.WriteFile(filepath.Join(c.dir, historyName), data, 0644); err != nil {
		log.Printf("ERROR: Failed to write cache history file: %v", err)
	}

	c.cleanupHistory()
	return nil
}

// CleanupOld removes history files past retention. Store runs this after
// every write; the admin surface can also trigger it on demand.
func (c *Cache) CleanupOld() {
	c.cleanupHistory()
}

func (c *Cache) cleanupHistory() {
	cutoff := time.Now().Add(-c.retention)
	matches, err := filepath.Glob(filepath.Join(c.dir, "history_*.json"))
	if err != nil {
		return
	}
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				log.Printf("Removed old cache file: %s", filepath.Base(path))
			}
		}
	}
}

// ErrorRecord is a classified failure persisted for later analysis.
type ErrorRecord struct {
	Timestamp    string `json:"timestamp"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	ErrorStage   string `json:"error_stage,omitempty"`
	Region       int    `json:"region"`
	Brand        int    `json:"brand"`
	VehicleID    string `json:"vehicle_id,omitempty"`
}

// WriteErrorRecord saves a failure record next to the cache entries.
// Token refresh failures get their own file prefix so they stand out.
func (c *Cache) WriteErrorRecord(record ErrorRecord) {
	if record.Timestamp == "" {
		record.Timestamp = time.Now().Format("2006-01-02T15:04:05")
	}

	prefix := "error"
	if record.ErrorStage == "token_refresh" {
		prefix = "error_token"
	}
	name := fmt.Sprintf("%s_%s.json", prefix, time.Now().Format("20060102_150405"))

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(c.dir, name), data, 0644); err != nil {
		log.Printf("ERROR: Failed to write error record: %v", err)
	}
}
