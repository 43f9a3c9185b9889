package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhuot/pyvisioniq/models"
)

func testSnapshot(level float64) *models.VehicleSnapshot {
	return &models.VehicleSnapshot{
		Timestamp: time.Date(2024, 1, 15, 10, 30, 0, 0, time.Local),
		VehicleID: "vehicle-1",
		Battery:   models.BatteryState{Level: &level},
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("vehicle-1", "update_vehicle")
	b := Fingerprint("vehicle-1", "update_vehicle")
	c := Fingerprint("vehicle-1", "force_refresh")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}

func TestStoreAndLoad(t *testing.T) {
	c := New(t.TempDir(), true, time.Hour, 48*time.Hour)
	fp := Fingerprint("vehicle-1", "update_vehicle")

	require.NoError(t, c.Store(fp, testSnapshot(72)))

	got, age, ok := c.Load(fp)
	require.True(t, ok)
	require.NotNil(t, got.Battery.Level)
	assert.Equal(t, 72.0, *got.Battery.Level)
	assert.GreaterOrEqual(t, age, time.Duration(0))
	assert.Less(t, age, time.Hour)
}

func TestLoadMissesAtValidityBoundary(t *testing.T) {
	// Validity zero means every entry is already at the boundary.
	c := New(t.TempDir(), true, 0, 48*time.Hour)
	fp := Fingerprint("vehicle-1", "update_vehicle")

	require.NoError(t, c.Store(fp, testSnapshot(72)))

	_, _, ok := c.Load(fp)
	assert.False(t, ok)

	got, _, ok := c.LoadStale(fp)
	require.True(t, ok)
	assert.Equal(t, 72.0, *got.Battery.Level)
}

func TestLoadDisabledCache(t *testing.T) {
	c := New(t.TempDir(), false, time.Hour, 48*time.Hour)
	fp := Fingerprint("vehicle-1", "update_vehicle")

	require.NoError(t, c.Store(fp, testSnapshot(50)))

	_, _, ok := c.Load(fp)
	assert.False(t, ok)

	_, _, ok = c.LoadStale(fp)
	assert.True(t, ok, "stale fallback ignores the enabled flag")
}

func TestLoadMissingEntry(t *testing.T) {
	c := New(t.TempDir(), true, time.Hour, 48*time.Hour)

	_, _, ok := c.Load(Fingerprint("vehicle-1", "update_vehicle"))
	assert.False(t, ok)

	_, ok = c.Age(Fingerprint("vehicle-1", "update_vehicle"))
	assert.False(t, ok)
}

func TestStoreWritesHistoryCopy(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, true, time.Hour, 48*time.Hour)
	fp := Fingerprint("vehicle-1", "update_vehicle")

	require.NoError(t, c.Store(fp, testSnapshot(60)))

	matches, err := filepath.Glob(filepath.Join(dir, "history_*_"+fp+".json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestStoreRemovesExpiredHistory(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, true, time.Hour, time.Hour)
	fp := Fingerprint("vehicle-1", "update_vehicle")

	old := filepath.Join(dir, "history_20240101_000000_"+fp+".json")
	require.NoError(t, os.WriteFile(old, []byte("{}"), 0644))
	stale := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))

	require.NoError(t, c.Store(fp, testSnapshot(60)))

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err), "expired history file should be removed")

	matches, err := filepath.Glob(filepath.Join(dir, "history_*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1, "fresh history copy survives cleanup")
}

func TestWriteErrorRecord(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, true, time.Hour, 48*time.Hour)

	c.WriteErrorRecord(ErrorRecord{
		ErrorType:    "RateLimitError",
		ErrorMessage: "429 too many requests",
		Region:       3,
		Brand:        2,
		VehicleID:    "vehicle-1",
	})

	matches, err := filepath.Glob(filepath.Join(dir, "error_*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)

	var record ErrorRecord
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, "RateLimitError", record.ErrorType)
	assert.Equal(t, 3, record.Region)
	assert.NotEmpty(t, record.Timestamp)
	assert.Empty(t, record.ErrorStage)
}

func TestWriteTokenErrorRecord(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, true, time.Hour, 48*time.Hour)

	c.WriteErrorRecord(ErrorRecord{
		ErrorType:    "AuthError",
		ErrorMessage: "invalid credentials",
		ErrorStage:   "token_refresh",
		Region:       3,
		Brand:        2,
	})

	matches, err := filepath.Glob(filepath.Join(dir, "error_token_*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	var record ErrorRecord
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, "token_refresh", record.ErrorStage)
}
