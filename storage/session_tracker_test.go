package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhuot/pyvisioniq/config"
	"github.com/mhuot/pyvisioniq/models"
)

var noLocation = models.LocationState{}

func testConfig() *config.Config {
	return &config.Config{
		APIDailyLimit:                30,
		ChargingSessionGapMultiplier: 1.5,
		BatteryCapacityKWh:           77.4,
	}
}

func newTestTracker(t *testing.T) (*SessionTracker, *CSVStore) {
	t.Helper()
	store, err := NewCSVStore(t.TempDir(), 77.4)
	require.NoError(t, err)
	return NewSessionTracker(store, testConfig()), store
}

func reading(ts time.Time, level float64, charging bool) models.BatteryReading {
	return models.BatteryReading{Timestamp: ts, BatteryLevel: &level, IsCharging: charging}
}

func TestGapThresholdFromQuota(t *testing.T) {
	tracker, _ := newTestTracker(t)
	// 30 calls/day spaces polls 48 minutes apart; 48 * 1.5 = 72.
	assert.Equal(t, 72.0, tracker.GapThresholdMinutes())

	cfg := testConfig()
	cfg.APIDailyLimit = 1440
	store, err := NewCSVStore(t.TempDir(), 77.4)
	require.NoError(t, err)
	assert.Equal(t, 5.0, NewSessionTracker(store, cfg).GapThresholdMinutes())
}

func TestChargingFlagStartsSession(t *testing.T) {
	tracker, store := newTestTracker(t)
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.Local)

	require.NoError(t, tracker.ProcessReading(nil, reading(start, 40, true), noLocation))

	active, err := store.GetActiveChargingSession()
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "charge_20240115_100000", active.SessionID)
	assert.Equal(t, start, active.StartTime)
	assert.Equal(t, 40.0, *active.StartBattery)
	assert.Equal(t, 40.0, *active.EndBattery)
	assert.False(t, active.IsComplete)
	assert.Nil(t, active.EndTime)
}

func TestChargingReadingUpdatesActiveSession(t *testing.T) {
	tracker, store := newTestTracker(t)
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.Local)

	first := reading(start, 40, true)
	require.NoError(t, tracker.ProcessReading(nil, first, noLocation))
	second := reading(start.Add(48*time.Minute), 55, true)
	require.NoError(t, tracker.ProcessReading(&first, second, noLocation))

	active, err := store.GetActiveChargingSession()
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 55.0, *active.EndBattery)
	assert.Equal(t, 48.0, *active.DurationMinutes)
	assert.Equal(t, 11.61, *active.EnergyAdded)
	assert.Equal(t, 14.51, *active.AvgPower)
	require.NotNil(t, active.EndTime)
	assert.Equal(t, start.Add(48*time.Minute), *active.EndTime)
}

func TestNotChargingCompletesSession(t *testing.T) {
	tracker, store := newTestTracker(t)
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.Local)

	first := reading(start, 40, true)
	require.NoError(t, tracker.ProcessReading(nil, first, noLocation))
	second := reading(start.Add(60*time.Minute), 50, false)
	require.NoError(t, tracker.ProcessReading(&first, second, noLocation))

	active, err := store.GetActiveChargingSession()
	require.NoError(t, err)
	assert.Nil(t, active)

	sessions, err := store.GetChargingSessions(time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.True(t, s.IsComplete)
	assert.Equal(t, 50.0, *s.EndBattery)
	assert.Equal(t, 60.0, *s.DurationMinutes)
	assert.Equal(t, 7.74, *s.EnergyAdded)
	assert.Equal(t, 7.74, *s.AvgPower)
}

func TestPluggedInWithLevelRiseStartsSession(t *testing.T) {
	tracker, store := newTestTracker(t)
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.Local)
	plugged := true

	prev := reading(start, 50, false)
	current := reading(start.Add(48*time.Minute), 53, false)
	current.IsPluggedIn = &plugged
	require.NoError(t, tracker.ProcessReading(&prev, current, noLocation))

	active, err := store.GetActiveChargingSession()
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 53.0, *active.StartBattery)
}

func TestPluggedInWithoutRiseDoesNothing(t *testing.T) {
	tracker, store := newTestTracker(t)
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.Local)
	plugged := true

	prev := reading(start, 50, false)
	current := reading(start.Add(48*time.Minute), 50, false)
	current.IsPluggedIn = &plugged
	require.NoError(t, tracker.ProcessReading(&prev, current, noLocation))

	active, err := store.GetActiveChargingSession()
	require.NoError(t, err)
	assert.Nil(t, active)

	sessions, err := store.GetChargingSessions(time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestLevelJumpInfersCompletedSession(t *testing.T) {
	tracker, store := newTestTracker(t)
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.Local)

	// Timer charge finished between polls: neither flag set, level 60 -> 68.
	prev := reading(start, 60, false)
	current := reading(start.Add(48*time.Minute), 68, false)
	require.NoError(t, tracker.ProcessReading(&prev, current, noLocation))

	active, err := store.GetActiveChargingSession()
	require.NoError(t, err)
	assert.Nil(t, active)

	sessions, err := store.GetChargingSessions(time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.True(t, s.IsComplete)
	assert.Equal(t, "charge_20240115_100000", s.SessionID)
	assert.Equal(t, start, s.StartTime)
	require.NotNil(t, s.EndTime)
	assert.Equal(t, start.Add(48*time.Minute), *s.EndTime)
	assert.Equal(t, 60.0, *s.StartBattery)
	assert.Equal(t, 68.0, *s.EndBattery)
	assert.Equal(t, 6.19, *s.EnergyAdded)
	assert.Equal(t, 48.0, *s.DurationMinutes)
	assert.Equal(t, 7.74, *s.AvgPower)
}

func TestSmallLevelJumpNotInferred(t *testing.T) {
	tracker, store := newTestTracker(t)
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.Local)

	prev := reading(start, 60, false)
	current := reading(start.Add(48*time.Minute), 61.5, false)
	require.NoError(t, tracker.ProcessReading(&prev, current, noLocation))

	sessions, err := store.GetChargingSessions(time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestLongGapSplitsSessions(t *testing.T) {
	tracker, store := newTestTracker(t)
	base := time.Date(2024, 1, 15, 11, 0, 0, 0, time.Local)

	first := reading(base, 40, true)
	require.NoError(t, tracker.ProcessReading(nil, first, noLocation))
	second := reading(base.Add(60*time.Minute), 50, true) // 12:00
	require.NoError(t, tracker.ProcessReading(&first, second, noLocation))

	// 13:30, 90 minutes after the last update, beyond the 72 minute
	// threshold. The old session closes at its last known state.
	third := reading(base.Add(150*time.Minute), 55, true)
	require.NoError(t, tracker.ProcessReading(&second, third, noLocation))

	sessions, err := store.GetChargingSessions(time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	closed := sessions[0]
	assert.True(t, closed.IsComplete)
	require.NotNil(t, closed.EndTime)
	assert.Equal(t, base.Add(60*time.Minute), *closed.EndTime)
	assert.Equal(t, 50.0, *closed.EndBattery)
	assert.Equal(t, 60.0, *closed.DurationMinutes)

	opened := sessions[1]
	assert.False(t, opened.IsComplete)
	assert.Equal(t, base.Add(150*time.Minute), opened.StartTime)
	assert.Equal(t, 55.0, *opened.StartBattery)
}

func TestShortGapKeepsSessionOpen(t *testing.T) {
	tracker, store := newTestTracker(t)
	base := time.Date(2024, 1, 15, 11, 0, 0, 0, time.Local)

	first := reading(base, 40, true)
	require.NoError(t, tracker.ProcessReading(nil, first, noLocation))
	second := reading(base.Add(48*time.Minute), 45, true)
	require.NoError(t, tracker.ProcessReading(&first, second, noLocation))
	third := reading(base.Add(96*time.Minute), 51, true)
	require.NoError(t, tracker.ProcessReading(&second, third, noLocation))

	sessions, err := store.GetChargingSessions(time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].IsComplete)
	assert.Equal(t, 51.0, *sessions[0].EndBattery)
}

func TestLevelDropNeverAddsEnergy(t *testing.T) {
	tracker, store := newTestTracker(t)
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.Local)

	first := reading(start, 40, true)
	require.NoError(t, tracker.ProcessReading(nil, first, noLocation))
	second := reading(start.Add(30*time.Minute), 38, false)
	require.NoError(t, tracker.ProcessReading(&first, second, noLocation))

	sessions, err := store.GetChargingSessions(time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 0.0, *sessions[0].EnergyAdded)
	assert.Equal(t, 0.0, *sessions[0].AvgPower)
}

func TestSessionPinsStartLocation(t *testing.T) {
	tracker, store := newTestTracker(t)
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.Local)
	lat, lon := 44.9778, -93.265

	require.NoError(t, tracker.ProcessReading(nil, reading(start, 40, true), models.LocationState{
		Latitude:  &lat,
		Longitude: &lon,
	}))

	active, err := store.GetActiveChargingSession()
	require.NoError(t, err)
	require.NotNil(t, active)
	require.NotNil(t, active.LocationLat)
	assert.Equal(t, 44.9778, *active.LocationLat)
	assert.Equal(t, -93.265, *active.LocationLon)
}

func TestImplausibleChargingPowerIgnored(t *testing.T) {
	tracker, store := newTestTracker(t)
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.Local)

	first := reading(start, 40, true)
	bogus := 9999.0
	first.ChargingPower = &bogus
	require.NoError(t, tracker.ProcessReading(nil, first, noLocation))

	active, err := store.GetActiveChargingSession()
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 0.0, *active.MaxPower)
}

func TestOutOfRangeLevelSkipsTracking(t *testing.T) {
	tracker, store := newTestTracker(t)
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.Local)

	require.NoError(t, tracker.ProcessReading(nil, reading(start, 250, true), noLocation))

	active, err := store.GetActiveChargingSession()
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestReadingWithoutLevelIgnored(t *testing.T) {
	tracker, store := newTestTracker(t)
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.Local)

	require.NoError(t, tracker.ProcessReading(nil, models.BatteryReading{
		Timestamp:  start,
		IsCharging: true,
	}, noLocation))

	active, err := store.GetActiveChargingSession()
	require.NoError(t, err)
	assert.Nil(t, active)
}
