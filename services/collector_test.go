package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhuot/pyvisioniq/ratelimit"
)

func newGridCollector(t *testing.T, dailyLimit int) (*Collector, *ratelimit.Governor) {
	t.Helper()
	governor := ratelimit.NewGovernor(dailyLimit, t.TempDir())
	return NewCollector(nil, governor), governor
}

func TestNextPollSlotGridWhenNoLastCall(t *testing.T) {
	collector, _ := newGridCollector(t, 30)

	// 30 calls/day puts a slot every 48 minutes; the first slot after
	// 10:00 is 10:24.
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.Local)
	next := collector.nextPollAt(now)

	assert.Equal(t, time.Date(2024, 1, 15, 10, 24, 0, 0, time.Local), next)
}

func TestNextPollSlotBoundaryIsNotReused(t *testing.T) {
	collector, _ := newGridCollector(t, 30)

	now := time.Date(2024, 1, 15, 10, 24, 0, 0, time.Local)
	next := collector.nextPollAt(now)

	assert.Equal(t, time.Date(2024, 1, 15, 11, 12, 0, 0, time.Local), next)
}

func TestNextPollPastLastSlotRollsToTomorrow(t *testing.T) {
	collector, _ := newGridCollector(t, 30)

	now := time.Date(2024, 1, 15, 23, 59, 0, 0, time.Local)
	next := collector.nextPollAt(now)

	assert.Equal(t, time.Date(2024, 1, 16, 0, 0, 0, 0, time.Local), next)
}

func TestNextPollFromRecentLastCall(t *testing.T) {
	collector, governor := newGridCollector(t, 30)
	governor.RecordCall("test")

	last := governor.LastCallTime()
	require.NotNil(t, last)

	next := collector.nextPollAt(time.Now())
	assert.WithinDuration(t, last.Add(48*time.Minute), next, 2*time.Second)
}

func TestNextPollBackoffStretchesInterval(t *testing.T) {
	collector, governor := newGridCollector(t, 30)
	governor.RecordCall("test")
	governor.RecordRateLimitHit("test", "rate limit exceeded")

	last := governor.LastCallTime()
	require.NotNil(t, last)

	next := collector.nextPollAt(time.Now())
	assert.WithinDuration(t, last.Add(72*time.Minute), next, 2*time.Second)
}

func TestNextPollStaleLastCallFallsBackToGrid(t *testing.T) {
	collector, governor := newGridCollector(t, 30)
	governor.RecordCall("test")

	// Pretend 49 minutes have passed; the interval-based candidate is in
	// the past, so the slot grid takes over.
	now := time.Now().Add(49 * time.Minute)
	next := collector.nextPollAt(now)

	require.True(t, next.After(now))
	midnight := time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, next.Location())
	assert.Zero(t, next.Sub(midnight)%(48*time.Minute))
}

func TestStopWakesSleepingCollector(t *testing.T) {
	f := newClientFixture(t)
	collector := NewCollector(f.service, f.governor)

	go collector.Start()
	time.Sleep(50 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		collector.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop")
	}
}
