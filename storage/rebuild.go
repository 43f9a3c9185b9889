package storage

import (
	"math"
	"sort"
	"time"

	"github.com/mhuot/pyvisioniq/models"
)

// locationMergeTolerance bounds how far a location sample may sit from a
// battery reading and still pin the session's coordinates.
const locationMergeTolerance = 2 * time.Hour

// RebuildSessions reconstructs the charging session history from stored
// battery readings. Unlike the live tracker it only trusts the vendor's
// is_charging flag; the flag is always present in historical rows, and
// replaying inference rules against old data would fabricate sessions the
// live agent never saw. Readings inside one charge separated by more than
// gapThresholdMin minutes are split into two sessions.
func RebuildSessions(readings []models.BatteryReading, locations []models.LocationReading, gapThresholdMin, capacityKWh float64) []models.ChargingSession {
	sorted := make([]models.BatteryReading, len(readings))
	copy(sorted, readings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	locs := make([]models.LocationReading, len(locations))
	copy(locs, locations)
	sort.SliceStable(locs, func(i, j int) bool {
		return locs[i].Timestamp.Before(locs[j].Timestamp)
	})

	var sessions []models.ChargingSession
	var active *rebuildState

	for i := range sorted {
		r := sorted[i]
		if r.BatteryLevel == nil {
			continue
		}
		level := *r.BatteryLevel
		power := chargingPower(r)

		if r.IsCharging {
			if active == nil {
				active = newRebuildState(r.Timestamp, level, power, nearestLocation(locs, r.Timestamp))
				continue
			}
			if gap := r.Timestamp.Sub(active.endTime).Minutes(); gap > gapThresholdMin {
				sessions = append(sessions, active.finalize(capacityKWh, true))
				active = newRebuildState(r.Timestamp, level, power, nearestLocation(locs, r.Timestamp))
				continue
			}
			active.endTime = r.Timestamp
			active.endBattery = level
			if power > active.maxPower {
				active.maxPower = power
			}
			continue
		}

		if active != nil {
			active.endTime = r.Timestamp
			active.endBattery = level
			sessions = append(sessions, active.finalize(capacityKWh, true))
			active = nil
		}
	}

	if active != nil {
		sessions = append(sessions, active.finalize(capacityKWh, false))
	}
	return sessions
}

type rebuildState struct {
	startTime    time.Time
	endTime      time.Time
	startBattery float64
	endBattery   float64
	maxPower     float64
	location     *models.LocationReading
}

func newRebuildState(ts time.Time, level, power float64, loc *models.LocationReading) *rebuildState {
	return &rebuildState{
		startTime:    ts,
		endTime:      ts,
		startBattery: level,
		endBattery:   level,
		maxPower:     power,
		location:     loc,
	}
}

func (st *rebuildState) finalize(capacityKWh float64, complete bool) models.ChargingSession {
	duration := st.endTime.Sub(st.startTime).Minutes()
	if duration < 0 {
		duration = 0
	}
	duration = math.Round(duration*10) / 10

	delta := st.endBattery - st.startBattery
	if delta < 0 {
		delta = 0
	}
	energy := math.Round((delta/100)*capacityKWh*100) / 100
	avg := 0.0
	if duration > 0 {
		avg = math.Round(energy/(duration/60)*100) / 100
	}

	endTime := st.endTime
	startBattery := st.startBattery
	endBattery := st.endBattery
	maxPower := st.maxPower

	session := models.ChargingSession{
		SessionID:       sessionID(st.startTime),
		StartTime:       st.startTime,
		EndTime:         &endTime,
		DurationMinutes: &duration,
		StartBattery:    &startBattery,
		EndBattery:      &endBattery,
		EnergyAdded:     &energy,
		AvgPower:        &avg,
		MaxPower:        &maxPower,
		IsComplete:      complete,
	}
	if st.location != nil {
		lat := st.location.Latitude
		lon := st.location.Longitude
		session.LocationLat = &lat
		session.LocationLon = &lon
	}
	return session
}

// nearestLocation finds the location sample closest to ts, or nil when none
// falls within the merge tolerance. locs must be sorted by timestamp.
func nearestLocation(locs []models.LocationReading, ts time.Time) *models.LocationReading {
	if len(locs) == 0 {
		return nil
	}
	idx := sort.Search(len(locs), func(i int) bool {
		return !locs[i].Timestamp.Before(ts)
	})

	var best *models.LocationReading
	bestDiff := locationMergeTolerance
	for _, i := range []int{idx - 1, idx} {
		if i < 0 || i >= len(locs) {
			continue
		}
		diff := locs[i].Timestamp.Sub(ts)
		if diff < 0 {
			diff = -diff
		}
		if diff <= bestDiff {
			best = &locs[i]
			bestDiff = diff
		}
	}
	return best
}
