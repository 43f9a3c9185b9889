package storage

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/mhuot/pyvisioniq/config"
	"github.com/mhuot/pyvisioniq/models"
)

// SessionTracker derives charging sessions from the stream of battery
// readings. Charging is recognized from three signals, in priority order:
// the vendor's is_charging flag, a plugged-in vehicle whose level rose since
// the previous reading, and a level jump of two points or more with neither
// flag set (a timer charge that finished between polls).
type SessionTracker struct {
	store           Store
	gapThresholdMin float64
	capacityKWh     float64
}

const (
	minGapThresholdMin = 5.0
	inferredJumpPoints = 2.0
)

func NewSessionTracker(store Store, cfg *config.Config) *SessionTracker {
	threshold := cfg.BaseIntervalMinutes() * cfg.ChargingSessionGapMultiplier
	if threshold < minGapThresholdMin {
		threshold = minGapThresholdMin
	}
	return &SessionTracker{
		store:           store,
		gapThresholdMin: threshold,
		capacityKWh:     cfg.BatteryCapacityKWh,
	}
}

func (t *SessionTracker) GapThresholdMinutes() float64 {
	return t.gapThresholdMin
}

// ProcessReading advances the session state machine by one reading.
// prev is the reading stored immediately before current, or nil when this is
// the first one. location pins new sessions to where the vehicle was parked.
func (t *SessionTracker) ProcessReading(prev *models.BatteryReading, current models.BatteryReading, location models.LocationState) error {
	if current.BatteryLevel == nil {
		return nil
	}
	level := *current.BatteryLevel
	if level < 0 || level > 100 {
		log.Printf("ERROR: Battery level %.1f outside valid range 0-100, skipping session tracking", level)
		return nil
	}

	active, err := t.store.GetActiveChargingSession()
	if err != nil {
		return fmt.Errorf("failed to look up active charging session: %v", err)
	}

	if isChargingSignal(prev, current) {
		if active == nil {
			return t.startSession(current, location)
		}
		// A long silence between two charging readings means the vehicle
		// stopped and restarted; split into two sessions at the gap.
		if active.EndTime != nil {
			gap := current.Timestamp.Sub(*active.EndTime).Minutes()
			if gap > t.gapThresholdMin {
				endBattery := level
				if active.EndBattery != nil {
					endBattery = *active.EndBattery
				}
				if err := t.completeSession(active, *active.EndTime, endBattery); err != nil {
					return err
				}
				return t.startSession(current, location)
			}
		}
		return t.updateSession(active, current.Timestamp, level, chargingPower(current))
	}

	if active != nil {
		return t.completeSession(active, current.Timestamp, level)
	}

	if jump, ok := inferredLevelJump(prev, current); ok {
		return t.recordInferredSession(prev, current, jump)
	}
	return nil
}

// isChargingSignal applies rules 1 and 2. Rule 3 never reports active
// charging; it synthesizes a finished session instead.
func isChargingSignal(prev *models.BatteryReading, current models.BatteryReading) bool {
	if current.IsCharging {
		return true
	}
	if current.IsPluggedIn == nil || !*current.IsPluggedIn {
		return false
	}
	if prev == nil || prev.BatteryLevel == nil || current.BatteryLevel == nil {
		return false
	}
	return *current.BatteryLevel > *prev.BatteryLevel
}

func inferredLevelJump(prev *models.BatteryReading, current models.BatteryReading) (float64, bool) {
	if prev == nil || prev.BatteryLevel == nil || current.BatteryLevel == nil {
		return 0, false
	}
	jump := *current.BatteryLevel - *prev.BatteryLevel
	return jump, jump >= inferredJumpPoints
}

func (t *SessionTracker) startSession(reading models.BatteryReading, location models.LocationState) error {
	level := *reading.BatteryLevel
	power := chargingPower(reading)
	zero := 0.0

	session := models.ChargingSession{
		SessionID:       sessionID(reading.Timestamp),
		StartTime:       reading.Timestamp,
		DurationMinutes: &zero,
		StartBattery:    &level,
		EndBattery:      &level,
		EnergyAdded:     &zero,
		AvgPower:        &power,
		MaxPower:        &power,
		LocationLat:     location.Latitude,
		LocationLon:     location.Longitude,
		IsComplete:      false,
	}
	if err := t.store.SaveChargingSession(session); err != nil {
		return fmt.Errorf("failed to start charging session: %v", err)
	}
	log.Printf("Started new charging session: %s", session.SessionID)
	return nil
}

// updateSession recomputes the derived fields from the session's start state
// and the latest reading.
func (t *SessionTracker) updateSession(session *models.ChargingSession, timestamp time.Time, level, power float64) error {
	endTime := timestamp
	session.EndTime = &endTime
	session.EndBattery = &level

	duration := endTime.Sub(session.StartTime).Minutes()
	if duration < 0 {
		duration = 0
	}
	duration = math.Round(duration*10) / 10
	session.DurationMinutes = &duration

	maxPower := power
	if session.MaxPower != nil && *session.MaxPower > maxPower {
		maxPower = *session.MaxPower
	}
	session.MaxPower = &maxPower

	energy := 0.0
	if session.StartBattery != nil {
		if diff := level - *session.StartBattery; diff > 0 {
			energy = math.Round((diff/100)*t.capacityKWh*100) / 100
		}
	}
	session.EnergyAdded = &energy

	avg := 0.0
	if duration > 0 && energy > 0 {
		avg = math.Round(energy/(duration/60)*100) / 100
	}
	session.AvgPower = &avg

	if err := t.store.SaveChargingSession(*session); err != nil {
		return fmt.Errorf("failed to update charging session: %v", err)
	}
	return nil
}

func (t *SessionTracker) completeSession(session *models.ChargingSession, timestamp time.Time, level float64) error {
	if err := t.updateSession(session, timestamp, level, 0); err != nil {
		return err
	}
	session.IsComplete = true
	if err := t.store.SaveChargingSession(*session); err != nil {
		return fmt.Errorf("failed to complete charging session: %v", err)
	}
	log.Printf("Completed charging session: %s", session.SessionID)
	return nil
}

// recordInferredSession writes a finished session spanning the previous
// reading to the current one.
func (t *SessionTracker) recordInferredSession(prev *models.BatteryReading, current models.BatteryReading, jump float64) error {
	startLevel := *prev.BatteryLevel
	endLevel := *current.BatteryLevel
	endTime := current.Timestamp
	zero := 0.0

	duration := endTime.Sub(prev.Timestamp).Minutes()
	if duration < 0 {
		duration = 0
	}
	duration = math.Round(duration*10) / 10

	energy := math.Round((jump/100)*t.capacityKWh*100) / 100
	avg := 0.0
	if duration > 0 && energy > 0 {
		avg = math.Round(energy/(duration/60)*100) / 100
	}

	session := models.ChargingSession{
		SessionID:       sessionID(prev.Timestamp),
		StartTime:       prev.Timestamp,
		EndTime:         &endTime,
		DurationMinutes: &duration,
		StartBattery:    &startLevel,
		EndBattery:      &endLevel,
		EnergyAdded:     &energy,
		AvgPower:        &avg,
		MaxPower:        &zero,
		IsComplete:      true,
	}
	if err := t.store.SaveChargingSession(session); err != nil {
		return fmt.Errorf("failed to record inferred charging session: %v", err)
	}
	log.Printf("Inferred completed charging session: %s (battery %.0f%% -> %.0f%%)",
		session.SessionID, startLevel, endLevel)
	return nil
}

func sessionID(start time.Time) string {
	return "charge_" + start.Format("20060102_150405")
}

// chargingPower returns the reading's power draw, treating missing and
// implausible values (outside 0-350 kW) as zero.
func chargingPower(reading models.BatteryReading) float64 {
	if reading.ChargingPower == nil {
		return 0
	}
	power := *reading.ChargingPower
	if power < 0 || power > 350 {
		return 0
	}
	return power
}
