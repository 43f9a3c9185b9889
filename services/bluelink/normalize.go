package bluelink

import (
	"encoding/json"
	"math"
	"time"

	"github.com/mhuot/pyvisioniq/models"
)

var timestampFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"20060102150405",
}

func parseTimestamp(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, format := range timestampFormats {
		if t, err := time.ParseInLocation(format, value, time.Local); err == nil {
			return &t
		}
	}
	return nil
}

// Normalize converts a vendor record into a domain snapshot. All distances
// come out in kilometers; US-region payloads report miles and are converted
// here so nothing downstream has to care about the region.
func Normalize(vehicle *Vehicle, region int) *models.VehicleSnapshot {
	snapshot := &models.VehicleSnapshot{
		Timestamp:       time.Now(),
		VehicleID:       vehicle.ID,
		AirTemperature:  vehicle.AirTemperature,
		Raw:             vehicle.Data,
		VendorUpdatedAt: vehicle.LastUpdatedAt,
	}

	if vehicle.Odometer != nil {
		odometer := *vehicle.Odometer
		if region == RegionUSA {
			odometer = math.Round(odometer * milesToKm)
		}
		snapshot.Odometer = &odometer
	}

	snapshot.Battery = models.BatteryState{
		Level:         vehicle.EVBatteryLevel,
		IsCharging:    vehicle.EVBatteryIsCharging,
		RemainingTime: vehicle.RemainingChargeTime,
		Range:         extractRange(vehicle.Data),
	}
	if vehicle.EVBatteryIsPluggedIn != nil {
		pluggedIn := *vehicle.EVBatteryIsPluggedIn > 0
		snapshot.Battery.IsPluggedIn = &pluggedIn
	}

	snapshot.Location = models.LocationState{
		Latitude:    vehicle.LocationLatitude,
		Longitude:   vehicle.LocationLongitude,
		LastUpdated: vehicle.LocationLastUpdated,
	}

	snapshot.Trips = extractTrips(vehicle.Data, vehicle.LocationLatitude, vehicle.LocationLongitude)

	return snapshot
}

// extractRange pulls the EV range out of the raw payload. Unit 3 is miles.
func extractRange(data json.RawMessage) *float64 {
	if len(data) == 0 {
		return nil
	}
	var payload statusPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil
	}

	drvDistance := payload.VehicleStatus.EvStatus.DrvDistance
	if len(drvDistance) == 0 {
		return nil
	}
	totalRange := drvDistance[0].RangeByFuel.TotalAvailableRange
	if totalRange.Value == nil {
		return nil
	}

	value := *totalRange.Value
	if totalRange.Unit == UnitMiles {
		value = math.Round(value * milesToKm)
	}
	return &value
}

// extractTrips converts evTripDetails entries to trip records. Speeds arrive
// in mph and durations in seconds; distance is already kilometers.
func extractTrips(data json.RawMessage, endLat, endLon *float64) []models.TripRecord {
	if len(data) == 0 {
		return nil
	}
	var payload statusPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil
	}

	var trips []models.TripRecord
	for _, detail := range payload.EvTripDetails.TripDetails {
		trip := models.TripRecord{
			Timestamp:           time.Now(),
			Date:                detail.StartDate,
			Distance:            detail.Distance,
			TripsCount:          1,
			TotalConsumed:       detail.TotalUsed,
			RegeneratedEnergy:   detail.Regen,
			AccessoriesConsumed: detail.Accessories,
			ClimateConsumed:     detail.Climate,
			DrivetrainConsumed:  detail.Drivetrain,
			BatteryCareConsumed: detail.BatteryCare,
			OdometerStart:       detail.Odometer.Value,
			EndLatitude:         endLat,
			EndLongitude:        endLon,
		}

		if detail.Duration.Value != nil && *detail.Duration.Value != 0 {
			duration := math.Round(*detail.Duration.Value / 60)
			trip.Duration = &duration

			if detail.MileageTime.Value != nil && *detail.MileageTime.Value != 0 {
				idle := math.Round((*detail.Duration.Value - *detail.MileageTime.Value) / 60)
				trip.IdleTime = &idle
			}
		}
		if detail.AvgSpeed.Value != nil && *detail.AvgSpeed.Value != 0 {
			avgSpeed := math.Round(*detail.AvgSpeed.Value * milesToKm)
			trip.AverageSpeed = &avgSpeed
		}
		if detail.MaxSpeed.Value != nil && *detail.MaxSpeed.Value != 0 {
			maxSpeed := math.Round(*detail.MaxSpeed.Value * milesToKm)
			trip.MaxSpeed = &maxSpeed
		}

		trips = append(trips, trip)
	}
	if len(trips) > 0 {
		return trips
	}

	// Some regions only report per-day driving summaries.
	for _, stat := range payload.DailyStats {
		trips = append(trips, models.TripRecord{
			Timestamp:         time.Now(),
			Date:              stat.Date,
			Distance:          stat.Distance,
			TripsCount:        1,
			TotalConsumed:     stat.TotalConsumed,
			RegeneratedEnergy: stat.RegeneratedEnergy,
		})
	}
	return trips
}
