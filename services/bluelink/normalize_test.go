package bluelink

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }

func TestNormalizeOdometerMilesForUSRegion(t *testing.T) {
	vehicle := &Vehicle{ID: "vehicle-1", Odometer: floatPtr(1000)}

	snapshot := Normalize(vehicle, RegionUSA)
	require.NotNil(t, snapshot.Odometer)
	assert.Equal(t, 1609.0, *snapshot.Odometer)
}

func TestNormalizeOdometerKeptForMetricRegion(t *testing.T) {
	vehicle := &Vehicle{ID: "vehicle-1", Odometer: floatPtr(1000)}

	snapshot := Normalize(vehicle, RegionEurope)
	require.NotNil(t, snapshot.Odometer)
	assert.Equal(t, 1000.0, *snapshot.Odometer)
}

func TestNormalizePluggedInFlag(t *testing.T) {
	charging := Normalize(&Vehicle{ID: "v", EVBatteryIsPluggedIn: intPtr(2)}, RegionUSA)
	require.NotNil(t, charging.Battery.IsPluggedIn)
	assert.True(t, *charging.Battery.IsPluggedIn)

	unplugged := Normalize(&Vehicle{ID: "v", EVBatteryIsPluggedIn: intPtr(0)}, RegionUSA)
	require.NotNil(t, unplugged.Battery.IsPluggedIn)
	assert.False(t, *unplugged.Battery.IsPluggedIn)

	unknown := Normalize(&Vehicle{ID: "v"}, RegionUSA)
	assert.Nil(t, unknown.Battery.IsPluggedIn)
}

func TestExtractRangeConvertsMiles(t *testing.T) {
	raw := json.RawMessage(`{
		"vehicleStatus": {
			"evStatus": {
				"drvDistance": [
					{"rangeByFuel": {"totalAvailableRange": {"value": 200, "unit": 3}}}
				]
			}
		}
	}`)

	got := extractRange(raw)
	require.NotNil(t, got)
	assert.Equal(t, 322.0, *got)
}

func TestExtractRangeKeepsKilometers(t *testing.T) {
	raw := json.RawMessage(`{
		"vehicleStatus": {
			"evStatus": {
				"drvDistance": [
					{"rangeByFuel": {"totalAvailableRange": {"value": 320, "unit": 1}}}
				]
			}
		}
	}`)

	got := extractRange(raw)
	require.NotNil(t, got)
	assert.Equal(t, 320.0, *got)
}

func TestExtractRangeMissing(t *testing.T) {
	assert.Nil(t, extractRange(nil))
	assert.Nil(t, extractRange(json.RawMessage(`{"vehicleStatus":{}}`)))
}

func TestExtractTripsConvertsUnits(t *testing.T) {
	raw := json.RawMessage(`{
		"evTripDetails": {
			"tripdetails": [
				{
					"startdate": "20240115",
					"distance": 25.5,
					"avgspeed": {"value": 30, "unit": 2},
					"maxspeed": {"value": 65, "unit": 2},
					"duration": {"value": 1800, "unit": 3},
					"mileagetime": {"value": 1500, "unit": 3},
					"totalused": 4500,
					"regen": 800,
					"drivetrain": 3900,
					"climate": 400,
					"accessories": 150,
					"batterycare": 50,
					"odometer": {"value": 5000, "unit": 1}
				}
			]
		}
	}`)

	trips := extractTrips(raw, floatPtr(44.98), floatPtr(-93.26))
	require.Len(t, trips, 1)

	trip := trips[0]
	assert.Equal(t, "20240115", trip.Date)
	assert.Equal(t, 25.5, *trip.Distance)
	assert.Equal(t, 30.0, *trip.Duration)
	assert.Equal(t, 48.0, *trip.AverageSpeed)
	assert.Equal(t, 105.0, *trip.MaxSpeed)
	assert.Equal(t, 5.0, *trip.IdleTime)
	assert.Equal(t, 1, trip.TripsCount)
	assert.Equal(t, 4500.0, *trip.TotalConsumed)
	assert.Equal(t, 5000.0, *trip.OdometerStart)
	assert.Equal(t, 44.98, *trip.EndLatitude)
}

func TestExtractTripsZeroValuesStayNil(t *testing.T) {
	raw := json.RawMessage(`{
		"evTripDetails": {
			"tripdetails": [
				{"startdate": "20240116", "distance": 1.2, "duration": {"value": 0}, "avgspeed": {"value": 0}}
			]
		}
	}`)

	trips := extractTrips(raw, nil, nil)
	require.Len(t, trips, 1)
	assert.Nil(t, trips[0].Duration)
	assert.Nil(t, trips[0].AverageSpeed)
	assert.Nil(t, trips[0].IdleTime)
}

func TestBuildVehicleParsesStatus(t *testing.T) {
	body := []byte(`{
		"vehicleStatus": {
			"dateTime": "2024-01-15T10:30:00Z",
			"airTemp": {"value": 22.5},
			"evStatus": {
				"batteryStatus": 72,
				"batteryCharge": true,
				"batteryPlugin": 1,
				"remainTime2": {"atc": {"value": 90, "unit": 1}}
			}
		},
		"odometer": {"value": 12345, "unit": 3},
		"location": {"coord": {"lat": 44.98, "lon": -93.26}, "time": "20240115103000"}
	}`)

	vehicle, err := buildVehicle("vehicle-1", body)
	require.NoError(t, err)
	assert.Equal(t, 72.0, *vehicle.EVBatteryLevel)
	assert.True(t, vehicle.EVBatteryIsCharging)
	assert.Equal(t, 1, *vehicle.EVBatteryIsPluggedIn)
	assert.Equal(t, 90.0, *vehicle.RemainingChargeTime)
	assert.Equal(t, 12345.0, *vehicle.Odometer)
	assert.Equal(t, 22.5, *vehicle.AirTemperature)
	assert.Equal(t, 44.98, *vehicle.LocationLatitude)
	require.NotNil(t, vehicle.LastUpdatedAt)
	require.NotNil(t, vehicle.LocationLastUpdated)
}

func TestBuildVehicleMissingStatusIsPartial(t *testing.T) {
	_, err := buildVehicle("vehicle-1", []byte(`{"odometer": {"value": 1}}`))

	apiErr := Classify(err)
	assert.Equal(t, ErrPartialPayload, apiErr.Type)
}
