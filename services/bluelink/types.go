package bluelink

import (
	"encoding/json"
	"time"
)

// Region codes used by the Bluelink/UVO cloud API.
const (
	RegionEurope    = 1
	RegionCanada    = 2
	RegionUSA       = 3
	RegionChina     = 4
	RegionAustralia = 5
)

// Brand codes.
const (
	BrandKia     = 1
	BrandHyundai = 2
	BrandGenesis = 3
)

// Distance unit tags used inside vendor payloads.
const (
	UnitKilometers = 1
	UnitMiles      = 3
)

const milesToKm = 1.60934

// ========== VENDOR RECORD ==========

// Vehicle is the record a state call returns. Pointer fields are absent
// when the vendor omitted them; the raw payload is preserved for audit.
type Vehicle struct {
	ID    string
	Name  string
	Model string

	EVBatteryLevel       *float64
	EVBatteryIsCharging  bool
	EVBatteryIsPluggedIn *int
	RemainingChargeTime  *float64
	Odometer             *float64
	AirTemperature       *float64

	LocationLatitude    *float64
	LocationLongitude   *float64
	LocationLastUpdated *time.Time
	LastUpdatedAt       *time.Time

	Data json.RawMessage
}

// ========== API RESPONSE TYPES ==========

// AuthResponse is the token grant response.
type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// VehicleInfo is one entry in the enrollment vehicle list.
type VehicleInfo struct {
	VehicleID string `json:"vehicleId"`
	Nickname  string `json:"nickname"`
	ModelName string `json:"modelName"`
	ModelYear string `json:"modelYear"`
	VIN       string `json:"vin"`
}

// valueUnit is the vendor's {value, unit} wrapper for measurements.
type valueUnit struct {
	Value *float64 `json:"value"`
	Unit  int      `json:"unit"`
}

// statusPayload mirrors the slices of the raw vehicle payload the
// normalizer reads. Everything else stays opaque in Vehicle.Data.
type statusPayload struct {
	AirTemp struct {
		Value *float64 `json:"value"`
	} `json:"airTemp"`
	VehicleStatus struct {
		DateTime string `json:"dateTime"`
		AirTemp  struct {
			Value *float64 `json:"value"`
		} `json:"airTemp"`
		EvStatus struct {
			BatteryStatus *float64 `json:"batteryStatus"`
			BatteryCharge bool     `json:"batteryCharge"`
			BatteryPlugin *int     `json:"batteryPlugin"`
			LastUpdatedAt string   `json:"lastUpdatedAt"`
			RemainTime2   struct {
				Atc valueUnit `json:"atc"`
			} `json:"remainTime2"`
			DrvDistance []struct {
				RangeByFuel struct {
					TotalAvailableRange valueUnit `json:"totalAvailableRange"`
				} `json:"rangeByFuel"`
			} `json:"drvDistance"`
		} `json:"evStatus"`
	} `json:"vehicleStatus"`
	Odometer valueUnit `json:"odometer"`
	Location struct {
		Coord struct {
			Lat *float64 `json:"lat"`
			Lon *float64 `json:"lon"`
		} `json:"coord"`
		Time string `json:"time"`
	} `json:"location"`
	EvTripDetails struct {
		TripDetails []tripDetail `json:"tripdetails"`
	} `json:"evTripDetails"`
	// daily_stats is injected by the vendor SDK for accounts whose region
	// does not expose evTripDetails.
	DailyStats []dailyStat `json:"daily_stats"`
}

// dailyStat is the coarse per-day driving summary some regions report
// instead of individual trips.
type dailyStat struct {
	Date              string   `json:"date"`
	Distance          *float64 `json:"distance"`
	TotalConsumed     *float64 `json:"total_consumed"`
	RegeneratedEnergy *float64 `json:"regenerated_energy"`
}

// tripDetail is one trip entry from evTripDetails.tripdetails.
type tripDetail struct {
	StartDate   string    `json:"startdate"`
	Distance    *float64  `json:"distance"`
	AvgSpeed    valueUnit `json:"avgspeed"`
	MaxSpeed    valueUnit `json:"maxspeed"`
	Duration    valueUnit `json:"duration"`
	MileageTime valueUnit `json:"mileagetime"`
	TotalUsed   *float64  `json:"totalused"`
	Regen       *float64  `json:"regen"`
	Accessories *float64  `json:"accessories"`
	Climate     *float64  `json:"climate"`
	Drivetrain  *float64  `json:"drivetrain"`
	BatteryCare *float64  `json:"batterycare"`
	Odometer    valueUnit `json:"odometer"`
}

// ========== CONFIGURATION ==========

// Credentials is everything needed to authenticate against the vendor cloud.
type Credentials struct {
	Username  string
	Password  string
	PIN       string
	Region    int
	Brand     int
	VehicleID string
}
