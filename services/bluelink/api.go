package bluelink

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// VehicleAPI is the vendor cloud surface the fetch pipeline depends on.
// RefreshState wakes the vehicle for current data and costs a quota call;
// CachedState returns whatever the vendor backend last saw without waking it.
type VehicleAPI interface {
	RefreshToken() error
	RefreshState() (*Vehicle, error)
	CachedState() (*Vehicle, error)
	ListVehicles() ([]VehicleInfo, error)
}

// APIClient talks to the regional Bluelink/UVO endpoint.
type APIClient struct {
	client     *http.Client
	apiBaseURL string
	auth       *AuthHandler
	creds      Credentials
}

// NewAPIClient creates a client for the account's region and brand.
func NewAPIClient(client *http.Client, creds Credentials) *APIClient {
	baseURL := regionBaseURL(creds.Region, creds.Brand)
	return &APIClient{
		client:     client,
		apiBaseURL: baseURL,
		auth:       NewAuthHandler(client, baseURL, creds),
		creds:      creds,
	}
}

func regionBaseURL(region, brand int) string {
	switch region {
	case RegionEurope:
		if brand == BrandKia {
			return "https://prd.eu-ccapi.kia.com:8080"
		}
		return "https://prd.eu-ccapi.hyundai.com:8080"
	case RegionCanada:
		if brand == BrandKia {
			return "https://kiaconnect.ca"
		}
		return "https://mybluelink.ca"
	default:
		switch brand {
		case BrandKia:
			return "https://api.owners.kia.com/apigw/v1"
		case BrandGenesis:
			return "https://api.telematics.genesisusa.com"
		default:
			return "https://api.telematics.hyundaiusa.com"
		}
	}
}

// RefreshToken makes sure a usable access token is cached.
func (ac *APIClient) RefreshToken() error {
	_, err := ac.auth.GetAccessToken()
	return err
}

// RefreshState asks the vehicle for current data. This wakes the car.
func (ac *APIClient) RefreshState() (*Vehicle, error) {
	return ac.vehicleState(true)
}

// CachedState returns the vendor's server-side copy without waking the car.
func (ac *APIClient) CachedState() (*Vehicle, error) {
	return ac.vehicleState(false)
}

func (ac *APIClient) vehicleState(force bool) (*Vehicle, error) {
	token, err := ac.auth.GetAccessToken()
	if err != nil {
		return nil, err
	}

	stateURL := fmt.Sprintf("%s/ac/v2/rcs/rvs/vehicleStatus?refresh=%t", ac.apiBaseURL, force)

	req, err := http.NewRequest("GET", stateURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("vehicleId", ac.creds.VehicleID)
	if ac.creds.PIN != "" {
		req.Header.Set("pin", ac.creds.PIN)
	}

	resp, err := ac.client.Do(req)
	if err != nil {
		return nil, Classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Classify(err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		// The token may have been revoked server-side. Force a new login
		// so the next attempt starts clean.
		ac.auth.Invalidate()
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, string(body))
	}

	return buildVehicle(ac.creds.VehicleID, body)
}

// ListVehicles returns the vehicles enrolled on the account.
func (ac *APIClient) ListVehicles() ([]VehicleInfo, error) {
	token, err := ac.auth.GetAccessToken()
	if err != nil {
		return nil, err
	}

	listURL := fmt.Sprintf("%s/ac/v2/enrollment/details/%s", ac.apiBaseURL, ac.creds.Username)

	req, err := http.NewRequest("GET", listURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	req.Header.Set("Accept", "application/json")

	resp, err := ac.client.Do(req)
	if err != nil {
		return nil, Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus(resp.StatusCode, string(body))
	}

	var enrollment struct {
		EnrolledVehicleDetails []struct {
			VehicleDetails VehicleInfo `json:"vehicleDetails"`
		} `json:"enrolledVehicleDetails"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&enrollment); err != nil {
		return nil, fmt.Errorf("failed to decode enrollment response: %v", err)
	}

	var vehicles []VehicleInfo
	for _, detail := range enrollment.EnrolledVehicleDetails {
		vehicles = append(vehicles, detail.VehicleDetails)
	}
	return vehicles, nil
}

// buildVehicle parses a raw state payload into a Vehicle record. A payload
// without a vehicleStatus block is the vendor's known partial-response mode
// and classifies as PartialPayload.
func buildVehicle(vehicleID string, body []byte) (*Vehicle, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, newAPIError(ErrUnknown, fmt.Sprintf("unparseable vehicle payload: %v", err))
	}
	if _, ok := keys["vehicleStatus"]; !ok {
		return nil, newAPIError(ErrPartialPayload, "vehicleStatus missing from payload")
	}

	var payload statusPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, newAPIError(ErrPartialPayload, fmt.Sprintf("malformed vehicleStatus: %v", err))
	}

	evStatus := payload.VehicleStatus.EvStatus
	vehicle := &Vehicle{
		ID:                   vehicleID,
		EVBatteryLevel:       evStatus.BatteryStatus,
		EVBatteryIsCharging:  evStatus.BatteryCharge,
		EVBatteryIsPluggedIn: evStatus.BatteryPlugin,
		RemainingChargeTime:  evStatus.RemainTime2.Atc.Value,
		Odometer:             payload.Odometer.Value,
		AirTemperature:       payload.VehicleStatus.AirTemp.Value,
		LocationLatitude:     payload.Location.Coord.Lat,
		LocationLongitude:    payload.Location.Coord.Lon,
		Data:                 json.RawMessage(body),
	}
	if vehicle.AirTemperature == nil {
		vehicle.AirTemperature = payload.AirTemp.Value
	}

	if t := parseTimestamp(payload.VehicleStatus.DateTime); t != nil {
		vehicle.LastUpdatedAt = t
	} else if t := parseTimestamp(evStatus.LastUpdatedAt); t != nil {
		vehicle.LastUpdatedAt = t
	}
	vehicle.LocationLastUpdated = parseTimestamp(payload.Location.Time)

	return vehicle, nil
}
