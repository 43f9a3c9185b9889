package services

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const openMeteoURL = "https://api.open-meteo.com/v1/forecast"

// WeatherReport is the current-conditions record stored alongside battery
// readings. Temperatures are Fahrenheit as fetched; callers convert.
type WeatherReport struct {
	Temperature     *float64 `json:"temperature"`
	TemperatureUnit string   `json:"temperature_unit"`
	FeelsLike       *float64 `json:"feels_like"`
	Humidity        *float64 `json:"humidity"`
	WindSpeed       *float64 `json:"wind_speed"`
	WeatherCode     *int     `json:"weather_code"`
	Description     string   `json:"description"`
	Timestamp       string   `json:"timestamp"`
	Source          string   `json:"source"`
	Location        struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"location"`
}

// WeatherService fetches current conditions from Open-Meteo. Responses are
// cached on disk for 30 minutes per coordinate pair so a manual refresh
// storm never turns into a weather API storm.
type WeatherService struct {
	client   *http.Client
	apiURL   string
	cacheDir string
	cacheTTL time.Duration
}

func NewWeatherService(cacheDir string) *WeatherService {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		log.Printf("ERROR: Failed to create weather cache directory: %v", err)
	}
	return &WeatherService{
		client:   &http.Client{Timeout: 10 * time.Second},
		apiURL:   openMeteoURL,
		cacheDir: cacheDir,
		cacheTTL: 30 * time.Minute,
	}
}

// CurrentWeather returns conditions at the coordinates, from cache when a
// recent fetch exists.
func (ws *WeatherService) CurrentWeather(lat, lon float64) (*WeatherReport, error) {
	cachePath := ws.cachePath(lat, lon)
	if report := ws.fromCache(cachePath); report != nil {
		return report, nil
	}

	params := url.Values{}
	params.Set("latitude", formatCoord(lat))
	params.Set("longitude", formatCoord(lon))
	params.Set("current", "temperature_2m,relative_humidity_2m,apparent_temperature,weather_code,wind_speed_10m")
	params.Set("temperature_unit", "fahrenheit")
	params.Set("wind_speed_unit", "mph")
	params.Set("timezone", "auto")

	resp, err := ws.client.Get(ws.apiURL + "?" + params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch weather: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read weather response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather API returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Current struct {
			Temperature *float64 `json:"temperature_2m"`
			Humidity    *float64 `json:"relative_humidity_2m"`
			FeelsLike   *float64 `json:"apparent_temperature"`
			WeatherCode *int     `json:"weather_code"`
			WindSpeed   *float64 `json:"wind_speed_10m"`
		} `json:"current"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse weather response: %v", err)
	}

	report := &WeatherReport{
		Temperature:     payload.Current.Temperature,
		TemperatureUnit: "F",
		FeelsLike:       payload.Current.FeelsLike,
		Humidity:        payload.Current.Humidity,
		WindSpeed:       payload.Current.WindSpeed,
		WeatherCode:     payload.Current.WeatherCode,
		Description:     weatherDescription(payload.Current.WeatherCode),
		Timestamp:       time.Now().Format(time.RFC3339),
		Source:          "meteo",
	}
	report.Location.Lat = lat
	report.Location.Lon = lon

	ws.toCache(cachePath, report)

	if report.Temperature != nil {
		log.Printf("Fetched weather data: %.1f°F, %s", *report.Temperature, report.Description)
	}
	return report, nil
}

func (ws *WeatherService) cachePath(lat, lon float64) string {
	name := fmt.Sprintf("weather_%s_%s.json", formatCoord(lat), formatCoord(lon))
	return filepath.Join(ws.cacheDir, name)
}

func (ws *WeatherService) fromCache(path string) *WeatherReport {
	info, err := os.Stat(path)
	if err != nil || time.Since(info.ModTime()) > ws.cacheTTL {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("ERROR: Failed to read weather cache: %v", err)
		return nil
	}
	var report WeatherReport
	if err := json.Unmarshal(data, &report); err != nil {
		log.Printf("ERROR: Failed to parse weather cache: %v", err)
		return nil
	}
	return &report
}

func (ws *WeatherService) toCache(path string, report *WeatherReport) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Printf("ERROR: Failed to write weather cache: %v", err)
	}
}

// WMO weather interpretation codes.
var weatherCodes = map[int]string{
	0:  "Clear sky",
	1:  "Mainly clear",
	2:  "Partly cloudy",
	3:  "Overcast",
	45: "Foggy",
	48: "Depositing rime fog",
	51: "Light drizzle",
	53: "Moderate drizzle",
	55: "Dense drizzle",
	61: "Slight rain",
	63: "Moderate rain",
	65: "Heavy rain",
	71: "Slight snow",
	73: "Moderate snow",
	75: "Heavy snow",
	77: "Snow grains",
	80: "Slight rain showers",
	81: "Moderate rain showers",
	82: "Violent rain showers",
	85: "Slight snow showers",
	86: "Heavy snow showers",
	95: "Thunderstorm",
	96: "Thunderstorm with slight hail",
	99: "Thunderstorm with heavy hail",
}

func weatherDescription(code *int) string {
	if code == nil {
		return "Unknown"
	}
	if description, ok := weatherCodes[*code]; ok {
		return description
	}
	return fmt.Sprintf("Weather code %d", *code)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FahrenheitToCelsius converts and rounds to one decimal.
func FahrenheitToCelsius(f float64) float64 {
	return math.Round((f-32)*5/9*10) / 10
}
