package services

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const meteoResponse = `{
	"current": {
		"temperature_2m": 41.5,
		"relative_humidity_2m": 62,
		"apparent_temperature": 38.2,
		"weather_code": 3,
		"wind_speed_10m": 7.1
	}
}`

func newWeatherFixture(t *testing.T, handler http.HandlerFunc) *WeatherService {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	ws := NewWeatherService(t.TempDir())
	ws.apiURL = server.URL
	return ws
}

func TestCurrentWeatherMapsPayload(t *testing.T) {
	var gotQuery string
	ws := newWeatherFixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(meteoResponse))
	})

	report, err := ws.CurrentWeather(44.98, -93.26)
	require.NoError(t, err)

	assert.Equal(t, 41.5, *report.Temperature)
	assert.Equal(t, "F", report.TemperatureUnit)
	assert.Equal(t, 38.2, *report.FeelsLike)
	assert.Equal(t, 62.0, *report.Humidity)
	assert.Equal(t, 7.1, *report.WindSpeed)
	assert.Equal(t, "Overcast", report.Description)
	assert.Equal(t, 44.98, report.Location.Lat)
	assert.Contains(t, gotQuery, "temperature_unit=fahrenheit")
	assert.Contains(t, gotQuery, "latitude=44.98")
}

func TestCurrentWeatherServedFromCache(t *testing.T) {
	calls := 0
	ws := newWeatherFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(meteoResponse))
	})

	_, err := ws.CurrentWeather(44.98, -93.26)
	require.NoError(t, err)
	_, err = ws.CurrentWeather(44.98, -93.26)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestCurrentWeatherCacheIsPerCoordinate(t *testing.T) {
	calls := 0
	ws := newWeatherFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(meteoResponse))
	})

	_, err := ws.CurrentWeather(44.98, -93.26)
	require.NoError(t, err)
	_, err = ws.CurrentWeather(45.10, -93.00)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

func TestCurrentWeatherExpiredCacheRefetches(t *testing.T) {
	calls := 0
	ws := newWeatherFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(meteoResponse))
	})
	ws.cacheTTL = 0

	_, err := ws.CurrentWeather(44.98, -93.26)
	require.NoError(t, err)
	_, err = ws.CurrentWeather(44.98, -93.26)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

func TestCurrentWeatherServerError(t *testing.T) {
	ws := newWeatherFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := ws.CurrentWeather(44.98, -93.26)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestWeatherDescription(t *testing.T) {
	clear, storm, unknown := 0, 95, 42
	assert.Equal(t, "Clear sky", weatherDescription(&clear))
	assert.Equal(t, "Thunderstorm", weatherDescription(&storm))
	assert.Equal(t, "Weather code 42", weatherDescription(&unknown))
	assert.Equal(t, "Unknown", weatherDescription(nil))
}

func TestFahrenheitToCelsius(t *testing.T) {
	assert.Equal(t, 0.0, FahrenheitToCelsius(32))
	assert.Equal(t, 37.0, FahrenheitToCelsius(98.6))
	assert.Equal(t, 21.1, FahrenheitToCelsius(70))
	assert.Equal(t, -40.0, FahrenheitToCelsius(-40))
}
