package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Vendor API credentials
	BluelinkUsername  string
	BluelinkPassword  string
	BluelinkPIN       string
	BluelinkRegion    int
	BluelinkBrand     int
	BluelinkVehicleID string

	// Rate limiting and caching
	APIDailyLimit      int
	CacheEnabled       bool
	CacheDurationHours int
	APITimeoutSeconds  int

	// Charging session derivation
	ChargingSessionGapMultiplier float64
	BatteryCapacityKWh           float64

	// Storage
	StorageBackend string
	DualReadFrom   string
	DatabasePath   string
	DataDir        string
	CacheDir       string

	// Weather enrichment
	WeatherSource string

	// Dashboard
	ServerAddress string
	DashboardURL  string

	// Admin auth
	AuthEnabled       bool
	AdminEmails       string
	AdminPasswordHash string
	JWTSecret         string

	// External ingest (disabled when the key is empty)
	ExternalAPIKey string

	// MQTT publishing (disabled when broker is empty)
	MQTTBroker      string
	MQTTTopicPrefix string
	MQTTUsername    string
	MQTTPassword    string
}

func Load() *Config {
	// Optional .env file for local deployments
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded configuration from .env file")
	}

	cfg := &Config{
		BluelinkUsername:  getEnv("BLUELINK_USERNAME", ""),
		BluelinkPassword:  getEnv("BLUELINK_PASSWORD", ""),
		BluelinkPIN:       getEnv("BLUELINK_PIN", ""),
		BluelinkRegion:    getEnvInt("BLUELINK_REGION", 3),
		BluelinkBrand:     getEnvInt("BLUELINK_BRAND", 2),
		BluelinkVehicleID: getEnv("BLUELINK_VEHICLE_ID", ""),

		APIDailyLimit:      getEnvInt("API_DAILY_LIMIT", 30),
		CacheEnabled:       getEnvBool("CACHE_ENABLED", true),
		CacheDurationHours: getEnvInt("CACHE_DURATION_HOURS", 48),
		APITimeoutSeconds:  getEnvInt("API_TIMEOUT_SECONDS", 30),

		ChargingSessionGapMultiplier: getEnvFloat("CHARGING_SESSION_GAP_MULTIPLIER", 1.5),
		BatteryCapacityKWh:           getEnvFloat("BATTERY_CAPACITY_KWH", 77.4),

		StorageBackend: getEnv("STORAGE_BACKEND", "csv"),
		DualReadFrom:   getEnv("DUAL_READ_FROM", "csv"),
		DatabasePath:   getEnv("DATABASE_PATH", "./data/pyvisioniq.db"),
		DataDir:        getEnv("DATA_DIR", "./data"),
		CacheDir:       getEnv("CACHE_DIR", "./cache"),

		WeatherSource: getEnv("WEATHER_SOURCE", "meteo"),

		ServerAddress: getEnv("SERVER_ADDRESS", ":8001"),
		DashboardURL:  getEnv("DASHBOARD_URL", "http://localhost:8001"),

		AuthEnabled:       getEnvBool("AUTH_ENABLED", false),
		AdminEmails:       getEnv("ADMIN_EMAILS", ""),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
		JWTSecret:         getEnv("JWT_SECRET", "pyvisioniq-secret-change-in-production"),

		ExternalAPIKey: getEnv("EXTERNAL_API_KEY", ""),

		MQTTBroker:      getEnv("MQTT_BROKER", ""),
		MQTTTopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "pyvisioniq"),
		MQTTUsername:    getEnv("MQTT_USERNAME", ""),
		MQTTPassword:    getEnv("MQTT_PASSWORD", ""),
	}

	if cfg.APIDailyLimit < 1 {
		log.Printf("WARNING: API_DAILY_LIMIT %d is invalid, using 30", cfg.APIDailyLimit)
		cfg.APIDailyLimit = 30
	}

	return cfg
}

// BaseIntervalMinutes is the poll spacing implied by the daily quota.
func (c *Config) BaseIntervalMinutes() float64 {
	return (24 * 60) / float64(c.APIDailyLimit)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("WARNING: Invalid integer for %s: %q, using default %d", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Printf("WARNING: Invalid number for %s: %q, using default %g", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		log.Printf("WARNING: Invalid boolean for %s: %q, using default %v", key, value, defaultValue)
	}
	return defaultValue
}
