// Package config provides application configuration management.
package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Campaign timeout bounds. Operators may configure any value; it is clamped
// into [MinCampaignTimeout, MaxCampaignTimeout] before use.
const (
	MinCampaignTimeout     = 30 * time.Second
	MaxCampaignTimeout     = 900 * time.Second
	DefaultCampaignTimeout = 300 * time.Second
)

// Default probe API paths.
const (
	DefaultRunPath     = "/api/v1/campaigns/run"
	DefaultRefreshPath = "/api/v1/auth/refresh"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	ServerPort string
	// AuthToken protects the API. Empty disables authentication.
	AuthToken  string

	// Probe API configuration
	APIURL          string
	RunPath         string
	RefreshPath     string
	APIToken        string
	RefreshToken    string
	CampaignTimeout time.Duration
	SchemaPath      string
	MockSource      bool
	MockDelay       time.Duration

	// Persistence configuration
	StatePath       string
	DataStoreDriver string
	DataStoreDSN    string

	// Redis / events configuration
	RedisAddr           string
	RedisUsername       string
	RedisPassword       string
	RedisDB             int
	RedisTLSEnabled     bool
	RedisTLSInsecure    bool
	EventsChannel       string
	RedisCampaignStream string
	RedisCampaignGroup  string

	// Retention configuration
	AutomationInterval time.Duration
	CampaignRetention  time.Duration
	HistoryRetention   time.Duration
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	statePath := getEnv("STATE_PATH", "/app/state")
	dataStoreDriver := getEnv("DATASTORE_DRIVER", "sqlite")
	dataStoreDSN := getEnv("DATASTORE_DSN", "")
	if dataStoreDSN == "" && dataStoreDriver == "postgres" {
		dataStoreDSN = os.Getenv("POSTGRES_DSN")
	}
	if dataStoreDSN == "" && dataStoreDriver == "sqlite" {
		dataStoreDSN = filepath.Join(statePath, "redteam.db")
	}
	return &Config{
		ServerPort:          getEnv("SERVER_PORT", "8080"),
		APIURL:              getEnv("REDTEAM_API_URL", "http://localhost:8000"),
		RunPath:             getEnv("REDTEAM_RUN_PATH", DefaultRunPath),
		RefreshPath:         getEnv("REDTEAM_REFRESH_PATH", DefaultRefreshPath),
		AuthToken:           os.Getenv("API_AUTH_TOKEN"),
		APIToken:            os.Getenv("REDTEAM_API_TOKEN"),
		RefreshToken:        os.Getenv("REDTEAM_REFRESH_TOKEN"),
		CampaignTimeout:     ClampCampaignTimeout(getEnvDuration("CAMPAIGN_TIMEOUT", DefaultCampaignTimeout)),
		SchemaPath:          getEnv("CAMPAIGN_SCHEMA_PATH", ""),
		MockSource:          getEnvBool("MOCK_SOURCE", false),
		MockDelay:           getEnvDuration("MOCK_DELAY", 200*time.Millisecond),
		StatePath:           statePath,
		DataStoreDriver:     dataStoreDriver,
		DataStoreDSN:        dataStoreDSN,
		RedisAddr:           getEnv("REDIS_ADDR", ""),
		RedisUsername:       getEnv("REDIS_USERNAME", ""),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             getEnvInt("REDIS_DB", 0),
		RedisTLSEnabled:     getEnvBool("REDIS_TLS_ENABLED", false),
		RedisTLSInsecure:    getEnvBool("REDIS_TLS_INSECURE_SKIP_VERIFY", false),
		EventsChannel:       getEnv("EVENTS_CHANNEL", "redteam-events"),
		RedisCampaignStream: getEnv("REDIS_CAMPAIGN_STREAM", "redteam:campaigns"),
		RedisCampaignGroup:  getEnv("REDIS_CAMPAIGN_GROUP", "campaign-workers"),
		AutomationInterval:  getEnvDuration("AUTOMATION_INTERVAL", time.Hour),
		CampaignRetention:   getEnvDuration("CAMPAIGN_RETENTION", 30*24*time.Hour),
		HistoryRetention:    getEnvDuration("HISTORY_RETENTION", 30*24*time.Hour),
	}
}

// ClampCampaignTimeout bounds a configured campaign timeout. A zero or
// negative value selects the default.
func ClampCampaignTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultCampaignTimeout
	case d < MinCampaignTimeout:
		return MinCampaignTimeout
	case d > MaxCampaignTimeout:
		return MaxCampaignTimeout
	default:
		return d
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Bare integers are seconds, matching how operators usually write the bound.
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
		log.Printf("Invalid duration for %s: %s, using default %s", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
		log.Printf("Invalid int for %s: %s, using default %d", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "y":
			return true
		case "0", "false", "no", "n":
			return false
		default:
			log.Printf("Invalid bool for %s: %s, using default %t", key, value, defaultValue)
		}
	}
	return defaultValue
}
