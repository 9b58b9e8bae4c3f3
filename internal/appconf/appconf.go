// Package appconf holds the bussim application configuration and loads it
// from the environment.
package appconf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Environment int

const (
	Development Environment = iota
	Test
	Production
)

func (e Environment) String() string {
	switch e {
	case Test:
		return "test"
	case Production:
		return "production"
	default:
		return "development"
	}
}

// EnvFlagToEnvironment maps an environment name to an Environment.
// Unknown names fall back to Development.
func EnvFlagToEnvironment(env string) Environment {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "production", "prod":
		return Production
	case "test":
		return Test
	default:
		return Development
	}
}

// Config is everything the bussim server needs to start.
type Config struct {
	Port      int
	Env       Environment
	ApiKeys   []string
	RateLimit int // Requests per second per API key
	Verbose   bool

	// Clock
	ClockMode     string
	TimeScale     float64
	StartTimeEnv  string
	StartTimeFile string
	Timezone      string
	TickInterval  time.Duration

	// Publish channel
	PublishURL      string
	PublishInterval time.Duration

	// REST bulk sync
	SyncURL      string
	SyncInterval time.Duration

	// Directions
	DirectionsURL    string
	DirectionsAPIKey string
	DirectionsRate   float64

	NetworkDB   string
	CORSOrigins []string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:            4000,
		Env:             Development,
		ApiKeys:         []string{"test"},
		RateLimit:       100,
		ClockMode:       "wall",
		TimeScale:       1,
		StartTimeEnv:    "BUSSIM_START_TIME",
		Timezone:        "UTC",
		TickInterval:    100 * time.Millisecond,
		PublishInterval: 2 * time.Second,
		SyncInterval:    30 * time.Second,
		DirectionsRate:  2,
		NetworkDB:       "bussim.db",
		CORSOrigins:     []string{"*"},
	}
}

// Load reads .env files when present, then the BUSSIM_* environment
// variables on top of the defaults.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	d := Default()
	cfg := Config{
		Port:      getEnvInt("BUSSIM_PORT", d.Port),
		Env:       EnvFlagToEnvironment(getEnv("BUSSIM_ENV", d.Env.String())),
		ApiKeys:   ParseAPIKeys(getEnv("BUSSIM_API_KEYS", strings.Join(d.ApiKeys, ","))),
		RateLimit: getEnvInt("BUSSIM_RATE_LIMIT", d.RateLimit),
		Verbose:   getEnvBool("BUSSIM_VERBOSE", d.Verbose),

		ClockMode:     getEnv("BUSSIM_CLOCK_MODE", d.ClockMode),
		TimeScale:     getEnvFloat("BUSSIM_TIME_SCALE", d.TimeScale),
		StartTimeEnv:  getEnv("BUSSIM_START_TIME_VAR", d.StartTimeEnv),
		StartTimeFile: getEnv("BUSSIM_START_TIME_FILE", d.StartTimeFile),
		Timezone:      getEnv("BUSSIM_TIMEZONE", d.Timezone),
		TickInterval:  getEnvDuration("BUSSIM_TICK_INTERVAL", d.TickInterval),

		PublishURL:      getEnv("BUSSIM_PUBLISH_URL", d.PublishURL),
		PublishInterval: getEnvDuration("BUSSIM_PUBLISH_INTERVAL", d.PublishInterval),

		SyncURL:      getEnv("BUSSIM_SYNC_URL", d.SyncURL),
		SyncInterval: getEnvDuration("BUSSIM_SYNC_INTERVAL", d.SyncInterval),

		DirectionsURL:    getEnv("BUSSIM_DIRECTIONS_URL", d.DirectionsURL),
		DirectionsAPIKey: getEnv("BUSSIM_DIRECTIONS_API_KEY", d.DirectionsAPIKey),
		DirectionsRate:   getEnvFloat("BUSSIM_DIRECTIONS_RATE", d.DirectionsRate),

		NetworkDB:   getEnv("BUSSIM_NETWORK_DB", d.NetworkDB),
		CORSOrigins: ParseAPIKeys(getEnv("BUSSIM_CORS_ORIGINS", strings.Join(d.CORSOrigins, ","))),
	}
	return cfg, cfg.Validate()
}

// Validate reports configuration that cannot run.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative, got %d", c.RateLimit)
	}
	if c.TimeScale < 0 {
		return fmt.Errorf("time scale must not be negative, got %v", c.TimeScale)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location returns the configured time zone, UTC when it cannot be loaded.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseAPIKeys splits a comma-separated list and trims each entry.
func ParseAPIKeys(s string) []string {
	if strings.TrimSpace(s) == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
