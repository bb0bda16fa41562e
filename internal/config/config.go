package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every configuration validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config holds all configuration for the poller service
type Config struct {
	// Database
	DatabaseDriver string `yaml:"database_driver" validate:"oneof=sqlite postgres"`
	DatabaseURL    string `yaml:"database_url" validate:"required"`

	// Live-status source
	LiveStatusURL   string `yaml:"live_status_url" validate:"required"`
	LiveStatusToken string `yaml:"live_status_token"`

	// Scrape cycle
	ScrapeInterval      time.Duration `yaml:"scrape_interval" validate:"gt=0s"`
	ActiveLookahead     time.Duration `yaml:"active_lookahead" validate:"gte=0s"`
	ActiveLookbehind    time.Duration `yaml:"active_lookbehind" validate:"gte=0s"`
	RequestTimeout      time.Duration `yaml:"request_timeout" validate:"gt=0s"`
	RetryAttempts       int           `yaml:"retry_attempts" validate:"min=1,max=10"`
	RetryInitialBackoff time.Duration `yaml:"retry_initial_backoff" validate:"gte=0s"`
	RetryMaxBackoff     time.Duration `yaml:"retry_max_backoff" validate:"gtefield=RetryInitialBackoff"`
	CycleTimeout        time.Duration `yaml:"cycle_timeout" validate:"gt=0s"`
	WorkerLimit         int           `yaml:"worker_limit" validate:"min=1,max=64"`
	PersistenceRetries  int           `yaml:"persistence_retries" validate:"min=0,max=10"`

	// Reconciliation and alerts
	DisambiguationTolerance time.Duration `yaml:"disambiguation_tolerance" validate:"gt=0s"`
	AlertCooldown           time.Duration `yaml:"alert_cooldown" validate:"gt=0s"`
	Timezone                string        `yaml:"timezone" validate:"required"`
	RegionsGeoJSON          string        `yaml:"regions_geojson"`

	// Timetable import
	TimetableRoutesURL    string `yaml:"timetable_routes_url" validate:"required"`
	TimetableStationsURL  string `yaml:"timetable_stations_url" validate:"required"`
	TimetableRefreshHours int    `yaml:"timetable_refresh_hours" validate:"min=1"`

	// Observability
	HealthAddr       string        `yaml:"health_addr"`
	HistoryRetention time.Duration `yaml:"history_retention" validate:"gtefield=AlertCooldown"`

	location *time.Location
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DatabaseDriver: "sqlite",
		DatabaseURL:    "/data/hzpp.db",

		LiveStatusURL: "https://traindelay.hzpp.hr/train/delay?trainId=%d",

		ScrapeInterval:      60 * time.Second,
		ActiveLookahead:     30 * time.Minute,
		ActiveLookbehind:    8 * time.Hour,
		RequestTimeout:      10 * time.Second,
		RetryAttempts:       3,
		RetryInitialBackoff: 500 * time.Millisecond,
		RetryMaxBackoff:     5 * time.Second,
		CycleTimeout:        50 * time.Second,
		WorkerLimit:         8,
		PersistenceRetries:  3,

		DisambiguationTolerance: 3 * time.Hour,
		AlertCooldown:           24 * time.Hour,
		Timezone:                "Europe/Zagreb",

		TimetableRoutesURL:    "https://josipsalkovic.com/hzpp/planer/v3/getRoutes.php?date=%s",
		TimetableStationsURL:  "https://josipsalkovic.com/hzpp/planer/v3/getStops.php",
		TimetableRefreshHours: 24,

		HealthAddr:       ":8090",
		HistoryRetention: 48 * time.Hour,
	}
}

// Load reads configuration from defaults, an optional YAML file named by
// CONFIG_FILE, and environment variables (a .env file is honoured), in that
// order of precedence.
func Load() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DatabaseDriver = getEnv("DATABASE_DRIVER", c.DatabaseDriver)
	c.DatabaseURL = getEnv("SQLITE_DATABASE", c.DatabaseURL)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)

	c.LiveStatusURL = getEnv("LIVE_STATUS_URL", c.LiveStatusURL)
	c.LiveStatusToken = getEnv("LIVE_STATUS_TOKEN", c.LiveStatusToken)

	c.ScrapeInterval = getEnvDuration("SCRAPE_INTERVAL", c.ScrapeInterval)
	c.ActiveLookahead = getEnvDuration("ACTIVE_LOOKAHEAD", c.ActiveLookahead)
	c.ActiveLookbehind = getEnvDuration("ACTIVE_LOOKBEHIND", c.ActiveLookbehind)
	c.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", c.RequestTimeout)
	c.RetryAttempts = getEnvInt("RETRY_ATTEMPTS", c.RetryAttempts)
	c.RetryInitialBackoff = getEnvDuration("RETRY_INITIAL_BACKOFF", c.RetryInitialBackoff)
	c.RetryMaxBackoff = getEnvDuration("RETRY_MAX_BACKOFF", c.RetryMaxBackoff)
	c.CycleTimeout = getEnvDuration("CYCLE_TIMEOUT", c.CycleTimeout)
	c.WorkerLimit = getEnvInt("WORKER_LIMIT", c.WorkerLimit)
	c.PersistenceRetries = getEnvInt("PERSISTENCE_RETRIES", c.PersistenceRetries)

	c.DisambiguationTolerance = getEnvDuration("DISAMBIGUATION_TOLERANCE", c.DisambiguationTolerance)
	c.AlertCooldown = getEnvDuration("ALERT_COOLDOWN", c.AlertCooldown)
	c.Timezone = getEnv("TIMEZONE", c.Timezone)
	c.RegionsGeoJSON = getEnv("REGIONS_GEOJSON", c.RegionsGeoJSON)

	c.TimetableRoutesURL = getEnv("TIMETABLE_ROUTES_URL", c.TimetableRoutesURL)
	c.TimetableStationsURL = getEnv("TIMETABLE_STATIONS_URL", c.TimetableStationsURL)
	c.TimetableRefreshHours = getEnvInt("TIMETABLE_REFRESH_HOURS", c.TimetableRefreshHours)

	c.HealthAddr = getEnv("HEALTH_ADDR", c.HealthAddr)
	c.HistoryRetention = getEnvDuration("HISTORY_RETENTION", c.HistoryRetention)
}

// Validate checks field constraints and resolves the timezone
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalid, c.Timezone, err)
	}
	c.location = loc
	return nil
}

// Location returns the service timezone (UTC until Validate succeeds)
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
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

// getEnvDuration accepts Go duration strings ("90s") or plain seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
