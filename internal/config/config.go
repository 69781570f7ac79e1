// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Store backends.
const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

// Config is the full process configuration.
type Config struct {
	Port  string
	Store string

	MongoURI string
	MongoDB  string

	MQTTBroker   string
	MQTTClientID string

	JWTSecret string
	JWTExpiry time.Duration

	// BootstrapAdminID and BootstrapAdminPIN create an admin account at
	// startup when it does not exist yet.
	BootstrapAdminID  string
	BootstrapAdminPIN string

	LogLevel  string
	LogFormat string
	LogFile   string

	HOSRuleset         string
	HOSSplitSleeper    bool
	ClockSkewTolerance time.Duration
	DiagnosticGrace    time.Duration

	AlertInterval    time.Duration
	AlertConcurrency int
}

// Load reads a .env file when one exists, then the environment. Malformed
// values are an error rather than a silent default.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Failed to read .env file")
	}
	e := &env{}
	cfg := &Config{
		Port:               e.str("PORT", "8080"),
		Store:              strings.ToLower(e.str("STORE", StoreMongo)),
		MongoURI:           e.str("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:            e.str("MONGO_DB", "fleet_compliance"),
		MQTTBroker:         e.str("MQTT_BROKER", ""),
		MQTTClientID:       e.str("MQTT_CLIENT_ID", "fleet-compliance"),
		JWTSecret:          e.str("JWT_SECRET", "default-secret-key-change-in-production"),
		JWTExpiry:          e.duration("JWT_EXPIRY", 24*time.Hour),
		BootstrapAdminID:   e.str("BOOTSTRAP_ADMIN_ID", ""),
		BootstrapAdminPIN:  e.str("BOOTSTRAP_ADMIN_PIN", ""),
		LogLevel:           e.str("LOG_LEVEL", "info"),
		LogFormat:          e.str("LOG_FORMAT", "json"),
		LogFile:            e.str("LOG_FILE", ""),
		HOSRuleset:         e.str("HOS_RULESET", "us-70-8"),
		HOSSplitSleeper:    e.boolean("HOS_SPLIT_SLEEPER", true),
		ClockSkewTolerance: e.duration("CLOCK_SKEW_TOLERANCE", 2*time.Minute),
		DiagnosticGrace:    e.duration("DIAGNOSTIC_GRACE", 30*time.Minute),
		AlertInterval:      e.duration("ALERT_INTERVAL", time.Minute),
		AlertConcurrency:   e.integer("ALERT_CONCURRENCY", 8),
	}
	if e.err != nil {
		return nil, e.err
	}
	if cfg.Store != StoreMongo && cfg.Store != StoreMemory {
		return nil, fmt.Errorf("STORE must be %q or %q, got %q", StoreMongo, StoreMemory, cfg.Store)
	}
	if (cfg.BootstrapAdminID == "") != (cfg.BootstrapAdminPIN == "") {
		return nil, fmt.Errorf("BOOTSTRAP_ADMIN_ID and BOOTSTRAP_ADMIN_PIN must be set together")
	}
	if cfg.AlertConcurrency < 1 {
		return nil, fmt.Errorf("ALERT_CONCURRENCY must be at least 1")
	}
	return cfg, nil
}

// env collects the first parse error so Load can report it once.
type env struct {
	err error
}

func (e *env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		if e.err == nil {
			e.err = fmt.Errorf("%s: %w", key, err)
		}
		return def
	}
	return d
}

func (e *env) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if e.err == nil {
			e.err = fmt.Errorf("%s: %w", key, err)
		}
		return def
	}
	return n
}

func (e *env) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		if e.err == nil {
			e.err = fmt.Errorf("%s: %w", key, err)
		}
		return def
	}
	return b
}
