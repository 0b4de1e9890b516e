package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

const PROD_STRING = "prod"

// Config holds all client configuration loaded from environment.
type Config struct {
	IsProduction   bool
	APIBaseURL     string
	WSBaseURL      string
	APIToken       string
	HTTPTimeout    time.Duration
	ReserveTimeout time.Duration
	PollInterval   time.Duration
}

// Load loads configuration from .env (optional) and environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	err := godotenv.Load()
	if err != nil {
		log.Printf("failed to load .env file: %v", err)
	}

	cfg := &Config{}

	// Application environment (default: dev)
	appEnvStr := getEnv("APP_ENV", "dev")
	cfg.IsProduction = appEnvStr == PROD_STRING

	// HTTP API base URL is required
	cfg.APIBaseURL = os.Getenv("API_BASE_URL")
	if cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("API_BASE_URL is required")
	}

	// WebSocket base URL is required
	cfg.WSBaseURL = os.Getenv("WS_BASE_URL")
	if cfg.WSBaseURL == "" {
		return nil, fmt.Errorf("WS_BASE_URL is required")
	}

	// Bearer token sent on every request and on the websocket handshake
	// (default: empty, for servers that run without auth)
	cfg.APIToken = getEnv("API_TOKEN", "")

	// Snapshot fetch timeout (default: 15s)
	cfg.HTTPTimeout, err = getEnvAsDuration("HTTP_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}

	// Bounded wait for a reservation confirmation (default: 10s)
	cfg.ReserveTimeout, err = getEnvAsDuration("RESERVE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	// Consistency poller interval (default: 30s)
	cfg.PollInterval, err = getEnvAsDuration("POLL_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// getEnv returns the value of the environment variable if set,
// otherwise returns the provided default value.
func getEnv(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultValue
}

// getEnvAsDuration retrieves an environment variable as a time.Duration
// (e.g. "10s", "1m"). It returns the default value if the variable is not
// set and an error if it is set but does not parse.
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valStr := getEnv(key, "")
	if valStr == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(valStr)
	if err != nil {
		return 0, fmt.Errorf("env %s value %q is not a valid duration: %w", key, valStr, err)
	}

	return val, nil
}
