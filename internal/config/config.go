// Package config provides configuration loading and management for the registry service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load() does not override already-set environment variables,
// preserving OS env > .env precedence.
func init() {
	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the registry service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // Database connection string (PostgreSQL); empty selects the in-memory store
	NATSURL     string // NATS server URL; empty selects the no-op publisher

	AdminAddress       string   // Address of the registry admin (required)
	VerifierAddresses  []string // Initial set of payment verifiers
	ValidatorAddresses []string // Initial set of authorized validators

	MinFeedbackForRanking int64 // Minimum feedback count for leaderboard inclusion
}

// Default configuration values used when environment variables are not set
const (
	defaultPort        = "8080"
	defaultEnv         = "dev"
	defaultMinFeedback = 5
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{}

	cfg.Env = getEnv("AMR_ENV", defaultEnv)
	cfg.Port = getEnv("AMR_PORT", defaultPort)

	if dsn, exists := os.LookupEnv("AMR_DB_DSN"); exists {
		cfg.DatabaseDSN = dsn
	}

	if natsURL, exists := os.LookupEnv("AMR_NATS_URL"); exists {
		cfg.NATSURL = natsURL
	}

	if admin, exists := os.LookupEnv("AMR_ADMIN_ADDRESS"); exists {
		cfg.AdminAddress = admin
	}

	cfg.VerifierAddresses = splitAddresses(os.Getenv("AMR_VERIFIER_ADDRESSES"))
	cfg.ValidatorAddresses = splitAddresses(os.Getenv("AMR_VALIDATOR_ADDRESSES"))

	cfg.MinFeedbackForRanking = defaultMinFeedback
	if minFeedback, exists := os.LookupEnv("AMR_MIN_FEEDBACK_FOR_RANKING"); exists {
		n, err := strconv.ParseInt(minFeedback, 10, 64)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("AMR_MIN_FEEDBACK_FOR_RANKING must be a non-negative integer")
		}
		cfg.MinFeedbackForRanking = n
	}

	// Validate required parameters
	if cfg.AdminAddress == "" {
		return cfg, fmt.Errorf("AMR_ADMIN_ADDRESS is required")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// splitAddresses parses a comma-separated address list, trimming whitespace
// and dropping empty entries.
func splitAddresses(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
