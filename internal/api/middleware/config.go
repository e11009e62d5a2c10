// Package middleware provides the HTTP middleware of the event log API.
package middleware

import (
	"github.com/triplestream/eventlog/internal/config"
)

const defaultRPS = 100

// Config holds the rate limiter configuration. One token bucket guards the
// whole ingress.
type Config struct {
	// RPS is the sustained request rate (requests per second).
	RPS int

	// Burst overrides the burst capacity; 0 computes it as 2 x RPS.
	Burst int

	// Enabled turns rate limiting off entirely when false.
	Enabled bool
}

// LoadConfig loads the rate limiter config from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		RPS:     config.GetEnvInt("RATE_LIMIT_RPS", defaultRPS),
		Burst:   config.GetEnvInt("RATE_LIMIT_BURST", 0),
		Enabled: config.GetEnvBool("RATE_LIMIT_ENABLED", true),
	}
}
