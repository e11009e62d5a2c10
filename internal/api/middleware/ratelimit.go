// Package middleware provides the HTTP middleware of the event log API.
package middleware

import (
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"
)

const burstCapacityMultiplier = 2

// publicEndpoints lists paths exempt from rate limiting, so liveness probes
// and metric scrapes are never shed. Filled once during route setup.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint exempts a path from rate limiting.
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

type (
	// RateLimiter sheds ingress load before handlers run.
	//
	// The in-process token bucket covers a single-node deployment; the
	// interface leaves room for a distributed implementation without
	// touching the middleware.
	RateLimiter interface {
		// Allow reports whether the request may proceed.
		Allow() bool
	}

	// TokenBucketLimiter implements RateLimiter with one
	// golang.org/x/time/rate bucket shared by all callers.
	TokenBucketLimiter struct {
		bucket *rate.Limiter
	}
)

// NewTokenBucketLimiter creates a limiter from the config. Burst capacity is
// computed as 2 x rate unless the config overrides it.
func NewTokenBucketLimiter(config *Config) *TokenBucketLimiter {
	burst := computeBurstCapacity(config.RPS, config.Burst)

	return &TokenBucketLimiter{
		bucket: rate.NewLimiter(rate.Limit(config.RPS), burst),
	}
}

// computeBurstCapacity returns the burst override when set, otherwise
// 2 x rate so short spikes ride out without shedding.
func computeBurstCapacity(rps, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rps * burstCapacityMultiplier
}

// Allow implements RateLimiter.
func (l *TokenBucketLimiter) Allow() bool {
	return l.bucket.Allow()
}

// Close implements io.Closer so shutdown treats every limiter alike. The
// token bucket holds no resources.
func (l *TokenBucketLimiter) Close() error {
	return nil
}

// RateLimit returns a middleware enforcing the limiter on every request
// except registered public endpoints. Shed requests get a 429 envelope.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			if !limiter.Allow() {
				writeEnvelope(w, r, logger, http.StatusTooManyRequests,
					"Rate limit exceeded. Please retry after some time.")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
