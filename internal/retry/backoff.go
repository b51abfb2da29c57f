// Package retry runs infrastructure operations with exponential backoff.
// Chat completions never go through here; a failed response is reported
// once and the user decides whether to resubmit.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config configures retry behavior with exponential backoff
type Config struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // upper bound for any single delay
	Multiplier float64       // growth factor per attempt
	Jitter     bool          // spread delays by up to 10%
}

// Result contains information about the retry operation
type Result struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

func (r Result) Success() bool { return r.LastError == nil }

// ConnectConfig suits waiting for a database that is still starting.
func ConnectConfig() Config {
	return Config{
		MaxRetries: 5,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Do runs op until it succeeds, returns a non-retryable error, runs out of
// retries or ctx ends.
func Do(ctx context.Context, name string, config Config, op func(ctx context.Context) error) Result {
	start := time.Now()
	var result Result

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		err := op(ctx)
		result.LastError = err
		if err == nil {
			if attempt > 0 {
				log.Info().Str("operation", name).Int("attempts", result.Attempts).Msg("Operation succeeded after retry")
			}
			break
		}
		if attempt == config.MaxRetries || !IsRetryable(err) {
			break
		}

		delay := calculateDelay(config, attempt)
		log.Warn().
			Err(err).
			Str("operation", name).
			Int("attempt", result.Attempts).
			Dur("delay", delay).
			Msg("Operation failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		case <-timer.C:
		}
	}

	result.TotalDuration = time.Since(start)
	return result
}

// calculateDelay calculates the delay for the next retry attempt using exponential backoff
func calculateDelay(config Config, attempt int) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(config.BaseDelay)
		}
	}

	return time.Duration(delay)
}

var retryableFragments = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"the database system is starting up",
	"temporary failure",
	"no such host",
	"network unreachable",
	"broken pipe",
	"eof",
}

// IsRetryable reports whether err looks transient. Cancellation never is.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
