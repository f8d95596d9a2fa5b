package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/AltairaLabs/ide-bridge/internal/bridge/config"
	"github.com/AltairaLabs/ide-bridge/internal/types"
)

// Policy defines reconnect behavior for a channel
type Policy struct {
	MaxRetries        int           // Maximum number of consecutive attempts (0 = no retries)
	InitialDelay      time.Duration // Initial delay before first retry
	MaxDelay          time.Duration // Maximum delay between retries
	BackoffMultiplier float64       // Multiplier for exponential backoff (e.g., 2.0)
	Jitter            float64       // Fraction of each delay that may be added at random
}

// DefaultPolicy returns the default reconnect policy
func DefaultPolicy() Policy {
	return FromConfig(config.DefaultReconnectConfig())
}

// FromConfig builds a policy from reconnect configuration
func FromConfig(c config.ReconnectConfig) Policy {
	return Policy{
		MaxRetries:        c.MaxRetries,
		InitialDelay:      c.InitialDelay,
		MaxDelay:          c.MaxDelay,
		BackoffMultiplier: c.Multiplier,
		Jitter:            c.Jitter,
	}
}

// CalculateDelay calculates the un-jittered delay for the given attempt number
func (p *Policy) CalculateDelay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return p.InitialDelay
	}

	// Calculate exponential backoff: initialDelay * (multiplier ^ retryCount)
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(retryCount))

	// Cap at maximum delay
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}

	return time.Duration(delay)
}

// ShouldRetry determines if another attempt is allowed after retryCount attempts
func (p *Policy) ShouldRetry(retryCount int) bool {
	return retryCount < p.MaxRetries
}

// IsRetriableError determines if a channel failure should trigger a reconnect.
// Auth and discovery failures need operator action and are never retried.
func IsRetriableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, types.ErrAuth) || errors.Is(err, types.ErrDiscovery) || errors.Is(err, types.ErrReconnectExhausted) {
		return false
	}
	return true
}

// Validate checks if the retry policy configuration is valid
func (p *Policy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("MaxRetries must be non-negative")
	}
	if p.InitialDelay <= 0 {
		return errors.New("InitialDelay must be positive")
	}
	if p.MaxDelay <= 0 {
		return errors.New("MaxDelay must be positive")
	}
	if p.BackoffMultiplier < 1 {
		return errors.New("BackoffMultiplier must be at least 1")
	}
	if p.InitialDelay > p.MaxDelay {
		return errors.New("InitialDelay cannot be greater than MaxDelay")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return errors.New("Jitter must be within [0,1]")
	}
	return nil
}
