package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/AltairaLabs/ide-bridge/internal/bridge/config"
	"github.com/AltairaLabs/ide-bridge/internal/types"
)

func TestDefaultPolicy(t *testing.T) {
	policy := DefaultPolicy()

	if policy.MaxRetries != config.DefaultReconnectMaxRetries {
		t.Errorf("Expected MaxRetries=%d, got %d", config.DefaultReconnectMaxRetries, policy.MaxRetries)
	}
	if policy.InitialDelay != config.DefaultReconnectInitialDelay {
		t.Errorf("Expected InitialDelay=%v, got %v", config.DefaultReconnectInitialDelay, policy.InitialDelay)
	}
	if policy.MaxDelay != config.DefaultReconnectMaxDelay {
		t.Errorf("Expected MaxDelay=%v, got %v", config.DefaultReconnectMaxDelay, policy.MaxDelay)
	}
	if err := policy.Validate(); err != nil {
		t.Errorf("default policy should validate: %v", err)
	}
}

func TestPolicyCalculateDelay(t *testing.T) {
	policy := Policy{
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}

	tests := []struct {
		retryCount int
		expected   time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second}, // Capped at MaxDelay
		{40, 10 * time.Second},
	}

	for _, test := range tests {
		actual := policy.CalculateDelay(test.retryCount)
		if actual != test.expected {
			t.Errorf("CalculateDelay(%d) = %v, expected %v", test.retryCount, actual, test.expected)
		}
	}
}

func TestPolicyShouldRetry(t *testing.T) {
	policy := Policy{MaxRetries: 2}

	if !policy.ShouldRetry(0) || !policy.ShouldRetry(1) {
		t.Error("expected retries below MaxRetries to be allowed")
	}
	if policy.ShouldRetry(2) {
		t.Error("expected retry at MaxRetries to be refused")
	}
}

func TestIsRetriableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", fmt.Errorf("serve: %w", context.Canceled), false},
		{"auth", types.AuthError("authenticate", nil), false},
		{"discovery", types.DiscoveryError("publish", nil), false},
		{"timeout", types.TimeoutError("probe", nil), true},
		{"io", errors.New("connection reset by peer"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetriableError(tt.err); got != tt.want {
				t.Errorf("IsRetriableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPolicyValidate(t *testing.T) {
	valid := Policy{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2}

	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"negative retries", func(p *Policy) { p.MaxRetries = -1 }},
		{"zero initial", func(p *Policy) { p.InitialDelay = 0 }},
		{"zero max", func(p *Policy) { p.MaxDelay = 0 }},
		{"shrinking multiplier", func(p *Policy) { p.BackoffMultiplier = 0.5 }},
		{"initial above max", func(p *Policy) { p.InitialDelay = 2 * time.Second }},
		{"jitter", func(p *Policy) { p.Jitter = 1.5 }},
	}

	if err := valid.Validate(); err != nil {
		t.Fatalf("valid policy rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestBackoffNonDecreasingAndCapped(t *testing.T) {
	policy := Policy{
		MaxRetries:        12,
		InitialDelay:      10 * time.Millisecond,
		MaxDelay:          200 * time.Millisecond,
		BackoffMultiplier: 2,
		Jitter:            0.5,
	}
	// Alternate high and low jitter to try to make a later delay smaller.
	draws := []float64{0.99, 0.0, 0.99, 0.0, 0.5, 0.0, 0.99, 0.0, 0.99, 0.0, 0.99, 0.0}
	i := 0
	b := NewBackoff(policy).WithRand(func() float64 {
		v := draws[i%len(draws)]
		i++
		return v
	})

	var prev time.Duration
	count := 0
	for {
		d, ok := b.Next()
		if !ok {
			break
		}
		count++
		if d < prev {
			t.Errorf("attempt %d: delay %v decreased from %v", count, d, prev)
		}
		if d > policy.MaxDelay {
			t.Errorf("attempt %d: delay %v exceeds cap %v", count, d, policy.MaxDelay)
		}
		prev = d
	}
	if count != policy.MaxRetries {
		t.Errorf("expected %d attempts, got %d", policy.MaxRetries, count)
	}
	if prev != policy.MaxDelay {
		t.Errorf("expected delays to reach the cap, last was %v", prev)
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(Policy{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2})

	if _, ok := b.Next(); !ok {
		t.Fatal("expected first attempt")
	}
	if _, ok := b.Next(); ok {
		t.Fatal("expected exhaustion after MaxRetries")
	}
	b.Reset()
	if b.Attempts() != 0 {
		t.Errorf("expected 0 attempts after reset, got %d", b.Attempts())
	}
	d, ok := b.Next()
	if !ok || d != time.Millisecond {
		t.Errorf("after reset Next() = %v, %v", d, ok)
	}
}

func TestBackoffZeroRetries(t *testing.T) {
	b := NewBackoff(Policy{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2})
	if _, ok := b.Next(); ok {
		t.Error("policy with no retries should be exhausted immediately")
	}
}
