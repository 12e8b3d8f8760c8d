package swarm

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryPolicy configures retry behavior using exponential backoff.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// InitialInterval is the delay before first retry
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`

	// MaxInterval caps the maximum delay between retries
	MaxInterval time.Duration `yaml:"max_interval" json:"max_interval"`

	// Multiplier controls exponential backoff rate
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Errors specifies which errors trigger retries. Empty means any retryable error.
	Errors []error `yaml:"-" json:"-"`
}

// DefaultRetryPolicy returns the default retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
}

// Backoff returns the delay before retry number attempt (1-based).
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialInterval) * math.Pow(mult, float64(attempt-1))
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

// ShouldRetry reports whether err qualifies for another attempt under p.
func (p *RetryPolicy) ShouldRetry(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if len(p.Errors) == 0 {
		return IsRetryable(err)
	}
	for _, target := range p.Errors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Do calls fn until it succeeds, returns a non-retryable error, or retries run out.
func (p *RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt >= p.MaxRetries || !p.ShouldRetry(err) {
			return err
		}
		timer := time.NewTimer(p.Backoff(attempt + 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}
