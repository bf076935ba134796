// Package retry retries transient failures with exponential backoff
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts     int           `json:"max_attempts"` // 0 = unlimited
	InitialDelay    time.Duration `json:"initial_delay"`
	MaxDelay        time.Duration `json:"max_delay"`
	Multiplier      float64       `json:"multiplier"`
	RandomizeFactor float64       `json:"randomize_factor"` // jitter, 0..1
	// RetryIf decides whether err is worth another attempt
	RetryIf func(error) bool `json:"-"`
}

// DefaultConfig returns a short backoff suited to local I/O
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialDelay:    50 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
		RetryIf:         DefaultRetryIf,
	}
}

// Operation is one attempt
type Operation func(ctx context.Context) error

// Result reports how an operation went
type Result struct {
	Attempts int
	Duration time.Duration
	Err      error
}

// Retrier runs operations under one Config
type Retrier struct {
	config Config
}

// New creates a retrier. Out of range fields are clamped.
func New(config *Config) *Retrier {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.RandomizeFactor < 0 {
		cfg.RandomizeFactor = 0
	} else if cfg.RandomizeFactor > 1 {
		cfg.RandomizeFactor = 1
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = DefaultRetryIf
	}
	return &Retrier{config: cfg}
}

// Do runs op until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx is done
func (r *Retrier) Do(ctx context.Context, op Operation) *Result {
	start := time.Now()
	result := &Result{}
	delay := r.config.InitialDelay

	for attempt := 1; r.config.MaxAttempts == 0 || attempt <= r.config.MaxAttempts; attempt++ {
		result.Attempts = attempt
		if err := ctx.Err(); err != nil {
			if result.Err == nil {
				result.Err = fmt.Errorf("context cancelled: %w", err)
			}
			break
		}

		err := op(ctx)
		if err == nil {
			result.Err = nil
			break
		}
		result.Err = err

		if !r.config.RetryIf(err) {
			break
		}
		if r.config.MaxAttempts > 0 && attempt >= r.config.MaxAttempts {
			break
		}

		timer := time.NewTimer(r.jitter(delay))
		select {
		case <-timer.C:
			delay = r.next(delay)
		case <-ctx.Done():
			timer.Stop()
			result.Duration = time.Since(start)
			return result
		}
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Retrier) jitter(delay time.Duration) time.Duration {
	if r.config.RandomizeFactor == 0 || delay <= 0 {
		return delay
	}
	delta := float64(delay) * r.config.RandomizeFactor
	return time.Duration(float64(delay) - delta + rand.Float64()*2*delta) //nolint:gosec // jitter only
}

func (r *Retrier) next(delay time.Duration) time.Duration {
	next := time.Duration(float64(delay) * r.config.Multiplier)
	if next > r.config.MaxDelay {
		return r.config.MaxDelay
	}
	return next
}

// PermanentError marks an error that must not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so DefaultRetryIf gives up on it
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// DefaultRetryIf retries everything except permanent errors and context
// cancellation
func DefaultRetryIf(err error) bool {
	if err == nil {
		return false
	}
	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Retry runs op with the default configuration and returns its final error
func Retry(ctx context.Context, op Operation) error {
	return New(DefaultConfig()).Do(ctx, op).Err
}
