// Package retry provides bounded retry with exponential backoff for the
// kernel's external I/O: LLM completions and sandbox operations.
// Transient failures are retried; permanent ones surface immediately.
package retry

import (
	"context"
	"errors"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Factor is the exponential backoff multiplier.
	Factor float64
}

// LLMDefaults is the retry policy for LLM calls: 3 attempts with
// 2s/4s/8s backoff on transient provider failures.
func LLMDefaults() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     8 * time.Second,
		Factor:       2.0,
	}
}

// Do runs op until it succeeds, returns a permanent error, exhausts
// MaxAttempts, or the context is cancelled. The last error is returned.
func Do(ctx context.Context, cfg Config, op func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 2.0
	}

	delay := cfg.InitialDelay
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = op(); err == nil {
			return nil
		}
		if IsPermanent(err) || attempt == cfg.MaxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.Factor)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return err
}

// DoWithValue is Do for operations that return a value.
func DoWithValue[T any](ctx context.Context, cfg Config, op func() (T, error)) (T, error) {
	var value T
	err := Do(ctx, cfg, func() error {
		var opErr error
		value, opErr = op()
		return opErr
	})
	return value, err
}

// PermanentError marks an error as not worth retrying.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// TransientStatus reports whether an HTTP status from a provider should
// be retried: 429 and all 5xx.
func TransientStatus(code int) bool {
	return code == 429 || (code >= 500 && code <= 599)
}
