// Package resilience wraps outbound operations with retry, per-key circuit
// breaking, and deterministic batch execution. Nothing here knows what the
// wrapped operation calls; callers bring their own closures.
package resilience

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-guard/core"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
)

// RetryConfig controls the retry loop. The zero value retries three times
// with the default exponential schedule and retryability test.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// RetryIf overrides IsRetryable when set.
	RetryIf func(error) bool

	// OnRetry observes every scheduled retry before its delay elapses.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Retry runs op until it succeeds, a non-retryable error surfaces, or the
// attempt budget is spent. The first attempt runs immediately; attempt k
// waits BaseDelay doubled k−2 times, capped at MaxDelay. No delay follows
// the final attempt, and cancellation during a wait returns ctx.Err().
func Retry(ctx context.Context, cfg RetryConfig, op func(context.Context) error) error {
	if op == nil {
		return validationError("retry operation is required")
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = IsRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryIf(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}
		if err := core.WaitWithContext(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// retryDelay is the wait after a failed attempt, doubling from BaseDelay
// and capped at MaxDelay.
func retryDelay(cfg RetryConfig, attempt int) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maximum := cfg.MaxDelay
	if maximum <= 0 {
		maximum = DefaultMaxDelay
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay > maximum {
		return maximum
	}
	return delay
}

// IsRetryable is the default retryability test: transport-level failures
// and envelopes that blame the remote side retry; everything the caller
// did wrong does not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if os.IsTimeout(err) {
		return true
	}

	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		if rich.Code >= 500 && rich.Code <= 599 {
			return true
		}
		switch rich.Category {
		case goerrors.CategoryExternal, goerrors.CategoryOperation:
			return true
		}
		return false
	}

	message := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}

// retryableMarkers catch transport failures that arrive as plain strings.
var retryableMarkers = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"service unavailable",
	"bad gateway",
	"internal server error",
}

func validationError(message string) error {
	return core.EnsureGuardErrorEnvelope(
		goerrors.New("resilience: "+message, goerrors.CategoryBadInput).
			WithTextCode(core.GuardErrorValidation),
	)
}

func dependencyError(message string) error {
	return core.EnsureGuardErrorEnvelope(
		goerrors.New("resilience: "+message, goerrors.CategoryInternal).
			WithTextCode(core.GuardErrorInternal),
	)
}
