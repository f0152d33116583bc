package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrKeyRequired   = errors.New("store: key is required")
	ErrValueRequired = errors.New("store: value is required")
	ErrTTLRequired   = errors.New("store: ttl must be positive")
	ErrScriptUnknown = errors.New("store: unsupported script")
)

// Store is the atomic key-value contract shared by the idempotency filter,
// the distributed lock, and the rate limiter. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the value for key. A missing or expired key reports
	// ok=false with a nil error; err is reserved for backend failures.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set writes value under key with a mandatory expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfNotExists atomically creates key only when absent. It reports
	// true when this call created the entry.
	SetIfNotExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes key, reporting whether an entry existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Eval runs one of the named atomic scripts. Compare mismatches are
	// results, not errors; err is reserved for backend failures.
	Eval(ctx context.Context, script Script, keys []string, args ...any) (any, error)

	// BuildKey joins the non-empty parts with ":" under the store prefix.
	BuildKey(parts ...string) string
}

// Script pairs a stable name with Lua source. Redis executes Src; the
// memory and SQL backends dispatch on Name under their own atomicity.
type Script struct {
	Name string
	Src  string
}

// JoinKey builds a colon-delimited key from prefix and parts, dropping
// empty segments.
func JoinKey(prefix string, parts ...string) string {
	segments := make([]string, 0, len(parts)+1)
	if trimmed := strings.TrimSpace(prefix); trimmed != "" {
		segments = append(segments, trimmed)
	}
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			segments = append(segments, trimmed)
		}
	}
	return strings.Join(segments, ":")
}

// Int64 coerces a script result into an int64.
func Int64(value any) (int64, bool) {
	switch typed := value.(type) {
	case int64:
		return typed, true
	case int:
		return int64(typed), true
	case float64:
		return int64(typed), true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// Values coerces an array script result into a slice.
func Values(value any) ([]any, bool) {
	switch typed := value.(type) {
	case []any:
		return typed, true
	case []string:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = item
		}
		return out, true
	default:
		return nil, false
	}
}

// Float64 coerces a script result into a float64. Redis returns Lua
// numbers as integers, so fractional values travel as strings.
func Float64(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case int64:
		return float64(typed), true
	case int:
		return float64(typed), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func validateKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", ErrKeyRequired
	}
	return trimmed, nil
}

func validateEntry(key, value string, ttl time.Duration) (string, error) {
	trimmed, err := validateKey(key)
	if err != nil {
		return "", err
	}
	if value == "" {
		return "", ErrValueRequired
	}
	if ttl <= 0 {
		return "", ErrTTLRequired
	}
	return trimmed, nil
}
