package core

import (
	"fmt"
	"strings"
	"time"
)

// Durations travel as integer milliseconds so the config survives JSON, YAML,
// and env sources without custom decode hooks. Accessor methods convert.

type StoreConfig struct {
	Prefix string `koanf:"prefix" mapstructure:"prefix"`
}

type SignatureConfig struct {
	Header      string `koanf:"header" mapstructure:"header"`
	ToleranceMS int    `koanf:"tolerance_ms" mapstructure:"tolerance_ms"`
}

func (c SignatureConfig) Tolerance() time.Duration {
	return time.Duration(c.ToleranceMS) * time.Millisecond
}

type IdempotencyConfig struct {
	TTLMS int `koanf:"ttl_ms" mapstructure:"ttl_ms"`
}

func (c IdempotencyConfig) TTL() time.Duration {
	return time.Duration(c.TTLMS) * time.Millisecond
}

type LockConfig struct {
	TTLMS        int `koanf:"ttl_ms" mapstructure:"ttl_ms"`
	RetryDelayMS int `koanf:"retry_delay_ms" mapstructure:"retry_delay_ms"`
	MaxRetries   int `koanf:"max_retries" mapstructure:"max_retries"`
}

func (c LockConfig) TTL() time.Duration {
	return time.Duration(c.TTLMS) * time.Millisecond
}

func (c LockConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

type RateLimitConfig struct {
	DefaultLimit    int `koanf:"default_limit" mapstructure:"default_limit"`
	DefaultWindowMS int `koanf:"default_window_ms" mapstructure:"default_window_ms"`
	BasePenaltyMS   int `koanf:"base_penalty_ms" mapstructure:"base_penalty_ms"`
	MaxPenaltyMS    int `koanf:"max_penalty_ms" mapstructure:"max_penalty_ms"`
}

func (c RateLimitConfig) DefaultWindow() time.Duration {
	return time.Duration(c.DefaultWindowMS) * time.Millisecond
}

func (c RateLimitConfig) BasePenalty() time.Duration {
	return time.Duration(c.BasePenaltyMS) * time.Millisecond
}

func (c RateLimitConfig) MaxPenalty() time.Duration {
	return time.Duration(c.MaxPenaltyMS) * time.Millisecond
}

type RetryConfig struct {
	MaxAttempts int `koanf:"max_attempts" mapstructure:"max_attempts"`
	BaseDelayMS int `koanf:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMS  int `koanf:"max_delay_ms" mapstructure:"max_delay_ms"`
}

func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMS) * time.Millisecond
}

type BreakerConfig struct {
	FailureThreshold int `koanf:"failure_threshold" mapstructure:"failure_threshold"`
	OpenTimeoutMS    int `koanf:"open_timeout_ms" mapstructure:"open_timeout_ms"`
}

func (c BreakerConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutMS) * time.Millisecond
}

type Config struct {
	ServiceName string            `koanf:"service_name" mapstructure:"service_name"`
	Store       StoreConfig       `koanf:"store" mapstructure:"store"`
	Signature   SignatureConfig   `koanf:"signature" mapstructure:"signature"`
	Idempotency IdempotencyConfig `koanf:"idempotency" mapstructure:"idempotency"`
	Lock        LockConfig        `koanf:"lock" mapstructure:"lock"`
	RateLimit   RateLimitConfig   `koanf:"ratelimit" mapstructure:"ratelimit"`
	Retry       RetryConfig       `koanf:"retry" mapstructure:"retry"`
	Breaker     BreakerConfig     `koanf:"breaker" mapstructure:"breaker"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "guard",
		Store: StoreConfig{
			Prefix: "guard",
		},
		Signature: SignatureConfig{
			Header:      "X-Webhook-Signature",
			ToleranceMS: int(5 * time.Minute / time.Millisecond),
		},
		Idempotency: IdempotencyConfig{
			TTLMS: int(24 * time.Hour / time.Millisecond),
		},
		Lock: LockConfig{
			TTLMS:        int(30 * time.Second / time.Millisecond),
			RetryDelayMS: 150,
			MaxRetries:   3,
		},
		RateLimit: RateLimitConfig{
			DefaultLimit:    100,
			DefaultWindowMS: int(time.Minute / time.Millisecond),
			BasePenaltyMS:   int(time.Minute / time.Millisecond),
			MaxPenaltyMS:    int(time.Hour / time.Millisecond),
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMS: 500,
			MaxDelayMS:  int(10 * time.Second / time.Millisecond),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenTimeoutMS:    int(time.Minute / time.Millisecond),
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if strings.TrimSpace(c.Store.Prefix) == "" {
		return fmt.Errorf("core: store.prefix is required")
	}
	if strings.TrimSpace(c.Signature.Header) == "" {
		return fmt.Errorf("core: signature.header is required")
	}
	if c.Signature.ToleranceMS <= 0 {
		return fmt.Errorf("core: signature.tolerance_ms must be positive")
	}
	if c.Idempotency.TTLMS <= 0 {
		return fmt.Errorf("core: idempotency.ttl_ms must be positive")
	}
	if c.Lock.TTLMS <= 0 {
		return fmt.Errorf("core: lock.ttl_ms must be positive")
	}
	if c.Lock.RetryDelayMS < 0 {
		return fmt.Errorf("core: lock.retry_delay_ms must not be negative")
	}
	if c.Lock.MaxRetries < 0 {
		return fmt.Errorf("core: lock.max_retries must not be negative")
	}
	if c.RateLimit.DefaultLimit <= 0 {
		return fmt.Errorf("core: ratelimit.default_limit must be positive")
	}
	if c.RateLimit.DefaultWindowMS <= 0 {
		return fmt.Errorf("core: ratelimit.default_window_ms must be positive")
	}
	if c.RateLimit.BasePenaltyMS <= 0 {
		return fmt.Errorf("core: ratelimit.base_penalty_ms must be positive")
	}
	if c.RateLimit.MaxPenaltyMS < c.RateLimit.BasePenaltyMS {
		return fmt.Errorf("core: ratelimit.max_penalty_ms must not be below base_penalty_ms")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("core: retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelayMS < 0 {
		return fmt.Errorf("core: retry.base_delay_ms must not be negative")
	}
	if c.Retry.MaxDelayMS < c.Retry.BaseDelayMS {
		return fmt.Errorf("core: retry.max_delay_ms must not be below base_delay_ms")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("core: breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.OpenTimeoutMS <= 0 {
		return fmt.Errorf("core: breaker.open_timeout_ms must be positive")
	}
	return nil
}
