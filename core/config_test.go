package core

import (
	"testing"
	"time"
)

func TestDefaultConfig_ValidatesAndConverts(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if got := cfg.Signature.Tolerance(); got != 5*time.Minute {
		t.Fatalf("expected 5m signature tolerance, got %v", got)
	}
	if got := cfg.Idempotency.TTL(); got != 24*time.Hour {
		t.Fatalf("expected 24h idempotency ttl, got %v", got)
	}
	if got := cfg.Lock.TTL(); got != 30*time.Second {
		t.Fatalf("expected 30s lock ttl, got %v", got)
	}
	if got := cfg.Lock.RetryDelay(); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms retry delay, got %v", got)
	}
	if got := cfg.Retry.BaseDelay(); got != 500*time.Millisecond {
		t.Fatalf("expected 500ms base delay, got %v", got)
	}
	if got := cfg.Breaker.OpenTimeout(); got != time.Minute {
		t.Fatalf("expected 1m open timeout, got %v", got)
	}
	if got := cfg.RateLimit.DefaultWindow(); got != time.Minute {
		t.Fatalf("expected 1m default window, got %v", got)
	}
}

func TestConfigValidate_RejectsBrokenSections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing service name", func(c *Config) { c.ServiceName = " " }},
		{"missing prefix", func(c *Config) { c.Store.Prefix = "" }},
		{"missing signature header", func(c *Config) { c.Signature.Header = "" }},
		{"zero tolerance", func(c *Config) { c.Signature.ToleranceMS = 0 }},
		{"zero idempotency ttl", func(c *Config) { c.Idempotency.TTLMS = 0 }},
		{"negative lock retries", func(c *Config) { c.Lock.MaxRetries = -1 }},
		{"zero rate limit", func(c *Config) { c.RateLimit.DefaultLimit = 0 }},
		{"penalty cap below base", func(c *Config) { c.RateLimit.MaxPenaltyMS = 1 }},
		{"zero retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"delay cap below base", func(c *Config) { c.Retry.MaxDelayMS = 1 }},
		{"zero breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"zero open timeout", func(c *Config) { c.Breaker.OpenTimeoutMS = 0 }},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
