package core

import (
	"context"
	"testing"
)

func TestCfgxConfigProvider_LayersRawOverDefaults(t *testing.T) {
	provider := NewCfgxConfigProvider(StaticRawConfigLoader{Values: map[string]any{
		"service_name": "edge-guard",
		"lock":         map[string]any{"max_retries": 7},
	}})

	cfg, err := provider.Load(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ServiceName != "edge-guard" {
		t.Fatalf("expected raw service name, got %q", cfg.ServiceName)
	}
	if cfg.Lock.MaxRetries != 7 {
		t.Fatalf("expected raw lock retries, got %d", cfg.Lock.MaxRetries)
	}
	if cfg.Signature.ToleranceMS != DefaultConfig().Signature.ToleranceMS {
		t.Fatalf("expected default tolerance to survive, got %d", cfg.Signature.ToleranceMS)
	}
}

func TestCfgxConfigProvider_NilProviderReturnsDefaults(t *testing.T) {
	var provider *CfgxConfigProvider
	cfg, err := provider.Load(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ServiceName != DefaultConfig().ServiceName {
		t.Fatalf("expected defaults, got %q", cfg.ServiceName)
	}
}

func TestGoOptionsResolver_RuntimeWinsOverLoaded(t *testing.T) {
	defaults := DefaultConfig()

	loaded := defaults
	loaded.ServiceName = "loaded-guard"
	loaded.Lock.MaxRetries = 5

	runtime := Config{}
	runtime.Lock.MaxRetries = 9

	resolved, err := GoOptionsResolver{}.Resolve(defaults, loaded, runtime)
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	if resolved.Lock.MaxRetries != 9 {
		t.Fatalf("expected runtime lock retries to win, got %d", resolved.Lock.MaxRetries)
	}
	if resolved.ServiceName != "loaded-guard" {
		t.Fatalf("expected loaded service name to survive, got %q", resolved.ServiceName)
	}
	if resolved.Breaker.FailureThreshold != defaults.Breaker.FailureThreshold {
		t.Fatalf("expected default breaker threshold, got %d", resolved.Breaker.FailureThreshold)
	}
}

func TestGoOptionsResolver_RejectsInvalidMerge(t *testing.T) {
	defaults := DefaultConfig()
	runtime := Config{}
	runtime.Retry.BaseDelayMS = -10

	if _, err := (GoOptionsResolver{}).Resolve(defaults, Config{}, runtime); err == nil {
		t.Fatalf("expected validation error for negative base delay")
	}
}
