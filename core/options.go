package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

// ConfigProvider loads configuration from the host application, layered over
// the library defaults.
type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

// RawConfigLoader feeds the provider with an untyped config map, typically
// from files or the environment.
type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

// OptionsResolver merges defaults, loaded config, and runtime overrides into
// the effective Config.
type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// StaticRawConfigLoader serves a fixed map. Useful for tests and embedded
// deployments that configure the library in code.
type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver layers defaults under loaded config under runtime
// overrides; later scopes win per key.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	putString(layer, "service_name", cfg.ServiceName, includeZero)

	store := map[string]any{}
	putString(store, "prefix", cfg.Store.Prefix, includeZero)
	putSection(layer, "store", store)

	signature := map[string]any{}
	putString(signature, "header", cfg.Signature.Header, includeZero)
	putInt(signature, "tolerance_ms", cfg.Signature.ToleranceMS, includeZero)
	putSection(layer, "signature", signature)

	idempotency := map[string]any{}
	putInt(idempotency, "ttl_ms", cfg.Idempotency.TTLMS, includeZero)
	putSection(layer, "idempotency", idempotency)

	lock := map[string]any{}
	putInt(lock, "ttl_ms", cfg.Lock.TTLMS, includeZero)
	putInt(lock, "retry_delay_ms", cfg.Lock.RetryDelayMS, includeZero)
	putInt(lock, "max_retries", cfg.Lock.MaxRetries, includeZero)
	putSection(layer, "lock", lock)

	ratelimit := map[string]any{}
	putInt(ratelimit, "default_limit", cfg.RateLimit.DefaultLimit, includeZero)
	putInt(ratelimit, "default_window_ms", cfg.RateLimit.DefaultWindowMS, includeZero)
	putInt(ratelimit, "base_penalty_ms", cfg.RateLimit.BasePenaltyMS, includeZero)
	putInt(ratelimit, "max_penalty_ms", cfg.RateLimit.MaxPenaltyMS, includeZero)
	putSection(layer, "ratelimit", ratelimit)

	retry := map[string]any{}
	putInt(retry, "max_attempts", cfg.Retry.MaxAttempts, includeZero)
	putInt(retry, "base_delay_ms", cfg.Retry.BaseDelayMS, includeZero)
	putInt(retry, "max_delay_ms", cfg.Retry.MaxDelayMS, includeZero)
	putSection(layer, "retry", retry)

	breaker := map[string]any{}
	putInt(breaker, "failure_threshold", cfg.Breaker.FailureThreshold, includeZero)
	putInt(breaker, "open_timeout_ms", cfg.Breaker.OpenTimeoutMS, includeZero)
	putSection(layer, "breaker", breaker)

	return layer
}

func putString(section map[string]any, key string, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		section[key] = value
	}
}

func putInt(section map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		section[key] = value
	}
}

func putSection(layer map[string]any, key string, section map[string]any) {
	if len(section) > 0 {
		layer[key] = section
	}
}
