package guard

import (
	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-guard/core"
	"github.com/goliatone/go-guard/ratelimit"
	"github.com/goliatone/go-guard/store"
)

type serviceBuilder struct {
	runtimeConfig   core.Config
	logger          core.Logger
	loggerProvider  core.LoggerProvider
	metricsRecorder core.MetricsRecorder
	errorFactory    core.ErrorFactory
	errorMapper     core.ErrorMapper
	configProvider  core.ConfigProvider
	optionsResolver core.OptionsResolver
	store           store.Store
	ruleStore       ratelimit.RuleStore
	signingSecret   string
}

func defaultServiceBuilder(cfg core.Config) *serviceBuilder {
	return &serviceBuilder{
		runtimeConfig:   cfg,
		metricsRecorder: core.NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     core.DefaultErrorMapper,
		configProvider:  core.NewCfgxConfigProvider(nil),
		optionsResolver: core.GoOptionsResolver{},
	}
}

// Option customizes service construction.
type Option func(*serviceBuilder)

// WithLogger installs the logger guard components record through.
func WithLogger(logger core.Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

// WithLoggerProvider resolves the guard logger from the host's named
// logger registry. A provider takes precedence over WithLogger.
func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

// WithMetricsRecorder installs the sink for decision counters and
// latency histograms.
func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

// WithErrorFactory overrides how the service mints domain errors.
func WithErrorFactory(factory core.ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

// WithErrorMapper overrides how build failures are normalized.
func WithErrorMapper(mapper core.ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

// WithConfigProvider layers loaded configuration between the defaults
// and the runtime overrides.
func WithConfigProvider(provider core.ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

// WithOptionsResolver overrides the layering strategy that merges
// defaults, loaded, and runtime configuration.
func WithOptionsResolver(resolver core.OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

// WithStore installs the key-value backend shared by the idempotency
// filter, lock manager, and rate limiter. Absent, the service runs on an
// in-process store.
func WithStore(st store.Store) Option {
	return func(b *serviceBuilder) {
		b.store = st
	}
}

// WithRuleStore installs the tenant rule source the limiter consults
// before falling back to the default rule.
func WithRuleStore(rules ratelimit.RuleStore) Option {
	return func(b *serviceBuilder) {
		b.ruleStore = rules
	}
}

// WithSigningSecret enables signature verification on the pipeline.
// Without a secret the service skips the signature gate.
func WithSigningSecret(secret string) Option {
	return func(b *serviceBuilder) {
		b.signingSecret = secret
	}
}
