package guard

import (
	"context"
	"fmt"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-guard/core"
	"github.com/goliatone/go-guard/idempotency"
	"github.com/goliatone/go-guard/ingress"
	"github.com/goliatone/go-guard/lock"
	"github.com/goliatone/go-guard/ratelimit"
	"github.com/goliatone/go-guard/resilience"
	"github.com/goliatone/go-guard/signature"
	"github.com/goliatone/go-guard/store"
)

// Service owns one resolved guard runtime: the layered configuration,
// the shared observer, and the component set wired to a common store.
type Service struct {
	config          core.Config
	logger          core.Logger
	loggerProvider  core.LoggerProvider
	metricsRecorder core.MetricsRecorder
	errorFactory    core.ErrorFactory
	errorMapper     core.ErrorMapper
	configProvider  core.ConfigProvider
	optionsResolver core.OptionsResolver
	observer        *core.Observer

	store     store.Store
	ruleStore ratelimit.RuleStore
	verifier  *signature.Verifier
	filter    *idempotency.Filter
	locks     *lock.Manager
	limiter   *ratelimit.Limiter
	breakers  *resilience.BreakerGroup
}

// ServiceDependencies mirrors the resolved collaborators for hosts that
// fold guard into a larger dependency graph.
type ServiceDependencies struct {
	Logger          core.Logger
	LoggerProvider  core.LoggerProvider
	MetricsRecorder core.MetricsRecorder
	ErrorFactory    core.ErrorFactory
	ErrorMapper     core.ErrorMapper
	ConfigProvider  core.ConfigProvider
	OptionsResolver core.OptionsResolver
	Observer        *core.Observer
	Store           store.Store
	RuleStore       ratelimit.RuleStore
}

// New resolves configuration as defaults, then loaded values, then the
// runtime overrides in cfg, and assembles the component set. Zero fields
// in cfg inherit from the lower layers.
func New(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(builder)
	}

	_, logger := glog.Resolve("guard", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if builder.loggerProvider != nil {
		if named := builder.loggerProvider.GetLogger("guard"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.metricsRecorder == nil {
		builder.metricsRecorder = core.NopMetricsRecorder{}
	}
	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.errorMapper == nil {
		builder.errorMapper = core.DefaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = core.NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = core.GoOptionsResolver{}
	}

	defaults := core.DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	backing := builder.store
	if backing == nil {
		backing = store.NewMemoryStore(finalConfig.Store.Prefix)
	}
	rules := builder.ruleStore
	if rules == nil {
		rules = ratelimit.NewMemoryRuleStore()
	}

	observer := core.NewObserver(logger, builder.metricsRecorder, finalConfig.ServiceName)

	svc := &Service{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  builder.loggerProvider,
		metricsRecorder: builder.metricsRecorder,
		errorFactory:    builder.errorFactory,
		errorMapper:     builder.errorMapper,
		configProvider:  builder.configProvider,
		optionsResolver: builder.optionsResolver,
		observer:        observer,
		store:           backing,
		ruleStore:       rules,
	}

	if secret := strings.TrimSpace(builder.signingSecret); secret != "" {
		verifier := signature.New(secret)
		if header := strings.TrimSpace(finalConfig.Signature.Header); header != "" {
			verifier.Header = header
		}
		verifier.Tolerance = finalConfig.Signature.Tolerance()
		svc.verifier = verifier
	}

	filter := idempotency.New(backing)
	filter.TTL = finalConfig.Idempotency.TTL()
	filter.Observer = observer
	svc.filter = filter

	locks := lock.NewManager(backing)
	locks.RetryDelay = finalConfig.Lock.RetryDelay()
	locks.Observer = observer
	svc.locks = locks

	limiter := ratelimit.NewLimiter(backing)
	limiter.Rules = rules
	limiter.Default = ratelimit.Rule{
		Algorithm:   ratelimit.AlgorithmFixedWindow,
		Limit:       finalConfig.RateLimit.DefaultLimit,
		Window:      finalConfig.RateLimit.DefaultWindow(),
		BasePenalty: finalConfig.RateLimit.BasePenalty(),
	}
	limiter.MaxPenalty = finalConfig.RateLimit.MaxPenalty()
	limiter.Observer = observer
	svc.limiter = limiter

	svc.breakers = &resilience.BreakerGroup{
		Threshold:   finalConfig.Breaker.FailureThreshold,
		OpenTimeout: finalConfig.Breaker.OpenTimeout(),
		Observer:    observer,
	}

	return svc, nil
}

// Setup is an alias for New kept for hosts that assemble guard during
// application boot alongside other go-services style modules.
func Setup(cfg Config, opts ...Option) (*Service, error) {
	return New(cfg, opts...)
}

func mapBuildError(mapper core.ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper != nil {
		if mapped := mapper(err); mapped != nil {
			return mapped
		}
	}
	return err
}

// Config returns the resolved configuration.
func (s *Service) Config() core.Config {
	if s == nil {
		return core.Config{}
	}
	return s.config
}

// Logger returns the logger guard components record through.
func (s *Service) Logger() core.Logger {
	if s == nil {
		return nil
	}
	return s.logger
}

// Observer returns the shared logging and metrics fan-out.
func (s *Service) Observer() *core.Observer {
	if s == nil {
		return nil
	}
	return s.observer
}

// Store returns the key-value backend the components share.
func (s *Service) Store() store.Store {
	if s == nil {
		return nil
	}
	return s.store
}

// RuleStore returns the tenant rule source the limiter consults.
func (s *Service) RuleStore() ratelimit.RuleStore {
	if s == nil {
		return nil
	}
	return s.ruleStore
}

// Verifier returns the signature gate, or nil when no signing secret
// was configured.
func (s *Service) Verifier() *signature.Verifier {
	if s == nil {
		return nil
	}
	return s.verifier
}

// Idempotency returns the duplicate delivery filter.
func (s *Service) Idempotency() *idempotency.Filter {
	if s == nil {
		return nil
	}
	return s.filter
}

// Locks returns the distributed lock manager.
func (s *Service) Locks() *lock.Manager {
	if s == nil {
		return nil
	}
	return s.locks
}

// RateLimiter returns the store-backed limiter.
func (s *Service) RateLimiter() *ratelimit.Limiter {
	if s == nil {
		return nil
	}
	return s.limiter
}

// Breakers returns the per-key circuit breaker group.
func (s *Service) Breakers() *resilience.BreakerGroup {
	if s == nil {
		return nil
	}
	return s.breakers
}

// Dependencies returns the resolved collaborators.
func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:          s.logger,
		LoggerProvider:  s.loggerProvider,
		MetricsRecorder: s.metricsRecorder,
		ErrorFactory:    s.errorFactory,
		ErrorMapper:     s.errorMapper,
		ConfigProvider:  s.configProvider,
		OptionsResolver: s.optionsResolver,
		Observer:        s.observer,
		Store:           s.store,
		RuleStore:       s.ruleStore,
	}
}

// RetryConfig materializes the retry budget from the resolved
// configuration.
func (s *Service) RetryConfig() resilience.RetryConfig {
	if s == nil {
		return resilience.RetryConfig{}
	}
	return resilience.RetryConfig{
		MaxAttempts: s.config.Retry.MaxAttempts,
		BaseDelay:   s.config.Retry.BaseDelay(),
		MaxDelay:    s.config.Retry.MaxDelay(),
	}
}

// Retry runs op under the configured retry budget.
func (s *Service) Retry(ctx context.Context, op func(context.Context) error) error {
	return resilience.Retry(ctx, s.RetryConfig(), op)
}

// WithLock runs fn while holding the named lock, using the configured
// lease duration and retry budget. The lock is released when fn returns
// or panics.
func (s *Service) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if s == nil || s.locks == nil {
		return fmt.Errorf("guard: lock manager is not configured")
	}
	return s.locks.WithLock(ctx, key, s.config.Lock.TTL(), s.config.Lock.MaxRetries, fn)
}

// AcquireLock acquires the named lock using the configured lease
// duration and retry budget. The caller owns the returned handle.
func (s *Service) AcquireLock(ctx context.Context, key string) (*lock.Handle, error) {
	if s == nil || s.locks == nil {
		return nil, fmt.Errorf("guard: lock manager is not configured")
	}
	return s.locks.Acquire(ctx, key, s.config.Lock.TTL(), s.config.Lock.MaxRetries)
}

// Pipeline assembles an inbound pipeline over the service components
// with handler as the accepted-delivery sink. Each call returns a fresh
// pipeline, so hosts can run several with distinct handlers or rules.
func (s *Service) Pipeline(handler ingress.Handler) *ingress.Pipeline {
	if s == nil {
		return nil
	}
	return &ingress.Pipeline{
		Verifier: s.verifier,
		Filter:   s.filter,
		Limiter:  s.limiter,
		Breaker:  s.breakers,
		Handler:  handler,
		Observer: s.observer,
	}
}
