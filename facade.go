package guard

import (
	"context"
	"fmt"

	guardcommand "github.com/goliatone/go-guard/command"
)

// Commands bundles the operator command handlers wired to one service.
// Hosts register them on a go-command dispatcher or execute them
// directly from admin endpoints.
type Commands struct {
	ReleaseLock     *guardcommand.ReleaseLockCommand
	ResetCircuit    *guardcommand.ResetCircuitCommand
	ResetViolations *guardcommand.ResetViolationsCommand
	UpsertLimitRule *guardcommand.UpsertLimitRuleCommand
	DeleteLimitRule *guardcommand.DeleteLimitRuleCommand
	ForgetDelivery  *guardcommand.ForgetDeliveryCommand
	InvalidateCache *guardcommand.InvalidateCacheCommand
	PurgeExpired    *guardcommand.PurgeExpiredCommand
}

// Facade exposes the operator surface of a service: every admin command
// pre-wired to the service components.
type Facade struct {
	service  *Service
	commands Commands
}

type facadeOptions struct {
	ruleAdmin   guardcommand.RuleAdminService
	purger      guardcommand.ExpiredPurger
	invalidator func(ctx context.Context, key string) error
}

// FacadeOption customizes facade construction.
type FacadeOption func(*facadeOptions)

// WithRuleAdmin overrides the rule write surface. Absent, the facade
// uses the service rule store when it supports writes.
func WithRuleAdmin(admin guardcommand.RuleAdminService) FacadeOption {
	return func(o *facadeOptions) {
		o.ruleAdmin = admin
	}
}

// WithExpiredPurger overrides the expired-entry purge surface. Absent,
// the facade uses the service store when it supports purging.
func WithExpiredPurger(purger guardcommand.ExpiredPurger) FacadeOption {
	return func(o *facadeOptions) {
		o.purger = purger
	}
}

// WithCacheInvalidator supplies the per-key invalidation the cache
// command delegates to.
func WithCacheInvalidator(invalidate func(ctx context.Context, key string) error) FacadeOption {
	return func(o *facadeOptions) {
		o.invalidator = invalidate
	}
}

// NewFacade wires the admin commands to service. Commands whose backing
// capability is absent still construct; they report a dependency error
// when executed.
func NewFacade(service *Service, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("guard: service is required")
	}

	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	ruleAdmin := cfg.ruleAdmin
	if ruleAdmin == nil {
		ruleAdmin = resolveRuleAdmin(service)
	}
	purger := cfg.purger
	if purger == nil {
		purger = resolveExpiredPurger(service)
	}

	return &Facade{
		service: service,
		commands: Commands{
			ReleaseLock:     guardcommand.NewReleaseLockCommand(service.Locks()),
			ResetCircuit:    guardcommand.NewResetCircuitCommand(service.Breakers()),
			ResetViolations: guardcommand.NewResetViolationsCommand(service.RateLimiter()),
			UpsertLimitRule: guardcommand.NewUpsertLimitRuleCommand(ruleAdmin),
			DeleteLimitRule: guardcommand.NewDeleteLimitRuleCommand(ruleAdmin),
			ForgetDelivery:  guardcommand.NewForgetDeliveryCommand(service.Idempotency()),
			InvalidateCache: guardcommand.NewInvalidateCacheCommand(cfg.invalidator),
			PurgeExpired:    guardcommand.NewPurgeExpiredCommand(purger),
		},
	}, nil
}

// resolveRuleAdmin surfaces the service rule store as a write surface
// when it supports writes. The in-process store, the SQL store, and the
// cached decorator all do.
func resolveRuleAdmin(service *Service) guardcommand.RuleAdminService {
	if admin, ok := service.RuleStore().(guardcommand.RuleAdminService); ok {
		return admin
	}
	return nil
}

// resolveExpiredPurger surfaces the backing store as a purge target when
// it supports one. Only logical-TTL stores do; stores with native expiry
// have nothing to purge.
func resolveExpiredPurger(service *Service) guardcommand.ExpiredPurger {
	if purger, ok := service.Store().(guardcommand.ExpiredPurger); ok {
		return purger
	}
	return nil
}

// Commands returns the wired command bundle.
func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

// Service returns the service the facade administers.
func (f *Facade) Service() *Service {
	if f == nil {
		return nil
	}
	return f.service
}
