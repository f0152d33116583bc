package command

import (
	"context"
	"strings"
	"time"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-guard/ratelimit"
	"github.com/goliatone/go-guard/resilience"
)

// LockAdminService is the slice of the lock manager operator commands
// need.
type LockAdminService interface {
	ForceRelease(ctx context.Context, key string, token string) (bool, error)
}

type CircuitAdminService interface {
	Reset(ctx context.Context, key string)
	State(key string) resilience.State
}

type ViolationResetter interface {
	ResetViolations(ctx context.Context, key string) error
}

// RuleAdminService writes limit rules. Both the SQL rule store and its
// cached decorator satisfy it.
type RuleAdminService interface {
	Upsert(ctx context.Context, tenant string, operation string, rule ratelimit.Rule) error
	Delete(ctx context.Context, tenant string, operation string) (bool, error)
}

type DeliveryForgetter interface {
	Forget(ctx context.Context, eventID string) error
}

type ExpiredPurger interface {
	PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type ReleaseLockCommand struct {
	locks LockAdminService
}

func NewReleaseLockCommand(locks LockAdminService) *ReleaseLockCommand {
	return &ReleaseLockCommand{locks: locks}
}

func (c *ReleaseLockCommand) Execute(ctx context.Context, msg ReleaseLockMessage) error {
	if c == nil || c.locks == nil {
		return commandDependencyError("command: lock manager is required")
	}
	released, err := c.locks.ForceRelease(ctx, msg.Key, msg.Token)
	if err != nil {
		return err
	}
	storeResult(ctx, released)
	return nil
}

type ResetCircuitCommand struct {
	breakers CircuitAdminService
}

func NewResetCircuitCommand(breakers CircuitAdminService) *ResetCircuitCommand {
	return &ResetCircuitCommand{breakers: breakers}
}

func (c *ResetCircuitCommand) Execute(ctx context.Context, msg ResetCircuitMessage) error {
	if c == nil || c.breakers == nil {
		return commandDependencyError("command: breaker group is required")
	}
	c.breakers.Reset(ctx, msg.Key)
	storeResult(ctx, c.breakers.State(msg.Key))
	return nil
}

type ResetViolationsCommand struct {
	limiter ViolationResetter
}

func NewResetViolationsCommand(limiter ViolationResetter) *ResetViolationsCommand {
	return &ResetViolationsCommand{limiter: limiter}
}

func (c *ResetViolationsCommand) Execute(ctx context.Context, msg ResetViolationsMessage) error {
	if c == nil || c.limiter == nil {
		return commandDependencyError("command: rate limiter is required")
	}
	key := strings.TrimSpace(msg.Tenant) + ":" + strings.TrimSpace(msg.Operation)
	return c.limiter.ResetViolations(ctx, key)
}

type UpsertLimitRuleCommand struct {
	rules RuleAdminService
}

func NewUpsertLimitRuleCommand(rules RuleAdminService) *UpsertLimitRuleCommand {
	return &UpsertLimitRuleCommand{rules: rules}
}

func (c *UpsertLimitRuleCommand) Execute(ctx context.Context, msg UpsertLimitRuleMessage) error {
	if c == nil || c.rules == nil {
		return commandDependencyError("command: rule store is required")
	}
	return c.rules.Upsert(ctx, msg.Tenant, msg.Operation, msg.Rule)
}

type DeleteLimitRuleCommand struct {
	rules RuleAdminService
}

func NewDeleteLimitRuleCommand(rules RuleAdminService) *DeleteLimitRuleCommand {
	return &DeleteLimitRuleCommand{rules: rules}
}

func (c *DeleteLimitRuleCommand) Execute(ctx context.Context, msg DeleteLimitRuleMessage) error {
	if c == nil || c.rules == nil {
		return commandDependencyError("command: rule store is required")
	}
	existed, err := c.rules.Delete(ctx, msg.Tenant, msg.Operation)
	if err != nil {
		return err
	}
	storeResult(ctx, existed)
	return nil
}

type ForgetDeliveryCommand struct {
	filter DeliveryForgetter
}

func NewForgetDeliveryCommand(filter DeliveryForgetter) *ForgetDeliveryCommand {
	return &ForgetDeliveryCommand{filter: filter}
}

func (c *ForgetDeliveryCommand) Execute(ctx context.Context, msg ForgetDeliveryMessage) error {
	if c == nil || c.filter == nil {
		return commandDependencyError("command: idempotency filter is required")
	}
	return c.filter.Forget(ctx, msg.EventID)
}

type InvalidateCacheCommand struct {
	invalidate func(ctx context.Context, key string) error
}

func NewInvalidateCacheCommand(invalidate func(ctx context.Context, key string) error) *InvalidateCacheCommand {
	return &InvalidateCacheCommand{invalidate: invalidate}
}

func (c *InvalidateCacheCommand) Execute(ctx context.Context, msg InvalidateCacheMessage) error {
	if c == nil || c.invalidate == nil {
		return commandDependencyError("command: cache invalidation function is required")
	}
	report, err := resilience.SafeCacheInvalidation(ctx, msg.Keys, c.invalidate, resilience.InvalidationOptions{
		MaxParallel:     msg.MaxParallel,
		ContinueOnError: msg.ContinueOnError,
	})
	if err != nil {
		return err
	}
	storeResult(ctx, report)
	return nil
}

type PurgeExpiredCommand struct {
	store ExpiredPurger
}

func NewPurgeExpiredCommand(store ExpiredPurger) *PurgeExpiredCommand {
	return &PurgeExpiredCommand{store: store}
}

func (c *PurgeExpiredCommand) Execute(ctx context.Context, msg PurgeExpiredMessage) error {
	if c == nil || c.store == nil {
		return commandDependencyError("command: purgeable store is required")
	}
	purged, err := c.store.PurgeExpiredBefore(ctx, msg.Before)
	if err != nil {
		return err
	}
	storeResult(ctx, purged)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
