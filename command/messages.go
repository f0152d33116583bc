package command

import (
	"strings"
	"time"

	"github.com/goliatone/go-guard/ratelimit"
)

const (
	TypeReleaseLock     = "guard.command.lock.release"
	TypeResetCircuit    = "guard.command.circuit.reset"
	TypeResetViolations = "guard.command.ratelimit.violations.reset"
	TypeUpsertLimitRule = "guard.command.ratelimit.rule.upsert"
	TypeDeleteLimitRule = "guard.command.ratelimit.rule.delete"
	TypeForgetDelivery  = "guard.command.idempotency.forget"
	TypeInvalidateCache = "guard.command.cache.invalidate"
	TypePurgeExpired    = "guard.command.store.purge_expired"
)

// ReleaseLockMessage cuts a lease short. Token must be the holder token
// from the lease owner's logs; a stale token is a no-op, not an error.
type ReleaseLockMessage struct {
	Key   string
	Token string
}

func (ReleaseLockMessage) Type() string { return TypeReleaseLock }

func (m ReleaseLockMessage) Validate() error {
	if strings.TrimSpace(m.Key) == "" {
		return commandValidationError("key", "lock key is required")
	}
	if strings.TrimSpace(m.Token) == "" {
		return commandValidationError("token", "holder token is required")
	}
	return nil
}

type ResetCircuitMessage struct {
	Key string
}

func (ResetCircuitMessage) Type() string { return TypeResetCircuit }

func (m ResetCircuitMessage) Validate() error {
	if strings.TrimSpace(m.Key) == "" {
		return commandValidationError("key", "circuit key is required")
	}
	return nil
}

// ResetViolationsMessage lifts a tenant's backoff penalty for one
// operation.
type ResetViolationsMessage struct {
	Tenant    string
	Operation string
}

func (ResetViolationsMessage) Type() string { return TypeResetViolations }

func (m ResetViolationsMessage) Validate() error {
	if strings.TrimSpace(m.Tenant) == "" {
		return commandValidationError("tenant", "tenant is required")
	}
	if strings.TrimSpace(m.Operation) == "" {
		return commandValidationError("operation", "operation is required")
	}
	return nil
}

type UpsertLimitRuleMessage struct {
	Tenant    string
	Operation string
	Rule      ratelimit.Rule
}

func (UpsertLimitRuleMessage) Type() string { return TypeUpsertLimitRule }

func (m UpsertLimitRuleMessage) Validate() error {
	if strings.TrimSpace(m.Tenant) == "" {
		return commandValidationError("tenant", "tenant is required")
	}
	if strings.TrimSpace(m.Operation) == "" {
		return commandValidationError("operation", "operation is required")
	}
	return commandWrapValidation(m.Rule.Validate(), "command: limit rule is invalid")
}

type DeleteLimitRuleMessage struct {
	Tenant    string
	Operation string
}

func (DeleteLimitRuleMessage) Type() string { return TypeDeleteLimitRule }

func (m DeleteLimitRuleMessage) Validate() error {
	if strings.TrimSpace(m.Tenant) == "" {
		return commandValidationError("tenant", "tenant is required")
	}
	if strings.TrimSpace(m.Operation) == "" {
		return commandValidationError("operation", "operation is required")
	}
	return nil
}

// ForgetDeliveryMessage drops an idempotency marker so a delivery can be
// replayed on purpose.
type ForgetDeliveryMessage struct {
	EventID string
}

func (ForgetDeliveryMessage) Type() string { return TypeForgetDelivery }

func (m ForgetDeliveryMessage) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return commandValidationError("event_id", "event id is required")
	}
	return nil
}

type InvalidateCacheMessage struct {
	Keys            []string
	MaxParallel     int
	ContinueOnError bool
}

func (InvalidateCacheMessage) Type() string { return TypeInvalidateCache }

func (m InvalidateCacheMessage) Validate() error {
	if len(m.Keys) == 0 {
		return commandValidationError("keys", "at least one cache key is required")
	}
	for _, key := range m.Keys {
		if strings.TrimSpace(key) == "" {
			return commandValidationError("keys", "cache keys cannot be blank")
		}
	}
	return nil
}

// PurgeExpiredMessage removes lapsed rows from the SQL-backed store. A
// zero Before purges everything expired as of now.
type PurgeExpiredMessage struct {
	Before time.Time
}

func (PurgeExpiredMessage) Type() string { return TypePurgeExpired }

func (m PurgeExpiredMessage) Validate() error {
	return nil
}
