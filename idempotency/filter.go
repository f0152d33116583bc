package idempotency

import (
	"context"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-guard/core"
	"github.com/goliatone/go-guard/store"
)

const (
	DefaultNamespace = "idem"
	DefaultTTL       = 24 * time.Hour
)

// Filter suppresses duplicate event deliveries with an atomic test-and-set
// mark per event id. Marks expire after TTL so the keyspace stays bounded.
type Filter struct {
	Store     store.Store
	Namespace string
	TTL       time.Duration
	Observer  *core.Observer
	Now       func() time.Time
}

func New(st store.Store) *Filter {
	return &Filter{
		Store:     st,
		Namespace: DefaultNamespace,
		TTL:       DefaultTTL,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// CheckAndMark reports whether eventID was already seen and, if not, marks
// it in the same atomic step. When the store is unreachable it fails closed:
// the event is reported as a duplicate alongside the error, because
// re-processing after partial side effects is worse than a delayed retry.
// Callers must not process the event when err is non-nil.
func (f *Filter) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	if f == nil || f.Store == nil {
		return true, dependencyError("idempotency: store is required")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, validationError("idempotency: event id is required")
	}

	ttl := f.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := f.now()
	key := f.Store.BuildKey(f.namespace(), eventID)

	created, err := f.Store.SetIfNotExists(ctx, key, now.Format(time.RFC3339Nano), ttl)
	if err != nil {
		f.Observer.LogError(ctx, "idempotency check failed closed", map[string]any{
			"event_id": eventID,
			"policy":   "fail_closed",
			"error":    err.Error(),
		})
		f.Observer.RecordCounter(ctx, "idempotency.fail_closed.total", 1, map[string]string{
			"policy": "fail_closed",
		})
		return true, storeError(err)
	}
	return !created, nil
}

// Forget removes a mark so the event can be replayed manually.
func (f *Filter) Forget(ctx context.Context, eventID string) error {
	if f == nil || f.Store == nil {
		return dependencyError("idempotency: store is required")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return validationError("idempotency: event id is required")
	}
	if _, err := f.Store.Delete(ctx, f.Store.BuildKey(f.namespace(), eventID)); err != nil {
		return storeError(err)
	}
	return nil
}

func (f *Filter) namespace() string {
	if f == nil {
		return DefaultNamespace
	}
	namespace := strings.TrimSpace(f.Namespace)
	if namespace == "" {
		return DefaultNamespace
	}
	return namespace
}

func (f *Filter) now() time.Time {
	if f != nil && f.Now != nil {
		return f.Now().UTC()
	}
	return time.Now().UTC()
}

func validationError(message string) error {
	return core.EnsureGuardErrorEnvelope(
		goerrors.New(message, goerrors.CategoryBadInput).
			WithTextCode(core.GuardErrorValidation),
	)
}

func dependencyError(message string) error {
	return core.EnsureGuardErrorEnvelope(
		goerrors.New(message, goerrors.CategoryInternal).
			WithTextCode(core.GuardErrorInternal),
	)
}

func storeError(err error) error {
	return core.EnsureGuardErrorEnvelope(
		goerrors.Wrap(err, goerrors.CategoryExternal, "idempotency: store unavailable").
			WithTextCode(core.GuardErrorStoreUnavailable),
	)
}
