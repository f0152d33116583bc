package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/goliatone/go-guard/core"
	"github.com/goliatone/go-guard/store"
)

const (
	DefaultNamespace  = "lock"
	DefaultTTL        = 30 * time.Second
	DefaultRetryDelay = 150 * time.Millisecond
)

// ErrNotAcquired reports that the lease stayed contended through every
// allowed attempt.
var ErrNotAcquired = errors.New("lock: lease not acquired")

// Manager hands out TTL-leased locks fenced by a per-acquisition holder
// token. Every mutation is compare-and-act on that token, so an expired
// holder can never release or extend a lease someone else now owns.
type Manager struct {
	Store      store.Store
	Namespace  string
	RetryDelay time.Duration
	Observer   *core.Observer
}

func NewManager(st store.Store) *Manager {
	return &Manager{
		Store:      st,
		Namespace:  DefaultNamespace,
		RetryDelay: DefaultRetryDelay,
	}
}

// Acquire claims key for ttl, retrying up to maxRetries additional times
// with a context-aware pause between attempts. Exhaustion returns
// ErrNotAcquired wrapped in a conflict envelope.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration, maxRetries int) (*Handle, error) {
	if m == nil || m.Store == nil {
		return nil, dependencyError("lock: store is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, validationError("lock: key is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	token := uuid.NewString()
	lockKey := m.Store.BuildKey(m.namespace(), key)

	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		created, err := m.Store.SetIfNotExists(ctx, lockKey, token, ttl)
		if err != nil {
			return nil, storeError(err)
		}
		if created {
			return &Handle{Key: key, Token: token, manager: m}, nil
		}
		if attempt == maxRetries {
			break
		}
		if err := core.WaitWithContext(ctx, m.retryDelay()); err != nil {
			return nil, err
		}
	}

	m.Observer.RecordCounter(ctx, "lock.contended.total", 1, map[string]string{"status": "exhausted"})
	return nil, notAcquiredError(key, attempts)
}

// WithLock runs fn while holding key. The lease is released on every exit
// path; panics propagate after the release.
func (m *Manager) WithLock(ctx context.Context, key string, ttl time.Duration, maxRetries int, fn func(ctx context.Context) error) error {
	if fn == nil {
		return validationError("lock: fn is required")
	}
	handle, err := m.Acquire(ctx, key, ttl, maxRetries)
	if err != nil {
		return err
	}
	defer func() {
		if _, releaseErr := handle.Release(ctx); releaseErr != nil {
			m.Observer.LogError(ctx, "lock release failed", map[string]any{
				"lock_key": key,
				"error":    releaseErr.Error(),
			})
		}
	}()
	return fn(ctx)
}

// ForceRelease deletes the lease on key iff token still holds it. It
// serves operator tooling; holders release through their Handle.
func (m *Manager) ForceRelease(ctx context.Context, key string, token string) (bool, error) {
	if m == nil || m.Store == nil {
		return false, dependencyError("lock: store is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, validationError("lock: key is required")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return false, validationError("lock: holder token is required")
	}
	return m.compareAndAct(ctx, store.CompareAndDelete, key, token)
}

// IsNotAcquired reports whether err means the lease stayed contended.
func IsNotAcquired(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotAcquired) {
		return true
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return strings.EqualFold(richErr.TextCode, core.GuardErrorLockNotAcquired)
	}
	return false
}

// Handle is one holder's lease on a key.
type Handle struct {
	Key   string
	Token string

	manager     *Manager
	releaseOnce sync.Once
	releasedOK  bool
	releasedErr error
}

// Release deletes the lease iff this holder's token is still present.
// An expired or stolen lease yields (false, nil), never an error. Repeat
// calls return the first outcome.
func (h *Handle) Release(ctx context.Context) (bool, error) {
	if h == nil || h.manager == nil || h.manager.Store == nil {
		return false, dependencyError("lock: handle is not bound to a manager")
	}
	h.releaseOnce.Do(func() {
		h.releasedOK, h.releasedErr = h.manager.compareAndAct(ctx, store.CompareAndDelete, h.Key, h.Token)
	})
	return h.releasedOK, h.releasedErr
}

// Extend resets the lease TTL iff this holder's token is still present.
func (h *Handle) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	if h == nil || h.manager == nil || h.manager.Store == nil {
		return false, dependencyError("lock: handle is not bound to a manager")
	}
	if ttl <= 0 {
		return false, validationError("lock: extend ttl must be positive")
	}
	return h.manager.compareAndAct(ctx, store.CompareAndExtend, h.Key, h.Token, ttl.Milliseconds())
}

func (m *Manager) compareAndAct(ctx context.Context, script store.Script, key string, token string, extra ...any) (bool, error) {
	lockKey := m.Store.BuildKey(m.namespace(), key)
	args := append([]any{token}, extra...)
	result, err := m.Store.Eval(ctx, script, []string{lockKey}, args...)
	if err != nil {
		return false, storeError(err)
	}
	matched, ok := store.Int64(result)
	if !ok {
		return false, dependencyError("lock: unexpected script result")
	}
	return matched == 1, nil
}

func (m *Manager) namespace() string {
	if m == nil {
		return DefaultNamespace
	}
	namespace := strings.TrimSpace(m.Namespace)
	if namespace == "" {
		return DefaultNamespace
	}
	return namespace
}

func (m *Manager) retryDelay() time.Duration {
	if m == nil || m.RetryDelay <= 0 {
		return DefaultRetryDelay
	}
	return m.RetryDelay
}

func notAcquiredError(key string, attempts int) error {
	return core.EnsureGuardErrorEnvelope(
		goerrors.Wrap(ErrNotAcquired, goerrors.CategoryConflict, "lock: lease not acquired").
			WithTextCode(core.GuardErrorLockNotAcquired).
			WithMetadata(map[string]any{
				"lock_key": key,
				"attempts": attempts,
			}),
	)
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
		goerrors.Wrap(err, goerrors.CategoryExternal, "lock: store unavailable").
			WithTextCode(core.GuardErrorStoreUnavailable),
	)
}
