// Package ratelimit throttles operations with four interchangeable
// algorithms backed by the shared atomic store. Store outages fail open:
// an unavailable limiter must never become a total-service outage.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-guard/core"
	"github.com/goliatone/go-guard/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultNamespace   = "ratelimit"
	DefaultLimit       = 100
	DefaultWindow      = time.Minute
	DefaultBasePenalty = time.Minute
	DefaultMaxPenalty  = time.Hour
)

type Algorithm string

const (
	AlgorithmFixedWindow   Algorithm = "fixed_window"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmTokenBucket   Algorithm = "token_bucket"
	AlgorithmBackoff       Algorithm = "backoff"
)

// Rule configures a single limit. Limit and Window drive the window
// algorithms, Capacity and RefillRate drive the token bucket, and
// BasePenalty seeds the backoff penalty curve.
type Rule struct {
	Algorithm   Algorithm
	Limit       int
	Window      time.Duration
	Capacity    int
	RefillRate  float64
	BasePenalty time.Duration
}

func (r Rule) Validate() error {
	switch r.Algorithm {
	case AlgorithmFixedWindow, AlgorithmSlidingWindow:
		if r.Limit <= 0 {
			return validationError("limit", "rate limit rule requires a positive limit")
		}
		if r.Window <= 0 {
			return validationError("window", "rate limit rule requires a positive window")
		}
	case AlgorithmBackoff:
		if r.Limit <= 0 {
			return validationError("limit", "rate limit rule requires a positive limit")
		}
		if r.Window <= 0 {
			return validationError("window", "rate limit rule requires a positive window")
		}
		if r.BasePenalty < 0 {
			return validationError("base_penalty", "base penalty cannot be negative")
		}
	case AlgorithmTokenBucket:
		if r.Capacity <= 0 {
			return validationError("capacity", "token bucket requires a positive capacity")
		}
		if r.RefillRate <= 0 {
			return validationError("refill_rate", "token bucket requires a positive refill rate")
		}
	default:
		return validationError("algorithm", fmt.Sprintf("unknown rate limit algorithm %q", r.Algorithm))
	}
	return nil
}

// isZero reports whether the caller left rule selection to the limiter.
func (r Rule) isZero() bool {
	return r == Rule{}
}

// Decision is the outcome of a single limit check. Rejections are data,
// not errors; ToError converts one when the caller wants to propagate it.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Key        string
	Violations int
	FailedOpen bool
}

// ToError converts a rejected decision into a rich throttle error. Allowed
// decisions convert to nil.
func (d Decision) ToError() error {
	if d.Allowed {
		return nil
	}
	metadata := map[string]any{
		"rate_key":  d.Key,
		"limit":     d.Limit,
		"remaining": d.Remaining,
	}
	if d.RetryAfter > 0 {
		metadata["retry_after_ms"] = d.RetryAfter.Milliseconds()
	}
	if !d.ResetAt.IsZero() {
		metadata["reset_at"] = d.ResetAt.UTC().Format(time.RFC3339)
	}
	if d.Violations > 0 {
		metadata["violations"] = d.Violations
	}
	return core.EnsureGuardErrorEnvelope(
		goerrors.New(
			fmt.Sprintf("ratelimit: key %q exceeded limit %d", d.Key, d.Limit),
			goerrors.CategoryRateLimit,
		).
			WithCode(http.StatusTooManyRequests).
			WithTextCode(core.GuardErrorRateLimited).
			WithMetadata(metadata),
	)
}

// Check pairs a key with the rule to evaluate for it.
type Check struct {
	Key  string
	Rule Rule
}

// Limiter evaluates rules against the store. Rules is consulted by
// AllowFor; a nil registry falls back to Default.
type Limiter struct {
	Store      store.Store
	Rules      RuleStore
	Default    Rule
	Namespace  string
	MaxPenalty time.Duration
	Observer   *core.Observer

	// Now is injectable for deterministic window math in tests.
	Now func() time.Time
}

func NewLimiter(st store.Store) *Limiter {
	return &Limiter{
		Store:      st,
		Namespace:  DefaultNamespace,
		MaxPenalty: DefaultMaxPenalty,
	}
}

// Allow evaluates rule for key. A zero rule falls back to the limiter
// default. Store failures fail open: the decision reports Allowed=true
// with FailedOpen set and a nil error.
func (l *Limiter) Allow(ctx context.Context, key string, rule Rule) (Decision, error) {
	if l == nil || l.Store == nil {
		return Decision{}, dependencyError("rate limiter store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Decision{}, validationError("key", "rate limit key is required")
	}
	rule = l.withDefaults(rule)
	if err := rule.Validate(); err != nil {
		return Decision{}, err
	}

	now := l.now()
	var (
		decision Decision
		err      error
	)
	switch rule.Algorithm {
	case AlgorithmFixedWindow:
		decision, err = l.fixedWindow(ctx, key, rule, now)
	case AlgorithmSlidingWindow:
		decision, err = l.slidingWindow(ctx, key, rule, now)
	case AlgorithmTokenBucket:
		decision, err = l.tokenBucket(ctx, key, rule, now)
	case AlgorithmBackoff:
		decision, err = l.backoff(ctx, key, rule, now)
	}
	if err != nil {
		return l.failOpen(ctx, key, rule, err), nil
	}
	decision.Key = key
	return decision, nil
}

// AllowFor resolves the rule for a tenant and operation from the registry
// and evaluates it under the key "<tenant>:<operation>". Registry misses
// fall back to the limiter default; registry failures fail open.
func (l *Limiter) AllowFor(ctx context.Context, tenant, operation string) (Decision, error) {
	if l == nil || l.Store == nil {
		return Decision{}, dependencyError("rate limiter store is not configured")
	}
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return Decision{}, validationError("tenant", "tenant is required")
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		return Decision{}, validationError("operation", "operation is required")
	}

	key := tenant + ":" + operation
	rule := l.Default
	if l.Rules != nil {
		resolved, ok, err := l.Rules.Resolve(ctx, tenant, operation)
		if err != nil {
			return l.failOpen(ctx, key, l.withDefaults(rule), err), nil
		}
		if ok {
			rule = resolved
		}
	}
	return l.Allow(ctx, key, rule)
}

// CheckAll evaluates every check in parallel and joins the decisions in
// input order: the first rejection wins; when all pass, the decision with
// the smallest Remaining is the binding constraint.
func (l *Limiter) CheckAll(ctx context.Context, checks []Check) (Decision, error) {
	if l == nil || l.Store == nil {
		return Decision{}, dependencyError("rate limiter store is not configured")
	}
	if len(checks) == 0 {
		return Decision{Allowed: true}, nil
	}

	decisions := make([]Decision, len(checks))
	grp, grpCtx := errgroup.WithContext(ctx)
	for i, check := range checks {
		grp.Go(func() error {
			decision, err := l.Allow(grpCtx, check.Key, check.Rule)
			if err != nil {
				return err
			}
			decisions[i] = decision
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return Decision{}, err
	}

	winner := decisions[0]
	for _, decision := range decisions[1:] {
		if !winner.Allowed {
			break
		}
		if !decision.Allowed || decision.Remaining < winner.Remaining {
			winner = decision
		}
	}
	return winner, nil
}

// ResetViolations clears the backoff violation counter for key so an
// operator can lift a penalty manually.
func (l *Limiter) ResetViolations(ctx context.Context, key string) error {
	if l == nil || l.Store == nil {
		return dependencyError("rate limiter store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return validationError("key", "rate limit key is required")
	}
	if _, err := l.Store.Delete(ctx, l.violationsKey(key)); err != nil {
		return storeError(err)
	}
	return nil
}

func (l *Limiter) fixedWindow(ctx context.Context, key string, rule Rule, now time.Time) (Decision, error) {
	windowStart := now.Truncate(rule.Window)
	resetAt := windowStart.Add(rule.Window)
	bucket := l.Store.BuildKey(l.namespace(), key, strconv.FormatInt(windowStart.Unix(), 10))

	result, err := l.Store.Eval(ctx, store.FixedWindowIncr, []string{bucket}, resetAt.Sub(now).Milliseconds())
	if err != nil {
		return Decision{}, err
	}
	count, ok := store.Int64(result)
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: fixed window returned %T", result)
	}

	decision := Decision{
		Allowed:   count <= int64(rule.Limit),
		Limit:     rule.Limit,
		Remaining: remainingOf(rule.Limit, int(count)),
		ResetAt:   resetAt,
	}
	if !decision.Allowed {
		decision.RetryAfter = resetAt.Sub(now)
	}
	return decision, nil
}

func (l *Limiter) slidingWindow(ctx context.Context, key string, rule Rule, now time.Time) (Decision, error) {
	bucket := l.Store.BuildKey(l.namespace(), "sliding", key)

	result, err := l.Store.Eval(ctx, store.SlidingWindowCount, []string{bucket},
		now.UnixMilli(), rule.Window.Milliseconds(), rule.Limit, uuid.NewString())
	if err != nil {
		return Decision{}, err
	}
	values, ok := store.Values(result)
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: sliding window returned %T", result)
	}
	allowed, _ := store.Int64(values[0])
	count, _ := store.Int64(values[1])
	retryMillis, _ := store.Int64(values[2])

	decision := Decision{
		Allowed:   allowed == 1,
		Limit:     rule.Limit,
		Remaining: remainingOf(rule.Limit, int(count)),
	}
	if decision.Allowed {
		decision.ResetAt = now.Add(rule.Window)
	} else {
		decision.RetryAfter = time.Duration(retryMillis) * time.Millisecond
		decision.ResetAt = now.Add(decision.RetryAfter)
	}
	return decision, nil
}

func (l *Limiter) tokenBucket(ctx context.Context, key string, rule Rule, now time.Time) (Decision, error) {
	bucket := l.Store.BuildKey(l.namespace(), "bucket", key)
	// Once a bucket sits idle long enough to refill completely, dropping
	// its state is indistinguishable from keeping it.
	idle := time.Duration(math.Ceil(float64(rule.Capacity)/rule.RefillRate)) * time.Second

	result, err := l.Store.Eval(ctx, store.TokenBucketTake, []string{bucket},
		float64(rule.Capacity), rule.RefillRate, now.UnixMilli(), idle.Milliseconds())
	if err != nil {
		return Decision{}, err
	}
	values, ok := store.Values(result)
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: token bucket returned %T", result)
	}
	allowed, _ := store.Int64(values[0])
	tokens, _ := store.Float64(values[1])
	retryMillis, _ := store.Int64(values[2])

	decision := Decision{
		Allowed:   allowed == 1,
		Limit:     rule.Capacity,
		Remaining: int(math.Floor(tokens)),
	}
	if decision.Allowed {
		if tokens < float64(rule.Capacity) {
			refill := time.Duration((float64(rule.Capacity)-tokens)/rule.RefillRate*1000) * time.Millisecond
			decision.ResetAt = now.Add(refill)
		}
	} else {
		decision.RetryAfter = time.Duration(retryMillis) * time.Millisecond
		decision.ResetAt = now.Add(decision.RetryAfter)
	}
	return decision, nil
}

func (l *Limiter) backoff(ctx context.Context, key string, rule Rule, now time.Time) (Decision, error) {
	violationsKey := l.violationsKey(key)
	violations, err := l.violations(ctx, violationsKey)
	if err != nil {
		return Decision{}, err
	}

	effective := rule
	effective.Limit = effectiveLimit(rule.Limit, violations)
	decision, err := l.fixedWindow(ctx, key, effective, now)
	if err != nil {
		return Decision{}, err
	}
	decision.Violations = violations
	if decision.Allowed {
		return decision, nil
	}

	base := rule.BasePenalty
	if base <= 0 {
		base = DefaultBasePenalty
	}
	bumped, err := l.Store.Eval(ctx, store.ViolationBump, []string{violationsKey},
		base.Milliseconds(), l.maxPenalty().Milliseconds())
	if err != nil {
		return Decision{}, err
	}
	if count, ok := store.Int64(bumped); ok {
		decision.Violations = int(count)
	}

	if penalty := penaltyFor(base, l.maxPenalty(), violations); penalty > decision.RetryAfter {
		decision.RetryAfter = penalty
		decision.ResetAt = now.Add(penalty)
	}
	return decision, nil
}

func (l *Limiter) violations(ctx context.Context, violationsKey string) (int, error) {
	raw, ok, err := l.Store.Get(ctx, violationsKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	count, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || count < 0 {
		return 0, nil
	}
	return count, nil
}

func (l *Limiter) failOpen(ctx context.Context, key string, rule Rule, cause error) Decision {
	l.Observer.LogError(ctx, "rate limit check failed open", map[string]any{
		"rate_key":  key,
		"algorithm": string(rule.Algorithm),
		"policy":    "fail_open",
		"error":     cause.Error(),
	})
	l.Observer.RecordCounter(ctx, "ratelimit.fail_open.total", 1, map[string]string{
		"policy":    "fail_open",
		"algorithm": string(rule.Algorithm),
	})
	limit := ruleLimit(rule)
	return Decision{
		Allowed:    true,
		Limit:      limit,
		Remaining:  limit,
		Key:        key,
		FailedOpen: true,
	}
}

func (l *Limiter) withDefaults(rule Rule) Rule {
	if !rule.isZero() {
		return rule
	}
	if !l.Default.isZero() {
		return l.Default
	}
	return Rule{Algorithm: AlgorithmFixedWindow, Limit: DefaultLimit, Window: DefaultWindow}
}

func (l *Limiter) violationsKey(key string) string {
	return l.Store.BuildKey(l.namespace(), "violations", key)
}

func (l *Limiter) namespace() string {
	if l == nil {
		return DefaultNamespace
	}
	namespace := strings.TrimSpace(l.Namespace)
	if namespace == "" {
		return DefaultNamespace
	}
	return namespace
}

func (l *Limiter) maxPenalty() time.Duration {
	if l != nil && l.MaxPenalty > 0 {
		return l.MaxPenalty
	}
	return DefaultMaxPenalty
}

func (l *Limiter) now() time.Time {
	if l != nil && l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// effectiveLimit halves the configured limit once per standing violation,
// never dropping below one.
func effectiveLimit(limit, violations int) int {
	if limit < 1 {
		limit = 1
	}
	if violations <= 0 {
		return limit
	}
	if violations > 30 {
		violations = 30
	}
	shifted := limit >> uint(violations)
	if shifted < 1 {
		return 1
	}
	return shifted
}

// penaltyFor doubles the base penalty once per standing violation, capped.
func penaltyFor(base, maximum time.Duration, violations int) time.Duration {
	if base <= 0 {
		return 0
	}
	penalty := base
	for i := 0; i < violations; i++ {
		penalty *= 2
		if maximum > 0 && penalty >= maximum {
			return maximum
		}
	}
	if maximum > 0 && penalty > maximum {
		return maximum
	}
	return penalty
}

func ruleLimit(rule Rule) int {
	if rule.Algorithm == AlgorithmTokenBucket {
		return rule.Capacity
	}
	return rule.Limit
}

func remainingOf(limit, count int) int {
	remaining := limit - count
	if remaining < 0 {
		return 0
	}
	return remaining
}

func validationError(field, message string) error {
	return core.EnsureGuardErrorEnvelope(
		goerrors.NewValidation("ratelimit: "+message, goerrors.FieldError{Field: field, Message: message}).
			WithTextCode(core.GuardErrorValidation),
	)
}

func dependencyError(message string) error {
	return core.EnsureGuardErrorEnvelope(
		goerrors.New("ratelimit: "+message, goerrors.CategoryInternal).
			WithTextCode(core.GuardErrorInternal),
	)
}

func storeError(err error) error {
	return core.EnsureGuardErrorEnvelope(
		goerrors.Wrap(err, goerrors.CategoryExternal, "ratelimit: store unavailable").
			WithTextCode(core.GuardErrorStoreUnavailable),
	)
}
