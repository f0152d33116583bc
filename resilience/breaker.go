package resilience

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-guard/core"
)

// ErrCircuitOpen is returned without invoking the operation while a
// breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

const (
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = time.Minute
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerGroup keeps one circuit breaker per key. State is process-local:
// each replica opens and closes independently.
type BreakerGroup struct {
	Threshold   int
	OpenTimeout time.Duration
	Observer    *core.Observer

	// Now is injectable for deterministic timeout math in tests.
	Now func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

type breaker struct {
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

func NewBreakerGroup() *BreakerGroup {
	return &BreakerGroup{
		Threshold:   DefaultFailureThreshold,
		OpenTimeout: DefaultOpenTimeout,
		breakers:    map[string]*breaker{},
	}
}

// Do runs op behind the breaker for key. An open breaker fails fast with
// an ErrCircuitOpen envelope; a half-open breaker admits exactly one trial
// and fails the rest fast until the trial settles.
func (g *BreakerGroup) Do(ctx context.Context, key string, op func(context.Context) error) error {
	if g == nil {
		return dependencyError("breaker group is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return validationError("breaker key is required")
	}
	if op == nil {
		return validationError("breaker operation is required")
	}

	if err := g.admit(key); err != nil {
		return err
	}
	err := op(ctx)
	g.settle(ctx, key, err)
	return err
}

// State reports the breaker for key as the next caller would see it; an
// open breaker past its timeout reports HALF_OPEN. Unknown keys are CLOSED.
func (g *BreakerGroup) State(key string) State {
	if g == nil {
		return StateClosed
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	br, ok := g.breakers[strings.TrimSpace(key)]
	if !ok {
		return StateClosed
	}
	if br.state == StateOpen && g.now().Sub(br.openedAt) >= g.openTimeout() {
		return StateHalfOpen
	}
	return br.state
}

// Reset discards the breaker for key, forcing it closed.
func (g *BreakerGroup) Reset(ctx context.Context, key string) {
	if g == nil {
		return
	}
	key = strings.TrimSpace(key)
	g.mu.Lock()
	_, existed := g.breakers[key]
	delete(g.breakers, key)
	g.mu.Unlock()
	if existed {
		g.Observer.LogInfo(ctx, "circuit reset", map[string]any{
			"breaker_key": key,
			"state":       StateClosed.String(),
		})
	}
}

// IsCircuitOpen reports whether err is a fail-fast rejection.
func IsCircuitOpen(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	var rich *goerrors.Error
	return goerrors.As(err, &rich) && strings.EqualFold(rich.TextCode, core.GuardErrorCircuitOpen)
}

func (g *BreakerGroup) admit(key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	br := g.breakerLocked(key)

	if br.state == StateOpen {
		if g.now().Sub(br.openedAt) < g.openTimeout() {
			return circuitOpenError(key)
		}
		br.state = StateHalfOpen
		br.trialInFlight = false
	}
	if br.state == StateHalfOpen {
		if br.trialInFlight {
			return circuitOpenError(key)
		}
		br.trialInFlight = true
	}
	return nil
}

func (g *BreakerGroup) settle(ctx context.Context, key string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	br := g.breakerLocked(key)

	switch br.state {
	case StateClosed:
		if err == nil {
			br.failures = 0
			return
		}
		br.failures++
		if br.failures >= g.threshold() {
			g.openLocked(ctx, key, br)
		}
	case StateHalfOpen:
		br.trialInFlight = false
		if err == nil {
			br.state = StateClosed
			br.failures = 0
			g.Observer.LogInfo(ctx, "circuit closed", map[string]any{
				"breaker_key": key,
				"state":       StateClosed.String(),
			})
			g.Observer.RecordCounter(ctx, "breaker.closed.total", 1, map[string]string{"state": StateClosed.String()})
			return
		}
		br.failures++
		g.openLocked(ctx, key, br)
	case StateOpen:
		// A call admitted before the breaker opened settles late; an open
		// breaker ignores it.
	}
}

func (g *BreakerGroup) openLocked(ctx context.Context, key string, br *breaker) {
	br.state = StateOpen
	br.openedAt = g.now()
	g.Observer.LogError(ctx, "circuit opened", map[string]any{
		"breaker_key": key,
		"state":       StateOpen.String(),
		"failures":    br.failures,
	})
	g.Observer.RecordCounter(ctx, "breaker.opened.total", 1, map[string]string{"state": StateOpen.String()})
}

func (g *BreakerGroup) breakerLocked(key string) *breaker {
	if g.breakers == nil {
		g.breakers = map[string]*breaker{}
	}
	br, ok := g.breakers[key]
	if !ok {
		br = &breaker{state: StateClosed}
		g.breakers[key] = br
	}
	return br
}

func (g *BreakerGroup) threshold() int {
	if g != nil && g.Threshold > 0 {
		return g.Threshold
	}
	return DefaultFailureThreshold
}

func (g *BreakerGroup) openTimeout() time.Duration {
	if g != nil && g.OpenTimeout > 0 {
		return g.OpenTimeout
	}
	return DefaultOpenTimeout
}

func (g *BreakerGroup) now() time.Time {
	if g != nil && g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

func circuitOpenError(key string) error {
	return core.EnsureGuardErrorEnvelope(
		goerrors.Wrap(ErrCircuitOpen, goerrors.CategoryOperation, "resilience: circuit open for "+key).
			WithCode(http.StatusServiceUnavailable).
			WithTextCode(core.GuardErrorCircuitOpen).
			WithMetadata(map[string]any{"breaker_key": key}),
	)
}
