// Package guard protects multi-tenant webhook traffic. It bundles
// signature verification, idempotent delivery tracking, distributed
// locks, store-backed rate limiting, and circuit breaking behind one
// service facade so hosts wire a single dependency instead of five.
//
// Construct a Service with New, layering file or environment
// configuration under runtime overrides, then either drive the component
// accessors directly or hand inbound deliveries to a Pipeline.
package guard

import (
	"github.com/goliatone/go-guard/core"
	"github.com/goliatone/go-guard/ingress"
	"github.com/goliatone/go-guard/lock"
	"github.com/goliatone/go-guard/ratelimit"
	"github.com/goliatone/go-guard/resilience"
	"github.com/goliatone/go-guard/signature"
	"github.com/goliatone/go-guard/store"
)

// Config carries every tunable the service resolves at construction.
type Config = core.Config

// Logger is the structured logging contract shared across components.
type Logger = core.Logger

// MetricsRecorder receives guard decision counters and latency histograms.
type MetricsRecorder = core.MetricsRecorder

// Store is the key-value contract backing idempotency, locks, and limits.
type Store = store.Store

// Rule describes one rate limit policy.
type Rule = ratelimit.Rule

// Decision is the outcome of a rate limit check.
type Decision = ratelimit.Decision

// RuleStore resolves tenant and operation scoped limit rules.
type RuleStore = ratelimit.RuleStore

// Algorithm names a rate limiting strategy.
type Algorithm = ratelimit.Algorithm

// Handle is an acquired lock lease.
type Handle = lock.Handle

// Inbound is one delivery presented to the pipeline.
type Inbound = ingress.Inbound

// Receipt reports how the pipeline disposed of a delivery.
type Receipt = ingress.Receipt

// Handler consumes deliveries that cleared every gate.
type Handler = ingress.Handler

// HandlerFunc adapts a function to the Handler contract.
type HandlerFunc = ingress.HandlerFunc

// State is a circuit breaker state.
type State = resilience.State

const (
	AlgorithmFixedWindow   = ratelimit.AlgorithmFixedWindow
	AlgorithmSlidingWindow = ratelimit.AlgorithmSlidingWindow
	AlgorithmTokenBucket   = ratelimit.AlgorithmTokenBucket
	AlgorithmBackoff       = ratelimit.AlgorithmBackoff

	StateClosed   = resilience.StateClosed
	StateOpen     = resilience.StateOpen
	StateHalfOpen = resilience.StateHalfOpen
)

// Sign produces a signature header value for body issued at the given
// time. Webhook producers and tests share it.
var Sign = signature.Sign

// DefaultConfig returns the configuration the service falls back to when
// neither the config provider nor the runtime overrides set a value.
func DefaultConfig() Config {
	return core.DefaultConfig()
}
