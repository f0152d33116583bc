// Package ingress chains the guard layers into a webhook intake pipeline:
// signature gate, duplicate suppression, burst control, then the handler
// behind a circuit breaker.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-guard/core"
	"github.com/goliatone/go-guard/idempotency"
	"github.com/goliatone/go-guard/ratelimit"
	"github.com/goliatone/go-guard/resilience"
	"github.com/goliatone/go-guard/signature"
)

// Handler consumes an event that passed every gate.
type Handler interface {
	Handle(ctx context.Context, in Inbound) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, in Inbound) error

func (f HandlerFunc) Handle(ctx context.Context, in Inbound) error { return f(ctx, in) }

// Inbound is one delivery attempt as it arrives off the wire. Body stays
// an uninterpreted byte string for signing; only the event id is read
// out of it.
type Inbound struct {
	Headers   map[string]string
	Body      []byte
	Tenant    string
	Operation string
}

// Receipt tells the transport how to answer the delivery.
type Receipt struct {
	Accepted     bool
	Deduplicated bool
	StatusCode   int
	EventID      string
	Decision     ratelimit.Decision
}

// Pipeline wires the gates in front of Handler. Every gate except the
// handler is optional; a nil gate is skipped.
type Pipeline struct {
	Verifier *signature.Verifier
	Filter   *idempotency.Filter
	Limiter  *ratelimit.Limiter
	Breaker  *resilience.BreakerGroup
	Handler  Handler

	// ExtractID pulls the event id from the raw body. Defaults to
	// DefaultEventIDExtractor.
	ExtractID func(body []byte) (string, error)

	// RateKey overrides the "<tenant>:<operation>" rate limit key.
	RateKey func(in Inbound) string

	// Rule pins a limit for every delivery. The zero rule defers to the
	// limiter's registry and defaults.
	Rule ratelimit.Rule

	Observer *core.Observer
}

// Process runs one delivery through the gates in order: verify, extract,
// dedup, rate limit, then the handler behind the tenant:operation breaker.
// Duplicates acknowledge with 200 so at-least-once senders stop resending.
func (p *Pipeline) Process(ctx context.Context, in Inbound) (receipt Receipt, err error) {
	startedAt := time.Now()
	defer func() {
		p.observer().ObserveOperation(ctx, startedAt, "ingress.process", err, map[string]any{
			"tenant":       strings.TrimSpace(in.Tenant),
			"operation":    strings.TrimSpace(in.Operation),
			"event_id":     receipt.EventID,
			"status_code":  receipt.StatusCode,
			"deduplicated": receipt.Deduplicated,
		})
	}()

	if p == nil || p.Handler == nil {
		return Receipt{}, dependencyError("pipeline requires a handler")
	}
	tenant := strings.TrimSpace(in.Tenant)
	if tenant == "" {
		return Receipt{StatusCode: http.StatusBadRequest}, validationError("tenant is required")
	}
	operation := strings.TrimSpace(in.Operation)
	if operation == "" {
		return Receipt{StatusCode: http.StatusBadRequest}, validationError("operation is required")
	}

	if p.Verifier != nil {
		if verifyErr := p.Verifier.VerifyRequest(in.Headers, in.Body); verifyErr != nil {
			return Receipt{StatusCode: statusFromError(verifyErr, http.StatusUnauthorized)}, verifyErr
		}
	}

	extract := p.ExtractID
	if extract == nil {
		extract = DefaultEventIDExtractor
	}
	eventID, extractErr := extract(in.Body)
	if extractErr != nil {
		wrapped := extractionError(extractErr)
		return Receipt{StatusCode: statusFromError(wrapped, http.StatusBadRequest)}, wrapped
	}

	if p.Filter != nil {
		duplicate, markErr := p.Filter.CheckAndMark(ctx, eventID)
		if markErr != nil {
			// Suppression state is unknown; refuse now and let the sender
			// redeliver once the store recovers.
			return Receipt{StatusCode: statusFromError(markErr, http.StatusServiceUnavailable), EventID: eventID}, markErr
		}
		if duplicate {
			return Receipt{
				Accepted:     true,
				Deduplicated: true,
				StatusCode:   http.StatusOK,
				EventID:      eventID,
			}, nil
		}
	}

	var decision ratelimit.Decision
	if p.Limiter != nil {
		var limitErr error
		if p.Rule == (ratelimit.Rule{}) && p.RateKey == nil {
			decision, limitErr = p.Limiter.AllowFor(ctx, tenant, operation)
		} else {
			decision, limitErr = p.Limiter.Allow(ctx, p.rateKey(in, tenant, operation), p.Rule)
		}
		if limitErr != nil {
			return Receipt{StatusCode: statusFromError(limitErr, http.StatusBadRequest), EventID: eventID}, limitErr
		}
		if !decision.Allowed {
			throttled := decision.ToError()
			return Receipt{
				StatusCode: http.StatusTooManyRequests,
				EventID:    eventID,
				Decision:   decision,
			}, throttled
		}
	}

	invoke := func(ctx context.Context) error {
		return p.Handler.Handle(ctx, in)
	}
	var handleErr error
	if p.Breaker != nil {
		handleErr = p.Breaker.Do(ctx, tenant+":"+operation, invoke)
	} else {
		handleErr = invoke(ctx)
	}
	if handleErr != nil {
		return Receipt{
			StatusCode: statusFromError(handleErr, http.StatusInternalServerError),
			EventID:    eventID,
			Decision:   decision,
		}, handleErr
	}

	return Receipt{
		Accepted:   true,
		StatusCode: http.StatusOK,
		EventID:    eventID,
		Decision:   decision,
	}, nil
}

func (p *Pipeline) rateKey(in Inbound, tenant, operation string) string {
	if p.RateKey != nil {
		if key := strings.TrimSpace(p.RateKey(in)); key != "" {
			return key
		}
	}
	return tenant + ":" + operation
}

func (p *Pipeline) observer() *core.Observer {
	if p == nil {
		return nil
	}
	return p.Observer
}

// DefaultEventIDExtractor reads the event id from the payload's event_id
// or id field.
func DefaultEventIDExtractor(body []byte) (string, error) {
	var envelope struct {
		EventID string `json:"event_id"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("ingress: event payload is not valid json: %w", err)
	}
	if id := strings.TrimSpace(envelope.EventID); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(envelope.ID); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("ingress: event id is missing from the payload")
}

func statusFromError(err error, fallback int) int {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.Code > 0 {
		return rich.Code
	}
	return fallback
}

func extractionError(err error) error {
	return core.EnsureGuardErrorEnvelope(
		goerrors.Wrap(err, goerrors.CategoryBadInput, "ingress: event id extraction failed").
			WithTextCode(core.GuardErrorValidation),
	)
}

func validationError(message string) error {
	return core.EnsureGuardErrorEnvelope(
		goerrors.New("ingress: "+message, goerrors.CategoryBadInput).
			WithTextCode(core.GuardErrorValidation),
	)
}

func dependencyError(message string) error {
	return core.EnsureGuardErrorEnvelope(
		goerrors.New("ingress: "+message, goerrors.CategoryInternal).
			WithTextCode(core.GuardErrorInternal),
	)
}
