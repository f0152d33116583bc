package gojob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-guard/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	JobIDPurgeExpired   = "guard.maintenance.purge"
	JobIDViolationDecay = "guard.maintenance.decay"
)

// NewPurgeMessage builds the maintenance message that asks a worker to delete
// store rows whose logical expiry lapsed before the cutoff. The idempotency
// key pins the cutoff so a redelivered message purges the same horizon.
func NewPurgeMessage(before time.Time) *core.JobExecutionMessage {
	if before.IsZero() {
		before = time.Now()
	}
	cutoff := before.UTC()
	return &core.JobExecutionMessage{
		JobID:      JobIDPurgeExpired,
		ScriptPath: JobIDPurgeExpired,
		Parameters: map[string]any{
			"before": cutoff.Format(time.RFC3339),
		},
		IdempotencyKey: fmt.Sprintf("%s:%d", JobIDPurgeExpired, cutoff.Unix()),
		DedupPolicy:    "drop",
	}
}

// NewDecayMessage builds the maintenance message that clears lapsed backoff
// violation counters for one tenant scope. The scope matches the limiter key
// so the worker addresses the same counter the ingress path bumps.
func NewDecayMessage(tenant, operation string) *core.JobExecutionMessage {
	tenant = strings.TrimSpace(tenant)
	operation = strings.TrimSpace(operation)
	return &core.JobExecutionMessage{
		JobID:      JobIDViolationDecay,
		ScriptPath: JobIDViolationDecay,
		Parameters: map[string]any{
			"tenant":    tenant,
			"operation": operation,
		},
		IdempotencyKey: fmt.Sprintf("%s:%s:%s", JobIDViolationDecay, tenant, operation),
		DedupPolicy:    "drop",
	}
}

// RetryPolicy defines queue retry bounds to avoid unbounded retry loops.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts core.JobNackOptions, attempt int) core.JobNackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// ToExecutionMessage maps a guard maintenance message to go-job.
func ToExecutionMessage(msg *core.JobExecutionMessage) *job.ExecutionMessage {
	if msg == nil {
		return nil
	}
	return &job.ExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     copyAnyMap(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy(strings.TrimSpace(msg.DedupPolicy)),
	}
}

// FromExecutionMessage maps a go-job message into the guard contract.
func FromExecutionMessage(msg *job.ExecutionMessage) *core.JobExecutionMessage {
	if msg == nil {
		return nil
	}
	return &core.JobExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     copyAnyMap(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    strings.TrimSpace(string(msg.DedupPolicy)),
	}
}

// ToNackOptions maps guard nack options to go-job.
func ToNackOptions(opts core.JobNackOptions) queue.NackOptions {
	return queue.NackOptions{
		Delay:      opts.Delay,
		Requeue:    opts.Requeue,
		DeadLetter: opts.DeadLetter,
		Reason:     opts.Reason,
	}
}

// FromNackOptions maps go-job nack options to the guard contract.
func FromNackOptions(opts queue.NackOptions) core.JobNackOptions {
	return core.JobNackOptions{
		Delay:      opts.Delay,
		Requeue:    opts.Requeue,
		DeadLetter: opts.DeadLetter,
		Reason:     opts.Reason,
	}
}

type EnqueuerAdapter struct {
	enqueuer queue.Enqueuer
}

func NewEnqueuerAdapter(enqueuer queue.Enqueuer) *EnqueuerAdapter {
	return &EnqueuerAdapter{enqueuer: enqueuer}
}

func (a *EnqueuerAdapter) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if a == nil || a.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	return a.enqueuer.Enqueue(ctx, ToExecutionMessage(msg))
}

type DeliveryAdapter struct {
	delivery queue.Delivery
	policy   RetryPolicy
}

func NewDeliveryAdapter(delivery queue.Delivery, policy RetryPolicy) *DeliveryAdapter {
	return &DeliveryAdapter{delivery: delivery, policy: policy}
}

func (d *DeliveryAdapter) Message() *core.JobExecutionMessage {
	if d == nil || d.delivery == nil {
		return nil
	}
	return FromExecutionMessage(d.delivery.Message())
}

func (d *DeliveryAdapter) Ack(ctx context.Context) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	return d.delivery.Ack(ctx)
}

func (d *DeliveryAdapter) Nack(ctx context.Context, opts core.JobNackOptions) error {
	return d.NackForAttempt(ctx, opts, 0)
}

func (d *DeliveryAdapter) NackForAttempt(ctx context.Context, opts core.JobNackOptions, attempt int) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	normalized := d.policy.NormalizeAttempt(opts, attempt)
	return d.delivery.Nack(ctx, ToNackOptions(normalized))
}

type DequeuerAdapter struct {
	dequeuer queue.Dequeuer
	policy   RetryPolicy
}

func NewDequeuerAdapter(dequeuer queue.Dequeuer, policy RetryPolicy) *DequeuerAdapter {
	return &DequeuerAdapter{dequeuer: dequeuer, policy: policy}
}

func (a *DequeuerAdapter) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if a == nil || a.dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := a.dequeuer.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	return NewDeliveryAdapter(delivery, a.policy), nil
}

type WorkerHookAdapter struct {
	hook core.JobWorkerHook
}

func NewWorkerHookAdapter(hook core.JobWorkerHook) *WorkerHookAdapter {
	return &WorkerHookAdapter{hook: hook}
}

func (a *WorkerHookAdapter) OnStart(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnStart(ctx, mapWorkerEvent(event))
}

func (a *WorkerHookAdapter) OnSuccess(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnSuccess(ctx, mapWorkerEvent(event))
}

func (a *WorkerHookAdapter) OnFailure(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnFailure(ctx, mapWorkerEvent(event))
}

func (a *WorkerHookAdapter) OnRetry(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnRetry(ctx, mapWorkerEvent(event))
}

func mapWorkerEvent(event worker.Event) core.JobWorkerEvent {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	return core.JobWorkerEvent{
		Message:   FromExecutionMessage(message),
		Attempt:   event.Attempt,
		Delay:     event.Delay,
		Err:       event.Err,
		StartedAt: event.StartedAt,
		Duration:  event.Duration,
	}
}

// MetricsHook surfaces worker lifecycle events through the shared observer so
// maintenance queue health lands next to the guard decision metrics. Wrap it
// in a WorkerHookAdapter to hand it to a go-job worker.
type MetricsHook struct {
	observer *core.Observer
}

func NewMetricsHook(observer *core.Observer) *MetricsHook {
	return &MetricsHook{observer: observer}
}

func (h *MetricsHook) OnStart(ctx context.Context, event core.JobWorkerEvent) {
	if h == nil || h.observer == nil {
		return
	}
	h.observer.RecordCounter(ctx, "jobs.started.total", 1, eventTags(event))
}

func (h *MetricsHook) OnSuccess(ctx context.Context, event core.JobWorkerEvent) {
	if h == nil || h.observer == nil {
		return
	}
	tags := eventTags(event)
	h.observer.RecordCounter(ctx, "jobs.succeeded.total", 1, tags)
	h.observer.RecordHistogram(ctx, "jobs.duration_ms", float64(event.Duration.Milliseconds()), tags)
}

func (h *MetricsHook) OnFailure(ctx context.Context, event core.JobWorkerEvent) {
	if h == nil || h.observer == nil {
		return
	}
	tags := eventTags(event)
	h.observer.RecordCounter(ctx, "jobs.failed.total", 1, tags)
	h.observer.RecordHistogram(ctx, "jobs.duration_ms", float64(event.Duration.Milliseconds()), tags)
	fields := map[string]any{
		"job_id":  tags["job_id"],
		"attempt": event.Attempt,
	}
	if event.Err != nil {
		fields["error"] = event.Err.Error()
	}
	h.observer.LogWarn(ctx, "maintenance job failed", fields)
}

func (h *MetricsHook) OnRetry(ctx context.Context, event core.JobWorkerEvent) {
	if h == nil || h.observer == nil {
		return
	}
	h.observer.RecordCounter(ctx, "jobs.retried.total", 1, eventTags(event))
}

func eventTags(event core.JobWorkerEvent) map[string]string {
	jobID := "unknown"
	if event.Message != nil {
		if id := strings.TrimSpace(event.Message.JobID); id != "" {
			jobID = id
		}
	}
	return map[string]string{"job_id": jobID}
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

var (
	_ core.JobEnqueuer   = (*EnqueuerAdapter)(nil)
	_ core.JobDelivery   = (*DeliveryAdapter)(nil)
	_ core.JobDequeuer   = (*DequeuerAdapter)(nil)
	_ worker.Hook        = (*WorkerHookAdapter)(nil)
	_ core.JobWorkerHook = (*MetricsHook)(nil)
)
