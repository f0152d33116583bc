package core

import (
	"context"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

func TestObserver_ObserveOperationSuccess(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	observer := NewObserver(logger, metrics, "guard")

	observer.ObserveOperation(
		context.Background(),
		time.Now().UTC().Add(-25*time.Millisecond),
		"Check And Mark",
		nil,
		map[string]any{"tenant": "acme", "event_id": "evt_1"},
	)

	if !hasCounter(metrics.counters, "guard.check_and_mark.total", "success") {
		t.Fatalf("expected guard.check_and_mark.total success counter")
	}
	if !hasHistogram(metrics.histograms, "guard.check_and_mark.duration_ms", "success") {
		t.Fatalf("expected guard.check_and_mark.duration_ms histogram")
	}
	if !hasLog(logger.snapshot(), "info", "check_and_mark succeeded", "check_and_mark") {
		t.Fatalf("expected check_and_mark succeeded structured log")
	}
}

func TestObserver_ObserveOperationPromotesTags(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	observer := NewObserver(nil, metrics, "guard")

	observer.ObserveOperation(
		context.Background(),
		time.Now().UTC(),
		"allow",
		nil,
		map[string]any{"tenant": "acme", "algorithm": "token_bucket", "policy": "fail_open"},
	)

	if len(metrics.counters) != 1 {
		t.Fatalf("expected one counter, got %d", len(metrics.counters))
	}
	tags := metrics.counters[0].tags
	if tags["tenant"] != "acme" || tags["algorithm"] != "token_bucket" || tags["policy"] != "fail_open" {
		t.Fatalf("expected promoted tags, got %#v", tags)
	}
}

func TestObserver_EnrichesStructuredErrorFields(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	observer := NewObserver(logger, metrics, "guard")

	richErr := goerrors.New("store unreachable", goerrors.CategoryExternal).
		WithCode(503).
		WithTextCode(GuardErrorStoreUnavailable).
		WithSeverity(goerrors.SeverityCritical).
		WithMetadata(map[string]any{
			"trace_id":       "trace_123",
			"request_id":     "req_123",
			"webhook_secret": "hunter2",
		})
	observer.ObserveOperation(
		context.Background(),
		time.Now().UTC().Add(-100*time.Millisecond),
		"check_and_mark",
		richErr,
		map[string]any{"tenant": "acme"},
	)

	records := logger.snapshot()
	if len(records) == 0 {
		t.Fatalf("expected logs to be emitted")
	}
	last := records[len(records)-1]
	if last.level != "error" {
		t.Fatalf("expected error level, got %q", last.level)
	}
	if last.fields["error_category"] != "external" {
		t.Fatalf("expected error_category external, got %#v", last.fields["error_category"])
	}
	if last.fields["error_text_code"] != GuardErrorStoreUnavailable {
		t.Fatalf("expected error_text_code %q, got %#v", GuardErrorStoreUnavailable, last.fields["error_text_code"])
	}
	if last.fields["error_severity"] != goerrors.SeverityCritical.String() {
		t.Fatalf("expected critical severity, got %#v", last.fields["error_severity"])
	}
	if last.fields["trace_id"] != "trace_123" {
		t.Fatalf("expected trace_id propagation, got %#v", last.fields["trace_id"])
	}
	if last.fields["request_id"] != "req_123" {
		t.Fatalf("expected request_id propagation, got %#v", last.fields["request_id"])
	}

	metadata, ok := last.fields["error_metadata"].(map[string]any)
	if !ok {
		t.Fatalf("expected redacted error_metadata map, got %#v", last.fields["error_metadata"])
	}
	if metadata["webhook_secret"] != RedactedValue {
		t.Fatalf("expected webhook_secret to be redacted, got %#v", metadata["webhook_secret"])
	}
	if !hasCounter(metrics.counters, "guard.check_and_mark.total", "failure") {
		t.Fatalf("expected failure counter")
	}
}

func TestObserver_NilReceiverIsSafe(t *testing.T) {
	var observer *Observer
	observer.ObserveOperation(context.Background(), time.Now(), "noop", nil, nil)
	observer.LogInfo(context.Background(), "ignored", nil)
	observer.RecordCounter(context.Background(), "ignored", 1, nil)
}

type capturedCounter struct {
	name  string
	value int64
	tags  map[string]string
}

type capturedHistogram struct {
	name  string
	value float64
	tags  map[string]string
}

type captureMetricsRecorder struct {
	mu         sync.Mutex
	counters   []capturedCounter
	histograms []capturedHistogram
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, capturedCounter{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, capturedHistogram{name: name, value: value, tags: cloneTags(tags)})
}

type capturedLog struct {
	level  string
	msg    string
	fields map[string]any
}

type captureLogger struct {
	mu       *sync.Mutex
	records  *[]capturedLog
	defaults map[string]any
}

func newCaptureLogger() *captureLogger {
	records := []capturedLog{}
	return &captureLogger{mu: &sync.Mutex{}, records: &records, defaults: map[string]any{}}
}

func (l *captureLogger) WithFields(fields map[string]any) Logger {
	merged := cloneFieldMap(l.defaults)
	for key, value := range fields {
		merged[key] = value
	}
	return &captureLogger{mu: l.mu, records: l.records, defaults: merged}
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }

func (l *captureLogger) WithContext(context.Context) Logger {
	return &captureLogger{mu: l.mu, records: l.records, defaults: cloneFieldMap(l.defaults)}
}

func (l *captureLogger) record(level string, msg string, args ...any) {
	fields := cloneFieldMap(l.defaults)
	for index := 0; index+1 < len(args); index += 2 {
		key, ok := args[index].(string)
		if !ok {
			continue
		}
		fields[key] = args[index+1]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.records = append(*l.records, capturedLog{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) snapshot() []capturedLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := *l.records
	out := make([]capturedLog, len(items))
	copy(out, items)
	return out
}

func cloneFieldMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	output := make(map[string]any, len(input))
	for key, value := range input {
		output[key] = value
	}
	return output
}

func hasCounter(items []capturedCounter, name string, status string) bool {
	for _, item := range items {
		if item.name == name && item.tags["status"] == status {
			return true
		}
	}
	return false
}

func hasHistogram(items []capturedHistogram, name string, status string) bool {
	for _, item := range items {
		if item.name == name && item.tags["status"] == status {
			return true
		}
	}
	return false
}

func hasLog(items []capturedLog, level string, message string, eventType string) bool {
	for _, item := range items {
		if item.level != level {
			continue
		}
		if item.msg != message {
			continue
		}
		if item.fields["event_type"] == eventType {
			return true
		}
	}
	return false
}
