package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecuteAllSettled_CollectsEveryOutcomeInInputOrder(t *testing.T) {
	boom := errors.New("second op failed")
	ops := []Operation{
		{Name: "slowest", Run: func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		}},
		{Name: "failing", Run: func(context.Context) error {
			time.Sleep(10 * time.Millisecond)
			return boom
		}},
		{Name: "fastest", Run: func(context.Context) error { return nil }},
	}

	results := ExecuteAllSettled(context.Background(), ops)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, want := range []string{"slowest", "failing", "fastest"} {
		if results[i].Name != want {
			t.Fatalf("result %d = %q, want input order %q", i, results[i].Name, want)
		}
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("unexpected failures: %v %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, boom) {
		t.Fatalf("result 1 err = %v, want the operation failure", results[1].Err)
	}
	if results[0].Duration < 20*time.Millisecond {
		t.Fatalf("duration = %s, want at least the operation runtime", results[0].Duration)
	}

	summary := Summary(results)
	if summary.Total != 3 || summary.Succeeded != 2 || summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if want := 2.0 / 3.0; summary.SuccessRate != want {
		t.Fatalf("success rate = %f, want %f", summary.SuccessRate, want)
	}
}

func TestExecuteAllSettled_NilRunnerIsAFailureNotAPanic(t *testing.T) {
	results := ExecuteAllSettled(context.Background(), []Operation{{Name: "ghost"}})
	if results[0].Err == nil {
		t.Fatal("a nil runner should settle as a failure")
	}
}

func TestSafeCacheInvalidation_ContinueOnErrorCollectsFailures(t *testing.T) {
	keys := []string{"k1", "k2", "k3", "k4", "k5"}
	report, err := SafeCacheInvalidation(context.Background(), keys,
		func(_ context.Context, key string) error {
			if key == "k2" || key == "k4" {
				return fmt.Errorf("purge %s: connection reset", key)
			}
			return nil
		},
		InvalidationOptions{MaxParallel: 2, ContinueOnError: true},
	)
	if err != nil {
		t.Fatalf("continue-on-error run returned error: %v", err)
	}
	if report.Succeeded != 3 || report.Failed != 2 {
		t.Fatalf("report = %+v, want 3 succeeded and 2 failed", report)
	}
	if len(report.FailedKeys) != 2 || report.FailedKeys[0] != "k2" || report.FailedKeys[1] != "k4" {
		t.Fatalf("failed keys = %v, want [k2 k4]", report.FailedKeys)
	}
	if report.Errs == nil || !strings.Contains(report.Errs.Error(), "purge k2") {
		t.Fatalf("errs = %v, want the chained failures", report.Errs)
	}
}

func TestSafeCacheInvalidation_FailFastSkipsRemainingBatches(t *testing.T) {
	var calls atomic.Int64
	keys := []string{"k1", "k2", "k3", "k4", "k5", "k6"}
	report, err := SafeCacheInvalidation(context.Background(), keys,
		func(_ context.Context, key string) error {
			calls.Add(1)
			if key == "k3" {
				return errors.New("store offline")
			}
			return nil
		},
		InvalidationOptions{MaxParallel: 2, ContinueOnError: false},
	)
	if err == nil {
		t.Fatal("fail-fast run should surface the batch error")
	}
	if got := calls.Load(); got != 4 {
		t.Fatalf("calls = %d, want 4: the batch after the failure must not run", got)
	}
	if report.Succeeded != 3 || report.Failed != 1 {
		t.Fatalf("report = %+v, want 3 succeeded and 1 failed", report)
	}
	if len(report.FailedKeys) != 1 || report.FailedKeys[0] != "k3" {
		t.Fatalf("failed keys = %v, want [k3]", report.FailedKeys)
	}
}

func TestSafeCacheInvalidation_RequiresAnInvalidator(t *testing.T) {
	if _, err := SafeCacheInvalidation(context.Background(), []string{"k1"}, nil, InvalidationOptions{}); err == nil {
		t.Fatal("nil invalidate function should be rejected")
	}
}
