package idempotency

import (
	"context"
	"fmt"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-guard/core"
	"github.com/goliatone/go-guard/store"
)

func TestCheckAndMark_FirstSightThenDuplicate(t *testing.T) {
	ctx := context.Background()
	filter := New(store.NewMemoryStore("guard"))

	duplicate, err := filter.CheckAndMark(ctx, "evt_1")
	if err != nil {
		t.Fatalf("first check: %v", err)
	}
	if duplicate {
		t.Fatalf("expected first sight, got duplicate")
	}

	duplicate, err = filter.CheckAndMark(ctx, "evt_1")
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if !duplicate {
		t.Fatalf("expected duplicate on second check")
	}

	duplicate, err = filter.CheckAndMark(ctx, "evt_2")
	if err != nil {
		t.Fatalf("distinct id check: %v", err)
	}
	if duplicate {
		t.Fatalf("expected distinct ids to be independent")
	}
}

func TestCheckAndMark_MarkExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	memory := store.NewMemoryStore("guard")
	memory.Now = func() time.Time { return now }

	filter := New(memory)
	filter.TTL = time.Minute
	filter.Now = func() time.Time { return now }

	if duplicate, err := filter.CheckAndMark(ctx, "evt_1"); err != nil || duplicate {
		t.Fatalf("first check: duplicate=%v err=%v", duplicate, err)
	}

	now = now.Add(30 * time.Second)
	if duplicate, _ := filter.CheckAndMark(ctx, "evt_1"); !duplicate {
		t.Fatalf("expected duplicate inside ttl")
	}

	now = now.Add(45 * time.Second)
	if duplicate, err := filter.CheckAndMark(ctx, "evt_1"); err != nil || duplicate {
		t.Fatalf("expected mark to lapse after ttl, duplicate=%v err=%v", duplicate, err)
	}
}

func TestCheckAndMark_FailsClosedOnStoreOutage(t *testing.T) {
	ctx := context.Background()
	logger := &recordingLogger{}
	filter := New(failingStore{err: fmt.Errorf("connection refused")})
	filter.Observer = core.NewObserver(logger, nil, "guard")

	duplicate, err := filter.CheckAndMark(ctx, "evt_1")
	if !duplicate {
		t.Fatalf("expected fail-closed duplicate report")
	}
	if err == nil {
		t.Fatalf("expected store error alongside fail-closed report")
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		t.Fatalf("expected rich error, got %T", err)
	}
	if richErr.TextCode != core.GuardErrorStoreUnavailable {
		t.Fatalf("expected store unavailable text code, got %q", richErr.TextCode)
	}
	if !logger.sawField("policy", "fail_closed") {
		t.Fatalf("expected fail_closed policy log, got %#v", logger.entries)
	}
}

func TestCheckAndMark_RejectsEmptyEventID(t *testing.T) {
	filter := New(store.NewMemoryStore("guard"))
	duplicate, err := filter.CheckAndMark(context.Background(), "  ")
	if duplicate {
		t.Fatalf("validation failures are not duplicates")
	}
	if err == nil {
		t.Fatalf("expected validation error")
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.TextCode != core.GuardErrorValidation {
		t.Fatalf("expected validation envelope, got %v", err)
	}
}

func TestForget_AllowsManualReplay(t *testing.T) {
	ctx := context.Background()
	filter := New(store.NewMemoryStore("guard"))

	if _, err := filter.CheckAndMark(ctx, "evt_1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := filter.Forget(ctx, "evt_1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	duplicate, err := filter.CheckAndMark(ctx, "evt_1")
	if err != nil {
		t.Fatalf("remark: %v", err)
	}
	if duplicate {
		t.Fatalf("expected replay after forget")
	}
}

type failingStore struct {
	err error
}

func (s failingStore) Get(context.Context, string) (string, bool, error) { return "", false, s.err }

func (s failingStore) Set(context.Context, string, string, time.Duration) error { return s.err }

func (s failingStore) SetIfNotExists(context.Context, string, string, time.Duration) (bool, error) {
	return false, s.err
}

func (s failingStore) Delete(context.Context, string) (bool, error) { return false, s.err }

func (s failingStore) Eval(context.Context, store.Script, []string, ...any) (any, error) {
	return nil, s.err
}

func (s failingStore) BuildKey(parts ...string) string {
	return store.JoinKey("guard", parts...)
}

type logEntry struct {
	level  string
	msg    string
	fields map[string]any
}

type recordingLogger struct {
	entries []logEntry
}

func (l *recordingLogger) log(level string, msg string, args ...any) {
	fields := map[string]any{}
	for index := 0; index+1 < len(args); index += 2 {
		key, ok := args[index].(string)
		if !ok {
			continue
		}
		fields[key] = args[index+1]
	}
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: fields})
}

func (l *recordingLogger) Trace(msg string, args ...any) { l.log("trace", msg, args...) }
func (l *recordingLogger) Debug(msg string, args ...any) { l.log("debug", msg, args...) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.log("info", msg, args...) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.log("warn", msg, args...) }
func (l *recordingLogger) Error(msg string, args ...any) { l.log("error", msg, args...) }
func (l *recordingLogger) Fatal(msg string, args ...any) { l.log("fatal", msg, args...) }

func (l *recordingLogger) WithContext(context.Context) core.Logger { return l }

func (l *recordingLogger) sawField(key string, value string) bool {
	for _, entry := range l.entries {
		if entry.fields[key] == value {
			return true
		}
	}
	return false
}
