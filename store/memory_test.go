package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreSetGetHonorsTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	s := NewMemoryStore("guard")
	s.Now = func() time.Time { return now }

	if err := s.Set(ctx, "guard:item", "payload", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, ok, err := s.Get(ctx, "guard:item")
	if err != nil || !ok || value != "payload" {
		t.Fatalf("expected live entry, got value=%q ok=%v err=%v", value, ok, err)
	}

	now = now.Add(time.Minute)
	if _, ok, _ := s.Get(ctx, "guard:item"); ok {
		t.Fatalf("expected entry to expire at ttl boundary")
	}
}

func TestMemoryStoreSetValidation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("guard")

	if err := s.Set(ctx, "  ", "v", time.Minute); err != ErrKeyRequired {
		t.Fatalf("expected key error, got %v", err)
	}
	if err := s.Set(ctx, "k", "", time.Minute); err != ErrValueRequired {
		t.Fatalf("expected value error, got %v", err)
	}
	if err := s.Set(ctx, "k", "v", 0); err != ErrTTLRequired {
		t.Fatalf("expected ttl error, got %v", err)
	}
}

func TestMemoryStoreSetIfNotExistsClaimsOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	s := NewMemoryStore("guard")
	s.Now = func() time.Time { return now }

	created, err := s.SetIfNotExists(ctx, "claim", "a", time.Minute)
	if err != nil || !created {
		t.Fatalf("expected first claim to win, got created=%v err=%v", created, err)
	}
	created, err = s.SetIfNotExists(ctx, "claim", "b", time.Minute)
	if err != nil || created {
		t.Fatalf("expected second claim to lose, got created=%v err=%v", created, err)
	}
	value, _, _ := s.Get(ctx, "claim")
	if value != "a" {
		t.Fatalf("expected original value to survive, got %q", value)
	}

	now = now.Add(2 * time.Minute)
	created, err = s.SetIfNotExists(ctx, "claim", "c", time.Minute)
	if err != nil || !created {
		t.Fatalf("expected claim after expiry to win, got created=%v err=%v", created, err)
	}
}

func TestMemoryStoreCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("guard")

	if err := s.Set(ctx, "lock", "token-1", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	result, err := s.Eval(ctx, CompareAndDelete, []string{"lock"}, "token-2")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v, _ := Int64(result); v != 0 {
		t.Fatalf("expected mismatch to report 0, got %v", result)
	}
	if _, ok, _ := s.Get(ctx, "lock"); !ok {
		t.Fatalf("expected key to survive mismatched delete")
	}

	result, err = s.Eval(ctx, CompareAndDelete, []string{"lock"}, "token-1")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v, _ := Int64(result); v != 1 {
		t.Fatalf("expected matched delete to report 1, got %v", result)
	}
	if _, ok, _ := s.Get(ctx, "lock"); ok {
		t.Fatalf("expected key removed after matched delete")
	}
}

func TestMemoryStoreCompareAndExtend(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	s := NewMemoryStore("guard")
	s.Now = func() time.Time { return now }

	if err := s.Set(ctx, "lock", "token-1", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	result, err := s.Eval(ctx, CompareAndExtend, []string{"lock"}, "token-1", int64(5*60*1000))
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v, _ := Int64(result); v != 1 {
		t.Fatalf("expected extend to report 1, got %v", result)
	}

	now = now.Add(4 * time.Minute)
	if _, ok, _ := s.Get(ctx, "lock"); !ok {
		t.Fatalf("expected extended entry to still be live")
	}

	result, err = s.Eval(ctx, CompareAndExtend, []string{"lock"}, "token-2", int64(1000))
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v, _ := Int64(result); v != 0 {
		t.Fatalf("expected mismatched extend to report 0, got %v", result)
	}
}

func TestMemoryStoreFixedWindowIncr(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	s := NewMemoryStore("guard")
	s.Now = func() time.Time { return now }

	for want := int64(1); want <= 3; want++ {
		result, err := s.Eval(ctx, FixedWindowIncr, []string{"win"}, int64(60_000))
		if err != nil {
			t.Fatalf("eval %d: %v", want, err)
		}
		if count, _ := Int64(result); count != want {
			t.Fatalf("expected count %d, got %v", want, result)
		}
	}

	now = now.Add(time.Minute)
	result, err := s.Eval(ctx, FixedWindowIncr, []string{"win"}, int64(60_000))
	if err != nil {
		t.Fatalf("eval after window: %v", err)
	}
	if count, _ := Int64(result); count != 1 {
		t.Fatalf("expected fresh window to restart at 1, got %v", result)
	}
}

func TestMemoryStoreSlidingWindowCount(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	now := base
	s := NewMemoryStore("guard")
	s.Now = func() time.Time { return now }

	window := int64(10_000)
	limit := int64(2)

	for i := 0; i < 2; i++ {
		result, err := s.Eval(ctx, SlidingWindowCount, []string{"log"},
			now.UnixMilli(), window, limit, "m"+string(rune('a'+i)))
		if err != nil {
			t.Fatalf("eval %d: %v", i, err)
		}
		values, _ := Values(result)
		if allowed, _ := Int64(values[0]); allowed != 1 {
			t.Fatalf("expected request %d allowed, got %v", i, result)
		}
	}

	result, err := s.Eval(ctx, SlidingWindowCount, []string{"log"},
		now.UnixMilli(), window, limit, "mc")
	if err != nil {
		t.Fatalf("eval reject: %v", err)
	}
	values, _ := Values(result)
	if allowed, _ := Int64(values[0]); allowed != 0 {
		t.Fatalf("expected third request rejected, got %v", result)
	}
	if retry, _ := Int64(values[2]); retry <= 0 || retry > window {
		t.Fatalf("expected retry hint within window, got %v", retry)
	}

	now = base.Add(11 * time.Second)
	result, err = s.Eval(ctx, SlidingWindowCount, []string{"log"},
		now.UnixMilli(), window, limit, "md")
	if err != nil {
		t.Fatalf("eval after slide: %v", err)
	}
	values, _ = Values(result)
	if allowed, _ := Int64(values[0]); allowed != 1 {
		t.Fatalf("expected request after slide allowed, got %v", result)
	}
}

func TestMemoryStoreTokenBucketTake(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	now := base
	s := NewMemoryStore("guard")
	s.Now = func() time.Time { return now }

	take := func() []any {
		t.Helper()
		result, err := s.Eval(ctx, TokenBucketTake, []string{"bucket"},
			"2", "1", now.UnixMilli(), int64(60_000))
		if err != nil {
			t.Fatalf("eval: %v", err)
		}
		values, ok := Values(result)
		if !ok || len(values) != 3 {
			t.Fatalf("expected 3-element reply, got %v", result)
		}
		return values
	}

	for i := 0; i < 2; i++ {
		values := take()
		if allowed, _ := Int64(values[0]); allowed != 1 {
			t.Fatalf("expected take %d allowed, got %v", i, values)
		}
	}

	values := take()
	if allowed, _ := Int64(values[0]); allowed != 0 {
		t.Fatalf("expected empty bucket to reject, got %v", values)
	}
	if retry, _ := Int64(values[2]); retry <= 0 {
		t.Fatalf("expected retry hint for empty bucket, got %v", values[2])
	}

	now = base.Add(time.Second)
	values = take()
	if allowed, _ := Int64(values[0]); allowed != 1 {
		t.Fatalf("expected refilled token after 1s, got %v", values)
	}
}

func TestMemoryStoreViolationBump(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	now := base
	s := NewMemoryStore("guard")
	s.Now = func() time.Time { return now }

	result, err := s.Eval(ctx, ViolationBump, []string{"viol"}, int64(1000), int64(0))
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if count, _ := Int64(result); count != 1 {
		t.Fatalf("expected first violation, got %v", result)
	}

	result, err = s.Eval(ctx, ViolationBump, []string{"viol"}, int64(1000), int64(0))
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if count, _ := Int64(result); count != 2 {
		t.Fatalf("expected second violation, got %v", result)
	}

	// second bump doubles the penalty ttl to 2s
	now = base.Add(1500 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "viol"); !ok {
		t.Fatalf("expected doubled penalty to keep counter alive at 1.5s")
	}
	now = base.Add(2500 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "viol"); ok {
		t.Fatalf("expected penalty to lapse after 2s")
	}
}

func TestMemoryStoreDeleteAndPurge(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	s := NewMemoryStore("guard")
	s.Now = func() time.Time { return now }

	if err := s.Set(ctx, "a", "1", time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "b", "2", time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}

	removed, err := s.Delete(ctx, "a")
	if err != nil || !removed {
		t.Fatalf("expected delete to remove live entry, got removed=%v err=%v", removed, err)
	}
	removed, err = s.Delete(ctx, "a")
	if err != nil || removed {
		t.Fatalf("expected second delete to be a no-op, got removed=%v err=%v", removed, err)
	}

	now = now.Add(2 * time.Hour)
	purged, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purged entry, got %d", purged)
	}
}

func TestJoinKey(t *testing.T) {
	if got := JoinKey("guard", "lock", " resource "); got != "guard:lock:resource" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := JoinKey("", "idem", "", "evt"); got != "idem:evt" {
		t.Fatalf("unexpected key %q", got)
	}
	s := NewMemoryStore("guard")
	if got := s.BuildKey("ratelimit", "tenant", "op"); got != "guard:ratelimit:tenant:op" {
		t.Fatalf("unexpected built key %q", got)
	}
}

func TestResultCoercions(t *testing.T) {
	if v, ok := Int64("42"); !ok || v != 42 {
		t.Fatalf("expected string coercion, got %v %v", v, ok)
	}
	if _, ok := Int64("nope"); ok {
		t.Fatalf("expected coercion failure for non-numeric string")
	}
	if v, ok := Float64("1.5"); !ok || v != 1.5 {
		t.Fatalf("expected float coercion, got %v %v", v, ok)
	}
	values, ok := Values([]string{"a", "b"})
	if !ok || len(values) != 2 {
		t.Fatalf("expected string slice coercion, got %v %v", values, ok)
	}
}
