package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"
)

const defaultMemoryPruneWatermark = 4096

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

type memoryLog struct {
	entries   []memoryLogEntry
	expiresAt time.Time
}

type memoryLogEntry struct {
	score  int64
	member string
}

type memoryBucket struct {
	tokens    float64
	ts        int64
	expiresAt time.Time
}

// MemoryStore is an in-process Store for tests and single-node deploys.
// Scripts run natively under the store mutex, mirroring the Lua sources.
type MemoryStore struct {
	mu      sync.Mutex
	prefix  string
	entries map[string]memoryEntry
	logs    map[string]memoryLog
	buckets map[string]memoryBucket

	// Now is injectable for deterministic expiry in tests.
	Now func() time.Time

	pruneWatermark int
}

func NewMemoryStore(prefix string) *MemoryStore {
	return &MemoryStore{
		prefix:         prefix,
		entries:        make(map[string]memoryEntry),
		logs:           make(map[string]memoryLog),
		buckets:        make(map[string]memoryBucket),
		pruneWatermark: defaultMemoryPruneWatermark,
	}
}

func (s *MemoryStore) BuildKey(parts ...string) string {
	if s == nil {
		return JoinKey("", parts...)
	}
	return JoinKey(s.prefix, parts...)
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	if s == nil {
		return "", false, fmt.Errorf("store: memory store is not configured")
	}
	trimmed, err := validateKey(key)
	if err != nil {
		return "", false, err
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[trimmed]
	if !ok {
		return "", false, nil
	}
	if !now.Before(entry.expiresAt) {
		delete(s.entries, trimmed)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if s == nil {
		return fmt.Errorf("store: memory store is not configured")
	}
	trimmed, err := validateEntry(key, value, ttl)
	if err != nil {
		return err
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(now)
	s.entries[trimmed] = memoryEntry{value: value, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryStore) SetIfNotExists(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("store: memory store is not configured")
	}
	trimmed, err := validateEntry(key, value, ttl)
	if err != nil {
		return false, err
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(now)
	if entry, ok := s.entries[trimmed]; ok && now.Before(entry.expiresAt) {
		return false, nil
	}
	s.entries[trimmed] = memoryEntry{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("store: memory store is not configured")
	}
	trimmed, err := validateKey(key)
	if err != nil {
		return false, err
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	existed := false
	if entry, ok := s.entries[trimmed]; ok {
		existed = now.Before(entry.expiresAt)
		delete(s.entries, trimmed)
	}
	if log, ok := s.logs[trimmed]; ok {
		existed = existed || now.Before(log.expiresAt)
		delete(s.logs, trimmed)
	}
	if bucket, ok := s.buckets[trimmed]; ok {
		existed = existed || now.Before(bucket.expiresAt)
		delete(s.buckets, trimmed)
	}
	return existed, nil
}

func (s *MemoryStore) Eval(_ context.Context, script Script, keys []string, args ...any) (any, error) {
	if s == nil {
		return nil, fmt.Errorf("store: memory store is not configured")
	}
	if len(keys) == 0 {
		return nil, ErrKeyRequired
	}
	key, err := validateKey(keys[0])
	if err != nil {
		return nil, err
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(now)
	switch script.Name {
	case CompareAndDelete.Name:
		return s.compareAndDeleteLocked(key, args, now)
	case CompareAndExtend.Name:
		return s.compareAndExtendLocked(key, args, now)
	case FixedWindowIncr.Name:
		return s.fixedWindowIncrLocked(key, args, now)
	case SlidingWindowCount.Name:
		return s.slidingWindowCountLocked(key, args, now)
	case TokenBucketTake.Name:
		return s.tokenBucketTakeLocked(key, args, now)
	case ViolationBump.Name:
		return s.violationBumpLocked(key, args, now)
	default:
		return nil, fmt.Errorf("%w: %q", ErrScriptUnknown, script.Name)
	}
}

// PurgeExpired drops every expired entry and reports how many were removed.
func (s *MemoryStore) PurgeExpired(_ context.Context) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("store: memory store is not configured")
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeExpiredLocked(now), nil
}

func (s *MemoryStore) compareAndDeleteLocked(key string, args []any, now time.Time) (any, error) {
	token, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	entry, ok := s.entries[key]
	if !ok || !now.Before(entry.expiresAt) || entry.value != token {
		return int64(0), nil
	}
	delete(s.entries, key)
	return int64(1), nil
}

func (s *MemoryStore) compareAndExtendLocked(key string, args []any, now time.Time) (any, error) {
	token, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	ttlMillis, err := argInt(args, 1)
	if err != nil {
		return nil, err
	}
	entry, ok := s.entries[key]
	if !ok || !now.Before(entry.expiresAt) || entry.value != token {
		return int64(0), nil
	}
	entry.expiresAt = now.Add(time.Duration(ttlMillis) * time.Millisecond)
	s.entries[key] = entry
	return int64(1), nil
}

func (s *MemoryStore) fixedWindowIncrLocked(key string, args []any, now time.Time) (any, error) {
	windowMillis, err := argInt(args, 0)
	if err != nil {
		return nil, err
	}
	count, expiresAt, err := s.incrLocked(key, now)
	if err != nil {
		return nil, err
	}
	if count == 1 {
		expiresAt = now.Add(time.Duration(windowMillis) * time.Millisecond)
	}
	s.entries[key] = memoryEntry{value: strconv.FormatInt(count, 10), expiresAt: expiresAt}
	return count, nil
}

func (s *MemoryStore) slidingWindowCountLocked(key string, args []any, now time.Time) (any, error) {
	nowMillis, err := argInt(args, 0)
	if err != nil {
		return nil, err
	}
	windowMillis, err := argInt(args, 1)
	if err != nil {
		return nil, err
	}
	limit, err := argInt(args, 2)
	if err != nil {
		return nil, err
	}
	member, err := argString(args, 3)
	if err != nil {
		return nil, err
	}

	log := s.logs[key]
	cutoff := nowMillis - windowMillis
	kept := log.entries[:0]
	for _, entry := range log.entries {
		if entry.score > cutoff {
			kept = append(kept, entry)
		}
	}
	log.entries = kept

	count := int64(len(log.entries))
	if count < limit {
		log.entries = append(log.entries, memoryLogEntry{score: nowMillis, member: member})
		sort.Slice(log.entries, func(i, j int) bool { return log.entries[i].score < log.entries[j].score })
		log.expiresAt = now.Add(time.Duration(windowMillis) * time.Millisecond)
		s.logs[key] = log
		return []any{int64(1), count + 1, int64(0)}, nil
	}

	retry := windowMillis
	if len(log.entries) > 0 {
		retry = log.entries[0].score + windowMillis - nowMillis
	}
	s.logs[key] = log
	return []any{int64(0), count, retry}, nil
}

func (s *MemoryStore) tokenBucketTakeLocked(key string, args []any, now time.Time) (any, error) {
	capacity, err := argFloat(args, 0)
	if err != nil {
		return nil, err
	}
	rate, err := argFloat(args, 1)
	if err != nil {
		return nil, err
	}
	nowMillis, err := argInt(args, 2)
	if err != nil {
		return nil, err
	}
	idleMillis, err := argInt(args, 3)
	if err != nil {
		return nil, err
	}

	bucket, ok := s.buckets[key]
	if !ok || !now.Before(bucket.expiresAt) {
		bucket = memoryBucket{tokens: capacity, ts: nowMillis}
	}
	elapsed := nowMillis - bucket.ts
	if elapsed > 0 {
		bucket.tokens = math.Min(capacity, bucket.tokens+(float64(elapsed)/1000.0)*rate)
		bucket.ts = nowMillis
	}
	allowed := int64(0)
	if bucket.tokens >= 1 {
		bucket.tokens--
		allowed = 1
	}
	bucket.expiresAt = now.Add(time.Duration(idleMillis) * time.Millisecond)
	s.buckets[key] = bucket

	retry := int64(0)
	if allowed == 0 && rate > 0 {
		retry = int64(math.Ceil(((1 - bucket.tokens) / rate) * 1000))
	}
	tokens := strconv.FormatFloat(bucket.tokens, 'f', -1, 64)
	return []any{allowed, tokens, retry}, nil
}

func (s *MemoryStore) violationBumpLocked(key string, args []any, now time.Time) (any, error) {
	baseMillis, err := argInt(args, 0)
	if err != nil {
		return nil, err
	}
	capMillis, err := argInt(args, 1)
	if err != nil {
		return nil, err
	}
	count, _, err := s.incrLocked(key, now)
	if err != nil {
		return nil, err
	}
	penalty := float64(baseMillis) * math.Pow(2, float64(count-1))
	if capMillis > 0 && penalty > float64(capMillis) {
		penalty = float64(capMillis)
	}
	s.entries[key] = memoryEntry{
		value:     strconv.FormatInt(count, 10),
		expiresAt: now.Add(time.Duration(penalty) * time.Millisecond),
	}
	return count, nil
}

func (s *MemoryStore) incrLocked(key string, now time.Time) (int64, time.Time, error) {
	entry, ok := s.entries[key]
	if !ok || !now.Before(entry.expiresAt) {
		return 1, time.Time{}, nil
	}
	current, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("store: value at %q is not a counter", key)
	}
	return current + 1, entry.expiresAt, nil
}

func (s *MemoryStore) pruneLocked(now time.Time) {
	if len(s.entries)+len(s.logs)+len(s.buckets) < s.pruneWatermark {
		return
	}
	s.purgeExpiredLocked(now)
}

func (s *MemoryStore) purgeExpiredLocked(now time.Time) int {
	removed := 0
	for key, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	for key, log := range s.logs {
		if !now.Before(log.expiresAt) {
			delete(s.logs, key)
			removed++
		}
	}
	for key, bucket := range s.buckets {
		if !now.Before(bucket.expiresAt) {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func argString(args []any, index int) (string, error) {
	if index >= len(args) {
		return "", fmt.Errorf("store: script argument %d is missing", index)
	}
	switch typed := args[index].(type) {
	case string:
		return typed, nil
	case int64:
		return strconv.FormatInt(typed, 10), nil
	case int:
		return strconv.Itoa(typed), nil
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("store: script argument %d has unsupported type %T", index, args[index])
	}
}

func argInt(args []any, index int) (int64, error) {
	raw, err := argString(args, index)
	if err != nil {
		return 0, err
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: script argument %d is not an integer: %w", index, err)
	}
	return parsed, nil
}

func argFloat(args []any, index int) (float64, error) {
	raw, err := argString(args, index)
	if err != nil {
		return 0, err
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("store: script argument %d is not a number: %w", index, err)
	}
	return parsed, nil
}

var _ Store = (*MemoryStore)(nil)
