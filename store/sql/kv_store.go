// Package sqlstore backs the guard store contract with bun. Expiry is
// logical: rows carry an expires_at column, readers treat lapsed rows as
// absent, and PurgeExpired removes them. Scripts run inside RunInTx; the
// Redis backend remains the fit for strict cross-replica atomicity at
// high contention.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-guard/store"
	"github.com/lib/pq"
	"github.com/uptrace/bun"
)

// DefaultKeyPrefix namespaces guard keys when the caller does not pick one.
const DefaultKeyPrefix = "guard"

// KVStore implements store.Store on a single guard_kv table.
type KVStore struct {
	db     *bun.DB
	prefix string

	// Now is injectable for deterministic expiry in tests.
	Now func() time.Time
}

func NewKVStore(db *bun.DB, prefix string) (*KVStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultKeyPrefix
	}
	return &KVStore{db: db, prefix: prefix}, nil
}

func (s *KVStore) BuildKey(parts ...string) string {
	if s == nil {
		return store.JoinKey("", parts...)
	}
	return store.JoinKey(s.prefix, parts...)
}

func (s *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, fmt.Errorf("sqlstore: kv store is not configured")
	}
	trimmed, err := validateKey(key)
	if err != nil {
		return "", false, err
	}

	record := &kvRecord{}
	err = s.db.NewSelect().
		Model(record).
		Where("?TableAlias.key = ?", trimmed).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	if !s.now().Before(record.ExpiresAt) {
		return "", false, nil
	}
	return record.Value, true, nil
}

func (s *KVStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: kv store is not configured")
	}
	trimmed, err := validateEntry(key, value, ttl)
	if err != nil {
		return err
	}

	expiresAt := s.now().Add(ttl)
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findKVTx(ctx, tx, trimmed)
		if err != nil {
			return err
		}
		return saveKVTx(ctx, tx, record, trimmed, value, expiresAt)
	})
}

func (s *KVStore) SetIfNotExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: kv store is not configured")
	}
	trimmed, err := validateEntry(key, value, ttl)
	if err != nil {
		return false, err
	}

	now := s.now()
	record := &kvRecord{Key: trimmed, Value: value, ExpiresAt: now.Add(ttl)}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if !isUniqueViolation(err) {
			return false, err
		}
		// The key is taken; claim it only when the previous entry has lapsed.
		res, updateErr := s.db.NewUpdate().
			Model((*kvRecord)(nil)).
			Set("value = ?", value).
			Set("expires_at = ?", record.ExpiresAt).
			Where("key = ?", trimmed).
			Where("expires_at <= ?", now).
			Exec(ctx)
		if updateErr != nil {
			return false, updateErr
		}
		affected, affectedErr := res.RowsAffected()
		if affectedErr != nil {
			return false, affectedErr
		}
		return affected > 0, nil
	}
	return true, nil
}

func (s *KVStore) Delete(ctx context.Context, key string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: kv store is not configured")
	}
	trimmed, err := validateKey(key)
	if err != nil {
		return false, err
	}

	now := s.now()
	existed := false
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, findErr := findKVTx(ctx, tx, trimmed)
		if findErr != nil {
			return findErr
		}
		if record == nil {
			return nil
		}
		if _, deleteErr := tx.NewDelete().
			Model((*kvRecord)(nil)).
			Where("key = ?", trimmed).
			Exec(ctx); deleteErr != nil {
			return deleteErr
		}
		existed = now.Before(record.ExpiresAt)
		return nil
	})
	if err != nil {
		return false, err
	}
	return existed, nil
}

func (s *KVStore) Eval(ctx context.Context, script store.Script, keys []string, args ...any) (any, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: kv store is not configured")
	}
	if len(keys) == 0 {
		return nil, store.ErrKeyRequired
	}
	key, err := validateKey(keys[0])
	if err != nil {
		return nil, err
	}

	now := s.now()
	var result any
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var txErr error
		switch script.Name {
		case store.CompareAndDelete.Name:
			result, txErr = compareAndDeleteTx(ctx, tx, key, args, now)
		case store.CompareAndExtend.Name:
			result, txErr = compareAndExtendTx(ctx, tx, key, args, now)
		case store.FixedWindowIncr.Name:
			result, txErr = fixedWindowIncrTx(ctx, tx, key, args, now)
		case store.SlidingWindowCount.Name:
			result, txErr = slidingWindowCountTx(ctx, tx, key, args, now)
		case store.TokenBucketTake.Name:
			result, txErr = tokenBucketTakeTx(ctx, tx, key, args, now)
		case store.ViolationBump.Name:
			result, txErr = violationBumpTx(ctx, tx, key, args, now)
		default:
			txErr = fmt.Errorf("%w: %q", store.ErrScriptUnknown, script.Name)
		}
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PurgeExpired deletes rows whose logical TTL has lapsed and reports how
// many were removed.
func (s *KVStore) PurgeExpired(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: kv store is not configured")
	}
	return s.PurgeExpiredBefore(ctx, s.now())
}

// PurgeExpiredBefore deletes rows that expired at or before cutoff. A zero
// cutoff means now.
func (s *KVStore) PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: kv store is not configured")
	}
	if cutoff.IsZero() {
		cutoff = s.now()
	}
	res, err := s.db.NewDelete().
		Model((*kvRecord)(nil)).
		Where("expires_at <= ?", cutoff.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *KVStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func compareAndDeleteTx(ctx context.Context, tx bun.Tx, key string, args []any, now time.Time) (any, error) {
	token, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	record, err := findKVTx(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if record == nil || !now.Before(record.ExpiresAt) || record.Value != token {
		return int64(0), nil
	}
	if _, err := tx.NewDelete().
		Model((*kvRecord)(nil)).
		Where("key = ?", key).
		Exec(ctx); err != nil {
		return nil, err
	}
	return int64(1), nil
}

func compareAndExtendTx(ctx context.Context, tx bun.Tx, key string, args []any, now time.Time) (any, error) {
	token, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	ttlMillis, err := argInt(args, 1)
	if err != nil {
		return nil, err
	}
	record, err := findKVTx(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if record == nil || !now.Before(record.ExpiresAt) || record.Value != token {
		return int64(0), nil
	}
	expiresAt := now.Add(time.Duration(ttlMillis) * time.Millisecond)
	if _, err := tx.NewUpdate().
		Model((*kvRecord)(nil)).
		Set("expires_at = ?", expiresAt).
		Where("key = ?", key).
		Exec(ctx); err != nil {
		return nil, err
	}
	return int64(1), nil
}

func fixedWindowIncrTx(ctx context.Context, tx bun.Tx, key string, args []any, now time.Time) (any, error) {
	windowMillis, err := argInt(args, 0)
	if err != nil {
		return nil, err
	}
	record, err := findKVTx(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	count, expiresAt, err := counterFrom(record, now)
	if err != nil {
		return nil, err
	}
	if count == 1 {
		expiresAt = now.Add(time.Duration(windowMillis) * time.Millisecond)
	}
	if err := saveKVTx(ctx, tx, record, key, strconv.FormatInt(count, 10), expiresAt); err != nil {
		return nil, err
	}
	return count, nil
}

func slidingWindowCountTx(ctx context.Context, tx bun.Tx, key string, args []any, now time.Time) (any, error) {
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
	if _, err := argString(args, 3); err != nil {
		return nil, err
	}

	record, err := findKVTx(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	var scores []int64
	expiresAt := time.Time{}
	if record != nil && now.Before(record.ExpiresAt) {
		if err := json.Unmarshal([]byte(record.Value), &scores); err != nil {
			return nil, fmt.Errorf("sqlstore: value at %q is not a window log: %w", key, err)
		}
		expiresAt = record.ExpiresAt
	}

	cutoff := nowMillis - windowMillis
	kept := scores[:0]
	for _, score := range scores {
		if score > cutoff {
			kept = append(kept, score)
		}
	}

	count := int64(len(kept))
	if count < limit {
		kept = append(kept, nowMillis)
		sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })
		expiresAt = now.Add(time.Duration(windowMillis) * time.Millisecond)
		if err := saveWindowLogTx(ctx, tx, record, key, kept, expiresAt); err != nil {
			return nil, err
		}
		return []any{int64(1), count + 1, int64(0)}, nil
	}

	retry := windowMillis
	if len(kept) > 0 {
		retry = kept[0] + windowMillis - nowMillis
	}
	if err := saveWindowLogTx(ctx, tx, record, key, kept, expiresAt); err != nil {
		return nil, err
	}
	return []any{int64(0), count, retry}, nil
}

func tokenBucketTakeTx(ctx context.Context, tx bun.Tx, key string, args []any, now time.Time) (any, error) {
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

	record, err := findKVTx(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	state := bucketState{Tokens: capacity, TS: nowMillis}
	if record != nil && now.Before(record.ExpiresAt) {
		if err := json.Unmarshal([]byte(record.Value), &state); err != nil {
			return nil, fmt.Errorf("sqlstore: value at %q is not a token bucket: %w", key, err)
		}
	}

	elapsed := nowMillis - state.TS
	if elapsed > 0 {
		state.Tokens = math.Min(capacity, state.Tokens+(float64(elapsed)/1000.0)*rate)
		state.TS = nowMillis
	}
	allowed := int64(0)
	if state.Tokens >= 1 {
		state.Tokens--
		allowed = 1
	}

	encoded, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: encode token bucket: %w", err)
	}
	expiresAt := now.Add(time.Duration(idleMillis) * time.Millisecond)
	if err := saveKVTx(ctx, tx, record, key, string(encoded), expiresAt); err != nil {
		return nil, err
	}

	retry := int64(0)
	if allowed == 0 && rate > 0 {
		retry = int64(math.Ceil(((1 - state.Tokens) / rate) * 1000))
	}
	tokens := strconv.FormatFloat(state.Tokens, 'f', -1, 64)
	return []any{allowed, tokens, retry}, nil
}

func violationBumpTx(ctx context.Context, tx bun.Tx, key string, args []any, now time.Time) (any, error) {
	baseMillis, err := argInt(args, 0)
	if err != nil {
		return nil, err
	}
	capMillis, err := argInt(args, 1)
	if err != nil {
		return nil, err
	}
	record, err := findKVTx(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	count, _, err := counterFrom(record, now)
	if err != nil {
		return nil, err
	}
	penalty := float64(baseMillis) * math.Pow(2, float64(count-1))
	if capMillis > 0 && penalty > float64(capMillis) {
		penalty = float64(capMillis)
	}
	expiresAt := now.Add(time.Duration(penalty) * time.Millisecond)
	if err := saveKVTx(ctx, tx, record, key, strconv.FormatInt(count, 10), expiresAt); err != nil {
		return nil, err
	}
	return count, nil
}

type bucketState struct {
	Tokens float64 `json:"tokens"`
	TS     int64   `json:"ts"`
}

func findKVTx(ctx context.Context, tx bun.Tx, key string) (*kvRecord, error) {
	record := &kvRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// saveKVTx updates existing in place so an expired row can be reclaimed
// without tripping the primary key.
func saveKVTx(ctx context.Context, tx bun.Tx, existing *kvRecord, key, value string, expiresAt time.Time) error {
	if existing == nil {
		record := &kvRecord{Key: key, Value: value, ExpiresAt: expiresAt.UTC()}
		_, err := tx.NewInsert().Model(record).Exec(ctx)
		return err
	}
	_, err := tx.NewUpdate().
		Model((*kvRecord)(nil)).
		Set("value = ?", value).
		Set("expires_at = ?", expiresAt.UTC()).
		Where("key = ?", key).
		Exec(ctx)
	return err
}

func saveWindowLogTx(ctx context.Context, tx bun.Tx, existing *kvRecord, key string, scores []int64, expiresAt time.Time) error {
	encoded, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("sqlstore: encode window log: %w", err)
	}
	return saveKVTx(ctx, tx, existing, key, string(encoded), expiresAt)
}

func counterFrom(record *kvRecord, now time.Time) (int64, time.Time, error) {
	if record == nil || !now.Before(record.ExpiresAt) {
		return 1, time.Time{}, nil
	}
	current, err := strconv.ParseInt(record.Value, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("sqlstore: value at %q is not a counter", record.Key)
	}
	return current + 1, record.ExpiresAt, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

func validateKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", store.ErrKeyRequired
	}
	return trimmed, nil
}

func validateEntry(key, value string, ttl time.Duration) (string, error) {
	trimmed, err := validateKey(key)
	if err != nil {
		return "", err
	}
	if value == "" {
		return "", store.ErrValueRequired
	}
	if ttl <= 0 {
		return "", store.ErrTTLRequired
	}
	return trimmed, nil
}

func argString(args []any, index int) (string, error) {
	if index >= len(args) {
		return "", fmt.Errorf("sqlstore: script argument %d is missing", index)
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
		return "", fmt.Errorf("sqlstore: script argument %d has unsupported type %T", index, args[index])
	}
}

func argInt(args []any, index int) (int64, error) {
	raw, err := argString(args, index)
	if err != nil {
		return 0, err
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: script argument %d is not an integer: %w", index, err)
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
		return 0, fmt.Errorf("sqlstore: script argument %d is not a number: %w", index, err)
	}
	return parsed, nil
}
