package guard

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/goliatone/go-guard/store"
	sqlstore "github.com/goliatone/go-guard/store/sql"
)

// MemoryBackend builds the in-process store. Suitable for tests and
// single-instance deployments; entries do not survive restarts and are
// not shared across processes.
func MemoryBackend(prefix string) *store.MemoryStore {
	return store.NewMemoryStore(prefix)
}

// RedisBackend builds the Redis-backed store shared guard instances
// coordinate through. The client may be a single node, sentinel, or
// cluster client.
func RedisBackend(client redis.UniversalClient, prefix string) (*store.RedisStore, error) {
	return store.NewRedisStore(client, prefix)
}

// SQLBackend builds the bun-backed stores from a persistence client.
// The returned factory exposes the key-value store and the limit rule
// store over the same handle.
func SQLBackend(client *persistence.Client) (*sqlstore.RepositoryFactory, error) {
	return sqlstore.NewRepositoryFactoryFromPersistence(client)
}

// SQLBackendFromDB builds the bun-backed stores from a raw bun handle,
// for hosts that manage the connection themselves.
func SQLBackendFromDB(db *bun.DB) (*sqlstore.RepositoryFactory, error) {
	return sqlstore.NewRepositoryFactoryFromDB(db)
}

// PostgresBackend opens a Postgres handle over dsn and builds the SQL
// stores on it. The schema under data/sql/migrations must already be
// applied; GetMigrationsFS exposes it for the host's migration runner.
func PostgresBackend(dsn string) (*sqlstore.RepositoryFactory, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("guard: postgres dsn is required")
	}
	sqldb, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return sqlstore.NewRepositoryFactoryFromDB(bun.NewDB(sqldb, pgdialect.New()))
}

// SQLiteBackend opens a file or in-memory SQLite handle and builds the
// SQL stores on it. Single-writer deployments run guard this way without
// extra infrastructure; the dialect alternatives under
// data/sql/migrations/sqlite carry the matching schema.
func SQLiteBackend(path string) (*sqlstore.RepositoryFactory, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("guard: sqlite path is required")
	}
	sqldb, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	return sqlstore.NewRepositoryFactoryFromDB(bun.NewDB(sqldb, sqlitedialect.New()))
}

// CachedRuleStore decorates a writable rule store with a read-through
// cache that holds resolutions for ttl. Writes invalidate the touched
// scope, so stale reads never outlive an admin change by more than the
// in-flight lookups.
func CachedRuleStore(base sqlstore.RuleSource, ttl time.Duration) (*sqlstore.CachedLimitRuleStore, error) {
	if base == nil {
		return nil, fmt.Errorf("guard: base rule store is required")
	}
	config := repositorycache.DefaultConfig()
	if ttl > 0 {
		config.TTL = ttl
	}
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		return nil, err
	}
	return sqlstore.NewCachedLimitRuleStore(base, service)
}
