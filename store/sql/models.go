package sqlstore

import (
	"time"

	"github.com/goliatone/go-guard/ratelimit"
	"github.com/uptrace/bun"
)

type kvRecord struct {
	bun.BaseModel `bun:"table:guard_kv,alias:gkv"`

	Key       string    `bun:"key,pk"`
	Value     string    `bun:"value,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
}

type limitRuleRecord struct {
	bun.BaseModel `bun:"table:guard_limit_rules,alias:glr"`

	ID            string    `bun:"id,pk"`
	Tenant        string    `bun:"tenant,notnull"`
	Operation     string    `bun:"operation,notnull"`
	Algorithm     string    `bun:"algorithm,notnull"`
	RateLimit     int       `bun:"rate_limit,notnull"`
	WindowMS      int64     `bun:"window_ms,notnull"`
	Capacity      int       `bun:"capacity,notnull"`
	RefillRate    float64   `bun:"refill_rate,notnull"`
	BasePenaltyMS int64     `bun:"base_penalty_ms,notnull"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *limitRuleRecord) toDomain() ratelimit.Rule {
	if r == nil {
		return ratelimit.Rule{}
	}
	return ratelimit.Rule{
		Algorithm:   ratelimit.Algorithm(r.Algorithm),
		Limit:       r.RateLimit,
		Window:      time.Duration(r.WindowMS) * time.Millisecond,
		Capacity:    r.Capacity,
		RefillRate:  r.RefillRate,
		BasePenalty: time.Duration(r.BasePenaltyMS) * time.Millisecond,
	}
}
