package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-guard/ratelimit"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// LimitRuleStore persists per-tenant rate limit rules. One row per
// tenant and operation pair; Resolve misses report ok=false so the
// limiter can fall back to its default rule.
type LimitRuleStore struct {
	db   *bun.DB
	repo repository.Repository[*limitRuleRecord]
}

func NewLimitRuleStore(db *bun.DB) (*LimitRuleStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*limitRuleRecord](db, limitRuleHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid limit rule repository wiring: %w", err)
		}
	}
	return &LimitRuleStore{
		db:   db,
		repo: repo,
	}, nil
}

func (s *LimitRuleStore) Resolve(ctx context.Context, tenant, operation string) (ratelimit.Rule, bool, error) {
	if s == nil || s.repo == nil {
		return ratelimit.Rule{}, false, fmt.Errorf("sqlstore: limit rule store is not configured")
	}
	tenant, operation = normalizeRuleScope(tenant, operation)
	if err := validateRuleScope(tenant, operation); err != nil {
		return ratelimit.Rule{}, false, err
	}

	records, _, err := s.repo.List(ctx,
		repository.SelectBy("tenant", "=", tenant),
		repository.SelectBy("operation", "=", operation),
		repository.OrderBy("updated_at DESC"),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Limit(1)
		}),
	)
	if err != nil {
		return ratelimit.Rule{}, false, err
	}
	if len(records) == 0 {
		return ratelimit.Rule{}, false, nil
	}
	return records[0].toDomain(), true, nil
}

func (s *LimitRuleStore) Upsert(ctx context.Context, tenant, operation string, rule ratelimit.Rule) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: limit rule store is not configured")
	}
	tenant, operation = normalizeRuleScope(tenant, operation)
	if err := validateRuleScope(tenant, operation); err != nil {
		return err
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findLimitRuleTx(ctx, tx, tenant, operation)
		if err != nil {
			return err
		}
		created := false
		if record == nil {
			created = true
			record = &limitRuleRecord{
				ID:        uuid.NewString(),
				Tenant:    tenant,
				Operation: operation,
				CreatedAt: now,
			}
		}
		record.Algorithm = string(rule.Algorithm)
		record.RateLimit = rule.Limit
		record.WindowMS = rule.Window.Milliseconds()
		record.Capacity = rule.Capacity
		record.RefillRate = rule.RefillRate
		record.BasePenaltyMS = rule.BasePenalty.Milliseconds()
		record.UpdatedAt = now

		if created {
			_, insertErr := s.repo.CreateTx(ctx, tx, record)
			return insertErr
		}
		_, updateErr := tx.NewUpdate().
			Model(record).
			Where("id = ?", record.ID).
			Exec(ctx)
		return updateErr
	})
}

func (s *LimitRuleStore) Delete(ctx context.Context, tenant, operation string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: limit rule store is not configured")
	}
	tenant, operation = normalizeRuleScope(tenant, operation)
	if err := validateRuleScope(tenant, operation); err != nil {
		return false, err
	}

	res, err := s.db.NewDelete().
		Model((*limitRuleRecord)(nil)).
		Where("tenant = ?", tenant).
		Where("operation = ?", operation).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func findLimitRuleTx(ctx context.Context, tx bun.Tx, tenant, operation string) (*limitRuleRecord, error) {
	record := &limitRuleRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.tenant = ?", tenant).
		Where("?TableAlias.operation = ?", operation).
		OrderExpr("?TableAlias.updated_at DESC").
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

func normalizeRuleScope(tenant, operation string) (string, string) {
	return strings.TrimSpace(strings.ToLower(tenant)), strings.TrimSpace(strings.ToLower(operation))
}

func validateRuleScope(tenant, operation string) error {
	if tenant == "" {
		return fmt.Errorf("sqlstore: rule tenant is required")
	}
	if operation == "" {
		return fmt.Errorf("sqlstore: rule operation is required")
	}
	return nil
}

var _ ratelimit.RuleStore = (*LimitRuleStore)(nil)
