package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-guard/ratelimit"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const limitRuleCacheKeyPrefix = "go-guard::limit_rules::v1"

// RuleSource is the writable rule contract the cached wrapper decorates.
type RuleSource interface {
	ratelimit.RuleStore
	Upsert(ctx context.Context, tenant, operation string, rule ratelimit.Rule) error
	Delete(ctx context.Context, tenant, operation string) (bool, error)
}

// CachedLimitRuleStore serves Resolve through a read-through cache and
// invalidates on writes. Misses are cached too: a tenant without a custom
// rule resolves on every request, and each lookup must stay cheap.
type CachedLimitRuleStore struct {
	base  RuleSource
	cache repositorycache.CacheService
}

func NewCachedLimitRuleStore(base RuleSource, cacheService repositorycache.CacheService) (*CachedLimitRuleStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base limit rule store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: limit rule cache service is required")
	}
	return &CachedLimitRuleStore{base: base, cache: cacheService}, nil
}

// LimitRuleCacheKey returns the deterministic cache key contract for rule
// reads: go-guard::limit_rules::v1::<tenant>::<operation> with each segment
// URL-path escaped after scope normalization.
func LimitRuleCacheKey(tenant, operation string) (string, error) {
	tenant, operation = normalizeRuleScope(tenant, operation)
	if err := validateRuleScope(tenant, operation); err != nil {
		return "", err
	}
	segments := []string{url.PathEscape(tenant), url.PathEscape(operation)}
	return strings.Join(append([]string{limitRuleCacheKeyPrefix}, segments...), "::"), nil
}

type ruleLookup struct {
	Rule  ratelimit.Rule
	Found bool
}

func (s *CachedLimitRuleStore) Resolve(ctx context.Context, tenant, operation string) (ratelimit.Rule, bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return ratelimit.Rule{}, false, fmt.Errorf("sqlstore: cached limit rule store is not configured")
	}
	tenant, operation = normalizeRuleScope(tenant, operation)
	cacheKey, err := LimitRuleCacheKey(tenant, operation)
	if err != nil {
		return ratelimit.Rule{}, false, err
	}

	lookup, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (ruleLookup, error) {
		rule, found, fetchErr := s.base.Resolve(ctx, tenant, operation)
		if fetchErr != nil {
			return ruleLookup{}, fetchErr
		}
		return ruleLookup{Rule: rule, Found: found}, nil
	})
	if err != nil {
		return ratelimit.Rule{}, false, err
	}
	return lookup.Rule, lookup.Found, nil
}

func (s *CachedLimitRuleStore) Upsert(ctx context.Context, tenant, operation string, rule ratelimit.Rule) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached limit rule store is not configured")
	}
	tenant, operation = normalizeRuleScope(tenant, operation)
	if err := validateRuleScope(tenant, operation); err != nil {
		return err
	}

	if err := s.base.Upsert(ctx, tenant, operation, rule); err != nil {
		return err
	}
	return s.invalidate(ctx, tenant, operation)
}

func (s *CachedLimitRuleStore) Delete(ctx context.Context, tenant, operation string) (bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return false, fmt.Errorf("sqlstore: cached limit rule store is not configured")
	}
	tenant, operation = normalizeRuleScope(tenant, operation)
	if err := validateRuleScope(tenant, operation); err != nil {
		return false, err
	}

	existed, err := s.base.Delete(ctx, tenant, operation)
	if err != nil {
		return existed, err
	}
	return existed, s.invalidate(ctx, tenant, operation)
}

func (s *CachedLimitRuleStore) invalidate(ctx context.Context, tenant, operation string) error {
	cacheKey, err := LimitRuleCacheKey(tenant, operation)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

var _ ratelimit.RuleStore = (*CachedLimitRuleStore)(nil)
