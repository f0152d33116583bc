package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// RuleStore resolves the limit rule for a tenant and operation. A miss
// reports ok=false with a nil error so callers can fall back to defaults.
type RuleStore interface {
	Resolve(ctx context.Context, tenant, operation string) (Rule, bool, error)
}

type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: map[string]Rule{}}
}

func (s *MemoryRuleStore) Resolve(_ context.Context, tenant, operation string) (Rule, bool, error) {
	if s == nil {
		return Rule{}, false, fmt.Errorf("ratelimit: rule store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[ruleKey(tenant, operation)]
	return rule, ok, nil
}

func (s *MemoryRuleStore) Upsert(_ context.Context, tenant, operation string, rule Rule) error {
	if s == nil {
		return fmt.Errorf("ratelimit: rule store is nil")
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[ruleKey(tenant, operation)] = rule
	return nil
}

// Delete removes the rule for a tenant and operation. It reports whether a
// rule existed; deleting a missing rule is not an error.
func (s *MemoryRuleStore) Delete(_ context.Context, tenant, operation string) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("ratelimit: rule store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ruleKey(tenant, operation)
	_, ok := s.rules[key]
	if ok {
		delete(s.rules, key)
	}
	return ok, nil
}

func ruleKey(tenant, operation string) string {
	return strings.TrimSpace(strings.ToLower(tenant)) + "|" + strings.TrimSpace(strings.ToLower(operation))
}

var _ RuleStore = (*MemoryRuleStore)(nil)
