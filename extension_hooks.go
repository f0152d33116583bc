package guard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-guard/ratelimit"
)

// RuleBinding pins one limit rule to a tenant and operation scope.
type RuleBinding struct {
	Tenant    string
	Operation string
	Rule      ratelimit.Rule
}

// RulePack is a named batch of limit rules a deployment ships as a
// unit, such as the default tiers for a plan.
type RulePack struct {
	Name  string
	Rules []RuleBinding
}

// RuleUpserter seeds limit rules. The in-process rule store, the SQL
// rule store, and the cached decorator all satisfy it.
type RuleUpserter interface {
	Upsert(ctx context.Context, tenant, operation string, rule ratelimit.Rule) error
}

// CommandBundleFactory builds a named set of host-owned admin helpers
// around a service.
type CommandBundleFactory func(service *Service) (any, error)

// ExtensionHooks collects host contributions before the service starts:
// rule packs to seed into the rule store and command bundles to build
// once the service exists. Registration is concurrency safe.
type ExtensionHooks struct {
	mu        sync.RWMutex
	rulePacks map[string]RulePack
	bundles   map[string]CommandBundleFactory
}

// NewExtensionHooks returns an empty registry.
func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		rulePacks: map[string]RulePack{},
		bundles:   map[string]CommandBundleFactory{},
	}
}

// RegisterRulePack records a named rule pack. Every binding is validated
// at registration so a bad pack fails before it reaches a store.
func (h *ExtensionHooks) RegisterRulePack(pack RulePack) error {
	if h == nil {
		return fmt.Errorf("guard: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("guard: rule pack name is required")
	}
	if len(pack.Rules) == 0 {
		return fmt.Errorf("guard: rule pack %q has no rules", name)
	}
	for i, binding := range pack.Rules {
		if strings.TrimSpace(binding.Tenant) == "" {
			return fmt.Errorf("guard: rule pack %q binding %d is missing a tenant", name, i)
		}
		if strings.TrimSpace(binding.Operation) == "" {
			return fmt.Errorf("guard: rule pack %q binding %d is missing an operation", name, i)
		}
		if err := binding.Rule.Validate(); err != nil {
			return fmt.Errorf("guard: rule pack %q binding %d: %w", name, i, err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.rulePacks[name]; exists {
		return fmt.Errorf("guard: rule pack %q is already registered", name)
	}
	pack.Name = name
	h.rulePacks[name] = pack
	return nil
}

// ApplyRulePacks upserts every registered binding into rules, iterating
// packs in name order so reapplication is deterministic.
func (h *ExtensionHooks) ApplyRulePacks(ctx context.Context, rules RuleUpserter) error {
	if h == nil {
		return nil
	}
	if rules == nil {
		return fmt.Errorf("guard: rule upserter is required")
	}
	for _, pack := range h.RulePacks() {
		for _, binding := range pack.Rules {
			if err := rules.Upsert(ctx, binding.Tenant, binding.Operation, binding.Rule); err != nil {
				return fmt.Errorf("guard: rule pack %q: %w", pack.Name, err)
			}
		}
	}
	return nil
}

// RegisterCommandBundle records a named bundle factory.
func (h *ExtensionHooks) RegisterCommandBundle(name string, factory CommandBundleFactory) error {
	if h == nil {
		return fmt.Errorf("guard: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("guard: command bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("guard: command bundle %q has a nil factory", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("guard: command bundle %q is already registered", name)
	}
	h.bundles[name] = factory
	return nil
}

// BuildCommandBundles runs every registered factory against service in
// name order and returns the bundles keyed by name. The first factory
// error aborts the build.
func (h *ExtensionHooks) BuildCommandBundles(service *Service) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if service == nil {
		return nil, fmt.Errorf("guard: service is required")
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	factories := make(map[string]CommandBundleFactory, len(h.bundles))
	for name, factory := range h.bundles {
		factories[name] = factory
	}
	h.mu.RUnlock()

	sort.Strings(names)
	built := make(map[string]any, len(names))
	for _, name := range names {
		bundle, err := factories[name](service)
		if err != nil {
			return nil, fmt.Errorf("guard: command bundle %q: %w", name, err)
		}
		built[name] = bundle
	}
	return built, nil
}

// RulePacks returns the registered packs sorted by name.
func (h *ExtensionHooks) RulePacks() []RulePack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	packs := make([]RulePack, 0, len(h.rulePacks))
	for _, pack := range h.rulePacks {
		packs = append(packs, pack)
	}
	sort.Slice(packs, func(i, j int) bool { return packs[i].Name < packs[j].Name })
	return packs
}

// BundleNames returns the registered bundle names sorted.
func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
