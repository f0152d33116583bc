package sqlstore

import (
	"github.com/goliatone/go-guard/store"
)

var (
	_ store.Store = (*KVStore)(nil)
	_ RuleSource  = (*LimitRuleStore)(nil)
	_ RuleSource  = (*CachedLimitRuleStore)(nil)
)
