package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[ReleaseLockMessage]     = (*ReleaseLockCommand)(nil)
	_ gocmd.Commander[ResetCircuitMessage]    = (*ResetCircuitCommand)(nil)
	_ gocmd.Commander[ResetViolationsMessage] = (*ResetViolationsCommand)(nil)
	_ gocmd.Commander[UpsertLimitRuleMessage] = (*UpsertLimitRuleCommand)(nil)
	_ gocmd.Commander[DeleteLimitRuleMessage] = (*DeleteLimitRuleCommand)(nil)
	_ gocmd.Commander[ForgetDeliveryMessage]  = (*ForgetDeliveryCommand)(nil)
	_ gocmd.Commander[InvalidateCacheMessage] = (*InvalidateCacheCommand)(nil)
	_ gocmd.Commander[PurgeExpiredMessage]    = (*PurgeExpiredCommand)(nil)
)
