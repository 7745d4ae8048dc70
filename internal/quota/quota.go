// Package quota implements the per-tenant daily post ledger.
//
// The ledger lives in tenant.Config.DailyUsage and is keyed by the tenant's
// local day key. Check never mutates; Commit is called only after a publish
// succeeded, so a failed attempt never consumes quota.
package quota

import (
	"fmt"

	"postrobot/internal/tenant"
)

// InitDailyUsage resets the ledger when dayKey differs from the stored one
// and reports whether it did.
func InitDailyUsage(cfg *tenant.Config, dayKey string) bool {
	if cfg.DailyUsage.DayKey == dayKey {
		return false
	}
	cfg.DailyUsage = tenant.DailyUsage{DayKey: dayKey, Count: 0}
	return true
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed  bool
	Bypassed bool
	Count    int
	Max      int
}

// Reason is the user-facing skip reason for a denied decision.
func (d Decision) Reason() string {
	return fmt.Sprintf("Daily post limit reached (%d/%d)", d.Count, d.Max)
}

// Ticket binds a later Commit to the day the check was made on.
type Ticket struct {
	DayKey string
}

// Bypassed reports whether quota enforcement is off for cfg.
func Bypassed(cfg *tenant.Config) bool {
	return !cfg.DailyLimit.Enabled || cfg.DailyLimit.DevBypass || cfg.DevMode.BypassDailyLimit
}

// Check evaluates the ledger without consuming it.
func Check(cfg *tenant.Config) (Ticket, Decision) {
	max := cfg.DailyLimit.MaxPerDay
	if max < 1 {
		max = tenant.DefaultMaxPerDay
	}
	d := Decision{Count: cfg.DailyUsage.Count, Max: max}
	t := Ticket{DayKey: cfg.DailyUsage.DayKey}
	if Bypassed(cfg) {
		d.Allowed, d.Bypassed = true, true
		return t, d
	}
	d.Allowed = d.Count < d.Max
	return t, d
}

// Commit records one successful publish against the ledger's current day.
// If the ledger rolled over after the check, the post counts toward the new
// day, which is when it happened.
func Commit(cfg *tenant.Config, t Ticket) {
	if cfg.DailyUsage.DayKey == "" {
		cfg.DailyUsage.DayKey = t.DayKey
	}
	cfg.DailyUsage.Count++
}
