// Package gate decides whether a publish attempt may proceed.
package gate

import (
	"time"

	"postrobot/internal/quota"
	"postrobot/internal/tenant"
	"postrobot/internal/topics"
)

// Skip reasons. They are user-facing and appear verbatim in the activity log.
const (
	ReasonSetupIncomplete = "Business setup incomplete"
	ReasonNoTopics        = "No topics available"
	ReasonBilling         = "Billing required"
)

// Decision is the gate outcome. Ticket is valid only when Proceed is true and
// must be handed to quota.Commit after a successful publish.
type Decision struct {
	Proceed bool
	Reason  string
	Ticket  quota.Ticket
	Quota   quota.Decision
}

// Evaluate applies the rules in order and stops at the first failure:
// setup, topic availability, exclusions, billing, daily quota. ok reports
// whether a topic was resolved; ref is the topic rules 2 and 3 saw.
func Evaluate(cfg *tenant.Config, ref topics.Ref, ok bool, now time.Time) Decision {
	if cfg.PostingBlocked {
		return Decision{Reason: ReasonSetupIncomplete}
	}
	if !ok || ref.Title == "" {
		return Decision{Reason: ReasonNoTopics}
	}
	if phrase, hit := topics.MatchExcluded(cfg.ExcludedTopics, ref.Title); hit {
		return Decision{Reason: `Excluded topic match: "` + phrase + `"`}
	}
	if !BillingActive(cfg, now) {
		return Decision{Reason: ReasonBilling}
	}
	ticket, q := quota.Check(cfg)
	if !q.Allowed {
		return Decision{Reason: q.Reason(), Quota: q}
	}
	return Decision{Proceed: true, Ticket: ticket, Quota: q}
}

// BillingActive reports whether cfg may publish as far as billing goes: an
// active plan, a trial that has not ended, or the dev bypass.
func BillingActive(cfg *tenant.Config, now time.Time) bool {
	if cfg.DevMode.BypassBilling {
		return true
	}
	switch cfg.Billing.Status {
	case tenant.BillingActive:
		return true
	case tenant.BillingTrial:
		return cfg.Billing.TrialEndsAt != nil && cfg.Billing.TrialEndsAt.After(now)
	default:
		return false
	}
}
