package quota

import (
	"testing"

	"postrobot/internal/tenant"
)

func TestInitDailyUsageResetsOnlyOnNewDay(t *testing.T) {
	t.Parallel()
	c := tenant.Default("s")
	c.DailyUsage = tenant.DailyUsage{DayKey: "2026-10-11", Count: 3}
	if !InitDailyUsage(&c, "2026-10-12") {
		t.Fatal("expected reset")
	}
	if c.DailyUsage.Count != 0 || c.DailyUsage.DayKey != "2026-10-12" {
		t.Fatalf("usage = %+v", c.DailyUsage)
	}
	c.DailyUsage.Count = 2
	if InitDailyUsage(&c, "2026-10-12") {
		t.Fatal("same day must not reset")
	}
	if c.DailyUsage.Count != 2 {
		t.Fatalf("count = %d", c.DailyUsage.Count)
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		mutate   func(c *tenant.Config)
		count    int
		allowed  bool
		bypassed bool
	}{
		{name: "under limit", count: 2, allowed: true},
		{name: "at limit", count: 3, allowed: false},
		{name: "limit disabled", count: 9, allowed: true, bypassed: true, mutate: func(c *tenant.Config) { c.DailyLimit.Enabled = false }},
		{name: "dev bypass", count: 9, allowed: true, bypassed: true, mutate: func(c *tenant.Config) { c.DailyLimit.DevBypass = true }},
		{name: "dev mode bypass", count: 9, allowed: true, bypassed: true, mutate: func(c *tenant.Config) { c.DevMode.BypassDailyLimit = true }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := tenant.Default("s")
			c.DailyUsage = tenant.DailyUsage{DayKey: "d", Count: tt.count}
			if tt.mutate != nil {
				tt.mutate(&c)
			}
			ticket, d := Check(&c)
			if d.Allowed != tt.allowed || d.Bypassed != tt.bypassed {
				t.Fatalf("decision = %+v", d)
			}
			if ticket.DayKey != "d" || c.DailyUsage.Count != tt.count {
				t.Fatalf("Check mutated ledger: %+v", c.DailyUsage)
			}
		})
	}
}

func TestDecisionReason(t *testing.T) {
	t.Parallel()
	if got := (Decision{Count: 3, Max: 3}).Reason(); got != "Daily post limit reached (3/3)" {
		t.Fatalf("Reason = %q", got)
	}
}

func TestCommitNeverExceedsWhenChecked(t *testing.T) {
	t.Parallel()
	c := tenant.Default("s")
	c.DailyUsage = tenant.DailyUsage{DayKey: "d"}
	for i := 0; i < 10; i++ {
		ticket, d := Check(&c)
		if d.Allowed {
			Commit(&c, ticket)
		}
		if c.DailyUsage.Count > c.DailyLimit.MaxPerDay {
			t.Fatalf("count %d exceeds max %d", c.DailyUsage.Count, c.DailyLimit.MaxPerDay)
		}
	}
	if c.DailyUsage.Count != 3 {
		t.Fatalf("count = %d, want 3", c.DailyUsage.Count)
	}
}

func TestCommitAfterRollover(t *testing.T) {
	t.Parallel()
	c := tenant.Default("s")
	c.DailyUsage = tenant.DailyUsage{DayKey: "d1", Count: 2}
	ticket, _ := Check(&c)
	InitDailyUsage(&c, "d2")
	Commit(&c, ticket)
	if c.DailyUsage.DayKey != "d2" || c.DailyUsage.Count != 1 {
		t.Fatalf("usage = %+v", c.DailyUsage)
	}
}
