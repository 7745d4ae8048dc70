package tenant

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"postrobot/internal/schedule"
	"postrobot/internal/topics"
)

func TestDefaults(t *testing.T) {
	t.Parallel()
	c := Default("a.myshopify.com")
	c.Normalize()
	if c.Mode != schedule.ModeLive || c.Timezone != DefaultTimezone || !c.RobotEnabled {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if !c.DailyLimit.Enabled || c.DailyLimit.MaxPerDay != 3 || c.DailyLimit.DevBypass {
		t.Fatalf("dailyLimit = %+v", c.DailyLimit)
	}
	if len(c.Schedules) != 1 || !reflect.DeepEqual(c.Schedules[0].DaysOfWeek, []string{"Mon"}) {
		t.Fatalf("schedules = %+v", c.Schedules)
	}
	if c.DevMode.BypassBilling || c.DevMode.BypassDailyLimit {
		t.Fatal("dev bypass must default to false")
	}
	if !c.PostingBlocked {
		t.Fatal("uninitialized tenant must be blocked")
	}
}

func TestDecodeMigratesLegacySchedule(t *testing.T) {
	t.Parallel()
	doc := `{
		"shopDomain": "a.myshopify.com",
		"mode": "bogus",
		"schedule": {"daysOfWeek": ["Tue", " Thu "], "time": "9:00, 18:30, 25:00"},
		"topics": ["Plain legacy topic", {"title": "  "}],
		"dailyLimit": {"enabled": true, "maxPerDay": 0},
		"businessContext": {"status": "initialized", "setupStep": 4},
		"_postingBlocked": true,
		"uiDevMode": true
	}`
	c, changed, err := Decode("a.myshopify.com", []byte(doc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !changed {
		t.Fatal("expected changed")
	}
	if c.Mode != schedule.ModeLive {
		t.Fatalf("mode = %q", c.Mode)
	}
	if len(c.Schedules) != 1 {
		t.Fatalf("schedules = %+v", c.Schedules)
	}
	p := c.Schedules[0]
	if !p.Enabled || !reflect.DeepEqual(p.DaysOfWeek, []string{"Tue", "Thu"}) || !reflect.DeepEqual(p.Times, []string{"09:00", "18:30"}) {
		t.Fatalf("migrated profile = %+v", p)
	}
	if c.DailyLimit.MaxPerDay != DefaultMaxPerDay {
		t.Fatalf("maxPerDay = %d", c.DailyLimit.MaxPerDay)
	}
	if c.PostingBlocked {
		t.Fatal("initialized tenant must not be blocked")
	}
	if !c.TopicGen.Enabled {
		t.Fatal("topicGen.enabled should default to !blocked")
	}
	if len(c.Topics) != 1 || c.Topics[0].Title != "Plain legacy topic" || c.Topics[0].Intent != topics.Informational {
		t.Fatalf("topics = %+v", c.Topics)
	}

	out, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(out), `"schedule"`) {
		t.Fatalf("legacy field survived: %s", out)
	}
	if !strings.Contains(string(out), `"uiDevMode":true`) {
		t.Fatalf("unknown field dropped: %s", out)
	}

	again, changed, err := Decode("a.myshopify.com", out)
	if err != nil || changed {
		t.Fatalf("second decode changed=%v err=%v", changed, err)
	}
	if !reflect.DeepEqual(again.Schedules, c.Schedules) {
		t.Fatalf("schedules drifted: %+v vs %+v", again.Schedules, c.Schedules)
	}
}

func TestDecodeKeepsExplicitSchedules(t *testing.T) {
	t.Parallel()
	doc := `{"schedules":[{"enabled":false,"daysOfWeek":["Fri"],"times":["7:15"],"mode":"draft"}],
		"schedule":{"daysOfWeek":["Mon"],"time":"09:00"}}`
	c, _, err := Decode("s", []byte(doc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := schedule.Profile{Enabled: false, DaysOfWeek: []string{"Fri"}, Times: []string{"07:15"}, Mode: schedule.ModeDraft}
	if len(c.Schedules) != 1 || !reflect.DeepEqual(c.Schedules[0], want) {
		t.Fatalf("schedules = %+v", c.Schedules)
	}
}

func TestDecodeEmptySchedulesGetPlaceholder(t *testing.T) {
	t.Parallel()
	c, _, err := Decode("s", []byte(`{"schedules":[]}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(c.Schedules) != 1 || len(c.Schedules[0].Times) != 0 || len(c.Schedules[0].DaysOfWeek) != 0 {
		t.Fatalf("schedules = %+v", c.Schedules)
	}
	if c.TopicGen.Enabled {
		t.Fatal("blocked tenant without explicit topicGen.enabled should not generate")
	}
}

func TestPostingBlockedIsDerived(t *testing.T) {
	t.Parallel()
	c, _, err := Decode("s", []byte(`{"_postingBlocked": false, "businessContext": {"status": "uninitialized"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !c.PostingBlocked {
		t.Fatal("stored _postingBlocked must not override setup status")
	}
}

func TestResetKeepsIdentity(t *testing.T) {
	t.Parallel()
	c := Default("s")
	c.Timezone = "Asia/Tokyo"
	c.Topics = []topics.Topic{{Title: "x"}}
	c.DailyUsage.Count = 2
	c.BusinessContext.Status = SetupInitialized
	c.Extra = map[string]json.RawMessage{"shopify": json.RawMessage(`{}`), "theme": json.RawMessage(`"dark"`)}
	r := c.Reset()
	if r.ShopDomain != "s" || r.Timezone != "Asia/Tokyo" {
		t.Fatalf("identity lost: %+v", r)
	}
	if len(r.Topics) != 0 || r.DailyUsage.Count != 0 || !r.PostingBlocked {
		t.Fatalf("reset incomplete: %+v", r)
	}
	if _, ok := r.Extra["shopify"]; ok {
		t.Fatal("storefront connection should be dropped")
	}
	if _, ok := r.Extra["theme"]; !ok {
		t.Fatal("unmodeled field dropped")
	}
}

func TestDecodeKeepsNestedUnmodeledFields(t *testing.T) {
	t.Parallel()
	doc := `{
		"businessContext": {"status": "initialized", "setupStep": 6, "business_name": "Tea Co",
			"industry": "beverages", "tone": "warm", "target_customer": "students", "goals": ["seo"]},
		"billing": {"status": "active", "plan": {"name": "Pro", "amount": 9.99}}
	}`
	c, _, err := Decode("s", []byte(doc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if c.BusinessContext.BusinessName != "Tea Co" {
		t.Fatalf("business name = %q", c.BusinessContext.BusinessName)
	}
	if got := topics.Classify("Tea Co shipping times", c.BusinessContext.BusinessName); got != topics.Navigational {
		t.Fatalf("intent = %q", got)
	}

	out, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	var stored struct {
		BusinessContext map[string]any `json:"businessContext"`
		Billing         map[string]any `json:"billing"`
	}
	if err := json.Unmarshal(out, &stored); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"business_name", "industry", "tone", "target_customer", "goals"} {
		if _, ok := stored.BusinessContext[k]; !ok {
			t.Fatalf("businessContext.%s dropped: %s", k, out)
		}
	}
	plan, ok := stored.Billing["plan"].(map[string]any)
	if !ok || plan["name"] != "Pro" {
		t.Fatalf("billing.plan = %v", stored.Billing["plan"])
	}

	r := c.Reset()
	if _, ok := r.Billing.Extra["plan"]; !ok {
		t.Fatal("reset dropped the billing plan")
	}
	if r.BusinessContext.BusinessName != "" || len(r.BusinessContext.Extra) != 0 {
		t.Fatalf("reset kept setup answers: %+v", r.BusinessContext)
	}
}

func TestDecodeMigratesCamelCaseBusinessName(t *testing.T) {
	t.Parallel()
	c, changed, err := Decode("s", []byte(`{"businessContext":{"status":"initialized","businessName":"Tea Co"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !changed || c.BusinessContext.BusinessName != "Tea Co" {
		t.Fatalf("changed = %v, name = %q", changed, c.BusinessContext.BusinessName)
	}
	if _, ok := c.BusinessContext.Extra["businessName"]; ok {
		t.Fatal("legacy key kept alongside business_name")
	}
}
