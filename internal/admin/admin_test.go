package admin

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"postrobot/internal/activity"
	"postrobot/internal/clock"
	"postrobot/internal/collab"
	"postrobot/internal/poster"
	"postrobot/internal/schedule"
	"postrobot/internal/scheduler"
	"postrobot/internal/storage"
	"postrobot/internal/tenant"
	"postrobot/internal/topics"
	logx "postrobot/pkg/logx"
)

const shop = "tea.myshopify.com"

type okPublisher struct{ calls int }

func (p *okPublisher) Publish(ctx context.Context, req collab.PublishRequest) (collab.PublishResult, error) {
	p.calls++
	return collab.PublishResult{Success: true, ArticleID: "gid://1", Title: req.Topic, Published: req.Mode == schedule.ModeLive}, nil
}

type fakeRuntime struct{ forgotten []string }

func (f *fakeRuntime) Status(s string) scheduler.TenantStatus {
	return scheduler.TenantStatus{Shop: s, Status: scheduler.StatusReady}
}
func (f *fakeRuntime) Forget(s string) { f.forgotten = append(f.forgotten, s) }

type fixture struct {
	svc   *Service
	store *tenant.Store
	act   *activity.Logger
	mem   storage.Store
	rt    *fakeRuntime
	pub   *okPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := storage.NewMemory()
	clk := clock.NewFixed(time.Date(2026, 10, 12, 13, 0, 0, 0, time.UTC))
	store := tenant.NewStore(mem, logx.Nop())
	act := activity.New(mem, nil, logx.Nop())
	pub := &okPublisher{}
	p := poster.New(store, pub, act, clk, logx.Nop())
	rt := &fakeRuntime{}
	return &fixture{
		svc:   New(store, act, p, rt, clk, logx.Nop()),
		store: store, act: act, mem: mem, rt: rt, pub: pub,
	}
}

func (f *fixture) load(t *testing.T) tenant.Config {
	t.Helper()
	c, err := f.store.Load(context.Background(), shop)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSettings(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Toggle(ctx, shop, false); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SetMode(ctx, shop, "draft"); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SetMode(ctx, shop, "publish"); err == nil {
		t.Fatal("invalid mode accepted")
	}
	if err := f.svc.SetTimezone(ctx, shop, "Europe/Berlin"); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SetTimezone(ctx, shop, "Mars/Olympus"); !errors.Is(err, ErrInvalidTimezone) {
		t.Fatalf("err = %v", err)
	}
	if err := f.svc.SetDailyLimit(ctx, shop, true, 0); !errors.Is(err, ErrInvalidLimit) {
		t.Fatalf("err = %v", err)
	}
	if err := f.svc.SetDailyLimit(ctx, shop, true, 5); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SetExcluded(ctx, shop, []string{" coupon ", ""}); err != nil {
		t.Fatal(err)
	}

	c := f.load(t)
	if c.RobotEnabled || c.Mode != schedule.ModeDraft || c.Timezone != "Europe/Berlin" || c.DailyLimit.MaxPerDay != 5 {
		t.Fatalf("config = %+v", c)
	}
	if len(c.ExcludedTopics) != 1 || c.ExcludedTopics[0] != "coupon" {
		t.Fatalf("excluded = %v", c.ExcludedTopics)
	}
	sys, _ := f.svc.SystemLog(ctx, shop)
	if len(sys) != 1 || sys[0].Type != activity.SystemToggle {
		t.Fatalf("system log = %+v", sys)
	}
}

func TestSetSchedulesNormalizes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	err := f.svc.SetSchedules(context.Background(), shop, []schedule.Profile{
		{Enabled: true, DaysOfWeek: []string{"Mon", "Wed"}, Times: []string{"9:05", "25:00", "18:00"}, Mode: "draft"},
	})
	if err != nil {
		t.Fatal(err)
	}
	p := f.load(t).Schedules[0]
	if len(p.Times) != 2 || p.Times[0] != "09:05" || p.Times[1] != "18:00" || p.Mode != schedule.ModeDraft {
		t.Fatalf("profile = %+v", p)
	}
}

func TestTopicOps(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	for _, title := range []string{"Best teapots", "How tea is grown", "Buy matcha online"} {
		if _, err := f.svc.AddTopic(ctx, shop, title, ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.svc.AddTopic(ctx, shop, "  ", ""); !errors.Is(err, topics.ErrInvalidTopic) {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.svc.RemoveTopic(ctx, shop, 9); !errors.Is(err, topics.ErrInvalidTopic) {
		t.Fatalf("err = %v", err)
	}
	got, err := f.svc.ArchiveTopic(ctx, shop, 1, "How tea is grown")
	if err != nil || got.Title != "How tea is grown" {
		t.Fatalf("archive = %+v %v", got, err)
	}
	if _, err := f.svc.ArchiveTopic(ctx, shop, 0, "wrong title"); !errors.Is(err, topics.ErrInvalidTopic) {
		t.Fatalf("err = %v", err)
	}
	c := f.load(t)
	if len(c.Topics) != 2 || len(c.Archived) != 1 || c.Topics[0].Intent != topics.Commercial {
		t.Fatalf("book = %+v / %+v", c.Topics, c.Archived)
	}

	if n, err := f.svc.ReleaseArchive(ctx, shop); err != nil || n != 1 {
		t.Fatalf("release = %d %v", n, err)
	}
	if n, err := f.svc.ClearQueue(ctx, shop); err != nil || n != 3 {
		t.Fatalf("clear queue = %d %v", n, err)
	}
	if n, err := f.svc.ClearArchive(ctx, shop); err != nil || n != 0 {
		t.Fatalf("clear archive = %d %v", n, err)
	}
	acts, _ := f.svc.Activity(ctx, shop, 10)
	if len(acts) != 2 || acts[0].Type != activity.TypeArchiveClear || acts[1].Type != activity.TypeQueueClear || acts[1].Title != "Cleared 3 queued topics" {
		t.Fatalf("activity = %+v", acts)
	}
}

func TestPostNowUsesPipeline(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	c := tenant.Default(shop)
	c.BusinessContext.Status = tenant.SetupInitialized
	c.Billing.Status = tenant.BillingActive
	c.Topics = []topics.Topic{{Title: "How tea is grown"}}
	if err := f.store.Save(ctx, c); err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.PostNow(ctx, shop, "")
	if err != nil || res.Outcome != poster.Posted {
		t.Fatalf("res = %+v err = %v", res, err)
	}
	acts, _ := f.svc.Activity(ctx, shop, 0)
	if len(acts) != 1 || acts[0].Source != activity.SourceManual {
		t.Fatalf("activity = %+v", acts)
	}
	o, err := f.svc.Overview(ctx, shop)
	if err != nil {
		t.Fatal(err)
	}
	if o.DailyUsage.Count != 1 || o.Queued != 0 || o.Archived != 1 || o.LastPost == nil || o.Scheduler == nil {
		t.Fatalf("overview = %+v", o)
	}
	if o.LocalDay != "Mon" || o.LocalTime != "09:00" {
		t.Fatalf("local clock = %s %s", o.LocalDay, o.LocalTime)
	}
}

func TestResetAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	doc := map[string]any{
		"shopDomain":      shop,
		"timezone":        "Asia/Tokyo",
		"robotEnabled":    false,
		"businessContext": map[string]any{"status": "initialized", "business_name": "Tea Co"},
		"billing":         map[string]any{"status": "active"},
		"topics":          []string{"a", "b"},
		"shopify":         map[string]any{"accessToken": "x"},
		"brandVoice":      "calm",
	}
	b, _ := json.Marshal(doc)
	if err := f.mem.PutConfig(ctx, shop, b); err != nil {
		t.Fatal(err)
	}
	if _, err := f.act.Log(ctx, shop, activity.Entry{Type: activity.TypeSkip, Title: "x"}); err != nil {
		t.Fatal(err)
	}

	c, err := f.svc.ResetAll(ctx, shop)
	if err != nil {
		t.Fatal(err)
	}
	if c.Timezone != "Asia/Tokyo" || !c.RobotEnabled || !c.PostingBlocked || c.Billing.Status != tenant.BillingInactive || len(c.Topics) != 0 {
		t.Fatalf("config = %+v", c)
	}
	if _, ok := c.Extra["shopify"]; ok {
		t.Fatal("storefront connection survived reset")
	}
	if _, ok := c.Extra["brandVoice"]; !ok {
		t.Fatal("unmodeled field dropped")
	}
	if acts, _ := f.svc.Activity(ctx, shop, 0); len(acts) != 0 {
		t.Fatalf("activity not cleared: %+v", acts)
	}
	if sys, _ := f.svc.SystemLog(ctx, shop); len(sys) != 1 || sys[0].Type != activity.SystemReset {
		t.Fatalf("system log = %+v", sys)
	}
	if len(f.rt.forgotten) != 1 || f.rt.forgotten[0] != shop {
		t.Fatalf("forgotten = %v", f.rt.forgotten)
	}
}
