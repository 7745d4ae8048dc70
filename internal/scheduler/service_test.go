package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postrobot/internal/activity"
	"postrobot/internal/clock"
	"postrobot/internal/collab"
	"postrobot/internal/eventbus"
	"postrobot/internal/poster"
	"postrobot/internal/schedule"
	"postrobot/internal/storage"
	"postrobot/internal/tenant"
	"postrobot/internal/topics"
	logx "postrobot/pkg/logx"
)

// Monday 2026-10-12 09:00:05 in New York.
var monday9 = time.Date(2026, 10, 12, 13, 0, 5, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []collab.PublishRequest
}

func (f *fakePublisher) Publish(ctx context.Context, req collab.PublishRequest) (collab.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return collab.PublishResult{Success: true, ArticleID: "gid://article/" + req.Topic, Title: req.Topic, Published: true}, nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	list  []topics.Topic
	err   error
}

func (g *fakeGenerator) GenerateTopics(ctx context.Context, req collab.GenerateRequest) ([]topics.Topic, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.list, g.err
}

type env struct {
	clk   *manualClock
	store *tenant.Store
	act   *activity.Logger
	pub   *fakePublisher
	svc   *Service
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	mem := storage.NewMemory()
	mc := &manualClock{now: monday9}
	res := &clock.Resolver{Now: mc.Now}
	store := tenant.NewStore(mem, logx.Nop())
	act := activity.New(mem, nil, logx.Nop()).WithClock(mc.Now)
	pub := &fakePublisher{}
	p := poster.New(store, pub, act, res, logx.Nop())
	opts = append([]Option{WithClock(res)}, opts...)
	svc := New(Config{Enabled: true}, store, p, act, logx.Nop(), opts...)
	return &env{clk: mc, store: store, act: act, pub: pub, svc: svc}
}

// seed stores a ready-to-post tenant with one Mon 09:00 profile.
func (e *env) seed(t *testing.T, mutate func(c *tenant.Config)) {
	t.Helper()
	c := tenant.Default("s")
	c.BusinessContext.Status = tenant.SetupInitialized
	c.Billing.Status = tenant.BillingActive
	c.TopicGen.Enabled = false
	c.Topics = []topics.Topic{{Title: "How tea is grown"}, {Title: "Brewing green tea"}, {Title: "Storing loose leaf"}}
	c.DailyUsage = tenant.DailyUsage{DayKey: "2026-10-12"}
	if mutate != nil {
		mutate(&c)
	}
	if err := e.store.Save(context.Background(), c); err != nil {
		t.Fatal(err)
	}
}

func (e *env) config(t *testing.T) tenant.Config {
	t.Helper()
	c, err := e.store.Load(context.Background(), "s")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func (e *env) activity(t *testing.T) []activity.Entry {
	t.Helper()
	got, err := e.act.Recent(context.Background(), "s", 0)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestScenarioAPostsWhenDue(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seed(t, nil)
	e.svc.Tick(context.Background())

	acts := e.activity(t)
	if len(acts) != 1 || acts[0].Type != activity.TypePost || acts[0].Profile != 1 || acts[0].Source != activity.SourceScheduled {
		t.Fatalf("activity = %+v", acts)
	}
	if c := e.config(t); c.DailyUsage.Count != 1 {
		t.Fatalf("count = %d, want 1", c.DailyUsage.Count)
	}
	if st := e.svc.Status("s"); st.Status != StatusReady || st.Slots != 1 {
		t.Fatalf("status = %+v", st)
	}
	e.pub.mu.Lock()
	defer e.pub.mu.Unlock()
	if key := e.pub.calls[0].IdempotencyKey; key != "s|2026-10-12|09:00|p0" {
		t.Fatalf("idempotency key = %q", key)
	}
}

func TestScenarioBQuotaExhausted(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seed(t, func(c *tenant.Config) { c.DailyUsage.Count = 3 })
	e.svc.Tick(context.Background())

	acts := e.activity(t)
	if len(acts) != 1 || acts[0].Type != activity.TypeSkip || acts[0].Title != "Daily post limit reached (3/3)" {
		t.Fatalf("activity = %+v", acts)
	}
	if c := e.config(t); c.DailyUsage.Count != 3 {
		t.Fatalf("count = %d, want 3", c.DailyUsage.Count)
	}
	if e.pub.count() != 0 {
		t.Fatal("publisher called")
	}
}

func TestScenarioCExcludedHeadStays(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seed(t, func(c *tenant.Config) {
		c.ExcludedTopics = []string{"discount"}
		c.Topics = []topics.Topic{{Title: "Best discount codes"}, {Title: "How tea is grown"}}
	})
	e.svc.Tick(context.Background())

	acts := e.activity(t)
	if len(acts) != 1 || acts[0].Type != activity.TypeSkip || acts[0].Title != `Excluded topic match: "discount"` {
		t.Fatalf("activity = %+v", acts)
	}
	c := e.config(t)
	if c.Topics[0].Title != "Best discount codes" || len(c.Archived) != 0 {
		t.Fatalf("queue = %+v archive = %+v", c.Topics, c.Archived)
	}
}

func TestScenarioDSecondProfileHitsLimit(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seed(t, func(c *tenant.Config) {
		c.DailyUsage.Count = 2
		c.Schedules = []schedule.Profile{
			{Enabled: true, DaysOfWeek: []string{"Mon"}, Times: []string{"09:00"}, Mode: schedule.ModeLive},
			{Enabled: true, DaysOfWeek: []string{"Mon"}, Times: []string{"09:00"}, Mode: schedule.ModeDraft},
		}
	})
	e.svc.Tick(context.Background())

	acts := e.activity(t)
	if len(acts) != 2 {
		t.Fatalf("activity = %+v", acts)
	}
	first, second := acts[1], acts[0]
	if first.Type != activity.TypePost || first.Profile != 1 {
		t.Fatalf("first = %+v", first)
	}
	if second.Type != activity.TypeSkip || second.Profile != 2 || second.Title != "Daily post limit reached (3/3)" || second.Mode != schedule.ModeDraft {
		t.Fatalf("second = %+v", second)
	}
	if c := e.config(t); c.DailyUsage.Count != 3 {
		t.Fatalf("count = %d", c.DailyUsage.Count)
	}
}

func TestScenarioEStaleDayResetsBeforeCheck(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seed(t, func(c *tenant.Config) {
		c.DailyUsage = tenant.DailyUsage{DayKey: "2026-10-11", Count: 3}
	})
	e.svc.Tick(context.Background())

	c := e.config(t)
	if c.DailyUsage.DayKey != "2026-10-12" || c.DailyUsage.Count != 1 {
		t.Fatalf("usage = %+v", c.DailyUsage)
	}
	if acts := e.activity(t); len(acts) != 1 || acts[0].Type != activity.TypePost {
		t.Fatalf("activity = %+v", acts)
	}
}

func TestStaleDayResetWithoutDueProfile(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seed(t, func(c *tenant.Config) {
		c.DailyUsage = tenant.DailyUsage{DayKey: "2026-10-11", Count: 3}
		c.Schedules[0].Times = []string{"17:00"}
	})
	e.svc.Tick(context.Background())
	c := e.config(t)
	if c.DailyUsage.DayKey != "2026-10-12" || c.DailyUsage.Count != 0 {
		t.Fatalf("usage = %+v", c.DailyUsage)
	}
}

func TestSlotFiresAtMostOncePerMinute(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seed(t, func(c *tenant.Config) { c.DailyLimit.Enabled = false })
	for i := 0; i < 5; i++ {
		e.svc.Tick(context.Background())
		e.clk.Advance(10 * time.Second)
	}
	if n := e.pub.count(); n != 1 {
		t.Fatalf("publish calls = %d, want 1", n)
	}
	if acts := e.activity(t); len(acts) != 1 {
		t.Fatalf("activity = %+v", acts)
	}

	// same wall time one week later is a new day and a new slot
	e.clk.Advance(7*24*time.Hour - 50*time.Second)
	e.svc.Tick(context.Background())
	e.svc.Tick(context.Background())
	if n := e.pub.count(); n != 2 {
		t.Fatalf("publish calls = %d, want 2", n)
	}
	if st := e.svc.Status("s"); st.DayKey != "2026-10-19" || st.Slots != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestMissedMinuteDoesNotFire(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seed(t, nil)
	e.clk.Advance(time.Minute)
	e.svc.Tick(context.Background())
	if e.pub.count() != 0 || len(e.activity(t)) != 0 {
		t.Fatal("missed minute fired retroactively")
	}
}

func TestQuotaNeverExceededAcrossTicks(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seed(t, func(c *tenant.Config) {
		c.Schedules = nil
		for _, hhmm := range []string{"09:00", "09:01", "09:02", "09:03", "09:04"} {
			c.Schedules = append(c.Schedules, schedule.Profile{Enabled: true, DaysOfWeek: []string{"Mon"}, Times: []string{hhmm, "09:00"}})
		}
		c.DailyLimit.MaxPerDay = 2
	})
	for i := 0; i < 30; i++ {
		e.svc.Tick(context.Background())
		if c := e.config(t); c.DailyUsage.Count > 2 {
			t.Fatalf("tick %d: count %d exceeds max", i, c.DailyUsage.Count)
		}
		e.clk.Advance(10 * time.Second)
	}
	if n := e.pub.count(); n != 2 {
		t.Fatalf("publish calls = %d, want 2", n)
	}
}

func TestPausedTenantIsSkipped(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.seed(t, func(c *tenant.Config) { c.RobotEnabled = false })
	e.svc.Tick(context.Background())
	if st := e.svc.Status("s"); st.Status != StatusPaused {
		t.Fatalf("status = %+v", st)
	}
	if e.pub.count() != 0 || len(e.activity(t)) != 0 {
		t.Fatal("paused tenant acted")
	}

	if _, err := e.store.Update(context.Background(), "s", func(c *tenant.Config) error {
		c.RobotEnabled = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	e.svc.Tick(context.Background())
	if st := e.svc.Status("s"); st.Status != StatusReady {
		t.Fatalf("status = %+v", st)
	}
	if e.pub.count() != 1 {
		t.Fatalf("publish calls = %d", e.pub.count())
	}
}

func TestBlockedTenantSkipsWithReason(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{list: []topics.Topic{{Title: "x"}}}
	e := newEnv(t, WithTopicGenerator(gen))
	e.seed(t, func(c *tenant.Config) {
		c.BusinessContext.Status = tenant.SetupUninitialized
		c.TopicGen.Enabled = true
	})
	e.svc.Tick(context.Background())
	acts := e.activity(t)
	if len(acts) != 1 || acts[0].Title != "Business setup incomplete" {
		t.Fatalf("activity = %+v", acts)
	}
	if gen.calls != 0 {
		t.Fatal("blocked tenant must not generate topics")
	}
}

func TestReplenishAppendsTopics(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{list: []topics.Topic{{Title: "Best teapots"}, {Title: "Tea and health"}}}
	e := newEnv(t, WithTopicGenerator(gen))
	e.seed(t, func(c *tenant.Config) {
		c.TopicGen.Enabled = true
		c.Topics = nil
		c.Schedules[0].Times = []string{"17:00"}
	})
	e.svc.Tick(context.Background())

	c := e.config(t)
	if len(c.Topics) != 2 || c.Topics[0].Intent != topics.Commercial {
		t.Fatalf("topics = %+v", c.Topics)
	}
	acts := e.activity(t)
	if len(acts) != 1 || acts[0].Type != activity.TypeTopicsGenerate || acts[0].Source != activity.SourceAuto || acts[0].Title != "Auto-generated 2 topics" {
		t.Fatalf("activity = %+v", acts)
	}
}

func TestReplenishFailureDoesNotBlockPosting(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{err: errors.New("quota exceeded")}
	e := newEnv(t, WithTopicGenerator(gen))
	e.seed(t, func(c *tenant.Config) { c.TopicGen.Enabled = true })
	e.svc.Tick(context.Background())

	acts := e.activity(t)
	if len(acts) != 2 {
		t.Fatalf("activity = %+v", acts)
	}
	if acts[1].Type != activity.TypeError || acts[1].Source != activity.SourceAuto {
		t.Fatalf("generation entry = %+v", acts[1])
	}
	if acts[0].Type != activity.TypePost {
		t.Fatalf("post entry = %+v", acts[0])
	}

	// backoff: the next tick inside the window does not retry
	e.clk.Advance(10 * time.Second)
	e.svc.Tick(context.Background())
	if gen.calls != 1 {
		t.Fatalf("generator calls = %d, want 1", gen.calls)
	}
}

type panickyPoster struct {
	mu    sync.Mutex
	calls []int
}

func (p *panickyPoster) Post(ctx context.Context, shop string, req poster.Request) (poster.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req.Profile)
	p.mu.Unlock()
	if req.Profile == 0 {
		panic("boom")
	}
	return poster.Result{Outcome: poster.Posted}, nil
}

func TestPanicInOneProfileDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	mc := &manualClock{now: monday9}
	store := tenant.NewStore(mem, logx.Nop())
	act := activity.New(mem, nil, logx.Nop())
	pp := &panickyPoster{}
	svc := New(Config{Enabled: true}, store, pp, act, logx.Nop(), WithClock(&clock.Resolver{Now: mc.Now}))

	c := tenant.Default("s")
	c.Schedules = []schedule.Profile{
		{Enabled: true, DaysOfWeek: []string{"Mon"}, Times: []string{"09:00"}},
		{Enabled: true, DaysOfWeek: []string{"Mon"}, Times: []string{"09:00"}},
	}
	if err := store.Save(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	svc.Tick(context.Background())

	if len(pp.calls) != 2 || pp.calls[1] != 1 {
		t.Fatalf("calls = %v", pp.calls)
	}
	acts, _ := act.Recent(context.Background(), "s", 0)
	if len(acts) != 1 || acts[0].Type != activity.TypeError || acts[0].Title != "Scheduler error: boom" {
		t.Fatalf("activity = %+v", acts)
	}
	if st := svc.Status("s"); st.Status != StatusReady {
		t.Fatalf("status = %+v", st)
	}
}

func TestTickPublishesStatsAndPings(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.TypeTick)
	defer unsub()
	pings := 0
	e := newEnv(t, WithBus(bus), OnTick(func() { pings++ }))
	e.seed(t, nil)
	e.svc.Tick(context.Background())

	if pings != 1 {
		t.Fatalf("pings = %d", pings)
	}
	select {
	case ev := <-ch:
		st, ok := ev.Data.(eventbus.TickStats)
		if !ok || st.Tenants != 1 || st.Due != 1 || st.Failures != 0 {
			t.Fatalf("stats = %+v", ev.Data)
		}
	default:
		t.Fatal("no tick event")
	}
}

func TestStatusOfUnknownTenantIsReady(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	if st := e.svc.Status("nobody"); st.Status != StatusReady || st.Shop != "nobody" {
		t.Fatalf("status = %+v", st)
	}
	e.seed(t, nil)
	e.svc.Tick(context.Background())
	e.svc.Forget("s")
	if len(e.svc.Statuses()) != 0 {
		t.Fatalf("statuses = %+v", e.svc.Statuses())
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.svc.Start(ctx)
	e.svc.Start(ctx)
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	e.svc.Stop(stopCtx)
	e.svc.Stop(stopCtx)

	e.svc.Apply(ctx, Config{Enabled: false})
	if e.svc.Enabled() {
		t.Fatal("Apply did not disable")
	}
}
