package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postrobot/internal/activity"
	"postrobot/internal/clock"
	"postrobot/internal/collab"
	"postrobot/internal/eventbus"
	"postrobot/internal/observability/metrics"
	"postrobot/internal/poster"
	"postrobot/internal/quota"
	"postrobot/internal/schedule"
	"postrobot/internal/tenant"
	logx "postrobot/pkg/logx"
)

// Service is the scheduler loop plus the per-tenant runtime registry.
type Service struct {
	store  *tenant.Store
	poster Poster
	gen    TopicGenerator
	act    *activity.Logger
	clk    *clock.Resolver
	bus    eventbus.Bus
	log    logx.Logger

	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	cancel context.CancelFunc
	onTick func()

	reg *registry
}

type Option func(*Service)

// WithClock sets the time source.
func WithClock(clk *clock.Resolver) Option { return func(s *Service) { s.clk = clk } }

// WithBus publishes tick summaries on bus.
func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

// WithTopicGenerator enables queue replenishment.
func WithTopicGenerator(g TopicGenerator) Option { return func(s *Service) { s.gen = g } }

// OnTick registers fn to run after every completed tick (watchdog pings).
func OnTick(fn func()) Option { return func(s *Service) { s.onTick = fn } }

func New(cfg Config, store *tenant.Store, p Poster, act *activity.Logger, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:  store,
		poster: p,
		act:    act,
		clk:    &clock.Resolver{},
		log:    log.With(logx.String("comp", "scheduler")),
		cfg:    cfg.withDefaults(),
		reg:    newRegistry(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A running trigger is restarted when the tick
// interval changed, and stopped or started when Enabled flipped.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case running && old.Tick != cfg.Tick:
		s.Stop(ctx)
		s.Start(ctx)
	case !running && cfg.Enabled && !old.Enabled:
		s.Start(ctx)
	}
}

// Start begins triggering ticks. It is a no-op when disabled or running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if _, err := s.c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Tick), func() { s.Tick(runCtx) }); err != nil {
		s.log.Error("tick registration failed", logx.Err(err))
		cancel()
		s.c = nil
		return
	}
	s.cancel = cancel
	s.c.Start()
	s.log.Info("service started", logx.Duration("tick", s.cfg.Tick))
}

// Stop stops triggering and waits for a running tick until ctx ends; a
// tick still running then is cancelled.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for running tick")
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Status returns the last known state of shop without running a tick.
// Tenants not seen yet report ready.
func (s *Service) Status(shop string) TenantStatus {
	st, _ := s.reg.status(shop)
	return st
}

// Statuses returns every tenant seen so far, sorted by shop.
func (s *Service) Statuses() []TenantStatus { return s.reg.all() }

// Forget drops the runtime state of shop (reset).
func (s *Service) Forget(shop string) { s.reg.forget(shop) }

// Tick runs one pass over every tenant.
func (s *Service) Tick(ctx context.Context) {
	start := time.Now()
	now := s.clk.Current()
	stats := eventbus.TickStats{}

	shops, err := s.store.List(ctx)
	if err != nil {
		s.log.Error("list tenants failed", logx.Err(err))
		return
	}
	stats.Tenants = len(shops)
	for _, shop := range shops {
		if ctx.Err() != nil {
			break
		}
		due, failures := s.tickTenant(ctx, shop, now)
		stats.Due += due
		stats.Failures += failures
	}
	stats.Took = time.Since(start)

	counts := map[Status]float64{StatusReady: 0, StatusPosting: 0, StatusPaused: 0}
	for _, st := range s.reg.all() {
		counts[st.Status]++
	}
	for st, n := range counts {
		metrics.TenantsGauge.WithLabelValues(string(st)).Set(n)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTick, Time: now, Data: stats})
	}
	if stats.Due > 0 {
		s.log.Debug("tick done", logx.Int("tenants", stats.Tenants), logx.Int("due", stats.Due), logx.Duration("took", stats.Took))
	}
	if s.onTick != nil {
		s.onTick()
	}
}

// tickTenant processes one tenant and returns how many slots it acted on
// and how many of them failed.
func (s *Service) tickTenant(ctx context.Context, shop string, now time.Time) (due, failures int) {
	log := s.log.With(logx.Shop(shop))

	cfg, err := s.store.Update(ctx, shop, func(c *tenant.Config) error {
		if quota.InitDailyUsage(c, s.clk.ResolveAt(c.Timezone, now).DayKey) {
			log.Debug("daily usage reset", logx.String("day", c.DailyUsage.DayKey))
		}
		return nil
	})
	if err != nil {
		log.Error("load config failed", logx.Err(err))
		return 0, 1
	}
	s.reg.update(shop, func(st *tenantState) { st.lastTick = now })

	if !cfg.RobotEnabled {
		s.reg.setStatus(shop, StatusPaused)
		return 0, 0
	}
	s.reg.update(shop, func(st *tenantState) {
		if st.status == StatusPaused {
			st.status = StatusReady
		}
	})

	parts := s.clk.ResolveAt(cfg.Timezone, now)
	if parts.Fallback {
		log.Debug("timezone fallback", logx.String("tz", cfg.Timezone))
	}

	s.replenish(ctx, shop, cfg, now)

	s.reg.rollDay(shop, parts.DayKey)
	idxs := schedule.Due(cfg.Schedules, parts)
	if len(idxs) == 0 {
		return 0, 0
	}

	s.reg.setStatus(shop, StatusPosting)
	defer s.reg.setStatus(shop, StatusReady)
	log.Info("time hit", logx.Int("profiles", len(idxs)), logx.String("at", parts.DayShort+" "+parts.TimeHHMM))

	for _, idx := range idxs {
		key := slotKey(shop, parts.DayKey, parts.TimeHHMM, idx)
		if !s.reg.claim(shop, key) {
			continue
		}
		due++
		if !s.runProfile(ctx, shop, idx, cfg.Schedules[idx].Mode, key) {
			failures++
		}
	}
	return due, failures
}

// runProfile posts one claimed slot. A panic is recovered and recorded as an
// error entry so the remaining profiles still run.
func (s *Service) runProfile(ctx context.Context, shop string, idx int, mode schedule.Mode, key string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("profile panicked",
				logx.Shop(shop),
				logx.Int("profile", idx+1),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			_, _ = s.act.Log(ctx, shop, activity.Entry{
				Type:    activity.TypeError,
				Source:  activity.SourceScheduled,
				Mode:    schedule.NormalizeMode(mode),
				Profile: idx + 1,
				Title:   fmt.Sprintf("Scheduler error: %v", r),
			})
			ok = false
		}
	}()

	res, err := s.poster.Post(ctx, shop, poster.Request{
		Source:  activity.SourceScheduled,
		Profile: idx,
		Mode:    schedule.NormalizeMode(mode),
		SlotKey: key,
	})
	if err != nil {
		s.log.Error("post failed", logx.Shop(shop), logx.Int("profile", idx+1), logx.Err(err))
		return false
	}
	return res.Outcome != poster.Failed
}

// replenish tops up the queue when it ran low. Failures are recorded and
// never block the posting pass.
func (s *Service) replenish(ctx context.Context, shop string, cfg tenant.Config, now time.Time) {
	if s.gen == nil || !cfg.TopicGen.Enabled || cfg.PostingBlocked {
		return
	}
	if len(cfg.Topics) > cfg.TopicGen.MinTopics {
		return
	}
	s.mu.Lock()
	gcfg := s.cfg
	s.mu.Unlock()

	wait := false
	s.reg.update(shop, func(st *tenantState) { wait = now.Before(st.nextGen) })
	if wait {
		return
	}
	backoff := func() {
		s.reg.update(shop, func(st *tenantState) { st.nextGen = now.Add(gcfg.GenBackoff) })
	}

	log := s.log.With(logx.Shop(shop))
	log.Info("low topics, generating more", logx.Int("queued", len(cfg.Topics)), logx.Int("min", cfg.TopicGen.MinTopics))

	gctx, cancel := context.WithTimeout(ctx, gcfg.GenTimeout)
	list, err := s.gen.GenerateTopics(gctx, collab.GenerateRequest{
		Shop:                shop,
		BatchSize:           cfg.TopicGen.BatchSize,
		IncludeProductPosts: cfg.TopicGen.IncludeProductPosts,
		BusinessName:        cfg.BusinessContext.BusinessName,
	})
	cancel()
	if err != nil {
		backoff()
		_, _ = s.act.Log(ctx, shop, activity.Entry{
			Type:   activity.TypeError,
			Source: activity.SourceAuto,
			Mode:   cfg.Mode,
			Title:  fmt.Sprintf("Auto topic generation failed: %v", err),
		})
		return
	}
	if len(list) == 0 {
		backoff()
		log.Info("no topics generated")
		return
	}

	added := 0
	if _, err := s.store.Update(ctx, shop, func(c *tenant.Config) error {
		added = c.Append(list, c.BusinessContext.BusinessName)
		return nil
	}); err != nil {
		log.Error("save generated topics failed", logx.Err(err))
		return
	}
	if added == 0 {
		backoff()
		return
	}
	_, _ = s.act.Log(ctx, shop, activity.Entry{
		Type:   activity.TypeTopicsGenerate,
		Source: activity.SourceAuto,
		Mode:   cfg.Mode,
		Title:  fmt.Sprintf("Auto-generated %d topics", added),
	})
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
