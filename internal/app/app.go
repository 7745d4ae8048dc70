// Package app wires the robot together and owns its lifecycle: single
// instance lock, supervised background loops, config hot reload and
// systemd notifications.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"postrobot/internal/activity"
	"postrobot/internal/admin"
	"postrobot/internal/clock"
	"postrobot/internal/collab"
	"postrobot/internal/config"
	"postrobot/internal/eventbus"
	"postrobot/internal/lock"
	"postrobot/internal/notify"
	"postrobot/internal/observability/metrics"
	"postrobot/internal/observability/ops"
	"postrobot/internal/poster"
	"postrobot/internal/runtime/supervisor"
	"postrobot/internal/scheduler"
	"postrobot/internal/storage"
	"postrobot/internal/tenant"
	logx "postrobot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	clk  *clock.Resolver

	store   storage.Store
	tenants *tenant.Store
	act     *activity.Logger
	collab  *collab.Client
	poster  *poster.Service
	sched   *scheduler.Service
	notif   *notify.Service
	ops     *ops.Service
	admin   *admin.Service
	sd      *systemdNotifier

	// owned by the reload loop after Start
	sender notify.Sender

	sup       *supervisor.Supervisor
	lock      *lock.Lock
	startedAt time.Time
}

// New loads the config and builds every component without starting any
// background work. Admin commands can use the result directly.
func New(cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(config.Validator)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	sender, senderErr := newSender(cfg)
	logs, log := logx.New(mapLogConfig(cfg), chatSender(sender))
	if senderErr != nil {
		log.Warn("telegram sender disabled", logx.Err(senderErr))
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	st, err := storage.Open(mapStorageConfig(cfg), log)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &App{
		cfgm:   cfgm,
		log:    log.With(logx.String("comp", "app")),
		logs:   logs,
		bus:    eventbus.New(),
		clk:    &clock.Resolver{},
		store:  st,
		sender: sender,
	}
	a.tenants = tenant.NewStore(st, log)
	a.act = activity.New(st, a.bus, log)
	a.collab = collab.New(mapCollabConfig(cfg), log)
	a.sd = newSystemdNotifier(log.With(logx.String("comp", "systemd")))
	a.poster = poster.New(a.tenants, a.collab, a.act, a.clk, log,
		poster.WithTimeout(mapPublishTimeout(cfg)))
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.tenants, a.poster, a.act, log,
		scheduler.WithClock(a.clk),
		scheduler.WithBus(a.bus),
		scheduler.WithTopicGenerator(a.collab),
		scheduler.OnTick(a.sd.Beat),
	)
	a.notif = notify.New(mapNotifyConfig(cfg), a.bus, sender, log)
	a.ops = ops.New(mapOpsConfig(cfg), a.statusDoc, a.health, log)
	a.admin = admin.New(a.tenants, a.act, a.poster, a.sched, a.clk, log)
	return a, nil
}

// chatSender keeps a nil Sender from becoming a non-nil interface.
func chatSender(s notify.Sender) logx.ChatSender {
	if s == nil {
		return nil
	}
	return s
}

func (a *App) Admin() *admin.Service { return a.admin }

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start takes the instance lock and launches the scheduler, notifier, ops
// server, metrics and config watcher. Lock contention returns an error
// wrapping lock.ErrAlreadyRunning.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	lk, err := lock.Acquire(mapLockPath(cfg))
	if err != nil {
		a.act.System(ctx, activity.Global, activity.SystemLockRefused, err.Error(), os.Getpid())
		a.log.Error("refusing to start", logx.Err(err))
		return err
	}
	a.lock = lk
	a.startedAt = time.Now()

	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	run := a.sup.Context()

	metrics.Init()
	a.sup.Go("metrics.watch", func(c context.Context) error {
		metrics.Watch(c, a.bus)
		return nil
	})
	a.sup.GoRestart("notify", a.notif.Run)

	a.sched.Start(run)
	a.ops.Reconfigure(run, mapOpsConfig(cfg))

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, cfg)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.Watchdog(c, a.sched.Enabled)
	})

	a.act.System(ctx, activity.Global, activity.SystemRobotStart, "", lk.Record().PID)
	a.sd.Ready()
	a.log.Info("robot started",
		logx.Int("pid", lk.Record().PID),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.String("storage", mapStorageConfig(cfg).Driver),
	)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config, applied *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, applied, next)
			applied = next
		}
	}
}

// applyConfig pushes the live-reloadable parts of next into the running
// components. Restart-only sections are only logged.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) config.Change {
	ch := config.SummarizeConfigChange(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return ch
	}

	if ch.Has("telegram") {
		sender, err := newSender(next)
		if err != nil {
			a.log.Warn("telegram sender disabled", logx.Err(err))
		}
		a.sender = sender
		a.logs.SetChatSender(chatSender(sender))
	}
	if ch.Has("logging") {
		a.logs.Apply(mapLogConfig(next))
	}
	if ch.Has("telegram") || ch.Has("notify") {
		a.notif.Apply(mapNotifyConfig(next), a.sender)
	}
	if ch.Has("scheduler") {
		wasOn := a.sched.Enabled()
		a.sched.Apply(ctx, mapSchedulerConfig(next))
		a.poster.SetTimeout(mapPublishTimeout(next))
		if !wasOn && a.sched.Enabled() {
			a.sd.Beat()
		}
	}
	if ch.Has("ops") {
		a.ops.Reconfigure(ctx, mapOpsConfig(next))
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.Restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
	return ch
}

// Stop shuts down in stages, each bounded so one component cannot stall
// the rest. Storage is closed before the lock is released.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := boundedContext(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	pid := os.Getpid()
	if a.lock != nil {
		pid = a.lock.Record().PID
	}
	msg := string(reason)
	if err := a.sup.Err(); err != nil {
		msg = fmt.Sprintf("%s: %v", reason, err)
	}
	a.act.System(ctx, activity.Global, activity.SystemRobotStop, msg, pid)

	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
		a.store = nil
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release lock: %w", err))
		}
		a.lock = nil
	}
	a.log.Info("stopped", logx.String("reason", string(reason)))
	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases storage and logging. Stop calls it; admin commands that
// never Start call it directly.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
		a.store = nil
	}
	if a.logs != nil {
		if err := a.logs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close logs: %w", err))
		}
		a.logs = nil
	}
	return errors.Join(errs...)
}

// boundedContext derives a context ending after max without ever
// extending the caller's deadline.
func boundedContext(ctx context.Context, max time.Duration) (context.Context, context.CancelFunc) {
	if max <= 0 {
		return context.WithCancel(ctx)
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, max)
}

// Status is the document served on /status.
type Status struct {
	PID       int                 `json:"pid"`
	StartedAt time.Time           `json:"startedAt"`
	Scheduler SchedulerStatus     `json:"scheduler"`
	Tasks     supervisor.Snapshot `json:"tasks"`
	Events    EventStatus         `json:"events"`
}

type SchedulerStatus struct {
	Enabled bool                     `json:"enabled"`
	Tenants []scheduler.TenantStatus `json:"tenants"`
}

type EventStatus struct {
	BusDropped    uint64 `json:"busDropped"`
	NotifySent    uint64 `json:"notifySent"`
	NotifyDropped uint64 `json:"notifyDropped"`
}

func (a *App) statusDoc(context.Context) any {
	sent, dropped := a.notif.Stats()
	return Status{
		PID:       os.Getpid(),
		StartedAt: a.startedAt,
		Scheduler: SchedulerStatus{Enabled: a.sched.Enabled(), Tenants: a.sched.Statuses()},
		Tasks:     a.sup.Snapshot(),
		Events:    EventStatus{BusDropped: a.bus.Dropped(), NotifySent: sent, NotifyDropped: dropped},
	}
}

// health fails after a supervisor error or when an enabled scheduler has
// not completed a tick for three intervals plus one publish timeout.
func (a *App) health() error {
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	if !a.sched.Enabled() {
		return nil
	}
	cfg := a.cfgm.Get()
	limit := 3*mapSchedulerConfig(cfg).Tick + mapPublishTimeout(cfg)
	if since := time.Since(time.Unix(0, a.sd.lastBeat.Load())); since > limit {
		return fmt.Errorf("scheduler stalled: last tick %s ago", since.Round(time.Second))
	}
	return nil
}
