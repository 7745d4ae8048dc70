// Package poster runs one publish attempt for a tenant: resolve the topic,
// apply the gate, call the content service, then record quota and rotate
// the queue. It is the only code that consumes daily quota.
package poster

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"postrobot/internal/activity"
	"postrobot/internal/clock"
	"postrobot/internal/collab"
	"postrobot/internal/gate"
	"postrobot/internal/observability/metrics"
	"postrobot/internal/quota"
	"postrobot/internal/schedule"
	"postrobot/internal/tenant"
	"postrobot/internal/topics"
	logx "postrobot/pkg/logx"
)

// DefaultTimeout bounds one publish call.
const DefaultTimeout = 2 * time.Minute

// Publisher is the content service's publish action.
type Publisher interface {
	Publish(ctx context.Context, req collab.PublishRequest) (collab.PublishResult, error)
}

// Outcome of an attempt. Exactly one activity entry is recorded per attempt.
type Outcome string

const (
	Posted  Outcome = "posted"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
)

// Request describes one attempt.
type Request struct {
	Source activity.Source
	// Profile is the 0-based schedule index, or -1 for attempts not driven by
	// a profile.
	Profile int
	// Mode overrides the publish mode when valid.
	Mode schedule.Mode
	// Topic, when set, is used instead of the queue head and leaves the
	// queue untouched.
	Topic string
	// SlotKey identifies the scheduled slot; it is forwarded as the publish
	// idempotency key.
	SlotKey string
}

// Result reports what happened.
type Result struct {
	Outcome   Outcome
	Reason    string
	Topic     string
	Title     string
	ArticleID string
	Published bool
	Mode      schedule.Mode
	Entry     activity.Entry
}

type Service struct {
	store *tenant.Store
	pub   Publisher
	act   *activity.Logger
	clk   *clock.Resolver
	log   logx.Logger

	timeout atomic.Int64
}

type Option func(*Service)

// WithTimeout sets the per-publish timeout; zero or less keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.SetTimeout(d)
	}
}

// SetTimeout replaces the per-publish timeout; zero or less is ignored.
func (s *Service) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout.Store(int64(d))
	}
}

func New(store *tenant.Store, pub Publisher, act *activity.Logger, clk *clock.Resolver, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = &clock.Resolver{}
	}
	s := &Service{
		store: store,
		pub:   pub,
		act:   act,
		clk:   clk,
		log:   log.With(logx.String("comp", "poster")),
	}
	s.timeout.Store(int64(DefaultTimeout))
	for _, o := range opts {
		o(s)
	}
	return s
}

// Manual triggers an attempt outside the schedule. The first profile's mode
// applies, as it does in the dashboard.
func (s *Service) Manual(ctx context.Context, shop, topic string) (Result, error) {
	return s.Post(ctx, shop, Request{Source: activity.SourceManual, Profile: -1, Topic: topic})
}

// Post runs one attempt. Gate rejections and content service failures are
// reported through Result and the activity log; the returned error is
// reserved for storage failures.
//
// The tenant's write lock is held for the whole attempt, so another process
// sharing the store cannot pass the gate on the same quota or queue head
// until this attempt has been written back.
func (s *Service) Post(ctx context.Context, shop string, req Request) (Result, error) {
	var out Result
	err := s.store.Hold(ctx, shop, func(ctx context.Context) error {
		var err error
		out, err = s.post(ctx, shop, req)
		return err
	})
	return out, err
}

func (s *Service) post(ctx context.Context, shop string, req Request) (Result, error) {
	now := s.clk.Current()
	snap, err := s.store.Update(ctx, shop, func(c *tenant.Config) error {
		quota.InitDailyUsage(c, s.clk.ResolveAt(c.Timezone, now).DayKey)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	mode := s.modeFor(&snap, req)
	ref, ok := snap.Resolve(req.Topic)
	base := activity.Entry{Source: req.Source, Mode: mode, Profile: req.Profile + 1}

	d := gate.Evaluate(&snap, ref, ok, now)
	if !d.Proceed {
		e := base
		e.Type = activity.TypeSkip
		e.Title = d.Reason
		e.Topic = ref.Title
		return s.record(ctx, shop, Result{Outcome: Skipped, Reason: d.Reason, Topic: ref.Title, Mode: mode}, e)
	}

	intent := ref.Intent
	if intent == "" {
		intent = topics.Classify(ref.Title, snap.BusinessContext.BusinessName)
	}
	intent = topics.NormalizeIntent(intent)

	res, perr := s.publish(ctx, collab.PublishRequest{
		Shop:           shop,
		Topic:          ref.Title,
		Intent:         intent,
		Mode:           mode,
		IdempotencyKey: req.SlotKey,
	})
	if perr != nil || !res.Success {
		reason := failureReason(req.Source, res, perr)
		e := base
		e.Type = activity.TypeError
		e.Title = reason
		e.Topic = ref.Title
		e.Intent = intent
		return s.record(ctx, shop, Result{Outcome: Failed, Reason: reason, Topic: ref.Title, Mode: mode}, e)
	}

	title := strings.TrimSpace(res.Title)
	if title == "" {
		title = "Untitled"
	}
	postedAt := s.clk.Current()
	_, uerr := s.store.Update(ctx, shop, func(c *tenant.Config) error {
		quota.InitDailyUsage(c, s.clk.ResolveAt(c.Timezone, postedAt).DayKey)
		quota.Commit(c, d.Ticket)
		c.PopAndArchive(ref, res.ArticleID, postedAt.UTC())
		at := postedAt.UTC()
		c.LastRun = &at
		c.LastPost = &tenant.LastPost{At: at, Title: title, Published: res.Published, ArticleID: optional(res.ArticleID)}
		return nil
	})
	if uerr != nil {
		// The article exists; the audit trail must say so even if the ledger
		// could not be written.
		s.log.Error("post bookkeeping failed", logx.Shop(shop), logx.String("article", res.ArticleID), logx.Err(uerr))
	}

	published := res.Published
	e := base
	e.Type = activity.TypePost
	e.Intent = intent
	e.Title = title
	e.Topic = ref.Title
	e.ArticleID = res.ArticleID
	e.Published = &published
	out, err := s.record(ctx, shop, Result{
		Outcome:   Posted,
		Topic:     ref.Title,
		Title:     title,
		ArticleID: res.ArticleID,
		Published: res.Published,
		Mode:      mode,
	}, e)
	if uerr != nil {
		return out, fmt.Errorf("record post for %s: %w", shop, uerr)
	}
	return out, err
}

func (s *Service) publish(ctx context.Context, req collab.PublishRequest) (res collab.PublishResult, err error) {
	pctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout.Load()))
	defer cancel()
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil || !res.Success {
			outcome = "error"
		}
		metrics.PublishDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()
	return s.pub.Publish(pctx, req)
}

func (s *Service) record(ctx context.Context, shop string, r Result, e activity.Entry) (Result, error) {
	s.log.Info("attempt finished",
		logx.Shop(shop),
		logx.String("outcome", string(r.Outcome)),
		logx.String("source", string(e.Source)),
		logx.Int("profile", e.Profile),
		logx.String("title", e.Title),
	)
	entry, err := s.act.Log(ctx, shop, e)
	r.Entry = entry
	return r, err
}

func (s *Service) modeFor(c *tenant.Config, req Request) schedule.Mode {
	if m, err := schedule.ParseMode(string(req.Mode)); err == nil {
		return m
	}
	if req.Source == activity.SourceManual && len(c.Schedules) > 0 {
		return schedule.NormalizeMode(c.Schedules[0].Mode)
	}
	if req.Profile >= 0 && req.Profile < len(c.Schedules) {
		return schedule.NormalizeMode(c.Schedules[req.Profile].Mode)
	}
	return schedule.NormalizeMode(c.Mode)
}

func failureReason(src activity.Source, res collab.PublishResult, err error) string {
	if err != nil {
		if src == activity.SourceScheduled {
			return "Scheduler error: " + err.Error()
		}
		return "Publish error: " + err.Error()
	}
	if msg := strings.TrimSpace(res.Error); msg != "" {
		return msg
	}
	return "Unknown error"
}

func optional(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}
