// Package admin implements the operator commands on one tenant: toggles,
// schedule and quota settings, topic queue maintenance, manual posts and
// the full reset.
package admin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"postrobot/internal/activity"
	"postrobot/internal/clock"
	"postrobot/internal/poster"
	"postrobot/internal/schedule"
	"postrobot/internal/scheduler"
	"postrobot/internal/tenant"
	"postrobot/internal/topics"
	logx "postrobot/pkg/logx"
)

var (
	ErrInvalidTimezone = errors.New("invalid timezone")
	ErrInvalidLimit    = errors.New("maxPerDay must be >= 1")
)

// Runtime is the scheduler state an admin command may read or drop.
type Runtime interface {
	Status(shop string) scheduler.TenantStatus
	Forget(shop string)
}

type Service struct {
	store  *tenant.Store
	act    *activity.Logger
	poster *poster.Service
	rt     Runtime
	clk    *clock.Resolver
	log    logx.Logger
}

// New builds the command set. rt may be nil when no scheduler runs in this
// process.
func New(store *tenant.Store, act *activity.Logger, p *poster.Service, rt Runtime, clk *clock.Resolver, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = &clock.Resolver{}
	}
	return &Service{store: store, act: act, poster: p, rt: rt, clk: clk, log: log.With(logx.String("comp", "admin"))}
}

// Overview is the operator view of one tenant.
type Overview struct {
	Shop         string                  `json:"shop"`
	RobotEnabled bool                    `json:"robotEnabled"`
	Blocked      bool                    `json:"postingBlocked"`
	Mode         schedule.Mode           `json:"mode"`
	Timezone     string                  `json:"timezone"`
	LocalDay     string                  `json:"localDay"`
	LocalTime    string                  `json:"localTime"`
	DayKey       string                  `json:"dayKey"`
	Schedules    []schedule.Profile      `json:"schedules"`
	DailyLimit   tenant.DailyLimit       `json:"dailyLimit"`
	DailyUsage   tenant.DailyUsage       `json:"dailyUsage"`
	Queued       int                     `json:"queued"`
	Archived     int                     `json:"archived"`
	Next         string                  `json:"next,omitempty"`
	LastRun      *time.Time              `json:"lastRun"`
	LastPost     *tenant.LastPost        `json:"lastPost"`
	Scheduler    *scheduler.TenantStatus `json:"scheduler,omitempty"`
}

func (s *Service) Overview(ctx context.Context, shop string) (Overview, error) {
	c, err := s.store.Load(ctx, shop)
	if err != nil {
		return Overview{}, err
	}
	parts := s.clk.Resolve(c.Timezone)
	o := Overview{
		Shop:         c.ShopDomain,
		RobotEnabled: c.RobotEnabled,
		Blocked:      c.PostingBlocked,
		Mode:         c.Mode,
		Timezone:     c.Timezone,
		LocalDay:     parts.DayShort,
		LocalTime:    parts.TimeHHMM,
		DayKey:       parts.DayKey,
		Schedules:    c.Schedules,
		DailyLimit:   c.DailyLimit,
		DailyUsage:   c.DailyUsage,
		Queued:       len(c.Topics),
		Archived:     len(c.Archived),
		LastRun:      c.LastRun,
		LastPost:     c.LastPost,
	}
	if len(c.Topics) > 0 {
		o.Next = c.Topics[0].Title
	}
	if s.rt != nil {
		st := s.rt.Status(c.ShopDomain)
		o.Scheduler = &st
	}
	return o, nil
}

// Toggle sets the publishing switch.
func (s *Service) Toggle(ctx context.Context, shop string, enabled bool) error {
	if _, err := s.store.Update(ctx, shop, func(c *tenant.Config) error {
		c.RobotEnabled = enabled
		return nil
	}); err != nil {
		return err
	}
	state := "paused"
	if enabled {
		state = "enabled"
	}
	s.act.System(ctx, shop, activity.SystemToggle, "robot "+state, os.Getpid())
	return nil
}

func (s *Service) SetMode(ctx context.Context, shop, raw string) error {
	m, err := schedule.ParseMode(raw)
	if err != nil {
		return err
	}
	_, err = s.store.Update(ctx, shop, func(c *tenant.Config) error {
		c.Mode = m
		return nil
	})
	return err
}

// SetTimezone accepts IANA identifiers only.
func (s *Service) SetTimezone(ctx context.Context, shop, tz string) error {
	tz = strings.TrimSpace(tz)
	if !clock.ValidTimezone(tz) {
		return fmt.Errorf("%w: %q", ErrInvalidTimezone, tz)
	}
	_, err := s.store.Update(ctx, shop, func(c *tenant.Config) error {
		c.Timezone = tz
		return nil
	})
	return err
}

func (s *Service) SetDailyLimit(ctx context.Context, shop string, enabled bool, maxPerDay int) error {
	if maxPerDay < 1 {
		return ErrInvalidLimit
	}
	_, err := s.store.Update(ctx, shop, func(c *tenant.Config) error {
		c.DailyLimit.Enabled = enabled
		c.DailyLimit.MaxPerDay = maxPerDay
		return nil
	})
	return err
}

// SetSchedules replaces every profile. Profiles are normalized on save.
func (s *Service) SetSchedules(ctx context.Context, shop string, profiles []schedule.Profile) error {
	_, err := s.store.Update(ctx, shop, func(c *tenant.Config) error {
		c.Schedules = profiles
		return nil
	})
	return err
}

func (s *Service) SetExcluded(ctx context.Context, shop string, phrases []string) error {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	_, err := s.store.Update(ctx, shop, func(c *tenant.Config) error {
		c.ExcludedTopics = out
		return nil
	})
	return err
}

func (s *Service) AddTopic(ctx context.Context, shop, title string, intent topics.Intent) (topics.Topic, error) {
	var added topics.Topic
	_, err := s.store.Update(ctx, shop, func(c *tenant.Config) error {
		t, err := c.Add(title, intent, c.BusinessContext.BusinessName)
		added = t
		return err
	})
	return added, err
}

func (s *Service) RemoveTopic(ctx context.Context, shop string, index int) (topics.Topic, error) {
	var removed topics.Topic
	_, err := s.store.Update(ctx, shop, func(c *tenant.Config) error {
		t, err := c.Remove(index)
		removed = t
		return err
	})
	return removed, err
}

// ArchiveTopic moves the topic at index to the archive. title, when set,
// must match the topic at index.
func (s *Service) ArchiveTopic(ctx context.Context, shop string, index int, title string) (topics.Topic, error) {
	var archived topics.Topic
	now := s.clk.Current().UTC()
	_, err := s.store.Update(ctx, shop, func(c *tenant.Config) error {
		t, err := c.Archive(index, title, now)
		archived = t
		return err
	})
	return archived, err
}

func (s *Service) ReleaseArchive(ctx context.Context, shop string) (int, error) {
	n := 0
	_, err := s.store.Update(ctx, shop, func(c *tenant.Config) error {
		n = c.ReleaseArchive()
		return nil
	})
	return n, err
}

func (s *Service) ClearQueue(ctx context.Context, shop string) (int, error) {
	n := 0
	c, err := s.store.Update(ctx, shop, func(c *tenant.Config) error {
		n = c.ClearQueue()
		return nil
	})
	if err != nil {
		return 0, err
	}
	_, err = s.act.Log(ctx, shop, activity.Entry{
		Type:   activity.TypeQueueClear,
		Source: activity.SourceManual,
		Mode:   c.Mode,
		Title:  fmt.Sprintf("Cleared %d queued topics", n),
	})
	return n, err
}

func (s *Service) ClearArchive(ctx context.Context, shop string) (int, error) {
	n := 0
	c, err := s.store.Update(ctx, shop, func(c *tenant.Config) error {
		n = c.ClearArchive()
		return nil
	})
	if err != nil {
		return 0, err
	}
	_, err = s.act.Log(ctx, shop, activity.Entry{
		Type:   activity.TypeArchiveClear,
		Source: activity.SourceManual,
		Mode:   c.Mode,
		Title:  fmt.Sprintf("Cleared %d archived topics", n),
	})
	return n, err
}

// PostNow runs the publish pipeline outside the schedule. override, when
// set, is posted without touching the queue.
func (s *Service) PostNow(ctx context.Context, shop, override string) (poster.Result, error) {
	if s.poster == nil {
		return poster.Result{}, errors.New("posting is not available")
	}
	return s.poster.Manual(ctx, shop, override)
}

// Activity returns up to limit entries, newest first.
func (s *Service) Activity(ctx context.Context, shop string, limit int) ([]activity.Entry, error) {
	return s.act.Recent(ctx, shop, limit)
}

func (s *Service) SystemLog(ctx context.Context, shop string) ([]activity.SystemEntry, error) {
	return s.act.SystemLog(ctx, shop)
}

// ResetAll restores the defaults of shop keeping its identity and
// timezone, clears its logs and drops its scheduler runtime state.
func (s *Service) ResetAll(ctx context.Context, shop string) (tenant.Config, error) {
	c, err := s.store.Update(ctx, shop, func(c *tenant.Config) error {
		*c = c.Reset()
		return nil
	})
	if err != nil {
		return tenant.Config{}, err
	}
	if err := s.act.Clear(ctx, shop); err != nil {
		return c, fmt.Errorf("clear logs: %w", err)
	}
	if s.rt != nil {
		s.rt.Forget(c.ShopDomain)
	}
	s.act.System(ctx, shop, activity.SystemReset, "tenant reset to defaults", os.Getpid())
	s.log.Info("tenant reset", logx.Shop(shop))
	return c, nil
}
