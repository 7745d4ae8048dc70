// Package notify forwards activity events to the operator chat.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"postrobot/internal/activity"
	"postrobot/internal/eventbus"
	logx "postrobot/pkg/logx"
)

type Config struct {
	Enabled    bool
	MinType    string // error | skip | post
	RatePerSec int
}

// rank orders activity types by how loudly they should alert.
func rank(t activity.Type) int {
	switch t {
	case activity.TypeError:
		return 3
	case activity.TypeSkip:
		return 2
	case activity.TypePost, activity.TypeTopicsGenerate, activity.TypeQueueClear, activity.TypeArchiveClear:
		return 1
	}
	return 0
}

func minRank(minType string) int {
	switch strings.ToLower(strings.TrimSpace(minType)) {
	case "post":
		return 1
	case "skip":
		return 2
	default:
		return 3
	}
}

// Service turns bus activity events into chat messages.
type Service struct {
	bus eventbus.Bus
	log logx.Logger

	mu      sync.Mutex
	cfg     Config
	sender  Sender
	limiter *rate.Limiter

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func New(cfg Config, bus eventbus.Bus, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{bus: bus, log: log.With(logx.String("comp", "notify"))}
	s.Apply(cfg, sender)
	return s
}

// Apply swaps config and sender. A nil sender disables delivery.
func (s *Service) Apply(cfg Config, sender Sender) {
	rps := max(1, cfg.RatePerSec)
	s.mu.Lock()
	s.cfg = cfg
	s.sender = sender
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.mu.Unlock()
}

// Stats returns delivered and dropped counts.
func (s *Service) Stats() (sent, dropped uint64) { return s.sent.Load(), s.dropped.Load() }

// Run consumes activity events until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ch, unsub := s.bus.Subscribe(128, eventbus.TypeActivity)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Service) handle(ctx context.Context, ev eventbus.Event) {
	e, ok := ev.Data.(activity.Entry)
	if !ok {
		return
	}
	s.mu.Lock()
	cfg, sender, lim := s.cfg, s.sender, s.limiter
	s.mu.Unlock()

	if !cfg.Enabled || sender == nil || rank(e.Type) < minRank(cfg.MinType) {
		return
	}
	if !lim.Allow() {
		s.dropped.Add(1)
		s.log.Debug("alert rate limited", logx.Shop(ev.Shop), logx.String("type", string(e.Type)))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := sender.SendText(sctx, Format(ev.Shop, e))
	cancel()
	if err != nil {
		s.dropped.Add(1)
		s.log.Warn("alert send failed", logx.Shop(ev.Shop), logx.Err(err))
		return
	}
	s.sent.Add(1)
}

// Format renders one activity entry as a chat line.
func Format(shop string, e activity.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", shop, strings.ToUpper(string(e.Type)))
	if e.Profile > 0 {
		fmt.Fprintf(&b, " profile %d", e.Profile)
	}
	meta := make([]string, 0, 2)
	if e.Source != "" {
		meta = append(meta, string(e.Source))
	}
	if e.Mode != "" {
		meta = append(meta, string(e.Mode))
	}
	if len(meta) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(meta, ", "))
	}
	if e.Title != "" {
		b.WriteString(": ")
		b.WriteString(e.Title)
	}
	if e.Topic != "" && e.Topic != e.Title {
		fmt.Fprintf(&b, "\ntopic: %s", e.Topic)
	}
	if e.ArticleID != "" {
		fmt.Fprintf(&b, "\narticle: %s", e.ArticleID)
	}
	return b.String()
}
