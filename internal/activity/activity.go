// Package activity records the per-tenant audit trail (what the robot
// posted, skipped or failed) and the system log of process events.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"postrobot/internal/eventbus"
	"postrobot/internal/schedule"
	"postrobot/internal/storage"
	"postrobot/internal/topics"
	logx "postrobot/pkg/logx"
)

const (
	// MaxEntries caps the activity trail per tenant.
	MaxEntries = 200
	// SystemTail is how many system log lines are read back.
	SystemTail = 500
	// Global is the pseudo tenant receiving process-wide events.
	Global = "global"
)

type Type string

const (
	TypePost           Type = "post"
	TypeSkip           Type = "skip"
	TypeError          Type = "error"
	TypeTopicsGenerate Type = "topics_generate"
	TypeQueueClear     Type = "queue_clear"
	TypeArchiveClear   Type = "archive_clear"
)

type Source string

const (
	SourceManual    Source = "manual"
	SourceScheduled Source = "scheduled"
	SourceAuto      Source = "auto"
)

// Entry is one audit record. For skips and errors Title carries the
// human-readable reason.
type Entry struct {
	ID        string        `json:"id"`
	TS        time.Time     `json:"ts"`
	Type      Type          `json:"type"`
	Source    Source        `json:"source"`
	Mode      schedule.Mode `json:"mode,omitempty"`
	Profile   int           `json:"profile,omitempty"` // 1-based
	Intent    topics.Intent `json:"intent,omitempty"`
	Title     string        `json:"title"`
	Topic     string        `json:"topic,omitempty"`
	ArticleID string        `json:"articleId,omitempty"`
	Published *bool         `json:"published,omitempty"`
}

// SystemEntry is one system log line.
type SystemEntry struct {
	TS      time.Time `json:"ts"`
	Type    string    `json:"type"`
	Message string    `json:"message,omitempty"`
	PID     int       `json:"pid,omitempty"`
}

// System log types.
const (
	SystemRobotStart  = "robot_start"
	SystemRobotStop   = "robot_stop"
	SystemLockRefused = "lock_refused"
	SystemReset       = "reset_all"
	SystemToggle      = "robot_toggle"
)

// Logger persists entries and publishes them on the event bus.
type Logger struct {
	st  storage.Store
	bus eventbus.Bus
	log logx.Logger
	now func() time.Time
}

func New(st storage.Store, bus eventbus.Bus, log logx.Logger) *Logger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Logger{st: st, bus: bus, log: log.With(logx.String("comp", "activity")), now: time.Now}
}

// WithClock returns a copy of l stamping entries with now.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	cp := *l
	cp.now = now
	return &cp
}

// Log stores e as the newest entry of shop. ID and TS are filled when empty.
func (l *Logger) Log(ctx context.Context, shop string, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TS.IsZero() {
		e.TS = l.now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return e, err
	}
	if err := l.st.AppendActivity(ctx, shop, b, MaxEntries); err != nil {
		l.log.Error("activity append failed", logx.Shop(shop), logx.String("type", string(e.Type)), logx.Err(err))
		return e, fmt.Errorf("append activity: %w", err)
	}
	l.log.Debug("activity",
		logx.Shop(shop),
		logx.String("type", string(e.Type)),
		logx.String("source", string(e.Source)),
		logx.Int("profile", e.Profile),
		logx.String("title", e.Title),
	)
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeActivity, Shop: shop, Time: e.TS, Data: e})
	}
	return e, nil
}

// Recent returns up to limit entries of shop, newest first.
func (l *Logger) Recent(ctx context.Context, shop string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > MaxEntries {
		limit = MaxEntries
	}
	docs, err := l.st.RecentActivity(ctx, shop, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(docs))
	for _, d := range docs {
		var e Entry
		if err := json.Unmarshal(d, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// System appends a line to the system log of shop. Failures are logged and
// swallowed.
func (l *Logger) System(ctx context.Context, shop, typ, message string, pid int) {
	e := SystemEntry{TS: l.now().UTC(), Type: typ, Message: message, PID: pid}
	b, err := json.Marshal(e)
	if err == nil {
		err = l.st.AppendSystem(ctx, shop, b)
	}
	if err != nil {
		l.log.Warn("system log append failed", logx.Shop(shop), logx.String("type", typ), logx.Err(err))
		return
	}
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeSystem, Shop: shop, Time: e.TS, Data: e})
	}
}

// SystemLog returns the last SystemTail lines of shop in write order.
func (l *Logger) SystemLog(ctx context.Context, shop string) ([]SystemEntry, error) {
	lines, err := l.st.TailSystem(ctx, shop, SystemTail)
	if err != nil {
		return nil, err
	}
	out := make([]SystemEntry, 0, len(lines))
	for _, b := range lines {
		var e SystemEntry
		if err := json.Unmarshal(b, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Clear drops the activity trail and system log of shop.
func (l *Logger) Clear(ctx context.Context, shop string) error {
	return l.st.ClearLogs(ctx, shop)
}

// Labels returns the metric labels of e.
func (e Entry) Labels() (typ, source string) { return string(e.Type), string(e.Source) }
