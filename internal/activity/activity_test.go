package activity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"postrobot/internal/eventbus"
	"postrobot/internal/storage"
	logx "postrobot/pkg/logx"
)

func TestLogCapsAndOrdersNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := New(storage.NewMemory(), nil, logx.Nop())
	for i := 0; i < MaxEntries+5; i++ {
		if _, err := l.Log(ctx, "s", Entry{Type: TypeSkip, Source: SourceScheduled, Title: fmt.Sprint(i)}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	got, err := l.Recent(ctx, "s", 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != MaxEntries {
		t.Fatalf("len = %d, want %d", len(got), MaxEntries)
	}
	if got[0].Title != fmt.Sprint(MaxEntries+4) {
		t.Fatalf("newest = %q", got[0].Title)
	}
	if got[0].ID == "" || got[0].TS.IsZero() {
		t.Fatalf("id/ts not filled: %+v", got[0])
	}
}

func TestLogPublishesOnBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.TypeActivity)
	defer unsub()
	fixed := time.Date(2026, 10, 12, 13, 0, 0, 0, time.UTC)
	l := New(storage.NewMemory(), bus, logx.Nop()).WithClock(func() time.Time { return fixed })

	if _, err := l.Log(context.Background(), "s", Entry{Type: TypePost, Title: "t"}); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-ch:
		e, ok := ev.Data.(Entry)
		if !ok || ev.Shop != "s" || e.Type != TypePost || !e.TS.Equal(fixed) {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("no event published")
	}
}

func TestSystemLogRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := New(storage.NewMemory(), nil, logx.Nop())
	l.System(ctx, Global, SystemRobotStart, "", 42)
	l.System(ctx, Global, SystemRobotStop, "signal", 42)
	got, err := l.SystemLog(ctx, Global)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Type != SystemRobotStart || got[1].Message != "signal" || got[1].PID != 42 {
		t.Fatalf("system log = %+v", got)
	}
	if err := l.Clear(ctx, Global); err != nil {
		t.Fatal(err)
	}
	if got, _ := l.SystemLog(ctx, Global); len(got) != 0 {
		t.Fatalf("not cleared: %+v", got)
	}
}
