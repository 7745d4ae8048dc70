package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"postrobot/internal/activity"
	"postrobot/internal/admin"
	"postrobot/internal/clock"
	"postrobot/internal/storage"
	"postrobot/internal/tenant"
	logx "postrobot/pkg/logx"
)

const shop = "tea.myshopify.com"

func newAdmin(t *testing.T) (*admin.Service, *tenant.Store) {
	t.Helper()
	st := storage.NewMemory()
	store := tenant.NewStore(st, logx.Nop())
	act := activity.New(st, nil, logx.Nop())
	clk := clock.NewFixed(time.Date(2026, 10, 12, 13, 0, 0, 0, time.UTC))
	return admin.New(store, act, nil, nil, clk, logx.Nop()), store
}

func run(t *testing.T, svc *admin.Service, args ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := runAdmin(context.Background(), svc, args, &buf); err != nil {
		t.Fatalf("runAdmin(%v): %v", args, err)
	}
	return buf.Bytes()
}

func TestRunAdminTopics(t *testing.T) {
	t.Parallel()
	svc, store := newAdmin(t)
	ctx := context.Background()

	run(t, svc, "topics", shop, "add", "How to brew oolong")
	run(t, svc, "topics", shop, "add", "Best teapots 2026", "commercial")
	run(t, svc, "topics", shop, "archive", "0")

	c, err := store.Load(ctx, shop)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.Topics) != 1 || c.Topics[0].Title != "Best teapots 2026" || len(c.Archived) != 1 {
		t.Fatalf("queue=%+v archive=%+v", c.Topics, c.Archived)
	}

	var released map[string]int
	if err := json.Unmarshal(run(t, svc, "topics", shop, "release"), &released); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if released["released"] != 1 {
		t.Fatalf("released = %v", released)
	}
	run(t, svc, "topics", shop, "clear-queue")
	if c, _ := store.Load(ctx, shop); len(c.Topics) != 0 {
		t.Fatalf("queue not cleared: %+v", c.Topics)
	}
}

func TestRunAdminSettings(t *testing.T) {
	t.Parallel()
	svc, store := newAdmin(t)
	ctx := context.Background()

	run(t, svc, "toggle", shop, "off")
	run(t, svc, "mode", shop, "live")
	run(t, svc, "timezone", shop, "Asia/Jakarta")
	run(t, svc, "limit", shop, "on", "2")
	run(t, svc, "schedules", shop, `[{"enabled":true,"daysOfWeek":["Mon"],"times":["9:00"]}]`)

	c, err := store.Load(ctx, shop)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.RobotEnabled || c.Mode != "live" || c.Timezone != "Asia/Jakarta" {
		t.Fatalf("config = %+v", c)
	}
	if !c.DailyLimit.Enabled || c.DailyLimit.MaxPerDay != 2 {
		t.Fatalf("limit = %+v", c.DailyLimit)
	}
	if len(c.Schedules) == 0 || c.Schedules[0].Times[0] != "09:00" {
		t.Fatalf("schedules = %+v", c.Schedules)
	}

	var ov admin.Overview
	if err := json.Unmarshal(run(t, svc, "status", shop), &ov); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ov.RobotEnabled || ov.Timezone != "Asia/Jakarta" {
		t.Fatalf("overview = %+v", ov)
	}
}

func TestRunAdminErrors(t *testing.T) {
	t.Parallel()
	svc, _ := newAdmin(t)
	cases := [][]string{
		{"status"},
		{"nope", shop},
		{"toggle", shop, "maybe"},
		{"limit", shop, "on"},
		{"topics", shop, "remove", "x"},
		{"activity", shop, "0"},
	}
	for _, args := range cases {
		err := runAdmin(context.Background(), svc, args, &bytes.Buffer{})
		if !errors.Is(err, errUsage) {
			t.Fatalf("runAdmin(%v) = %v, want usage error", args, err)
		}
	}
	if err := runAdmin(context.Background(), svc, []string{"timezone", shop, "Mars/Base"}, &bytes.Buffer{}); !errors.Is(err, admin.ErrInvalidTimezone) {
		t.Fatalf("timezone err = %v", err)
	}
	if err := runAdmin(context.Background(), svc, []string{"post", shop}, &bytes.Buffer{}); err == nil {
		t.Fatalf("post without poster should fail")
	}
}
