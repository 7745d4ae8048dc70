package app

import (
	"strings"
	"time"

	"postrobot/internal/collab"
	"postrobot/internal/config"
	"postrobot/internal/notify"
	"postrobot/internal/observability/ops"
	"postrobot/internal/poster"
	"postrobot/internal/scheduler"
	"postrobot/internal/storage"
	logx "postrobot/pkg/logx"
)

// DefaultLockPath is used when lock.path is empty.
const DefaultLockPath = "./robot.lock.json"

// Config values reaching these mappers already passed config.Validate, so
// duration parse errors fall back to defaults instead of failing.

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: config.MustDuration(sc.BusyTimeout, time.Second),
		MaxConns:    sc.MaxConns,
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	sc := cfg.Scheduler
	return scheduler.Config{
		Enabled:    sc.IsEnabled(),
		Tick:       config.MustDuration(sc.Tick, scheduler.DefaultTick),
		GenTimeout: config.MustDuration(sc.GenTimeout, scheduler.DefaultGenTimeout),
		GenBackoff: config.MustDuration(sc.GenBackoff, scheduler.DefaultGenBackoff),
	}
}

func mapPublishTimeout(cfg *config.Config) time.Duration {
	return config.MustDuration(cfg.Scheduler.PublishTimeout, poster.DefaultTimeout)
}

func mapCollabConfig(cfg *config.Config) collab.Config {
	return collab.Config{
		BaseURL: strings.TrimSpace(cfg.Collab.BaseURL),
		Token:   strings.TrimSpace(cfg.Collab.Token),
		Timeout: config.MustDuration(cfg.Collab.Timeout, 0),
	}
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	return notify.Config{
		Enabled:    cfg.Notify.Enabled,
		MinType:    cfg.Notify.MinType,
		RatePerSec: cfg.Notify.RatePerSec,
	}
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	o := cfg.Ops
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = ops.DefaultAddr
	}
	return ops.Config{
		Enabled:              o.Enabled,
		Addr:                 addr,
		Token:                strings.TrimSpace(o.Token),
		AllowInsecure:        o.AllowInsecure,
		Pprof:                o.Pprof,
		ReadTimeout:          config.MustDuration(o.ReadTimeout, 5*time.Second),
		WriteTimeout:         config.MustDuration(o.WriteTimeout, 30*time.Second),
		IdleTimeout:          config.MustDuration(o.IdleTimeout, 60*time.Second),
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}
}

func mapLockPath(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.Lock.Path); p != "" {
		return p
	}
	return DefaultLockPath
}

// newSender builds the operator chat sender, or nil when telegram is not
// configured. A nil *Telegram is never returned inside the interface.
func newSender(cfg *config.Config) (notify.Sender, error) {
	t := cfg.Telegram
	if strings.TrimSpace(t.Token) == "" || t.ChatID == 0 {
		return nil, nil
	}
	tg, err := notify.NewTelegram(notify.TelegramConfig{Token: t.Token, ChatID: t.ChatID, ThreadID: t.ThreadID})
	if err != nil {
		return nil, err
	}
	return tg, nil
}
