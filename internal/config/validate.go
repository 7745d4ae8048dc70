package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks cfg for values the services would reject at apply time.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	if d := dur("scheduler.tick", cfg.Scheduler.Tick); d > 0 && d < time.Second {
		errs = append(errs, fmt.Errorf("scheduler.tick: must be >= 1s, got %s", d))
	}
	dur("scheduler.publish_timeout", cfg.Scheduler.PublishTimeout)
	dur("scheduler.gen_timeout", cfg.Scheduler.GenTimeout)
	dur("scheduler.gen_backoff", cfg.Scheduler.GenBackoff)
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	dur("collab.timeout", cfg.Collab.Timeout)
	dur("ops.read_timeout", cfg.Ops.ReadTimeout)
	dur("ops.write_timeout", cfg.Ops.WriteTimeout)
	dur("ops.idle_timeout", cfg.Ops.IdleTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3", "memory", "mem":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Notify.MinType)) {
	case "", "error", "skip", "post":
	default:
		errs = append(errs, fmt.Errorf("notify.min_type: unknown %q", cfg.Notify.MinType))
	}
	if cfg.Notify.RatePerSec < 0 {
		errs = append(errs, errors.New("notify.rate_per_sec: must be >= 0"))
	}
	return errors.Join(errs...)
}

// Validator adapts Validate to ConfigManager.SetValidator.
func Validator(_ context.Context, cfg *Config) error { return Validate(cfg) }
