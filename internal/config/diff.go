package config

import (
	"strings"

	logx "postrobot/pkg/logx"
)

// Change summarizes a reload. Attrs never carry secrets.
type Change struct {
	Sections []string
	Restart  []string // sections that only take effect after a restart
	Attrs    []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Has reports whether section changed.
func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if restart {
			ch.Restart = append(ch.Restart, section)
		}
		ch.Attrs = append(ch.Attrs, attrs...)
	}
	trim := strings.TrimSpace
	set := func(s string) bool { return trim(s) != "" }

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Telegram != newCfg.Telegram {
		mark("telegram", false,
			logx.Bool("telegram.token_set", set(newCfg.Telegram.Token)),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
		)
	}

	o, n := oldCfg.Scheduler, newCfg.Scheduler
	if o.IsEnabled() != n.IsEnabled() || trim(o.Tick) != trim(n.Tick) ||
		trim(o.PublishTimeout) != trim(n.PublishTimeout) ||
		trim(o.GenTimeout) != trim(n.GenTimeout) || trim(o.GenBackoff) != trim(n.GenBackoff) {
		mark("scheduler", false,
			logx.Bool("scheduler.enabled", n.IsEnabled()),
			logx.String("scheduler.tick", trim(n.Tick)),
			logx.String("scheduler.publish_timeout", trim(n.PublishTimeout)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage", true,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.dsn_set", set(newCfg.Storage.DSN)),
		)
	}
	if oldCfg.Lock != newCfg.Lock {
		mark("lock", true, logx.String("lock.path", newCfg.Lock.Path))
	}
	if oldCfg.Collab != newCfg.Collab {
		mark("collab", true,
			logx.String("collab.base_url", newCfg.Collab.BaseURL),
			logx.Bool("collab.token_set", set(newCfg.Collab.Token)),
		)
	}
	if oldCfg.Ops != newCfg.Ops {
		mark("ops", false,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", set(newCfg.Ops.Token)),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}
	if oldCfg.Notify != newCfg.Notify {
		mark("notify", false,
			logx.Bool("notify.enabled", newCfg.Notify.Enabled),
			logx.String("notify.min_type", newCfg.Notify.MinType),
		)
	}
	return ch
}
