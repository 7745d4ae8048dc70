package config

// Config is the process configuration (robot.yaml / robot.json). Tenant
// settings live in storage, not here.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Lock      LockConfig      `json:"lock,omitempty"`
	Collab    CollabConfig    `json:"collab"`
	Ops       OpsConfig       `json:"ops,omitempty"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig is the operator chat used by notify and the log sink.
// Token may come from TELEGRAM_TOKEN instead.
type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// SchedulerConfig controls the tick loop and the publish pipeline.
//
// Durations are Go duration strings. Enabled is a pointer so an omitted
// key means "on".
type SchedulerConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Tick           string `json:"tick,omitempty"`            // default 10s
	PublishTimeout string `json:"publish_timeout,omitempty"` // default 2m
	GenTimeout     string `json:"gen_timeout,omitempty"`     // default 2m
	GenBackoff     string `json:"gen_backoff,omitempty"`     // default 5m
}

// IsEnabled reports the effective enabled flag.
func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// StorageConfig selects the tenant store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/robot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

type LockConfig struct {
	Path string `json:"path"` // default: ./robot.lock.json
}

// CollabConfig points at the publishing collaborator service.
type CollabConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"` // do not log
	Timeout string `json:"timeout,omitempty"`
}

// OpsConfig controls the operator HTTP server (/healthz, /metrics,
// /status and optional pprof).
//
// Prefer a loopback addr. A non-loopback addr needs a token or
// allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// NotifyConfig forwards activity events to the operator chat.
type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	MinType    string `json:"min_type,omitempty"` // error | skip | post; default error
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}
