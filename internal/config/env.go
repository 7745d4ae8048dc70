package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values.
const (
	EnvSQLitePath    = "SQLITE_PATH"
	EnvDatabaseURL   = "DATABASE_URL"
	EnvCollabURL     = "COLLAB_BASE_URL"
	EnvCollabToken   = "COLLAB_TOKEN"
	EnvTelegramToken = "TELEGRAM_TOKEN"
	EnvOpsToken      = "OPS_TOKEN"
)

// LoadDotEnv loads .env style files into the process environment. Missing
// files are skipped and variables already set are kept.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// applyEnv overlays environment overrides onto cfg.
func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	get := func(k string) string { return strings.TrimSpace(getenv(k)) }

	if v := get(EnvSQLitePath); v != "" {
		cfg.Storage.Path = v
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "sqlite"
		}
	}
	if v := get(EnvDatabaseURL); v != "" {
		cfg.Storage.DSN = v
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "postgres"
		}
	}
	if v := get(EnvCollabURL); v != "" {
		cfg.Collab.BaseURL = v
	}
	if v := get(EnvCollabToken); v != "" {
		cfg.Collab.Token = v
	}
	if v := get(EnvTelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := get(EnvOpsToken); v != "" {
		cfg.Ops.Token = v
	}
}
