package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig is assembled from environment variables, optionally overlaid by
// a YAML file pointed at by CONFIG_FILE. Env always wins over the file.
type AppConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	// TickMs is the timer scheduler granularity; 100 ms keeps sub-second
	// UI feedback without a per-session goroutine.
	TickMs int `yaml:"tick_ms"`
	// SoloGraceSec delays ephemeral eviction of solo sessions after
	// completion so a reconnecting client can still reconcile.
	SoloGraceSec int `yaml:"solo_grace_sec"`
	// ClockBroadcastSec is the periodic clock-update cadence (min 1s).
	ClockBroadcastSec int `yaml:"clock_broadcast_sec"`
	// SessionTTLSec bounds how long abandoned ephemeral sessions linger.
	SessionTTLSec int `yaml:"session_ttl_sec"`
	// FreezeClocksOnRestart switches restart recovery from charging the
	// downtime to the side on the clock to re-anchoring instead.
	FreezeClocksOnRestart bool `yaml:"freeze_clocks_on_restart"`

	DefaultTimeControl string `yaml:"default_time_control"`
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:         ":8080",
		TickMs:             100,
		SoloGraceSec:       300,
		ClockBroadcastSec:  1,
		SessionTTLSec:      86400,
		DefaultTimeControl: "300+5",
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TICK_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TickMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SOLO_GRACE_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.SoloGraceSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CLOCK_BROADCAST_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ClockBroadcastSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SESSION_TTL_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SessionTTLSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("FREEZE_CLOCKS_ON_RESTART")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.FreezeClocksOnRestart = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("DEFAULT_TIME_CONTROL")); v != "" {
		cfg.DefaultTimeControl = v
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	return cfg, nil
}
