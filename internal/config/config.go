// SPDX-License-Identifier: MIT

// Package config loads daemon configuration with precedence
// defaults < YAML file < environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shiftcam/shiftcam/internal/auth"
	"github.com/shiftcam/shiftcam/internal/directory"
)

// Config is the complete daemon configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	DataDir  string `yaml:"dataDir"`
	LogLevel string `yaml:"logLevel"`

	Redis struct {
		Addr     string `yaml:"addr"` // empty selects the in-process bus
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	PendingTTL        time.Duration `yaml:"pendingTTL"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	RateLimit struct {
		RPS   int `yaml:"rps"`
		Burst int `yaml:"burst"`
	} `yaml:"rateLimit"`

	Livekit struct {
		URL    string        `yaml:"url"`
		Secret string        `yaml:"secret"`
		TTL    time.Duration `yaml:"ttl"`
	} `yaml:"livekit"`

	Users     []auth.StaticUser    `yaml:"users"`
	Employees []directory.Employee `yaml:"employees"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	var c Config
	c.Listen = ":8080"
	c.DataDir = "/var/lib/shiftcam"
	c.LogLevel = "info"
	c.PendingTTL = 45 * time.Second
	c.SweepInterval = 30 * time.Second
	c.HeartbeatInterval = 15 * time.Second
	c.RateLimit.RPS = 50
	c.RateLimit.Burst = 100
	c.Livekit.TTL = 10 * time.Minute
	return c
}

// Load reads the optional YAML file at path and applies env overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Listen = envString("SHIFTCAM_LISTEN", cfg.Listen)
	cfg.DataDir = envString("SHIFTCAM_DATA", cfg.DataDir)
	cfg.LogLevel = envString("SHIFTCAM_LOG_LEVEL", cfg.LogLevel)
	cfg.Redis.Addr = envString("SHIFTCAM_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envString("SHIFTCAM_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = envInt("SHIFTCAM_REDIS_DB", cfg.Redis.DB)
	cfg.PendingTTL = envDuration("SHIFTCAM_PENDING_TTL", cfg.PendingTTL)
	cfg.SweepInterval = envDuration("SHIFTCAM_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.HeartbeatInterval = envDuration("SHIFTCAM_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.Livekit.URL = envString("SHIFTCAM_LIVEKIT_URL", cfg.Livekit.URL)
	cfg.Livekit.Secret = envString("SHIFTCAM_LIVEKIT_SECRET", cfg.Livekit.Secret)
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.PendingTTL <= 0 {
		return fmt.Errorf("config: pendingTTL must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: sweepInterval must be positive")
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
