package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`
	WalletURL   string `yaml:"wallet_url"`

	// Safety-net poll interval for missed change notifications.
	RefreshIntervalSec int `yaml:"refresh_interval_sec"`
	// Delay between termination detection and presenting final results.
	ResultDelayMs int `yaml:"result_delay_ms"`
	// TTL applied to room and participant keys so orphaned rooms age out.
	RoomTTLSec int `yaml:"room_ttl_sec"`

	MaxRooms int `yaml:"max_rooms"`
}

func (c *AppConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSec) * time.Second
}

func (c *AppConfig) ResultDelay() time.Duration {
	return time.Duration(c.ResultDelayMs) * time.Millisecond
}

func (c *AppConfig) RoomTTL() time.Duration {
	return time.Duration(c.RoomTTLSec) * time.Second
}

// Load reads configuration from an optional YAML file (CONFIG_FILE) and then
// applies environment overrides on top.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:         ":8080",
		RefreshIntervalSec: 5,
		ResultDelayMs:      1500,
		RoomTTLSec:         6 * 3600,
		MaxRooms:           500,
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
	if v := strings.TrimSpace(os.Getenv("WALLET_URL")); v != "" {
		cfg.WalletURL = v
	}
	if v := strings.TrimSpace(os.Getenv("REFRESH_INTERVAL_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RefreshIntervalSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RESULT_DELAY_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.ResultDelayMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ROOM_TTL_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RoomTTLSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("MAX_ROOMS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxRooms = n
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}

	return cfg, nil
}
