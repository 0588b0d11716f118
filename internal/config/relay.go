package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type DatabaseConfig struct {
	Path string `json:"path"`
}

type RelayConfig struct {
	Server struct {
		Port           int      `json:"port"`
		HTTPPort       int      `json:"http_port"`
		AdminToken     string   `json:"admin_token"`
		AllowedOrigins []string `json:"allowed_origins"`
	} `json:"server"`
	Gateway struct {
		URL                string `json:"url"`
		AuthToken          string `json:"auth_token"`
		VersionConstraint  string `json:"version_constraint"`
		ReconnectWaitSec   int    `json:"reconnect_wait_seconds"`
		RefreshIntervalSec int    `json:"session_refresh_interval_seconds"`
	} `json:"gateway"`
	Database DatabaseConfig `json:"database"`
	Secrets  struct {
		Dir string `json:"dir"`
	} `json:"secrets"`
	Cache struct {
		SessionCapacity int `json:"session_capacity"`
	} `json:"cache"`
	Channels struct {
		Discord struct {
			BotToken       string `json:"bot_token"`
			AlertChannelID string `json:"alert_channel_id"`
		} `json:"discord"`
	} `json:"channels"`
}

const (
	defaultReconnectWaitSec   = 5
	defaultRefreshIntervalSec = 300
	defaultSessionCapacity    = 8192
)

func LoadRelayConfig(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg RelayConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateRelayConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validateRelayConfig(cfg *RelayConfig) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("validation error: server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.HTTPPort < 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("validation error: server.http_port must be between 0 and 65535, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.HTTPPort > 0 && cfg.Server.AdminToken == "" {
		return fmt.Errorf("validation error: server.admin_token is required when the http api is enabled")
	}
	if cfg.Gateway.URL == "" {
		return fmt.Errorf("validation error: gateway.url is required")
	}
	if cfg.Gateway.ReconnectWaitSec <= 0 {
		cfg.Gateway.ReconnectWaitSec = defaultReconnectWaitSec
	}
	if cfg.Gateway.RefreshIntervalSec <= 0 {
		cfg.Gateway.RefreshIntervalSec = defaultRefreshIntervalSec
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./relay.db"
	}
	if cfg.Secrets.Dir == "" {
		cfg.Secrets.Dir = "./secrets"
	}
	if cfg.Cache.SessionCapacity <= 0 {
		cfg.Cache.SessionCapacity = defaultSessionCapacity
	}
	if cfg.Channels.Discord.BotToken != "" && cfg.Channels.Discord.AlertChannelID == "" {
		return fmt.Errorf("validation error: channels.discord.alert_channel_id is required when a bot token is set")
	}
	return nil
}
