package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.storybridge/config.toml.
// Environment variables override file values.
type Config struct {
	Default   ConfigDefault   `toml:"default"`
	Storage   ConfigStorage   `toml:"storage"`
	Edge      ConfigEdge      `toml:"edge"`
	Sync      ConfigSync      `toml:"sync"`
	Retention ConfigRetention `toml:"retention"`
	Log       ConfigLog       `toml:"log"`
	Auth      ConfigAuth      `toml:"auth"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url" env:"STORYBRIDGE_BASE_URL"`
	Environment string `toml:"environment" env:"STORYBRIDGE_ENV"`
}

// ConfigStorage selects the offline store backend: memory, pebble or sqlite.
type ConfigStorage struct {
	Type string `toml:"type" env:"STORYBRIDGE_STORAGE_TYPE"`
	Path string `toml:"path" env:"STORYBRIDGE_STORAGE_PATH"`
}

type ConfigEdge struct {
	Listen    string `toml:"listen" env:"STORYBRIDGE_EDGE_LISTEN"`
	Upstream  string `toml:"upstream" env:"STORYBRIDGE_EDGE_UPSTREAM"`
	Manifest  string `toml:"manifest" env:"STORYBRIDGE_EDGE_MANIFEST"`
	APIPrefix string `toml:"api_prefix" env:"STORYBRIDGE_EDGE_API_PREFIX"`
}

type ConfigSync struct {
	FlushInterval string  `toml:"flush_interval" env:"STORYBRIDGE_SYNC_FLUSH_INTERVAL"`
	ProbeInterval string  `toml:"probe_interval" env:"STORYBRIDGE_SYNC_PROBE_INTERVAL"`
	ReplayRate    float64 `toml:"replay_rate" env:"STORYBRIDGE_SYNC_REPLAY_RATE"`
}

type ConfigRetention struct {
	Cron string `toml:"cron" env:"STORYBRIDGE_RETENTION_CRON"`
	Days int    `toml:"days" env:"STORYBRIDGE_RETENTION_DAYS"`
}

type ConfigLog struct {
	Level  string `toml:"level" env:"STORYBRIDGE_LOG_LEVEL"`
	Format string `toml:"format" env:"STORYBRIDGE_LOG_FORMAT"`
}

// ConfigAuth holds the login state.
type ConfigAuth struct {
	Token  string `toml:"token" env:"STORYBRIDGE_TOKEN"`
	UserID string `toml:"user_id" env:"STORYBRIDGE_USER_ID"`
	Email  string `toml:"email" env:"STORYBRIDGE_EMAIL"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.storybridge, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".storybridge")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile reads and parses the config file without env overrides.
// If the file does not exist, it returns a zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file, then applies .env and process
// environment overrides.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "storage.type").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]
	unknown := func() error { return fmt.Errorf("unknown field %q in section [%s]", field, section) }

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "environment":
			cfg.Default.Environment = value
		default:
			return unknown()
		}
	case "storage":
		switch field {
		case "type":
			switch value {
			case "memory", "pebble", "sqlite":
			default:
				return fmt.Errorf("storage.type must be memory, pebble or sqlite")
			}
			cfg.Storage.Type = value
		case "path":
			cfg.Storage.Path = value
		default:
			return unknown()
		}
	case "edge":
		switch field {
		case "listen":
			cfg.Edge.Listen = value
		case "upstream":
			cfg.Edge.Upstream = value
		case "manifest":
			cfg.Edge.Manifest = value
		case "api_prefix":
			cfg.Edge.APIPrefix = value
		default:
			return unknown()
		}
	case "sync":
		switch field {
		case "flush_interval":
			cfg.Sync.FlushInterval = value
		case "probe_interval":
			cfg.Sync.ProbeInterval = value
		case "replay_rate":
			r, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("sync.replay_rate: %w", err)
			}
			cfg.Sync.ReplayRate = r
		default:
			return unknown()
		}
	case "retention":
		switch field {
		case "cron":
			cfg.Retention.Cron = value
		case "days":
			d, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("retention.days: %w", err)
			}
			cfg.Retention.Days = d
		default:
			return unknown()
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "format":
			cfg.Log.Format = value
		default:
			return unknown()
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "email":
			cfg.Auth.Email = value
		default:
			return unknown()
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, storage, edge, sync, retention, log, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "storybridge",
	Short: "StoryBridge offline core CLI",
	Long: "Command-line interface for the StoryBridge offline core.\n" +
		"Run the caching edge proxy, inspect and replay the sync queue, and manage offline storage.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
