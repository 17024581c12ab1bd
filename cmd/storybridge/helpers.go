package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	storybridge "github.com/storybridge-app/storybridge-go"
	"github.com/storybridge-app/storybridge-go/kv/pebblekv"
	"github.com/storybridge-app/storybridge-go/kv/sqlitekv"
)

// newLogger builds the process logger from [log] and installs it as the
// slog default.
func newLogger(cfg *Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Log.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// openStore opens the configured backend. An unreachable persistent backend
// degrades to memory for this process.
func openStore(cfg *Config, logger *slog.Logger) *storybridge.Store {
	kv, err := openKV(cfg)
	if err != nil {
		logger.Warn("storage_unavailable_using_memory", "type", cfg.Storage.Type, "error", err)
		kv = storybridge.NewMemoryKV()
	}
	return storybridge.NewStore(kv, storybridge.WithStoreLogger(logger))
}

func openKV(cfg *Config) (storybridge.KV, error) {
	path := cfg.Storage.Path
	if path == "" && cfg.Storage.Type != "memory" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "data")
	}

	switch cfg.Storage.Type {
	case "", "pebble":
		return pebblekv.Open(path)
	case "sqlite":
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "storybridge.db")
		}
		return sqlitekv.Open(path)
	case "memory":
		return storybridge.NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q (valid: memory, pebble, sqlite)", cfg.Storage.Type)
	}
}

// newClient creates a client for the configured backend, authenticated with
// the saved token.
func newClient(cfg *Config) *storybridge.Client {
	var opts []storybridge.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, storybridge.WithBaseURL(cfg.Default.BaseURL))
	}
	return storybridge.NewClient(cfg.Auth.Token, opts...)
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// maskKey shows the first 12 and last 4 characters of a token.
func maskKey(key string) string {
	switch {
	case key == "":
		return ""
	case len(key) <= 8:
		return "****"
	case len(key) <= 16:
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
