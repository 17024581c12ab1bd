package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	storybridge "github.com/storybridge-app/storybridge-go"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Write a starter ~/.storybridge/config.toml",
	Long:  "Initialize the StoryBridge CLI with the backend URL and default storage, edge and sync settings.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = args[0]
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "development"
		}
		if cfg.Storage.Type == "" {
			dir, err := configDir()
			if err != nil {
				return err
			}
			cfg.Storage.Type = "pebble"
			cfg.Storage.Path = filepath.Join(dir, "data")
		}
		if cfg.Edge.Listen == "" {
			cfg.Edge.Listen = "127.0.0.1:8090"
		}
		if cfg.Edge.APIPrefix == "" {
			cfg.Edge.APIPrefix = storybridge.DefaultAPIPrefix
		}
		if cfg.Sync.FlushInterval == "" {
			cfg.Sync.FlushInterval = "30s"
		}
		if cfg.Sync.ProbeInterval == "" {
			cfg.Sync.ProbeInterval = "15s"
		}
		if cfg.Retention.Cron == "" {
			cfg.Retention.Cron = storybridge.DefaultPurgeCron
			cfg.Retention.Days = 30
		}
		if cfg.Log.Level == "" {
			cfg.Log.Level = "info"
			cfg.Log.Format = "text"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
