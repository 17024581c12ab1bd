package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	storagePurgeDays int
	storageClearYes  bool
)

func init() {
	storagePurgeCmd.Flags().IntVar(&storagePurgeDays, "days", 0, "Retention window in days (defaults to retention.days)")
	storageClearCmd.Flags().BoolVar(&storageClearYes, "yes", false, "Confirm deleting all offline data")
	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(storageUsageCmd)
	storageCmd.AddCommand(storagePurgeCmd)
	storageCmd.AddCommand(storageClearCmd)
}

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Manage offline storage",
}

var storageUsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show item count and size of offline storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store := openStore(cfg, newLogger(cfg))
		defer store.Close()

		usage, err := store.StorageUsage(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Usage: %s (%s MB)\n", usage.Human(), usage.TotalSizeMB)
		return nil
	},
}

var storagePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete cached stories, audio and preferences older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		days := storagePurgeDays
		if days == 0 {
			days = cfg.Retention.Days
		}
		if days < 1 {
			return fmt.Errorf("retention window required: pass --days or set retention.days")
		}
		store := openStore(cfg, newLogger(cfg))
		defer store.Close()

		n, err := store.PurgeOlderThan(context.Background(), days)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d entr(ies) older than %d day(s)\n", n, days)
		return nil
	},
}

var storageClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all offline data, including the sync queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !storageClearYes {
			return fmt.Errorf("refusing to delete offline data without --yes")
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store := openStore(cfg, newLogger(cfg))
		defer store.Close()

		if err := store.ClearAll(context.Background()); err != nil {
			return err
		}
		fmt.Println("Offline storage cleared.")
		return nil
	},
}
