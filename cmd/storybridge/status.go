package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, cached session and sync queue status",
	Long:  "Display the current configuration, the cached offline session, the pending sync queue, and live account info when reachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg)

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Storage:     %s %s\n", valueOrDefault(cfg.Storage.Type, "pebble"), cfg.Storage.Path)
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store := openStore(cfg, logger)
		defer store.Close()

		fmt.Println()
		fmt.Println("Offline session:")
		session, err := store.GetUserData(ctx)
		if err != nil {
			fmt.Printf("  Error reading session: %v\n", err)
		} else if session == nil {
			fmt.Println("  (none cached)")
		} else {
			fmt.Printf("  User ID:     %s\n", session.User.ID)
			fmt.Printf("  Role:        %s\n", session.LoginState.Role)
			fmt.Printf("  Saved:       %s\n", humanize.Time(session.SavedAt))
			if session.LoginState.LastOnline != nil {
				fmt.Printf("  Last online: %s\n", humanize.Time(*session.LoginState.LastOnline))
			}
			tokenStatus := "present (no expiry)"
			if session.ExpiresAt != nil {
				if time.Now().Before(*session.ExpiresAt) {
					tokenStatus = fmt.Sprintf("valid (expires %s)", session.ExpiresAt.Format(time.RFC3339))
				} else {
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", session.ExpiresAt.Format(time.RFC3339))
				}
			}
			fmt.Printf("  Token:       %s\n", tokenStatus)
		}

		fmt.Println()
		fmt.Println("Sync queue:")
		items, err := store.DrainQueue(ctx)
		if err != nil {
			fmt.Printf("  Error reading queue: %v\n", err)
		} else {
			fmt.Printf("  Pending:     %d\n", len(items))
			if len(items) > 0 {
				fmt.Printf("  Oldest:      %s\n", humanize.Time(items[0].CreatedAt))
			}
		}

		// If we have a token, try live status via me().
		if cfg.Auth.Token != "" && cfg.Default.BaseURL != "" {
			fmt.Println()
			fmt.Println("Live status:")

			me, err := newClient(cfg).Me(ctx)
			if err != nil {
				fmt.Printf("  Error fetching account info: %v\n", err)
				return nil
			}
			fmt.Printf("  User ID:     %s\n", me.ID)
			fmt.Printf("  Email:       %s\n", me.Email)
			fmt.Printf("  Role:        %s\n", me.Role)
		}

		return nil
	},
}
