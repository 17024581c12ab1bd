package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (defaults to $STORYBRIDGE_PASSWORD)")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Log in and cache the session for offline use",
	Long: "Authenticate against the StoryBridge backend, store the token locally, and cache the\n" +
		"session in the offline store so it can be verified without connectivity.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.BaseURL == "" {
			return fmt.Errorf("no base URL configured; run 'storybridge init <base-url>' first")
		}
		password := valueOrDefault(loginPassword, os.Getenv("STORYBRIDGE_PASSWORD"))
		if password == "" {
			return fmt.Errorf("password required: pass --password or set STORYBRIDGE_PASSWORD")
		}

		logger := newLogger(cfg)
		client := newClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, err := client.Login(ctx, email, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		if result.User.Email == "" {
			result.User.Email = email
		}
		store := openStore(cfg, logger)
		defer store.Close()
		session, err := store.SaveUserData(ctx, result.User, result.AccessToken, true)
		if err != nil {
			return fmt.Errorf("failed to cache session: %w", err)
		}

		// Store token and identity in config.
		fileCfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fileCfg.Auth.Token = result.AccessToken
		fileCfg.Auth.UserID = result.User.ID
		fileCfg.Auth.Email = email
		if err := saveConfig(fileCfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Login successful!")
		fmt.Printf("  User ID:  %s\n", result.User.ID)
		fmt.Printf("  Email:    %s\n", result.User.Email)
		fmt.Printf("  Role:     %s\n", result.User.Role)
		if session.ExpiresAt != nil {
			fmt.Printf("  Token expires: %s\n", session.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}
