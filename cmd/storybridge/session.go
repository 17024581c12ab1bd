package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	storybridge "github.com/storybridge-app/storybridge-go"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionVerifyCmd)
	sessionCmd.AddCommand(sessionLogoutCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect the cached offline session",
}

var sessionVerifyCmd = &cobra.Command{
	Use:   "verify <email>",
	Short: "Check an email against the cached session without contacting the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store := openStore(cfg, newLogger(cfg))
		defer store.Close()

		ctx := context.Background()
		ok, err := store.VerifyOfflineLogin(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no cached session for %s", args[0])
		}
		session, err := store.GetUserData(ctx)
		if err != nil {
			return err
		}
		fmt.Println("Offline login verified.")
		fmt.Printf("  User ID:     %s\n", session.User.ID)
		fmt.Printf("  Role:        %s\n", session.LoginState.Role)
		fmt.Printf("  Permissions: %s\n", strings.Join(storybridge.RolePermissions(session.LoginState.Role), ", "))
		return nil
	},
}

var sessionLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Delete the cached session and the user's offline data",
	Long:  "Delete the cached session together with the user's progress, vocabulary, preferences, badges and coins.\nQueued mutations are kept and still replay.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store := openStore(cfg, newLogger(cfg))
		defer store.Close()

		if err := store.Logout(context.Background()); err != nil {
			return err
		}

		fileCfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fileCfg.Auth = ConfigAuth{}
		if err := saveConfig(fileCfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}
