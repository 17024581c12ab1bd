package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	storybridge "github.com/storybridge-app/storybridge-go"
)

var (
	progressTimeSpent int
	progressCoins     int
	progressWords     []string
	progressOffline   bool
)

func init() {
	progressCompleteCmd.Flags().IntVar(&progressTimeSpent, "time-spent", 0, "Seconds spent on the story")
	progressCompleteCmd.Flags().IntVar(&progressCoins, "coins", 0, "Coins earned")
	progressCompleteCmd.Flags().StringSliceVar(&progressWords, "word", nil, "Vocabulary word practised (repeatable)")
	progressCompleteCmd.Flags().BoolVar(&progressOffline, "offline", false, "Queue the record without trying the network")
	rootCmd.AddCommand(progressCmd)
	progressCmd.AddCommand(progressCompleteCmd)
	progressCmd.AddCommand(progressListCmd)
}

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Record and inspect offline progress",
}

var progressCompleteCmd = &cobra.Command{
	Use:   "complete <story-id>",
	Short: "Record a story completion for the logged-in user",
	Long:  "Write a progress record, update coins, vocabulary and badges, and send it to the backend.\nIf the backend is unreachable the record is queued for replay.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.UserID == "" {
			return fmt.Errorf("not logged in; run 'storybridge login <email>' first")
		}
		logger := newLogger(cfg)
		store := openStore(cfg, logger)
		defer store.Close()

		syncer, err := newSyncer(cfg, store, newClient(cfg), logger, nil)
		if err != nil {
			return err
		}
		defer syncer.Destroy()
		syncer.SetOnline(!progressOffline)

		vocab := make([]storybridge.VocabularyItem, 0, len(progressWords))
		for _, w := range progressWords {
			vocab = append(vocab, storybridge.VocabularyItem{Word: w, Repetitions: 1})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		rec, err := syncer.RecordCompletion(ctx, cfg.Auth.UserID, args[0], storybridge.ProgressInput{
			Completed:   true,
			TimeSpent:   progressTimeSpent,
			Vocabulary:  vocab,
			CoinsEarned: progressCoins,
		})
		if err != nil {
			return err
		}
		state := "queued for sync"
		if rec.Synced {
			state = "synced"
		}
		fmt.Printf("Recorded %s (%s)\n", rec.StoryID, state)
		for _, b := range rec.BadgesEarned {
			fmt.Printf("  Badge earned: %s\n", b)
		}
		return nil
	},
}

var progressListCmd = &cobra.Command{
	Use:   "list",
	Short: "List offline progress records of the logged-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store := openStore(cfg, newLogger(cfg))
		defer store.Close()

		ctx := context.Background()
		records, err := store.ListProgress(ctx, cfg.Auth.UserID)
		if err != nil {
			return err
		}
		coins, err := store.GetCoins(ctx, cfg.Auth.UserID)
		if err != nil {
			return err
		}
		for _, r := range records {
			fmt.Printf("%-24s completed=%-5t synced=%-5t coins=%d\n", r.StoryID, r.Completed, r.Synced, r.CoinsEarned)
		}
		fmt.Printf("Total coins: %d\n", coins)
		return nil
	},
}
