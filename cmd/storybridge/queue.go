package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	storybridge "github.com/storybridge-app/storybridge-go"
)

var (
	queueListJSON bool
	queueClearYes bool
)

func init() {
	queueListCmd.Flags().BoolVar(&queueListJSON, "json", false, "Print items as JSON")
	queueClearCmd.Flags().BoolVar(&queueClearYes, "yes", false, "Confirm dropping every queued mutation")
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueClearCmd)
}

// newSyncer builds a syncer from [sync]. The background loop is not
// started.
func newSyncer(cfg *Config, store *storybridge.Store, client storybridge.Requester, logger *slog.Logger, metrics *storybridge.Metrics) (*storybridge.Syncer, error) {
	flush, err := parseDuration(cfg.Sync.FlushInterval, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("sync.flush_interval: %w", err)
	}
	return storybridge.NewSyncer(store, client, &storybridge.SyncOptions{
		FlushInterval: flush,
		ReplayRate:    rate.Limit(cfg.Sync.ReplayRate),
		Logger:        logger,
		Metrics:       metrics,
	}), nil
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay the sync queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store := openStore(cfg, newLogger(cfg))
		defer store.Close()

		items, err := store.DrainQueue(context.Background())
		if err != nil {
			return err
		}
		if queueListJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		}
		if len(items) == 0 {
			fmt.Println("Sync queue is empty.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTYPE\tCALL\tQUEUED\tATTEMPTS\tLAST ERROR")
		for _, it := range items {
			fmt.Fprintf(w, "%d\t%s\t%s %s\t%s\t%d\t%s\n",
				it.Seq, it.Type, it.Method, it.Path, humanize.Time(it.CreatedAt), it.Attempts, it.LastError)
		}
		return w.Flush()
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay every queued mutation against the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg)
		store := openStore(cfg, logger)
		defer store.Close()

		syncer, err := newSyncer(cfg, store, newClient(cfg), logger, nil)
		if err != nil {
			return err
		}
		defer syncer.Destroy()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		result, err := syncer.Replay(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Replayed %d of %d (%d failed, %d remaining)\n",
			result.Sent, result.Attempted, result.Failed, result.Remaining)
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued mutation",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !queueClearYes {
			return fmt.Errorf("refusing to drop queued mutations without --yes")
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store := openStore(cfg, newLogger(cfg))
		defer store.Close()

		n, err := store.ClearQueue(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Dropped %d queued mutation(s)\n", n)
		return nil
	},
}
