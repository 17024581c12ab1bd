package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	storybridge "github.com/storybridge-app/storybridge-go"
)

var edgeMessageAddr string

func init() {
	edgeMessageCmd.Flags().StringVar(&edgeMessageAddr, "addr", "", "Edge address (defaults to edge.listen)")
	rootCmd.AddCommand(edgeCmd)
	edgeCmd.AddCommand(edgeServeCmd)
	edgeCmd.AddCommand(edgeMessageCmd)
}

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Run or control the caching edge proxy",
}

var edgeServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the web client through the offline-caching edge",
	Long: "Proxy the StoryBridge web client and API through the edge cache. API calls are\n" +
		"network-first with an offline fallback; static assets are cache-first. Queued progress\n" +
		"is replayed when the backend becomes reachable again.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg)

		upstream := valueOrDefault(cfg.Edge.Upstream, cfg.Default.BaseURL)
		if upstream == "" {
			return fmt.Errorf("no upstream configured; set edge.upstream or default.base_url")
		}
		listen := valueOrDefault(cfg.Edge.Listen, "127.0.0.1:8090")
		probeInterval, err := parseDuration(cfg.Sync.ProbeInterval, 15*time.Second)
		if err != nil {
			return fmt.Errorf("sync.probe_interval: %w", err)
		}

		manifest := storybridge.DefaultManifest()
		if cfg.Edge.Manifest != "" {
			if manifest, err = storybridge.LoadManifest(cfg.Edge.Manifest); err != nil {
				return err
			}
		}

		store := openStore(cfg, logger)
		defer store.Close()

		metrics := storybridge.NewMetrics(prometheus.DefaultRegisterer)
		client := storybridge.NewClient(cfg.Auth.Token, storybridge.WithBaseURL(upstream))

		syncer, err := newSyncer(cfg, store, client, logger, metrics)
		if err != nil {
			return err
		}
		syncer.Init()
		defer syncer.Destroy()

		edge := storybridge.NewEdge(
			storybridge.NewKVCacheStorage(store.KV(), logger),
			storybridge.WithUpstream(upstream),
			storybridge.WithAPIPrefix(valueOrDefault(cfg.Edge.APIPrefix, storybridge.DefaultAPIPrefix)),
			storybridge.WithEdgeLogger(logger),
			storybridge.WithEdgeMetrics(metrics),
		)
		edge.OnSync(storybridge.SyncTagProgress, func(ctx context.Context) error {
			_, err := syncer.Replay(ctx)
			return err
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if _, err := edge.Register(ctx, manifest); err != nil {
			logger.Warn("edge_register_failed_passthrough", "error", err)
		}

		go syncer.WatchConnectivity(ctx, storybridge.HTTPProbe(client, valueOrDefault(cfg.Edge.APIPrefix, storybridge.DefaultAPIPrefix)), probeInterval)

		if cfg.Retention.Days > 0 {
			janitor, err := storybridge.NewJanitor(store, cfg.Retention.Cron, cfg.Retention.Days, logger)
			if err != nil {
				return err
			}
			go janitor.Run(ctx)
		}

		r := chi.NewRouter()

		// Global middleware.
		r.Use(chiMiddleware.RequestID)
		r.Use(chiMiddleware.RealIP)
		r.Use(chiMiddleware.Recoverer)
		r.Use(chiMiddleware.Heartbeat("/__edge/health"))

		r.Handle("/metrics", promhttp.Handler())
		r.Handle(storybridge.ControlPath, storybridge.ControlHandler(edge))
		r.Get("/__edge/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(edge.Status(r.Context()))
		})
		r.Handle("/*", edge)

		srv := &http.Server{
			Addr:              listen,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("edge_listening", "addr", listen, "upstream", upstream, "version", manifest.Version)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("edge server: %w", err)
			}
		case <-ctx.Done():
		}

		logger.Info("edge_shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("edge_shutdown_failed", "error", err)
		}
		edge.Flush()
		return nil
	},
}

var edgeMessageCmd = &cobra.Command{
	Use:       "message <skip-waiting|update-cache>",
	Short:     "Send a control message to a running edge",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"skip-waiting", "update-cache"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var msgType string
		switch args[0] {
		case "skip-waiting":
			msgType = storybridge.MessageSkipWaiting
		case "update-cache":
			msgType = storybridge.MessageUpdateCache
		default:
			return fmt.Errorf("unknown message %q (valid: skip-waiting, update-cache)", args[0])
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		addr := valueOrDefault(edgeMessageAddr, valueOrDefault(cfg.Edge.Listen, "127.0.0.1:8090"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := storybridge.DialControl(ctx, "http://"+addr)
		if err != nil {
			return err
		}
		defer cc.Close()

		reply, err := cc.Send(ctx, msgType)
		if err != nil {
			return err
		}
		fmt.Printf("%s acknowledged (state: %s, active version: %d)\n",
			reply.Type, valueOrDefault(string(reply.Status.State), "none"), reply.Status.ActiveVersion)
		return nil
	},
}
