package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tasknest/outbox"
	"github.com/tasknest/outbox/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Run continuous background sync",
	Long: `Run the sync engine continuously: watch connectivity, drain the queue
on reconnect and on an interval, and pick up config.yaml changes without a
restart. Engine activity goes to a rotating log file.

With --listen, an HTTP endpoint serves Prometheus metrics at /metrics and a
queue summary at /queue.

Example usage:
  outbox watch                          # sync until interrupted
  outbox watch --listen localhost:9477  # also expose metrics`,
	Run: func(cmd *cobra.Command, args []string) {
		loader, settings, err := loadSettings(cmd)
		if err != nil {
			fail(err)
		}
		if settings.BaseURL == "" {
			fail(fmt.Errorf("base_url is not configured (set it in config.yaml, OUTBOX_BASE_URL, or --base-url)"))
		}

		// Engine activity goes to a rotating file; the terminal stays quiet
		// apart from startup and shutdown messages.
		logger := log.New(&lumberjack.Logger{
			Filename:   settings.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}, "[outbox] ", log.LstdFlags)

		cfg := clientConfig(settings, logger)
		// Read the token through the loader so a config.yaml edit takes
		// effect on the next enqueue without a restart.
		cfg.Token = outbox.TokenFunc(func() (string, error) {
			return loader.Settings().Token, nil
		})

		registry := prometheus.NewRegistry()
		cfg.Registerer = registry

		client, err := outbox.Open(cfg)
		if err != nil {
			fail(err)
		}
		defer client.Close()

		// Token and tunable reads go through the loader, so a reload is
		// mostly passive; logging the event is enough.
		loader.Watch(logger, nil)

		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = settings.ListenAddr
		}
		if listen != "" {
			go serveMetrics(listen, registry, client, logger)
			fmt.Printf("Metrics: http://%s/metrics\n", listen)
		}

		fmt.Printf("%s Watching (log: %s). Press Ctrl+C to stop...\n",
			ui.RenderAccent("●"), settings.LogFile)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := client.Start(ctx); err != nil && ctx.Err() == nil {
			fail(err)
		}
		fmt.Println("\nStopped.")
	},
}

// serveMetrics exposes Prometheus metrics plus a JSON queue summary.
func serveMetrics(addr string, registry *prometheus.Registry, client *outbox.Client, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		stats, err := client.QueueStats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		lastSync, _ := client.LastSyncAt(r.Context())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"online":     client.Online(),
			"last_sync":  lastSync,
			"pending":    stats.Pending,
			"processing": stats.Processing,
			"failed":     stats.Failed,
		})
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("Metrics server stopped: %v", err)
	}
}

func init() {
	watchCmd.Flags().String("listen", "", "Address for the metrics endpoint, e.g. localhost:9477")
	rootCmd.AddCommand(watchCmd)
}
