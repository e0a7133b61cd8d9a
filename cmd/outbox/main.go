// Command outbox is the offline-first task client CLI.
//
// Every mutating command writes locally and returns immediately; the sync
// engine replays queued mutations against the server whenever connectivity
// allows. Run 'outbox watch' for continuous background sync, or 'outbox
// sync' for a one-shot drain.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/tasknest/outbox"
	"github.com/tasknest/outbox/internal/config"
	"github.com/tasknest/outbox/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Offline-first task client with durable sync",
	Long: `outbox is a task client that works offline.

Creates, edits, and deletes always succeed locally and are queued durably.
The sync engine replays the queue against the server when online, preserving
per-entity order, retrying transient failures with backoff, and surfacing
conflicts for explicit resolution.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Task Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
	)
	rootCmd.PersistentFlags().String("config-dir", "", "Config directory (default: user config dir)")
	rootCmd.PersistentFlags().String("base-url", "", "API root, overrides config")
	rootCmd.PersistentFlags().String("db", "", "Engine database path, overrides config")
}

// loadSettings builds the configuration for a command invocation, applying
// persistent flag overrides on top of config.yaml and OUTBOX_ env vars.
func loadSettings(cmd *cobra.Command) (*config.Loader, config.Settings, error) {
	dir, _ := cmd.Flags().GetString("config-dir")
	if dir == "" {
		var err error
		dir, err = config.DefaultDir()
		if err != nil {
			return nil, config.Settings{}, err
		}
	}

	loader, err := config.Load(dir)
	if err != nil {
		return nil, config.Settings{}, err
	}
	if v, _ := cmd.Flags().GetString("base-url"); v != "" {
		loader.Set(config.KeyBaseURL, v)
	}
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		loader.Set(config.KeyDBPath, v)
	}
	return loader, loader.Settings(), nil
}

// clientConfig translates CLI settings into the library configuration.
func clientConfig(s config.Settings, logger *log.Logger) outbox.Config {
	cfg := outbox.Config{
		DBPath:         s.DBPath,
		BaseURL:        s.BaseURL,
		ProbeURL:       s.ProbeURL,
		StreamURL:      s.StreamURL,
		MaxAttempts:    s.MaxAttempts,
		Backoff:        engine.Backoff{Base: s.BackoffBase, Cap: s.BackoffCap},
		RequestTimeout: s.RequestTimeout,
		DrainInterval:  s.DrainInterval,
		ProbeInterval:  s.ProbeInterval,
		Debounce:       s.Debounce,
		Logger:         logger,
	}
	if s.Token != "" {
		cfg.Token = outbox.StaticToken(s.Token)
	}
	return cfg
}

// openClient opens the library client for a one-shot command.
func openClient(cmd *cobra.Command) (*outbox.Client, error) {
	_, settings, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}
	if settings.BaseURL == "" {
		return nil, fmt.Errorf("base_url is not configured (set it in config.yaml, OUTBOX_BASE_URL, or --base-url)")
	}
	logger := log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	return outbox.Open(clientConfig(settings, logger))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
