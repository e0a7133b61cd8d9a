// Package config loads the CLI configuration from config.yaml, environment
// variables, and defaults, and supports hot reload of the sync tunables.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"

	// EnvPrefix makes OUTBOX_BASE_URL override base_url, and so on.
	EnvPrefix = "OUTBOX"
)

// Config keys.
const (
	KeyBaseURL        = "base_url"
	KeyProbeURL       = "probe_url"
	KeyStreamURL      = "stream_url"
	KeyDBPath         = "db_path"
	KeyToken          = "token"
	KeyMaxAttempts    = "max_attempts"
	KeyBackoffBase    = "backoff_base"
	KeyBackoffCap     = "backoff_cap"
	KeyDrainInterval  = "drain_interval"
	KeyProbeInterval  = "probe_interval"
	KeyDebounce       = "debounce"
	KeyRequestTimeout = "request_timeout"
	KeyLogFile        = "log_file"
	KeyListenAddr     = "listen_addr"
)

// defaultConfigYAML is written on first run so the user has a file to edit.
const defaultConfigYAML = `# outbox configuration

# API root the sync engine talks to.
# base_url: https://api.example.com/v1

# Where the engine database lives. Defaults next to this file.
# db_path: engine.db

# Bearer token for the Authorization header. Prefer OUTBOX_TOKEN.
# token:

# Sync tunables (hot-reloaded while 'outbox watch' runs).
max_attempts: 5
backoff_base: 2s
backoff_cap: 5m
drain_interval: 30s
probe_interval: 15s
debounce: 2s
request_timeout: 30s
`

// Settings is the materialized configuration the commands consume.
type Settings struct {
	BaseURL        string
	ProbeURL       string
	StreamURL      string
	DBPath         string
	Token          string
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	DrainInterval  time.Duration
	ProbeInterval  time.Duration
	Debounce       time.Duration
	RequestTimeout time.Duration
	LogFile        string
	ListenAddr     string
}

// Loader owns the viper instance and republishes Settings on file change.
type Loader struct {
	v *viper.Viper

	mu       sync.RWMutex
	current  Settings
	onChange func(Settings)
}

// DefaultDir returns the per-user configuration directory.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve config dir: %w", err)
	}
	return filepath.Join(base, "outbox"), nil
}

// Load reads config.yaml from dir, creating the directory and a commented
// default file on first run. Environment variables with the OUTBOX_ prefix
// override file values. A missing config.yaml is not an error.
func Load(dir string) (*Loader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := ensureDefaultFile(dir); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, dir)
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(dir)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	l := &Loader{v: v}
	l.current = l.materialize()
	return l, nil
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault(KeyDBPath, filepath.Join(dir, "engine.db"))
	v.SetDefault(KeyMaxAttempts, 5)
	v.SetDefault(KeyBackoffBase, "2s")
	v.SetDefault(KeyBackoffCap, "5m")
	v.SetDefault(KeyDrainInterval, "30s")
	v.SetDefault(KeyProbeInterval, "15s")
	v.SetDefault(KeyDebounce, "2s")
	v.SetDefault(KeyRequestTimeout, "30s")
	v.SetDefault(KeyLogFile, filepath.Join(dir, "outbox.log"))
}

func ensureDefaultFile(dir string) error {
	path := filepath.Join(dir, configFileExt)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}
	return nil
}

// Settings returns the current snapshot.
func (l *Loader) Settings() Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Set overrides one key for this process (flag binding).
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
	l.mu.Lock()
	l.current = l.materialize()
	l.mu.Unlock()
}

// Watch starts hot reload: whenever config.yaml changes on disk the new
// Settings are materialized and handed to fn. Intended for long-running
// watch mode; one-shot commands skip it.
func (l *Loader) Watch(logger *log.Logger, fn func(Settings)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()

	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.mu.Lock()
		l.current = l.materialize()
		settings := l.current
		cb := l.onChange
		l.mu.Unlock()

		if logger != nil {
			logger.Printf("Config reloaded from %s", e.Name)
		}
		if cb != nil {
			cb(settings)
		}
	})
	l.v.WatchConfig()
}

func (l *Loader) materialize() Settings {
	return Settings{
		BaseURL:        l.v.GetString(KeyBaseURL),
		ProbeURL:       l.v.GetString(KeyProbeURL),
		StreamURL:      l.v.GetString(KeyStreamURL),
		DBPath:         l.v.GetString(KeyDBPath),
		Token:          l.v.GetString(KeyToken),
		MaxAttempts:    l.v.GetInt(KeyMaxAttempts),
		BackoffBase:    l.v.GetDuration(KeyBackoffBase),
		BackoffCap:     l.v.GetDuration(KeyBackoffCap),
		DrainInterval:  l.v.GetDuration(KeyDrainInterval),
		ProbeInterval:  l.v.GetDuration(KeyProbeInterval),
		Debounce:       l.v.GetDuration(KeyDebounce),
		RequestTimeout: l.v.GetDuration(KeyRequestTimeout),
		LogFile:        l.v.GetString(KeyLogFile),
		ListenAddr:     l.v.GetString(KeyListenAddr),
	}
}
