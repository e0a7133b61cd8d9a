// Package netmon observes connectivity and exposes it as a subscribable
// boolean signal.
//
// The monitor itself holds no network code: a Prober answers "can we reach
// the server right now", and the monitor turns probe results into clean
// online/offline transitions. Offline fires immediately; a recovery is
// debounced so flapping links don't trigger a sync storm, and fires exactly
// once per recovery.
//
// The online flag is explicit, injectable state rather than a package-level
// singleton, so tests can flip connectivity deterministically via SetOnline.
package netmon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// Prober answers whether the server is reachable. A nil error means online.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber checks reachability with a HEAD request to a health endpoint.
type HTTPProber struct {
	// URL is the endpoint to probe, e.g. https://api.example.com/healthz.
	URL string
	// Timeout bounds each probe. Defaults to 5 seconds.
	Timeout time.Duration
	// Client is the HTTP client to use. Defaults to http.DefaultClient.
	Client *http.Client
}

// Probe implements Prober. Any response, including an error status, counts
// as reachable; only transport-level failures mean offline.
func (p *HTTPProber) Probe(ctx context.Context) error {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

// Config holds monitor settings.
type Config struct {
	// Interval is how often the prober runs. Default 15s.
	Interval time.Duration
	// Debounce is how long connectivity must hold after a recovery before
	// the online transition fires. Default 2s.
	Debounce time.Duration
	// AssumeOnline sets the initial state before the first probe. The
	// engine treats the first offline probe as a transition either way.
	AssumeOnline bool
	// Logger for monitor activity. Defaults to stderr.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     15 * time.Second,
		Debounce:     2 * time.Second,
		AssumeOnline: true,
	}
}

// Monitor tracks the online flag and fans transitions out to subscribers.
type Monitor struct {
	prober Prober
	config Config
	logger *log.Logger

	mu      sync.Mutex
	online  bool
	subs    map[int]func(bool)
	nextSub int

	// pendingRecovery is the time an offline→online flip was first observed;
	// the transition is published once it has held for the debounce window.
	pendingRecovery *time.Time
}

// New creates a Monitor. The prober may be nil if the caller drives the
// state exclusively through SetOnline (tests, manual mode).
func New(prober Prober, config Config) *Monitor {
	if config.Interval == 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Debounce == 0 {
		config.Debounce = DefaultConfig().Debounce
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}
	return &Monitor{
		prober: prober,
		config: config,
		logger: logger,
		online: config.AssumeOnline,
		subs:   make(map[int]func(bool)),
	}
}

// IsOnline returns the current connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a callback fired on every published transition. The
// returned function removes the subscription.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// SetOnline sets the connectivity state directly, bypassing the debounce.
// Used by tests, the stream monitor, and explicit offline-mode toggles.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.pendingRecovery = nil
	fns := m.subscribers()
	m.mu.Unlock()

	m.logger.Printf("Connectivity: %s", stateName(online))
	for _, fn := range fns {
		fn(online)
	}
}

// subscribers returns a snapshot of callbacks. Caller must hold m.mu.
func (m *Monitor) subscribers() []func(bool) {
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	return fns
}

// Run polls the prober until the context is cancelled. It blocks; run it in
// its own goroutine.
func (m *Monitor) Run(ctx context.Context) error {
	if m.prober == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	// Probe once up front so the state is real before the first tick.
	m.observe(ctx, m.prober.Probe(ctx) == nil)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.observe(ctx, m.prober.Probe(ctx) == nil)
		}
	}
}

// Observe feeds one reachability observation into the transition logic.
// Exposed so tests can drive the debounce without a ticker.
func (m *Monitor) Observe(reachable bool) {
	m.observe(context.Background(), reachable)
}

func (m *Monitor) observe(_ context.Context, reachable bool) {
	m.mu.Lock()

	switch {
	case !reachable:
		// Loss of connectivity publishes immediately.
		m.pendingRecovery = nil
		if !m.online {
			m.mu.Unlock()
			return
		}
		m.online = false
		fns := m.subscribers()
		m.mu.Unlock()

		m.logger.Printf("Connectivity: offline")
		for _, fn := range fns {
			fn(false)
		}

	case m.online:
		// Still online, nothing to publish.
		m.pendingRecovery = nil
		m.mu.Unlock()

	case m.pendingRecovery == nil:
		// First good probe after an outage: start the debounce window.
		now := time.Now()
		m.pendingRecovery = &now
		m.mu.Unlock()

	case time.Since(*m.pendingRecovery) >= m.config.Debounce:
		// Connectivity held through the window: publish exactly once.
		m.online = true
		m.pendingRecovery = nil
		fns := m.subscribers()
		m.mu.Unlock()

		m.logger.Printf("Connectivity: online")
		for _, fn := range fns {
			fn(true)
		}

	default:
		// Recovery observed but still inside the debounce window.
		m.mu.Unlock()
	}
}

func stateName(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
