package netmon

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
)

// StreamMonitor keeps a long-lived websocket open to the server and feeds
// the Monitor from connection state: a successful dial means online, a
// dropped socket means offline immediately, without waiting for the next
// poll probe.
//
// It is optional. When configured, the poll prober can run at a much longer
// interval as a safety net.
type StreamMonitor struct {
	// URL is the websocket endpoint, e.g. wss://api.example.com/presence.
	URL string
	// Headers are sent on the dial request (bearer token and the like).
	Headers map[string]string
	// PingInterval is how often the socket is pinged. Default 30s.
	PingInterval time.Duration
	// RedialBackoff caps the wait between reconnect attempts. Default 1m,
	// starting at 2s and doubling.
	RedialBackoff time.Duration
	// Logger for stream activity. Defaults to stderr.
	Logger *log.Logger

	monitor *Monitor
}

// NewStreamMonitor binds a stream monitor to the given Monitor.
func NewStreamMonitor(monitor *Monitor, url string) *StreamMonitor {
	return &StreamMonitor{
		URL:           url,
		PingInterval:  30 * time.Second,
		RedialBackoff: time.Minute,
		Logger:        log.New(os.Stderr, "[netmon] ", log.LstdFlags),
		monitor:       monitor,
	}
}

// Run dials, pings, and redials until the context is cancelled. It blocks;
// run it in its own goroutine.
func (s *StreamMonitor) Run(ctx context.Context) error {
	delay := 2 * time.Second

	for {
		if err := s.holdConnection(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.Logger.Printf("Stream dropped: %v (redial in %s)", err, delay)
			s.monitor.SetOnline(false)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.RedialBackoff {
			delay = s.RedialBackoff
		}
	}
}

// holdConnection dials once and pings until the socket fails.
func (s *StreamMonitor) holdConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	opts := &websocket.DialOptions{}
	if len(s.Headers) > 0 {
		opts.HTTPHeader = make(map[string][]string, len(s.Headers))
		for k, v := range s.Headers {
			opts.HTTPHeader[k] = []string{v}
		}
	}
	conn, _, err := websocket.Dial(dialCtx, s.URL, opts)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.monitor.SetOnline(true)

	interval := s.PingInterval
	if interval == 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
