package outbox

import (
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tasknest/outbox/internal/engine"
	"github.com/tasknest/outbox/internal/netmon"
	"github.com/tasknest/outbox/internal/record"
	"github.com/tasknest/outbox/internal/transport"
)

// TokenSource supplies the bearer credential captured into each mutation's
// header snapshot at enqueue time. The engine never refreshes a token
// mid-retry; a stale token surfaces as a permanent error and the caller
// re-enqueues after re-authenticating.
type TokenSource interface {
	Token() (string, error)
}

// TokenFunc adapts a function to the TokenSource interface.
type TokenFunc func() (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token() (string, error) { return f() }

// StaticToken is a fixed bearer token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token() (string, error) { return string(s), nil }

// DefaultResources maps the built-in entity types to their REST resources.
var DefaultResources = map[record.EntityType]string{
	record.TypeTask:    "tasks",
	record.TypeProject: "projects",
	record.TypeTeam:    "teams",
}

// Config holds everything needed to open a Client.
type Config struct {
	// DBPath is where the engine database lives, e.g. ".outbox/engine.db".
	DBPath string

	// BaseURL is the API root, e.g. "https://api.example.com/v1".
	BaseURL string

	// Resources maps entity types to their path segment under BaseURL.
	// Defaults to DefaultResources; custom entity types must be added here.
	Resources map[record.EntityType]string

	// Token supplies the bearer credential snapshot. Optional; when nil no
	// Authorization header is captured.
	Token TokenSource

	// Sender overrides the HTTP transport. Defaults to an HTTPSender with
	// RequestTimeout. Tests inject fakes here.
	Sender transport.Sender

	// Monitor overrides the network monitor. Defaults to one built from
	// ProbeURL. Tests inject a manual monitor here.
	Monitor *netmon.Monitor

	// ProbeURL is the health endpoint polled for connectivity. Defaults to
	// BaseURL. Ignored when Monitor is set.
	ProbeURL string

	// StreamURL, when set, enables the websocket connectivity stream.
	StreamURL string

	// MaxAttempts is the retry budget per mutation. Default 5.
	MaxAttempts int

	// Backoff configures the retry schedule. Defaults to engine defaults
	// (2s base doubling to a 5m cap).
	Backoff engine.Backoff

	// RequestTimeout bounds each transport call. Default 30s.
	RequestTimeout time.Duration

	// DrainInterval is how often a drain is attempted while online, so
	// backed-off retries get picked up. Default 30s.
	DrainInterval time.Duration

	// ProbeInterval and Debounce tune the network monitor.
	ProbeInterval time.Duration
	Debounce      time.Duration

	// Logger for engine activity. Defaults to stderr.
	Logger *log.Logger

	// Registerer receives the engine's Prometheus collectors. Optional.
	Registerer prometheus.Registerer
}

// validate fills defaults and rejects unusable configurations.
func (c *Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("DBPath is required")
	}
	if c.BaseURL == "" && c.Sender == nil {
		return fmt.Errorf("BaseURL is required")
	}
	if c.Resources == nil {
		c.Resources = DefaultResources
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 30 * time.Second
	}
	return nil
}

// resource returns the URL path segment for an entity type.
func (c *Config) resource(t record.EntityType) (string, error) {
	r, ok := c.Resources[t]
	if !ok {
		return "", fmt.Errorf("no resource configured for entity type %q", t)
	}
	return r, nil
}
