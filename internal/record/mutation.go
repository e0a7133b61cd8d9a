package record

import (
	"fmt"
	"net/http"
	"time"
)

// Method is the kind of write a queued mutation performs.
type Method string

const (
	// MethodCreate inserts a new entity on the server.
	MethodCreate Method = "create"
	// MethodUpdate modifies an existing entity.
	MethodUpdate Method = "update"
	// MethodDelete removes an entity.
	MethodDelete Method = "delete"
)

// HTTPVerb maps the mutation method to its transport verb.
func (m Method) HTTPVerb() string {
	switch m {
	case MethodCreate:
		return http.MethodPost
	case MethodUpdate:
		return http.MethodPatch
	case MethodDelete:
		return http.MethodDelete
	default:
		return ""
	}
}

// Valid reports whether m is a known mutation method.
func (m Method) Valid() bool {
	return m.HTTPVerb() != ""
}

// MutationStatus is the queue-item lifecycle state.
type MutationStatus string

const (
	// MutationPending means the item is waiting for a drain pass.
	MutationPending MutationStatus = "pending"
	// MutationProcessing means the item has been dispatched to the transport.
	MutationProcessing MutationStatus = "processing"
	// MutationCompleted means the server acknowledged the item. Completed
	// items are removed by compaction and are never re-dispatched.
	MutationCompleted MutationStatus = "completed"
	// MutationFailed means the item hit a permanent error or exhausted its
	// retry budget. Failed items stay visible until retried or discarded.
	MutationFailed MutationStatus = "failed"
)

// Valid reports whether s is a known mutation status.
func (s MutationStatus) Valid() bool {
	switch s {
	case MutationPending, MutationProcessing, MutationCompleted, MutationFailed:
		return true
	}
	return false
}

// Mutation is one durable queue entry describing a pending network write.
//
// Headers are captured at enqueue time (including the bearer token snapshot);
// the engine does not refresh credentials mid-retry. BaseVersion and
// BaseUpdatedAt record the entity state the mutation was computed against,
// which is what conflict detection compares the server's answer to.
type Mutation struct {
	ID     string `json:"id"`
	Method Method `json:"method"`

	// ===== Captured request =====
	TargetURL string            `json:"target_url"`
	Body      []byte            `json:"body,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`

	// ===== Link back to the entity =====
	EntityType     EntityType `json:"entity_type"`
	ClientEntityID string     `json:"client_entity_id"`

	// ===== Conflict basis =====
	BaseVersion   *int64    `json:"base_version,omitempty"`
	BaseUpdatedAt time.Time `json:"base_updated_at"`

	// ===== Retry bookkeeping =====
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`

	Status    MutationStatus `json:"status"`
	LastError string         `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that the mutation is complete enough to enqueue.
func (m *Mutation) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !m.Method.Valid() {
		return fmt.Errorf("invalid method %q", m.Method)
	}
	if m.TargetURL == "" {
		return fmt.Errorf("target_url is required")
	}
	if err := m.EntityType.Validate(); err != nil {
		return err
	}
	if m.ClientEntityID == "" {
		return fmt.Errorf("client_entity_id is required")
	}
	if !m.Status.Valid() {
		return fmt.Errorf("invalid status %q", m.Status)
	}
	if m.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive (got %d)", m.MaxAttempts)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// QueueStats is a point-in-time summary of the mutation queue, delivered to
// stats subscribers and the status CLI.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`

	// OldestPendingAge is how long the oldest pending item has been waiting.
	// Zero when the queue has no pending items.
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
}

// Total returns the number of live queue entries.
func (s QueueStats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Failed
}
