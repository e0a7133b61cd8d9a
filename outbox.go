package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tasknest/outbox/internal/engine"
	"github.com/tasknest/outbox/internal/netmon"
	"github.com/tasknest/outbox/internal/queue"
	"github.com/tasknest/outbox/internal/record"
	"github.com/tasknest/outbox/internal/storage"
	"github.com/tasknest/outbox/internal/store"
	"github.com/tasknest/outbox/internal/transport"
)

// Client is the mutation API facade: the only interface domain callers use.
//
// Create, Update, and Delete are local-first — they persist the optimistic
// record and the queued mutation synchronously, trigger an asynchronous
// drain if online, and return immediately. They fail only if local
// persistence itself fails.
type Client struct {
	config  Config
	db      *storage.DB
	store   *store.Store
	queue   *queue.Queue
	engine  *engine.Engine
	monitor *netmon.Monitor
	logger  *log.Logger

	// drainKick wakes the background drain loop after a local write.
	drainKick chan struct{}
}

// Open creates a Client: it opens (or creates) the engine database, runs
// schema setup, and wires the store, queue, monitor, and sync engine.
//
// The caller MUST call Close() when done. Start() must be running for
// automatic sync; without it only manual Sync() calls reach the network.
func Open(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine database: %w", err)
	}
	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	st := store.New(db)
	q := queue.New(db)

	monitor := cfg.Monitor
	if monitor == nil {
		probeURL := cfg.ProbeURL
		if probeURL == "" {
			probeURL = cfg.BaseURL
		}
		// Start optimistic: the first probe or transport failure corrects
		// the state, and one-shot callers can sync without waiting for a
		// probe cycle.
		monitor = netmon.New(&netmon.HTTPProber{URL: probeURL}, netmon.Config{
			Interval:     cfg.ProbeInterval,
			Debounce:     cfg.Debounce,
			AssumeOnline: true,
			Logger:       logger,
		})
	}

	sender := cfg.Sender
	if sender == nil {
		sender = &transport.HTTPSender{Timeout: cfg.RequestTimeout}
	}

	eng := engine.New(engine.Config{
		Store:   st,
		Queue:   q,
		DB:      db,
		Sender:  sender,
		Online:  monitor.IsOnline,
		Backoff: cfg.Backoff,
		Logger:  logger,
		Metrics: engine.NewMetrics(cfg.Registerer),
	})

	return &Client{
		config:    cfg,
		db:        db,
		store:     st,
		queue:     q,
		engine:    eng,
		monitor:   monitor,
		logger:    logger,
		drainKick: make(chan struct{}, 1),
	}, nil
}

// Close stops the engine's current drain (after its in-flight item) and
// closes the database.
func (c *Client) Close() error {
	c.engine.RequestStop()
	return c.db.Close()
}

// Start runs the background machinery: requeues mutations stranded by a
// crash, watches connectivity, and drains the queue on reconnect, after
// local writes, and on a steady interval so backed-off retries are picked
// up. It blocks until ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	if _, err := c.queue.RequeueStuck(ctx, time.Now()); err != nil {
		return fmt.Errorf("failed to recover queue: %w", err)
	}

	unsubscribe := c.monitor.Subscribe(func(online bool) {
		if online {
			c.kickDrain()
		} else {
			c.engine.RequestStop()
		}
	})
	defer unsubscribe()

	go func() {
		_ = c.monitor.Run(ctx)
	}()

	if c.config.StreamURL != "" {
		stream := netmon.NewStreamMonitor(c.monitor, c.config.StreamURL)
		stream.Logger = c.logger
		go func() {
			_ = stream.Run(ctx)
		}()
	}

	// Initial drain picks up whatever survived the restart.
	c.kickDrain()

	ticker := time.NewTicker(c.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.engine.RequestStop()
			return ctx.Err()
		case <-ticker.C:
			c.drain(ctx)
		case <-c.drainKick:
			c.drain(ctx)
		}
	}
}

// kickDrain schedules an asynchronous drain without blocking the caller.
func (c *Client) kickDrain() {
	select {
	case c.drainKick <- struct{}{}:
	default:
	}
}

func (c *Client) drain(ctx context.Context) {
	if err := c.engine.Drain(ctx); err != nil {
		c.logger.Printf("Drain finished with error: %v", err)
	}
}

// Create generates a client ID, writes the optimistic record, enqueues the
// create mutation, and returns the record immediately.
func (c *Client) Create(ctx context.Context, t record.EntityType, payload json.RawMessage) (*record.Entity, error) {
	resource, err := c.config.resource(t)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entity := &record.Entity{
		ClientID:   uuid.NewString(),
		Type:       t,
		Payload:    payload,
		SyncStatus: record.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	// The wire body is built before the optimistic write: an unusable
	// payload must fail the whole call, not leave a pending row with no
	// queued mutation behind it.
	body, err := createBody(entity)
	if err != nil {
		return nil, err
	}

	if err := c.store.Put(ctx, entity); err != nil {
		return nil, fmt.Errorf("failed to persist entity: %w", err)
	}

	mutation := c.newMutation(record.MethodCreate, entity,
		fmt.Sprintf("%s/%s", c.config.BaseURL, resource), body, now)
	if _, err := c.queue.Enqueue(ctx, mutation); err != nil {
		return nil, fmt.Errorf("failed to enqueue create: %w", err)
	}

	c.kickDrain()
	return entity.Clone(), nil
}

// Update merges the JSON patch into the entity payload, marks it pending,
// enqueues an update mutation, and returns the merged record immediately.
//
// When the entity has not synced yet, the mutation's target carries a
// placeholder the engine resolves after the create completes; queue
// ordering guarantees the create lands first.
func (c *Client) Update(ctx context.Context, clientID string, patch json.RawMessage) (*record.Entity, error) {
	entity, err := c.store.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	resource, err := c.config.resource(entity.Type)
	if err != nil {
		return nil, err
	}

	if err := entity.MergePayload(patch); err != nil {
		return nil, err
	}

	// Capture the conflict basis before the optimistic write.
	baseVersion := entity.Version
	baseUpdatedAt := entity.UpdatedAt

	entity.SyncStatus = record.StatusPending
	entity.LastError = ""
	entity.Touch()
	if err := c.store.Put(ctx, entity); err != nil {
		return nil, fmt.Errorf("failed to persist entity: %w", err)
	}

	now := time.Now().UTC()
	mutation := c.newMutation(record.MethodUpdate, entity,
		fmt.Sprintf("%s/%s/%s", c.config.BaseURL, resource, engine.ServerIDPlaceholder),
		patch, now)
	mutation.BaseVersion = baseVersion
	mutation.BaseUpdatedAt = baseUpdatedAt
	if baseVersion != nil {
		mutation.Headers["If-Match"] = strconv.FormatInt(*baseVersion, 10)
	}

	if _, err := c.queue.Enqueue(ctx, mutation); err != nil {
		return nil, fmt.Errorf("failed to enqueue update: %w", err)
	}

	c.kickDrain()
	return entity.Clone(), nil
}

// Delete removes an entity.
//
// A never-synced entity is discarded locally along with its queued
// mutations — there is no server-side effect to undo, so no network
// round-trip happens. A synced entity is marked pending and a delete
// mutation is enqueued.
func (c *Client) Delete(ctx context.Context, clientID string) error {
	entity, err := c.store.Get(ctx, clientID)
	if err != nil {
		return err
	}

	if !entity.Synced() {
		if _, err := c.queue.DeleteForEntity(ctx, clientID); err != nil {
			return err
		}
		return c.store.Delete(ctx, clientID)
	}

	resource, err := c.config.resource(entity.Type)
	if err != nil {
		return err
	}

	entity.SyncStatus = record.StatusPending
	entity.LastError = ""
	entity.Touch()
	if err := c.store.Put(ctx, entity); err != nil {
		return fmt.Errorf("failed to persist entity: %w", err)
	}

	now := time.Now().UTC()
	mutation := c.newMutation(record.MethodDelete, entity,
		fmt.Sprintf("%s/%s/%s", c.config.BaseURL, resource, engine.ServerIDPlaceholder),
		nil, now)
	if _, err := c.queue.Enqueue(ctx, mutation); err != nil {
		return fmt.Errorf("failed to enqueue delete: %w", err)
	}

	c.kickDrain()
	return nil
}

// Get retrieves one entity by client ID.
func (c *Client) Get(ctx context.Context, clientID string) (*record.Entity, error) {
	return c.store.Get(ctx, clientID)
}

// List retrieves entities matching the filter.
func (c *Client) List(ctx context.Context, f store.Filter) ([]*record.Entity, error) {
	return c.store.Query(ctx, f)
}

// CountByStatus returns entity counts per sync status, optionally limited
// to one entity type (empty type means all).
func (c *Client) CountByStatus(ctx context.Context, t record.EntityType) (map[record.SyncStatus]int, error) {
	return c.store.CountByStatus(ctx, t)
}

// OnEntityChange subscribes to store writes for one entity type. The
// callback fires synchronously on every local state change — optimistic
// writes, sync transitions, conflicts. The returned function unsubscribes.
func (c *Client) OnEntityChange(t record.EntityType, fn func(store.Change)) func() {
	return c.store.Subscribe(t, fn)
}

// OnQueueStats subscribes to queue statistics, fired synchronously after
// every queue write. The returned function unsubscribes.
func (c *Client) OnQueueStats(fn func(record.QueueStats)) func() {
	return c.queue.SubscribeStats(fn)
}

// QueueStats returns a point-in-time queue summary.
func (c *Client) QueueStats(ctx context.Context) (record.QueueStats, error) {
	return c.queue.Stats(ctx)
}

// Queue exposes read-only queue inspection for status tooling.
func (c *Client) Queue(ctx context.Context, status record.MutationStatus) ([]*record.Mutation, error) {
	return c.queue.List(ctx, status)
}

// QueueForEntity returns one entity's unfinished mutations in causal order.
func (c *Client) QueueForEntity(ctx context.Context, clientID string) ([]*record.Mutation, error) {
	return c.queue.PendingForEntity(ctx, clientID)
}

// CompactQueue removes completed queue items and returns how many were
// deleted. The engine compacts automatically after each drain; this is for
// explicit housekeeping from tooling.
func (c *Client) CompactQueue(ctx context.Context) (int, error) {
	return c.queue.Compact(ctx)
}

// Sync forces an immediate drain attempt and waits for it to finish.
// A no-op while offline or when a drain is already running.
func (c *Client) Sync(ctx context.Context) error {
	return c.engine.Drain(ctx)
}

// RetryFailed resets failed queue items to pending with a fresh retry
// budget and triggers a drain. Returns how many items were reset.
func (c *Client) RetryFailed(ctx context.Context) (int, error) {
	n, err := c.queue.ResetFailed(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.kickDrain()
	}
	return n, nil
}

// LastSyncAt returns the time of the last completed drain pass.
func (c *Client) LastSyncAt(ctx context.Context) (time.Time, error) {
	return c.engine.LastSyncAt(ctx)
}

// Online reports current connectivity.
func (c *Client) Online() bool {
	return c.monitor.IsOnline()
}

// SetOnline overrides the connectivity state (explicit offline mode).
func (c *Client) SetOnline(online bool) {
	c.monitor.SetOnline(online)
}

// newMutation builds a queue item with the captured header snapshot.
func (c *Client) newMutation(method record.Method, entity *record.Entity, targetURL string, body []byte, now time.Time) *record.Mutation {
	headers := make(map[string]string)
	if c.config.Token != nil {
		if token, err := c.config.Token.Token(); err == nil && token != "" {
			headers["Authorization"] = "Bearer " + token
		} else if err != nil {
			c.logger.Printf("Warning: token source failed, enqueueing without credential: %v", err)
		}
	}
	// The client identifier rides along so the server can deduplicate
	// replayed creates.
	headers["X-Client-ID"] = entity.ClientID

	return &record.Mutation{
		ID:             uuid.NewString(),
		Method:         method,
		TargetURL:      targetURL,
		Body:           body,
		Headers:        headers,
		EntityType:     entity.Type,
		ClientEntityID: entity.ClientID,
		MaxAttempts:    c.config.MaxAttempts,
		NextAttemptAt:  now,
		Status:         record.MutationPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// createBody embeds the client identifier into the create payload so the
// server can key idempotent creates on it.
func createBody(entity *record.Entity) ([]byte, error) {
	body, err := record.MergeJSON(entity.Payload,
		json.RawMessage(fmt.Sprintf(`{"clientId": %q}`, entity.ClientID)))
	if err != nil {
		return nil, fmt.Errorf("failed to build create body: %w", err)
	}
	return body, nil
}
