// Package engine implements the sync engine: it drains the mutation queue
// against the network transport, applies retry with exponential backoff,
// detects conflicts, remaps client-generated identifiers to server
// identifiers, and writes authoritative results back to the entity store.
//
// A drain keeps dispatching until no eligible item remains, so one call
// delivers an entity's whole causal chain. At most one drain runs at a time,
// and items are processed strictly sequentially — ordering is a correctness
// requirement (a dependent update must follow its create), not a performance
// choice.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tasknest/outbox/internal/queue"
	"github.com/tasknest/outbox/internal/record"
	"github.com/tasknest/outbox/internal/store"
	"github.com/tasknest/outbox/internal/storage"
	"github.com/tasknest/outbox/internal/transport"
)

// metaLastSync is the sync_meta key recording the last successful drain.
const metaLastSync = "last_sync_at"

// Backoff configures the retry schedule for transient failures.
type Backoff struct {
	// Base is the delay after the first failure; it doubles per attempt.
	Base time.Duration
	// Cap is the ceiling the delay never exceeds.
	Cap time.Duration
}

// Delay returns the wait before the given retry attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// DefaultBackoff is the retry schedule used when none is configured.
var DefaultBackoff = Backoff{Base: 2 * time.Second, Cap: 5 * time.Minute}

// Config holds engine collaborators and tunables.
type Config struct {
	Store  *store.Store
	Queue  *queue.Queue
	DB     *storage.DB
	Sender transport.Sender

	// Online reports current connectivity; a drain while offline is a no-op.
	Online func() bool

	Backoff Backoff
	Logger  *log.Logger
	Metrics *Metrics

	// Clock is injectable for tests. Defaults to time.Now.
	Clock func() time.Time
}

// Engine drives reconciliation between the local queue/store and the server.
type Engine struct {
	store   *store.Store
	queue   *queue.Queue
	db      *storage.DB
	sender  transport.Sender
	online  func() bool
	backoff Backoff
	logger  *log.Logger
	metrics *Metrics
	clock   func() time.Time

	// draining enforces the single-drain invariant.
	draining atomic.Bool
	// stopRequested makes the current drain finish its in-flight item and
	// return before starting the next one.
	stopRequested atomic.Bool
}

// New creates an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	backoff := cfg.Backoff
	if backoff.Base == 0 {
		backoff = DefaultBackoff
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	online := cfg.Online
	if online == nil {
		online = func() bool { return true }
	}
	return &Engine{
		store:   cfg.Store,
		queue:   cfg.Queue,
		db:      cfg.DB,
		sender:  cfg.Sender,
		online:  online,
		backoff: backoff,
		logger:  logger,
		metrics: metrics,
		clock:   clock,
	}
}

// RequestStop signals the running drain to stop before its next item. An
// item already dispatched to the transport runs to completion or failure.
func (e *Engine) RequestStop() {
	e.stopRequested.Store(true)
}

// LastSyncAt returns the time of the last successful drain pass, or the
// zero time if none has completed.
func (e *Engine) LastSyncAt(ctx context.Context) (time.Time, error) {
	value, err := e.db.GetMeta(ctx, metaLastSync)
	if err != nil || value == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last sync time: %w", err)
	}
	return t, nil
}

// Drain dispatches the eligible queue items until none remain.
//
// If the device is offline or another drain is in progress, Drain returns
// immediately with no error — callers fire it opportunistically on every
// local write and reconnect, so "nothing to do" is the common case.
//
// Completing an item can release a withheld sibling (an update queued
// behind its create), so Drain re-fetches after every round: a single call
// delivers an entity's whole causal chain. A round that completes nothing
// ends the drain; every remaining item is backed off, failed, or awaiting
// conflict resolution, and another fetch would return the same batch.
func (e *Engine) Drain(ctx context.Context) error {
	if !e.online() {
		return nil
	}
	if !e.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer e.draining.Store(false)
	e.stopRequested.Store(false)

	dispatched := false
	for {
		items, err := e.queue.DequeuePending(ctx, e.clock())
		if err != nil {
			return fmt.Errorf("failed to fetch pending mutations: %w", err)
		}
		if len(items) == 0 {
			break
		}
		dispatched = true
		e.logger.Printf("Drain: %d mutation(s) eligible", len(items))

		completed := 0
		stopped := false
		for _, item := range items {
			if e.stopRequested.Load() {
				e.logger.Printf("Drain: stop requested, %s left queued", item.ID)
				stopped = true
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := e.processItem(ctx, item); err == nil {
				completed++
			}
		}
		if stopped || completed == 0 {
			break
		}
	}

	if !dispatched {
		return nil
	}

	if _, err := e.queue.Compact(ctx); err != nil {
		e.logger.Printf("Warning: failed to compact queue: %v", err)
	}
	if err := e.db.SetMeta(ctx, metaLastSync, e.clock().UTC().Format(time.RFC3339Nano)); err != nil {
		e.logger.Printf("Warning: failed to record sync time: %v", err)
	}
	e.metrics.Drains.Inc()

	return nil
}

// processItem dispatches one queue item and applies the outcome. A non-nil
// return means the item did not complete (retry scheduled, failed, or
// conflicted); the queue's eligibility rules keep the entity's later
// siblings withheld until it does.
func (e *Engine) processItem(ctx context.Context, item *record.Mutation) error {
	processing := record.MutationProcessing
	if err := e.queue.Update(ctx, item.ID, queue.Patch{Status: &processing}); err != nil {
		return fmt.Errorf("failed to mark %s processing: %w", item.ID, err)
	}
	e.setEntityStatus(ctx, item.ClientEntityID, record.StatusSyncing, "")

	url, err := e.resolveURL(ctx, item)
	if err != nil {
		return e.handleFailure(ctx, item, err)
	}

	resp, err := e.sender.Send(ctx, item.Method.HTTPVerb(), url, item.Body, item.Headers)
	if err != nil {
		return e.handleFailure(ctx, item, err)
	}

	if resp.Conflict() {
		return e.handleConflict(ctx, item, resp)
	}

	synced, err := e.applySuccess(ctx, item, resp)
	if err != nil {
		// Local persistence failed; leave the item for the next pass rather
		// than guessing at state.
		e.logger.Printf("Warning: failed to apply result for %s: %v", item.ID, err)
		pending := record.MutationPending
		_ = e.queue.Update(ctx, item.ID, queue.Patch{Status: &pending})
		return err
	}

	completed := record.MutationCompleted
	if err := e.queue.Update(ctx, item.ID, queue.Patch{Status: &completed}); err != nil {
		return fmt.Errorf("failed to mark %s completed: %w", item.ID, err)
	}
	if synced {
		e.metrics.Synced.Inc()
	}
	return nil
}

// ServerIDPlaceholder is the token in a captured target URL that stands in
// for the server identifier. Updates and deletes enqueued before the
// entity's create has completed cannot know the server ID yet; queue
// ordering guarantees the create lands first, so the placeholder always
// resolves by the time the sibling is dispatched.
const ServerIDPlaceholder = "{id}"

// resolveURL expands the server ID placeholder from the entity record.
func (e *Engine) resolveURL(ctx context.Context, item *record.Mutation) (string, error) {
	if !strings.Contains(item.TargetURL, ServerIDPlaceholder) {
		return item.TargetURL, nil
	}
	entity, err := e.store.Get(ctx, item.ClientEntityID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve target for %s: %w", item.ID, err)
	}
	if entity.ServerID == "" {
		return "", fmt.Errorf("entity %s has no server id yet", item.ClientEntityID)
	}
	return strings.ReplaceAll(item.TargetURL, ServerIDPlaceholder, entity.ServerID), nil
}

// applySuccess writes the server's authoritative result into the store. It
// reports whether the result was adopted as a sync: a silently diverged
// update completes the item but records a conflict instead.
func (e *Engine) applySuccess(ctx context.Context, item *record.Mutation, resp *transport.Response) (bool, error) {
	now := e.clock().UTC()

	switch item.Method {
	case record.MethodDelete:
		if err := e.store.Delete(ctx, item.ClientEntityID); err != nil {
			return false, fmt.Errorf("failed to remove deleted entity: %w", err)
		}
		e.logger.Printf("Deleted %s/%s", item.EntityType, item.ClientEntityID)
		return true, nil

	case record.MethodCreate:
		entity, err := e.store.Get(ctx, item.ClientEntityID)
		if err != nil {
			return false, err
		}
		if resp.ID == "" {
			return false, fmt.Errorf("create response for %s carried no identifier", item.ClientEntityID)
		}
		// Identifier remapping: the server ID is recorded once, and every
		// queued sibling keeps addressing the entity by client ID.
		entity.ServerID = resp.ID
		if err := e.adoptServerState(ctx, entity, resp, now); err != nil {
			return false, err
		}
		return true, nil

	case record.MethodUpdate:
		entity, err := e.store.Get(ctx, item.ClientEntityID)
		if err != nil {
			return false, err
		}
		// Silent-divergence guard: a 2xx response whose version jumped past
		// the expected successor of our basis means someone else wrote in
		// between and the server applied us anyway. Surface it.
		if diverged(item, resp) {
			return false, e.markConflict(ctx, entity, resp)
		}
		if err := e.adoptServerState(ctx, entity, resp, now); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, fmt.Errorf("unknown mutation method %q", item.Method)
	}
}

// adoptServerState merges the server's returned fields over the local
// payload and marks the entity synced. Local fields the server didn't echo
// are preserved.
func (e *Engine) adoptServerState(ctx context.Context, entity *record.Entity, resp *transport.Response, now time.Time) error {
	if len(resp.Payload) > 0 {
		merged, err := record.MergeJSON(entity.Payload, stripIdentity(resp.Payload))
		if err != nil {
			return fmt.Errorf("failed to merge server payload: %w", err)
		}
		entity.Payload = merged
	}
	if resp.Version != nil {
		v := *resp.Version
		entity.Version = &v
	}
	entity.SyncStatus = record.StatusSynced
	entity.LastSyncedAt = &now
	entity.Conflict = nil
	entity.LastError = ""
	entity.Touch()

	if err := e.store.Put(ctx, entity); err != nil {
		return err
	}
	e.logger.Printf("Synced %s/%s (server_id=%s)", entity.Type, entity.ClientID, entity.ServerID)
	return nil
}

// diverged reports whether a 2xx update response indicates the server state
// had moved past the mutation's basis.
func diverged(item *record.Mutation, resp *transport.Response) bool {
	if item.BaseVersion == nil || resp.Version == nil {
		return false
	}
	return *resp.Version > *item.BaseVersion+1
}

// handleConflict records the divergence and completes the queue item: the
// conflict is a terminal entity state awaiting explicit resolution, not a
// retryable failure.
func (e *Engine) handleConflict(ctx context.Context, item *record.Mutation, resp *transport.Response) error {
	entity, err := e.store.Get(ctx, item.ClientEntityID)
	if err != nil {
		return err
	}
	if err := e.markConflict(ctx, entity, resp); err != nil {
		return err
	}

	completed := record.MutationCompleted
	if err := e.queue.Update(ctx, item.ID, queue.Patch{Status: &completed}); err != nil {
		return fmt.Errorf("failed to mark %s completed: %w", item.ID, err)
	}
	// The error tells the drain this entity made no progress; the queue
	// withholds its remaining siblings until the conflict is resolved.
	return fmt.Errorf("conflict on %s", item.ClientEntityID)
}

// markConflict stores both snapshots and flags the entity. Neither side is
// overwritten; resolution is the caller's explicit choice.
func (e *Engine) markConflict(ctx context.Context, entity *record.Entity, resp *transport.Response) error {
	snapshot := &record.ConflictSnapshot{
		Local:           append(json.RawMessage(nil), entity.Payload...),
		Server:          append(json.RawMessage(nil), resp.Payload...),
		ServerUpdatedAt: resp.UpdatedAt,
		DetectedAt:      e.clock().UTC(),
	}
	if resp.Version != nil {
		v := *resp.Version
		snapshot.ServerVersion = &v
	}

	entity.SyncStatus = record.StatusConflict
	entity.Conflict = snapshot
	entity.Touch()

	if err := e.store.Put(ctx, entity); err != nil {
		return fmt.Errorf("failed to record conflict for %s: %w", entity.ClientID, err)
	}

	e.metrics.Conflicts.Inc()
	e.logger.Printf("Conflict on %s/%s: server version diverged", entity.Type, entity.ClientID)
	return nil
}

// handleFailure classifies a transport failure and either schedules a retry
// or fails the item permanently.
func (e *Engine) handleFailure(ctx context.Context, item *record.Mutation, sendErr error) error {
	attempts := item.Attempts + 1
	msg := sendErr.Error()

	permanent := transport.IsPermanent(sendErr)
	exhausted := attempts >= item.MaxAttempts

	if permanent || exhausted {
		failed := record.MutationFailed
		if err := e.queue.Update(ctx, item.ID, queue.Patch{
			Status:    &failed,
			Attempts:  &attempts,
			LastError: &msg,
		}); err != nil {
			return fmt.Errorf("failed to mark %s failed: %w", item.ID, err)
		}
		e.setEntityStatus(ctx, item.ClientEntityID, record.StatusError, msg)
		e.metrics.Failures.Inc()

		reason := "retries exhausted"
		if permanent {
			reason = "permanent error"
		}
		e.logger.Printf("Mutation %s failed (%s): %v", item.ID, reason, sendErr)
		return sendErr
	}

	next := e.clock().Add(e.backoff.Delay(attempts))
	pending := record.MutationPending
	if err := e.queue.Update(ctx, item.ID, queue.Patch{
		Status:        &pending,
		Attempts:      &attempts,
		NextAttemptAt: &next,
		LastError:     &msg,
	}); err != nil {
		return fmt.Errorf("failed to schedule retry for %s: %w", item.ID, err)
	}
	e.setEntityStatus(ctx, item.ClientEntityID, record.StatusPending, msg)
	e.metrics.Retries.Inc()

	e.logger.Printf("Mutation %s attempt %d/%d failed, retry at %s: %v",
		item.ID, attempts, item.MaxAttempts, next.Format(time.RFC3339), sendErr)
	return sendErr
}

// setEntityStatus updates just the sync status and error text of an entity,
// if it still exists.
func (e *Engine) setEntityStatus(ctx context.Context, clientID string, status record.SyncStatus, errMsg string) {
	entity, err := e.store.Get(ctx, clientID)
	if err != nil {
		return
	}
	entity.SyncStatus = status
	entity.LastError = errMsg
	entity.Touch()
	if err := e.store.Put(ctx, entity); err != nil {
		e.logger.Printf("Warning: failed to update status for %s: %v", clientID, err)
	}
}

// stripIdentity removes the envelope fields the engine has already lifted
// into Entity metadata so they don't leak into the domain payload.
func stripIdentity(payload json.RawMessage) json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return payload
	}
	for _, k := range []string{"id", "_id", "uuid", "version", "updatedAt", "updated_at"} {
		delete(m, k)
	}
	out, err := json.Marshal(m)
	if err != nil {
		return payload
	}
	return out
}
