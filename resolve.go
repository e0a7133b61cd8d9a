package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tasknest/outbox/internal/engine"
	"github.com/tasknest/outbox/internal/record"
)

// Resolution is the caller's explicit choice for a conflicted entity.
type Resolution string

const (
	// KeepLocal re-submits the local payload as an update against the
	// server's current version.
	KeepLocal Resolution = "keep_local"
	// AcceptServer replaces the local payload with the server snapshot and
	// marks the entity synced.
	AcceptServer Resolution = "accept_server"
)

// Resolve settles a conflicted entity one way or the other.
//
// Either choice first discards the entity's queued mutations — they were
// computed against a basis the server rejected. KeepLocal then enqueues a
// fresh update carrying the full local payload, based on the server version
// recorded in the conflict snapshot, so the server accepts it as a
// deliberate overwrite. AcceptServer adopts the snapshot locally and
// touches nothing on the server.
func (c *Client) Resolve(ctx context.Context, clientID string, resolution Resolution) (*record.Entity, error) {
	entity, err := c.store.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if entity.SyncStatus != record.StatusConflict || entity.Conflict == nil {
		return nil, fmt.Errorf("entity %s is not in conflict", clientID)
	}

	if _, err := c.queue.DeleteForEntity(ctx, clientID); err != nil {
		return nil, fmt.Errorf("failed to clear queued mutations for %s: %w", clientID, err)
	}

	switch resolution {
	case KeepLocal:
		return c.resolveKeepLocal(ctx, entity)
	case AcceptServer:
		return c.resolveAcceptServer(ctx, entity)
	default:
		return nil, fmt.Errorf("unknown resolution %q", resolution)
	}
}

func (c *Client) resolveKeepLocal(ctx context.Context, entity *record.Entity) (*record.Entity, error) {
	resource, err := c.config.resource(entity.Type)
	if err != nil {
		return nil, err
	}

	snapshot := entity.Conflict
	local := append(json.RawMessage(nil), snapshot.Local...)

	entity.Payload = local
	entity.SyncStatus = record.StatusPending
	entity.Conflict = nil
	entity.LastError = ""
	// Advance the basis to the server's version so the resubmission reads
	// as a deliberate overwrite, not another stale write.
	if snapshot.ServerVersion != nil {
		v := *snapshot.ServerVersion
		entity.Version = &v
	}
	entity.Touch()
	if err := c.store.Put(ctx, entity); err != nil {
		return nil, fmt.Errorf("failed to persist resolution: %w", err)
	}

	now := time.Now().UTC()
	mutation := c.newMutation(record.MethodUpdate, entity,
		fmt.Sprintf("%s/%s/%s", c.config.BaseURL, resource, engine.ServerIDPlaceholder),
		local, now)
	mutation.BaseVersion = entity.Version
	mutation.BaseUpdatedAt = snapshot.ServerUpdatedAt
	if entity.Version != nil {
		mutation.Headers["If-Match"] = strconv.FormatInt(*entity.Version, 10)
	}
	if _, err := c.queue.Enqueue(ctx, mutation); err != nil {
		return nil, fmt.Errorf("failed to enqueue resolution update: %w", err)
	}

	c.kickDrain()
	return entity.Clone(), nil
}

func (c *Client) resolveAcceptServer(ctx context.Context, entity *record.Entity) (*record.Entity, error) {
	snapshot := entity.Conflict

	if len(snapshot.Server) > 0 {
		payload, err := serverPayload(snapshot.Server)
		if err != nil {
			return nil, fmt.Errorf("failed to adopt server snapshot: %w", err)
		}
		entity.Payload = payload
	}
	if snapshot.ServerVersion != nil {
		v := *snapshot.ServerVersion
		entity.Version = &v
	}

	now := time.Now().UTC()
	entity.SyncStatus = record.StatusSynced
	entity.LastSyncedAt = &now
	entity.Conflict = nil
	entity.LastError = ""
	entity.Touch()

	if err := c.store.Put(ctx, entity); err != nil {
		return nil, fmt.Errorf("failed to persist resolution: %w", err)
	}
	return entity.Clone(), nil
}

// serverPayload drops the identity and versioning fields the entity record
// already tracks, leaving only the domain payload.
func serverPayload(snapshot json.RawMessage) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(snapshot, &m); err != nil {
		return nil, err
	}
	for _, k := range []string{"id", "_id", "uuid", "clientId", "version", "updatedAt", "updated_at"} {
		delete(m, k)
	}
	return json.Marshal(m)
}
