package outbox

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasknest/outbox/internal/netmon"
	"github.com/tasknest/outbox/internal/record"
	"github.com/tasknest/outbox/internal/store"
	"github.com/tasknest/outbox/internal/transport"
)

// stubCall is one request the stub server received.
type stubCall struct {
	Method  string
	URL     string
	Body    []byte
	Headers map[string]string
}

// stubSender plays the server side: it assigns server IDs to creates and
// echoes versions, unless a scripted response overrides it.
type stubSender struct {
	mu      sync.Mutex
	calls   []stubCall
	nextID  int
	version int64

	// script, when set, answers every call instead of the default behavior.
	script func(method, url string, body []byte) (*transport.Response, error)
}

func (s *stubSender) Send(ctx context.Context, method, url string, body []byte, headers map[string]string) (*transport.Response, error) {
	s.mu.Lock()
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	s.calls = append(s.calls, stubCall{Method: method, URL: url, Body: body, Headers: h})
	script := s.script
	s.mu.Unlock()

	if script != nil {
		return script(method, url, body)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch method {
	case http.MethodDelete:
		return &transport.Response{Status: 204}, nil
	case http.MethodPost:
		s.nextID++
		s.version = 1
	default:
		s.version++
	}
	v := s.version
	id := "srv-" + string(rune('0'+s.nextID))
	return &transport.Response{
		Status:  200,
		ID:      id,
		Version: &v,
	}, nil
}

func (s *stubSender) sent() []stubCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stubCall(nil), s.calls...)
}

func testClient(t *testing.T, online bool) (*Client, *stubSender) {
	t.Helper()
	sender := &stubSender{}
	monitor := netmon.New(nil, netmon.Config{
		AssumeOnline: online,
		Logger:       log.New(io.Discard, "", 0),
	})

	client, err := Open(Config{
		DBPath:  filepath.Join(t.TempDir(), "engine.db"),
		BaseURL: "https://api.example.com/v1",
		Token:   StaticToken("secret"),
		Sender:  sender,
		Monitor: monitor,
		Logger:  log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, sender
}

// TestCreateIsLocalFirst verifies Create succeeds offline with no network
// traffic and leaves the entity pending.
func TestCreateIsLocalFirst(t *testing.T) {
	client, sender := testClient(t, false)
	ctx := context.Background()

	entity, err := client.Create(ctx, record.TypeTask, json.RawMessage(`{"title":"offline"}`))
	require.NoError(t, err)

	assert.NotEmpty(t, entity.ClientID)
	assert.Equal(t, record.StatusPending, entity.SyncStatus)
	assert.Empty(t, sender.sent(), "offline create must not touch the network")

	stats, err := client.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

// TestCreateRejectsNonObjectPayload verifies an unusable payload fails the
// whole call: no local row, no queued mutation.
func TestCreateRejectsNonObjectPayload(t *testing.T) {
	client, _ := testClient(t, false)
	ctx := context.Background()

	_, err := client.Create(ctx, record.TypeTask, json.RawMessage(`[1,2]`))
	require.Error(t, err)

	entities, err := client.List(ctx, store.Filter{Type: record.TypeTask})
	require.NoError(t, err)
	assert.Empty(t, entities, "a rejected create must not leave an orphaned pending row")

	stats, err := client.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
}

// TestOfflineEditThenSync verifies the central scenario: create and edit
// offline, then drain replays both in order and remaps the identifier.
func TestOfflineEditThenSync(t *testing.T) {
	client, sender := testClient(t, false)
	ctx := context.Background()

	entity, err := client.Create(ctx, record.TypeTask, json.RawMessage(`{"title":"v1"}`))
	require.NoError(t, err)

	updated, err := client.Update(ctx, entity.ClientID, json.RawMessage(`{"title":"v2"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"v2"}`, string(updated.Payload), "update applies locally right away")

	// Reconnect and drain once: the create completes first and releases
	// the queued update within the same drain.
	client.SetOnline(true)
	require.NoError(t, client.Sync(ctx))

	calls := sender.sent()
	require.Len(t, calls, 2)
	assert.Equal(t, http.MethodPost, calls[0].Method)
	assert.Equal(t, "Bearer secret", calls[0].Headers["Authorization"])
	assert.Equal(t, http.MethodPatch, calls[1].Method)
	assert.True(t, strings.HasSuffix(calls[1].URL, "/tasks/srv-1"),
		"update must address the server id, got %s", calls[1].URL)

	synced, err := client.Get(ctx, entity.ClientID)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", synced.ServerID)
	assert.Equal(t, record.StatusSynced, synced.SyncStatus)
}

// TestUpdateCarriesConflictBasis verifies a synced entity's update sends
// If-Match with the known version.
func TestUpdateCarriesConflictBasis(t *testing.T) {
	client, sender := testClient(t, true)
	ctx := context.Background()

	entity, err := client.Create(ctx, record.TypeTask, json.RawMessage(`{"title":"v1"}`))
	require.NoError(t, err)
	require.NoError(t, client.Sync(ctx))

	_, err = client.Update(ctx, entity.ClientID, json.RawMessage(`{"title":"v2"}`))
	require.NoError(t, err)
	require.NoError(t, client.Sync(ctx))

	calls := sender.sent()
	require.Len(t, calls, 2)
	assert.Equal(t, "1", calls[1].Headers["If-Match"])
}

// TestDeleteNeverSyncedIsLocalOnly verifies deleting an unsynced entity
// removes it and its queue history without any network call.
func TestDeleteNeverSyncedIsLocalOnly(t *testing.T) {
	client, sender := testClient(t, false)
	ctx := context.Background()

	entity, err := client.Create(ctx, record.TypeTask, json.RawMessage(`{"title":"x"}`))
	require.NoError(t, err)
	_, err = client.Update(ctx, entity.ClientID, json.RawMessage(`{"title":"y"}`))
	require.NoError(t, err)

	require.NoError(t, client.Delete(ctx, entity.ClientID))

	_, err = client.Get(ctx, entity.ClientID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	stats, err := client.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total(), "queued mutations must be discarded")

	// Going online later sends nothing.
	client.SetOnline(true)
	require.NoError(t, client.Sync(ctx))
	assert.Empty(t, sender.sent())
}

// TestDeleteSyncedGoesThroughQueue verifies a synced entity's delete is
// queued and dispatched.
func TestDeleteSyncedGoesThroughQueue(t *testing.T) {
	client, sender := testClient(t, true)
	ctx := context.Background()

	entity, err := client.Create(ctx, record.TypeTask, json.RawMessage(`{"title":"x"}`))
	require.NoError(t, err)
	require.NoError(t, client.Sync(ctx))

	require.NoError(t, client.Delete(ctx, entity.ClientID))
	require.NoError(t, client.Sync(ctx))

	calls := sender.sent()
	require.Len(t, calls, 2)
	assert.Equal(t, http.MethodDelete, calls[1].Method)
	assert.True(t, strings.HasSuffix(calls[1].URL, "/tasks/srv-1"))

	_, err = client.Get(ctx, entity.ClientID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// TestOnEntityChange verifies UI subscriptions observe the optimistic write
// and the sync transition.
func TestOnEntityChange(t *testing.T) {
	client, _ := testClient(t, true)
	ctx := context.Background()

	var mu sync.Mutex
	var statuses []record.SyncStatus
	unsubscribe := client.OnEntityChange(record.TypeTask, func(c store.Change) {
		mu.Lock()
		statuses = append(statuses, c.Entity.SyncStatus)
		mu.Unlock()
	})
	defer unsubscribe()

	_, err := client.Create(ctx, record.TypeTask, json.RawMessage(`{"title":"x"}`))
	require.NoError(t, err)
	require.NoError(t, client.Sync(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, statuses)
	assert.Equal(t, record.StatusPending, statuses[0], "first change is the optimistic write")
	assert.Equal(t, record.StatusSynced, statuses[len(statuses)-1], "last change is the sync completion")
}

// TestResolveKeepLocal verifies the local payload is resubmitted against the
// server's version.
func TestResolveKeepLocal(t *testing.T) {
	client, sender := testClient(t, true)
	ctx := context.Background()

	entity, err := client.Create(ctx, record.TypeTask, json.RawMessage(`{"title":"mine"}`))
	require.NoError(t, err)
	require.NoError(t, client.Sync(ctx))

	// Next update hits a conflict: the server is at version 9.
	serverVersion := int64(9)
	sender.script = func(method, url string, body []byte) (*transport.Response, error) {
		return &transport.Response{
			Status:  409,
			ID:      "srv-1",
			Version: &serverVersion,
			Payload: json.RawMessage(`{"title":"theirs","version":9}`),
		}, nil
	}
	_, err = client.Update(ctx, entity.ClientID, json.RawMessage(`{"title":"mine v2"}`))
	require.NoError(t, err)
	require.NoError(t, client.Sync(ctx))

	conflicted, err := client.Get(ctx, entity.ClientID)
	require.NoError(t, err)
	require.Equal(t, record.StatusConflict, conflicted.SyncStatus)

	// Resolution re-submits the local version; the server accepts it now.
	sender.script = nil
	resolved, err := client.Resolve(ctx, entity.ClientID, KeepLocal)
	require.NoError(t, err)
	assert.Equal(t, record.StatusPending, resolved.SyncStatus)
	assert.Nil(t, resolved.Conflict)

	require.NoError(t, client.Sync(ctx))

	calls := sender.sent()
	last := calls[len(calls)-1]
	assert.Equal(t, http.MethodPatch, last.Method)
	assert.Equal(t, "9", last.Headers["If-Match"], "resubmission bases on the server's version")
	assert.JSONEq(t, `{"title":"mine v2"}`, string(last.Body))

	final, err := client.Get(ctx, entity.ClientID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusSynced, final.SyncStatus)
}

// TestResolveAcceptServer verifies the server snapshot replaces the local
// payload with no network traffic.
func TestResolveAcceptServer(t *testing.T) {
	client, sender := testClient(t, true)
	ctx := context.Background()

	entity, err := client.Create(ctx, record.TypeTask, json.RawMessage(`{"title":"mine"}`))
	require.NoError(t, err)
	require.NoError(t, client.Sync(ctx))

	serverVersion := int64(9)
	sender.script = func(method, url string, body []byte) (*transport.Response, error) {
		return &transport.Response{
			Status:  409,
			ID:      "srv-1",
			Version: &serverVersion,
			Payload: json.RawMessage(`{"id":"srv-1","title":"theirs","version":9}`),
		}, nil
	}
	_, err = client.Update(ctx, entity.ClientID, json.RawMessage(`{"title":"mine v2"}`))
	require.NoError(t, err)
	require.NoError(t, client.Sync(ctx))

	callsBefore := len(sender.sent())
	resolved, err := client.Resolve(ctx, entity.ClientID, AcceptServer)
	require.NoError(t, err)

	assert.Equal(t, record.StatusSynced, resolved.SyncStatus)
	assert.JSONEq(t, `{"title":"theirs"}`, string(resolved.Payload),
		"identity fields are stripped from the adopted snapshot")
	require.NotNil(t, resolved.Version)
	assert.Equal(t, int64(9), *resolved.Version)
	assert.Len(t, sender.sent(), callsBefore, "accepting the server version is local-only")
}

// TestResolveRejectsNonConflicted verifies Resolve refuses entities that are
// not in conflict.
func TestResolveRejectsNonConflicted(t *testing.T) {
	client, _ := testClient(t, false)
	ctx := context.Background()

	entity, err := client.Create(ctx, record.TypeTask, json.RawMessage(`{"title":"x"}`))
	require.NoError(t, err)

	_, err = client.Resolve(ctx, entity.ClientID, KeepLocal)
	assert.Error(t, err)
}

// TestRetryFailed verifies failed mutations get a fresh budget.
func TestRetryFailed(t *testing.T) {
	client, sender := testClient(t, true)
	ctx := context.Background()

	sender.script = func(method, url string, body []byte) (*transport.Response, error) {
		return nil, &transport.Error{Status: 401, Message: "token expired"}
	}

	_, err := client.Create(ctx, record.TypeTask, json.RawMessage(`{"title":"x"}`))
	require.NoError(t, err)
	require.NoError(t, client.Sync(ctx))

	stats, err := client.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Failed)

	sender.script = nil
	n, err := client.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, client.Sync(ctx))
	stats, err = client.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.Pending)
}

// TestOnQueueStats verifies stats subscribers observe queue writes.
func TestOnQueueStats(t *testing.T) {
	client, _ := testClient(t, false)
	ctx := context.Background()

	var mu sync.Mutex
	var depths []int
	unsubscribe := client.OnQueueStats(func(s record.QueueStats) {
		mu.Lock()
		depths = append(depths, s.Pending)
		mu.Unlock()
	})
	defer unsubscribe()

	_, err := client.Create(ctx, record.TypeTask, json.RawMessage(`{"title":"a"}`))
	require.NoError(t, err)
	_, err = client.Create(ctx, record.TypeTask, json.RawMessage(`{"title":"b"}`))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, depths, 2)
	assert.Equal(t, []int{1, 2}, depths)
}
