// Package outbox is an offline-first mutation queue and reconciliation
// engine for client applications.
//
// Callers create, edit, and delete records while disconnected; every write
// lands in a durable local store and a durable mutation queue synchronously,
// and the sync engine replays the queue against the server once connectivity
// returns — preserving per-entity ordering, remapping client-generated
// identifiers to server identifiers, retrying transient failures with
// backoff, and surfacing conflicts instead of silently overwriting either
// side.
//
// The facade is local-first: Create, Update, and Delete return as soon as
// the write is persisted on-device. Network effects happen asynchronously
// and are communicated through sync status changes the UI can subscribe to.
//
// Example:
//
//	client, err := outbox.Open(outbox.Config{
//	    DBPath:  ".outbox/engine.db",
//	    BaseURL: "https://api.example.com/v1",
//	    Token:   outbox.StaticToken("..."),
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	go client.Start(ctx)
//
//	task, err := client.Create(ctx, record.TypeTask,
//	    json.RawMessage(`{"title": "Write the report"}`))
package outbox
