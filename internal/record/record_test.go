package record

import (
	"encoding/json"
	"testing"
	"time"
)

func validEntity() *Entity {
	now := time.Now().UTC()
	return &Entity{
		ClientID:   "c1",
		Type:       TypeTask,
		Payload:    json.RawMessage(`{"title":"hello"}`),
		SyncStatus: StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// TestEntityValidate verifies the invariants every stored entity must hold.
func TestEntityValidate(t *testing.T) {
	if err := validEntity().Validate(); err != nil {
		t.Fatalf("Validate() failed on valid entity: %v", err)
	}

	e := validEntity()
	e.ClientID = ""
	if err := e.Validate(); err == nil {
		t.Error("Validate() should reject missing client_id")
	}

	e = validEntity()
	e.Type = "Task"
	if err := e.Validate(); err == nil {
		t.Error("Validate() should reject uppercase entity type")
	}

	e = validEntity()
	e.SyncStatus = "bogus"
	if err := e.Validate(); err == nil {
		t.Error("Validate() should reject unknown sync status")
	}

	// A synced entity without a server ID is a broken invariant.
	e = validEntity()
	e.SyncStatus = StatusSynced
	if err := e.Validate(); err == nil {
		t.Error("Validate() should reject synced entity without server_id")
	}
	e.ServerID = "s1"
	if err := e.Validate(); err != nil {
		t.Errorf("Validate() failed on synced entity with server_id: %v", err)
	}
}

// TestEntitySynced verifies that Synced follows the server ID, not the status.
func TestEntitySynced(t *testing.T) {
	e := validEntity()
	if e.Synced() {
		t.Error("entity without server_id should not report synced")
	}
	e.ServerID = "s1"
	if !e.Synced() {
		t.Error("entity with server_id should report synced")
	}
}

// TestEntityClone verifies the clone shares no mutable state with the
// original.
func TestEntityClone(t *testing.T) {
	e := validEntity()
	v := int64(3)
	e.Version = &v
	e.Conflict = &ConflictSnapshot{
		Local:  json.RawMessage(`{"a":1}`),
		Server: json.RawMessage(`{"a":2}`),
	}

	c := e.Clone()
	c.Payload[2] = 'X'
	*c.Version = 99
	c.Conflict.Local[2] = 'X'

	if string(e.Payload) != `{"title":"hello"}` {
		t.Error("mutating clone payload affected original")
	}
	if *e.Version != 3 {
		t.Error("mutating clone version affected original")
	}
	if string(e.Conflict.Local) != `{"a":1}` {
		t.Error("mutating clone conflict affected original")
	}
}

// TestMergeJSON verifies shallow merge semantics: patch keys win, explicit
// null removes a key.
func TestMergeJSON(t *testing.T) {
	merged, err := MergeJSON(
		json.RawMessage(`{"title":"old","done":false,"notes":"keep"}`),
		json.RawMessage(`{"title":"new","notes":null}`),
	)
	if err != nil {
		t.Fatalf("MergeJSON() failed: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(merged, &m); err != nil {
		t.Fatalf("merged payload is not valid JSON: %v", err)
	}
	if m["title"] != "new" {
		t.Errorf("title = %v, want new", m["title"])
	}
	if m["done"] != false {
		t.Errorf("done = %v, want false", m["done"])
	}
	if _, ok := m["notes"]; ok {
		t.Error("null in patch should delete the key")
	}
}

// TestMergeJSONEmptyBase verifies merging into an empty payload.
func TestMergeJSONEmptyBase(t *testing.T) {
	merged, err := MergeJSON(nil, json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("MergeJSON() failed: %v", err)
	}
	if string(merged) != `{"a":1}` {
		t.Errorf("merged = %s, want {\"a\":1}", merged)
	}
}

// TestMergeJSONRejectsNonObject verifies arrays and scalars are rejected.
func TestMergeJSONRejectsNonObject(t *testing.T) {
	if _, err := MergeJSON(json.RawMessage(`{"a":1}`), json.RawMessage(`[1,2]`)); err == nil {
		t.Error("MergeJSON() should reject a non-object patch")
	}
	if _, err := MergeJSON(json.RawMessage(`[1]`), json.RawMessage(`{"a":1}`)); err == nil {
		t.Error("MergeJSON() should reject a non-object base")
	}
}

// TestMethodHTTPVerb verifies the method to verb mapping.
func TestMethodHTTPVerb(t *testing.T) {
	cases := map[Method]string{
		MethodCreate: "POST",
		MethodUpdate: "PATCH",
		MethodDelete: "DELETE",
	}
	for method, want := range cases {
		if got := method.HTTPVerb(); got != want {
			t.Errorf("%s.HTTPVerb() = %s, want %s", method, got, want)
		}
	}
}

// TestMutationValidate verifies mutation invariants.
func TestMutationValidate(t *testing.T) {
	now := time.Now().UTC()
	m := &Mutation{
		ID:             "m1",
		Method:         MethodCreate,
		TargetURL:      "https://api.example.com/v1/tasks",
		Body:           json.RawMessage(`{"title":"x"}`),
		EntityType:     TypeTask,
		ClientEntityID: "c1",
		MaxAttempts:    5,
		NextAttemptAt:  now,
		Status:         MutationPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() failed on valid mutation: %v", err)
	}

	bad := *m
	bad.Method = "put"
	if err := bad.Validate(); err == nil {
		t.Error("Validate() should reject unknown method")
	}

	bad = *m
	bad.ClientEntityID = ""
	if err := bad.Validate(); err == nil {
		t.Error("Validate() should reject missing client entity id")
	}
}
