package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"

	_ "modernc.org/sqlite"
)

func TestMigrateFresh(t *testing.T) {
	db := setupTestDB(t)

	runner := NewMigrationRunner(db)
	if err := runner.Migrate(); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	if !tableExists(t, db, "sessions") {
		t.Error("sessions table not created")
	}
	if !tableExists(t, db, "agents") {
		t.Error("agents table not created")
	}
	if !tableExists(t, db, "audit_log") {
		t.Error("audit_log table not created")
	}
	if !tableExists(t, db, "schema_migrations") {
		t.Error("schema_migrations table not created")
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := setupTestDB(t)

	runner := NewMigrationRunner(db)

	if err := runner.Migrate(); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	if err := runner.Migrate(); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("failed to query migrations: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migration record, got %d", count)
	}
}

func TestMigrateChecksumMismatch(t *testing.T) {
	db := setupTestDB(t)

	runner := NewMigrationRunner(db)
	if err := runner.Migrate(); err != nil {
		t.Fatalf("initial migration failed: %v", err)
	}

	_, err := db.Exec("UPDATE schema_migrations SET checksum = 'invalid' WHERE version = '001'")
	if err != nil {
		t.Fatalf("failed to corrupt checksum: %v", err)
	}

	if err := runner.Migrate(); err == nil {
		t.Error("expected checksum mismatch error, got nil")
	}
}

func TestSessionKeyDeterministic(t *testing.T) {
	a := SessionKey("user-1", "agent-9")
	b := SessionKey("user-1", "agent-9")
	if a != b {
		t.Errorf("same pair produced different keys: %q vs %q", a, b)
	}
	if a != "agent:agent-9:user-user-1" {
		t.Errorf("unexpected key format: %q", a)
	}

	if SessionKey("user-2", "agent-9") == a {
		t.Error("different users produced the same key")
	}
	if SessionKey("user-1", "agent-8") == a {
		t.Error("different agents produced the same key")
	}
}

func TestGetOrCreateSession(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	first, err := store.GetOrCreateSession(ctx, "alice", "helper")
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if first.SessionKey != SessionKey("alice", "helper") {
		t.Errorf("unexpected session key %q", first.SessionKey)
	}
	if first.RuntimeActivated {
		t.Error("new session should not be runtime activated")
	}

	second, err := store.GetOrCreateSession(ctx, "alice", "helper")
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if second.SessionKey != first.SessionKey {
		t.Errorf("second call returned different key: %q vs %q", second.SessionKey, first.SessionKey)
	}

	var count int
	if err := store.DB().QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 session row, got %d", count)
	}
}

func TestGetOrCreateSessionConcurrent(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	const workers = 8
	keys := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, err := store.GetOrCreateSession(ctx, "bob", "helper")
			if err != nil {
				errs[i] = err
				return
			}
			keys[i] = session.SessionKey
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d failed: %v", i, errs[i])
		}
		if keys[i] != keys[0] {
			t.Errorf("worker %d got key %q, worker 0 got %q", i, keys[i], keys[0])
		}
	}

	var count int
	if err := store.DB().QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 session row after %d concurrent calls, got %d", workers, count)
	}
}

func TestGetOrCreateSessionRequiresIDs(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	if _, err := store.GetOrCreateSession(ctx, "", "helper"); !errors.Is(err, ErrStorage) {
		t.Errorf("empty user id: expected ErrStorage, got %v", err)
	}
	if _, err := store.GetOrCreateSession(ctx, "alice", ""); !errors.Is(err, ErrStorage) {
		t.Errorf("empty agent id: expected ErrStorage, got %v", err)
	}
}

func TestMarkSessionActivated(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	session, err := store.GetOrCreateSession(ctx, "carol", "helper")
	if err != nil {
		t.Fatalf("session creation failed: %v", err)
	}

	if err := store.MarkSessionActivated(ctx, session.SessionKey); err != nil {
		t.Fatalf("activation failed: %v", err)
	}
	// Idempotent.
	if err := store.MarkSessionActivated(ctx, session.SessionKey); err != nil {
		t.Fatalf("repeat activation failed: %v", err)
	}

	reloaded, err := store.GetOrCreateSession(ctx, "carol", "helper")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !reloaded.RuntimeActivated {
		t.Error("session not marked runtime activated")
	}
}

func TestGetAgent(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	want := Agent{
		ID:              "assistant-1",
		Name:            "Assistant",
		OwnerID:         "alice",
		IsPersonal:      true,
		GreetingMessage: "Hi, I'm your assistant.",
	}
	if err := store.UpsertAgent(ctx, want); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := store.GetAgent(ctx, "assistant-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name != want.Name || got.OwnerID != want.OwnerID ||
		got.IsPersonal != want.IsPersonal || got.GreetingMessage != want.GreetingMessage {
		t.Errorf("agent mismatch: got %+v, want %+v", got, want)
	}

	if _, err := store.GetAgent(ctx, "no-such-agent"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestUpsertAgentUpdates(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	agent := Agent{ID: "shared-1", Name: "Shared"}
	if err := store.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	agent.Name = "Shared v2"
	agent.GreetingMessage = "Welcome back."
	if err := store.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err := store.GetAgent(ctx, "shared-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name != "Shared v2" || got.GreetingMessage != "Welcome back." {
		t.Errorf("update not applied: %+v", got)
	}
}

func setupTestDB(t *testing.T) *sql.DB {
	tmpfile, err := os.CreateTemp("", "test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpfile.Close()

	db, err := sql.Open("sqlite", tmpfile.Name())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
		os.Remove(tmpfile.Name())
	})

	return db
}

func setupTestStorage(t *testing.T) *Storage {
	db := setupTestDB(t)
	if err := NewMigrationRunner(db).Migrate(); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	return NewStorage(db)
}

func tableExists(t *testing.T, db *sql.DB, tableName string) bool {
	var exists int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&exists)
	if err != nil {
		t.Fatalf("failed to check table existence: %v", err)
	}
	return exists > 0
}
