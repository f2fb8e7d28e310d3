package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/orchard/lifemap/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "lifemap.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func seedUser(t *testing.T, store *persistence.Store) string {
	t.Helper()
	userID := uuid.NewString()
	if err := store.EnsureUser(context.Background(), userID, "test user"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	return userID
}

// seedTree builds a small forest for one user:
//
//	Health
//	├── Sleep
//	└── Fitness
//	    ├── Cardio
//	    └── Strength
//
// Returns the root id and the leaf ids in pre-order (Sleep, Cardio, Strength).
func seedTree(t *testing.T, store *persistence.Store, userID string) (string, []string) {
	t.Helper()
	ctx := context.Background()
	root, err := store.CreateArea(ctx, userID, "", "Health", 0)
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	sleep, err := store.CreateArea(ctx, userID, root, "Sleep", 0)
	if err != nil {
		t.Fatalf("create sleep: %v", err)
	}
	fitness, err := store.CreateArea(ctx, userID, root, "Fitness", 1)
	if err != nil {
		t.Fatalf("create fitness: %v", err)
	}
	cardio, err := store.CreateArea(ctx, userID, fitness, "Cardio", 0)
	if err != nil {
		t.Fatalf("create cardio: %v", err)
	}
	strength, err := store.CreateArea(ctx, userID, fitness, "Strength", 1)
	if err != nil {
		t.Fatalf("create strength: %v", err)
	}
	return root, []string{sleep, cardio, strength}
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	requiredTables := []string{
		"schema_migrations", "users", "life_areas", "life_area_messages",
		"leaf_coverage", "active_interview_context", "leaf_extraction_queue",
		"area_summaries", "user_knowledge", "user_knowledge_areas",
	}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var version int
	var checksum string
	if err := db.QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
	if checksum == "" {
		t.Fatalf("expected non-empty checksum")
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "lifemap.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath, nil)
	if err == nil {
		t.Fatalf("expected error for future schema version")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	db := store.DB()
	if _, err := db.Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = store.Close()

	_, err := persistence.Open(dbPath, nil)
	if err == nil {
		t.Fatalf("expected error for checksum mismatch")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum error, got %v", err)
	}
}
