package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	dbPath := filepath.Join(tmpDir, DefaultDBName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if store.Path() != dbPath {
		t.Errorf("Path() = %s, want %s", store.Path(), dbPath)
	}
}

func TestNewCustomDBName(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := New(&Config{DataDir: tmpDir, DBName: "other.db"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(filepath.Join(tmpDir, "other.db")); err != nil {
		t.Errorf("custom database file missing: %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	expanded := expandPath("~/.test")
	expected := filepath.Join(home, ".test")

	if expanded != expected {
		t.Errorf("expandPath(~/.test) = %s, want %s", expanded, expected)
	}
	if got := expandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("expandPath(/abs/path) = %s", got)
	}
}

func TestStorageSchema(t *testing.T) {
	store := newTestStorage(t)

	tables := []string{"chain_state", "swap_intents", "balances", "nft_owners", "whitelist", "events", "swaps"}
	for _, table := range tables {
		var name string
		err := store.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestReopenKeepsSchema(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	store.Close()

	// Second open runs initSchema and migrations against an existing database.
	store, err = New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	store.Close()
}
