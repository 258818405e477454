// Package storage provides persistent storage using SQLite: the swap intent store and asset
// books of the rich-state ledgers, their event logs, and the coordinator's swap journal.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBName is the database file created inside the data directory.
const DefaultDBName = "htlc.db"

// Storage provides persistent storage for the HTLC daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
	// DBName overrides DefaultDBName.
	DBName string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	name := cfg.DBName
	if name == "" {
		name = DefaultDBName
	}
	dbPath := filepath.Join(dataDir, name)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite has a single writer; one connection also makes every Atomic call strictly serial.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// Ping checks that the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) initSchema() error {
	schema := `
	-- Current height of each hosted ledger
	CREATE TABLE IF NOT EXISTS chain_state (
		ledger TEXT PRIMARY KEY,
		height INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	-- Outstanding escrows. A row exists exactly while the intent is pending.
	CREATE TABLE IF NOT EXISTS swap_intents (
		ledger TEXT NOT NULL,
		namespace TEXT NOT NULL,
		hash TEXT NOT NULL,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		expiration_height INTEGER NOT NULL,
		asset_kind TEXT NOT NULL,
		asset_contract TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL DEFAULT 0,
		token_id INTEGER NOT NULL DEFAULT 0,
		registered_height INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (ledger, namespace, hash)
	);

	CREATE INDEX IF NOT EXISTS idx_swap_intents_sender ON swap_intents(ledger, sender);
	CREATE INDEX IF NOT EXISTS idx_swap_intents_expiry ON swap_intents(ledger, expiration_height);

	-- Native (contract = '') and fungible token balances
	CREATE TABLE IF NOT EXISTS balances (
		ledger TEXT NOT NULL,
		owner TEXT NOT NULL,
		contract TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (ledger, owner, contract)
	);

	-- Non-fungible token ownership
	CREATE TABLE IF NOT EXISTS nft_owners (
		ledger TEXT NOT NULL,
		contract TEXT NOT NULL,
		token_id INTEGER NOT NULL,
		owner TEXT NOT NULL,
		PRIMARY KEY (ledger, contract, token_id)
	);

	CREATE INDEX IF NOT EXISTS idx_nft_owners_owner ON nft_owners(ledger, owner);

	-- Token contracts approved for escrow, per deployment
	CREATE TABLE IF NOT EXISTS whitelist (
		ledger TEXT NOT NULL,
		namespace TEXT NOT NULL,
		contract TEXT NOT NULL,
		whitelisted INTEGER NOT NULL,
		updated_height INTEGER NOT NULL,
		PRIMARY KEY (ledger, namespace, contract)
	);

	-- Transfer events of successful transitions
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		ledger TEXT NOT NULL,
		namespace TEXT NOT NULL,
		height INTEGER NOT NULL,
		tx_id TEXT NOT NULL,
		op TEXT NOT NULL,
		hash TEXT NOT NULL,
		asset_kind TEXT NOT NULL,
		asset_contract TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL DEFAULT 0,
		token_id INTEGER NOT NULL DEFAULT 0,
		from_principal TEXT NOT NULL,
		to_principal TEXT NOT NULL,
		preimage TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_hash ON events(ledger, hash, op);
	CREATE INDEX IF NOT EXISTS idx_events_ledger_seq ON events(ledger, seq);

	-- Coordinator journal: cross-ledger swaps this node takes part in
	CREATE TABLE IF NOT EXISTS swaps (
		swap_id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		state TEXT NOT NULL,
		hash TEXT NOT NULL,
		preimage TEXT,
		own_leg TEXT NOT NULL,
		counter_leg TEXT NOT NULL,
		own_expiry INTEGER NOT NULL DEFAULT 0,
		counter_expiry INTEGER NOT NULL DEFAULT 0,
		redeem_tx_id TEXT,
		refund_tx_id TEXT,
		failure_reason TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_state ON swaps(state);
	CREATE INDEX IF NOT EXISTS idx_swaps_hash ON swaps(hash);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations applies additive schema changes to databases created by older builds.
// Errors are ignored since columns may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE swaps ADD COLUMN failure_reason TEXT",
	}

	for _, migration := range migrations {
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
