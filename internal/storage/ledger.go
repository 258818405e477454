package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LedgerStore scopes the ledger tables to one hosted ledger.
type LedgerStore struct {
	s    *Storage
	name string
}

// Ledger returns the store of the named ledger.
func (s *Storage) Ledger(name string) *LedgerStore {
	return &LedgerStore{s: s, name: name}
}

// Name returns the ledger name.
func (l *LedgerStore) Name() string {
	return l.name
}

// LedgerTx is one atomic unit of ledger state changes.
// All reads inside Atomic must go through the LedgerTx.
type LedgerTx struct {
	tx     *sql.Tx
	ctx    context.Context
	ledger string
}

// Atomic runs fn in a single database transaction. If fn returns an error nothing it
// wrote is kept, including events.
func (l *LedgerStore) Atomic(ctx context.Context, fn func(*LedgerTx) error) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	tx, err := l.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	ltx := &LedgerTx{tx: tx, ctx: ctx, ledger: l.name}
	if err := fn(ltx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Height returns the current height of the ledger, 0 if it was never set.
func (l *LedgerStore) Height(ctx context.Context) (uint64, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	var height int64
	err := l.s.db.QueryRowContext(ctx,
		"SELECT height FROM chain_state WHERE ledger = ?", l.name).Scan(&height)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get height: %w", err)
	}
	return uint64(height), nil
}

// Height returns the ledger height as seen by this transaction.
func (t *LedgerTx) Height() (uint64, error) {
	var height int64
	err := t.tx.QueryRowContext(t.ctx,
		"SELECT height FROM chain_state WHERE ledger = ?", t.ledger).Scan(&height)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get height: %w", err)
	}
	return uint64(height), nil
}

// Initialized reports whether the ledger has a stored height, i.e. genesis has been applied.
func (t *LedgerTx) Initialized() (bool, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx,
		"SELECT COUNT(*) FROM chain_state WHERE ledger = ?", t.ledger).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to read chain state: %w", err)
	}
	return n > 0, nil
}

// SetHeight stores the ledger height.
func (t *LedgerTx) SetHeight(height uint64) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO chain_state (ledger, height, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(ledger) DO UPDATE SET height = excluded.height, updated_at = excluded.updated_at
	`, t.ledger, int64(height), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set height: %w", err)
	}
	return nil
}
