// Package journal persists the coordinator's swap journal in PostgreSQL for deployments
// that run several daemons against one database.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/klingon-exchange/klingon-htlc/internal/storage"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS htlc_swaps (
    swap_id TEXT PRIMARY KEY,
    role TEXT NOT NULL,
    state TEXT NOT NULL,
    hash TEXT NOT NULL,
    preimage BYTEA,
    own_leg JSONB NOT NULL,
    counter_leg JSONB NOT NULL,
    own_expiry BIGINT NOT NULL,
    counter_expiry BIGINT NOT NULL,
    redeem_tx_id TEXT NOT NULL DEFAULT '',
    refund_tx_id TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS htlc_swaps_state ON htlc_swaps (state);
`

const swapColumns = `swap_id, role, state, hash, preimage, own_leg, counter_leg,
    own_expiry, counter_expiry, redeem_tx_id, refund_tx_id, failure_reason,
    created_at, updated_at, completed_at`

// PostgresJournal stores swap records in a PostgreSQL table.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

// NewPostgres connects using dsn and ensures the table exists.
func NewPostgres(ctx context.Context, dsn string) (*PostgresJournal, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create swap table: %w", err)
	}

	return &PostgresJournal{pool: pool}, nil
}

// Close releases the pool.
func (p *PostgresJournal) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// SaveSwap inserts or updates a record. A stored preimage is never cleared.
func (p *PostgresJournal) SaveSwap(ctx context.Context, swap *storage.SwapRecord) error {
	now := time.Now().UTC()
	if swap.CreatedAt.IsZero() {
		swap.CreatedAt = now
	}
	swap.UpdatedAt = now
	if swap.State.IsTerminal() && swap.CompletedAt.IsZero() {
		swap.CompletedAt = now
	}

	var preimage []byte
	if len(swap.Preimage) > 0 {
		preimage = swap.Preimage
	}

	_, err := p.pool.Exec(ctx, `
INSERT INTO htlc_swaps (`+swapColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (swap_id) DO UPDATE
SET state = EXCLUDED.state,
    preimage = COALESCE(EXCLUDED.preimage, htlc_swaps.preimage),
    own_leg = EXCLUDED.own_leg,
    counter_leg = EXCLUDED.counter_leg,
    own_expiry = EXCLUDED.own_expiry,
    counter_expiry = EXCLUDED.counter_expiry,
    redeem_tx_id = EXCLUDED.redeem_tx_id,
    refund_tx_id = EXCLUDED.refund_tx_id,
    failure_reason = EXCLUDED.failure_reason,
    updated_at = EXCLUDED.updated_at,
    completed_at = EXCLUDED.completed_at
`,
		swap.SwapID, swap.Role, string(swap.State), swap.Hash, preimage,
		string(swap.OwnLeg), string(swap.CounterLeg),
		int64(swap.OwnExpiry), int64(swap.CounterExpiry),
		swap.RedeemTxID, swap.RefundTxID, swap.FailureReason,
		swap.CreatedAt, swap.UpdatedAt, nullTime(swap.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save swap: %w", err)
	}
	return nil
}

// GetSwap returns storage.ErrSwapNotFound for an unknown ID.
func (p *PostgresJournal) GetSwap(ctx context.Context, swapID string) (*storage.SwapRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+swapColumns+` FROM htlc_swaps WHERE swap_id = $1`, swapID)
	return scanSwap(row)
}

// ListSwaps returns the newest swaps first, skipping terminal ones unless includeCompleted.
func (p *PostgresJournal) ListSwaps(ctx context.Context, limit int, includeCompleted bool) ([]*storage.SwapRecord, error) {
	query := `SELECT ` + swapColumns + ` FROM htlc_swaps`
	if !includeCompleted {
		query += ` WHERE state NOT IN ('redeemed', 'refunded', 'failed')`
	}
	query += ` ORDER BY created_at DESC, swap_id ASC`

	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list swaps: %w", err)
	}
	defer rows.Close()

	var swaps []*storage.SwapRecord
	for rows.Next() {
		swap, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, swap)
	}
	return swaps, rows.Err()
}

// UpdateSwapState sets the state, and the failure reason when reason is non-empty.
func (p *PostgresJournal) UpdateSwapState(ctx context.Context, swapID string, state storage.SwapState, reason string) error {
	now := time.Now().UTC()
	var completedAt *time.Time
	if state.IsTerminal() {
		completedAt = &now
	}

	tag, err := p.pool.Exec(ctx, `
UPDATE htlc_swaps
SET state = $1,
    updated_at = $2,
    failure_reason = CASE WHEN $3 <> '' THEN $3 ELSE failure_reason END,
    completed_at = COALESCE($4, completed_at)
WHERE swap_id = $5
`, string(state), now, reason, completedAt, swapID)
	if err != nil {
		return fmt.Errorf("failed to update swap state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrSwapNotFound
	}
	return nil
}

// DeleteSwap removes a record.
func (p *PostgresJournal) DeleteSwap(ctx context.Context, swapID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM htlc_swaps WHERE swap_id = $1`, swapID)
	return err
}

func scanSwap(row pgx.Row) (*storage.SwapRecord, error) {
	var (
		swap                     storage.SwapRecord
		state, ownLeg, counter   string
		ownExpiry, counterExpiry int64
		completedAt              *time.Time
	)

	err := row.Scan(
		&swap.SwapID, &swap.Role, &state, &swap.Hash, &swap.Preimage, &ownLeg, &counter,
		&ownExpiry, &counterExpiry, &swap.RedeemTxID, &swap.RefundTxID, &swap.FailureReason,
		&swap.CreatedAt, &swap.UpdatedAt, &completedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrSwapNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan swap: %w", err)
	}

	swap.State = storage.SwapState(state)
	swap.OwnLeg = []byte(ownLeg)
	swap.CounterLeg = []byte(counter)
	swap.OwnExpiry = uint64(ownExpiry)
	swap.CounterExpiry = uint64(counterExpiry)
	if completedAt != nil {
		swap.CompletedAt = *completedAt
	}
	return &swap, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
