package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/klingon-htlc/pkg/helpers"
)

// Swap journal errors
var (
	ErrSwapNotFound = errors.New("swap not found")
)

// SwapState represents the coordinator's view of a cross-ledger swap.
type SwapState string

const (
	// SwapStateInit: created, own leg not registered yet.
	SwapStateInit SwapState = "init"
	// SwapStateLocked: own leg registered.
	SwapStateLocked SwapState = "locked"
	// SwapStateRedeemed: counter leg claimed by us.
	SwapStateRedeemed SwapState = "redeemed"
	// SwapStateRefunded: own leg cancelled after expiry.
	SwapStateRefunded SwapState = "refunded"
	SwapStateFailed   SwapState = "failed"
)

// IsTerminal reports whether no further action is taken for a swap in this state.
func (s SwapState) IsTerminal() bool {
	switch s {
	case SwapStateRedeemed, SwapStateRefunded, SwapStateFailed:
		return true
	}
	return false
}

// SwapRecord is a persisted cross-ledger swap.
// It holds everything needed to redeem or refund after a restart.
type SwapRecord struct {
	SwapID string    `json:"swap_id"`
	Role   string    `json:"role"` // "initiator" or "participant"
	State  SwapState `json:"state"`

	Hash string `json:"hash"`
	// Preimage is known from the start by the initiator, and by the participant once revealed.
	Preimage []byte `json:"preimage,omitempty"`

	// Legs are opaque JSON owned by the coordinator.
	OwnLeg     json.RawMessage `json:"own_leg"`
	CounterLeg json.RawMessage `json:"counter_leg"`

	OwnExpiry     uint64 `json:"own_expiry"`
	CounterExpiry uint64 `json:"counter_expiry"`

	RedeemTxID    string `json:"redeem_txid,omitempty"`
	RefundTxID    string `json:"refund_txid,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

const swapColumns = `swap_id, role, state, hash, preimage, own_leg, counter_leg,
	own_expiry, counter_expiry, redeem_tx_id, refund_tx_id, failure_reason,
	created_at, updated_at, completed_at`

// SaveSwap saves or updates a swap record.
// Uses UPSERT pattern - creates if not exists, updates if exists.
func (s *Storage) SaveSwap(ctx context.Context, swap *SwapRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if swap.CreatedAt.IsZero() {
		swap.CreatedAt = now
	}
	swap.UpdatedAt = now
	if swap.State.IsTerminal() && swap.CompletedAt.IsZero() {
		swap.CompletedAt = now
	}

	var preimage sql.NullString
	if len(swap.Preimage) > 0 {
		preimage = nullString(helpers.BytesToHex(swap.Preimage))
	}

	query := `
		INSERT INTO swaps (` + swapColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(swap_id) DO UPDATE SET
			state = excluded.state,
			preimage = COALESCE(excluded.preimage, swaps.preimage),
			own_leg = excluded.own_leg,
			counter_leg = excluded.counter_leg,
			own_expiry = excluded.own_expiry,
			counter_expiry = excluded.counter_expiry,
			redeem_tx_id = excluded.redeem_tx_id,
			refund_tx_id = excluded.refund_tx_id,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		swap.SwapID,
		swap.Role,
		string(swap.State),
		swap.Hash,
		preimage,
		string(swap.OwnLeg),
		string(swap.CounterLeg),
		int64(swap.OwnExpiry),
		int64(swap.CounterExpiry),
		nullString(swap.RedeemTxID),
		nullString(swap.RefundTxID),
		nullString(swap.FailureReason),
		swap.CreatedAt.Unix(),
		swap.UpdatedAt.Unix(),
		timeToUnixOrZero(swap.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save swap: %w", err)
	}
	return nil
}

// GetSwap retrieves a swap by ID.
func (s *Storage) GetSwap(ctx context.Context, swapID string) (*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+swapColumns+` FROM swaps WHERE swap_id = ?`, swapID)
	return scanSwapRecord(row)
}

// ListSwaps returns the newest swaps first, skipping terminal ones unless includeCompleted.
func (s *Storage) ListSwaps(ctx context.Context, limit int, includeCompleted bool) ([]*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + swapColumns + ` FROM swaps`
	if !includeCompleted {
		query += ` WHERE state NOT IN ('redeemed', 'refunded', 'failed')`
	}
	query += ` ORDER BY created_at DESC, swap_id ASC`

	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list swaps: %w", err)
	}
	defer rows.Close()

	var swaps []*SwapRecord
	for rows.Next() {
		swap, err := scanSwapRecord(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, swap)
	}
	return swaps, rows.Err()
}

// UpdateSwapState updates the state of a swap. reason is stored as the failure reason when set.
func (s *Storage) UpdateSwapState(ctx context.Context, swapID string, state SwapState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	var completedAt int64
	if state.IsTerminal() {
		completedAt = now
	}

	query := `
		UPDATE swaps
		SET state = ?, updated_at = ?,
			failure_reason = COALESCE(?, failure_reason),
			completed_at = CASE WHEN ? > 0 THEN ? ELSE completed_at END
		WHERE swap_id = ?
	`

	result, err := s.db.ExecContext(ctx, query, string(state), now, nullString(reason),
		completedAt, completedAt, swapID)
	if err != nil {
		return fmt.Errorf("failed to update swap state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSwapNotFound
	}
	return nil
}

// DeleteSwap removes a swap from the journal.
func (s *Storage) DeleteSwap(ctx context.Context, swapID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM swaps WHERE swap_id = ?", swapID)
	return err
}

func scanSwapRecord(row scanner) (*SwapRecord, error) {
	var (
		swap                         SwapRecord
		state, ownLeg, counterLeg    string
		preimage, redeemTx, refundTx sql.NullString
		failureReason                sql.NullString
		ownExpiry, counterExpiry     int64
		createdAt, updatedAt         int64
		completedAt                  sql.NullInt64
	)

	err := row.Scan(
		&swap.SwapID, &swap.Role, &state, &swap.Hash, &preimage, &ownLeg, &counterLeg,
		&ownExpiry, &counterExpiry, &redeemTx, &refundTx, &failureReason,
		&createdAt, &updatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSwapNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan swap: %w", err)
	}

	swap.State = SwapState(state)
	swap.OwnLeg = json.RawMessage(ownLeg)
	swap.CounterLeg = json.RawMessage(counterLeg)
	swap.OwnExpiry = uint64(ownExpiry)
	swap.CounterExpiry = uint64(counterExpiry)
	swap.RedeemTxID = redeemTx.String
	swap.RefundTxID = refundTx.String
	swap.FailureReason = failureReason.String
	swap.CreatedAt = time.Unix(createdAt, 0)
	swap.UpdatedAt = time.Unix(updatedAt, 0)
	if completedAt.Valid && completedAt.Int64 > 0 {
		swap.CompletedAt = time.Unix(completedAt.Int64, 0)
	}

	if preimage.Valid {
		b, err := helpers.HexToBytes(preimage.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt swap preimage: %w", err)
		}
		swap.Preimage = b
	}

	return &swap, nil
}

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
