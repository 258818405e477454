package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
	"github.com/klingon-exchange/klingon-htlc/pkg/helpers"
)

// AppendEvent appends ev to the ledger's event log and sets ev.Seq.
func (t *LedgerTx) AppendEvent(namespace string, ev *htlc.Event) error {
	var preimage sql.NullString
	if len(ev.Preimage) > 0 {
		preimage = nullString(helpers.BytesToHex(ev.Preimage))
	}

	result, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO events (
			ledger, namespace, height, tx_id, op, hash,
			asset_kind, asset_contract, amount, token_id,
			from_principal, to_principal, preimage, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ledger, namespace, int64(ev.Height), ev.TxID, string(ev.Op), ev.Hash.String(),
		ev.Asset.Kind.String(), ev.Asset.Contract, int64(ev.Asset.Amount), int64(ev.Asset.TokenID),
		string(ev.From), string(ev.To), preimage, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read event sequence: %w", err)
	}
	ev.Seq = uint64(seq)
	ev.Ledger = t.ledger
	return nil
}

// EventFilter narrows Events. Zero fields match everything.
type EventFilter struct {
	Namespace string
	Hash      *htlc.Hash
	Op        htlc.Operation
	AfterSeq  uint64
	Limit     int
}

// Events returns the ledger's events in append order.
func (l *LedgerStore) Events(ctx context.Context, f EventFilter) ([]htlc.Event, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	query := `SELECT seq, height, tx_id, op, hash, asset_kind, asset_contract, amount, token_id,
		from_principal, to_principal, preimage
		FROM events WHERE ledger = ? AND seq > ?`
	args := []interface{}{l.name, int64(f.AfterSeq)}

	if f.Namespace != "" {
		query += " AND namespace = ?"
		args = append(args, f.Namespace)
	}
	if f.Hash != nil {
		query += " AND hash = ?"
		args = append(args, f.Hash.String())
	}
	if f.Op != "" {
		query += " AND op = ?"
		args = append(args, string(f.Op))
	}

	query += " ORDER BY seq ASC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []htlc.Event
	for rows.Next() {
		var (
			seq, height, amount, tokenID   int64
			txID, op, hash, kind, contract string
			from, to                       string
			preimage                       sql.NullString
		)
		if err := rows.Scan(&seq, &height, &txID, &op, &hash, &kind, &contract, &amount, &tokenID,
			&from, &to, &preimage); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		h, err := htlc.ParseHash(hash)
		if err != nil {
			return nil, err
		}
		assetKind, err := htlc.ParseAssetKind(kind)
		if err != nil {
			return nil, err
		}

		ev := htlc.Event{
			Seq:    uint64(seq),
			Ledger: l.name,
			Height: uint64(height),
			TxID:   txID,
			Op:     htlc.Operation(op),
			Hash:   h,
			Asset: htlc.Asset{
				Kind:     assetKind,
				Contract: contract,
				Amount:   uint64(amount),
				TokenID:  uint64(tokenID),
			},
			From: htlc.Principal(from),
			To:   htlc.Principal(to),
		}
		if preimage.Valid {
			b, err := helpers.HexToBytes(preimage.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt event preimage: %w", err)
			}
			ev.Preimage = b
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
