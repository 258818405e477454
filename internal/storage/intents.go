package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
)

// Intent errors.
var (
	ErrIntentExists = errors.New("swap intent already stored")
)

const intentColumns = `hash, sender, recipient, expiration_height, asset_kind, asset_contract,
	amount, token_id, registered_height`

// GetIntent returns the pending intent stored under hash in namespace, or nil.
func (t *LedgerTx) GetIntent(namespace string, hash htlc.Hash) (*htlc.SwapIntent, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+intentColumns+`
		FROM swap_intents WHERE ledger = ? AND namespace = ? AND hash = ?`,
		t.ledger, namespace, hash.String())

	intent, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get swap intent: %w", err)
	}
	return intent, nil
}

// InsertIntent stores a new intent. It fails with ErrIntentExists if the hash is taken.
func (t *LedgerTx) InsertIntent(namespace string, intent *htlc.SwapIntent) error {
	existing, err := t.GetIntent(namespace, intent.Hash)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrIntentExists
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO swap_intents (
			ledger, namespace, `+intentColumns+`, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ledger, namespace,
		intent.Hash.String(),
		string(intent.Sender),
		string(intent.Recipient),
		int64(intent.ExpirationHeight),
		intent.Asset.Kind.String(),
		intent.Asset.Contract,
		int64(intent.Asset.Amount),
		int64(intent.Asset.TokenID),
		int64(intent.RegisteredHeight),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert swap intent: %w", err)
	}
	return nil
}

// DeleteIntent removes the intent stored under hash. Deleting a missing intent is an error.
func (t *LedgerTx) DeleteIntent(namespace string, hash htlc.Hash) error {
	result, err := t.tx.ExecContext(t.ctx,
		"DELETE FROM swap_intents WHERE ledger = ? AND namespace = ? AND hash = ?",
		t.ledger, namespace, hash.String())
	if err != nil {
		return fmt.Errorf("failed to delete swap intent: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("swap intent %s not stored", hash)
	}
	return nil
}

// IntentFilter narrows ListIntents.
type IntentFilter struct {
	Namespace string
	Sender    htlc.Principal
	// ExpiredAt lists only intents refundable at this height when non-zero.
	ExpiredAt uint64
	Limit     int
}

// ListIntents returns pending intents ordered by expiry.
func (l *LedgerStore) ListIntents(ctx context.Context, f IntentFilter) ([]*htlc.SwapIntent, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	query := `SELECT ` + intentColumns + ` FROM swap_intents WHERE ledger = ?`
	args := []interface{}{l.name}

	if f.Namespace != "" {
		query += " AND namespace = ?"
		args = append(args, f.Namespace)
	}
	if f.Sender != "" {
		query += " AND sender = ?"
		args = append(args, string(f.Sender))
	}
	if f.ExpiredAt > 0 {
		query += " AND expiration_height <= ?"
		args = append(args, int64(f.ExpiredAt))
	}

	query += " ORDER BY expiration_height ASC, hash ASC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list swap intents: %w", err)
	}
	defer rows.Close()

	var intents []*htlc.SwapIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan swap intent: %w", err)
		}
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIntent(row scanner) (*htlc.SwapIntent, error) {
	var (
		hash, sender, recipient, kind, contract string
		expiration, amount, tokenID, registered int64
	)
	if err := row.Scan(&hash, &sender, &recipient, &expiration, &kind, &contract,
		&amount, &tokenID, &registered); err != nil {
		return nil, err
	}

	h, err := htlc.ParseHash(hash)
	if err != nil {
		return nil, err
	}
	assetKind, err := htlc.ParseAssetKind(kind)
	if err != nil {
		return nil, err
	}

	return &htlc.SwapIntent{
		Hash:             h,
		Sender:           htlc.Principal(sender),
		Recipient:        htlc.Principal(recipient),
		ExpirationHeight: uint64(expiration),
		Asset: htlc.Asset{
			Kind:     assetKind,
			Contract: contract,
			Amount:   uint64(amount),
			TokenID:  uint64(tokenID),
		},
		RegisteredHeight: uint64(registered),
	}, nil
}
