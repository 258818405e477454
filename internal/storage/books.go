package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
)

// Balance returns the balance of owner in contract ("" for the native asset).
func (t *LedgerTx) Balance(owner htlc.Principal, contract string) (uint64, error) {
	var amount int64
	err := t.tx.QueryRowContext(t.ctx,
		"SELECT amount FROM balances WHERE ledger = ? AND owner = ? AND contract = ?",
		t.ledger, string(owner), contract).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return uint64(amount), nil
}

// SetBalance overwrites the balance of owner in contract.
func (t *LedgerTx) SetBalance(owner htlc.Principal, contract string, amount uint64) error {
	if amount == 0 {
		_, err := t.tx.ExecContext(t.ctx,
			"DELETE FROM balances WHERE ledger = ? AND owner = ? AND contract = ?",
			t.ledger, string(owner), contract)
		if err != nil {
			return fmt.Errorf("failed to clear balance: %w", err)
		}
		return nil
	}

	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO balances (ledger, owner, contract, amount) VALUES (?, ?, ?, ?)
		ON CONFLICT(ledger, owner, contract) DO UPDATE SET amount = excluded.amount
	`, t.ledger, string(owner), contract, int64(amount))
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	return nil
}

// OwnerOf returns the owner of a non-fungible token, "" if it does not exist.
func (t *LedgerTx) OwnerOf(contract string, tokenID uint64) (htlc.Principal, error) {
	var owner string
	err := t.tx.QueryRowContext(t.ctx,
		"SELECT owner FROM nft_owners WHERE ledger = ? AND contract = ? AND token_id = ?",
		t.ledger, contract, int64(tokenID)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get token owner: %w", err)
	}
	return htlc.Principal(owner), nil
}

// SetOwner assigns a non-fungible token to owner.
func (t *LedgerTx) SetOwner(contract string, tokenID uint64, owner htlc.Principal) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO nft_owners (ledger, contract, token_id, owner) VALUES (?, ?, ?, ?)
		ON CONFLICT(ledger, contract, token_id) DO UPDATE SET owner = excluded.owner
	`, t.ledger, contract, int64(tokenID), string(owner))
	if err != nil {
		return fmt.Errorf("failed to set token owner: %w", err)
	}
	return nil
}

// IsWhitelisted reports whether contract is approved in namespace.
func (t *LedgerTx) IsWhitelisted(namespace, contract string) (bool, error) {
	var whitelisted int
	err := t.tx.QueryRowContext(t.ctx,
		"SELECT whitelisted FROM whitelist WHERE ledger = ? AND namespace = ? AND contract = ?",
		t.ledger, namespace, contract).Scan(&whitelisted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get whitelist entry: %w", err)
	}
	return whitelisted == 1, nil
}

// SetWhitelisted records the membership of contract in namespace.
func (t *LedgerTx) SetWhitelisted(namespace, contract string, whitelisted bool, height uint64) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO whitelist (ledger, namespace, contract, whitelisted, updated_height)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ledger, namespace, contract) DO UPDATE SET
			whitelisted = excluded.whitelisted,
			updated_height = excluded.updated_height
	`, t.ledger, namespace, contract, boolToInt(whitelisted), int64(height))
	if err != nil {
		return fmt.Errorf("failed to set whitelist entry: %w", err)
	}
	return nil
}
