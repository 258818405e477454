// Package asset moves escrowed value between principals and the HTLC custody principal
// for the three asset models: native value, fungible tokens and non-fungible tokens.
package asset

import (
	"fmt"

	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
)

// Books is the balance and ownership state of one ledger.
// A contract of "" denotes the ledger's native asset.
type Books interface {
	Balance(owner htlc.Principal, contract string) (uint64, error)
	SetBalance(owner htlc.Principal, contract string, amount uint64) error
	OwnerOf(contract string, tokenID uint64) (htlc.Principal, error)
	SetOwner(contract string, tokenID uint64, owner htlc.Principal) error
}

// Whitelist reports whether a token contract may be escrowed.
type Whitelist interface {
	IsWhitelisted(contract string) (bool, error)
}

// Adapter performs escrow transfers on behalf of an HTLC deployment.
type Adapter struct {
	custody htlc.Principal
}

// NewAdapter returns an adapter escrowing into custody.
func NewAdapter(custody htlc.Principal) *Adapter {
	return &Adapter{custody: custody}
}

// Custody returns the principal holding escrowed assets.
func (a *Adapter) Custody() htlc.Principal {
	return a.custody
}

// Escrow moves asset from sender into custody. Transfer preconditions are checked first,
// then token contracts must be whitelisted. A nil whitelist allows every contract.
func (a *Adapter) Escrow(books Books, wl Whitelist, asset htlc.Asset, sender htlc.Principal) error {
	if err := CheckTransfer(books, asset, sender); err != nil {
		return err
	}
	if asset.IsToken() && wl != nil {
		ok, err := wl.IsWhitelisted(asset.Contract)
		if err != nil {
			return err
		}
		if !ok {
			return htlc.ErrAssetNotWhitelisted
		}
	}
	return move(books, asset, sender, a.custody)
}

// Release moves an escrowed asset out of custody to recipient (claim) or back to the
// sender (refund).
func (a *Adapter) Release(books Books, asset htlc.Asset, to htlc.Principal) error {
	if err := transfer(books, asset, a.custody, to); err != nil {
		return fmt.Errorf("custody cannot release %s: %w", asset, err)
	}
	return nil
}

func transfer(books Books, asset htlc.Asset, from, to htlc.Principal) error {
	if err := CheckTransfer(books, asset, from); err != nil {
		return err
	}
	return move(books, asset, from, to)
}

// CheckTransfer validates that from can transfer asset, returning
// NonPositiveAmount, InsufficientBalance or NotOwner. Token id 0 is not a token.
func CheckTransfer(books Books, asset htlc.Asset, from htlc.Principal) error {
	switch asset.Kind {
	case htlc.AssetNative, htlc.AssetFungible:
		if asset.Amount == 0 {
			return htlc.ErrNonPositiveAmount
		}
		bal, err := books.Balance(from, contractKey(asset))
		if err != nil {
			return err
		}
		if bal < asset.Amount {
			return htlc.ErrInsufficientBalance
		}
		return nil

	case htlc.AssetNonFungible:
		if asset.TokenID == 0 {
			return htlc.ErrNonPositiveAmount
		}
		owner, err := books.OwnerOf(asset.Contract, asset.TokenID)
		if err != nil {
			return err
		}
		if owner != from {
			return htlc.ErrNotOwner
		}
		return nil

	default:
		return fmt.Errorf("unsupported asset kind %d", asset.Kind)
	}
}

// Mint credits a newly created asset to owner. Minting an existing token to a different
// owner fails.
func Mint(books Books, asset htlc.Asset, owner htlc.Principal) error {
	switch asset.Kind {
	case htlc.AssetNative, htlc.AssetFungible:
		if asset.Amount == 0 {
			return htlc.ErrNonPositiveAmount
		}
		bal, err := books.Balance(owner, contractKey(asset))
		if err != nil {
			return err
		}
		if bal+asset.Amount < bal {
			return fmt.Errorf("balance overflow minting %s", asset)
		}
		return books.SetBalance(owner, contractKey(asset), bal+asset.Amount)

	case htlc.AssetNonFungible:
		if asset.TokenID == 0 {
			return htlc.ErrNonPositiveAmount
		}
		current, err := books.OwnerOf(asset.Contract, asset.TokenID)
		if err != nil {
			return err
		}
		if current != "" && current != owner {
			return fmt.Errorf("token %s already owned by %s", asset, current)
		}
		return books.SetOwner(asset.Contract, asset.TokenID, owner)

	default:
		return fmt.Errorf("unsupported asset kind %d", asset.Kind)
	}
}

func move(books Books, asset htlc.Asset, from, to htlc.Principal) error {
	if asset.Kind == htlc.AssetNonFungible {
		return books.SetOwner(asset.Contract, asset.TokenID, to)
	}
	if from == to {
		return nil
	}

	key := contractKey(asset)
	fromBal, err := books.Balance(from, key)
	if err != nil {
		return err
	}
	toBal, err := books.Balance(to, key)
	if err != nil {
		return err
	}
	if err := books.SetBalance(from, key, fromBal-asset.Amount); err != nil {
		return err
	}
	return books.SetBalance(to, key, toBal+asset.Amount)
}

func contractKey(asset htlc.Asset) string {
	if asset.Kind == htlc.AssetNative {
		return ""
	}
	return asset.Contract
}
