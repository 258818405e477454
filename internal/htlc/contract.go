package htlc

import (
	"context"
	"errors"
)

// ErrPreimageNotFound is returned by a PreimageSource that has not seen a claim yet.
var ErrPreimageNotFound = errors.New("preimage not revealed")

// RegisterRequest registers a swap intent. Caller is the sender and funds the escrow.
type RegisterRequest struct {
	Caller           Principal `json:"caller"`
	Hash             []byte    `json:"hash"`
	ExpirationHeight uint64    `json:"expiration_height"`
	Recipient        Principal `json:"recipient"`
	Asset            Asset     `json:"asset"`
}

// SwapRequest claims an intent. Caller is only recorded; the preimage is the authorization.
type SwapRequest struct {
	Caller        Principal `json:"caller"`
	Sender        Principal `json:"sender"`
	Preimage      []byte    `json:"preimage"`
	AssetContract string    `json:"asset_contract,omitempty"`
}

// CancelRequest refunds an expired intent to its sender, who must be the caller.
type CancelRequest struct {
	Caller        Principal `json:"caller"`
	Hash          []byte    `json:"hash"`
	AssetContract string    `json:"asset_contract,omitempty"`
}

// Contract is the HTLC state machine as exposed by every ledger binding.
type Contract interface {
	// Name identifies the deployment, e.g. "stx/native" or "btc".
	Name() string
	Height(ctx context.Context) (uint64, error)
	Register(ctx context.Context, req RegisterRequest) (*Receipt, error)
	Swap(ctx context.Context, req SwapRequest) (*Receipt, error)
	Cancel(ctx context.Context, req CancelRequest) (*Receipt, error)
}

// IntentReader is implemented by bindings with durable application state.
// GetSwapIntent returns nil, nil when no record exists.
type IntentReader interface {
	GetSwapIntent(ctx context.Context, hash Hash, sender Principal) (*SwapIntent, error)
}

// WhitelistAdmin is implemented by token deployments.
type WhitelistAdmin interface {
	SetWhitelisted(ctx context.Context, caller Principal, entries []WhitelistEntry) (*Receipt, error)
}

// PreimageSource lets an off-chain observer recover a preimage revealed by a claim.
type PreimageSource interface {
	FindPreimage(ctx context.Context, hash Hash) ([]byte, error)
}
