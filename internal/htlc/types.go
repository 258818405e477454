// Package htlc defines the hashed timelock contract model shared by every ledger binding:
// the swap intent record, the three asset models, the coded protocol errors and the
// common contract interface.
package htlc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/klingon-exchange/klingon-htlc/pkg/helpers"
)

// HashSize is the only accepted hash length.
const HashSize = 32

// Hash is the SHA-256 commitment an intent is locked under.
type Hash [HashSize]byte

// HashFromBytes converts a raw hash, rejecting anything that is not exactly 32 bytes.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, ErrInvalidHashLength
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash decodes a hex hash (0x prefix optional).
func ParseHash(s string) (Hash, error) {
	b, err := helpers.HexToBytes(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash hex: %w", err)
	}
	return HashFromBytes(b)
}

// Bytes returns the hash as a slice.
func (h Hash) Bytes() []byte { return h[:] }

// String returns the lowercase hex encoding without prefix.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Principal identifies an account on a ledger: a contract-ledger address, an EVM address,
// or a keyring name on the scripting ledger.
type Principal string

// AssetKind selects the asset model of an intent.
type AssetKind uint8

const (
	AssetNative AssetKind = iota
	AssetFungible
	AssetNonFungible
)

func (k AssetKind) String() string {
	switch k {
	case AssetNative:
		return "native"
	case AssetFungible:
		return "fungible"
	case AssetNonFungible:
		return "non_fungible"
	default:
		return "unknown"
	}
}

// ParseAssetKind parses the String form of an AssetKind.
func ParseAssetKind(s string) (AssetKind, error) {
	switch strings.ToLower(s) {
	case "native", "":
		return AssetNative, nil
	case "fungible", "ft":
		return AssetFungible, nil
	case "non_fungible", "nonfungible", "nft":
		return AssetNonFungible, nil
	default:
		return 0, fmt.Errorf("unknown asset kind: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k AssetKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *AssetKind) UnmarshalText(text []byte) error {
	parsed, err := ParseAssetKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Asset is one of Native{amount}, Fungible{contract, amount} or NonFungible{contract, token_id}.
type Asset struct {
	Kind     AssetKind `json:"kind"`
	Contract string    `json:"contract,omitempty"`
	Amount   uint64    `json:"amount,omitempty"`
	TokenID  uint64    `json:"token_id,omitempty"`
}

// Native returns a native-value asset.
func Native(amount uint64) Asset {
	return Asset{Kind: AssetNative, Amount: amount}
}

// Fungible returns a fungible token asset.
func Fungible(contract string, amount uint64) Asset {
	return Asset{Kind: AssetFungible, Contract: contract, Amount: amount}
}

// NonFungible returns a non-fungible token asset.
func NonFungible(contract string, tokenID uint64) Asset {
	return Asset{Kind: AssetNonFungible, Contract: contract, TokenID: tokenID}
}

// Quantity returns the amount for value assets and the token id for non-fungible ones.
func (a Asset) Quantity() uint64 {
	if a.Kind == AssetNonFungible {
		return a.TokenID
	}
	return a.Amount
}

// IsToken reports whether the asset lives in an external token contract.
func (a Asset) IsToken() bool {
	return a.Kind != AssetNative
}

func (a Asset) String() string {
	switch a.Kind {
	case AssetNative:
		return fmt.Sprintf("native:%d", a.Amount)
	case AssetFungible:
		return fmt.Sprintf("ft:%s:%d", a.Contract, a.Amount)
	case AssetNonFungible:
		return fmt.Sprintf("nft:%s#%d", a.Contract, a.TokenID)
	default:
		return "unknown"
	}
}

// SwapIntent is an outstanding escrow. Its presence in a store is the escrowed state.
type SwapIntent struct {
	Hash             Hash      `json:"hash"`
	Sender           Principal `json:"sender"`
	Recipient        Principal `json:"recipient"`
	ExpirationHeight uint64    `json:"expiration_height"`
	Asset            Asset     `json:"asset"`
	RegisteredHeight uint64    `json:"registered_height"`
}

// State is the abstract state of a swap as seen by every binding.
type State uint8

const (
	StatePending State = iota
	StateResolved
)

func (s State) String() string {
	if s == StatePending {
		return "pending"
	}
	return "resolved"
}

// StateOf maps record presence onto the tagged state.
func StateOf(intent *SwapIntent) State {
	if intent == nil {
		return StateResolved
	}
	return StatePending
}

// Operation names a state transition.
type Operation string

const (
	OpRegister Operation = "register"
	OpSwap     Operation = "swap"
	OpCancel   Operation = "cancel"
)

// Event is the transfer event emitted by a successful transition.
type Event struct {
	Seq      uint64    `json:"seq"`
	Ledger   string    `json:"ledger"`
	Height   uint64    `json:"height"`
	TxID     string    `json:"tx_id"`
	Op       Operation `json:"op"`
	Hash     Hash      `json:"hash"`
	Asset    Asset     `json:"asset"`
	From     Principal `json:"from"`
	To       Principal `json:"to"`
	Preimage HexBytes  `json:"preimage,omitempty"`
}

// Receipt is the outcome of a successful call.
type Receipt struct {
	TxID   string  `json:"tx_id"`
	Height uint64  `json:"height"`
	Events []Event `json:"events"`
}

// WhitelistEntry sets the membership of one token contract.
type WhitelistEntry struct {
	Contract    string `json:"contract"`
	Whitelisted bool   `json:"whitelisted"`
}

// HexBytes marshals to 0x-prefixed hex in JSON.
type HexBytes []byte

// MarshalJSON implements json.Marshaler.
func (b HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(helpers.BytesToHex(b))
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := helpers.HexToBytes(s)
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}
