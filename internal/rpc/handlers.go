package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingon-htlc/internal/config"
	"github.com/klingon-exchange/klingon-htlc/internal/coordinator"
	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
	"github.com/klingon-exchange/klingon-htlc/internal/storage"
	"github.com/klingon-exchange/klingon-htlc/pkg/helpers"
)

// Version of the daemon
const Version = "0.1.0-dev"

// ========================================
// Node handlers
// ========================================

// NodeInfoResult is the response for node_info.
type NodeInfoResult struct {
	Version   string   `json:"version"`
	Ledgers   []string `json:"ledgers"`
	WSClients int      `json:"ws_clients"`
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return &NodeInfoResult{
		Version:   Version,
		Ledgers:   s.coordinator.Ledgers(),
		WSClients: s.wsHub.ClientCount(),
	}, nil
}

// ========================================
// Contract handlers
// ========================================

// RegisterParams is the request for htlc_register.
type RegisterParams struct {
	Ledger           string         `json:"ledger"`
	Caller           htlc.Principal `json:"caller"`
	Hash             htlc.HexBytes  `json:"hash"`
	ExpirationHeight uint64         `json:"expiration_height"`
	Recipient        htlc.Principal `json:"recipient"`
	Asset            htlc.Asset     `json:"asset"`
}

// IntentParams is the request for htlc_getSwapIntent.
type IntentParams struct {
	Ledger string         `json:"ledger"`
	Hash   htlc.HexBytes  `json:"hash"`
	Sender htlc.Principal `json:"sender"`
}

// ListIntentsParams is the request for htlc_listIntents.
type ListIntentsParams struct {
	Ledger  string         `json:"ledger"`
	Sender  htlc.Principal `json:"sender,omitempty"`
	Expired bool           `json:"expired,omitempty"`
}

// IntentResult is the response for htlc_getSwapIntent. Intent is nil once resolved.
type IntentResult struct {
	State  string           `json:"state"`
	Intent *htlc.SwapIntent `json:"intent"`
}

// SwapParams is the request for htlc_swap.
type SwapParams struct {
	Ledger        string         `json:"ledger"`
	Caller        htlc.Principal `json:"caller"`
	Sender        htlc.Principal `json:"sender"`
	Preimage      htlc.HexBytes  `json:"preimage"`
	AssetContract string         `json:"asset_contract,omitempty"`
}

// CancelParams is the request for htlc_cancel.
type CancelParams struct {
	Ledger        string         `json:"ledger"`
	Caller        htlc.Principal `json:"caller"`
	Hash          htlc.HexBytes  `json:"hash"`
	AssetContract string         `json:"asset_contract,omitempty"`
}

// WhitelistParams is the request for htlc_setWhitelisted.
type WhitelistParams struct {
	Ledger  string                `json:"ledger"`
	Caller  htlc.Principal        `json:"caller"`
	Entries []htlc.WhitelistEntry `json:"entries"`
}

// IsWhitelistedParams is the request for htlc_isWhitelisted.
type IsWhitelistedParams struct {
	Ledger   string `json:"ledger"`
	Contract string `json:"contract"`
}

// FindPreimageParams is the request for htlc_findPreimage.
type FindPreimageParams struct {
	Ledger string    `json:"ledger"`
	Hash   htlc.Hash `json:"hash"`
}

type whitelistReader interface {
	IsWhitelisted(ctx context.Context, contract string) (bool, error)
}

func (s *Server) contract(name string) (htlc.Contract, error) {
	if name == "" {
		return nil, invalidParams("ledger is required")
	}
	return s.coordinator.Contract(name)
}

func (s *Server) htlcRegister(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p RegisterParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	c, err := s.contract(p.Ledger)
	if err != nil {
		return nil, err
	}
	rcpt, err := c.Register(ctx, htlc.RegisterRequest{
		Caller:           p.Caller,
		Hash:             p.Hash,
		ExpirationHeight: p.ExpirationHeight,
		Recipient:        p.Recipient,
		Asset:            p.Asset,
	})
	s.metrics.IncCall(p.Ledger, string(htlc.OpRegister), err)
	return rcpt, err
}

func (s *Server) htlcGetSwapIntent(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p IntentParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	c, err := s.contract(p.Ledger)
	if err != nil {
		return nil, err
	}
	reader, ok := c.(htlc.IntentReader)
	if !ok {
		return nil, fmt.Errorf("%s does not expose intents", p.Ledger)
	}
	hash, err := htlc.HashFromBytes(p.Hash)
	if err != nil {
		// A hash of the wrong length can never name a record.
		return &IntentResult{State: htlc.StateResolved.String()}, nil
	}
	intent, err := reader.GetSwapIntent(ctx, hash, p.Sender)
	if err != nil {
		return nil, err
	}
	return &IntentResult{State: htlc.StateOf(intent).String(), Intent: intent}, nil
}

type intentLister interface {
	ListIntents(ctx context.Context, sender htlc.Principal, expired bool) ([]*htlc.SwapIntent, error)
}

func (s *Server) htlcListIntents(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ListIntentsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	c, err := s.contract(p.Ledger)
	if err != nil {
		return nil, err
	}
	lister, ok := c.(intentLister)
	if !ok {
		return nil, fmt.Errorf("%s does not expose intents", p.Ledger)
	}
	intents, err := lister.ListIntents(ctx, p.Sender, p.Expired)
	if err != nil {
		return nil, err
	}
	if intents == nil {
		intents = []*htlc.SwapIntent{}
	}
	return intents, nil
}

func (s *Server) htlcSwap(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	c, err := s.contract(p.Ledger)
	if err != nil {
		return nil, err
	}
	rcpt, err := c.Swap(ctx, htlc.SwapRequest{
		Caller:        p.Caller,
		Sender:        p.Sender,
		Preimage:      p.Preimage,
		AssetContract: p.AssetContract,
	})
	s.metrics.IncCall(p.Ledger, string(htlc.OpSwap), err)
	return rcpt, err
}

func (s *Server) htlcCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CancelParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	c, err := s.contract(p.Ledger)
	if err != nil {
		return nil, err
	}
	rcpt, err := c.Cancel(ctx, htlc.CancelRequest{
		Caller:        p.Caller,
		Hash:          p.Hash,
		AssetContract: p.AssetContract,
	})
	s.metrics.IncCall(p.Ledger, string(htlc.OpCancel), err)
	return rcpt, err
}

func (s *Server) htlcSetWhitelisted(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WhitelistParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	c, err := s.contract(p.Ledger)
	if err != nil {
		return nil, err
	}
	admin, ok := c.(htlc.WhitelistAdmin)
	if !ok {
		return nil, fmt.Errorf("%s has no whitelist", p.Ledger)
	}
	return admin.SetWhitelisted(ctx, p.Caller, p.Entries)
}

func (s *Server) htlcIsWhitelisted(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p IsWhitelistedParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	c, err := s.contract(p.Ledger)
	if err != nil {
		return nil, err
	}
	reader, ok := c.(whitelistReader)
	if !ok {
		return nil, fmt.Errorf("%s has no whitelist", p.Ledger)
	}
	listed, err := reader.IsWhitelisted(ctx, p.Contract)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"whitelisted": listed}, nil
}

func (s *Server) htlcFindPreimage(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p FindPreimageParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	c, err := s.contract(p.Ledger)
	if err != nil {
		return nil, err
	}
	src, ok := c.(htlc.PreimageSource)
	if !ok {
		return nil, fmt.Errorf("%w: %s", coordinator.ErrNoPreimageSource, p.Ledger)
	}
	preimage, err := src.FindPreimage(ctx, p.Hash)
	if err != nil {
		return nil, err
	}
	return map[string]htlc.HexBytes{"preimage": preimage}, nil
}

// ========================================
// Chain handlers
// ========================================

// ChainParams selects a chain by symbol (STX, BTC) or deployment name.
type ChainParams struct {
	Chain string `json:"chain"`
}

// MineParams is the request for chain_mine.
type MineParams struct {
	Chain  string `json:"chain"`
	Blocks uint64 `json:"blocks"`
}

// BalanceParams is the request for chain_balance.
type BalanceParams struct {
	Chain     string         `json:"chain"`
	Principal htlc.Principal `json:"principal"`
	// Contract selects a token on the hosted ledger. Empty is the native asset.
	Contract string `json:"contract,omitempty"`
}

// FaucetParams is the request for chain_faucet. Amount, a decimal string in whole
// units, may replace asset for the native asset. On BTC, Address may replace principal.
type FaucetParams struct {
	Chain     string         `json:"chain"`
	Principal htlc.Principal `json:"principal"`
	Address   string         `json:"address,omitempty"`
	Asset     htlc.Asset     `json:"asset"`
	Amount    string         `json:"amount,omitempty"`
}

// BalanceResult is the response for chain_balance.
type BalanceResult struct {
	Balance uint64 `json:"balance"`
	// Formatted is the balance in whole units for native assets.
	Formatted string `json:"formatted,omitempty"`
}

// EventsParams is the request for chain_events.
type EventsParams struct {
	Namespace string         `json:"namespace,omitempty"`
	Hash      *htlc.Hash     `json:"hash,omitempty"`
	Op        htlc.Operation `json:"op,omitempty"`
	AfterSeq  uint64         `json:"after_seq,omitempty"`
	Limit     int            `json:"limit,omitempty"`
}

// HeightResult is the response for chain_height and chain_mine.
type HeightResult struct {
	Chain  string `json:"chain"`
	Height uint64 `json:"height"`
}

func (s *Server) chainHeight(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ChainParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	name := p.Chain
	if !strings.Contains(name, "/") {
		name = s.deploymentFor(coordinator.ChainOf(name))
	}
	c, err := s.contract(name)
	if err != nil {
		return nil, err
	}
	height, err := c.Height(ctx)
	if err != nil {
		return nil, err
	}
	return &HeightResult{Chain: coordinator.ChainOf(name), Height: height}, nil
}

// deploymentFor returns the first registered deployment of chain.
func (s *Server) deploymentFor(chain string) string {
	for _, name := range s.coordinator.Ledgers() {
		if coordinator.ChainOf(name) == chain {
			return name
		}
	}
	return chain
}

func (s *Server) chainMine(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p MineParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Blocks == 0 {
		p.Blocks = 1
	}
	chain := coordinator.ChainOf(p.Chain)
	switch {
	case s.ledger != nil && chain == strings.ToUpper(s.ledger.Name()):
		height, err := s.ledger.Mine(ctx, p.Blocks)
		if err != nil {
			return nil, err
		}
		return &HeightResult{Chain: chain, Height: height}, nil
	case s.btc != nil && chain == coordinator.ChainOf(s.btc.Name()):
		return &HeightResult{Chain: chain, Height: s.btc.Chain().Mine(p.Blocks)}, nil
	}
	return nil, fmt.Errorf("%w: cannot mine %s", coordinator.ErrUnknownLedger, p.Chain)
}

func (s *Server) chainBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p BalanceParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Principal == "" {
		return nil, invalidParams("principal is required")
	}
	chain := coordinator.ChainOf(p.Chain)
	var (
		balance uint64
		err     error
	)
	switch {
	case s.ledger != nil && chain == strings.ToUpper(s.ledger.Name()):
		balance, err = s.ledger.Balance(ctx, p.Principal, p.Contract)
	case s.btc != nil && chain == coordinator.ChainOf(s.btc.Name()):
		balance, err = s.btc.Balance(p.Principal)
	default:
		return nil, fmt.Errorf("%w: %s", coordinator.ErrUnknownLedger, p.Chain)
	}
	if err != nil {
		return nil, err
	}
	result := &BalanceResult{Balance: balance}
	if c, ok := config.GetChain(chain); ok && p.Contract == "" {
		result.Formatted = helpers.FormatAmount(balance, c.Decimals)
	}
	return result, nil
}

func (s *Server) chainFaucet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p FaucetParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Principal == "" && p.Address == "" {
		return nil, invalidParams("principal or address is required")
	}
	chain := coordinator.ChainOf(p.Chain)
	if p.Amount != "" {
		c, ok := config.GetChain(chain)
		if !ok {
			return nil, fmt.Errorf("%w: %s", coordinator.ErrUnknownLedger, p.Chain)
		}
		amount, err := helpers.ParseAmount(p.Amount, c.Decimals)
		if err != nil {
			return nil, invalidParams("invalid amount: %v", err)
		}
		p.Asset = htlc.Native(amount)
	}
	switch {
	case s.ledger != nil && chain == strings.ToUpper(s.ledger.Name()):
		if p.Principal == "" {
			return nil, invalidParams("principal is required")
		}
		if err := s.ledger.Faucet(ctx, p.Principal, p.Asset); err != nil {
			return nil, err
		}
		return map[string]string{"asset": p.Asset.String()}, nil
	case s.btc != nil && chain == coordinator.ChainOf(s.btc.Name()):
		if p.Asset.Kind != htlc.AssetNative {
			return nil, invalidParams("bitcoin only holds the native asset")
		}
		var (
			op  wire.OutPoint
			err error
		)
		if p.Address != "" {
			op, err = s.btc.FaucetAddress(p.Address, p.Asset.Amount)
		} else {
			op, err = s.btc.Faucet(p.Principal, p.Asset.Amount)
		}
		if err != nil {
			return nil, err
		}
		return map[string]string{"outpoint": op.String()}, nil
	}
	return nil, fmt.Errorf("%w: %s", coordinator.ErrUnknownLedger, p.Chain)
}

func (s *Server) chainAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p BalanceParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if s.btc == nil {
		return nil, fmt.Errorf("%w: btc", coordinator.ErrUnknownLedger)
	}
	addr, err := s.btc.Address(p.Principal)
	if err != nil {
		return nil, err
	}
	return map[string]string{"address": addr}, nil
}

func (s *Server) chainEvents(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p EventsParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}
	if s.ledger == nil {
		return nil, fmt.Errorf("%w: no hosted ledger", coordinator.ErrUnknownLedger)
	}
	if p.Limit <= 0 || p.Limit > 1000 {
		p.Limit = 100
	}
	events, err := s.ledger.Events(ctx, storage.EventFilter{
		Namespace: p.Namespace,
		Hash:      p.Hash,
		Op:        p.Op,
		AfterSeq:  p.AfterSeq,
		Limit:     p.Limit,
	})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []htlc.Event{}
	}
	return events, nil
}
