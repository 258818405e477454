package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/klingon-htlc/internal/coordinator"
	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
	"github.com/klingon-exchange/klingon-htlc/internal/wallet"
)

// ========================================
// Wallet handlers
// ========================================

// PrincipalInfo describes one keyring entry.
type PrincipalInfo struct {
	Principal  htlc.Principal `json:"principal"`
	Address    string         `json:"address"`
	EVMAddress string         `json:"evm_address"`
	Path       string         `json:"path,omitempty"`
	CanSign    bool           `json:"can_sign"`
}

// WatchParams is the request for wallet_watch. PubKey is a compressed or
// uncompressed secp256k1 key.
type WatchParams struct {
	Principal htlc.Principal `json:"principal"`
	PubKey    htlc.HexBytes  `json:"pubkey"`
}

// ImportParams is the request for wallet_import.
type ImportParams struct {
	Principal htlc.Principal `json:"principal"`
	WIF       string         `json:"wif"`
}

func (s *Server) keyring() (*wallet.Keyring, error) {
	if s.btc == nil {
		return nil, fmt.Errorf("%w: btc", coordinator.ErrUnknownLedger)
	}
	return s.btc.Keys(), nil
}

func (s *Server) principalInfo(keys *wallet.Keyring, name htlc.Principal) (*PrincipalInfo, error) {
	pub, err := keys.PublicKey(name)
	if err != nil {
		return nil, err
	}
	addr, err := s.btc.Address(name)
	if err != nil {
		return nil, err
	}
	return &PrincipalInfo{
		Principal:  name,
		Address:    addr,
		EVMAddress: wallet.EVMAddress(pub).Hex(),
		Path:       keys.Path(name),
		CanSign:    keys.CanSign(name),
	}, nil
}

func (s *Server) walletPrincipals(ctx context.Context, params json.RawMessage) (interface{}, error) {
	keys, err := s.keyring()
	if err != nil {
		return nil, err
	}
	out := []*PrincipalInfo{}
	for _, name := range keys.Names() {
		info, err := s.principalInfo(keys, name)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// walletWatch registers a counterparty key so predicates can name it as sender or recipient.
func (s *Server) walletWatch(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WatchParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Principal == "" {
		return nil, invalidParams("principal is required")
	}
	pub, err := btcec.ParsePubKey(p.PubKey)
	if err != nil {
		return nil, invalidParams("invalid pubkey: %v", err)
	}
	keys, err := s.keyring()
	if err != nil {
		return nil, err
	}
	if keys.CanSign(p.Principal) {
		return nil, invalidParams("principal %s already has a signing key", p.Principal)
	}
	keys.Watch(p.Principal, pub)
	return s.principalInfo(keys, p.Principal)
}

func (s *Server) walletImport(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ImportParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Principal == "" {
		return nil, invalidParams("principal is required")
	}
	keys, err := s.keyring()
	if err != nil {
		return nil, err
	}
	priv, err := wallet.WIFToPrivateKey(p.WIF, s.btc.Chain().Params())
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	if keys.Path(p.Principal) != "" {
		return nil, invalidParams("principal %s is derived from the wallet seed", p.Principal)
	}
	keys.Import(p.Principal, priv)
	return s.principalInfo(keys, p.Principal)
}
