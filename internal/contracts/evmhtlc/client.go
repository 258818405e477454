package evmhtlc

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
	"github.com/klingon-exchange/klingon-htlc/pkg/helpers"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

// DefaultReceiptTimeout bounds the wait for a transaction to be mined.
const DefaultReceiptTimeout = 2 * time.Minute

// Backend is what the client needs from a node connection. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type chainIDer interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config selects one deployment.
type Config struct {
	// Name identifies the binding, e.g. "eth/native".
	Name    string
	Kind    htlc.AssetKind
	Address common.Address
	// ChainID is queried from the node when nil.
	ChainID        *big.Int
	ReceiptTimeout time.Duration
}

type nativeIntent struct {
	ExpirationHeight *big.Int
	Amount           *big.Int
	Recipient        common.Address
}

type tokenIntent struct {
	ExpirationHeight *big.Int
	AmountOrTokenId  *big.Int
	Recipient        common.Address
	AssetContract    common.Address
}

type whitelistEntry struct {
	TokenContract common.Address
	Whitelisted   bool
}

// Client drives one HTLC deployment through the common contract interface.
// Principals are hex addresses; callers must have a signer registered.
type Client struct {
	name     string
	kind     htlc.AssetKind
	address  common.Address
	chainID  *big.Int
	timeout  time.Duration
	backend  Backend
	abi      abi.ABI
	tokenABI abi.ABI
	contract *bind.BoundContract
	log      *logging.Logger

	mu      sync.RWMutex
	signers map[common.Address]*ecdsa.PrivateKey
}

var (
	_ htlc.Contract       = (*Client)(nil)
	_ htlc.IntentReader   = (*Client)(nil)
	_ htlc.WhitelistAdmin = (*Client)(nil)
)

// New binds a deployment on backend.
func New(ctx context.Context, backend Backend, cfg Config) (*Client, error) {
	native, token, erc, err := ABIs()
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	parsed := native
	if cfg.Kind != htlc.AssetNative {
		parsed = token
	}
	if cfg.Name == "" {
		cfg.Name = "eth/" + cfg.Kind.String()
	}
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	if cfg.ChainID == nil {
		src, ok := backend.(chainIDer)
		if !ok {
			return nil, fmt.Errorf("chain ID required for %s", cfg.Name)
		}
		if cfg.ChainID, err = src.ChainID(ctx); err != nil {
			return nil, fmt.Errorf("failed to get chain ID: %w", err)
		}
	}

	return &Client{
		name:     cfg.Name,
		kind:     cfg.Kind,
		address:  cfg.Address,
		chainID:  cfg.ChainID,
		timeout:  cfg.ReceiptTimeout,
		backend:  backend,
		abi:      parsed,
		tokenABI: erc,
		contract: bind.NewBoundContract(cfg.Address, parsed, backend, backend, backend),
		log:      logging.GetDefault().Component("evm").Component(cfg.Name),
		signers:  make(map[common.Address]*ecdsa.PrivateKey),
	}, nil
}

// Dial connects to rpcURL and binds a deployment.
func Dial(ctx context.Context, rpcURL string, cfg Config) (*Client, *ethclient.Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	c, err := New(ctx, ec, cfg)
	if err != nil {
		ec.Close()
		return nil, nil, err
	}
	return c, ec, nil
}

// AddSigner registers a key and returns the principal it signs for.
func (c *Client) AddSigner(key *ecdsa.PrivateKey) htlc.Principal {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	c.mu.Lock()
	c.signers[addr] = key
	c.mu.Unlock()
	return htlc.Principal(addr.Hex())
}

// Name identifies the binding.
func (c *Client) Name() string {
	return c.name
}

// Kind returns the asset kind of the deployment.
func (c *Client) Kind() htlc.AssetKind {
	return c.kind
}

// Address returns the contract address.
func (c *Client) Address() common.Address {
	return c.address
}

// ChainID returns the chain ID transactions are signed for.
func (c *Client) ChainID() *big.Int {
	return c.chainID
}

// Height returns the latest block number.
func (c *Client) Height(ctx context.Context) (uint64, error) {
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get header: %w", err)
	}
	return header.Number.Uint64(), nil
}

// Register locks req.Asset. Token assets are approved for the contract first.
func (c *Client) Register(ctx context.Context, req htlc.RegisterRequest) (*htlc.Receipt, error) {
	hash, err := htlc.HashFromBytes(req.Hash)
	if err != nil {
		return nil, err
	}
	if req.Asset.Kind != c.kind {
		return nil, fmt.Errorf("%s accepts %s assets, got %s: %w", c.name, c.kind, req.Asset.Kind,
			htlc.ErrInvalidAssetContract)
	}
	recipient, err := ParseAddress(req.Recipient)
	if err != nil {
		return nil, err
	}
	expiry := new(big.Int).SetUint64(req.ExpirationHeight)
	quantity := helpers.Uint64ToBig(req.Asset.Quantity())

	var (
		tx      *types.Transaction
		receipt *types.Receipt
	)
	if c.kind == htlc.AssetNative {
		tx, receipt, err = c.transact(ctx, c.contract, req.Caller, quantity, "register_swap_intent",
			[32]byte(hash), expiry, recipient)
	} else {
		token, perr := ParseAddress(htlc.Principal(req.Asset.Contract))
		if perr != nil {
			return nil, perr
		}
		if err := c.Approve(ctx, req.Caller, req.Asset); err != nil {
			return nil, err
		}
		tx, receipt, err = c.transact(ctx, c.contract, req.Caller, nil, "register_swap_intent",
			[32]byte(hash), expiry, recipient, token, quantity)
	}
	if err != nil {
		return nil, err
	}

	return c.receipt(tx, receipt, htlc.Event{
		Op:    htlc.OpRegister,
		Hash:  hash,
		Asset: req.Asset,
		From:  req.Caller,
		To:    htlc.Principal(c.address.Hex()),
	}), nil
}

// Approve lets the contract pull asset from caller. ERC-20 and ERC-721 share the call.
func (c *Client) Approve(ctx context.Context, caller htlc.Principal, asset htlc.Asset) error {
	token, err := ParseAddress(htlc.Principal(asset.Contract))
	if err != nil {
		return err
	}
	bound := bind.NewBoundContract(token, c.tokenABI, c.backend, c.backend, c.backend)
	_, _, err = c.transact(ctx, bound, caller, nil, "approve", c.address, helpers.Uint64ToBig(asset.Quantity()))
	return err
}

// GetSwapIntent reads the intent registered by sender under hash, or nil.
func (c *Client) GetSwapIntent(ctx context.Context, hash htlc.Hash, sender htlc.Principal) (*htlc.SwapIntent, error) {
	from, err := ParseAddress(sender)
	if err != nil {
		return nil, err
	}

	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "get_swap_intent", [32]byte(hash), from); err != nil {
		return nil, DecodeRevert(err)
	}
	intent, err := c.decodeIntent(out)
	if err != nil || intent == nil {
		return nil, err
	}
	intent.Hash = hash
	intent.Sender = sender
	return intent, nil
}

// decodeIntent converts get_swap_intent output. A zero expiry means no record.
func (c *Client) decodeIntent(out []interface{}) (*htlc.SwapIntent, error) {
	if len(out) != 1 {
		return nil, fmt.Errorf("get_swap_intent returned %d values", len(out))
	}

	if c.kind == htlc.AssetNative {
		raw := *abi.ConvertType(out[0], new(nativeIntent)).(*nativeIntent)
		if raw.ExpirationHeight == nil || raw.ExpirationHeight.Sign() == 0 {
			return nil, nil
		}
		return &htlc.SwapIntent{
			Recipient:        htlc.Principal(raw.Recipient.Hex()),
			ExpirationHeight: raw.ExpirationHeight.Uint64(),
			Asset:            htlc.Native(raw.Amount.Uint64()),
		}, nil
	}

	raw := *abi.ConvertType(out[0], new(tokenIntent)).(*tokenIntent)
	if raw.ExpirationHeight == nil || raw.ExpirationHeight.Sign() == 0 {
		return nil, nil
	}
	contract := raw.AssetContract.Hex()
	asset := htlc.Fungible(contract, raw.AmountOrTokenId.Uint64())
	if c.kind == htlc.AssetNonFungible {
		asset = htlc.NonFungible(contract, raw.AmountOrTokenId.Uint64())
	}
	return &htlc.SwapIntent{
		Recipient:        htlc.Principal(raw.Recipient.Hex()),
		ExpirationHeight: raw.ExpirationHeight.Uint64(),
		Asset:            asset,
	}, nil
}

// Swap releases the intent of req.Sender under H(preimage) to its recipient.
func (c *Client) Swap(ctx context.Context, req htlc.SwapRequest) (*htlc.Receipt, error) {
	hash := htlc.HashPreimage(req.Preimage)
	sender, err := ParseAddress(req.Sender)
	if err != nil {
		return nil, err
	}

	intent, err := c.GetSwapIntent(ctx, hash, req.Sender)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, htlc.ErrUnknownSwap
	}
	if err := c.checkContract(intent, req.AssetContract); err != nil {
		return nil, err
	}

	tx, receipt, err := c.transact(ctx, c.contract, req.Caller, nil, "swap", sender, req.Preimage)
	if err != nil {
		return nil, err
	}

	return c.receipt(tx, receipt, htlc.Event{
		Op:       htlc.OpSwap,
		Hash:     hash,
		Asset:    intent.Asset,
		From:     htlc.Principal(c.address.Hex()),
		To:       intent.Recipient,
		Preimage: htlc.HexBytes(req.Preimage),
	}), nil
}

// Cancel refunds the caller's expired intent.
func (c *Client) Cancel(ctx context.Context, req htlc.CancelRequest) (*htlc.Receipt, error) {
	hash, err := htlc.HashFromBytes(req.Hash)
	if err != nil {
		return nil, htlc.ErrUnknownSwap
	}

	intent, err := c.GetSwapIntent(ctx, hash, req.Caller)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, htlc.ErrUnknownSwap
	}
	if err := c.checkContract(intent, req.AssetContract); err != nil {
		return nil, err
	}

	tx, receipt, err := c.transact(ctx, c.contract, req.Caller, nil, "cancel_swap_intent", [32]byte(hash))
	if err != nil {
		return nil, err
	}

	return c.receipt(tx, receipt, htlc.Event{
		Op:    htlc.OpCancel,
		Hash:  hash,
		Asset: intent.Asset,
		From:  htlc.Principal(c.address.Hex()),
		To:    req.Caller,
	}), nil
}

// SetWhitelisted updates the token whitelist of the token deployment.
func (c *Client) SetWhitelisted(ctx context.Context, caller htlc.Principal, entries []htlc.WhitelistEntry) (*htlc.Receipt, error) {
	if c.kind == htlc.AssetNative {
		return nil, fmt.Errorf("%s has no whitelist", c.name)
	}

	args := make([]whitelistEntry, len(entries))
	for i, e := range entries {
		addr, err := ParseAddress(htlc.Principal(e.Contract))
		if err != nil {
			return nil, err
		}
		args[i] = whitelistEntry{TokenContract: addr, Whitelisted: e.Whitelisted}
	}

	tx, receipt, err := c.transact(ctx, c.contract, caller, nil, "set_whitelisted", args)
	if err != nil {
		return nil, err
	}
	return &htlc.Receipt{TxID: tx.Hash().Hex(), Height: receipt.BlockNumber.Uint64(), Events: []htlc.Event{}}, nil
}

// IsWhitelisted reports whether a token contract is approved.
func (c *Client) IsWhitelisted(ctx context.Context, contract string) (bool, error) {
	if c.kind == htlc.AssetNative {
		return false, nil
	}
	addr, err := ParseAddress(htlc.Principal(contract))
	if err != nil {
		return false, err
	}

	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "is_whitelisted", addr); err != nil {
		return false, DecodeRevert(err)
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (c *Client) checkContract(intent *htlc.SwapIntent, contract string) error {
	if c.kind == htlc.AssetNative || contract == "" {
		return nil
	}
	if !strings.EqualFold(intent.Asset.Contract, contract) {
		return htlc.ErrInvalidAssetContract
	}
	return nil
}

// transact signs, sends and waits for a call. Reverts are mapped onto coded errors.
func (c *Client) transact(ctx context.Context, contract *bind.BoundContract, caller htlc.Principal,
	value *big.Int, method string, args ...interface{}) (*types.Transaction, *types.Receipt, error) {
	from, err := ParseAddress(caller)
	if err != nil {
		return nil, nil, err
	}
	c.mu.RLock()
	key, ok := c.signers[from]
	c.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("no signer for %s", from.Hex())
	}

	opts, err := bind.NewKeyedTransactorWithChainID(key, c.chainID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx
	opts.Value = value

	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		err = DecodeRevert(err)
		c.log.Debug("Transaction rejected", "method", method, "from", from.Hex(), "error", err)
		return nil, nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		return tx, nil, fmt.Errorf("waiting for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx, receipt, c.replayRevert(ctx, from, tx, receipt)
	}

	c.log.Info("Transaction mined", "method", method, "tx", tx.Hash().Hex(), "block", receipt.BlockNumber,
		"gas", receipt.GasUsed)
	return tx, receipt, nil
}

// replayRevert re-executes a failed transaction at its block to recover the reason.
func (c *Client) replayRevert(ctx context.Context, from common.Address, tx *types.Transaction, receipt *types.Receipt) error {
	_, err := c.backend.CallContract(ctx, ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, receipt.BlockNumber)
	if err != nil {
		if decoded := DecodeRevert(err); decoded != err {
			return decoded
		}
	}
	return fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
}

func (c *Client) receipt(tx *types.Transaction, receipt *types.Receipt, ev htlc.Event) *htlc.Receipt {
	height := receipt.BlockNumber.Uint64()
	ev.Ledger = c.name
	ev.Height = height
	ev.TxID = tx.Hash().Hex()
	return &htlc.Receipt{TxID: ev.TxID, Height: height, Events: []htlc.Event{ev}}
}

// ParseAddress converts a hex principal into an address.
func ParseAddress(p htlc.Principal) (common.Address, error) {
	if !common.IsHexAddress(string(p)) {
		return common.Address{}, fmt.Errorf("invalid EVM address: %q", p)
	}
	return common.HexToAddress(string(p)), nil
}
