package utxo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingon-htlc/internal/btcscript"
	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
	"github.com/klingon-exchange/klingon-htlc/internal/wallet"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

// Default fees in satoshis.
const (
	DefaultSpendFee   = 1_000
	DefaultFundingFee = 500
)

// DefaultRetainDepth is how many blocks a spent lock stays tracked for preimage recovery.
const DefaultRetainDepth = 144

// lock is a funded predicate output.
type lock struct {
	predicate  *btcscript.Predicate
	outPoint   wire.OutPoint
	value      uint64
	amount     uint64
	sender     htlc.Principal
	recipient  htlc.Principal
	registered uint64
}

func (l *lock) intent() *htlc.SwapIntent {
	return &htlc.SwapIntent{
		Hash:             l.predicate.Hash,
		Sender:           l.sender,
		Recipient:        l.recipient,
		ExpirationHeight: uint64(l.predicate.Expiry),
		Asset:            htlc.Native(l.amount),
		RegisteredHeight: l.registered,
	}
}

// HTLCConfig configures the scripting ledger binding.
type HTLCConfig struct {
	Name        string
	SpendFee    uint64
	FundingFee  uint64
	RetainDepth uint64
}

// HTLC binds the predicate to the common contract interface. There is no contract
// state on a scripting ledger: a swap exists while its predicate output is unspent.
// The binding remembers the predicates it funded so that it can sign spends and read
// claim witnesses; that bookkeeping is local to this process and is not a chain query.
type HTLC struct {
	name        string
	chain       *Chain
	keys        *wallet.Keyring
	spendFee    uint64
	fundingFee  uint64
	retainDepth uint64
	log         *logging.Logger

	mu    sync.Mutex
	locks map[htlc.Hash][]*lock
}

var (
	_ htlc.Contract       = (*HTLC)(nil)
	_ htlc.IntentReader   = (*HTLC)(nil)
	_ htlc.PreimageSource = (*HTLC)(nil)
)

// NewHTLC creates the binding. Principals resolve to keys through keys.
func NewHTLC(chain *Chain, keys *wallet.Keyring, cfg HTLCConfig) *HTLC {
	if cfg.Name == "" {
		cfg.Name = "btc"
	}
	if cfg.SpendFee == 0 {
		cfg.SpendFee = DefaultSpendFee
	}
	if cfg.FundingFee == 0 {
		cfg.FundingFee = DefaultFundingFee
	}
	if cfg.RetainDepth == 0 {
		cfg.RetainDepth = DefaultRetainDepth
	}
	return &HTLC{
		name:        cfg.Name,
		chain:       chain,
		keys:        keys,
		spendFee:    cfg.SpendFee,
		fundingFee:  cfg.FundingFee,
		retainDepth: cfg.RetainDepth,
		log:         logging.GetDefault().Component("utxo").Component(cfg.Name),
		locks:       make(map[htlc.Hash][]*lock),
	}
}

// Name identifies the binding.
func (h *HTLC) Name() string {
	return h.name
}

// Chain returns the underlying ledger.
func (h *HTLC) Chain() *Chain {
	return h.chain
}

// Keys returns the keyring principals resolve through.
func (h *HTLC) Keys() *wallet.Keyring {
	return h.keys
}

// Height returns the chain height.
func (h *HTLC) Height(ctx context.Context) (uint64, error) {
	return h.chain.Height(), nil
}

// PkScript returns the P2WPKH output script of a principal.
func (h *HTLC) PkScript(who htlc.Principal) ([]byte, error) {
	pub, err := h.keys.PublicKey(who)
	if err != nil {
		return nil, err
	}
	return btcscript.P2WPKHScript(pub), nil
}

// Address returns the P2WPKH address of a principal.
func (h *HTLC) Address(who htlc.Principal) (string, error) {
	pub, err := h.keys.PublicKey(who)
	if err != nil {
		return "", err
	}
	return wallet.P2WPKHAddress(pub, h.chain.Params())
}

// Balance sums the unspent outputs of a principal.
func (h *HTLC) Balance(who htlc.Principal) (uint64, error) {
	script, err := h.PkScript(who)
	if err != nil {
		return 0, err
	}
	return h.chain.Balance(script), nil
}

// Faucet mints a new output to a principal.
func (h *HTLC) Faucet(who htlc.Principal, value uint64) (wire.OutPoint, error) {
	script, err := h.PkScript(who)
	if err != nil {
		return wire.OutPoint{}, err
	}
	return h.chain.Mint(script, value)
}

// FaucetAddress mints a new output to an address on the chain's network.
func (h *HTLC) FaucetAddress(address string, value uint64) (wire.OutPoint, error) {
	script, err := wallet.AddressScript(address, h.chain.Params())
	if err != nil {
		return wire.OutPoint{}, err
	}
	return h.chain.Mint(script, value)
}

// Register funds a predicate output from the caller's coins. The output holds
// Amount plus the spend fee so that either spend pays out exactly Amount.
func (h *HTLC) Register(ctx context.Context, req htlc.RegisterRequest) (*htlc.Receipt, error) {
	height := h.chain.Height()

	hash, err := htlc.CheckRegistration(req.Hash, req.ExpirationHeight, height)
	if err != nil {
		return nil, err
	}
	if req.Asset.Kind != htlc.AssetNative {
		return nil, fmt.Errorf("%s only locks native coins: %w", h.name, htlc.ErrInvalidAssetContract)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.pruneLocked(height)
	if h.pendingLocked(hash, "") != nil {
		return nil, htlc.ErrSwapAlreadyExists
	}
	if req.Asset.Amount == 0 {
		return nil, htlc.ErrNonPositiveAmount
	}
	if req.ExpirationHeight >= txscript.LockTimeThreshold {
		return nil, fmt.Errorf("expiry %d is not a block height", req.ExpirationHeight)
	}

	senderKey, err := h.keys.PrivateKey(req.Caller)
	if err != nil {
		return nil, err
	}
	recipientPub, err := h.keys.PublicKey(req.Recipient)
	if err != nil {
		return nil, err
	}

	predicate, err := btcscript.NewPredicate(hash, senderKey.PubKey(), recipientPub, uint32(req.ExpirationHeight))
	if err != nil {
		return nil, err
	}

	senderScript := btcscript.P2WPKHScript(senderKey.PubKey())
	coins, err := h.selectCoins(senderScript, req.Asset.Amount+h.spendFee+h.fundingFee)
	if err != nil {
		return nil, err
	}
	for i := range coins {
		coins[i].PrivKey = senderKey
	}

	tx, err := btcscript.BuildFundingTx(&btcscript.FundingParams{
		Coins:          coins,
		Predicate:      predicate,
		Amount:         req.Asset.Amount,
		Fee:            h.spendFee,
		FundingFee:     h.fundingFee,
		ChangePkScript: senderScript,
	})
	if err != nil {
		return nil, err
	}
	txid, err := h.chain.SubmitTx(tx)
	if err != nil {
		return nil, err
	}

	l := &lock{
		predicate:  predicate,
		outPoint:   wire.OutPoint{Hash: *txid, Index: 0},
		value:      req.Asset.Amount + h.spendFee,
		amount:     req.Asset.Amount,
		sender:     req.Caller,
		recipient:  req.Recipient,
		registered: height,
	}
	h.locks[hash] = append(h.locks[hash], l)

	address, _ := predicate.Address(h.chain.Params())
	h.log.Info("Predicate funded", "hash", hash, "amount", l.amount, "expiry", predicate.Expiry,
		"address", address, "txid", txid)

	return h.receipt(txid.String(), htlc.Event{
		Op:    htlc.OpRegister,
		Hash:  hash,
		Asset: req.Asset,
		From:  req.Caller,
		To:    htlc.Principal(address),
	}), nil
}

// GetSwapIntent returns the unspent predicate this binding funded for sender under
// hash, or nil. It reads the binding's own records, so predicates funded elsewhere
// are not visible.
func (h *HTLC) GetSwapIntent(ctx context.Context, hash htlc.Hash, sender htlc.Principal) (*htlc.SwapIntent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l := h.pendingLocked(hash, sender); l != nil {
		return l.intent(), nil
	}
	return nil, nil
}

// Swap spends the predicate through the preimage branch to its recipient. The script
// carries no expiry on this branch: a claim after expiry succeeds until a refund lands.
func (h *HTLC) Swap(ctx context.Context, req htlc.SwapRequest) (*htlc.Receipt, error) {
	return h.Claim(ctx, htlc.HashPreimage(req.Preimage), req.Sender, req.Preimage)
}

// Claim submits a claim of the lock under hash with an arbitrary preimage. A preimage
// that does not hash to the lock is left for the script engine to reject.
func (h *HTLC) Claim(ctx context.Context, hash htlc.Hash, sender htlc.Principal, preimage []byte) (*htlc.Receipt, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	l := h.pendingLocked(hash, sender)
	if l == nil {
		return nil, htlc.ErrUnknownSwap
	}

	key, err := h.keys.PrivateKey(l.recipient)
	if err != nil {
		return nil, fmt.Errorf("cannot sign claim for %s: %w", l.recipient, err)
	}
	tx, err := btcscript.BuildClaimTx(h.spendParams(l, key), preimage)
	if err != nil {
		return nil, err
	}
	txid, err := h.chain.SubmitTx(tx)
	if err != nil {
		return nil, err
	}

	h.log.Info("Predicate claimed", "hash", hash, "amount", l.amount, "txid", txid)
	return h.receipt(txid.String(), htlc.Event{
		Op:       htlc.OpSwap,
		Hash:     hash,
		Asset:    htlc.Native(l.amount),
		From:     l.sender,
		To:       l.recipient,
		Preimage: htlc.HexBytes(preimage),
	}), nil
}

// Cancel spends the caller's predicate through the timelock branch. The chain rejects
// the refund as non-final until the expiry height has been reached.
func (h *HTLC) Cancel(ctx context.Context, req htlc.CancelRequest) (*htlc.Receipt, error) {
	hash, err := htlc.HashFromBytes(req.Hash)
	if err != nil {
		return nil, htlc.ErrUnknownSwap
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	l := h.pendingLocked(hash, req.Caller)
	if l == nil {
		return nil, htlc.ErrUnknownSwap
	}

	key, err := h.keys.PrivateKey(l.sender)
	if err != nil {
		return nil, fmt.Errorf("cannot sign refund for %s: %w", l.sender, err)
	}
	tx, err := btcscript.BuildRefundTx(h.spendParams(l, key))
	if err != nil {
		return nil, err
	}
	txid, err := h.chain.SubmitTx(tx)
	if errors.Is(err, ErrNonFinal) {
		return nil, fmt.Errorf("%w: %w", htlc.ErrSwapNotExpired, err)
	}
	if err != nil {
		return nil, err
	}

	h.log.Info("Predicate refunded", "hash", hash, "amount", l.amount, "txid", txid)
	return h.receipt(txid.String(), htlc.Event{
		Op:    htlc.OpCancel,
		Hash:  hash,
		Asset: htlc.Native(l.amount),
		From:  l.sender,
		To:    l.sender,
	}), nil
}

// FindPreimage recovers the preimage from the witness of a claim of hash.
func (h *HTLC) FindPreimage(ctx context.Context, hash htlc.Hash) ([]byte, error) {
	h.mu.Lock()
	locks := append([]*lock(nil), h.locks[hash]...)
	h.mu.Unlock()

	for i := len(locks) - 1; i >= 0; i-- {
		spender, ok := h.chain.SpenderOf(locks[i].outPoint)
		if !ok {
			continue
		}
		for _, in := range spender.Tx.TxIn {
			if in.PreviousOutPoint != locks[i].outPoint {
				continue
			}
			if preimage, ok := btcscript.ExtractPreimage(in.Witness, hash); ok {
				return preimage, nil
			}
		}
	}
	return nil, htlc.ErrPreimageNotFound
}

// Predicate returns the script of the pending lock of sender under hash.
func (h *HTLC) Predicate(hash htlc.Hash, sender htlc.Principal) (*btcscript.Predicate, wire.OutPoint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l := h.pendingLocked(hash, sender)
	if l == nil {
		return nil, wire.OutPoint{}, false
	}
	return l.predicate, l.outPoint, true
}

// pendingLocked returns the unspent lock under hash, filtered by sender unless empty.
// Caller must hold h.mu.
func (h *HTLC) pendingLocked(hash htlc.Hash, sender htlc.Principal) *lock {
	for _, l := range h.locks[hash] {
		if _, unspent := h.chain.Unspent(l.outPoint); !unspent {
			continue
		}
		if sender == "" || l.sender == sender {
			return l
		}
	}
	return nil
}

// pruneLocked forgets locks spent more than retainDepth blocks before height.
// Caller must hold h.mu.
func (h *HTLC) pruneLocked(height uint64) {
	for hash, locks := range h.locks {
		kept := locks[:0]
		for _, l := range locks {
			if spender, spent := h.chain.SpenderOf(l.outPoint); spent && spender.Height+h.retainDepth < height {
				continue
			}
			kept = append(kept, l)
		}
		if len(kept) == 0 {
			delete(h.locks, hash)
			continue
		}
		h.locks[hash] = kept
	}
}

// selectCoins picks the largest outputs first until target is covered.
func (h *HTLC) selectCoins(pkScript []byte, target uint64) ([]btcscript.Coin, error) {
	outs := h.chain.UnspentByScript(pkScript)
	sort.Slice(outs, func(i, j int) bool { return outs[i].Value > outs[j].Value })

	var (
		coins []btcscript.Coin
		total uint64
	)
	for _, o := range outs {
		coins = append(coins, btcscript.Coin{OutPoint: o.OutPoint, Value: o.Value, PkScript: o.PkScript})
		total += o.Value
		if total >= target {
			return coins, nil
		}
	}
	return nil, fmt.Errorf("need %d, have %d: %w", target, total, htlc.ErrInsufficientBalance)
}

// spendParams pays the predicate amount to the signer's own P2WPKH output.
func (h *HTLC) spendParams(l *lock, key *btcec.PrivateKey) *btcscript.SpendParams {
	return &btcscript.SpendParams{
		OutPoint:     l.outPoint,
		Value:        l.value,
		Amount:       l.amount,
		Predicate:    l.predicate,
		DestPkScript: btcscript.P2WPKHScript(key.PubKey()),
		PrivKey:      key,
	}
}

func (h *HTLC) receipt(txid string, ev htlc.Event) *htlc.Receipt {
	height := h.chain.Height()
	ev.Ledger = h.name
	ev.Height = height
	ev.TxID = txid
	return &htlc.Receipt{TxID: txid, Height: height, Events: []htlc.Event{ev}}
}
