// Package utxo simulates a scripting ledger: an unspent output set validated with the
// btcd script engine, plus an adapter exposing the HTLC predicate through the common
// contract interface.
package utxo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/btree"

	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

// Transaction rejection reasons.
var (
	ErrInvalidTx       = errors.New("transaction failed sanity checks")
	ErrNonFinal        = errors.New("non-final transaction")
	ErrMissingInput    = errors.New("input spends an unknown or spent output")
	ErrValueNotCovered = errors.New("outputs exceed inputs")
	ErrScriptFailed    = errors.New("script validation failed")
	ErrDuplicateTx     = errors.New("transaction already accepted")
)

// Output is an unspent transaction output.
type Output struct {
	OutPoint wire.OutPoint
	Value    uint64
	PkScript []byte
	Height   uint64
}

// less orders outputs by script, then outpoint, so outputs paying one script are adjacent.
func less(a, b Output) bool {
	if c := bytes.Compare(a.PkScript, b.PkScript); c != 0 {
		return c < 0
	}
	if c := bytes.Compare(a.OutPoint.Hash[:], b.OutPoint.Hash[:]); c != 0 {
		return c < 0
	}
	return a.OutPoint.Index < b.OutPoint.Index
}

// Confirmed is an accepted transaction.
type Confirmed struct {
	Tx     *wire.MsgTx
	Height uint64
}

// Chain is an in-memory scripting ledger.
type Chain struct {
	mu     sync.RWMutex
	params *chaincfg.Params
	height uint64

	utxos      *btree.BTreeG[Output]
	byOutPoint map[wire.OutPoint]Output
	txs        map[chainhash.Hash]Confirmed
	spentBy    map[wire.OutPoint]chainhash.Hash
	mints      uint64

	sigCache *txscript.SigCache
	log      *logging.Logger
}

// NewChain creates an empty chain at startHeight.
func NewChain(params *chaincfg.Params, startHeight uint64) *Chain {
	return &Chain{
		params:     params,
		height:     startHeight,
		utxos:      btree.NewG[Output](32, less),
		byOutPoint: make(map[wire.OutPoint]Output),
		txs:        make(map[chainhash.Hash]Confirmed),
		spentBy:    make(map[wire.OutPoint]chainhash.Hash),
		sigCache:   txscript.NewSigCache(1000),
		log:        logging.GetDefault().Component("utxo"),
	}
}

// Params returns the network parameters.
func (c *Chain) Params() *chaincfg.Params {
	return c.params
}

// Height returns the height of the last block.
func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.height
}

// Mine advances the chain by n blocks and returns the new height.
func (c *Chain) Mine(n uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height += n
	c.log.Debug("Mined blocks", "count", n, "height", c.height)
	return c.height
}

// Mint creates a new output paying value to pkScript, like a coinbase without maturity.
func (c *Chain) Mint(pkScript []byte, value uint64) (wire.OutPoint, error) {
	if value == 0 {
		return wire.OutPoint{}, fmt.Errorf("mint value must be greater than 0")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.mints++
	extraNonce := make([]byte, 8)
	binary.LittleEndian.PutUint64(extraNonce, c.mints)
	sigScript, err := txscript.NewScriptBuilder().
		AddInt64(int64(c.height)).
		AddData(extraNonce).
		Script()
	if err != nil {
		return wire.OutPoint{}, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex), sigScript, nil))
	tx.AddTxOut(wire.NewTxOut(int64(value), pkScript))

	c.apply(tx)
	return wire.OutPoint{Hash: tx.TxHash(), Index: 0}, nil
}

// SubmitTx validates tx against the current chain state and applies it.
func (c *Chain) SubmitTx(tx *wire.MsgTx) (*chainhash.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	txid := tx.TxHash()
	if _, ok := c.txs[txid]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTx, txid)
	}

	btx := btcutil.NewTx(tx)
	if err := blockchain.CheckTransactionSanity(btx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	if blockchain.IsCoinBaseTx(tx) {
		return nil, fmt.Errorf("%w: coinbase transactions are not relayed", ErrInvalidTx)
	}

	// A transaction is mined into the next block.
	nextHeight := int32(c.height + 1)
	if !blockchain.IsFinalizedTransaction(btx, nextHeight, time.Now()) {
		return nil, fmt.Errorf("%w: lock time %d, next block %d", ErrNonFinal, tx.LockTime, nextHeight)
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))
	var in uint64
	for i, txIn := range tx.TxIn {
		prev, ok := c.byOutPoint[txIn.PreviousOutPoint]
		if !ok {
			return nil, fmt.Errorf("%w: input %d (%s)", ErrMissingInput, i, txIn.PreviousOutPoint)
		}
		prevOuts[txIn.PreviousOutPoint] = wire.NewTxOut(int64(prev.Value), prev.PkScript)
		in += prev.Value
	}

	var out uint64
	for _, txOut := range tx.TxOut {
		out += uint64(txOut.Value)
	}
	if out > in {
		return nil, fmt.Errorf("%w: in %d, out %d", ErrValueNotCovered, in, out)
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, txIn := range tx.TxIn {
		prev := prevOuts[txIn.PreviousOutPoint]
		vm, err := txscript.NewEngine(prev.PkScript, tx, i, txscript.StandardVerifyFlags,
			c.sigCache, sigHashes, prev.Value, fetcher)
		if err != nil {
			return nil, fmt.Errorf("%w: input %d: %v", ErrScriptFailed, i, err)
		}
		if err := vm.Execute(); err != nil {
			return nil, fmt.Errorf("%w: input %d: %v", ErrScriptFailed, i, err)
		}
	}

	c.apply(tx)
	c.log.Debug("Transaction accepted", "txid", txid, "inputs", len(tx.TxIn), "outputs", len(tx.TxOut),
		"fee", in-out)
	return &txid, nil
}

// apply spends the inputs and adds the outputs of tx. Caller must hold c.mu.
func (c *Chain) apply(tx *wire.MsgTx) {
	txid := tx.TxHash()

	if !blockchain.IsCoinBaseTx(tx) {
		for _, txIn := range tx.TxIn {
			prev := c.byOutPoint[txIn.PreviousOutPoint]
			c.utxos.Delete(prev)
			delete(c.byOutPoint, txIn.PreviousOutPoint)
			c.spentBy[txIn.PreviousOutPoint] = txid
		}
	}

	for i, txOut := range tx.TxOut {
		o := Output{
			OutPoint: wire.OutPoint{Hash: txid, Index: uint32(i)},
			Value:    uint64(txOut.Value),
			PkScript: txOut.PkScript,
			Height:   c.height,
		}
		c.utxos.ReplaceOrInsert(o)
		c.byOutPoint[o.OutPoint] = o
	}

	c.txs[txid] = Confirmed{Tx: tx, Height: c.height}
}

// Unspent returns the unspent output at op.
func (c *Chain) Unspent(op wire.OutPoint) (Output, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.byOutPoint[op]
	return o, ok
}

// UnspentByScript returns every unspent output paying pkScript.
func (c *Chain) UnspentByScript(pkScript []byte) []Output {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var outs []Output
	pivot := Output{PkScript: pkScript}
	c.utxos.AscendGreaterOrEqual(pivot, func(o Output) bool {
		if !bytes.Equal(o.PkScript, pkScript) {
			return false
		}
		outs = append(outs, o)
		return true
	})
	return outs
}

// Balance sums the unspent outputs paying pkScript.
func (c *Chain) Balance(pkScript []byte) uint64 {
	var total uint64
	for _, o := range c.UnspentByScript(pkScript) {
		total += o.Value
	}
	return total
}

// Tx returns an accepted transaction.
func (c *Chain) Tx(txid chainhash.Hash) (Confirmed, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tx, ok := c.txs[txid]
	return tx, ok
}

// SpenderOf returns the transaction that spent op.
func (c *Chain) SpenderOf(op wire.OutPoint) (Confirmed, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	txid, ok := c.spentBy[op]
	if !ok {
		return Confirmed{}, false
	}
	tx, ok := c.txs[txid]
	return tx, ok
}

// UTXOCount returns the size of the unspent set.
func (c *Chain) UTXOCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.utxos.Len()
}
