package btcscript

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Transaction building errors
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoCoins           = errors.New("no coins to spend")
)

// SpendSequence is the input sequence of predicate spends. It is below the maximum so
// that the transaction lock time is enforced.
const SpendSequence = wire.MaxTxInSequenceNum - 1

// Coin is a P2WPKH wallet output together with the key that spends it.
type Coin struct {
	OutPoint wire.OutPoint
	Value    uint64
	PkScript []byte
	PrivKey  *btcec.PrivateKey
}

// P2WPKHScript returns the pay-to-witness-pubkey-hash output script of pub.
func P2WPKHScript(pub *btcec.PublicKey) []byte {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(btcutil.Hash160(pub.SerializeCompressed()))
	script, _ := builder.Script()
	return script
}

// FundingParams contains parameters for a transaction funding a predicate.
type FundingParams struct {
	Coins     []Coin
	Predicate *Predicate

	// Amount is what the spend of the predicate pays out; Fee is locked on top of it
	// to pay for that spend.
	Amount uint64
	Fee    uint64

	// FundingFee pays for the funding transaction itself.
	FundingFee     uint64
	ChangePkScript []byte
}

// BuildFundingTx creates and signs a transaction paying Amount+Fee to the predicate.
// Output 0 is the predicate output; output 1, if present, is change.
func BuildFundingTx(p *FundingParams) (*wire.MsgTx, error) {
	if len(p.Coins) == 0 {
		return nil, ErrNoCoins
	}
	if p.Predicate == nil {
		return nil, fmt.Errorf("predicate required")
	}
	if p.Amount == 0 {
		return nil, fmt.Errorf("amount must be greater than 0")
	}

	locked := p.Amount + p.Fee
	var total uint64
	for _, c := range p.Coins {
		total += c.Value
	}
	if total < locked+p.FundingFee {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, locked+p.FundingFee, total)
	}

	tx := wire.NewMsgTx(2)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(p.Coins))
	for _, c := range p.Coins {
		txIn := wire.NewTxIn(&c.OutPoint, nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum
		tx.AddTxIn(txIn)
		prevOuts[c.OutPoint] = wire.NewTxOut(int64(c.Value), c.PkScript)
	}

	tx.AddTxOut(wire.NewTxOut(int64(locked), p.Predicate.ScriptPubKey()))
	if change := total - locked - p.FundingFee; change > 0 {
		if len(p.ChangePkScript) == 0 {
			return nil, fmt.Errorf("change script required for %d sats of change", change)
		}
		tx.AddTxOut(wire.NewTxOut(int64(change), p.ChangePkScript))
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, c := range p.Coins {
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, int64(c.Value), c.PkScript,
			txscript.SigHashAll, c.PrivKey, true)
		if err != nil {
			return nil, fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}

	return tx, nil
}

// SpendParams contains parameters for spending a predicate output.
type SpendParams struct {
	OutPoint  wire.OutPoint
	Value     uint64 // value of the predicate output
	Amount    uint64 // paid to DestPkScript; the rest is fee
	Predicate *Predicate

	DestPkScript []byte
	// PrivKey is the recipient's key for a claim and the sender's for a refund.
	PrivKey *btcec.PrivateKey
}

// BuildClaimTx creates a transaction spending the predicate with a preimage.
// The preimage is not checked here; a wrong one fails script validation.
//
// Witness structure: [signature, preimage, script]
func BuildClaimTx(p *SpendParams, preimage []byte) (*wire.MsgTx, error) {
	tx, err := newSpendTx(p, 0)
	if err != nil {
		return nil, err
	}
	sig, err := signPredicateInput(tx, p)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = ClaimWitness(sig, preimage, p.Predicate.Script)
	return tx, nil
}

// BuildRefundTx creates a transaction returning the predicate output to the sender.
// Its lock time is the predicate expiry, so it is final only once the chain passed it.
//
// Witness structure: [signature, <>, script]
func BuildRefundTx(p *SpendParams) (*wire.MsgTx, error) {
	if p.Predicate == nil {
		return nil, fmt.Errorf("predicate required")
	}
	tx, err := newSpendTx(p, p.Predicate.Expiry)
	if err != nil {
		return nil, err
	}
	sig, err := signPredicateInput(tx, p)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = RefundWitness(sig, p.Predicate.Script)
	return tx, nil
}

func newSpendTx(p *SpendParams, lockTime uint32) (*wire.MsgTx, error) {
	if p.PrivKey == nil {
		return nil, fmt.Errorf("private key required")
	}
	if p.Predicate == nil || len(p.Predicate.Script) == 0 {
		return nil, fmt.Errorf("predicate required")
	}
	if p.Amount == 0 || p.Amount > p.Value {
		return nil, fmt.Errorf("%w: output %d, predicate value %d", ErrInsufficientFunds, p.Amount, p.Value)
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = lockTime

	txIn := wire.NewTxIn(&p.OutPoint, nil, nil)
	txIn.Sequence = SpendSequence
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(int64(p.Amount), p.DestPkScript))

	return tx, nil
}

// signPredicateInput returns a BIP 143 signature of input 0 with SIGHASH_ALL appended.
func signPredicateInput(tx *wire.MsgTx, p *SpendParams) ([]byte, error) {
	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(p.Predicate.ScriptPubKey(), int64(p.Value))
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	sighash, err := txscript.CalcWitnessSigHash(
		p.Predicate.Script,
		sigHashes,
		txscript.SigHashAll,
		tx,
		0,
		int64(p.Value),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash: %w", err)
	}

	sig := btcecdsa.Sign(p.PrivKey, sighash)
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}
