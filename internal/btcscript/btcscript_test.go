package btcscript

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
)

func newKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey() error = %v", err)
	}
	return key
}

func newTestPredicate(t *testing.T, expiry uint32) (*Predicate, []byte, *btcec.PrivateKey, *btcec.PrivateKey) {
	t.Helper()
	preimage, hash, err := htlc.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	sender, recipient := newKey(t), newKey(t)
	p, err := NewPredicate(hash, sender.PubKey(), recipient.PubKey(), expiry)
	if err != nil {
		t.Fatalf("NewPredicate() error = %v", err)
	}
	return p, preimage, sender, recipient
}

// execute runs input 0 of tx against the predicate output through the script engine.
func execute(t *testing.T, p *Predicate, value uint64, tx *wire.MsgTx) error {
	t.Helper()
	pkScript := p.ScriptPubKey()
	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, int64(value))
	vm, err := txscript.NewEngine(pkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), int64(value), fetcher)
	if err != nil {
		return err
	}
	return vm.Execute()
}

func TestBuildPredicateValidation(t *testing.T) {
	var hash htlc.Hash
	key := newKey(t).PubKey().SerializeCompressed()

	tests := []struct {
		name      string
		sender    []byte
		recipient []byte
		expiry    uint32
	}{
		{"short sender", key[:32], key, 100},
		{"uncompressed recipient", key, newKey(t).PubKey().SerializeUncompressed(), 100},
		{"zero expiry", key, key, 0},
		{"timestamp expiry", key, key, 500_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildPredicate(hash, tt.sender, tt.recipient, tt.expiry); err == nil {
				t.Error("BuildPredicate() should fail")
			}
		})
	}
}

func TestParsePredicateRoundTrip(t *testing.T) {
	for _, expiry := range []uint32{1, 16, 17, 127, 128, 255, 256, 32767, 32768, 840_000, 499_999_999} {
		p, _, _, _ := newTestPredicate(t, expiry)

		parsed, err := ParsePredicate(p.Script)
		if err != nil {
			t.Fatalf("ParsePredicate(expiry=%d) error = %v", expiry, err)
		}
		if parsed.Expiry != expiry {
			t.Errorf("Expiry = %d, want %d", parsed.Expiry, expiry)
		}
		if parsed.Hash != p.Hash {
			t.Error("hash mismatch")
		}
		if !bytes.Equal(parsed.Sender, p.Sender) || !bytes.Equal(parsed.Recipient, p.Recipient) {
			t.Error("pubkey mismatch")
		}
	}
}

func TestParsePredicateRejects(t *testing.T) {
	p, _, _, _ := newTestPredicate(t, 100)

	trailing := append(append([]byte{}, p.Script...), txscript.OP_NOP)
	if _, err := ParsePredicate(trailing); !errors.Is(err, ErrNotPredicate) {
		t.Errorf("trailing opcode: error = %v, want ErrNotPredicate", err)
	}
	if _, err := ParsePredicate(p.Script[:10]); !errors.Is(err, ErrNotPredicate) {
		t.Errorf("truncated: error = %v, want ErrNotPredicate", err)
	}
	if _, err := ParsePredicate(P2WSHScriptPubKey(p.Script)); !errors.Is(err, ErrNotPredicate) {
		t.Errorf("scriptPubKey: error = %v, want ErrNotPredicate", err)
	}
}

func TestScriptPubKeyAndAddress(t *testing.T) {
	p, _, _, _ := newTestPredicate(t, 100)

	spk := p.ScriptPubKey()
	if len(spk) != 34 || spk[0] != txscript.OP_0 || spk[1] != 0x20 {
		t.Errorf("ScriptPubKey() = %x, want OP_0 <32 bytes>", spk)
	}
	if txscript.GetScriptClass(spk) != txscript.WitnessV0ScriptHashTy {
		t.Error("ScriptPubKey() is not P2WSH")
	}

	addr, err := p.Address(&chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("Address() error = %v", err)
	}
	if !strings.HasPrefix(addr, "bcrt1q") {
		t.Errorf("Address() = %s, want bcrt1q prefix", addr)
	}
}

func TestClaimAndRefundScripts(t *testing.T) {
	const (
		expiry = 150
		amount = 100_000
		fee    = 1_000
	)
	p, preimage, sender, recipient := newTestPredicate(t, expiry)
	outpoint := wire.OutPoint{Hash: chainhash.Hash{1}, Index: 0}

	params := func(key *btcec.PrivateKey) *SpendParams {
		return &SpendParams{
			OutPoint:     outpoint,
			Value:        amount + fee,
			Amount:       amount,
			Predicate:    p,
			DestPkScript: P2WPKHScript(key.PubKey()),
			PrivKey:      key,
		}
	}

	t.Run("claim with preimage", func(t *testing.T) {
		tx, err := BuildClaimTx(params(recipient), preimage)
		if err != nil {
			t.Fatalf("BuildClaimTx() error = %v", err)
		}
		if err := execute(t, p, amount+fee, tx); err != nil {
			t.Errorf("claim script failed: %v", err)
		}
		if tx.TxOut[0].Value != amount {
			t.Errorf("claim pays %d, want %d", tx.TxOut[0].Value, amount)
		}

		got, ok := ExtractPreimage(tx.TxIn[0].Witness, p.Hash)
		if !ok || !bytes.Equal(got, preimage) {
			t.Error("ExtractPreimage() did not recover the preimage")
		}
	})

	t.Run("claim with wrong preimage", func(t *testing.T) {
		wrong := bytes.Repeat([]byte{7}, htlc.PreimageSize)
		tx, err := BuildClaimTx(params(recipient), wrong)
		if err != nil {
			t.Fatalf("BuildClaimTx() error = %v", err)
		}
		if err := execute(t, p, amount+fee, tx); err == nil {
			t.Error("claim with wrong preimage should fail script validation")
		}
	})

	t.Run("claim signed by sender", func(t *testing.T) {
		tx, err := BuildClaimTx(params(sender), preimage)
		if err != nil {
			t.Fatalf("BuildClaimTx() error = %v", err)
		}
		if err := execute(t, p, amount+fee, tx); err == nil {
			t.Error("claim signed by the sender should fail")
		}
	})

	t.Run("refund", func(t *testing.T) {
		tx, err := BuildRefundTx(params(sender))
		if err != nil {
			t.Fatalf("BuildRefundTx() error = %v", err)
		}
		if tx.LockTime != expiry {
			t.Errorf("LockTime = %d, want %d", tx.LockTime, expiry)
		}
		if tx.TxIn[0].Sequence != SpendSequence {
			t.Errorf("Sequence = %x, want %x", tx.TxIn[0].Sequence, SpendSequence)
		}
		if err := execute(t, p, amount+fee, tx); err != nil {
			t.Errorf("refund script failed: %v", err)
		}
		if _, ok := ExtractPreimage(tx.TxIn[0].Witness, p.Hash); ok {
			t.Error("refund witness carries no preimage")
		}
	})

	t.Run("refund with early lock time", func(t *testing.T) {
		tx, err := BuildRefundTx(params(sender))
		if err != nil {
			t.Fatalf("BuildRefundTx() error = %v", err)
		}
		tx.LockTime = expiry - 1
		if err := execute(t, p, amount+fee, tx); err == nil {
			t.Error("CLTV should reject a lock time below the expiry")
		}
	})

	t.Run("refund signed by recipient", func(t *testing.T) {
		tx, err := BuildRefundTx(params(recipient))
		if err != nil {
			t.Fatalf("BuildRefundTx() error = %v", err)
		}
		if err := execute(t, p, amount+fee, tx); err == nil {
			t.Error("refund signed by the recipient should fail")
		}
	})
}

func TestBuildFundingTx(t *testing.T) {
	p, _, sender, _ := newTestPredicate(t, 100)
	change := P2WPKHScript(sender.PubKey())

	coins := []Coin{
		{OutPoint: wire.OutPoint{Hash: chainhash.Hash{2}, Index: 0}, Value: 60_000, PkScript: change, PrivKey: sender},
		{OutPoint: wire.OutPoint{Hash: chainhash.Hash{3}, Index: 1}, Value: 60_000, PkScript: change, PrivKey: sender},
	}

	tx, err := BuildFundingTx(&FundingParams{
		Coins:          coins,
		Predicate:      p,
		Amount:         100_000,
		Fee:            1_000,
		FundingFee:     500,
		ChangePkScript: change,
	})
	if err != nil {
		t.Fatalf("BuildFundingTx() error = %v", err)
	}
	if len(tx.TxOut) != 2 {
		t.Fatalf("outputs = %d, want 2", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != 101_000 || !bytes.Equal(tx.TxOut[0].PkScript, p.ScriptPubKey()) {
		t.Errorf("predicate output = %d %x", tx.TxOut[0].Value, tx.TxOut[0].PkScript)
	}
	if tx.TxOut[1].Value != 18_500 {
		t.Errorf("change = %d, want 18500", tx.TxOut[1].Value)
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut)
	for _, c := range coins {
		prevOuts[c.OutPoint] = wire.NewTxOut(int64(c.Value), c.PkScript)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, c := range coins {
		vm, err := txscript.NewEngine(c.PkScript, tx, i, txscript.StandardVerifyFlags, nil,
			sigHashes, int64(c.Value), fetcher)
		if err != nil {
			t.Fatalf("NewEngine(%d) error = %v", i, err)
		}
		if err := vm.Execute(); err != nil {
			t.Errorf("input %d failed: %v", i, err)
		}
	}

	_, err = BuildFundingTx(&FundingParams{Coins: coins[:1], Predicate: p, Amount: 100_000, Fee: 1_000})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("BuildFundingTx() error = %v, want ErrInsufficientFunds", err)
	}
}

func TestNetParams(t *testing.T) {
	tests := []struct {
		name string
		want *chaincfg.Params
	}{
		{"", &chaincfg.RegressionNetParams},
		{"regtest", &chaincfg.RegressionNetParams},
		{"mainnet", &chaincfg.MainNetParams},
		{"testnet", &chaincfg.TestNet3Params},
		{"signet", &chaincfg.SigNetParams},
	}
	for _, tt := range tests {
		got, err := NetParams(tt.name)
		if err != nil || got != tt.want {
			t.Errorf("NetParams(%q) = %v, %v", tt.name, got, err)
		}
	}
	if _, err := NetParams("dogenet"); err == nil {
		t.Error("NetParams(dogenet) should fail")
	}
}
