package utxo

import (
	"bytes"
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingon-htlc/internal/btcscript"
	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
	"github.com/klingon-exchange/klingon-htlc/internal/wallet"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

	alice htlc.Principal = "alice"
	bob   htlc.Principal = "bob"

	startHeight = 100
	funding     = 200_000
	amount      = 100_000
)

func newTestHTLC(t *testing.T) *HTLC {
	t.Helper()

	w, err := wallet.NewFromMnemonic(testMnemonic, "", &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	keys := wallet.NewKeyring(w)
	_, err = keys.Derive(alice)
	require.NoError(t, err)
	_, err = keys.Derive(bob)
	require.NoError(t, err)

	h := NewHTLC(NewChain(&chaincfg.RegressionNetParams, startHeight), keys, HTLCConfig{})
	_, err = h.Faucet(alice, funding)
	require.NoError(t, err)
	return h
}

func newSecret(t *testing.T) ([]byte, htlc.Hash) {
	t.Helper()
	preimage, hash, err := htlc.GenerateSecret()
	require.NoError(t, err)
	return preimage, hash
}

func register(t *testing.T, h *HTLC, hash htlc.Hash, expiry uint64) *htlc.Receipt {
	t.Helper()
	receipt, err := h.Register(context.Background(), htlc.RegisterRequest{
		Caller:           alice,
		Hash:             hash.Bytes(),
		ExpirationHeight: expiry,
		Recipient:        bob,
		Asset:            htlc.Native(amount),
	})
	require.NoError(t, err)
	return receipt
}

func balance(t *testing.T, h *HTLC, who htlc.Principal) uint64 {
	t.Helper()
	b, err := h.Balance(who)
	require.NoError(t, err)
	return b
}

func (h *HTLC) tracked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, locks := range h.locks {
		n += len(locks)
	}
	return n
}

func TestRegisterFundsPredicate(t *testing.T) {
	h := newTestHTLC(t)
	_, hash := newSecret(t)

	receipt := register(t, h, hash, startHeight+10)
	require.Len(t, receipt.Events, 1)
	assert.Equal(t, htlc.OpRegister, receipt.Events[0].Op)
	assert.Equal(t, "btc", receipt.Events[0].Ledger)

	assert.Equal(t, uint64(funding-amount-DefaultSpendFee-DefaultFundingFee), balance(t, h, alice))

	predicate, op, ok := h.Predicate(hash, alice)
	require.True(t, ok)
	out, ok := h.Chain().Unspent(op)
	require.True(t, ok)
	assert.Equal(t, uint64(amount+DefaultSpendFee), out.Value)
	assert.Equal(t, predicate.ScriptPubKey(), out.PkScript)

	intent, err := h.GetSwapIntent(context.Background(), hash, alice)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, uint64(startHeight+10), intent.ExpirationHeight)
	assert.Equal(t, bob, intent.Recipient)
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	h := newTestHTLC(t)
	_, hash := newSecret(t)

	tests := []struct {
		name    string
		hash    []byte
		expiry  uint64
		asset   htlc.Asset
		wantErr error
	}{
		{"short hash", hash[:20], startHeight + 10, htlc.Native(1), htlc.ErrInvalidHashLength},
		{"expiry at height", hash.Bytes(), startHeight, htlc.Native(1), htlc.ErrExpiryInPast},
		{"zero amount", hash.Bytes(), startHeight + 10, htlc.Native(0), htlc.ErrNonPositiveAmount},
		{"overdraft", hash.Bytes(), startHeight + 10, htlc.Native(funding), htlc.ErrInsufficientBalance},
		{"token", hash.Bytes(), startHeight + 10, htlc.Fungible("token", 1), htlc.ErrInvalidAssetContract},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Register(ctx, htlc.RegisterRequest{
				Caller:           alice,
				Hash:             tt.hash,
				ExpirationHeight: tt.expiry,
				Recipient:        bob,
				Asset:            tt.asset,
			})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, uint64(funding), balance(t, h, alice))
		})
	}

	register(t, h, hash, startHeight+10)
	_, err := h.Register(ctx, htlc.RegisterRequest{
		Caller: alice, Hash: hash.Bytes(), ExpirationHeight: startHeight + 10, Recipient: bob,
		Asset: htlc.Native(1_000),
	})
	assert.ErrorIs(t, err, htlc.ErrSwapAlreadyExists)

	_, err = h.Register(ctx, htlc.RegisterRequest{
		Caller: alice, Hash: hash.Bytes(), ExpirationHeight: startHeight + 10, Recipient: bob,
		Asset: htlc.Native(0),
	})
	assert.ErrorIs(t, err, htlc.ErrSwapAlreadyExists)
}

func TestSpentLocksArePruned(t *testing.T) {
	ctx := context.Background()
	h := newTestHTLC(t)
	preimage, hash := newSecret(t)
	register(t, h, hash, startHeight+10)

	_, err := h.Swap(ctx, htlc.SwapRequest{Caller: bob, Sender: alice, Preimage: preimage})
	require.NoError(t, err)
	assert.Equal(t, 1, h.tracked())

	_, other := newSecret(t)
	h.Chain().Mine(DefaultRetainDepth)
	_, err = h.Faucet(alice, funding)
	require.NoError(t, err)
	register(t, h, other, h.Chain().Height()+10)
	assert.Equal(t, 2, h.tracked())
	found, err := h.FindPreimage(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, preimage, found)

	h.Chain().Mine(1)
	_, err = h.Faucet(alice, funding)
	require.NoError(t, err)
	_, third := newSecret(t)
	register(t, h, third, h.Chain().Height()+10)
	assert.Equal(t, 2, h.tracked())
	_, err = h.FindPreimage(ctx, hash)
	assert.ErrorIs(t, err, htlc.ErrPreimageNotFound)
}

func TestClaim(t *testing.T) {
	ctx := context.Background()
	h := newTestHTLC(t)
	preimage, hash := newSecret(t)
	register(t, h, hash, startHeight+10)

	wrong, _ := newSecret(t)
	_, err := h.Claim(ctx, hash, alice, wrong)
	assert.ErrorIs(t, err, ErrScriptFailed)
	assert.Zero(t, balance(t, h, bob))

	_, err = h.FindPreimage(ctx, hash)
	assert.ErrorIs(t, err, htlc.ErrPreimageNotFound)

	// The lookup is keyed by sender.
	_, err = h.Swap(ctx, htlc.SwapRequest{Caller: bob, Sender: bob, Preimage: preimage})
	assert.ErrorIs(t, err, htlc.ErrUnknownSwap)

	receipt, err := h.Swap(ctx, htlc.SwapRequest{Caller: bob, Sender: alice, Preimage: preimage})
	require.NoError(t, err)
	assert.Equal(t, htlc.OpSwap, receipt.Events[0].Op)
	assert.Equal(t, uint64(amount), balance(t, h, bob))

	found, err := h.FindPreimage(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, preimage, found)

	intent, err := h.GetSwapIntent(ctx, hash, alice)
	require.NoError(t, err)
	assert.Nil(t, intent)

	_, err = h.Cancel(ctx, htlc.CancelRequest{Caller: alice, Hash: hash.Bytes()})
	assert.ErrorIs(t, err, htlc.ErrUnknownSwap)

	// Resolution frees the hash.
	_, err = h.Faucet(alice, funding)
	require.NoError(t, err)
	register(t, h, hash, startHeight+10)
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	h := newTestHTLC(t)
	_, hash := newSecret(t)
	const expiry = startHeight + 10
	register(t, h, hash, expiry)
	afterRegister := balance(t, h, alice)

	_, err := h.Cancel(ctx, htlc.CancelRequest{Caller: alice, Hash: hash.Bytes()})
	assert.ErrorIs(t, err, ErrNonFinal)
	assert.ErrorIs(t, err, htlc.ErrSwapNotExpired)

	h.Chain().Mine(9)
	_, err = h.Cancel(ctx, htlc.CancelRequest{Caller: alice, Hash: hash.Bytes()})
	assert.ErrorIs(t, err, ErrNonFinal)

	h.Chain().Mine(1)
	_, err = h.Cancel(ctx, htlc.CancelRequest{Caller: bob, Hash: hash.Bytes()})
	assert.ErrorIs(t, err, htlc.ErrUnknownSwap)
	_, err = h.Cancel(ctx, htlc.CancelRequest{Caller: alice, Hash: hash[:16]})
	assert.ErrorIs(t, err, htlc.ErrUnknownSwap)

	receipt, err := h.Cancel(ctx, htlc.CancelRequest{Caller: alice, Hash: hash.Bytes()})
	require.NoError(t, err)
	assert.Equal(t, htlc.OpCancel, receipt.Events[0].Op)
	assert.Equal(t, afterRegister+amount, balance(t, h, alice))

	_, err = h.Cancel(ctx, htlc.CancelRequest{Caller: alice, Hash: hash.Bytes()})
	assert.ErrorIs(t, err, htlc.ErrUnknownSwap)
}

func TestClaimAfterExpiry(t *testing.T) {
	ctx := context.Background()
	h := newTestHTLC(t)
	preimage, hash := newSecret(t)
	register(t, h, hash, startHeight+2)

	h.Chain().Mine(5)
	_, err := h.Swap(ctx, htlc.SwapRequest{Caller: bob, Sender: alice, Preimage: preimage})
	require.NoError(t, err)
	assert.Equal(t, uint64(amount), balance(t, h, bob))
}

func TestSubmitTxRejects(t *testing.T) {
	h := newTestHTLC(t)
	c := h.Chain()
	aliceScript, err := h.PkScript(alice)
	require.NoError(t, err)
	coins := c.UnspentByScript(aliceScript)
	require.Len(t, coins, 1)

	t.Run("missing input", func(t *testing.T) {
		tx := wire.NewMsgTx(2)
		tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{9}, Index: 0}, nil, nil))
		tx.AddTxOut(wire.NewTxOut(1_000, aliceScript))
		_, err := c.SubmitTx(tx)
		assert.ErrorIs(t, err, ErrMissingInput)
	})

	t.Run("outputs exceed inputs", func(t *testing.T) {
		tx := wire.NewMsgTx(2)
		tx.AddTxIn(wire.NewTxIn(&coins[0].OutPoint, nil, nil))
		tx.AddTxOut(wire.NewTxOut(int64(funding+1), aliceScript))
		_, err := c.SubmitTx(tx)
		assert.ErrorIs(t, err, ErrValueNotCovered)
	})

	t.Run("unsigned input", func(t *testing.T) {
		tx := wire.NewMsgTx(2)
		tx.AddTxIn(wire.NewTxIn(&coins[0].OutPoint, nil, nil))
		tx.AddTxOut(wire.NewTxOut(int64(funding-1_000), aliceScript))
		_, err := c.SubmitTx(tx)
		assert.ErrorIs(t, err, ErrScriptFailed)
	})

	t.Run("no outputs", func(t *testing.T) {
		tx := wire.NewMsgTx(2)
		tx.AddTxIn(wire.NewTxIn(&coins[0].OutPoint, nil, nil))
		_, err := c.SubmitTx(tx)
		assert.ErrorIs(t, err, ErrInvalidTx)
	})

	assert.Equal(t, uint64(funding), c.Balance(aliceScript))
}

func TestUnspentByScript(t *testing.T) {
	c := NewChain(&chaincfg.RegressionNetParams, 0)
	a := btcscript.P2WSHScriptPubKey([]byte{1})
	b := btcscript.P2WSHScriptPubKey([]byte{2})

	for _, v := range []uint64{10, 20, 30} {
		_, err := c.Mint(a, v)
		require.NoError(t, err)
	}
	_, err := c.Mint(b, 5)
	require.NoError(t, err)
	_, err = c.Mint(a, 0)
	assert.Error(t, err)

	outs := c.UnspentByScript(a)
	require.Len(t, outs, 3)
	for _, o := range outs {
		assert.True(t, bytes.Equal(a, o.PkScript))
	}
	assert.Equal(t, uint64(60), c.Balance(a))
	assert.Equal(t, uint64(5), c.Balance(b))
	assert.Equal(t, 4, c.UTXOCount())
	assert.Equal(t, uint64(7), c.Mine(7))
}

func TestFaucetAddress(t *testing.T) {
	h := newTestHTLC(t)

	addr, err := h.Address(bob)
	require.NoError(t, err)
	_, err = h.FaucetAddress(addr, 7_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(7_000), balance(t, h, bob))

	_, err = h.FaucetAddress("bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu", 1)
	assert.Error(t, err, "mainnet address on regtest")
}
