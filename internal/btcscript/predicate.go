// Package btcscript builds the HTLC locking predicate of the scripting ledger, its two
// unlocking witnesses and the transactions that fund and spend it.
package btcscript

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
)

// ErrNotPredicate is returned when a script does not have the HTLC predicate shape.
var ErrNotPredicate = errors.New("script is not an HTLC predicate")

// Predicate is a parsed HTLC locking script.
type Predicate struct {
	Hash      htlc.Hash
	Recipient []byte // compressed public key, spends with the preimage
	Sender    []byte // compressed public key, spends after Expiry
	Expiry    uint32 // absolute block height (CLTV)
	Script    []byte
}

// BuildPredicate creates the HTLC witness script.
//
// Script structure:
//
//	OP_SHA256 <hash> OP_EQUAL
//	OP_IF
//	    <recipient_pubkey>
//	OP_ELSE
//	    <expiry> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <sender_pubkey>
//	OP_ENDIF
//	OP_CHECKSIG
//
// The top witness item selects the branch: a preimage hashing to <hash> selects the
// recipient key, anything else (an empty item) the sender key behind the timelock.
func BuildPredicate(hash htlc.Hash, senderPubKey, recipientPubKey []byte, expiry uint32) ([]byte, error) {
	if len(recipientPubKey) != btcec.PubKeyBytesLenCompressed {
		return nil, fmt.Errorf("recipient pubkey must be %d bytes (compressed), got %d",
			btcec.PubKeyBytesLenCompressed, len(recipientPubKey))
	}
	if len(senderPubKey) != btcec.PubKeyBytesLenCompressed {
		return nil, fmt.Errorf("sender pubkey must be %d bytes (compressed), got %d",
			btcec.PubKeyBytesLenCompressed, len(senderPubKey))
	}
	if expiry == 0 {
		return nil, fmt.Errorf("expiry must be greater than 0")
	}
	if expiry >= txscript.LockTimeThreshold {
		return nil, fmt.Errorf("expiry %d is not a block height", expiry)
	}

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(hash[:])
	builder.AddOp(txscript.OP_EQUAL)

	builder.AddOp(txscript.OP_IF)
	builder.AddData(recipientPubKey)

	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(expiry))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(senderPubKey)

	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_CHECKSIG)

	return builder.Script()
}

// NewPredicate builds the predicate for the given keys.
func NewPredicate(hash htlc.Hash, sender, recipient *btcec.PublicKey, expiry uint32) (*Predicate, error) {
	senderBytes := sender.SerializeCompressed()
	recipientBytes := recipient.SerializeCompressed()

	script, err := BuildPredicate(hash, senderBytes, recipientBytes, expiry)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTLC predicate: %w", err)
	}

	return &Predicate{
		Hash:      hash,
		Recipient: recipientBytes,
		Sender:    senderBytes,
		Expiry:    expiry,
		Script:    script,
	}, nil
}

// ParsePredicate parses an HTLC script and extracts its components.
func ParsePredicate(script []byte) (*Predicate, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	p := &Predicate{Script: script}

	expectOp := func(op byte, name string) error {
		if !tokenizer.Next() || tokenizer.Opcode() != op {
			return fmt.Errorf("%w: expected %s", ErrNotPredicate, name)
		}
		return nil
	}
	expectData := func(size int, name string) ([]byte, error) {
		if !tokenizer.Next() || len(tokenizer.Data()) != size {
			return nil, fmt.Errorf("%w: expected %d-byte %s", ErrNotPredicate, size, name)
		}
		return tokenizer.Data(), nil
	}

	if err := expectOp(txscript.OP_SHA256, "OP_SHA256"); err != nil {
		return nil, err
	}
	hash, err := expectData(htlc.HashSize, "hash")
	if err != nil {
		return nil, err
	}
	copy(p.Hash[:], hash)

	if err := expectOp(txscript.OP_EQUAL, "OP_EQUAL"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_IF, "OP_IF"); err != nil {
		return nil, err
	}
	if p.Recipient, err = expectData(btcec.PubKeyBytesLenCompressed, "recipient pubkey"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ELSE, "OP_ELSE"); err != nil {
		return nil, err
	}

	// <expiry>: small int or minimally encoded script number
	if !tokenizer.Next() {
		return nil, fmt.Errorf("%w: expected expiry", ErrNotPredicate)
	}
	op := tokenizer.Opcode()
	if txscript.IsSmallInt(op) {
		p.Expiry = uint32(txscript.AsSmallInt(op))
	} else {
		data := tokenizer.Data()
		if len(data) == 0 || len(data) > 5 {
			return nil, fmt.Errorf("%w: invalid expiry push", ErrNotPredicate)
		}
		var expiry int64
		for i, b := range data {
			expiry |= int64(b) << (8 * i)
		}
		if data[len(data)-1]&0x80 != 0 {
			return nil, fmt.Errorf("%w: negative expiry", ErrNotPredicate)
		}
		p.Expiry = uint32(expiry)
	}

	if err := expectOp(txscript.OP_CHECKLOCKTIMEVERIFY, "OP_CHECKLOCKTIMEVERIFY"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_DROP, "OP_DROP"); err != nil {
		return nil, err
	}
	if p.Sender, err = expectData(btcec.PubKeyBytesLenCompressed, "sender pubkey"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ENDIF, "OP_ENDIF"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return nil, err
	}
	if tokenizer.Next() {
		return nil, fmt.Errorf("%w: trailing opcodes", ErrNotPredicate)
	}
	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPredicate, err)
	}

	return p, nil
}

// ScriptPubKey returns the P2WSH output script paying to the predicate.
func (p *Predicate) ScriptPubKey() []byte {
	return P2WSHScriptPubKey(p.Script)
}

// Address returns the P2WSH address of the predicate.
func (p *Predicate) Address(params *chaincfg.Params) (string, error) {
	scriptHash := sha256.Sum256(p.Script)
	address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
	if err != nil {
		return "", fmt.Errorf("failed to create P2WSH address: %w", err)
	}
	return address.EncodeAddress(), nil
}

// ScriptHex returns the script as a hex string.
func (p *Predicate) ScriptHex() string {
	return hex.EncodeToString(p.Script)
}

// P2WSHScriptPubKey creates the scriptPubKey for a P2WSH output.
// Format: OP_0 <32-byte-script-hash>
func P2WSHScriptPubKey(script []byte) []byte {
	scriptHash := sha256.Sum256(script)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(scriptHash[:])
	scriptPubKey, _ := builder.Script()
	return scriptPubKey
}

// ClaimWitness creates the witness stack for spending with the preimage.
//
// Witness stack (bottom to top):
//
//	<signature>
//	<preimage>
//	<script>
func ClaimWitness(signature, preimage, script []byte) wire.TxWitness {
	return wire.TxWitness{signature, preimage, script}
}

// RefundWitness creates the witness stack for spending after expiry.
//
// Witness stack (bottom to top):
//
//	<signature>
//	<> (hashes to anything but the lock, selecting OP_ELSE)
//	<script>
func RefundWitness(signature, script []byte) wire.TxWitness {
	return wire.TxWitness{signature, {}, script}
}

// ExtractPreimage returns the preimage of a witness spending a predicate locked to hash.
func ExtractPreimage(witness wire.TxWitness, hash htlc.Hash) ([]byte, bool) {
	if len(witness) != 3 {
		return nil, false
	}
	p, err := ParsePredicate(witness[2])
	if err != nil || p.Hash != hash {
		return nil, false
	}
	preimage := witness[1]
	if len(preimage) == 0 || !htlc.VerifyPreimage(preimage, hash) {
		return nil, false
	}
	return bytes.Clone(preimage), true
}

// NetParams maps a network name onto btcd chain parameters.
func NetParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest", "":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network: %q", network)
	}
}
