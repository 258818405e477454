package wallet

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/klingon-exchange/klingon-htlc/pkg/helpers"
)

// EVMAddress returns the account address of a secp256k1 public key:
// the last 20 bytes of Keccak256 over the uncompressed key without its prefix.
func EVMAddress(pub *btcec.PublicKey) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256(pub.SerializeUncompressed()[1:])[12:])
}

// ToECDSA converts a key for go-ethereum signers.
func ToECDSA(priv *btcec.PrivateKey) (*ecdsa.PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(priv.Serialize())
	if err != nil {
		return nil, fmt.Errorf("failed to convert key: %w", err)
	}
	return key, nil
}

// PrivateKeyFromHex parses a 32-byte hex key (0x prefix optional).
func PrivateKeyFromHex(s string) (*btcec.PrivateKey, error) {
	b, err := helpers.HexToBytes(s)
	if err != nil {
		return nil, fmt.Errorf("invalid key hex: %w", err)
	}
	if len(b) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(b))
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv, nil
}
