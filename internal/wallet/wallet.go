// Package wallet derives the node's signing keys from a BIP39 seed and maps them onto
// ledger principals.
package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

// Derivation constants.
const (
	PurposeBIP44 = 44
	PurposeBIP84 = 84

	CoinTypeBitcoin = 0
	CoinTypeTestnet = 1
	CoinTypeEther   = 60
)

type keyPath struct {
	purpose, coinType, account, change, index uint32
}

func (p keyPath) String() string {
	return DerivationPath(p.purpose, p.coinType, p.account, p.change, p.index)
}

// Wallet manages HD keys derived from a BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	params    *chaincfg.Params

	mu    sync.Mutex
	cache map[keyPath]*hdkeychain.ExtendedKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic and optional passphrase.
func NewFromMnemonic(mnemonic, passphrase string, params *chaincfg.Params) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return NewFromSeed(bip39.NewSeed(mnemonic, passphrase), params)
}

// NewFromSeed creates a wallet from a raw seed.
func NewFromSeed(seed []byte, params *chaincfg.Params) (*Wallet, error) {
	if params == nil {
		params = &chaincfg.RegressionNetParams
	}

	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		params:    params,
		cache:     make(map[keyPath]*hdkeychain.ExtendedKey),
	}, nil
}

// Params returns the network the wallet derives addresses for.
func (w *Wallet) Params() *chaincfg.Params {
	return w.params
}

// DeriveKey derives the key at m/purpose'/coin'/account'/change/index.
func (w *Wallet) DeriveKey(purpose, coinType, account, change, index uint32) (*hdkeychain.ExtendedKey, error) {
	if err := ValidateAccountIndex(account); err != nil {
		return nil, err
	}

	path := keyPath{purpose, coinType, account, change, index}

	w.mu.Lock()
	defer w.mu.Unlock()

	if key, ok := w.cache[path]; ok {
		return key, nil
	}

	key := w.masterKey
	steps := []uint32{
		hdkeychain.HardenedKeyStart + purpose,
		hdkeychain.HardenedKeyStart + coinType,
		hdkeychain.HardenedKeyStart + account,
		change,
		index,
	}
	for _, step := range steps {
		var err error
		if key, err = key.Derive(step); err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", path, err)
		}
	}

	w.cache[path] = key
	return key, nil
}

// BitcoinKey returns the BIP84 key of account on the wallet network.
func (w *Wallet) BitcoinKey(account uint32) (*btcec.PrivateKey, error) {
	return w.privateKey(PurposeBIP84, w.bitcoinCoinType(), account)
}

// EVMKey returns the BIP44 Ethereum key of account.
func (w *Wallet) EVMKey(account uint32) (*btcec.PrivateKey, error) {
	return w.privateKey(PurposeBIP44, CoinTypeEther, account)
}

// BitcoinPath returns the derivation path of BitcoinKey(account).
func (w *Wallet) BitcoinPath(account uint32) string {
	return DerivationPath(PurposeBIP84, w.bitcoinCoinType(), account, 0, 0)
}

func (w *Wallet) bitcoinCoinType() uint32 {
	if w.params.Net == chaincfg.MainNetParams.Net {
		return CoinTypeBitcoin
	}
	return CoinTypeTestnet
}

func (w *Wallet) privateKey(purpose, coinType, account uint32) (*btcec.PrivateKey, error) {
	key, err := w.DeriveKey(purpose, coinType, account, 0, 0)
	if err != nil {
		return nil, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return priv, nil
}

// DerivationPath formats a BIP44-style path.
func DerivationPath(purpose, coinType, account, change, index uint32) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", purpose, coinType, account, change, index)
}

// ValidateAccountIndex checks that account fits hardened derivation.
func ValidateAccountIndex(account uint32) error {
	const maxAccount = hdkeychain.HardenedKeyStart - 1
	if account > maxAccount {
		return fmt.Errorf("account index %d exceeds maximum %d", account, maxAccount)
	}
	return nil
}
