package wallet

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
)

// ErrUnknownKey is returned for principals the keyring holds no key for.
var ErrUnknownKey = errors.New("no key for principal")

// Keyring maps principals onto keys. Local principals get a wallet account each and
// can sign; watched principals only have a public key.
type Keyring struct {
	mu       sync.RWMutex
	wallet   *Wallet
	next     uint32
	accounts map[htlc.Principal]uint32
	imported map[htlc.Principal]*btcec.PrivateKey
	watched  map[htlc.Principal]*btcec.PublicKey
}

// NewKeyring creates a keyring deriving from w. A nil wallet only holds imported keys.
func NewKeyring(w *Wallet) *Keyring {
	return &Keyring{
		wallet:   w,
		accounts: make(map[htlc.Principal]uint32),
		imported: make(map[htlc.Principal]*btcec.PrivateKey),
		watched:  make(map[htlc.Principal]*btcec.PublicKey),
	}
}

// Derive assigns the next wallet account to name and returns its key.
// Deriving an existing name returns its key unchanged.
func (k *Keyring) Derive(name htlc.Principal) (*btcec.PrivateKey, error) {
	if k.wallet == nil {
		return nil, fmt.Errorf("keyring has no wallet")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	account, ok := k.accounts[name]
	if !ok {
		if _, taken := k.imported[name]; taken {
			return nil, fmt.Errorf("principal %s already has an imported key", name)
		}
		account = k.next
		k.next++
		k.accounts[name] = account
	}
	return k.wallet.BitcoinKey(account)
}

// Import registers a signing key for name.
func (k *Keyring) Import(name htlc.Principal, priv *btcec.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.imported[name] = priv
}

// Watch registers a counterparty public key for name.
func (k *Keyring) Watch(name htlc.Principal, pub *btcec.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.watched[name] = pub
}

// PrivateKey returns the signing key of name.
func (k *Keyring) PrivateKey(name htlc.Principal) (*btcec.PrivateKey, error) {
	k.mu.RLock()
	priv, imported := k.imported[name]
	account, derived := k.accounts[name]
	k.mu.RUnlock()

	switch {
	case imported:
		return priv, nil
	case derived:
		return k.wallet.BitcoinKey(account)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, name)
	}
}

// PublicKey returns the public key of name, local or watched.
func (k *Keyring) PublicKey(name htlc.Principal) (*btcec.PublicKey, error) {
	if priv, err := k.PrivateKey(name); err == nil {
		return priv.PubKey(), nil
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if pub, ok := k.watched[name]; ok {
		return pub, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKey, name)
}

// Path returns the derivation path of a wallet-derived principal, "" otherwise.
func (k *Keyring) Path(name htlc.Principal) string {
	k.mu.RLock()
	account, ok := k.accounts[name]
	k.mu.RUnlock()
	if !ok || k.wallet == nil {
		return ""
	}
	return k.wallet.BitcoinPath(account)
}

// CanSign reports whether the keyring holds a signing key for name.
func (k *Keyring) CanSign(name htlc.Principal) bool {
	_, err := k.PrivateKey(name)
	return err == nil
}

// Names returns every known principal in sorted order.
func (k *Keyring) Names() []htlc.Principal {
	k.mu.RLock()
	defer k.mu.RUnlock()

	seen := make(map[htlc.Principal]struct{})
	for n := range k.accounts {
		seen[n] = struct{}{}
	}
	for n := range k.imported {
		seen[n] = struct{}{}
	}
	for n := range k.watched {
		seen[n] = struct{}{}
	}

	names := make([]htlc.Principal, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
