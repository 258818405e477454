// Package ledger hosts rich-state ledgers: a block height, asset books and the three HTLC
// deployments (native value, fungible tokens, non-fungible tokens) of one chain, all
// persisted through internal/storage with per-call transaction atomicity.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/klingon-exchange/klingon-htlc/internal/asset"
	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
	"github.com/klingon-exchange/klingon-htlc/internal/storage"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

// Deployment namespaces. Intents in different namespaces never collide.
const (
	NamespaceNative      = "native"
	NamespaceFungible    = "fungible"
	NamespaceNonFungible = "non_fungible"
)

// Allocation credits an asset to a principal at genesis.
type Allocation struct {
	Principal htlc.Principal
	Asset     htlc.Asset
}

// Config configures a ledger.
type Config struct {
	// Name is the chain symbol, e.g. "STX".
	Name string
	// Owner deploys the HTLC contracts and administers their whitelists.
	Owner htlc.Principal
	// Genesis is applied once, when the ledger is first created.
	Genesis []Allocation
	// Whitelist seeds both token deployments at genesis.
	Whitelist []string
	// StartHeight is the height after genesis.
	StartHeight uint64
}

// EventHandler receives events after their transaction committed.
type EventHandler func(htlc.Event)

// Ledger is one hosted rich-state chain.
type Ledger struct {
	name  string
	owner htlc.Principal
	store *storage.LedgerStore
	log   *logging.Logger

	deployments map[string]*HTLC

	mu        sync.RWMutex
	handlers  map[int]EventHandler
	nextSubID int
}

// New opens the named ledger, applying genesis if it does not exist yet.
func New(ctx context.Context, s *storage.Storage, cfg Config) (*Ledger, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("ledger name is required")
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("ledger %s: owner is required", cfg.Name)
	}

	l := &Ledger{
		name:     cfg.Name,
		owner:    cfg.Owner,
		store:    s.Ledger(cfg.Name),
		log:      logging.GetDefault().Component("ledger").Component(strings.ToLower(cfg.Name)),
		handlers: make(map[int]EventHandler),
	}

	l.deployments = map[string]*HTLC{
		NamespaceNative:      l.newHTLC(NamespaceNative, htlc.AssetNative),
		NamespaceFungible:    l.newHTLC(NamespaceFungible, htlc.AssetFungible),
		NamespaceNonFungible: l.newHTLC(NamespaceNonFungible, htlc.AssetNonFungible),
	}

	if err := l.applyGenesis(ctx, cfg); err != nil {
		return nil, fmt.Errorf("ledger %s: genesis failed: %w", cfg.Name, err)
	}
	return l, nil
}

func (l *Ledger) applyGenesis(ctx context.Context, cfg Config) error {
	return l.store.Atomic(ctx, func(tx *storage.LedgerTx) error {
		done, err := tx.Initialized()
		if err != nil || done {
			return err
		}

		for _, a := range cfg.Genesis {
			if err := asset.Mint(tx, a.Asset, a.Principal); err != nil {
				return fmt.Errorf("allocation %s to %s: %w", a.Asset, a.Principal, err)
			}
		}

		entries := make([]htlc.WhitelistEntry, 0, len(cfg.Whitelist))
		for _, c := range cfg.Whitelist {
			entries = append(entries, htlc.WhitelistEntry{Contract: c, Whitelisted: true})
		}
		for _, ns := range []string{NamespaceFungible, NamespaceNonFungible} {
			if err := l.deployments[ns].registry.Apply(tx, l.owner, entries, cfg.StartHeight); err != nil {
				return err
			}
		}

		l.log.Info("Genesis applied", "allocations", len(cfg.Genesis), "whitelisted", len(entries),
			"height", cfg.StartHeight)
		return tx.SetHeight(cfg.StartHeight)
	})
}

// Name returns the chain symbol.
func (l *Ledger) Name() string {
	return l.name
}

// Owner returns the deployer principal.
func (l *Ledger) Owner() htlc.Principal {
	return l.owner
}

// Height returns the current block height.
func (l *Ledger) Height(ctx context.Context) (uint64, error) {
	return l.store.Height(ctx)
}

// Mine advances the ledger by n empty blocks and returns the new height.
func (l *Ledger) Mine(ctx context.Context, n uint64) (uint64, error) {
	var height uint64
	err := l.store.Atomic(ctx, func(tx *storage.LedgerTx) error {
		h, err := tx.Height()
		if err != nil {
			return err
		}
		height = h + n
		return tx.SetHeight(height)
	})
	if err != nil {
		return 0, err
	}
	l.log.Debug("Mined blocks", "count", n, "height", height)
	return height, nil
}

// Faucet mints asset to principal.
func (l *Ledger) Faucet(ctx context.Context, to htlc.Principal, a htlc.Asset) error {
	return l.store.Atomic(ctx, func(tx *storage.LedgerTx) error {
		return asset.Mint(tx, a, to)
	})
}

// Balance returns the balance of owner in contract ("" for the native asset).
func (l *Ledger) Balance(ctx context.Context, owner htlc.Principal, contract string) (uint64, error) {
	var bal uint64
	err := l.store.Atomic(ctx, func(tx *storage.LedgerTx) error {
		var err error
		bal, err = tx.Balance(owner, contract)
		return err
	})
	return bal, err
}

// OwnerOf returns the owner of a non-fungible token.
func (l *Ledger) OwnerOf(ctx context.Context, contract string, tokenID uint64) (htlc.Principal, error) {
	var owner htlc.Principal
	err := l.store.Atomic(ctx, func(tx *storage.LedgerTx) error {
		var err error
		owner, err = tx.OwnerOf(contract, tokenID)
		return err
	})
	return owner, err
}

// Events returns committed events matching f.
func (l *Ledger) Events(ctx context.Context, f storage.EventFilter) ([]htlc.Event, error) {
	return l.store.Events(ctx, f)
}

// Deployment returns the HTLC deployment of namespace, or nil.
func (l *Ledger) Deployment(namespace string) *HTLC {
	return l.deployments[namespace]
}

// Native returns the native-value HTLC.
func (l *Ledger) Native() *HTLC { return l.deployments[NamespaceNative] }

// Fungible returns the fungible-token HTLC.
func (l *Ledger) Fungible() *HTLC { return l.deployments[NamespaceFungible] }

// NonFungible returns the non-fungible-token HTLC.
func (l *Ledger) NonFungible() *HTLC { return l.deployments[NamespaceNonFungible] }

// Subscribe registers handler for committed events. The returned func unsubscribes.
func (l *Ledger) Subscribe(handler EventHandler) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSubID
	l.nextSubID++
	l.handlers[id] = handler

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.handlers, id)
	}
}

// publish delivers committed events in order.
func (l *Ledger) publish(events []htlc.Event) {
	l.mu.RLock()
	handlers := make([]EventHandler, 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()

	for _, ev := range events {
		for _, h := range handlers {
			h(ev)
		}
	}
}
