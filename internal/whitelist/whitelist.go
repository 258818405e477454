// Package whitelist implements the owner-controlled set of token contracts an HTLC
// deployment accepts for escrow.
package whitelist

import (
	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
)

// Store persists whitelist membership per deployment namespace.
type Store interface {
	IsWhitelisted(namespace, contract string) (bool, error)
	SetWhitelisted(namespace, contract string, whitelisted bool, height uint64) error
}

// Registry is the whitelist of one deployment.
type Registry struct {
	owner     htlc.Principal
	namespace string
}

// New returns the registry of namespace, administered by owner.
func New(owner htlc.Principal, namespace string) *Registry {
	return &Registry{owner: owner, namespace: namespace}
}

// Apply sets every entry in order. Only the owner may call it; a rejected call changes nothing.
func (r *Registry) Apply(s Store, caller htlc.Principal, entries []htlc.WhitelistEntry, height uint64) error {
	if caller != r.owner {
		return htlc.ErrOwnerOnly
	}
	for _, e := range entries {
		if err := s.SetWhitelisted(r.namespace, e.Contract, e.Whitelisted, height); err != nil {
			return err
		}
	}
	return nil
}

// Contains reports whether contract is whitelisted.
func (r *Registry) Contains(s Store, contract string) (bool, error) {
	return s.IsWhitelisted(r.namespace, contract)
}

// View binds the registry to a store for lookups.
func (r *Registry) View(s Store) *View {
	return &View{r: r, s: s}
}

// View is a read-only registry bound to one store.
type View struct {
	r *Registry
	s Store
}

// IsWhitelisted reports whether contract is whitelisted.
func (v *View) IsWhitelisted(contract string) (bool, error) {
	return v.r.Contains(v.s, contract)
}
