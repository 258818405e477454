package whitelist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
)

type entryKey struct{ namespace, contract string }

type memStore map[entryKey]bool

func (m memStore) IsWhitelisted(namespace, contract string) (bool, error) {
	return m[entryKey{namespace, contract}], nil
}

func (m memStore) SetWhitelisted(namespace, contract string, whitelisted bool, _ uint64) error {
	m[entryKey{namespace, contract}] = whitelisted
	return nil
}

func TestOwnerOnly(t *testing.T) {
	store := memStore{}
	reg := New("deployer", "fungible")

	err := reg.Apply(store, "mallory", []htlc.WhitelistEntry{{Contract: "token-a", Whitelisted: true}}, 1)
	assert.ErrorIs(t, err, htlc.ErrOwnerOnly)
	assert.Empty(t, store)

	require.NoError(t, reg.Apply(store, "deployer", []htlc.WhitelistEntry{{Contract: "token-a", Whitelisted: true}}, 1))
	ok, err := reg.Contains(store, "token-a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApplyInOrder(t *testing.T) {
	store := memStore{}
	reg := New("deployer", "fungible")

	entries := []htlc.WhitelistEntry{
		{Contract: "token-a", Whitelisted: true},
		{Contract: "token-b", Whitelisted: true},
		{Contract: "token-a", Whitelisted: false},
	}
	require.NoError(t, reg.Apply(store, "deployer", entries, 3))

	view := reg.View(store)
	a, _ := view.IsWhitelisted("token-a")
	b, _ := view.IsWhitelisted("token-b")
	assert.False(t, a, "last entry for a contract wins")
	assert.True(t, b)
}

func TestNamespacesAreIndependent(t *testing.T) {
	store := memStore{}
	ft := New("deployer", "fungible")
	nft := New("deployer", "non_fungible")

	require.NoError(t, ft.Apply(store, "deployer", []htlc.WhitelistEntry{{Contract: "token-a", Whitelisted: true}}, 1))

	ok, _ := nft.Contains(store, "token-a")
	assert.False(t, ok)
	assert.ErrorIs(t, nft.Apply(store, "alice", []htlc.WhitelistEntry{{Contract: "token-a", Whitelisted: true}}, 2),
		htlc.ErrOwnerOnly)
}
