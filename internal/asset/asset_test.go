package asset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
)

type balanceKey struct {
	owner    htlc.Principal
	contract string
}

type tokenKey struct {
	contract string
	id       uint64
}

type memBooks struct {
	balances map[balanceKey]uint64
	owners   map[tokenKey]htlc.Principal
}

func newMemBooks() *memBooks {
	return &memBooks{
		balances: make(map[balanceKey]uint64),
		owners:   make(map[tokenKey]htlc.Principal),
	}
}

func (m *memBooks) Balance(owner htlc.Principal, contract string) (uint64, error) {
	return m.balances[balanceKey{owner, contract}], nil
}

func (m *memBooks) SetBalance(owner htlc.Principal, contract string, amount uint64) error {
	m.balances[balanceKey{owner, contract}] = amount
	return nil
}

func (m *memBooks) OwnerOf(contract string, tokenID uint64) (htlc.Principal, error) {
	return m.owners[tokenKey{contract, tokenID}], nil
}

func (m *memBooks) SetOwner(contract string, tokenID uint64, owner htlc.Principal) error {
	m.owners[tokenKey{contract, tokenID}] = owner
	return nil
}

type staticWhitelist map[string]bool

func (w staticWhitelist) IsWhitelisted(contract string) (bool, error) {
	return w[contract], nil
}

const custody htlc.Principal = "htlc"

func TestEscrowNative(t *testing.T) {
	books := newMemBooks()
	require.NoError(t, Mint(books, htlc.Native(1000), "alice"))

	a := NewAdapter(custody)
	require.NoError(t, a.Escrow(books, nil, htlc.Native(400), "alice"))

	bal, _ := books.Balance("alice", "")
	assert.Equal(t, uint64(600), bal)
	held, _ := books.Balance(custody, "")
	assert.Equal(t, uint64(400), held)

	require.NoError(t, a.Release(books, htlc.Native(400), "bob"))
	bob, _ := books.Balance("bob", "")
	assert.Equal(t, uint64(400), bob)
	held, _ = books.Balance(custody, "")
	assert.Zero(t, held)
}

func TestEscrowFungible(t *testing.T) {
	books := newMemBooks()
	require.NoError(t, Mint(books, htlc.Fungible("token-a", 50), "alice"))
	wl := staticWhitelist{"token-a": true}
	a := NewAdapter(custody)

	require.NoError(t, a.Escrow(books, wl, htlc.Fungible("token-a", 50), "alice"))

	bal, _ := books.Balance("alice", "token-a")
	assert.Zero(t, bal)
	held, _ := books.Balance(custody, "token-a")
	assert.Equal(t, uint64(50), held)

	// Native balance is a separate book.
	native, _ := books.Balance(custody, "")
	assert.Zero(t, native)
}

func TestEscrowNonFungible(t *testing.T) {
	books := newMemBooks()
	require.NoError(t, Mint(books, htlc.NonFungible("nft-a", 7), "alice"))
	wl := staticWhitelist{"nft-a": true}
	a := NewAdapter(custody)

	require.NoError(t, a.Escrow(books, wl, htlc.NonFungible("nft-a", 7), "alice"))
	owner, _ := books.OwnerOf("nft-a", 7)
	assert.Equal(t, custody, owner)

	require.NoError(t, a.Release(books, htlc.NonFungible("nft-a", 7), "alice"))
	owner, _ = books.OwnerOf("nft-a", 7)
	assert.Equal(t, htlc.Principal("alice"), owner)
}

func TestEscrowErrors(t *testing.T) {
	tests := []struct {
		name  string
		asset htlc.Asset
		wl    Whitelist
		want  error
	}{
		{"zero native", htlc.Native(0), nil, htlc.ErrNonPositiveAmount},
		{"zero fungible", htlc.Fungible("token-a", 0), staticWhitelist{"token-a": true}, htlc.ErrNonPositiveAmount},
		{"native overdraft", htlc.Native(101), nil, htlc.ErrInsufficientBalance},
		{"fungible overdraft", htlc.Fungible("token-a", 11), staticWhitelist{"token-a": true}, htlc.ErrInsufficientBalance},
		{"nft not owned", htlc.NonFungible("nft-a", 2), staticWhitelist{"nft-a": true}, htlc.ErrNotOwner},
		{"fungible not whitelisted", htlc.Fungible("token-a", 5), staticWhitelist{}, htlc.ErrAssetNotWhitelisted},
		{"nft not whitelisted", htlc.NonFungible("nft-a", 1), staticWhitelist{}, htlc.ErrAssetNotWhitelisted},
		// Transfer checks come before the whitelist.
		{"overdraft before whitelist", htlc.Fungible("token-a", 11), staticWhitelist{}, htlc.ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			books := newMemBooks()
			require.NoError(t, Mint(books, htlc.Native(100), "alice"))
			require.NoError(t, Mint(books, htlc.Fungible("token-a", 10), "alice"))
			require.NoError(t, Mint(books, htlc.NonFungible("nft-a", 1), "alice"))
			require.NoError(t, Mint(books, htlc.NonFungible("nft-a", 2), "carol"))

			err := NewAdapter(custody).Escrow(books, tt.wl, tt.asset, "alice")
			assert.ErrorIs(t, err, tt.want)

			// Nothing moved.
			held, _ := books.Balance(custody, "")
			assert.Zero(t, held)
			held, _ = books.Balance(custody, "token-a")
			assert.Zero(t, held)
		})
	}
}

func TestTransfer(t *testing.T) {
	books := newMemBooks()
	require.NoError(t, Mint(books, htlc.Native(10), "alice"))

	require.NoError(t, transfer(books, htlc.Native(10), "alice", "alice"))
	bal, _ := books.Balance("alice", "")
	assert.Equal(t, uint64(10), bal)

	assert.ErrorIs(t, transfer(books, htlc.Native(11), "alice", "bob"), htlc.ErrInsufficientBalance)
	require.NoError(t, transfer(books, htlc.Native(4), "alice", "bob"))
	bob, _ := books.Balance("bob", "")
	assert.Equal(t, uint64(4), bob)
}

func TestMintConflicts(t *testing.T) {
	books := newMemBooks()
	require.NoError(t, Mint(books, htlc.NonFungible("nft-a", 1), "alice"))
	require.NoError(t, Mint(books, htlc.NonFungible("nft-a", 1), "alice"))
	assert.Error(t, Mint(books, htlc.NonFungible("nft-a", 1), "bob"))
	assert.ErrorIs(t, Mint(books, htlc.Native(0), "bob"), htlc.ErrNonPositiveAmount)
	assert.ErrorIs(t, Mint(books, htlc.NonFungible("nft-a", 0), "bob"), htlc.ErrNonPositiveAmount)
}
