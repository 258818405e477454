package wallet

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
)

// Test mnemonic (DO NOT USE FOR REAL FUNDS)
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func newTestWallet(t *testing.T, params *chaincfg.Params) *Wallet {
	t.Helper()
	w, err := NewFromMnemonic(testMnemonic, "", params)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	return w
}

func TestGenerateMnemonic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error = %v", err)
	}
	if words := strings.Fields(mnemonic); len(words) != 24 {
		t.Errorf("expected 24 words, got %d", len(words))
	}
	if !ValidateMnemonic(mnemonic) {
		t.Error("generated mnemonic should be valid")
	}
}

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		mnemonic string
		valid    bool
	}{
		{testMnemonic, true},
		{"invalid mnemonic words", false},
		{"", false},
		{"abandon", false},
	}
	for _, tc := range tests {
		if got := ValidateMnemonic(tc.mnemonic); got != tc.valid {
			t.Errorf("ValidateMnemonic(%q) = %v, want %v", tc.mnemonic, got, tc.valid)
		}
	}
}

func TestNewFromMnemonicInvalid(t *testing.T) {
	if _, err := NewFromMnemonic("invalid mnemonic", "", nil); err == nil {
		t.Error("expected error for invalid mnemonic")
	}
}

func TestBitcoinKeyVector(t *testing.T) {
	w := newTestWallet(t, &chaincfg.MainNetParams)

	key, err := w.BitcoinKey(0)
	if err != nil {
		t.Fatalf("BitcoinKey() error = %v", err)
	}
	addr, err := P2WPKHAddress(key.PubKey(), w.Params())
	if err != nil {
		t.Fatalf("P2WPKHAddress() error = %v", err)
	}
	// BIP84 reference vector.
	if addr != "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu" {
		t.Errorf("address = %s", addr)
	}
	if got := w.BitcoinPath(0); got != "m/84'/0'/0'/0/0" {
		t.Errorf("BitcoinPath() = %s", got)
	}
}

func TestRegtestUsesTestCoinType(t *testing.T) {
	w := newTestWallet(t, &chaincfg.RegressionNetParams)
	if got := w.BitcoinPath(3); got != "m/84'/1'/3'/0/0" {
		t.Errorf("BitcoinPath() = %s", got)
	}

	key, err := w.BitcoinKey(0)
	if err != nil {
		t.Fatalf("BitcoinKey() error = %v", err)
	}
	addr, _ := P2WPKHAddress(key.PubKey(), w.Params())
	if !strings.HasPrefix(addr, "bcrt1q") {
		t.Errorf("regtest address should start with bcrt1q, got %s", addr)
	}
}

func TestEVMKeyVector(t *testing.T) {
	w := newTestWallet(t, nil)

	key, err := w.EVMKey(0)
	if err != nil {
		t.Fatalf("EVMKey() error = %v", err)
	}
	if got := EVMAddress(key.PubKey()).Hex(); got != "0x9858EfFD232B4033E47d90003D41EC34EcaEda94" {
		t.Errorf("EVMAddress() = %s", got)
	}

	ecdsaKey, err := ToECDSA(key)
	if err != nil {
		t.Fatalf("ToECDSA() error = %v", err)
	}
	if ecdsaKey.D.Cmp(key.ToECDSA().D) != 0 {
		t.Error("ToECDSA() changed the scalar")
	}
}

func TestDeriveKeyCached(t *testing.T) {
	w := newTestWallet(t, nil)

	a, err := w.DeriveKey(PurposeBIP84, CoinTypeTestnet, 0, 0, 0)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	b, _ := w.DeriveKey(PurposeBIP84, CoinTypeTestnet, 0, 0, 0)
	if a != b {
		t.Error("second derivation should hit the cache")
	}

	other := newTestWallet(t, nil)
	c, _ := other.DeriveKey(PurposeBIP84, CoinTypeTestnet, 0, 0, 0)
	if c == a || c.String() != a.String() {
		t.Error("same seed should derive an equal key")
	}

	if _, err := w.DeriveKey(PurposeBIP84, CoinTypeTestnet, 1<<31, 0, 0); err == nil {
		t.Error("account beyond the hardened range should fail")
	}
}

func TestAddressScriptAndWIF(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	w := newTestWallet(t, params)
	key, _ := w.BitcoinKey(1)

	addr, _ := P2WPKHAddress(key.PubKey(), params)
	script, err := AddressScript(addr, params)
	if err != nil {
		t.Fatalf("AddressScript() error = %v", err)
	}
	if len(script) != 22 {
		t.Errorf("P2WPKH script length = %d, want 22", len(script))
	}
	if _, err := AddressScript(addr, &chaincfg.MainNetParams); err == nil {
		t.Error("regtest address should not decode for mainnet")
	}

	encoded, err := btcutil.NewWIF(key, params, true)
	if err != nil {
		t.Fatalf("NewWIF() error = %v", err)
	}
	wif := encoded.String()
	back, err := WIFToPrivateKey(wif, params)
	if err != nil {
		t.Fatalf("WIFToPrivateKey() error = %v", err)
	}
	if !back.PubKey().IsEqual(key.PubKey()) {
		t.Error("WIF round trip changed the key")
	}
	if _, err := WIFToPrivateKey(wif, &chaincfg.MainNetParams); err == nil {
		t.Error("WIF for regtest should not load on mainnet")
	}
}

func TestPrivateKeyHex(t *testing.T) {
	w := newTestWallet(t, nil)
	key, _ := w.EVMKey(2)

	back, err := PrivateKeyFromHex("0x" + hex.EncodeToString(key.Serialize()))
	if err != nil {
		t.Fatalf("PrivateKeyFromHex() error = %v", err)
	}
	if !back.PubKey().IsEqual(key.PubKey()) {
		t.Error("hex round trip changed the key")
	}
	if _, err := PrivateKeyFromHex("0x1234"); err == nil {
		t.Error("short key should fail")
	}
}

func TestKeyring(t *testing.T) {
	w := newTestWallet(t, nil)
	k := NewKeyring(w)

	alice, err := k.Derive("alice")
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	bob, _ := k.Derive("bob")
	if alice.PubKey().IsEqual(bob.PubKey()) {
		t.Error("principals should get distinct accounts")
	}
	if got := k.Path("bob"); got != "m/84'/1'/1'/0/0" {
		t.Errorf("Path(bob) = %s", got)
	}
	again, _ := k.Derive("alice")
	if !again.PubKey().IsEqual(alice.PubKey()) {
		t.Error("Derive() should be stable per principal")
	}

	expected, _ := w.BitcoinKey(1)
	if !bob.PubKey().IsEqual(expected.PubKey()) {
		t.Error("bob should hold account 1")
	}

	carol, _ := w.BitcoinKey(9)
	k.Watch("carol", carol.PubKey())
	if k.CanSign("carol") {
		t.Error("watched principal cannot sign")
	}
	if k.Path("carol") != "" {
		t.Error("watched principal has no derivation path")
	}
	pub, err := k.PublicKey("carol")
	if err != nil || !pub.IsEqual(carol.PubKey()) {
		t.Errorf("PublicKey(carol) = %v, %v", pub, err)
	}

	k.Import("dave", carol)
	if !k.CanSign("dave") {
		t.Error("imported principal should sign")
	}
	if _, err := k.Derive("dave"); err == nil {
		t.Error("Derive() over an imported key should fail")
	}

	if _, err := k.PublicKey("mallory"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("PublicKey(mallory) error = %v, want ErrUnknownKey", err)
	}

	want := []htlc.Principal{"alice", "bob", "carol", "dave"}
	got := k.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestKeyringWithoutWallet(t *testing.T) {
	k := NewKeyring(nil)
	if _, err := k.Derive("alice"); err == nil {
		t.Error("Derive() without wallet should fail")
	}
}

func TestEncryptDecryptMnemonic(t *testing.T) {
	const password = "Correct-Horse-9"

	sealed, err := EncryptMnemonic(testMnemonic, password)
	if err != nil {
		t.Fatalf("EncryptMnemonic() error = %v", err)
	}
	if strings.Contains(string(sealed.Ciphertext), "abandon") {
		t.Error("ciphertext leaks the mnemonic")
	}

	opened, err := DecryptMnemonic(sealed, password)
	if err != nil {
		t.Fatalf("DecryptMnemonic() error = %v", err)
	}
	if opened != testMnemonic {
		t.Error("round trip changed the mnemonic")
	}

	if _, err := DecryptMnemonic(sealed, "Wrong-Horse-9"); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("DecryptMnemonic() error = %v, want ErrWrongPassword", err)
	}
	if _, err := EncryptMnemonic(testMnemonic, "weak"); err == nil {
		t.Error("weak password should be rejected")
	}
}

func TestSeedFile(t *testing.T) {
	const password = "Correct-Horse-9"
	path := filepath.Join(t.TempDir(), "keys", "seed.json")

	sealed, err := EncryptMnemonic(testMnemonic, password)
	if err != nil {
		t.Fatalf("EncryptMnemonic() error = %v", err)
	}
	if err := SaveEncryptedSeed(sealed, path); err != nil {
		t.Fatalf("SaveEncryptedSeed() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("seed permissions = %o, want 600", perm)
	}

	mnemonic, err := OpenSeedFile(path, password)
	if err != nil {
		t.Fatalf("OpenSeedFile() error = %v", err)
	}
	if mnemonic != testMnemonic {
		t.Error("OpenSeedFile() returned a different mnemonic")
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		valid    bool
	}{
		{"short1A", false},
		{"alllowercase", false},
		{"lowerUPPER", false},
		{"lowerUPPER1", true},
		{"lower-123", true},
		{strings.Repeat("aA1", 100), false},
	}
	for _, tc := range tests {
		if err := ValidatePassword(tc.password); (err == nil) != tc.valid {
			t.Errorf("ValidatePassword(%q) error = %v, want valid=%v", tc.password, err, tc.valid)
		}
	}
}
