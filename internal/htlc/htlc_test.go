package htlc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestHashFromBytes(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"exact", 32, nil},
		{"short", 31, ErrInvalidHashLength},
		{"long", 33, ErrInvalidHashLength},
		{"empty", 0, ErrInvalidHashLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := HashFromBytes(make([]byte, tt.size))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("HashFromBytes(%d bytes) error = %v, want %v", tt.size, err, tt.wantErr)
			}
		})
	}
}

func TestHashTextRoundTrip(t *testing.T) {
	_, h, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}

	data, err := json.Marshal(struct{ H Hash }{h})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out struct{ H Hash }
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.H != h {
		t.Errorf("hash changed through JSON: %s != %s", out.H, h)
	}

	if _, err := ParseHash("0x" + h.String()); err != nil {
		t.Errorf("ParseHash with 0x prefix failed: %v", err)
	}
}

func TestGenerateSecret(t *testing.T) {
	p1, h1, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	p2, h2, _ := GenerateSecret()

	if len(p1) != PreimageSize {
		t.Errorf("preimage length = %d, want %d", len(p1), PreimageSize)
	}
	if bytes.Equal(p1, p2) || h1 == h2 {
		t.Error("two secrets should differ")
	}
	if !VerifyPreimage(p1, h1) {
		t.Error("VerifyPreimage should accept the generating preimage")
	}
	if VerifyPreimage(p2, h1) {
		t.Error("VerifyPreimage should reject a foreign preimage")
	}
}

func TestCheckRegistration(t *testing.T) {
	hash := make([]byte, 32)

	tests := []struct {
		name    string
		hash    []byte
		expiry  uint64
		height  uint64
		wantErr error
	}{
		{"future expiry", hash, 11, 10, nil},
		{"expiry equal to height", hash, 10, 10, ErrExpiryInPast},
		{"expiry below height", hash, 9, 10, ErrExpiryInPast},
		{"bad hash checked first", hash[:16], 9, 10, ErrInvalidHashLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CheckRegistration(tt.hash, tt.expiry, tt.height)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestClaimAndRefundWindows(t *testing.T) {
	intent := &SwapIntent{ExpirationHeight: 100}

	tests := []struct {
		height    uint64
		claimErr  error
		refundErr error
	}{
		{98, nil, ErrSwapNotExpired},
		{99, nil, ErrSwapNotExpired},
		{100, ErrSwapExpired, nil},
		{101, ErrSwapExpired, nil},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("height_%d", tt.height), func(t *testing.T) {
			if err := CheckClaim(intent, tt.height); !errors.Is(err, tt.claimErr) {
				t.Errorf("CheckClaim error = %v, want %v", err, tt.claimErr)
			}
			if err := CheckRefund(intent, tt.height); !errors.Is(err, tt.refundErr) {
				t.Errorf("CheckRefund error = %v, want %v", err, tt.refundErr)
			}
			// exactly one of claim or refund is possible at any height
			claimOK := CheckClaim(intent, tt.height) == nil
			refundOK := CheckRefund(intent, tt.height) == nil
			if claimOK == refundOK {
				t.Errorf("claim=%v refund=%v at height %d; windows must partition", claimOK, refundOK, tt.height)
			}
		})
	}

	if err := CheckClaim(nil, 0); !errors.Is(err, ErrUnknownSwap) {
		t.Errorf("CheckClaim(nil) = %v, want ErrUnknownSwap", err)
	}
	if err := CheckRefund(nil, 0); !errors.Is(err, ErrUnknownSwap) {
		t.Errorf("CheckRefund(nil) = %v, want ErrUnknownSwap", err)
	}
}

func TestCheckAssetContract(t *testing.T) {
	ft := &SwapIntent{Asset: Fungible("SP1.token", 5)}
	if err := CheckAssetContract(ft, "SP1.token"); err != nil {
		t.Errorf("matching contract rejected: %v", err)
	}
	if err := CheckAssetContract(ft, "SP1.other"); !errors.Is(err, ErrInvalidAssetContract) {
		t.Errorf("mismatched contract error = %v, want ErrInvalidAssetContract", err)
	}
	native := &SwapIntent{Asset: Native(5)}
	if err := CheckAssetContract(native, "anything"); err != nil {
		t.Errorf("native intents ignore the contract argument, got %v", err)
	}
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  *Error
		code Code
	}{
		{ErrInvalidHashLength, 1000},
		{ErrExpiryInPast, 1001},
		{ErrSwapAlreadyExists, 1002},
		{ErrUnknownSwap, 1003},
		{ErrSwapExpired, 1004},
		{ErrSwapNotExpired, 1005},
		{ErrInvalidAssetContract, 1006},
		{ErrAssetNotWhitelisted, 1007},
		{ErrOwnerOnly, 1008},
	}

	for _, tt := range tests {
		if tt.err.Code != tt.code {
			t.Errorf("%s code = %d, want %d", tt.err.Name, tt.err.Code, tt.code)
		}
		got, ok := Lookup(tt.code)
		if !ok || got != tt.err {
			t.Errorf("Lookup(%d) = %v, %v", tt.code, got, ok)
		}
	}
}

func TestErrorMatchingByCode(t *testing.T) {
	decoded := &Error{Code: 1003, Name: "UnknownSwap", msg: "decoded from revert"}
	if !errors.Is(decoded, ErrUnknownSwap) {
		t.Error("errors with equal codes should match")
	}

	wrapped := fmt.Errorf("cancel: %w", ErrSwapNotExpired)
	e, ok := AsError(wrapped)
	if !ok || e.Code != 1005 {
		t.Errorf("AsError(wrapped) = %v, %v", e, ok)
	}

	if _, ok := AsError(errors.New("plain")); ok {
		t.Error("AsError should not match plain errors")
	}

	if e, ok := LookupName("OwnerOnly"); !ok || e != ErrOwnerOnly {
		t.Errorf("LookupName(OwnerOnly) = %v, %v", e, ok)
	}
}

func TestAssetKindText(t *testing.T) {
	for _, k := range []AssetKind{AssetNative, AssetFungible, AssetNonFungible} {
		parsed, err := ParseAssetKind(k.String())
		if err != nil || parsed != k {
			t.Errorf("ParseAssetKind(%s) = %v, %v", k, parsed, err)
		}
	}
	if _, err := ParseAssetKind("bogus"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestAssetQuantity(t *testing.T) {
	if q := NonFungible("c", 7).Quantity(); q != 7 {
		t.Errorf("NFT quantity = %d, want token id 7", q)
	}
	if q := Fungible("c", 9).Quantity(); q != 9 {
		t.Errorf("FT quantity = %d, want 9", q)
	}
	if Native(1).IsToken() {
		t.Error("native asset is not a token")
	}
}

func TestStateOf(t *testing.T) {
	if StateOf(nil) != StateResolved {
		t.Error("absent record is resolved")
	}
	if StateOf(&SwapIntent{}) != StatePending {
		t.Error("present record is pending")
	}
}

func TestHexBytesJSON(t *testing.T) {
	data, err := json.Marshal(HexBytes{0xde, 0xad})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `"0xdead"` {
		t.Errorf("marshal = %s, want \"0xdead\"", data)
	}
	var b HexBytes
	if err := json.Unmarshal(data, &b); err != nil || !bytes.Equal(b, []byte{0xde, 0xad}) {
		t.Errorf("unmarshal = %x, %v", b, err)
	}
}
