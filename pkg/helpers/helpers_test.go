package helpers

import "testing"

func TestBytesToHex(t *testing.T) {
	if got := BytesToHex([]byte{0x01, 0xff}); got != "0x01ff" {
		t.Errorf("BytesToHex = %s, want 0x01ff", got)
	}
	b, err := HexToBytes("0x01ff")
	if err != nil || len(b) != 2 || b[1] != 0xff {
		t.Errorf("HexToBytes = %x, %v", b, err)
	}
}

func TestGenerateSecureRandom(t *testing.T) {
	a, err := GenerateSecureRandom(64)
	if err != nil {
		t.Fatalf("GenerateSecureRandom failed: %v", err)
	}
	b, _ := GenerateSecureRandom(64)
	if len(a) != 64 {
		t.Errorf("len = %d, want 64", len(a))
	}
	if ConstantTimeCompare(a, b) {
		t.Error("two random draws should differ")
	}
}

func TestCloneBytes(t *testing.T) {
	src := []byte{1, 2, 3}
	dup := CloneBytes(src)
	dup[0] = 9
	if src[0] != 1 {
		t.Error("CloneBytes must not alias its input")
	}
	if CloneBytes(nil) != nil {
		t.Error("CloneBytes(nil) should be nil")
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{100000000, 8, "1"},
		{50000000, 8, "0.5"},
		{12345678, 8, "0.12345678"},
		{1, 8, "0.00000001"},
		{0, 8, "0"},
		{1000000000000000000, 18, "1"},
		{123, 0, "123"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatAmount(tt.amount, tt.decimals); got != tt.want {
				t.Errorf("FormatAmount(%d, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input    string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{"1", 8, 100000000, false},
		{"0.5", 8, 50000000, false},
		{".5", 8, 50000000, false},
		{"0.00000001", 8, 1, false},
		{"123", 0, 123, false},
		{"0.000000001", 8, 0, true},
		{"invalid", 8, 0, true},
		{"1.2.3", 8, 0, true},
		{"", 8, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input, tt.decimals)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseAmount(%s, %d) = %d, want %d", tt.input, tt.decimals, got, tt.want)
			}
		})
	}
}
