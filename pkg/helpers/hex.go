// Package helpers provides small encoding and byte utilities shared across packages.
package helpers

import (
	"encoding/hex"
	"math/big"
	"strings"
)

// HexToBytes converts a hex string (with or without 0x prefix) to bytes.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a hex string with 0x prefix.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// Uint64ToBig converts a uint64 to a *big.Int.
func Uint64ToBig(n uint64) *big.Int {
	return new(big.Int).SetUint64(n)
}
