package htlc

import (
	"crypto/sha256"
	"fmt"

	"github.com/klingon-exchange/klingon-htlc/pkg/helpers"
)

// PreimageSize is the length of generated secrets.
const PreimageSize = 64

// GenerateSecret returns a random preimage and its hash.
func GenerateSecret() ([]byte, Hash, error) {
	preimage, err := helpers.GenerateSecureRandom(PreimageSize)
	if err != nil {
		return nil, Hash{}, fmt.Errorf("failed to generate secret: %w", err)
	}
	return preimage, HashPreimage(preimage), nil
}

// HashPreimage computes H(preimage).
func HashPreimage(preimage []byte) Hash {
	return Hash(sha256.Sum256(preimage))
}

// VerifyPreimage reports whether preimage opens hash.
func VerifyPreimage(preimage []byte, hash Hash) bool {
	computed := HashPreimage(preimage)
	return helpers.ConstantTimeCompare(computed[:], hash[:])
}
