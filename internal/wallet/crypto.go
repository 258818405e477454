package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for new seed files.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLen      = 32
	argon2SaltLen     = 32
)

// Password length bounds.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// ErrWrongPassword is returned when a seed file does not open with the given password.
var ErrWrongPassword = errors.New("failed to decrypt seed (wrong password?)")

// EncryptedSeed is an Argon2id + AES-256-GCM sealed mnemonic.
type EncryptedSeed struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

func (e *EncryptedSeed) gcm(password string) (cipher.AEAD, error) {
	t, m, p := e.Time, e.Memory, e.Parallelism
	if t == 0 {
		t = argon2Time
	}
	if m == 0 {
		m = argon2Memory
	}
	if p == 0 {
		p = argon2Parallelism
	}

	key := argon2.IDKey([]byte(password), e.Salt, t, m, p, argon2KeyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptMnemonic seals a mnemonic with a password.
func EncryptMnemonic(mnemonic, password string) (*EncryptedSeed, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}
	if !ValidateMnemonic(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := &EncryptedSeed{
		Version:     1,
		Salt:        make([]byte, argon2SaltLen),
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}
	if _, err := rand.Read(seed.Salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := seed.gcm(password)
	if err != nil {
		return nil, err
	}
	seed.Nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(seed.Nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	seed.Ciphertext = gcm.Seal(nil, seed.Nonce, []byte(mnemonic), nil)

	return seed, nil
}

// DecryptMnemonic opens a sealed mnemonic.
func DecryptMnemonic(seed *EncryptedSeed, password string) (string, error) {
	gcm, err := seed.gcm(password)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, seed.Nonce, seed.Ciphertext, nil)
	if err != nil {
		return "", ErrWrongPassword
	}
	defer SecureClear(plaintext)
	return string(plaintext), nil
}

// SaveEncryptedSeed writes a sealed seed with owner-only permissions.
func SaveEncryptedSeed(seed *EncryptedSeed, path string) error {
	if path == "" {
		return fmt.Errorf("seed path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.Marshal(seed)
	if err != nil {
		return fmt.Errorf("failed to marshal seed: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write seed: %w", err)
	}
	return nil
}

// LoadEncryptedSeed reads a sealed seed.
func LoadEncryptedSeed(path string) (*EncryptedSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}

	var seed EncryptedSeed
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	return &seed, nil
}

// OpenSeedFile loads and decrypts a seed file into a wallet mnemonic.
func OpenSeedFile(path, password string) (string, error) {
	seed, err := LoadEncryptedSeed(path)
	if err != nil {
		return "", err
	}
	return DecryptMnemonic(seed, password)
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// ValidatePassword requires MinPasswordLength characters and 3 of 4 character classes.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}

	classes := make(map[string]bool, 4)
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			classes["upper"] = true
		case unicode.IsLower(r):
			classes["lower"] = true
		case unicode.IsNumber(r):
			classes["number"] = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			classes["special"] = true
		}
	}
	if len(classes) < 3 {
		return fmt.Errorf("password must contain at least 3 of: uppercase, lowercase, number, special character")
	}
	return nil
}
