package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 120_000
	saltLength       = 16
	keyLength        = 32
)

// HashPassword derives a PBKDF2-SHA256 key with a fresh random salt.
// The stored format is hex(salt) ":" hex(key).
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyLength, sha256.New)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(key), nil
}

// VerifyPassword checks a plaintext password against a stored salt:key pair.
// Malformed stored hashes verify false; the comparison is constant-time.
func VerifyPassword(stored, password string) bool {
	if stored == "" || password == "" {
		return false
	}
	salt, want, ok := splitStoredHash(stored)
	if !ok {
		// Burn a derivation anyway so malformed records do not return faster
		// than well-formed mismatches.
		pbkdf2.Key([]byte(password), make([]byte, saltLength), pbkdf2Iterations, keyLength, sha256.New)
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyLength, sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func splitStoredHash(stored string) (salt, key []byte, ok bool) {
	parts := strings.SplitN(stored, ":", 2)
	if len(parts) != 2 {
		return nil, nil, false
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil || len(salt) == 0 {
		return nil, nil, false
	}
	key, err = hex.DecodeString(parts[1])
	if err != nil || len(key) != keyLength {
		return nil, nil, false
	}
	return salt, key, true
}
