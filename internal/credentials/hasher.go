package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLength = 16
	keyLength  = 32
	iterations = 100000
)

// Hash derives a storage record for the password: base64(salt ‖ key)
// with a fresh random salt and PBKDF2-HMAC-SHA256.
func Hash(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(password), salt, iterations, keyLength, sha256.New)

	record := make([]byte, 0, saltLength+keyLength)
	record = append(record, salt...)
	record = append(record, key...)

	return base64.StdEncoding.EncodeToString(record), nil
}

// Verify recomputes the derived key with the stored salt and compares in
// constant time. Any decode or format problem yields false, never an error.
func Verify(password, record string) bool {
	decoded, err := base64.StdEncoding.DecodeString(record)
	if err != nil || len(decoded) <= saltLength {
		return false
	}

	salt, key := decoded[:saltLength], decoded[saltLength:]
	computed := pbkdf2.Key([]byte(password), salt, iterations, len(key), sha256.New)

	return subtle.ConstantTimeCompare(computed, key) == 1
}
