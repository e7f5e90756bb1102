package credentials

import (
	"crypto/rand"
	"math/big"
)

const (
	upperChars   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerChars   = "abcdefghijklmnopqrstuvwxyz"
	digitChars   = "0123456789"
	specialChars = "!@#$%^&*"

	// DefaultPasswordLength is used when callers pass a length below the
	// minimum needed to satisfy the character-class policy.
	DefaultPasswordLength = 16
)

// GeneratePassword returns a random password of the requested length
// containing at least one uppercase letter, one lowercase letter, one
// digit and one special character, in a random order.
func GeneratePassword(length int) string {
	if length < 4 {
		length = DefaultPasswordLength
	}

	allChars := upperChars + lowerChars + digitChars + specialChars

	password := make([]byte, 0, length)
	password = append(password,
		randomChar(upperChars),
		randomChar(lowerChars),
		randomChar(digitChars),
		randomChar(specialChars),
	)

	for len(password) < length {
		password = append(password, randomChar(allChars))
	}

	shuffle(password)
	return string(password)
}

// RandomLower returns n random lowercase letters, used for synthesized
// email local parts and username suffixes.
func RandomLower(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = randomChar(lowerChars)
	}
	return string(out)
}

func randomChar(set string) byte {
	return set[randomIndex(len(set))]
}

func shuffle(b []byte) {
	for i := len(b) - 1; i > 0; i-- {
		j := randomIndex(i + 1)
		b[i], b[j] = b[j], b[i]
	}
}

func randomIndex(n int) int {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// crypto/rand never fails on supported platforms; a broken
		// entropy source is unrecoverable here.
		panic(err)
	}
	return int(idx.Int64())
}
