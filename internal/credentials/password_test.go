package credentials

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGeneratePasswordPolicy(t *testing.T) {
	for i := 0; i < 20; i++ {
		password := GeneratePassword(12)
		assert.Len(t, password, 12)
		assert.True(t, strings.ContainsAny(password, upperChars), "missing uppercase: %q", password)
		assert.True(t, strings.ContainsAny(password, lowerChars), "missing lowercase: %q", password)
		assert.True(t, strings.ContainsAny(password, digitChars), "missing digit: %q", password)
		assert.True(t, strings.ContainsAny(password, specialChars), "missing special: %q", password)
	}
}

func TestGeneratePasswordShortLengthFallsBack(t *testing.T) {
	assert.Len(t, GeneratePassword(0), DefaultPasswordLength)
	assert.Len(t, GeneratePassword(3), DefaultPasswordLength)
	assert.Len(t, GeneratePassword(4), 4)
}

func TestRandomLower(t *testing.T) {
	out := RandomLower(8)
	assert.Len(t, out, 8)
	for _, c := range out {
		assert.True(t, c >= 'a' && c <= 'z', "unexpected character %q", c)
	}
}
