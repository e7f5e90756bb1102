package credentials

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashVerifyRoundTrip(t *testing.T) {
	record, err := Hash("s3cret-Passw0rd!")
	require.NoError(t, err)
	assert.NotEmpty(t, record)

	assert.True(t, Verify("s3cret-Passw0rd!", record))
	assert.False(t, Verify("wrong-password", record))
}

func TestHashUsesFreshSalt(t *testing.T) {
	a, err := Hash("same-password")
	require.NoError(t, err)
	b, err := Hash("same-password")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, Verify("same-password", a))
	assert.True(t, Verify("same-password", b))
}

func TestHashRecordShape(t *testing.T) {
	record, err := Hash("anything")
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(record)
	require.NoError(t, err)
	assert.Len(t, decoded, saltLength+keyLength)
}

func TestVerifyMalformedRecord(t *testing.T) {
	assert.False(t, Verify("password", "not-base64!!!"))
	assert.False(t, Verify("password", ""))

	// Valid base64 but shorter than a salt.
	short := base64.StdEncoding.EncodeToString([]byte("tiny"))
	assert.False(t, Verify("password", short))
}
