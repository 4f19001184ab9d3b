package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	data := make([]byte, 512)
	_, err := rand.Read(data)
	require.NoError(t, err)

	sealed, err := SealWithPassphrase(data, "passphrase")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(data[:32]))

	opened, err := OpenWithPassphrase(sealed, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, data, opened)
}

func TestOpenWrongPassphrase(t *testing.T) {
	sealed, err := SealWithPassphrase([]byte("secret"), "right")
	require.NoError(t, err)

	_, err = OpenWithPassphrase(sealed, "wrong")
	assert.Error(t, err)
}

func TestOpenTamperedEnvelope(t *testing.T) {
	sealed, err := SealWithPassphrase([]byte("secret"), "pass")
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = OpenWithPassphrase(sealed, "pass")
	assert.Error(t, err)
}

func TestOpenTruncatedEnvelope(t *testing.T) {
	_, err := OpenWithPassphrase(make([]byte, 10), "pass")
	assert.Error(t, err)
}

func TestSealIsRandomized(t *testing.T) {
	a, err := SealWithPassphrase([]byte("same input"), "pass")
	require.NoError(t, err)
	b, err := SealWithPassphrase([]byte("same input"), "pass")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "fresh salt and nonce per seal")
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, Checksum([]byte("x")), Checksum([]byte("x")))
	assert.NotEqual(t, Checksum([]byte("x")), Checksum([]byte("y")))
	assert.Len(t, Checksum(nil), 64)
}
