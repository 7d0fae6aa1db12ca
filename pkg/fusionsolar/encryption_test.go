package fusionsolar

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeURIComponent(t *testing.T) {
	assert.Equal(t, "abc123", encodeURIComponent("abc123"))
	assert.Equal(t, "a%20b%26c%3D%2B", encodeURIComponent("a b&c=+"))
	assert.Equal(t, "-_.!~*'()", encodeURIComponent("-_.!~*'()"))
	assert.Equal(t, "%C3%A9", encodeURIComponent("é"))
}

func TestEncryptPassword(t *testing.T) {
	// 3072 bit keys fit a full 270 byte chunk with OAEP/SHA-384
	key, err := rsa.GenerateKey(rand.Reader, 3072)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	decrypt := func(t *testing.T, chunk string) string {
		enc, err := base64.StdEncoding.DecodeString(chunk)
		require.NoError(t, err)
		plain, err := rsa.DecryptOAEP(sha512.New384(), nil, key, enc, nil)
		require.NoError(t, err)
		return string(plain)
	}
	// every chunk is 384 bytes of ciphertext
	chunkLen := base64.StdEncoding.EncodedLen(384)

	t.Run("Single Chunk", func(t *testing.T) {
		out, err := encryptPassword(pubPEM, "KEYV", "p@ss word")
		require.NoError(t, err)
		require.True(t, strings.HasSuffix(out, "KEYV"))
		out = strings.TrimSuffix(out, "KEYV")
		assert.Len(t, out, chunkLen)
		assert.Equal(t, "p%40ss%20word", decrypt(t, out))
	})

	t.Run("Multiple Chunks", func(t *testing.T) {
		password := strings.Repeat("x", 300)
		out, err := encryptPassword(pubPEM, "KEYV", password)
		require.NoError(t, err)
		out = strings.TrimSuffix(out, "KEYV")
		require.Len(t, out, 2*chunkLen+len(encryptSeparator))
		assert.Equal(t, encryptSeparator, out[chunkLen:chunkLen+len(encryptSeparator)])
		assert.Equal(t, password[:270], decrypt(t, out[:chunkLen]))
		assert.Equal(t, password[270:], decrypt(t, out[chunkLen+len(encryptSeparator):]))
	})

	t.Run("Invalid Key", func(t *testing.T) {
		_, err := encryptPassword("not a key", "KEYV", "pass")
		assert.Error(t, err)
	})
}

func TestSecureRandom(t *testing.T) {
	a, err := secureRandom()
	require.NoError(t, err)
	b, err := secureRandom()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
