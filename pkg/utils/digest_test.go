package utils

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDigest(t *testing.T) {
	hex := strings.Repeat("ab", 32)

	digest, err := ParseDigest("sha256:" + hex)
	assert.NoError(t, err)
	assert.Equal(t, Sha256Algorithm, digest.Algorithm())
	assert.Equal(t, hex, digest.Hex())

	// Bare hex defaults to sha256.
	digest, err = ParseDigest(hex)
	assert.NoError(t, err)
	assert.Equal(t, "sha256:"+hex, digest.String())

	_, err = ParseDigest("md5:" + hex)
	assert.Error(t, err)

	_, err = ParseDigest("sha256:abcd")
	assert.Error(t, err)

	_, err = ParseDigest("sha256:not-hex")
	assert.Error(t, err)
}

func TestSha256(t *testing.T) {
	fromReader, err := Sha256(bytes.NewReader([]byte("hello world")))
	assert.NoError(t, err)

	fromBytes := Sha256Bytes([]byte("hello "), []byte("world"))
	assert.Equal(t, fromReader, fromBytes)
	assert.False(t, fromBytes.IsZero())

	assert.True(t, Digest{}.IsZero())
}
