package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const (
	Sha256Algorithm = HashAlgorithm("sha256")
)

type HashAlgorithm string

// A content digest, used as cache key and task fingerprint.
type Digest struct {
	alg HashAlgorithm
	hex string
}

// Parse a digest from its string representation, "alg:hex" or bare hex.
func ParseDigest(digest string) (Digest, error) {
	alg, data, found := strings.Cut(digest, ":")
	if !found {
		data = alg
		alg = string(Sha256Algorithm)
	}

	raw, err := hex.DecodeString(data)
	if err != nil {
		return Digest{}, err
	}

	switch HashAlgorithm(alg) {
	case Sha256Algorithm:
		if len(raw) != sha256.Size {
			return Digest{}, fmt.Errorf("invalid length of sha256 hex string: %d", len(raw))
		}
		return NewDigest(Sha256Algorithm, data), nil
	default:
		return Digest{}, fmt.Errorf("invalid hash algorithm: %s", alg)
	}
}

func NewDigest(algorithm HashAlgorithm, hex string) Digest {
	return Digest{alg: algorithm, hex: hex}
}

// Compute the sha256 digest of all data read from the reader.
func Sha256(reader io.Reader) (Digest, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, reader); err != nil {
		return Digest{}, err
	}
	return NewDigest(Sha256Algorithm, hex.EncodeToString(hash.Sum(nil))), nil
}

// Compute the sha256 digest of the given byte slices, in order.
func Sha256Bytes(data ...[]byte) Digest {
	hash := sha256.New()
	for _, d := range data {
		hash.Write(d)
	}
	return NewDigest(Sha256Algorithm, hex.EncodeToString(hash.Sum(nil)))
}

func (d Digest) Algorithm() HashAlgorithm {
	return d.alg
}

func (d Digest) Hex() string {
	return d.hex
}

func (d Digest) String() string {
	return string(d.alg) + ":" + d.hex
}

// Returns true if the digest is unset.
func (d Digest) IsZero() bool {
	return d.hex == ""
}
