// Package digest provides the content-hash type used throughout the
// repository and workspace stores.
//
// Every hash in this module is SHA-1, as mandated by the package and
// repository on-disk formats: "hashes are lowercase hex" (spec §4.2),
// "Package IDs are lowercase hex sha1 of the package's metadata file at
// rest" (spec §6). Digest intentionally only knows about SHA-1: there is
// no pluggable algorithm here, unlike the codec package's registries.
package digest

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// Size is the length in bytes of a SHA-1 checksum.
const Size = sha1.Size

// Digest is a lowercase-hex SHA-1 checksum.
//
// The zero Digest (all zero bytes) means "unset"; it is not the hash of
// the empty string.
type Digest struct {
	sum [Size]byte
}

// New constructs a Digest from a raw checksum.
func New(sum []byte) (Digest, error) {
	var d Digest
	if len(sum) != Size {
		return d, fmt.Errorf("digest: bad checksum length: %d", len(sum))
	}
	copy(d.sum[:], sum)
	return d, nil
}

// Parse decodes a lowercase-hex SHA-1 string.
func Parse(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("digest: %w", err)
	}
	return New(b)
}

// Sum hashes r in full and returns its Digest.
func Sum(r io.Reader) (Digest, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	return New(h.Sum(nil))
}

// Bytes returns the raw checksum bytes.
func (d Digest) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, d.sum[:])
	return b
}

// String returns the lowercase-hex representation.
func (d Digest) String() string {
	return hex.EncodeToString(d.sum[:])
}

// IsZero reports whether d is the unset Digest, distinct from the hash of
// the empty byte string.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler, used by the canonical
// JSON encoder in package metadata.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Hasher returns a fresh hash.Hash producing Digest-compatible sums.
func Hasher() hash.Hash {
	return sha1.New()
}
