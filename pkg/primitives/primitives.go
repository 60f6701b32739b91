// Package primitives defines the fixed-width byte types shared by every
// dvel subsystem: hashes, public keys, and signatures.
package primitives

import (
	"encoding/hex"
	"fmt"
)

const (
	// HashSize is the width of a SHA-256 digest.
	HashSize = 32
	// PublicKeySize is the width of an Ed25519 public key.
	PublicKeySize = 32
	// SignatureSize is the width of an Ed25519 signature.
	SignatureSize = 64

	// ProtocolVersion is the single supported event encoding version.
	ProtocolVersion uint8 = 1
)

// Hash is a 32-byte digest, used for event identities and chunk hashes.
type Hash [HashSize]byte

// ZeroHash is the sentinel "no parent" value (genesis).
var ZeroHash Hash

// IsZero reports whether h is the all-zero sentinel.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// String renders h as lowercase hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Less reports whether h sorts lexicographically before other, by raw bytes.
func (h Hash) Less(other Hash) bool {
	for i := range h {
		if h[i] != other[i] {
			return h[i] < other[i]
		}
	}
	return false
}

// HashFromHex decodes a hex string into a Hash, failing on any length mismatch.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != HashSize {
		return h, errLen("hash", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// PublicKey is a 32-byte Ed25519 public key.
type PublicKey [PublicKeySize]byte

// String renders the key as lowercase hex.
func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// PublicKeyFromHex decodes a hex string into a PublicKey.
func PublicKeyFromHex(s string) (PublicKey, error) {
	var k PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, err
	}
	if len(b) != PublicKeySize {
		return k, errLen("public key", PublicKeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// Signature is a 64-byte Ed25519 signature.
type Signature [SignatureSize]byte

// String renders the signature as lowercase hex.
func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}

// SignatureFromHex decodes a hex string into a Signature.
func SignatureFromHex(s string) (Signature, error) {
	var sig Signature
	b, err := hex.DecodeString(s)
	if err != nil {
		return sig, err
	}
	if len(b) != SignatureSize {
		return sig, errLen("signature", SignatureSize, len(b))
	}
	copy(sig[:], b)
	return sig, nil
}

func errLen(what string, want, got int) error {
	return fmt.Errorf("%s: want %d bytes, got %d", what, want, got)
}
