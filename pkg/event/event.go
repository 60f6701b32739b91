// Package event implements the canonical event encoding, identity hashing,
// and signature/monotonicity validation described for the dvel ledger.
//
// Grounded on rubin-protocol's consensus/errors.go (ErrorCode taxonomy) and
// crypto/devstd.go (golang.org/x/crypto usage for the narrow crypto surface
// this package needs).
package event

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/ed25519"

	"github.com/ApocalCrk/dvel/pkg/primitives"
)

// CanonicalSize is the width of an event's canonical byte encoding:
// version(1) || prev_hash(32) || author(32) || timestamp(8) || payload_hash(32).
const CanonicalSize = 1 + primitives.HashSize + primitives.PublicKeySize + 8 + primitives.HashSize

// IdentitySize is CanonicalSize plus the 64-byte signature.
const IdentitySize = CanonicalSize + primitives.SignatureSize

// Event is a single signed, parent-linked ledger entry.
type Event struct {
	Version     uint8
	PrevHash    primitives.Hash
	Author      primitives.PublicKey
	Timestamp   uint64
	PayloadHash primitives.Hash
	Signature   primitives.Signature
}

// ErrorCode tags the distinct ways an event can fail validation.
type ErrorCode string

const (
	ErrBadSignature          ErrorCode = "EVT_BAD_SIGNATURE"
	ErrNonMonotonicTimestamp ErrorCode = "EVT_NON_MONOTONIC_TIMESTAMP"
	ErrUnknownVersion        ErrorCode = "EVT_UNKNOWN_VERSION"
)

// ValidationError is the concrete error type returned by Validate.
type ValidationError struct {
	Code ErrorCode
	Msg  string
}

func (e *ValidationError) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func validationErr(code ErrorCode, msg string) error {
	return &ValidationError{Code: code, Msg: msg}
}

// CanonicalBytes returns the 105-byte deterministic pre-signature encoding
// used both as the signing input and as the prefix of identity material.
func (e Event) CanonicalBytes() []byte {
	buf := make([]byte, CanonicalSize)
	buf[0] = e.Version
	off := 1
	copy(buf[off:], e.PrevHash[:])
	off += primitives.HashSize
	copy(buf[off:], e.Author[:])
	off += primitives.PublicKeySize
	binary.LittleEndian.PutUint64(buf[off:], e.Timestamp)
	off += 8
	copy(buf[off:], e.PayloadHash[:])
	return buf
}

// IdentityMaterial returns the canonical bytes followed by the signature,
// 169 bytes total — the input to the identity hash.
func (e Event) IdentityMaterial() []byte {
	buf := make([]byte, 0, IdentitySize)
	buf = append(buf, e.CanonicalBytes()...)
	buf = append(buf, e.Signature[:]...)
	return buf
}

// IdentityHash returns the SHA-256 of IdentityMaterial — the ledger's key
// for this event.
func (e Event) IdentityHash() primitives.Hash {
	return primitives.Hash(sha256.Sum256(e.IdentityMaterial()))
}

// DecodeCanonical parses the 169-byte identity material (canonical bytes
// plus signature) back into an Event, for callers that persist events to
// durable storage and need to reload them unchanged.
func DecodeCanonical(raw []byte) (Event, error) {
	if len(raw) != IdentitySize {
		return Event{}, fmt.Errorf("event: identity material must be %d bytes, got %d", IdentitySize, len(raw))
	}
	var e Event
	e.Version = raw[0]
	off := 1
	copy(e.PrevHash[:], raw[off:off+primitives.HashSize])
	off += primitives.HashSize
	copy(e.Author[:], raw[off:off+primitives.PublicKeySize])
	off += primitives.PublicKeySize
	e.Timestamp = binary.LittleEndian.Uint64(raw[off : off+8])
	off += 8
	copy(e.PayloadHash[:], raw[off:off+primitives.HashSize])
	off += primitives.HashSize
	copy(e.Signature[:], raw[off:off+primitives.SignatureSize])
	return e, nil
}

// Sign computes the Ed25519 signature over e's canonical bytes using secret,
// a raw 32-byte seed, and returns e with Signature populated.
func Sign(e Event, secret []byte) (Event, error) {
	if len(secret) != ed25519.SeedSize {
		return Event{}, fmt.Errorf("event: secret must be %d bytes, got %d", ed25519.SeedSize, len(secret))
	}
	priv := ed25519.NewKeyFromSeed(secret)
	sig := ed25519.Sign(priv, e.CanonicalBytes())
	copy(e.Signature[:], sig)
	return e, nil
}

// NewSigned populates every non-signature field, signs it, and returns the
// finished event — the common construction path for callers that already
// hold a secret key.
func NewSigned(prevHash primitives.Hash, author primitives.PublicKey, timestamp uint64, payloadHash primitives.Hash, secret []byte) (Event, error) {
	ev := Event{
		Version:     primitives.ProtocolVersion,
		PrevHash:    prevHash,
		Author:      author,
		Timestamp:   timestamp,
		PayloadHash: payloadHash,
	}
	return Sign(ev, secret)
}

// DerivePublicKey returns the Ed25519 public key for a raw 32-byte seed.
func DerivePublicKey(secret []byte) (primitives.PublicKey, error) {
	var out primitives.PublicKey
	if len(secret) != ed25519.SeedSize {
		return out, fmt.Errorf("event: secret must be %d bytes, got %d", ed25519.SeedSize, len(secret))
	}
	priv := ed25519.NewKeyFromSeed(secret)
	copy(out[:], priv.Public().(ed25519.PublicKey))
	return out, nil
}

// ValidationContext tracks, per author, the last accepted timestamp. The
// zero value starts every author at 0 per spec.
type ValidationContext struct {
	mu            sync.Mutex
	lastTimestamp map[primitives.PublicKey]uint64
}

// NewValidationContext returns a ready-to-use, empty context.
func NewValidationContext() *ValidationContext {
	return &ValidationContext{lastTimestamp: make(map[primitives.PublicKey]uint64)}
}

// LastTimestamp returns the author's last accepted timestamp, or 0 if none.
func (c *ValidationContext) LastTimestamp(author primitives.PublicKey) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTimestamp[author]
}

// Validate verifies e's signature under e.Author with ed25519.Verify, which
// rejects non-canonical S encodings; small-order public keys are not
// rejected. It then enforces per-author monotonic timestamps. On success,
// the author's last_timestamp is advanced to e.Timestamp. Validation never
// consults the ledger — parent presence is enforced at link time.
func (c *ValidationContext) Validate(e Event) error {
	if e.Version != primitives.ProtocolVersion {
		return validationErr(ErrUnknownVersion, fmt.Sprintf("got %d, want %d", e.Version, primitives.ProtocolVersion))
	}
	if !ed25519.Verify(ed25519.PublicKey(e.Author[:]), e.CanonicalBytes(), e.Signature[:]) {
		return validationErr(ErrBadSignature, "")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastTimestamp == nil {
		c.lastTimestamp = make(map[primitives.PublicKey]uint64)
	}
	last := c.lastTimestamp[e.Author]
	if e.Timestamp <= last {
		return validationErr(ErrNonMonotonicTimestamp, fmt.Sprintf("timestamp %d <= last %d", e.Timestamp, last))
	}
	c.lastTimestamp[e.Author] = e.Timestamp
	return nil
}
