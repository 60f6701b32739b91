// Package storage implements content-addressed chunked file storage: split
// a file into fixed-size chunks, record them in a textual manifest, sign
// the manifest, and verify/reassemble from disk.
//
// Path handling (rejecting traversal-prone names) is grounded on
// rubin-protocol's node/safeio.go; atomic manifest writes are grounded on
// node/store/manifest.go's write-temp-fsync-rename discipline.
package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/crypto/ed25519"

	"github.com/ApocalCrk/dvel/pkg/merkle"
	"github.com/ApocalCrk/dvel/pkg/primitives"
)

// ErrorCode tags the distinct storage failure modes.
type ErrorCode string

const (
	ErrInvalidManifest  ErrorCode = "STORE_INVALID_MANIFEST"
	ErrSignatureMissing ErrorCode = "STORE_SIGNATURE_MISSING"
	ErrSignatureInvalid ErrorCode = "STORE_SIGNATURE_INVALID"
	ErrHashMismatch     ErrorCode = "STORE_HASH_MISMATCH"
	ErrIO               ErrorCode = "STORE_IO"
)

// Error is the concrete error type this package returns.
type Error struct {
	Code  ErrorCode
	Msg   string
	Index int
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Code == ErrHashMismatch:
		return fmt.Sprintf("%s: index %d", e.Code, e.Index)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func invalidManifest(msg string) error {
	return &Error{Code: ErrInvalidManifest, Msg: msg}
}

func ioErr(msg string, err error) error {
	return &Error{Code: ErrIO, Msg: msg, Err: err}
}

// ChunkMeta records one chunk's content hash; the chunk's position is its
// index in Manifest.Chunks.
type ChunkMeta struct {
	Hash primitives.Hash
}

// Manifest is the textual, optionally signed index of a chunked file.
type Manifest struct {
	Version   uint8
	FileName  string
	TotalSize uint64
	ChunkSize uint64
	Chunks    []ChunkMeta
	Signer    *primitives.PublicKey
	Signature *primitives.Signature
}

// ManifestVersion is the single supported manifest schema version.
const ManifestVersion uint8 = 1

const manifestMagic = "dvel-manifest-v1"

// chunkFileName returns the on-disk name of chunk i for fileName, per
// spec.md §6: "<file_name>.chunk.<index:08>".
func chunkFileName(fileName string, i int) string {
	return fmt.Sprintf("%s.chunk.%08d", fileName, i)
}

// validName rejects any file_name that doesn't round-trip through
// filepath.Base unchanged — the same guard rubin-protocol's safeio.go
// applies before ever opening a path derived from external input.
func validName(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return invalidManifest(fmt.Sprintf("invalid file name: %q", name))
	}
	return nil
}

// ChunkFile reads input in sequential blocks of up to chunkSize bytes,
// writes each non-empty block to <dir>/<fileName>.chunk.<i:08>, and returns
// the resulting manifest (version 1, unsigned).
func ChunkFile(input io.Reader, dir, fileName string, chunkSize uint64) (*Manifest, error) {
	if chunkSize == 0 {
		return nil, invalidManifest("chunk_size must be > 0")
	}
	if err := validName(fileName); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ioErr("mkdir", err)
	}

	m := &Manifest{Version: ManifestVersion, FileName: fileName, ChunkSize: chunkSize}
	buf := make([]byte, chunkSize)
	for i := 0; ; i++ {
		n, err := io.ReadFull(input, buf)
		if n > 0 {
			block := buf[:n]
			sum := sha256.Sum256(block)
			path := filepath.Join(dir, chunkFileName(fileName, i))
			if werr := os.WriteFile(path, block, 0o644); werr != nil {
				return nil, ioErr("write chunk", werr)
			}
			m.Chunks = append(m.Chunks, ChunkMeta{Hash: primitives.Hash(sum)})
			m.TotalSize += uint64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, ioErr("read input", err)
		}
		if n < len(buf) {
			break
		}
	}
	return m, nil
}

// CanonicalBytes returns the unsigned canonical manifest text — the signing
// input and the leading block of the serialized form.
func (m *Manifest) CanonicalBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(manifestMagic)
	buf.WriteByte('\n')
	fmt.Fprintf(&buf, "file_name:%s\n", m.FileName)
	fmt.Fprintf(&buf, "total_size:%d\n", m.TotalSize)
	fmt.Fprintf(&buf, "chunk_size:%d\n", m.ChunkSize)
	fmt.Fprintf(&buf, "chunks:%d\n", len(m.Chunks))
	for _, c := range m.Chunks {
		fmt.Fprintf(&buf, "h:%s\n", hex.EncodeToString(c.Hash[:]))
	}
	return buf.Bytes()
}

// serializedBytes is CanonicalBytes plus the optional signer/signature
// trailer, the form written to disk.
func (m *Manifest) serializedBytes() []byte {
	buf := m.CanonicalBytes()
	var out bytes.Buffer
	out.Write(buf)
	if m.Signer != nil {
		fmt.Fprintf(&out, "signer:%s\n", hex.EncodeToString(m.Signer[:]))
	}
	if m.Signature != nil {
		fmt.Fprintf(&out, "signature:%s\n", hex.EncodeToString(m.Signature[:]))
	}
	return out.Bytes()
}

// Sign derives the public key from secret and signs m's canonical
// (unsigned) bytes in place, setting Signer and Signature.
func (m *Manifest) Sign(secret []byte) error {
	if len(secret) != ed25519.SeedSize {
		return fmt.Errorf("storage: secret must be %d bytes, got %d", ed25519.SeedSize, len(secret))
	}
	priv := ed25519.NewKeyFromSeed(secret)
	sig := ed25519.Sign(priv, m.CanonicalBytes())

	var signer primitives.PublicKey
	copy(signer[:], priv.Public().(ed25519.PublicKey))
	var signature primitives.Signature
	copy(signature[:], sig)

	m.Signer = &signer
	m.Signature = &signature
	return nil
}

// VerifySignature fails SignatureMissing if either signer or signature is
// absent, and SignatureInvalid on any verification failure.
func (m *Manifest) VerifySignature() error {
	if m.Signer == nil || m.Signature == nil {
		return &Error{Code: ErrSignatureMissing}
	}
	if !ed25519.Verify(ed25519.PublicKey(m.Signer[:]), m.CanonicalBytes(), m.Signature[:]) {
		return &Error{Code: ErrSignatureInvalid}
	}
	return nil
}

// WriteManifest writes m's serialized (disk) form to path using the
// write-temp, fsync, rename discipline, so a crash mid-write never leaves a
// half-written manifest at the final path.
func WriteManifest(path string, m *Manifest) error {
	raw := m.serializedBytes()
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return ioErr("open tmp manifest", err)
	}
	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		return ioErr("write tmp manifest", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return ioErr("fsync tmp manifest", err)
	}
	if err := f.Close(); err != nil {
		return ioErr("close tmp manifest", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return ioErr("rename manifest", err)
	}
	return nil
}

// ReadManifestBytes parses the on-disk serialized form: the magic header,
// then file_name/total_size/chunk_size/chunks, then one h: line per chunk,
// then optional signer/signature. Unknown lines, bad hex, length mismatches,
// or a chunks: count that disagrees with the number of h: lines are all
// fatal parse errors.
func ReadManifestBytes(raw []byte) (*Manifest, error) {
	lines := splitLines(raw)
	if len(lines) == 0 || lines[0] != manifestMagic {
		return nil, invalidManifest("missing magic header")
	}

	m := &Manifest{Version: ManifestVersion}
	var declaredChunks int
	var sawFileName, sawTotalSize, sawChunkSize, sawChunks bool
	hashLines := 0

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		switch {
		case hasPrefix(line, "file_name:"):
			m.FileName = line[len("file_name:"):]
			sawFileName = true
		case hasPrefix(line, "total_size:"):
			v, err := strconv.ParseUint(line[len("total_size:"):], 10, 64)
			if err != nil {
				return nil, invalidManifest("bad total_size")
			}
			m.TotalSize = v
			sawTotalSize = true
		case hasPrefix(line, "chunk_size:"):
			v, err := strconv.ParseUint(line[len("chunk_size:"):], 10, 64)
			if err != nil {
				return nil, invalidManifest("bad chunk_size")
			}
			m.ChunkSize = v
			sawChunkSize = true
		case hasPrefix(line, "chunks:"):
			v, err := strconv.Atoi(line[len("chunks:"):])
			if err != nil || v < 0 {
				return nil, invalidManifest("bad chunks count")
			}
			declaredChunks = v
			sawChunks = true
		case hasPrefix(line, "h:"):
			h, err := primitives.HashFromHex(line[len("h:"):])
			if err != nil {
				return nil, invalidManifest("bad chunk hash hex")
			}
			m.Chunks = append(m.Chunks, ChunkMeta{Hash: h})
			hashLines++
		case hasPrefix(line, "signer:"):
			k, err := primitives.PublicKeyFromHex(line[len("signer:"):])
			if err != nil {
				return nil, invalidManifest("bad signer hex")
			}
			m.Signer = &k
		case hasPrefix(line, "signature:"):
			s, err := primitives.SignatureFromHex(line[len("signature:"):])
			if err != nil {
				return nil, invalidManifest("bad signature hex")
			}
			m.Signature = &s
		default:
			return nil, invalidManifest(fmt.Sprintf("unknown line: %q", line))
		}
	}

	if !sawFileName || !sawTotalSize || !sawChunkSize || !sawChunks {
		return nil, invalidManifest("missing required field")
	}
	if declaredChunks != hashLines {
		return nil, invalidManifest("chunks count disagrees with h: line count")
	}
	return m, nil
}

// ReadManifest reads and parses the manifest file at path.
func ReadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ioErr("read manifest", err)
	}
	return ReadManifestBytes(raw)
}

// VerifyChunks reads each chunk in order from dir, hashes it, and compares
// against the recorded hash, failing HashMismatch{index} on the first
// mismatch. After the loop, fails if the accumulated size disagrees with
// TotalSize.
func (m *Manifest) VerifyChunks(dir string) error {
	if err := validName(m.FileName); err != nil {
		return err
	}
	var total uint64
	for i, c := range m.Chunks {
		path := filepath.Join(dir, chunkFileName(m.FileName, i))
		raw, err := os.ReadFile(path)
		if err != nil {
			return ioErr("read chunk", err)
		}
		sum := sha256.Sum256(raw)
		if primitives.Hash(sum) != c.Hash {
			return &Error{Code: ErrHashMismatch, Index: i}
		}
		total += uint64(len(raw))
	}
	if total != m.TotalSize {
		return invalidManifest("total_size mismatch")
	}
	return nil
}

// Reassemble writes chunks in order to outputPath, re-verifying each
// chunk's hash immediately before writing it (defense in depth against
// read-time corruption between verify and reassemble).
func (m *Manifest) Reassemble(dir, outputPath string) error {
	if err := validName(m.FileName); err != nil {
		return err
	}
	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return ioErr("open output", err)
	}
	defer out.Close()

	for i, c := range m.Chunks {
		path := filepath.Join(dir, chunkFileName(m.FileName, i))
		raw, err := os.ReadFile(path)
		if err != nil {
			return ioErr("read chunk", err)
		}
		sum := sha256.Sum256(raw)
		if primitives.Hash(sum) != c.Hash {
			return &Error{Code: ErrHashMismatch, Index: i}
		}
		if _, err := out.Write(raw); err != nil {
			return ioErr("write output", err)
		}
	}
	return nil
}

// ChunkMerkleRoot folds the lexicographically sorted chunk hashes the same
// way the ledger folds event identities. Absent when there are no chunks.
func (m *Manifest) ChunkMerkleRoot() (primitives.Hash, bool) {
	if len(m.Chunks) == 0 {
		return primitives.Hash{}, false
	}
	leaves := make([]primitives.Hash, len(m.Chunks))
	for i, c := range m.Chunks {
		leaves[i] = c.Hash
	}
	return merkle.Fold(leaves), true
}

func splitLines(raw []byte) []string {
	var lines []string
	start := 0
	for i, b := range raw {
		if b == '\n' {
			lines = append(lines, string(raw[start:i]))
			start = i + 1
		}
	}
	if start < len(raw) {
		lines = append(lines, string(raw[start:]))
	}
	return lines
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
