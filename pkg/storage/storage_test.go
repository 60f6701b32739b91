package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"golang.org/x/crypto/ed25519"
)

func secretOf(b byte) []byte {
	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = b
	}
	return s
}

func TestChunkFileAndVerify(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte("ab"), 100) // 200 bytes

	m, err := ChunkFile(bytes.NewReader(content), dir, "payload.bin", 64)
	require.NoError(t, err)
	require.Equal(t, uint64(200), m.TotalSize)
	require.Len(t, m.Chunks, 4) // 64,64,64,8

	require.NoError(t, m.VerifyChunks(dir))
}

func TestChunkFileRejectsZeroChunkSize(t *testing.T) {
	dir := t.TempDir()
	_, err := ChunkFile(bytes.NewReader([]byte("x")), dir, "f.bin", 0)
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, ErrInvalidManifest, serr.Code)
}

func TestManifestSignAndVerify(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte{0x42}, 130)
	m, err := ChunkFile(bytes.NewReader(content), dir, "signed.bin", 50)
	require.NoError(t, err)

	secret := secretOf(0x09)
	require.NoError(t, m.Sign(secret))
	require.NoError(t, m.VerifySignature())

	// Tampering with a recorded hash must invalidate the signature, since
	// the signature covers the canonical bytes including every h: line.
	m.Chunks[0].Hash[0] ^= 0xFF
	require.Error(t, m.VerifySignature())
}

func TestVerifySignatureMissing(t *testing.T) {
	dir := t.TempDir()
	m, err := ChunkFile(bytes.NewReader([]byte("abc")), dir, "unsigned.bin", 16)
	require.NoError(t, err)

	err = m.VerifySignature()
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, ErrSignatureMissing, serr.Code)
}

func TestWriteReadManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte{0x01, 0x02}, 40)
	m, err := ChunkFile(bytes.NewReader(content), dir, "roundtrip.bin", 30)
	require.NoError(t, err)
	require.NoError(t, m.Sign(secretOf(0x0A)))

	path := filepath.Join(dir, "roundtrip.manifest")
	require.NoError(t, WriteManifest(path, m))

	got, err := ReadManifest(path)
	require.NoError(t, err)
	require.Equal(t, m.FileName, got.FileName)
	require.Equal(t, m.TotalSize, got.TotalSize)
	require.Equal(t, m.ChunkSize, got.ChunkSize)
	require.Equal(t, m.Chunks, got.Chunks)
	require.NotNil(t, got.Signer)
	require.NotNil(t, got.Signature)
	require.NoError(t, got.VerifySignature())
}

func TestReadManifestRejectsMissingMagic(t *testing.T) {
	_, err := ReadManifestBytes([]byte("file_name:x\n"))
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, ErrInvalidManifest, serr.Code)
}

func TestReadManifestRejectsUnknownLine(t *testing.T) {
	raw := "dvel-manifest-v1\nfile_name:x\ntotal_size:0\nchunk_size:1\nchunks:0\nbogus:line\n"
	_, err := ReadManifestBytes([]byte(raw))
	require.Error(t, err)
}

func TestReadManifestRejectsChunkCountMismatch(t *testing.T) {
	raw := "dvel-manifest-v1\nfile_name:x\ntotal_size:0\nchunk_size:1\nchunks:1\n"
	_, err := ReadManifestBytes([]byte(raw))
	require.Error(t, err)
}

func TestReadManifestRejectsBadHex(t *testing.T) {
	raw := "dvel-manifest-v1\nfile_name:x\ntotal_size:0\nchunk_size:1\nchunks:1\nh:not-hex\n"
	_, err := ReadManifestBytes([]byte(raw))
	require.Error(t, err)
}

func TestVerifyChunksDetectsHashMismatch(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte{0x07}, 70)
	m, err := ChunkFile(bytes.NewReader(content), dir, "corrupt.bin", 20)
	require.NoError(t, err)

	// Corrupt the first chunk on disk.
	path := filepath.Join(dir, chunkFileName("corrupt.bin", 0))
	require.NoError(t, os.WriteFile(path, []byte("garbage!!!!!!!!!!!!!"), 0o644))

	err = m.VerifyChunks(dir)
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, ErrHashMismatch, serr.Code)
	require.Equal(t, 0, serr.Index)
}

func TestReassemble(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte{0x11, 0x22, 0x33}, 50) // 150 bytes
	m, err := ChunkFile(bytes.NewReader(content), dir, "whole.bin", 40)
	require.NoError(t, err)

	outPath := filepath.Join(dir, "reassembled.bin")
	require.NoError(t, m.Reassemble(dir, outPath))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestReassembleFailsOnCorruption(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte{0x55}, 90)
	m, err := ChunkFile(bytes.NewReader(content), dir, "badfile.bin", 30)
	require.NoError(t, err)

	path := filepath.Join(dir, chunkFileName("badfile.bin", 1))
	require.NoError(t, os.WriteFile(path, []byte("0000000000000000000000000000"), 0o644))

	err = m.Reassemble(dir, filepath.Join(dir, "out.bin"))
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, ErrHashMismatch, serr.Code)
	require.Equal(t, 1, serr.Index)
}

func TestChunkMerkleRootOrderIndependent(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte{0x9A}, 90)
	m, err := ChunkFile(bytes.NewReader(content), dir, "root.bin", 30)
	require.NoError(t, err)

	root1, ok := m.ChunkMerkleRoot()
	require.True(t, ok)

	reversed := &Manifest{
		Version:   m.Version,
		FileName:  m.FileName,
		TotalSize: m.TotalSize,
		ChunkSize: m.ChunkSize,
		Chunks:    []ChunkMeta{m.Chunks[2], m.Chunks[0], m.Chunks[1]},
	}
	root2, ok := reversed.ChunkMerkleRoot()
	require.True(t, ok)
	require.Equal(t, root1, root2)
}

func TestChunkMerkleRootAbsentWhenEmpty(t *testing.T) {
	m := &Manifest{FileName: "empty.bin"}
	_, ok := m.ChunkMerkleRoot()
	require.False(t, ok)
}

func TestRejectsPathUnsafeFileName(t *testing.T) {
	dir := t.TempDir()
	_, err := ChunkFile(bytes.NewReader([]byte("x")), dir, "../escape", 4)
	require.Error(t, err)
}
