// Command dvelctl is the external collaborator's command surface for the
// storage pipeline and the trace checker: chunk+sign a file, verify+
// reassemble a manifest, or replay a recorded trace document.
//
// The flag.FlagSet + run(args, stdout, stderr) int shape is grounded on
// rubin-protocol's cmd/rubin-node/main.go.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ApocalCrk/dvel/pkg/primitives"
	"github.com/ApocalCrk/dvel/pkg/storage"
	"github.com/ApocalCrk/dvel/pkg/tracecheck"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: dvelctl <upload|download|trace> ...")
		return 2
	}
	switch args[0] {
	case "upload":
		return runUpload(args[1:], stdout, stderr)
	case "download":
		return runDownload(args[1:], stdout, stderr)
	case "trace":
		return runTrace(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown subcommand %q\n", args[0])
		return 2
	}
}

func runUpload(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	fs.SetOutput(stderr)
	signHex := fs.String("sign", "", "hex-encoded 32-byte secret to sign the manifest with")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) > 3 {
		// Flags may also follow the three positional arguments.
		if err := fs.Parse(rest[3:]); err != nil {
			return 2
		}
		rest = append(rest[:3:3], fs.Args()...)
	}
	if len(rest) != 3 {
		fmt.Fprintln(stderr, "usage: upload <input_file> <out_dir> <chunk_size_bytes> [--sign <secret_hex32>]")
		return 2
	}
	inputFile, outDir, chunkSizeStr := rest[0], rest[1], rest[2]

	chunkSize, err := strconv.ParseUint(chunkSizeStr, 10, 64)
	if err != nil {
		fmt.Fprintf(stderr, "bad chunk_size_bytes: %v\n", err)
		return 2
	}

	in, err := os.Open(inputFile)
	if err != nil {
		fmt.Fprintf(stderr, "open input: %v\n", err)
		return 1
	}
	defer in.Close()

	fileName := filepath.Base(inputFile)
	m, err := storage.ChunkFile(in, outDir, fileName, chunkSize)
	if err != nil {
		fmt.Fprintf(stderr, "chunk: %v\n", err)
		return 1
	}

	if *signHex != "" {
		secret, err := hex.DecodeString(*signHex)
		if err != nil {
			fmt.Fprintf(stderr, "bad --sign hex: %v\n", err)
			return 2
		}
		if err := m.Sign(secret); err != nil {
			fmt.Fprintf(stderr, "sign: %v\n", err)
			return 1
		}
	}

	manifestPath := filepath.Join(outDir, fileName+".manifest")
	if err := storage.WriteManifest(manifestPath, m); err != nil {
		fmt.Fprintf(stderr, "write manifest: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "wrote %s (%d chunks, %d bytes)\n", manifestPath, len(m.Chunks), m.TotalSize)
	return 0
}

func runDownload(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	fs.SetOutput(stderr)
	expectSignerHex := fs.String("expect-signer", "", "hex-encoded 32-byte public key the manifest must be signed by")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) > 3 {
		// Flags may also follow the three positional arguments.
		if err := fs.Parse(rest[3:]); err != nil {
			return 2
		}
		rest = append(rest[:3:3], fs.Args()...)
	}
	if len(rest) != 3 {
		fmt.Fprintln(stderr, "usage: download <manifest_path> <chunk_dir> <output_path> [--expect-signer <pubkey_hex32>]")
		return 2
	}
	manifestPath, chunkDir, outputPath := rest[0], rest[1], rest[2]

	m, err := storage.ReadManifest(manifestPath)
	if err != nil {
		fmt.Fprintf(stderr, "read manifest: %v\n", err)
		return 1
	}

	if *expectSignerHex != "" {
		expected, err := primitives.PublicKeyFromHex(*expectSignerHex)
		if err != nil {
			fmt.Fprintf(stderr, "bad --expect-signer hex: %v\n", err)
			return 2
		}
		if m.Signer == nil {
			fmt.Fprintln(stderr, "manifest has no signer but --expect-signer was given")
			return 1
		}
		if *m.Signer != expected {
			fmt.Fprintln(stderr, "manifest signer does not match --expect-signer")
			return 1
		}
	}
	if m.Signer != nil || m.Signature != nil {
		if err := m.VerifySignature(); err != nil {
			fmt.Fprintf(stderr, "verify signature: %v\n", err)
			return 1
		}
	}
	if err := m.VerifyChunks(chunkDir); err != nil {
		fmt.Fprintf(stderr, "verify chunks: %v\n", err)
		return 1
	}
	if err := m.Reassemble(chunkDir, outputPath); err != nil {
		fmt.Fprintf(stderr, "reassemble: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "wrote %s\n", outputPath)
	return 0
}

func runTrace(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("trace", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) != 1 {
		fmt.Fprintln(stderr, "usage: trace <trace_document_path>")
		return 2
	}

	f, err := os.Open(rest[0])
	if err != nil {
		fmt.Fprintf(stderr, "open trace document: %v\n", err)
		return 1
	}
	defer f.Close()

	if err := tracecheck.Run(f); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "trace ok")
	return 0
}
