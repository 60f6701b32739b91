// Package tracecheck implements the deterministic replay checker: feed it
// a recorded header and row sequence, and it re-runs the validation/link/
// overlay pipeline against each row's declared values, reporting the first
// disagreement.
//
// The header/row-per-line JSON shape is grounded on rubin-protocol's
// cmd/formal-trace/main.go traceHeader/traceEntry types; here the checker
// consumes that shape rather than producing it. The per-row invariant
// checks themselves follow original_source/rust-core/src/trace_check.rs's
// check_trace literally, including its genesis-row parent_present
// exemption and its use of each row's own declared quarantine-window
// fields rather than a freshly recomputed value.
package tracecheck

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ApocalCrk/dvel/pkg/event"
	"github.com/ApocalCrk/dvel/pkg/ledger"
	"github.com/ApocalCrk/dvel/pkg/primitives"
	"github.com/ApocalCrk/dvel/pkg/sybil"
)

// Header is the document's leading metadata row.
type Header struct {
	ProtocolVersion   uint8    `json:"protocol_version"`
	SkewBound         uint64   `json:"skew_bound"`
	DrainBound        uint64   `json:"drain_bound"`
	WarmupTicks       uint64   `json:"warmup_ticks"`
	QuarantineTicks   uint64   `json:"quarantine_ticks"`
	FixedPointScale   uint64   `json:"fixed_point_scale"`
	MaxLinkWalk       int      `json:"max_link_walk"`
	ExpectedFinalRoot *string  `json:"expected_final_merkle_root"`
	SourceLabels      []string `json:"source_labels"`
}

// Row is a single recorded observation.
type Row struct {
	NodeID                 string  `json:"node_id"`
	RowIndex               int     `json:"row_index"`
	VersionHex             string  `json:"version"`
	PrevHashHex            string  `json:"prev_hash"`
	AuthorHex              string  `json:"author"`
	Timestamp              uint64  `json:"timestamp"`
	PayloadHashHex         string  `json:"payload_hash"`
	SignatureHex           string  `json:"signature"`
	ParentPresent          bool    `json:"parent_present"`
	AncestorCheck          bool    `json:"ancestor_check"`
	QuarantinedUntilBefore uint64  `json:"quarantined_until_before"`
	QuarantinedUntilAfter  uint64  `json:"quarantined_until_after"`
	MerkleRootHex          *string `json:"merkle_root"`
	PreferredTipHex        *string `json:"preferred_tip"`
	AuthorWeightFP         uint64  `json:"author_weight_fp"`
}

// ErrorCode tags the distinct ways a trace can fail to replay cleanly.
type ErrorCode string

const (
	ErrMalformedRow          ErrorCode = "TRACE_MALFORMED_ROW"
	ErrParentPresentMismatch ErrorCode = "TRACE_PARENT_PRESENT_MISMATCH"
	ErrValidationFailed      ErrorCode = "TRACE_VALIDATION_FAILED"
	ErrLinkFailed            ErrorCode = "TRACE_LINK_FAILED"
	ErrQuarantineWindow      ErrorCode = "TRACE_QUARANTINE_WINDOW_VIOLATION"
	ErrWeightOutOfBounds     ErrorCode = "TRACE_WEIGHT_OUT_OF_BOUNDS"
	ErrWeightNonzero         ErrorCode = "TRACE_QUARANTINED_WEIGHT_NONZERO"
	ErrMerkleRootMismatch    ErrorCode = "TRACE_MERKLE_ROOT_MISMATCH"
	ErrFinalRootMismatch     ErrorCode = "TRACE_FINAL_ROOT_MISMATCH"
)

// Error is the single structured error the checker produces on the first
// violation encountered; RowIndex is -1 for header-level failures.
type Error struct {
	Code     ErrorCode
	RowIndex int
	Detail   string
}

func (e *Error) Error() string {
	if e.RowIndex < 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("%s: row %d: %s", e.Code, e.RowIndex, e.Detail)
}

func rowErr(code ErrorCode, idx int, detail string) error {
	return &Error{Code: code, RowIndex: idx, Detail: detail}
}

// Run decodes a header followed by a JSONL-style sequence of rows from r,
// replays them against a fresh ledger/overlay/per-author validation
// context, and returns the first invariant violation encountered, if any.
func Run(r io.Reader) error {
	dec := json.NewDecoder(bufio.NewReader(r))

	var hdr Header
	if err := dec.Decode(&hdr); err != nil {
		return rowErr(ErrMalformedRow, -1, fmt.Sprintf("decode header: %v", err))
	}

	ledg := ledger.New()
	contexts := make(map[primitives.PublicKey]*event.ValidationContext)
	overlay := sybil.New(sybil.DefaultConfig(hdr.WarmupTicks, hdr.QuarantineTicks, hdr.FixedPointScale, hdr.MaxLinkWalk))

	for {
		var row Row
		if err := dec.Decode(&row); err != nil {
			if err == io.EOF {
				break
			}
			return rowErr(ErrMalformedRow, -1, fmt.Sprintf("decode row: %v", err))
		}
		if err := checkRow(ledg, contexts, overlay, hdr, row); err != nil {
			return err
		}
	}

	root, haveRoot := ledg.MerkleRoot()
	if hdr.ExpectedFinalRoot != nil {
		expected, err := primitives.HashFromHex(*hdr.ExpectedFinalRoot)
		if err != nil {
			return rowErr(ErrMalformedRow, -1, fmt.Sprintf("bad expected_final_merkle_root: %v", err))
		}
		if !haveRoot || root != expected {
			return rowErr(ErrFinalRootMismatch, -1, fmt.Sprintf("got %s", root))
		}
	}
	return nil
}

func decodeRowEvent(row Row) (event.Event, error) {
	versionBytes, err := hex.DecodeString(row.VersionHex)
	if err != nil || len(versionBytes) != 1 {
		return event.Event{}, fmt.Errorf("bad version hex")
	}
	prevHash, err := primitives.HashFromHex(row.PrevHashHex)
	if err != nil {
		return event.Event{}, fmt.Errorf("bad prev_hash: %w", err)
	}
	author, err := primitives.PublicKeyFromHex(row.AuthorHex)
	if err != nil {
		return event.Event{}, fmt.Errorf("bad author: %w", err)
	}
	payloadHash, err := primitives.HashFromHex(row.PayloadHashHex)
	if err != nil {
		return event.Event{}, fmt.Errorf("bad payload_hash: %w", err)
	}
	signature, err := primitives.SignatureFromHex(row.SignatureHex)
	if err != nil {
		return event.Event{}, fmt.Errorf("bad signature: %w", err)
	}
	return event.Event{
		Version:     versionBytes[0],
		PrevHash:    prevHash,
		Author:      author,
		Timestamp:   row.Timestamp,
		PayloadHash: payloadHash,
		Signature:   signature,
	}, nil
}

func checkRow(ledg *ledger.Ledger, contexts map[primitives.PublicKey]*event.ValidationContext, overlay *sybil.Overlay, hdr Header, row Row) error {
	ev, err := decodeRowEvent(row)
	if err != nil {
		return rowErr(ErrMalformedRow, row.RowIndex, err.Error())
	}

	if !ev.PrevHash.IsZero() {
		_, parentKnown := ledg.Get(ev.PrevHash)
		if parentKnown && !row.ParentPresent {
			return rowErr(ErrParentPresentMismatch, row.RowIndex, "parent_present=false but parent known")
		}
		if !parentKnown && row.ParentPresent {
			return rowErr(ErrParentPresentMismatch, row.RowIndex, "parent_present=true but parent unknown")
		}
	}

	ctx, ok := contexts[ev.Author]
	if !ok {
		ctx = event.NewValidationContext()
		contexts[ev.Author] = ctx
	}
	if err := ctx.Validate(ev); err != nil {
		return rowErr(ErrValidationFailed, row.RowIndex, err.Error())
	}

	identity, err := ledg.TryAddEvent(ev)
	if err != nil {
		return rowErr(ErrLinkFailed, row.RowIndex, err.Error())
	}

	overlay.Observe(ledg, row.Timestamp, ev, identity)

	if !row.AncestorCheck {
		if row.QuarantinedUntilAfter < row.QuarantinedUntilBefore+hdr.QuarantineTicks {
			return rowErr(ErrQuarantineWindow, row.RowIndex, fmt.Sprintf("quarantined_until_after %d < before %d + quarantine_ticks", row.QuarantinedUntilAfter, row.QuarantinedUntilBefore))
		}
	}

	if row.AuthorWeightFP > hdr.FixedPointScale {
		return rowErr(ErrWeightOutOfBounds, row.RowIndex, fmt.Sprintf("%d > scale", row.AuthorWeightFP))
	}

	if row.Timestamp < row.QuarantinedUntilAfter && row.AuthorWeightFP != 0 {
		return rowErr(ErrWeightNonzero, row.RowIndex, fmt.Sprintf("timestamp %d < quarantined_until_after %d but weight %d", row.Timestamp, row.QuarantinedUntilAfter, row.AuthorWeightFP))
	}

	if row.MerkleRootHex != nil {
		expected, err := primitives.HashFromHex(*row.MerkleRootHex)
		if err != nil {
			return rowErr(ErrMalformedRow, row.RowIndex, fmt.Sprintf("bad merkle_root: %v", err))
		}
		got, ok := ledg.MerkleRoot()
		if !ok || got != expected {
			return rowErr(ErrMerkleRootMismatch, row.RowIndex, fmt.Sprintf("got %s", got))
		}
	}

	return nil
}
