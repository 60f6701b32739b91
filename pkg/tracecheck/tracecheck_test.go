package tracecheck

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ApocalCrk/dvel/pkg/event"
	"github.com/ApocalCrk/dvel/pkg/primitives"
)

func secretOf(b byte) []byte {
	s := make([]byte, 32)
	for i := range s {
		s[i] = b
	}
	return s
}

func writeDoc(t *testing.T, hdr Header, rows []Row) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	require.NoError(t, enc.Encode(hdr))
	for _, r := range rows {
		require.NoError(t, enc.Encode(r))
	}
	return &buf
}

func rowFromEvent(t *testing.T, ev event.Event, idx int, parentPresent, ancestorCheck bool, before, after, weight uint64) Row {
	t.Helper()
	return Row{
		NodeID:                 "n1",
		RowIndex:               idx,
		VersionHex:             hex.EncodeToString([]byte{ev.Version}),
		PrevHashHex:            hex.EncodeToString(ev.PrevHash[:]),
		AuthorHex:              hex.EncodeToString(ev.Author[:]),
		Timestamp:              ev.Timestamp,
		PayloadHashHex:         hex.EncodeToString(ev.PayloadHash[:]),
		SignatureHex:           hex.EncodeToString(ev.Signature[:]),
		ParentPresent:          parentPresent,
		AncestorCheck:          ancestorCheck,
		QuarantinedUntilBefore: before,
		QuarantinedUntilAfter:  after,
		AuthorWeightFP:         weight,
	}
}

func TestRunAcceptsCleanSingleAuthorTrace(t *testing.T) {
	secret := secretOf(0x07)
	pub, err := event.DerivePublicKey(secret)
	require.NoError(t, err)

	var ph primitives.Hash
	ph[0] = 0xAB
	ev, err := event.NewSigned(primitives.ZeroHash, pub, 10, ph, secret)
	require.NoError(t, err)

	hdr := Header{
		ProtocolVersion: 1,
		WarmupTicks:     0,
		QuarantineTicks: 50,
		FixedPointScale: 1000,
		MaxLinkWalk:     8,
	}
	row := rowFromEvent(t, ev, 0, true, true, 0, 0, 1000)
	buf := writeDoc(t, hdr, []Row{row})

	require.NoError(t, Run(buf))
}

func TestRunDetectsParentPresentMismatch(t *testing.T) {
	secret := secretOf(0x07)
	pub, err := event.DerivePublicKey(secret)
	require.NoError(t, err)

	var ph primitives.Hash
	notGenesis := primitives.Hash{9, 9, 9}
	ev, err := event.NewSigned(notGenesis, pub, 10, ph, secret)
	require.NoError(t, err)

	hdr := Header{WarmupTicks: 0, QuarantineTicks: 50, FixedPointScale: 1000, MaxLinkWalk: 8}
	row := rowFromEvent(t, ev, 0, true, true, 0, 0, 1000) // falsely claims parent present
	buf := writeDoc(t, hdr, []Row{row})

	err = Run(buf)
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, ErrParentPresentMismatch, terr.Code)
}

func TestRunDetectsValidationFailureOnBadSignature(t *testing.T) {
	secret := secretOf(0x07)
	pub, err := event.DerivePublicKey(secret)
	require.NoError(t, err)

	var ph primitives.Hash
	ev, err := event.NewSigned(primitives.ZeroHash, pub, 10, ph, secret)
	require.NoError(t, err)
	ev.Signature[0] ^= 0xFF // corrupt

	hdr := Header{WarmupTicks: 0, QuarantineTicks: 50, FixedPointScale: 1000, MaxLinkWalk: 8}
	row := rowFromEvent(t, ev, 0, true, true, 0, 0, 0)
	buf := writeDoc(t, hdr, []Row{row})

	err = Run(buf)
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, ErrValidationFailed, terr.Code)
}

func TestRunDetectsWeightOutOfBounds(t *testing.T) {
	secret := secretOf(0x07)
	pub, err := event.DerivePublicKey(secret)
	require.NoError(t, err)
	var ph primitives.Hash
	ev, err := event.NewSigned(primitives.ZeroHash, pub, 10, ph, secret)
	require.NoError(t, err)

	hdr := Header{WarmupTicks: 0, QuarantineTicks: 50, FixedPointScale: 1000, MaxLinkWalk: 8}
	row := rowFromEvent(t, ev, 0, true, true, 0, 0, 5000) // exceeds scale
	buf := writeDoc(t, hdr, []Row{row})

	err = Run(buf)
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, ErrWeightOutOfBounds, terr.Code)
}

func TestRunAcceptsGenesisRowWithParentPresentFalse(t *testing.T) {
	// trace_check.rs guards both parent_present mismatch branches with
	// !parent_is_zero, so a genesis row's declared parent_present is
	// unconstrained; "false" is the more natural value and must not be
	// rejected.
	secret := secretOf(0x07)
	pub, err := event.DerivePublicKey(secret)
	require.NoError(t, err)
	var ph primitives.Hash
	ev, err := event.NewSigned(primitives.ZeroHash, pub, 10, ph, secret)
	require.NoError(t, err)

	hdr := Header{WarmupTicks: 0, QuarantineTicks: 50, FixedPointScale: 1000, MaxLinkWalk: 8}
	row := rowFromEvent(t, ev, 0, false, true, 0, 0, 1000)
	buf := writeDoc(t, hdr, []Row{row})

	require.NoError(t, Run(buf))
}

func TestRunEquivocationQuarantineWindow(t *testing.T) {
	secret := secretOf(0x07)
	pub, err := event.DerivePublicKey(secret)
	require.NoError(t, err)
	var ph1, ph2 primitives.Hash
	ph1[0] = 0x01
	ph2[0] = 0x02

	ev1, err := event.NewSigned(primitives.ZeroHash, pub, 10, ph1, secret)
	require.NoError(t, err)
	// ev2 forks from the same parent (prev_hash all-zero) as ev1, with a
	// distinct payload, so it is a real equivocation: same (author,
	// prev_hash) fingerprint, different identity hash.
	ev2, err := event.NewSigned(primitives.ZeroHash, pub, 20, ph2, secret)
	require.NoError(t, err)

	hdr := Header{WarmupTicks: 0, QuarantineTicks: 50, FixedPointScale: 1000, MaxLinkWalk: 8}

	cases := []struct {
		name          string
		quarantineRow Row
		wantErr       bool
	}{
		{
			name:          "declared window honors quarantine_ticks",
			quarantineRow: rowFromEvent(t, ev2, 1, true, false, 0, 50, 0),
			wantErr:       false,
		},
		{
			name:          "declared window falls short of quarantine_ticks",
			quarantineRow: rowFromEvent(t, ev2, 1, true, false, 0, 10, 0),
			wantErr:       true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			genesisRow := rowFromEvent(t, ev1, 0, true, true, 0, 0, 1000)
			buf := writeDoc(t, hdr, []Row{genesisRow, tc.quarantineRow})

			err := Run(buf)
			if !tc.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var terr *Error
			require.ErrorAs(t, err, &terr)
			require.Equal(t, ErrQuarantineWindow, terr.Code)
		})
	}
}

func TestRunDetectsFinalRootMismatch(t *testing.T) {
	secret := secretOf(0x07)
	pub, err := event.DerivePublicKey(secret)
	require.NoError(t, err)
	var ph primitives.Hash
	ev, err := event.NewSigned(primitives.ZeroHash, pub, 10, ph, secret)
	require.NoError(t, err)

	bogusRoot := hex.EncodeToString(bytes.Repeat([]byte{0xFF}, 32))
	hdr := Header{WarmupTicks: 0, QuarantineTicks: 50, FixedPointScale: 1000, MaxLinkWalk: 8, ExpectedFinalRoot: &bogusRoot}
	row := rowFromEvent(t, ev, 0, true, true, 0, 0, 1000)
	buf := writeDoc(t, hdr, []Row{row})

	err = Run(buf)
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, ErrFinalRootMismatch, terr.Code)
}
