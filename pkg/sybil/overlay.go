// Package sybil implements the reputation overlay: per-author warmup,
// equivocation detection, quarantine windows, and fixed-point weights.
//
// The penalty-plus-expiry shape (accumulate on an event, gate reads behind a
// monotonic "until" marker) is grounded on rubin-protocol's
// node/p2p/banscore.go BanScore type.
package sybil

import (
	"log/slog"

	"github.com/ApocalCrk/dvel/internal/obslog"
	"github.com/ApocalCrk/dvel/pkg/event"
	"github.com/ApocalCrk/dvel/pkg/ledger"
	"github.com/ApocalCrk/dvel/pkg/primitives"
)

// Policy names the overlay's response to detected misbehavior. Quarantine is
// the only implemented policy; the type exists so a future policy can be
// added without changing Config's shape.
type Policy string

// Quarantine is the only supported policy: equivocation resets the offending
// author's weight to zero for a fixed window.
const Quarantine Policy = "quarantine"

// WeightFunc computes an author's weight once warmup and quarantine are
// clear. The default policy awards full weight; richer participation curves
// can be substituted so long as they stay within [0, scale] and never
// override warmup/quarantine (Overlay.weightFor enforces that regardless of
// WeightFunc's return value).
type WeightFunc func(entry *AuthorEntry, currentTick uint64, scale uint64) uint64

// FullWeightOnceClear is the reference WeightFunc from spec.md §4.3: full
// weight once warmup completes and quarantine is clear.
func FullWeightOnceClear(_ *AuthorEntry, _ uint64, scale uint64) uint64 {
	return scale
}

// Config holds the overlay's immutable parameters.
type Config struct {
	WarmupTicks     uint64
	QuarantineTicks uint64
	FixedPointScale uint64
	MaxLinkWalk     int
	Policy          Policy
	Weight          WeightFunc
}

// DefaultConfig returns a Config using the reference weight function.
func DefaultConfig(warmupTicks, quarantineTicks, fixedPointScale uint64, maxLinkWalk int) Config {
	return Config{
		WarmupTicks:     warmupTicks,
		QuarantineTicks: quarantineTicks,
		FixedPointScale: fixedPointScale,
		MaxLinkWalk:     maxLinkWalk,
		Policy:          Quarantine,
		Weight:          FullWeightOnceClear,
	}
}

// fingerprint is the equivocation key: an author is only allowed to sign one
// distinct event per prev_hash.
type fingerprint struct {
	author   primitives.PublicKey
	prevHash primitives.Hash
}

// AuthorEntry is the overlay's per-author state.
type AuthorEntry struct {
	FirstSeen        uint64
	FirstSeenSet     bool
	QuarantinedUntil uint64
	Weight           uint64
}

// Overlay tracks reputation for every author observed so far.
type Overlay struct {
	cfg     Config
	authors map[primitives.PublicKey]*AuthorEntry
	seen    map[fingerprint]primitives.Hash
	log     *slog.Logger
}

// New returns an empty overlay using cfg.
func New(cfg Config) *Overlay {
	if cfg.Weight == nil {
		cfg.Weight = FullWeightOnceClear
	}
	return &Overlay{
		cfg:     cfg,
		authors: make(map[primitives.PublicKey]*AuthorEntry),
		seen:    make(map[fingerprint]primitives.Hash),
		log:     obslog.With("sybil"),
	}
}

// Entry returns a copy of the author's current state, or the zero value if
// the author has never been observed.
func (o *Overlay) Entry(author primitives.PublicKey) AuthorEntry {
	if e, ok := o.authors[author]; ok {
		return *e
	}
	return AuthorEntry{}
}

// Observe records a newly linked event for the Sybil overlay: first-seen
// bookkeeping, equivocation detection against the author's (author,
// prev_hash) fingerprint set, and weight recomputation. currentTick is the
// tick source — the trace checker uses the event's own timestamp.
func (o *Overlay) Observe(ledg *ledger.Ledger, currentTick uint64, ev event.Event, identity primitives.Hash) *AuthorEntry {
	entry, ok := o.authors[ev.Author]
	if !ok {
		entry = &AuthorEntry{}
		o.authors[ev.Author] = entry
	}
	if !entry.FirstSeenSet {
		entry.FirstSeen = currentTick
		entry.FirstSeenSet = true
	}

	fp := fingerprint{author: ev.Author, prevHash: ev.PrevHash}
	if priorIdentity, seen := o.seen[fp]; seen && priorIdentity != identity {
		o.registerEquivocation(entry, currentTick)
	} else if !seen {
		o.seen[fp] = identity
	}

	entry.Weight = o.weightFor(entry, currentTick)
	return entry
}

func (o *Overlay) registerEquivocation(entry *AuthorEntry, currentTick uint64) {
	candidate := currentTick + o.cfg.QuarantineTicks
	if candidate > entry.QuarantinedUntil {
		entry.QuarantinedUntil = candidate
	}
	o.log.Warn("equivocation_detected", "quarantined_until", entry.QuarantinedUntil)
}

// weightFor applies the warmup/quarantine gate before consulting the
// pluggable WeightFunc, so no substituted function can ever violate the
// bound or let a quarantined/warming-up author see nonzero weight.
func (o *Overlay) weightFor(entry *AuthorEntry, currentTick uint64) uint64 {
	if currentTick < entry.FirstSeen+o.cfg.WarmupTicks {
		return 0
	}
	if currentTick < entry.QuarantinedUntil {
		return 0
	}
	w := o.cfg.Weight(entry, currentTick, o.cfg.FixedPointScale)
	if w > o.cfg.FixedPointScale {
		w = o.cfg.FixedPointScale
	}
	return w
}

// AncestorCheck walks up to cfg.MaxLinkWalk parent links from ev, reporting
// whether it reaches root (the honest-root hash passed in) within the
// budget. The ledger is a DAG oriented toward genesis, so the walk
// terminates after at most MaxLinkWalk steps regardless of ledger shape.
func (o *Overlay) AncestorCheck(ledg *ledger.Ledger, ev event.Event, root primitives.Hash) bool {
	current := ev
	for i := 0; i < o.cfg.MaxLinkWalk; i++ {
		if current.IdentityHash() == root {
			return true
		}
		if current.PrevHash.IsZero() {
			return current.PrevHash == root
		}
		parent, ok := ledg.Get(current.PrevHash)
		if !ok {
			return false
		}
		current = parent
	}
	return current.IdentityHash() == root
}
