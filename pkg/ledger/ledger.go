// Package ledger implements the parent-linked event DAG: O(1) lookup by
// identity hash, tip-set tracking, an ordered Merkle root, and block-level
// parallel validation.
//
// The reader/writer discipline (sync.RWMutex, readers compatible with each
// other) and the pre-check-before-mutate apply pattern are grounded on
// rubin-protocol's node/sync.go SyncEngine/ApplyBlock.
package ledger

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ApocalCrk/dvel/internal/obslog"
	"github.com/ApocalCrk/dvel/pkg/event"
	"github.com/ApocalCrk/dvel/pkg/merkle"
	"github.com/ApocalCrk/dvel/pkg/primitives"
)

// ErrorCode tags the distinct ways linking an event can fail.
type ErrorCode string

const (
	ErrDuplicate     ErrorCode = "LEDGER_DUPLICATE"
	ErrMissingParent ErrorCode = "LEDGER_MISSING_PARENT"
)

// LinkError is the concrete error type returned by TryAddEvent and ApplyBlock.
type LinkError struct {
	Code ErrorCode
	Hash primitives.Hash
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Hash)
}

// Ledger is the exclusive owner of its stored events. All mutating
// operations (TryAddEvent, ApplyBlock) take a write lock; Get/Tips/MerkleRoot
// take a read lock and are safe to call concurrently with each other.
type Ledger struct {
	mu     sync.RWMutex
	events map[primitives.Hash]event.Event
	tips   map[primitives.Hash]struct{}
	log    interface {
		Debug(msg string, args ...any)
	}
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		events: make(map[primitives.Hash]event.Event),
		tips:   make(map[primitives.Hash]struct{}),
		log:    obslog.With("ledger"),
	}
}

// TryAddEvent computes ev's identity hash and links it into the ledger.
// Fails Duplicate if the identity is already stored, or MissingParent if
// PrevHash is non-zero and absent. On success, returns the identity hash.
func (l *Ledger) TryAddEvent(ev event.Event) (primitives.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tryAddLocked(ev)
}

func (l *Ledger) tryAddLocked(ev event.Event) (primitives.Hash, error) {
	h := ev.IdentityHash()
	if _, exists := l.events[h]; exists {
		return h, &LinkError{Code: ErrDuplicate, Hash: h}
	}
	if !ev.PrevHash.IsZero() {
		if _, ok := l.events[ev.PrevHash]; !ok {
			return h, &LinkError{Code: ErrMissingParent, Hash: ev.PrevHash}
		}
	}
	l.events[h] = ev
	delete(l.tips, ev.PrevHash)
	l.tips[h] = struct{}{}
	return h, nil
}

// Get returns the stored event for h, if present.
func (l *Ledger) Get(h primitives.Hash) (event.Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ev, ok := l.events[h]
	return ev, ok
}

// Tips returns a snapshot of the current tip set.
func (l *Ledger) Tips() []primitives.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]primitives.Hash, 0, len(l.tips))
	for h := range l.tips {
		out = append(out, h)
	}
	return out
}

// Len returns the number of stored events.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// MerkleRoot computes the SHA-256 pairwise fold over the lexicographically
// sorted identity hashes of all stored events. Absent (ok=false) when the
// ledger is empty.
func (l *Ledger) MerkleRoot() (primitives.Hash, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.events) == 0 {
		return primitives.Hash{}, false
	}
	leaves := make([]primitives.Hash, 0, len(l.events))
	for h := range l.events {
		leaves = append(leaves, h)
	}
	return merkle.Fold(leaves), true
}

// ApplyBlock validates every event in evs (signature + per-author
// monotonicity, fanned out across workers partitioned by author so that no
// two goroutines ever validate events of the same author), then
// links the block into the ledger in input order. Validation failures and
// link failures both abort the whole block: nothing is written to the
// ledger unless every event validates and links cleanly.
func (l *Ledger) ApplyBlock(evs []event.Event, ctx *event.ValidationContext) error {
	if len(evs) == 0 {
		return nil
	}
	if err := validateParallel(evs, ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.precheckLocked(evs); err != nil {
		return err
	}
	for _, ev := range evs {
		if _, err := l.tryAddLocked(ev); err != nil {
			// precheckLocked already proved every event links cleanly in
			// order against this exact snapshot, and no other writer can
			// run concurrently while we hold the lock — reaching here
			// means the precheck and the real link disagree.
			return fmt.Errorf("ledger: internal inconsistency applying block: %w", err)
		}
	}
	l.log.Debug("apply_block", "count", len(evs))
	return nil
}

// precheckLocked simulates linking evs against the current ledger state
// without mutating it, so ApplyBlock can guarantee no partial linkage is
// ever observable. Grounded on node/sync.go's snapshot-before-mutate
// discipline; here a snapshot isn't needed because nothing is written
// until the simulation proves every event would link.
func (l *Ledger) precheckLocked(evs []event.Event) error {
	seen := make(map[primitives.Hash]struct{}, len(evs))
	for _, ev := range evs {
		h := ev.IdentityHash()
		if _, exists := l.events[h]; exists {
			return &LinkError{Code: ErrDuplicate, Hash: h}
		}
		if _, exists := seen[h]; exists {
			return &LinkError{Code: ErrDuplicate, Hash: h}
		}
		if !ev.PrevHash.IsZero() {
			_, storedParent := l.events[ev.PrevHash]
			_, blockParent := seen[ev.PrevHash]
			if !storedParent && !blockParent {
				return &LinkError{Code: ErrMissingParent, Hash: ev.PrevHash}
			}
		}
		seen[h] = struct{}{}
	}
	return nil
}

// validateParallel runs signature verification and per-author monotonicity
// checks over evs, partitioned by author so each author's ValidationContext
// slice is only ever touched by one goroutine at a time, and within a
// partition events are validated in their original relative order (required
// for monotonicity). A validation failure stops that author's partition;
// the other partitions run to completion, and the first failure is returned.
func validateParallel(evs []event.Event, ctx *event.ValidationContext) error {
	byAuthor := make(map[primitives.PublicKey][]event.Event)
	order := make([]primitives.PublicKey, 0)
	for _, ev := range evs {
		if _, ok := byAuthor[ev.Author]; !ok {
			order = append(order, ev.Author)
		}
		byAuthor[ev.Author] = append(byAuthor[ev.Author], ev)
	}

	g := new(errgroup.Group)
	for _, author := range order {
		evsForAuthor := byAuthor[author]
		g.Go(func() error {
			for _, ev := range evsForAuthor {
				if err := ctx.Validate(ev); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}
