// Package ledgerstore durably mirrors an in-memory ledger.Ledger to a bbolt
// database, so a process can restart without replaying every event from
// the network. Grounded on rubin-protocol's node/store/db.go DB type:
// bucket-per-concern layout opened once at startup, one Update transaction
// per mutation.
package ledgerstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ApocalCrk/dvel/pkg/event"
	"github.com/ApocalCrk/dvel/pkg/ledger"
	"github.com/ApocalCrk/dvel/pkg/primitives"
)

var (
	bucketEvents   = []byte("events_by_hash")
	bucketTips     = []byte("tips")
	bucketAuthorTS = []byte("author_ts")
)

// Store is a bbolt-backed mirror of a ledger.Ledger's state.
type Store struct {
	db *bolt.DB
}

// Open creates (if needed) and opens the database file at path, ensuring
// all three buckets exist.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ledgerstore: mkdir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEvents, bucketTips, bucketAuthorTS} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutEvent persists ev, updates the tip set (removing its parent, adding
// its own hash), and advances the author's recorded last timestamp. All
// three writes happen in a single transaction so a crash never leaves the
// mirror in a state the in-memory ledger could not also reach.
func (s *Store) PutEvent(h primitives.Hash, ev event.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		if err := events.Put(h[:], ev.IdentityMaterial()); err != nil {
			return err
		}
		tips := tx.Bucket(bucketTips)
		if !ev.PrevHash.IsZero() {
			if err := tips.Delete(ev.PrevHash[:]); err != nil {
				return err
			}
		}
		if err := tips.Put(h[:], []byte{1}); err != nil {
			return err
		}
		authorTS := tx.Bucket(bucketAuthorTS)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], ev.Timestamp)
		return authorTS.Put(ev.Author[:], buf[:])
	})
}

// LastTimestamp returns the most recently persisted timestamp for author.
func (s *Store) LastTimestamp(author primitives.PublicKey) (uint64, bool, error) {
	var ts uint64
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAuthorTS).Get(author[:])
		if v == nil {
			return nil
		}
		ts = binary.BigEndian.Uint64(v)
		ok = true
		return nil
	})
	return ts, ok, err
}

// Tips returns every persisted tip hash.
func (s *Store) Tips() ([]primitives.Hash, error) {
	var out []primitives.Hash
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTips).ForEach(func(k, _ []byte) error {
			var h primitives.Hash
			copy(h[:], k)
			out = append(out, h)
			return nil
		})
	})
	return out, err
}

// Load replays every persisted event into a fresh ledger.Ledger, inserting
// in an order that always satisfies each event's parent-presence
// requirement: events are grouped by parent and walked breadth-first from
// the zero hash, the same shape a p2p sync would receive them in.
func Load(path string) (*ledger.Ledger, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: open for load: %w", err)
	}
	defer db.Close()

	byParent := make(map[primitives.Hash][]event.Event)
	if err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			ev, err := event.DecodeCanonical(v)
			if err != nil {
				return fmt.Errorf("decode persisted event: %w", err)
			}
			byParent[ev.PrevHash] = append(byParent[ev.PrevHash], ev)
			return nil
		})
	}); err != nil {
		return nil, err
	}

	l := ledger.New()
	frontier := []primitives.Hash{primitives.ZeroHash}
	visited := make(map[primitives.Hash]struct{})
	for len(frontier) > 0 {
		parent := frontier[0]
		frontier = frontier[1:]
		if _, dup := visited[parent]; dup {
			continue
		}
		visited[parent] = struct{}{}
		for _, ev := range byParent[parent] {
			h, err := l.TryAddEvent(ev)
			if err != nil {
				return nil, fmt.Errorf("ledgerstore: replay: %w", err)
			}
			frontier = append(frontier, h)
		}
	}
	return l, nil
}
