package obsolete

import (
	"bytes"

	"emperror.dev/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/facebook/sapling-sub002/internal/node"
)

var bucketObsstore = []byte("obsmarkers")

// Store holds obsolescence markers in the shared repository database,
// keyed by marker content hash so duplicate arrival is a no-op.
type Store struct {
	db *bolt.DB
}

// NewStore wraps the repository database; the bucket is created by the
// changelog store at open.
func NewStore(db *bolt.DB) *Store {
	return &Store{db: db}
}

// All returns every stored marker.
func (s *Store) All() ([]*Marker, error) {
	var out []*Marker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObsstore).ForEach(func(_, v []byte) error {
			m, err := Decode(bytes.NewReader(v))
			if err != nil {
				return errors.Wrap(err, "corrupt stored obsolescence marker")
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ByPrecursor returns the markers obsoleting n.
func (s *Store) ByPrecursor(n node.Node) ([]*Marker, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	var out []*Marker
	for _, m := range all {
		if m.Precursor == n {
			out = append(out, m)
		}
	}
	return out, nil
}

// IsObsolete reports whether any marker obsoletes n.
func (s *Store) IsObsolete(n node.Node) (bool, error) {
	ms, err := s.ByPrecursor(n)
	return len(ms) > 0, err
}

// IsPruned reports whether n is obsolete with no successor at all,
// the condition that blocks a non-forced push of n as a head.
func (s *Store) IsPruned(n node.Node) (bool, error) {
	ms, err := s.ByPrecursor(n)
	if err != nil {
		return false, err
	}
	if len(ms) == 0 {
		return false, nil
	}
	for _, m := range ms {
		if len(m.Successors) > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Batch stages marker additions for one transaction; implements
// transaction.Flusher.
type Batch struct {
	store   *Store
	pending []*Marker
	done    bool
}

func (s *Store) NewBatch() *Batch {
	return &Batch{store: s}
}

// Add stages markers and reports how many were actually new, checking
// both the pending batch and the persistent bucket so re-delivered
// markers are not counted again.
func (b *Batch) Add(markers ...*Marker) (int, error) {
	added := 0
	seen := make(map[[20]byte]bool, len(b.pending))
	for _, m := range b.pending {
		seen[m.ID()] = true
	}
	err := b.store.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketObsstore)
		for _, m := range markers {
			id := m.ID()
			if seen[id] || bucket.Get(id[:]) != nil {
				continue
			}
			seen[id] = true
			b.pending = append(b.pending, m)
			added++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

func (b *Batch) Len() int {
	return len(b.pending)
}

func (b *Batch) Flush() error {
	if b.done {
		return nil
	}
	b.done = true
	if len(b.pending) == 0 {
		return nil
	}
	return b.store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketObsstore)
		for _, m := range b.pending {
			id := m.ID()
			if bucket.Get(id[:]) != nil {
				continue
			}
			var buf bytes.Buffer
			if err := m.Encode(&buf); err != nil {
				return err
			}
			if err := bucket.Put(id[:], buf.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Batch) Discard() {
	b.done = true
	b.pending = nil
}
