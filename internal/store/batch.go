package store

import (
	"encoding/binary"

	"emperror.dev/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/facebook/sapling-sub002/internal/node"
)

// Batch stages changelog insertions for one transaction. Records are
// buffered in memory and written in a single database update at Flush, so
// an aborted or killed transaction never leaves a partial changegroup in
// the changelog. Batch implements transaction.Flusher.
type Batch struct {
	store   *Store
	order   []node.Node
	pending map[node.Node]*Commit
	done    bool
}

// NewBatch starts a staged insertion batch. The caller must register it
// with the active transaction so Flush/Discard run at close/abort.
func (s *Store) NewBatch() *Batch {
	return &Batch{
		store:   s,
		pending: make(map[node.Node]*Commit),
	}
}

// Add stages one commit. Parents must already be present, either in the
// store or earlier in the same batch (topological application order).
func (b *Batch) Add(c *Commit) error {
	if b.done {
		return errors.Sentinel("batch already finalized")
	}
	if _, ok := b.pending[c.Node]; ok {
		return nil
	}
	for _, p := range c.ParentNodes() {
		known, err := b.Has(p)
		if err != nil {
			return err
		}
		if !known {
			return errors.Errorf(
				"cannot add %s: unknown parent %s", c.Node.Short(), p.Short())
		}
	}
	b.order = append(b.order, c.Node)
	b.pending[c.Node] = c
	return nil
}

// Has reports node presence considering both the store and the batch.
func (b *Batch) Has(n node.Node) (bool, error) {
	if _, ok := b.pending[n]; ok {
		return true, nil
	}
	return b.store.HasNode(n)
}

// Parents resolves parents from the batch or the store.
func (b *Batch) Parents(n node.Node) ([]node.Node, error) {
	if c, ok := b.pending[n]; ok {
		return c.ParentNodes(), nil
	}
	return b.store.Parents(n)
}

// Added returns the staged nodes in insertion order.
func (b *Batch) Added() []node.Node {
	return b.order
}

// Len returns the number of staged commits.
func (b *Batch) Len() int {
	return len(b.order)
}

// Flush writes every staged record in one database update, assigning
// dense revision numbers continuing from the current tip.
func (b *Batch) Flush() error {
	if b.done {
		return nil
	}
	b.done = true
	if len(b.order) == 0 {
		return nil
	}
	return b.store.db.Update(func(tx *bolt.Tx) error {
		changelog := tx.Bucket(bucketChangelog)
		revs := tx.Bucket(bucketRevs)
		meta := tx.Bucket(bucketMeta)

		next := uint64(0)
		if raw := meta.Get(keyTip); raw != nil {
			next = binary.BigEndian.Uint64(raw) + 1
		}
		for _, n := range b.order {
			if changelog.Get(n[:]) != nil {
				// Concurrent arrival of the same commit is not an
				// error; history is append-only and content-addressed.
				continue
			}
			c := b.pending[n]
			c.Rev = next
			if err := changelog.Put(n[:], encodeCommit(c)); err != nil {
				return err
			}
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], next)
			if err := revs.Put(key[:], n[:]); err != nil {
				return err
			}
			next++
		}
		if next > 0 {
			var tip [8]byte
			binary.BigEndian.PutUint64(tip[:], next-1)
			return meta.Put(keyTip, tip[:])
		}
		return nil
	})
}

// Discard drops the staged records.
func (b *Batch) Discard() {
	b.done = true
	b.order = nil
	b.pending = nil
}
