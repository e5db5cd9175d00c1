// Package store implements the repository's committed-history storage: a
// bbolt-backed changelog holding commit records and the commit graph,
// plus the flat metadata files (phase roots, bookmarks, remote names,
// visible heads) that live alongside it and are written through the
// transaction journal.
package store

import (
	"encoding/binary"
	"path/filepath"
	"time"

	"emperror.dev/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/facebook/sapling-sub002/internal/node"
)

// ErrUnknownNode is returned when a node is not present in the changelog.
var ErrUnknownNode = errors.Sentinel("unknown node")

var (
	bucketChangelog = []byte("changelog")
	bucketRevs      = []byte("revs")
	bucketMeta      = []byte("meta")
	bucketObsstore  = []byte("obsmarkers")

	keyTip = []byte("tip")
)

// Commit is one changelog record. Text is the opaque commit metadata blob
// (user, date, file list, description) that the node hash covers.
type Commit struct {
	Node    node.Node
	Parents [2]node.Node
	// Rev is the local, dense revision number; assigned at insertion and
	// meaningless outside this repository.
	Rev  uint64
	Text []byte
}

// ParentNodes returns the non-null parents.
func (c *Commit) ParentNodes() []node.Node {
	var out []node.Node
	for _, p := range c.Parents {
		if !p.IsNull() {
			out = append(out, p)
		}
	}
	return out
}

// Store is an open changelog database.
type Store struct {
	db  *bolt.DB
	dir string
	log logrus.FieldLogger
}

// Open opens (creating if needed) the changelog database in the given
// store directory.
func Open(dir string) (*Store, error) {
	// A timeout turns a doubly opened repository into an error instead
	// of blocking forever on the database flock.
	db, err := bolt.Open(filepath.Join(dir, "store.db"), 0o644, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.WrapIff(err, "failed to open changelog in %q", dir)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketChangelog, bucketRevs, bucketMeta, bucketObsstore} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to initialize changelog buckets")
	}
	return &Store{
		db:  db,
		dir: dir,
		log: logrus.WithField("store", dir),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the store directory holding the flat metadata files.
func (s *Store) Dir() string {
	return s.dir
}

// DB exposes the underlying database for sibling stores (obsolescence
// markers share the same file).
func (s *Store) DB() *bolt.DB {
	return s.db
}

func (s *Store) HasNode(n node.Node) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketChangelog).Get(n[:]) != nil
		return nil
	})
	return found, err
}

// Commit looks up one changelog record.
func (s *Store) Commit(n node.Node) (*Commit, error) {
	var c *Commit
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketChangelog).Get(n[:])
		if raw == nil {
			return errors.WithDetails(ErrUnknownNode, "node", n.Hex())
		}
		var derr error
		c, derr = decodeCommit(n, raw)
		return derr
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Parents returns the non-null parents of n.
func (s *Store) Parents(n node.Node) ([]node.Node, error) {
	c, err := s.Commit(n)
	if err != nil {
		return nil, err
	}
	return c.ParentNodes(), nil
}

// Len returns the number of commits in the changelog.
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketChangelog).Stats().KeyN
		return nil
	})
	return n, err
}

// IsEmpty reports whether the changelog holds no commits at all.
func (s *Store) IsEmpty() (bool, error) {
	n, err := s.Len()
	return n == 0, err
}

// AllNodes returns every node in the changelog.
func (s *Store) AllNodes() (node.Set, error) {
	out := node.NewSet()
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChangelog).ForEach(func(k, _ []byte) error {
			n, err := node.FromBytes(k)
			if err != nil {
				return err
			}
			out.Add(n)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Heads returns the nodes with no children.
func (s *Store) Heads() (node.Set, error) {
	heads := node.NewSet()
	err := s.db.View(func(tx *bolt.Tx) error {
		parents := node.NewSet()
		bucket := tx.Bucket(bucketChangelog)
		if err := bucket.ForEach(func(k, v []byte) error {
			n, err := node.FromBytes(k)
			if err != nil {
				return err
			}
			heads.Add(n)
			c, err := decodeCommit(n, v)
			if err != nil {
				return err
			}
			for _, p := range c.ParentNodes() {
				parents.Add(p)
			}
			return nil
		}); err != nil {
			return err
		}
		for p := range parents {
			heads.Remove(p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return heads, nil
}

// NodeAt returns the node at the given local revision number.
func (s *Store) NodeAt(rev uint64) (node.Node, error) {
	var out node.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], rev)
		raw := tx.Bucket(bucketRevs).Get(key[:])
		if raw == nil {
			return errors.WithDetails(ErrUnknownNode, "rev", rev)
		}
		var err error
		out, err = node.FromBytes(raw)
		return err
	})
	return out, err
}

// Tip returns the most recently added node, or NullID for an empty
// changelog.
func (s *Store) Tip() (node.Node, error) {
	out := node.NullID
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyTip)
		if raw == nil {
			return nil
		}
		rev := binary.BigEndian.Uint64(raw)
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], rev)
		nraw := tx.Bucket(bucketRevs).Get(key[:])
		if nraw == nil {
			return nil
		}
		var err error
		out, err = node.FromBytes(nraw)
		return err
	})
	return out, err
}

// record layout: p1[20] p2[20] rev[8] text[...]
const recordHeader = node.Size*2 + 8

func encodeCommit(c *Commit) []byte {
	out := make([]byte, recordHeader+len(c.Text))
	copy(out, c.Parents[0][:])
	copy(out[node.Size:], c.Parents[1][:])
	binary.BigEndian.PutUint64(out[node.Size*2:], c.Rev)
	copy(out[recordHeader:], c.Text)
	return out
}

func decodeCommit(n node.Node, raw []byte) (*Commit, error) {
	if len(raw) < recordHeader {
		return nil, errors.Errorf("corrupt changelog record for %s", n.Short())
	}
	c := &Commit{Node: n}
	copy(c.Parents[0][:], raw[:node.Size])
	copy(c.Parents[1][:], raw[node.Size:node.Size*2])
	c.Rev = binary.BigEndian.Uint64(raw[node.Size*2 : recordHeader])
	c.Text = append([]byte(nil), raw[recordHeader:]...)
	return c, nil
}
