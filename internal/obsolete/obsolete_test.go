package obsolete

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/facebook/sapling-sub002/internal/node"
)

func nodeFor(b byte) node.Node {
	var n node.Node
	for i := range n {
		n[i] = b
	}
	return n
}

func testMarker(precursor byte, successors ...byte) *Marker {
	m := &Marker{
		Precursor: nodeFor(precursor),
		Date:      time.Unix(1700000000, 0).UTC(),
		Metadata:  []MetaPair{{Key: "user", Value: "test <test@example.com>"}},
	}
	for _, s := range successors {
		m.Successors = append(m.Successors, nodeFor(s))
	}
	return m
}

func TestMarkerRoundTrip(t *testing.T) {
	m := testMarker(1, 2, 3)
	m.Flags = FlagOperation
	m.Metadata = append(m.Metadata, MetaPair{Key: "operation", Value: "amend"})

	var buf bytes.Buffer
	require.NoError(t, m.Encode(&buf))

	got, err := Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, m.Precursor, got.Precursor)
	assert.Equal(t, m.Successors, got.Successors)
	assert.Equal(t, m.Flags, got.Flags)
	assert.Equal(t, m.Metadata, got.Metadata)
	assert.Equal(t, m.Date.Unix(), got.Date.Unix())
}

func TestMarkerStreamRoundTrip(t *testing.T) {
	markers := []*Marker{testMarker(1, 2), testMarker(3)}
	data, err := EncodeAll(markers)
	require.NoError(t, err)

	got, err := DecodeAll(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, markers[0].ID(), got[0].ID())
	assert.Equal(t, markers[1].ID(), got[1].ID())
}

func TestDecodeTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, testMarker(1, 2).Encode(&buf))
	data := buf.Bytes()
	_, err := Decode(bytes.NewReader(data[:len(data)-3]))
	require.Error(t, err)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "store.db"), 0o644, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketObsstore)
		return err
	}))
	return NewStore(db)
}

func TestStoreBatch(t *testing.T) {
	s := openTestStore(t)

	b := s.NewBatch()
	n, err := b.Add(testMarker(1, 2), testMarker(3))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = b.Add(testMarker(1, 2))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "duplicate by content hash")
	require.NoError(t, b.Flush())

	all, err := s.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	obsolete, err := s.IsObsolete(nodeFor(1))
	require.NoError(t, err)
	assert.True(t, obsolete)

	// Re-adding stored markers is idempotent and counts as nothing new.
	b2 := s.NewBatch()
	n, err = b2.Add(testMarker(1, 2))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "marker already persisted")
	require.NoError(t, b2.Flush())
	all, err = s.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestIsPruned(t *testing.T) {
	s := openTestStore(t)
	b := s.NewBatch()
	_, err := b.Add(testMarker(1)) // pruned: no successor
	require.NoError(t, err)
	_, err = b.Add(testMarker(2, 3)) // rewritten: has successor
	require.NoError(t, err)
	require.NoError(t, b.Flush())

	pruned, err := s.IsPruned(nodeFor(1))
	require.NoError(t, err)
	assert.True(t, pruned)

	pruned, err = s.IsPruned(nodeFor(2))
	require.NoError(t, err)
	assert.False(t, pruned)

	pruned, err = s.IsPruned(nodeFor(9))
	require.NoError(t, err)
	assert.False(t, pruned, "never-obsoleted node is not pruned")
}

func TestBatchDiscard(t *testing.T) {
	s := openTestStore(t)
	b := s.NewBatch()
	_, err := b.Add(testMarker(1))
	require.NoError(t, err)
	b.Discard()
	require.NoError(t, b.Flush())

	all, err := s.All()
	require.NoError(t, err)
	assert.Empty(t, all)
}
