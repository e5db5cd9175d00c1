package bookmarks

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facebook/sapling-sub002/internal/node"
)

type fakeTx struct {
	files   map[string][]byte
	onClose []func()
	onAbort []func()
}

func newFakeTx() *fakeTx {
	return &fakeTx{files: map[string][]byte{}}
}

func (tx *fakeTx) WriteFile(name string, data []byte) error {
	tx.files[name] = data
	return nil
}

func (tx *fakeTx) OnClose(fn func()) { tx.onClose = append(tx.onClose, fn) }
func (tx *fakeTx) OnAbort(fn func()) { tx.onAbort = append(tx.onAbort, fn) }

func (tx *fakeTx) close() {
	for _, fn := range tx.onClose {
		fn()
	}
}

func nodeFor(b byte) node.Node {
	var n node.Node
	for i := range n {
		n[i] = b
	}
	return n
}

func TestSetGetDelete(t *testing.T) {
	s, err := Load(t.TempDir(), LocalFile)
	require.NoError(t, err)

	tx := newFakeTx()
	require.NoError(t, s.Set(tx, "main", nodeFor(1)))
	tx.close()

	got, ok := s.Get("main")
	require.True(t, ok)
	assert.Equal(t, nodeFor(1), got)

	tx = newFakeTx()
	require.NoError(t, s.Delete(tx, "main"))
	tx.close()
	_, ok = s.Get("main")
	assert.False(t, ok)
}

func TestPersistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir, LocalFile)
	require.NoError(t, err)

	tx := newFakeTx()
	require.NoError(t, s.Set(tx, "feature", nodeFor(2)))
	require.NoError(t, s.Set(tx, "main", nodeFor(1)))
	tx.close()
	require.NoError(t,
		os.WriteFile(filepath.Join(dir, LocalFile), tx.files[LocalFile], 0o644))

	reloaded, err := Load(dir, LocalFile)
	require.NoError(t, err)
	assert.Equal(t, []string{"feature", "main"}, reloaded.Names())
	got, _ := reloaded.Get("feature")
	assert.Equal(t, nodeFor(2), got)
}

func TestAbortKeepsCommittedState(t *testing.T) {
	s, err := Load(t.TempDir(), LocalFile)
	require.NoError(t, err)

	tx := newFakeTx()
	require.NoError(t, s.Set(tx, "main", nodeFor(1)))
	for _, fn := range tx.onAbort {
		fn()
	}
	_, ok := s.Get("main")
	assert.False(t, ok)
}

func TestCompareAndSet(t *testing.T) {
	s, err := Load(t.TempDir(), LocalFile)
	require.NoError(t, err)
	tx := newFakeTx()
	require.NoError(t, s.Set(tx, "main", nodeFor(1)))
	tx.close()

	// Stale expectation fails.
	tx = newFakeTx()
	err = s.CompareAndSet(tx, "main", nodeFor(9), nodeFor(2))
	assert.ErrorIs(t, err, ErrCASMismatch)

	// Correct expectation succeeds.
	require.NoError(t, s.CompareAndSet(tx, "main", nodeFor(1), nodeFor(2)))
	tx.close()
	got, _ := s.Get("main")
	assert.Equal(t, nodeFor(2), got)

	// Null old means "must be absent".
	tx = newFakeTx()
	require.NoError(t, s.CompareAndSet(tx, "new", node.NullID, nodeFor(3)))
	err = s.CompareAndSet(tx, "main", node.NullID, nodeFor(3))
	assert.ErrorIs(t, err, ErrCASMismatch)

	// Null new deletes.
	require.NoError(t, s.CompareAndSet(tx, "main", nodeFor(2), node.NullID))
	tx.close()
	_, ok := s.Get("main")
	assert.False(t, ok)
}

func TestEntryEncodingRoundTrip(t *testing.T) {
	entries := []Entry{
		{Name: "absent", Node: node.NullID},
		{Name: "main", Node: nodeFor(1)},
	}
	data, err := EncodeEntries(entries)
	require.NoError(t, err)

	got, err := DecodeEntries(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestEntryEncodingRejectsBadNames(t *testing.T) {
	_, err := EncodeEntries([]Entry{{Name: ""}})
	require.Error(t, err)
	_, err = EncodeEntries([]Entry{{Name: strings.Repeat("x", 256)}})
	require.Error(t, err)
}

func TestDecodeTruncated(t *testing.T) {
	data, err := EncodeEntries([]Entry{{Name: "main", Node: nodeFor(1)}})
	require.NoError(t, err)
	_, err = DecodeEntries(bytes.NewReader(data[:len(data)-5]))
	require.Error(t, err)
}

func TestComparePushTriples(t *testing.T) {
	local := map[string]node.Node{
		"same":    nodeFor(1),
		"moved":   nodeFor(2),
		"created": nodeFor(3),
	}
	remote := map[string]node.Node{
		"same":    nodeFor(1),
		"moved":   nodeFor(9),
		"deleted": nodeFor(4),
	}
	triples := ComparePushTriples(local, remote,
		[]string{"same", "moved", "created", "deleted"})

	assert.Equal(t, []PushTriple{
		{Name: "created", Old: node.NullID, New: nodeFor(3)},
		{Name: "deleted", Old: nodeFor(4), New: node.NullID},
		{Name: "moved", Old: nodeFor(9), New: nodeFor(2)},
	}, triples)
}
