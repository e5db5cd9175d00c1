package transaction

import (
	"os"
	"path/filepath"
	"testing"

	"emperror.dev/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testFlusher struct {
	flushed   bool
	discarded bool
	err       error
}

func (f *testFlusher) Flush() error {
	f.flushed = true
	return f.err
}

func (f *testFlusher) Discard() {
	f.discarded = true
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(data)
}

func TestCloseMakesChangesDurable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bookmarks", "old")

	tr, err := Begin(dir, "test")
	require.NoError(t, err)
	f := &testFlusher{}
	tr.AddFlusher(f)
	closed := false
	tr.OnClose(func() { closed = true })

	require.NoError(t, tr.WriteFile("bookmarks", []byte("new")))
	require.NoError(t, tr.Close())

	assert.True(t, f.flushed)
	assert.True(t, closed)
	assert.Equal(t, "new", readFile(t, dir, "bookmarks"))

	// Undo backups preserved for rollback-of-last-transaction.
	assert.Equal(t, "old", readFile(t, dir, "undo.bookmarks"))
	_, err = os.Stat(filepath.Join(dir, "journal"))
	assert.True(t, os.IsNotExist(err), "journal promoted to undo at close")
}

func TestAbortRestoresFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bookmarks", "old")

	tr, err := Begin(dir, "test")
	require.NoError(t, err)
	f := &testFlusher{}
	tr.AddFlusher(f)
	aborted := false
	tr.OnAbort(func() { aborted = true })

	require.NoError(t, tr.WriteFile("bookmarks", []byte("new")))
	require.NoError(t, tr.WriteFile("phaseroots", []byte("1 abc")))
	require.NoError(t, tr.Abort())

	assert.True(t, f.discarded)
	assert.False(t, f.flushed)
	assert.True(t, aborted)
	assert.Equal(t, "old", readFile(t, dir, "bookmarks"))
	_, err = os.Stat(filepath.Join(dir, "phaseroots"))
	assert.True(t, os.IsNotExist(err), "file that did not exist before is removed")
}

func TestFlushFailureAborts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bookmarks", "old")

	tr, err := Begin(dir, "test")
	require.NoError(t, err)
	tr.AddFlusher(&testFlusher{err: errors.New("disk full")})
	require.NoError(t, tr.WriteFile("bookmarks", []byte("new")))

	err = tr.Close()
	require.Error(t, err)
	assert.Equal(t, "old", readFile(t, dir, "bookmarks"),
		"failed close must leave pre-transaction state")
}

func TestRecoverAbandonedJournal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bookmarks", "old")

	tr, err := Begin(dir, "test")
	require.NoError(t, err)
	require.NoError(t, tr.WriteFile("bookmarks", []byte("partial")))
	// Simulate process death: neither Close nor Abort runs.

	recovered, err := Recover(dir)
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Equal(t, "old", readFile(t, dir, "bookmarks"))

	recovered, err = Recover(dir)
	require.NoError(t, err)
	assert.False(t, recovered, "second recover is a no-op")
}

func TestConcurrentBeginRejected(t *testing.T) {
	dir := t.TempDir()
	tr, err := Begin(dir, "first")
	require.NoError(t, err)
	defer func() { _ = tr.Abort() }()

	_, err = Begin(dir, "second")
	require.Error(t, err, "open journal must block a second transaction")
}

func TestRollbackLastTransaction(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bookmarks", "v1")

	tr, err := Begin(dir, "test")
	require.NoError(t, err)
	require.NoError(t, tr.WriteFile("bookmarks", []byte("v2")))
	require.NoError(t, tr.Close())
	assert.Equal(t, "v2", readFile(t, dir, "bookmarks"))

	rolled, err := Rollback(dir)
	require.NoError(t, err)
	assert.True(t, rolled)
	assert.Equal(t, "v1", readFile(t, dir, "bookmarks"))

	rolled, err = Rollback(dir)
	require.NoError(t, err)
	assert.False(t, rolled)
}

func TestFinalizedTransactionRejected(t *testing.T) {
	dir := t.TempDir()
	tr, err := Begin(dir, "test")
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.JournalFile("bookmarks"), ErrFinalized)
	assert.ErrorIs(t, tr.Close(), ErrFinalized)
	assert.NoError(t, tr.Abort(), "abort after close is a no-op")
}
