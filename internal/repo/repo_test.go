package repo_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/phases"
	"github.com/facebook/sapling-sub002/internal/repo"
	"github.com/facebook/sapling-sub002/internal/repo/repotest"
)

func TestInitAndReopen(t *testing.T) {
	dir := t.TempDir()
	r, err := repo.Init(dir, repo.InitOpts{})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = repo.Init(dir, repo.InitOpts{})
	require.Error(t, err, "double init refused")

	r, err = repo.Open(dir)
	require.NoError(t, err)
	defer r.Close()
	assert.False(t, r.HeadBasedPhases())

	_, err = repo.Open(filepath.Join(dir, "nowhere"))
	assert.ErrorIs(t, err, repo.ErrNotARepo)
}

func TestCommitGraph(t *testing.T) {
	r := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, r, "a b:a c:b d:a")

	heads, err := r.Heads()
	require.NoError(t, err)
	assert.True(t, heads.Equal(node.NewSet(nodes["c"], nodes["d"])))

	// New commits are draft; ancestors follow monotonicity.
	p, err := r.Phases().Phase(nodes["c"])
	require.NoError(t, err)
	assert.Equal(t, phases.Draft, p)

	// Visible heads track the graph heads.
	assert.ElementsMatch(t,
		node.NewSet(nodes["c"], nodes["d"]).Sorted(),
		r.VisibleHeads().All())
}

func TestCommitDefaultParentIsTip(t *testing.T) {
	r := repotest.NewRepo(t)
	a, err := r.Commit(repo.CommitOpts{Message: "a"})
	require.NoError(t, err)
	b, err := r.Commit(repo.CommitOpts{Message: "b"})
	require.NoError(t, err)

	parents, err := r.Parents(b)
	require.NoError(t, err)
	assert.Equal(t, []node.Node{a}, parents)
}

func TestOpenRecoversAbandonedTransaction(t *testing.T) {
	r := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, r, "a")
	dir := r.Dir()

	// Fake a dead process: a journal manifest with a modified bookmarks
	// file behind it.
	storeDir := r.StoreDir()
	require.NoError(t, r.Close())
	require.NoError(t, os.WriteFile(
		filepath.Join(storeDir, "journal"),
		[]byte("id deadbeef pull\nbookmarks 0\n"), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(storeDir, "bookmarks"),
		[]byte(nodes["a"].Hex()+" partial\n"), 0o644))

	reopened, err := repo.Open(dir)
	require.NoError(t, err)
	defer reopened.Close()
	_, ok := reopened.Bookmarks().Get("partial")
	assert.False(t, ok, "partial write rolled back at open")
}

func TestHeadBasedRepoPhases(t *testing.T) {
	r := repotest.NewHeadBasedRepo(t)
	nodes := repotest.BuildGraph(t, r, "a b:a")
	assert.True(t, r.HeadBasedPhases())

	// No remote names cached: everything visible is draft.
	p, err := r.Phases().Phase(nodes["b"])
	require.NoError(t, err)
	assert.Equal(t, phases.Draft, p)

	// Caching a remote bookmark at b publishes its ancestry.
	require.NoError(t, r.LockStore())
	tr, err := r.Transaction("test")
	require.NoError(t, err)
	require.NoError(t, r.RemoteNames().Set(tr, "default/main", nodes["b"]))
	require.NoError(t, tr.Close())
	r.UnlockStore()

	for _, name := range []string{"a", "b"} {
		p, err := r.Phases().Phase(nodes[name])
		require.NoError(t, err)
		assert.Equal(t, phases.Public, p, "node %s", name)
	}
}
