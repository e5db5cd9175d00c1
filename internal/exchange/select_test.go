package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facebook/sapling-sub002/internal/config"
	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/peer"
	"github.com/facebook/sapling-sub002/internal/phases"
	"github.com/facebook/sapling-sub002/internal/repo"
	"github.com/facebook/sapling-sub002/internal/repo/repotest"
)

func markPublic(t *testing.T, r *repo.Repo, nodes ...node.Node) {
	t.Helper()
	require.NoError(t, r.LockStore())
	defer r.UnlockStore()
	tr, err := r.Transaction("phase")
	require.NoError(t, err)
	require.NoError(t, r.Phases().AdvanceBoundary(tr, phases.Public, nodes))
	require.NoError(t, tr.Close())
}

func addBookmark(t *testing.T, r *repo.Repo, name string, n node.Node) {
	t.Helper()
	require.NoError(t, r.LockStore())
	defer r.UnlockStore()
	tr, err := r.Transaction("bookmark")
	require.NoError(t, err)
	require.NoError(t, r.Bookmarks().Set(tr, name, n))
	require.NoError(t, tr.Close())
}

func TestPushHeadsDefaultsToDraftHeads(t *testing.T) {
	r := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, r, "a b:a c:b d:a")
	markPublic(t, r, nodes["d"])

	heads, err := pushHeads(r, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []node.Node{nodes["c"]}, heads)
}

func TestPushHeadsExplicitUnion(t *testing.T) {
	r := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, r, "a b:a c:a")
	addBookmark(t, r, "main", nodes["b"])

	heads, err := pushHeads(r, []node.Node{nodes["c"]}, []string{"main"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []node.Node{nodes["b"], nodes["c"]}, heads)
}

func TestPushHeadsUnknownBookmark(t *testing.T) {
	r := repotest.NewRepo(t)
	repotest.BuildGraph(t, r, "a")

	_, err := pushHeads(r, nil, []string{"nope"})
	require.ErrorContains(t, err, `bookmark "nope" does not exist`)
}

func TestPullHeadsSelectiveDefaults(t *testing.T) {
	remote := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, remote, "a b:a c:b")
	addBookmark(t, remote, "main", nodes["b"])
	p := peer.NewLocalPeer(remote)

	saved := config.Slx.Exchange.SelectivePullDefaults
	config.Slx.Exchange.SelectivePullDefaults = []string{"main", "master"}
	t.Cleanup(func() { config.Slx.Exchange.SelectivePullDefaults = saved })

	heads, names, err := pullHeads(context.Background(), p, []node.Node{nodes["c"]}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []node.Node{nodes["b"]}, heads)
	assert.Equal(t, []string{"main"}, names)
}

func TestPullHeadsFallsBackToRemoteHeads(t *testing.T) {
	remote := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, remote, "a b:a")
	p := peer.NewLocalPeer(remote)

	heads, names, err := pullHeads(context.Background(), p, []node.Node{nodes["b"]}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []node.Node{nodes["b"]}, heads)
	assert.Empty(t, names)
}

func TestPullHeadsResolvesBookmarksRemotely(t *testing.T) {
	remote := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, remote, "a b:a c:b")
	addBookmark(t, remote, "feature", nodes["c"])
	p := peer.NewLocalPeer(remote)

	heads, names, err := pullHeads(context.Background(), p, nil, nil, []string{"feature"})
	require.NoError(t, err)
	assert.Equal(t, []node.Node{nodes["c"]}, heads)
	assert.Equal(t, []string{"feature"}, names)

	_, _, err = pullHeads(context.Background(), p, nil, nil, []string{"ghost"})
	require.ErrorContains(t, err, `remote bookmark "ghost"`)
}
