package exchange_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facebook/sapling-sub002/internal/bundle2"
	"github.com/facebook/sapling-sub002/internal/config"
	"github.com/facebook/sapling-sub002/internal/dag"
	"github.com/facebook/sapling-sub002/internal/exchange"
	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/peer"
	"github.com/facebook/sapling-sub002/internal/phases"
	"github.com/facebook/sapling-sub002/internal/repo"
	"github.com/facebook/sapling-sub002/internal/repo/repotest"
)

func TestPullRoundTrip(t *testing.T) {
	ctx := context.Background()
	remote := repotest.NewRepo(t)
	local := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, remote, "a b:a c:b")
	repotest.BuildGraph(t, local, "a")

	res, err := exchange.Pull(ctx, local, peer.NewLocalPeer(remote), exchange.PullOpts{})
	require.NoError(t, err)
	assert.Equal(t, exchange.PullOK, res.ExitCode)
	assert.Len(t, res.Added, 2)

	assert.True(t, hasNode(t, local, nodes["c"]))
	assert.True(t, local.VisibleHeads().Has(nodes["c"]))
}

func TestPullIdempotent(t *testing.T) {
	ctx := context.Background()
	remote := repotest.NewRepo(t)
	local := repotest.NewRepo(t)
	repotest.BuildGraph(t, remote, "a b:a")
	repotest.BuildGraph(t, local, "a")
	p := peer.NewLocalPeer(remote)

	first, err := exchange.Pull(ctx, local, p, exchange.PullOpts{})
	require.NoError(t, err)
	assert.Equal(t, exchange.PullOK, first.ExitCode)

	second, err := exchange.Pull(ctx, local, p, exchange.PullOpts{})
	require.NoError(t, err)
	assert.Equal(t, exchange.PullNoChanges, second.ExitCode)
	assert.Empty(t, second.Added)
}

func TestPullIntoEmptyRepo(t *testing.T) {
	ctx := context.Background()
	remote := repotest.NewRepo(t)
	local := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, remote, "a b:a c:b d:a")

	res, err := exchange.Pull(ctx, local, peer.NewLocalPeer(remote), exchange.PullOpts{})
	require.NoError(t, err)
	assert.Equal(t, exchange.PullOK, res.ExitCode)
	assert.Len(t, res.Added, 4)

	heads, err := local.Heads()
	require.NoError(t, err)
	assert.ElementsMatch(t, []node.Node{nodes["c"], nodes["d"]}, heads.Sorted())
}

func TestPullSelectiveBookmark(t *testing.T) {
	ctx := context.Background()
	remote := repotest.NewRepo(t)
	local := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, remote, "a b:a c:b")
	setBookmark(t, remote, "main", nodes["b"])

	res, err := exchange.Pull(ctx, local, peer.NewLocalPeer(remote), exchange.PullOpts{})
	require.NoError(t, err)
	assert.Equal(t, exchange.PullOK, res.ExitCode)

	// Only the ancestry of the selective bookmark transfers.
	assert.True(t, hasNode(t, local, nodes["b"]))
	assert.False(t, hasNode(t, local, nodes["c"]))

	cached, ok := local.RemoteNames().Get("main")
	require.True(t, ok)
	assert.Equal(t, nodes["b"], cached)
	assert.Equal(t, nodes["b"], res.Bookmarks["main"])
}

func TestPullExplicitBookmark(t *testing.T) {
	ctx := context.Background()
	remote := repotest.NewRepo(t)
	local := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, remote, "a b:a c:a")
	setBookmark(t, remote, "feature", nodes["c"])
	repotest.BuildGraph(t, local, "a")

	res, err := exchange.Pull(ctx, local, peer.NewLocalPeer(remote), exchange.PullOpts{
		Bookmarks: []string{"feature"},
	})
	require.NoError(t, err)
	assert.True(t, hasNode(t, local, nodes["c"]))
	assert.False(t, hasNode(t, local, nodes["b"]))
	assert.Equal(t, nodes["c"], res.Bookmarks["feature"])
}

func TestPullFromPublishingRemote(t *testing.T) {
	ctx := context.Background()
	saved := config.Slx.Exchange.Publish
	config.Slx.Exchange.Publish = true
	t.Cleanup(func() { config.Slx.Exchange.Publish = saved })

	remote := repotest.NewRepo(t)
	local := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, remote, "a b:a")
	repotest.BuildGraph(t, local, "a")

	_, err := exchange.Pull(ctx, local, peer.NewLocalPeer(remote), exchange.PullOpts{})
	require.NoError(t, err)

	p, err := local.Phases().Phase(nodes["b"])
	require.NoError(t, err)
	assert.Equal(t, phases.Public, p)
}

func TestPullUnrelatedRepos(t *testing.T) {
	ctx := context.Background()
	remote := repotest.NewRepo(t)
	local := repotest.NewRepo(t)
	repotest.BuildGraph(t, remote, "x")
	repotest.BuildGraph(t, local, "a")

	_, err := exchange.Pull(ctx, local, peer.NewLocalPeer(remote), exchange.PullOpts{})
	require.ErrorIs(t, err, exchange.ErrUnrelated)

	res, err := exchange.Pull(ctx, local, peer.NewLocalPeer(remote), exchange.PullOpts{Force: true})
	require.NoError(t, err)
	assert.Equal(t, exchange.PullOK, res.ExitCode)
}

// serveCloneBundle writes a bundle of everything in r, serves it over
// HTTP, and drops a manifest advertising it into r's store.
func serveCloneBundle(t *testing.T, r *repo.Repo, spec string) {
	t.Helper()
	heads, err := r.Heads()
	require.NoError(t, err)
	outgoing, err := dag.ComputeOutgoing(r.Parents, heads.Sorted(), nil)
	require.NoError(t, err)
	parsed, err := bundle2.ParseBundleSpec(spec)
	require.NoError(t, err)

	var phaseHeads []bundle2.PhaseHead
	for _, h := range heads.Sorted() {
		p, err := r.Phases().Phase(h)
		require.NoError(t, err)
		phaseHeads = append(phaseHeads, bundle2.PhaseHead{Phase: p, Node: h})
	}

	path := filepath.Join(t.TempDir(), "clone.bundle")
	require.NoError(t, bundle2.WriteBundleFile(path, r.Store(), outgoing, parsed, phaseHeads))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)

	manifest := fmt.Sprintf("%s/clone.bundle BUNDLESPEC=%s\n", srv.URL, spec)
	require.NoError(t, os.WriteFile(
		filepath.Join(r.StoreDir(), peer.CloneBundlesManifest), []byte(manifest), 0o644))
}

func TestPullUsesCloneBundle(t *testing.T) {
	ctx := context.Background()
	remote := repotest.NewRepo(t)
	local := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, remote, "a b:a c:b")
	serveCloneBundle(t, remote, "zstd-v2")

	res, err := exchange.Pull(ctx, local, peer.NewLocalPeer(remote), exchange.PullOpts{})
	require.NoError(t, err)
	assert.Equal(t, exchange.PullOK, res.ExitCode)
	assert.True(t, res.UsedCloneBundle)

	assert.True(t, hasNode(t, local, nodes["c"]))
	heads, err := local.Heads()
	require.NoError(t, err)
	assert.Equal(t, []node.Node{nodes["c"]}, heads.Sorted())
}

func TestPullCloneBundleFallback(t *testing.T) {
	ctx := context.Background()
	remote := repotest.NewRepo(t)
	local := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, remote, "a b:a")

	// The advertised bundle 404s; the pull degrades to a full transfer.
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	manifest := fmt.Sprintf("%s/gone.bundle BUNDLESPEC=zstd-v2\n", srv.URL)
	require.NoError(t, os.WriteFile(
		filepath.Join(remote.StoreDir(), peer.CloneBundlesManifest), []byte(manifest), 0o644))

	res, err := exchange.Pull(ctx, local, peer.NewLocalPeer(remote), exchange.PullOpts{})
	require.NoError(t, err)
	assert.Equal(t, exchange.PullOK, res.ExitCode)
	assert.False(t, res.UsedCloneBundle)
	assert.True(t, hasNode(t, local, nodes["b"]))
}
