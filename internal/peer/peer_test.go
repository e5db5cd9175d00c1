package peer_test

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facebook/sapling-sub002/internal/bundle2"
	"github.com/facebook/sapling-sub002/internal/changegroup"
	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/peer"
	"github.com/facebook/sapling-sub002/internal/repo"
	"github.com/facebook/sapling-sub002/internal/repo/repotest"
)

// emptyWriteFilter drops zero-length writes. io.Pipe rendezvouses even
// an empty Write with a Read, but the server never issues a read for a
// zero-byte argument value, so the two sides deadlock; real transports
// (process pipes, HTTP bodies) treat empty writes as no-ops.
type emptyWriteFilter struct{ w io.Writer }

func (f emptyWriteFilter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return f.w.Write(p)
}

// pipePeer wires a connPeer to a Server over in-memory pipes, the same
// byte protocol an ssh transport carries.
func pipePeer(t *testing.T, r *repo.Repo) peer.Peer {
	t.Helper()
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()
	srv := peer.NewServer(r)
	done := make(chan error, 1)
	go func() {
		done <- srv.ServeConn(context.Background(), serverIn, serverOut)
	}()
	p := peer.NewConnPeer("pipe://remote", emptyWriteFilter{clientOut}, clientIn, func() error {
		_ = clientOut.Close()
		return nil
	})
	t.Cleanup(func() {
		_ = p.Close()
		require.NoError(t, <-done)
	})
	return p
}

func setBookmark(t *testing.T, r *repo.Repo, name string, n node.Node) {
	t.Helper()
	require.NoError(t, r.LockStore())
	defer r.UnlockStore()
	tr, err := r.Transaction("bookmark")
	require.NoError(t, err)
	require.NoError(t, r.Bookmarks().Set(tr, name, n))
	require.NoError(t, tr.Close())
}

func buildOutgoingBundle(t *testing.T, r *repo.Repo, heads, common []node.Node) []byte {
	t.Helper()
	bundle, err := peer.BuildBundle(r, peer.GetbundleOpts{
		Heads:     heads,
		Common:    common,
		CGVersion: changegroup.Version02,
	}, "")
	require.NoError(t, err)
	return bundle
}

func testQueryCommands(t *testing.T, open func(t *testing.T, r *repo.Repo) peer.Peer) {
	ctx := context.Background()
	r := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, r, "a b:a c:b")
	setBookmark(t, r, "main", nodes["c"])
	p := open(t, r)

	caps, err := p.Capabilities(ctx)
	require.NoError(t, err)
	assert.True(t, caps.Has("bundle2"))
	assert.Contains(t, caps.Values("changegroup"), changegroup.Version02)
	assert.False(t, caps.Has("clonebundles"))

	heads, err := p.Heads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []node.Node{nodes["c"]}, heads)

	bogus := node.MustFromHex("deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	known, err := p.Known(ctx, []node.Node{nodes["a"], bogus, nodes["c"]})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, known)

	keys, err := p.Listkeys(ctx, "bookmarks")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"main": nodes["c"].Hex()}, keys)

	// Every commit is draft, so the namespace lists the single draft
	// root next to the publishing flag.
	keys, err = p.Listkeys(ctx, "phases")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"publishing":     "false",
		nodes["a"].Hex(): "1",
	}, keys)

	got, err := p.Lookup(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, nodes["c"], got)
	got, err = p.Lookup(ctx, nodes["a"].Hex()[:12])
	require.NoError(t, err)
	assert.Equal(t, nodes["a"], got)
	_, err = p.Lookup(ctx, "missing")
	require.Error(t, err)

	ok, err := p.Pushkey(ctx, "bookmarks", "main", nodes["c"].Hex(), nodes["b"].Hex())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.Pushkey(ctx, "bookmarks", "main", nodes["c"].Hex(), nodes["a"].Hex())
	require.NoError(t, err)
	assert.False(t, ok, "CAS with stale old value must fail")
	moved, _ := r.Bookmarks().Get("main")
	assert.Equal(t, nodes["b"], moved)
}

func testBundleCommands(t *testing.T, open func(t *testing.T, r *repo.Repo) peer.Peer) {
	ctx := context.Background()
	remote := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, remote, "a b:a c:b")
	p := open(t, remote)

	// Pull: fetch everything and apply locally.
	local := repotest.NewRepo(t)
	stream, err := p.Getbundle(ctx, peer.GetbundleOpts{CGVersion: changegroup.Version02})
	require.NoError(t, err)
	res, _, err := peer.ApplyIncoming(local, stream, nil, "pull")
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	assert.Len(t, res.CGAdded, 3)
	ok, err := local.Store().HasNode(nodes["c"])
	require.NoError(t, err)
	assert.True(t, ok)

	// Push: new local commit back to the remote.
	d, err := local.Commit(repo.CommitOpts{
		Parents: []node.Node{nodes["c"]},
		User:    "test <test@example.com>",
		Message: "d",
	})
	require.NoError(t, err)
	bundle := buildOutgoingBundle(t, local, []node.Node{d}, []node.Node{nodes["c"]})

	// Stale expected heads race.
	_, err = p.Unbundle(ctx, []node.Node{nodes["a"]}, bytes.NewReader(bundle))
	var raced *bundle2.PushRacedError
	require.ErrorAs(t, err, &raced)

	reply, err := p.Unbundle(ctx, []node.Node{nodes["c"]}, bytes.NewReader(bundle))
	require.NoError(t, err)
	replyBytes, err := io.ReadAll(reply)
	require.NoError(t, err)
	require.NoError(t, reply.Close())
	assert.NotEmpty(t, replyBytes)

	ok, err = remote.Store().HasNode(d)
	require.NoError(t, err)
	assert.True(t, ok)
}

// testErrorRelay sends a bundle the remote cannot apply and checks that
// the failure comes back inside the reply as an error:abort part rather
// than as a transport error.
func testErrorRelay(t *testing.T, open func(t *testing.T, r *repo.Repo) peer.Peer) {
	ctx := context.Background()
	remote := repotest.NewRepo(t)
	repotest.BuildGraph(t, remote, "a")
	p := open(t, remote)

	var buf bytes.Buffer
	bw, err := bundle2.NewWriter(&buf, "")
	require.NoError(t, err)
	require.NoError(t, bw.AddPart(&bundle2.Part{Type: "mystery", Mandatory: true}))
	require.NoError(t, bw.Close())

	reply, err := p.Unbundle(ctx, nil, &buf)
	require.NoError(t, err)
	defer reply.Close()

	local := repotest.NewRepo(t)
	_, err = bundle2.ApplyBundle(&bundle2.Env{Repo: local, Source: "reply"}, reply)
	var abort *bundle2.AbortFromPartError
	require.ErrorAs(t, err, &abort)
	assert.Contains(t, abort.Message, "mystery")
}

func TestConnPeer(t *testing.T) {
	t.Run("queries", func(t *testing.T) { testQueryCommands(t, pipePeer) })
	t.Run("bundles", func(t *testing.T) { testBundleCommands(t, pipePeer) })
	t.Run("error relay", func(t *testing.T) { testErrorRelay(t, pipePeer) })
}

func httpPeer(t *testing.T, r *repo.Repo) peer.Peer {
	t.Helper()
	srv := httptest.NewServer(peer.HTTPHandler(peer.NewServer(r)))
	t.Cleanup(srv.Close)
	return peer.NewHTTPPeer(srv.URL, srv.Client())
}

func TestHTTPPeer(t *testing.T) {
	t.Run("queries", func(t *testing.T) { testQueryCommands(t, httpPeer) })
	t.Run("bundles", func(t *testing.T) { testBundleCommands(t, httpPeer) })
	t.Run("error relay", func(t *testing.T) { testErrorRelay(t, httpPeer) })
}

func localPeer(t *testing.T, r *repo.Repo) peer.Peer {
	t.Helper()
	return peer.NewLocalPeer(r)
}

func TestLocalPeer(t *testing.T) {
	t.Run("queries", func(t *testing.T) { testQueryCommands(t, localPeer) })
	t.Run("bundles", func(t *testing.T) { testBundleCommands(t, localPeer) })
}

func TestCloneBundlesCapability(t *testing.T) {
	r := repotest.NewRepo(t)
	manifest := filepath.Join(r.StoreDir(), peer.CloneBundlesManifest)
	require.NoError(t, os.WriteFile(manifest,
		[]byte("https://cdn.example.com/full.bundle BUNDLESPEC=zstd-v2\n"), 0o644))

	caps := peer.RepoCaps(r)
	assert.True(t, caps.Has("clonebundles"))
}

func TestCapsRoundTrip(t *testing.T) {
	caps := peer.ParseCaps("bundle2 changegroup=01,02,03 unbundle")
	assert.True(t, caps.Has("bundle2"))
	assert.Equal(t, []string{"01", "02", "03"}, caps.Values("changegroup"))
	assert.Equal(t, "bundle2 changegroup=01,02,03 unbundle", caps.String())
}

func TestOpenDispatch(t *testing.T) {
	dir := t.TempDir()
	r, err := repo.Init(dir, repo.InitOpts{})
	require.NoError(t, err)
	repotest.BuildGraph(t, r, "a")
	// The database holds an exclusive file lock; release it so Open can
	// take the repository over.
	require.NoError(t, r.Close())

	p, err := peer.Open(context.Background(), dir)
	require.NoError(t, err)
	heads, err := p.Heads(context.Background())
	require.NoError(t, err)
	assert.Len(t, heads, 1)
	require.NoError(t, p.Close())

	_, err = peer.Open(context.Background(), "ftp://example.com/repo")
	require.ErrorIs(t, err, peer.ErrUnsupportedScheme)
}
