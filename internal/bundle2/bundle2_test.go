package bundle2_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facebook/sapling-sub002/internal/bookmarks"
	"github.com/facebook/sapling-sub002/internal/bundle2"
	"github.com/facebook/sapling-sub002/internal/changegroup"
	"github.com/facebook/sapling-sub002/internal/dag"
	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/phases"
	"github.com/facebook/sapling-sub002/internal/repo"
	"github.com/facebook/sapling-sub002/internal/repo/repotest"
	"github.com/facebook/sapling-sub002/internal/wire"
)

func TestPartRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	bw, err := bundle2.NewWriter(&buf, "")
	require.NoError(t, err)

	big := bytes.Repeat([]byte("x"), 100*1024)
	require.NoError(t, bw.AddPart(&bundle2.Part{
		Type:      bundle2.PartChangegroup,
		Mandatory: true,
		MandatoryParams: []bundle2.Param{
			{Key: "version", Value: "02"},
		},
		AdvisoryParams: []bundle2.Param{
			{Key: "nbchanges", Value: "7"},
		},
		Payload: big,
	}))
	require.NoError(t, bw.AddPart(&bundle2.Part{
		Type:    bundle2.PartOutput,
		Payload: []byte("hello\n"),
	}))
	require.NoError(t, bw.Close())

	br, err := bundle2.NewReader(&buf)
	require.NoError(t, err)

	p1, err := br.Next()
	require.NoError(t, err)
	assert.Equal(t, bundle2.PartChangegroup, p1.Type)
	assert.True(t, p1.Mandatory)
	v, ok := p1.Param("version")
	require.True(t, ok)
	assert.Equal(t, "02", v)
	n, ok := p1.Param("nbchanges")
	require.True(t, ok)
	assert.Equal(t, "7", n)
	assert.Equal(t, big, p1.Payload)

	p2, err := br.Next()
	require.NoError(t, err)
	assert.Equal(t, bundle2.PartOutput, p2.Type)
	assert.False(t, p2.Mandatory)
	assert.NotEqual(t, p1.ID, p2.ID)

	_, err = br.Next()
	assert.Equal(t, io.EOF, err)
}

func TestCompressedStream(t *testing.T) {
	var buf bytes.Buffer
	bw, err := bundle2.NewWriter(&buf, wire.CompZstd)
	require.NoError(t, err)
	require.NoError(t, bw.AddPart(&bundle2.Part{
		Type:    bundle2.PartOutput,
		Payload: bytes.Repeat([]byte("payload "), 4096),
	}))
	require.NoError(t, bw.Close())

	br, err := bundle2.NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, wire.CompZstd, br.StreamParams()["Compression"])
	p, err := br.Next()
	require.NoError(t, err)
	assert.Len(t, p.Payload, 8*4096)
}

func TestNotABundle(t *testing.T) {
	_, err := bundle2.NewReader(bytes.NewReader([]byte("HELLO WORLD")))
	require.Error(t, err)
}

// applyToRepo runs a bundle through the full transaction plumbing the
// way push and pull do.
func applyToRepo(t *testing.T, r *repo.Repo, stream io.Reader) (*bundle2.Results, error) {
	t.Helper()
	require.NoError(t, r.LockStore())
	defer r.UnlockStore()
	tr, err := r.Transaction("unbundle")
	require.NoError(t, err)
	batch := r.StageBatch(tr)
	obsBatch := r.ObsStore().NewBatch()
	tr.AddFlusher(obsBatch)
	env := &bundle2.Env{
		Repo:     r,
		Tr:       tr,
		Batch:    batch,
		ObsBatch: obsBatch,
		Source:   "unbundle",
	}
	res, err := bundle2.ApplyBundle(env, stream)
	if err != nil {
		require.NoError(t, tr.Abort())
		return nil, err
	}
	require.NoError(t, tr.Close())
	return res, nil
}

func makeBundle(t *testing.T, src *repo.Repo, heads []node.Node, parts ...*bundle2.Part) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	bw, err := bundle2.NewWriter(&buf, "")
	require.NoError(t, err)
	if heads != nil {
		outgoing, err := dag.ComputeOutgoing(src.Parents, heads, nil)
		require.NoError(t, err)
		cg, err := bundle2.NewChangegroupPart(src.Store(), outgoing, changegroup.Version02)
		require.NoError(t, err)
		require.NoError(t, bw.AddPart(cg))
	}
	for _, p := range parts {
		require.NoError(t, bw.AddPart(p))
	}
	require.NoError(t, bw.Close())
	return &buf
}

func TestApplyChangegroup(t *testing.T) {
	src := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, src, "a b:a c:b")
	dst := repotest.NewRepo(t)

	bundle := makeBundle(t, src, []node.Node{nodes["c"]})
	res, err := applyToRepo(t, dst, bundle)
	require.NoError(t, err)

	assert.Equal(t, 2, res.CGResult, "one new head on an empty repo")
	assert.Len(t, res.CGAdded, 3)
	for _, name := range []string{"a", "b", "c"} {
		ok, err := dst.Store().HasNode(nodes[name])
		require.NoError(t, err)
		assert.True(t, ok, "missing %s", name)
		p, err := dst.Phases().Phase(nodes[name])
		require.NoError(t, err)
		assert.Equal(t, phases.Draft, p)
	}
	heads, err := dst.Heads()
	require.NoError(t, err)
	assert.True(t, heads.Has(nodes["c"]))
	assert.True(t, dst.VisibleHeads().Has(nodes["c"]))
}

func TestApplyChangegroupIdempotent(t *testing.T) {
	src := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, src, "a b:a")
	dst := repotest.NewRepo(t)

	_, err := applyToRepo(t, dst, makeBundle(t, src, []node.Node{nodes["b"]}))
	require.NoError(t, err)

	res, err := applyToRepo(t, dst, makeBundle(t, src, []node.Node{nodes["b"]}))
	require.NoError(t, err)
	assert.Equal(t, 0, res.CGResult)
	assert.Empty(t, res.CGAdded)
}

func TestUnknownParts(t *testing.T) {
	dst := repotest.NewRepo(t)

	advisory := makeBundle(t, nil, nil, &bundle2.Part{Type: "mystery"})
	res, err := applyToRepo(t, dst, advisory)
	require.NoError(t, err)
	assert.Equal(t, []string{"mystery"}, res.UnknownAdvisory)

	mandatory := makeBundle(t, nil, nil, &bundle2.Part{Type: "mystery", Mandatory: true})
	_, err = applyToRepo(t, dst, mandatory)
	var unknownErr *bundle2.UnknownFeatureError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "mystery", unknownErr.Feature)
}

func TestCheckHeadsRace(t *testing.T) {
	src := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, src, "a b:a")
	dst := repotest.NewRepo(t)
	dstNodes := repotest.BuildGraph(t, dst, "x")

	// Claims the receiver has no heads; it has one.
	stale := makeBundle(t, src, []node.Node{nodes["b"]},
		bundle2.NewCheckHeadsPart(nil))
	_, err := applyToRepo(t, dst, stale)
	var raced *bundle2.PushRacedError
	require.ErrorAs(t, err, &raced)

	// Commits staged before the failed check must not land.
	ok, err := dst.Store().HasNode(nodes["a"])
	require.NoError(t, err)
	assert.False(t, ok)

	fresh := makeBundle(t, src, []node.Node{nodes["b"]},
		bundle2.NewCheckHeadsPart([]node.Node{dstNodes["x"]}))
	_, err = applyToRepo(t, dst, fresh)
	require.NoError(t, err)
}

func TestCheckBookmarks(t *testing.T) {
	dst := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, dst, "a b:a")
	setBookmark(t, dst, "main", nodes["a"])

	// The sender believes main sits at b; it has stayed at a. The stale
	// entry is refused without failing the bundle.
	stale := makeBundle(t, nil, nil,
		mustPart(t)(bundle2.NewCheckBookmarksPart([]bookmarks.Entry{
			{Name: "main", Node: nodes["b"]},
		})),
		mustPart(t)(bundle2.NewBookmarksPart([]bookmarks.Entry{
			{Name: "main", Node: nodes["b"]},
		})),
	)
	res, err := applyToRepo(t, dst, stale)
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, res.BookmarksRefused)
	assert.Empty(t, res.BookmarksApplied)
	got, ok := dst.Bookmarks().Get("main")
	require.True(t, ok)
	assert.Equal(t, nodes["a"], got, "refused bookmark must not move")

	move := makeBundle(t, nil, nil,
		mustPart(t)(bundle2.NewCheckBookmarksPart([]bookmarks.Entry{
			{Name: "main", Node: nodes["a"]},
		})),
		mustPart(t)(bundle2.NewBookmarksPart([]bookmarks.Entry{
			{Name: "main", Node: nodes["b"]},
		})),
	)
	res, err = applyToRepo(t, dst, move)
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, res.BookmarksApplied)
	got, ok = dst.Bookmarks().Get("main")
	require.True(t, ok)
	assert.Equal(t, nodes["b"], got)
}

func TestErrorAbortPart(t *testing.T) {
	dst := repotest.NewRepo(t)
	bundle := makeBundle(t, nil, nil,
		bundle2.NewErrorAbortPart("push rejected by hook", "contact an admin"))
	_, err := applyToRepo(t, dst, bundle)
	var abort *bundle2.AbortFromPartError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, "push rejected by hook", abort.Message)
	assert.Equal(t, "contact an admin", abort.Hint)
}

func TestPhaseHeadsPart(t *testing.T) {
	src := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, src, "a b:a c:b")
	dst := repotest.NewRepo(t)

	bundle := makeBundle(t, src, []node.Node{nodes["c"]},
		bundle2.NewPhaseHeadsPart([]bundle2.PhaseHead{
			{Phase: phases.Public, Node: nodes["b"]},
		}, false))
	_, err := applyToRepo(t, dst, bundle)
	require.NoError(t, err)

	for name, want := range map[string]phases.Phase{
		"a": phases.Public,
		"b": phases.Public,
		"c": phases.Draft,
	} {
		p, err := dst.Phases().Phase(nodes[name])
		require.NoError(t, err)
		assert.Equal(t, want, p, name)
	}
}

func TestReplyBundle(t *testing.T) {
	dst := repotest.NewRepo(t)
	src := &bundle2.Results{
		CGResult:         3,
		BookmarksApplied: []string{"main"},
		Output:           []string{"processed 2 commits"},
	}
	var buf bytes.Buffer
	require.NoError(t, bundle2.BuildReply(&buf, src))

	res, err := applyToRepo(t, dst, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, res.CGResult)
	assert.Equal(t, []string{"main"}, res.BookmarksApplied)
	assert.Equal(t, []string{"processed 2 commits"}, res.Output)
}

func TestParseBundleSpec(t *testing.T) {
	for _, tt := range []struct {
		spec    string
		want    bundle2.BundleSpec
		invalid bool
		unsup   bool
	}{
		{spec: "zstd-v2", want: bundle2.BundleSpec{Compression: wire.CompZstd, CGVersion: changegroup.Version02}},
		{spec: "none-v2", want: bundle2.BundleSpec{Compression: wire.CompNone, CGVersion: changegroup.Version02}},
		{spec: "gzip-v1", want: bundle2.BundleSpec{Compression: wire.CompGzip, CGVersion: changegroup.Version01, Legacy: true}},
		{
			spec: "zstd-v3;obsolescence=true",
			want: bundle2.BundleSpec{
				Compression: wire.CompZstd,
				CGVersion:   changegroup.Version03,
				Params:      map[string]string{"obsolescence": "true"},
			},
		},
		{spec: "UN-v2", want: bundle2.BundleSpec{Compression: wire.CompNone, CGVersion: changegroup.Version02}},
		{spec: "zstd", invalid: true},
		{spec: "zstd-v2;novalue", invalid: true},
		{spec: "lzma-v2", unsup: true},
		{spec: "zstd-v9", unsup: true},
	} {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := bundle2.ParseBundleSpec(tt.spec)
			switch {
			case tt.invalid:
				var invalidErr *bundle2.InvalidBundleSpecError
				require.ErrorAs(t, err, &invalidErr)
			case tt.unsup:
				var unsupErr *bundle2.UnsupportedBundleSpecError
				require.ErrorAs(t, err, &unsupErr)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, *got)
			}
		})
	}
}

func TestBundleFileRoundTrip(t *testing.T) {
	src := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, src, "a b:a")
	outgoing, err := dag.ComputeOutgoing(src.Parents, []node.Node{nodes["b"]}, nil)
	require.NoError(t, err)

	for _, spec := range []string{"zstd-v2", "none-v2", "gzip-v1"} {
		t.Run(spec, func(t *testing.T) {
			parsed, err := bundle2.ParseBundleSpec(spec)
			require.NoError(t, err)
			path := filepath.Join(t.TempDir(), "test.bundle")
			require.NoError(t, bundle2.WriteBundleFile(path, src.Store(), outgoing, parsed, nil))

			bf, err := bundle2.OpenBundleFile(path)
			require.NoError(t, err)
			defer bf.Close()

			dst := repotest.NewRepo(t)
			if bf.Legacy {
				require.NoError(t, dst.LockStore())
				defer dst.UnlockStore()
				tr, err := dst.Transaction("unbundle")
				require.NoError(t, err)
				batch := dst.StageBatch(tr)
				added, err := changegroup.Apply(bf.Stream(), batch, changegroup.Version01)
				require.NoError(t, err)
				require.NoError(t, dst.Phases().Register(tr, phases.Draft, added))
				require.NoError(t, tr.Close())
			} else {
				_, err = applyToRepo(t, dst, bf.Stream())
				require.NoError(t, err)
			}
			ok, err := dst.Store().HasNode(nodes["b"])
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestOpenBundleFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-bundle")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o644))
	_, err := bundle2.OpenBundleFile(path)
	require.ErrorIs(t, err, bundle2.ErrNotABundle)
}

func mustPart(t *testing.T) func(*bundle2.Part, error) *bundle2.Part {
	return func(p *bundle2.Part, err error) *bundle2.Part {
		t.Helper()
		require.NoError(t, err)
		return p
	}
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
