package discovery_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facebook/sapling-sub002/internal/config"
	"github.com/facebook/sapling-sub002/internal/discovery"
	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/repo"
	"github.com/facebook/sapling-sub002/internal/repo/repotest"
)

// localRemote answers discovery queries straight from another repository.
type localRemote struct {
	r *repo.Repo
}

func (l localRemote) Heads(context.Context) ([]node.Node, error) {
	heads, err := l.r.Heads()
	if err != nil {
		return nil, err
	}
	return heads.Sorted(), nil
}

func (l localRemote) Known(_ context.Context, nodes []node.Node) ([]bool, error) {
	out := make([]bool, len(nodes))
	for i, n := range nodes {
		ok, err := l.r.Store().HasNode(n)
		if err != nil {
			return nil, err
		}
		out[i] = ok
	}
	return out, nil
}

func find(t *testing.T, local, remote *repo.Repo) *discovery.Outcome {
	t.Helper()
	out, err := discovery.FindCommonHeads(context.Background(), local, localRemote{remote})
	require.NoError(t, err)
	return out
}

func TestIdenticalRepos(t *testing.T) {
	local := repotest.NewRepo(t)
	remote := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, local, "a b:a c:b")
	repotest.BuildGraph(t, remote, "a b:a c:b")

	out := find(t, local, remote)
	assert.Equal(t, discovery.Related, out.Relation)
	assert.Equal(t, []node.Node{nodes["c"]}, out.CommonHeads)
	assert.Zero(t, out.Roundtrips, "subset fast path needs no sampling")
}

func TestRemoteIsSubset(t *testing.T) {
	local := repotest.NewRepo(t)
	remote := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, local, "a b:a c:b")
	repotest.BuildGraph(t, remote, "a b:a")

	out := find(t, local, remote)
	assert.Equal(t, discovery.Related, out.Relation)
	assert.Equal(t, []node.Node{nodes["b"]}, out.CommonHeads)
}

func TestLocalIsSubset(t *testing.T) {
	local := repotest.NewRepo(t)
	remote := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, local, "a b:a")
	repotest.BuildGraph(t, remote, "a b:a c:b d:c")

	out := find(t, local, remote)
	assert.Equal(t, discovery.Related, out.Relation)
	assert.Equal(t, []node.Node{nodes["b"]}, out.CommonHeads)
}

func TestDivergentBranches(t *testing.T) {
	local := repotest.NewRepo(t)
	remote := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, local, "a b:a c:b")
	repotest.BuildGraph(t, remote, "a b:a d:b e:d")

	out := find(t, local, remote)
	assert.Equal(t, discovery.Related, out.Relation)
	assert.Equal(t, []node.Node{nodes["b"]}, out.CommonHeads)
}

func TestUnrelatedRepos(t *testing.T) {
	local := repotest.NewRepo(t)
	remote := repotest.NewRepo(t)
	repotest.BuildGraph(t, local, "a b:a")
	repotest.BuildGraph(t, remote, "x y:x")

	out := find(t, local, remote)
	assert.Equal(t, discovery.Unrelated, out.Relation)
	assert.Empty(t, out.CommonHeads)
}

func TestEmptySides(t *testing.T) {
	local := repotest.NewRepo(t)
	remote := repotest.NewRepo(t)
	repotest.BuildGraph(t, local, "a")

	out := find(t, local, remote)
	assert.Equal(t, discovery.Empty, out.Relation)

	out = find(t, remote, local)
	assert.Equal(t, discovery.Empty, out.Relation)
}

// chain builds "c0 c1:c0 ... c<n-1>:c<n-2>" starting from base (or as
// roots when base is empty).
func chain(prefix string, n int, base string) string {
	var parts []string
	prev := base
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%s%d", prefix, i)
		if prev == "" {
			parts = append(parts, name)
		} else {
			parts = append(parts, name+":"+prev)
		}
		prev = name
	}
	return strings.Join(parts, " ")
}

func TestSamplingConvergesOnLargeGraphs(t *testing.T) {
	saved := config.Slx.Discovery
	config.Slx.Discovery.InitialSampleSize = 2
	config.Slx.Discovery.FullSampleSize = 3
	t.Cleanup(func() { config.Slx.Discovery = saved })

	shared := chain("c", 20, "")
	local := repotest.NewRepo(t)
	remote := repotest.NewRepo(t)
	nodes := repotest.BuildGraph(t, local, shared+" "+chain("l", 5, "c19"))
	repotest.BuildGraph(t, remote, shared+" "+chain("r", 5, "c19"))

	out := find(t, local, remote)
	assert.Equal(t, discovery.Related, out.Relation)
	assert.Equal(t, []node.Node{nodes["c19"]}, out.CommonHeads)
	assert.GreaterOrEqual(t, out.Roundtrips, 1)
}
