// Package repotest builds throwaway repositories and commit graphs for
// tests.
package repotest

import (
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/repo"
)

func init() {
	logrus.SetLevel(logrus.DebugLevel)
}

// NewRepo initializes a repository in a temp directory with root-based
// phases.
func NewRepo(t *testing.T) *repo.Repo {
	t.Helper()
	return newRepo(t, repo.InitOpts{})
}

// NewHeadBasedRepo initializes a repository using derived (narrowheads)
// phases.
func NewHeadBasedRepo(t *testing.T) *repo.Repo {
	t.Helper()
	return newRepo(t, repo.InitOpts{HeadBasedPhases: true})
}

func newRepo(t *testing.T, opts repo.InitOpts) *repo.Repo {
	t.Helper()
	r, err := repo.Init(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// BuildGraph creates commits from a compact description: whitespace
// separated entries "name" or "name:parent" or "name:p1+p2", in order.
// Example: "a b:a c:b d:a e:c+d". Returns name -> node.
func BuildGraph(t *testing.T, r *repo.Repo, desc string) map[string]node.Node {
	t.Helper()
	nodes := map[string]node.Node{}
	for _, entry := range strings.Fields(desc) {
		name, parentSpec, _ := strings.Cut(entry, ":")
		var parents []node.Node
		if parentSpec != "" {
			for _, p := range strings.Split(parentSpec, "+") {
				pn, ok := nodes[p]
				require.True(t, ok, "unknown parent %q in graph description", p)
				parents = append(parents, pn)
			}
		} else {
			// Explicit root: no parents even if a tip exists.
			parents = []node.Node{}
		}
		n, err := r.Commit(repo.CommitOpts{
			Parents: parents,
			User:    "test <test@example.com>",
			Date:    time.Unix(1700000000, 0).UTC(),
			Message: name,
		})
		require.NoError(t, err)
		nodes[name] = n
	}
	return nodes
}
