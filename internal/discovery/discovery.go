// Package discovery finds the common subgraph frontier between the
// local repository and a remote by probing it with known-node queries,
// sampling the undecided region until every local node is classified.
package discovery

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/facebook/sapling-sub002/internal/config"
	"github.com/facebook/sapling-sub002/internal/dag"
	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/repo"
)

// Remote is the slice of the peer API discovery probes. Known answers
// membership per queried node, in order.
type Remote interface {
	Heads(ctx context.Context) ([]node.Node, error)
	Known(ctx context.Context, nodes []node.Node) ([]bool, error)
}

// Relation classifies how the two graphs relate. Callers must branch on
// it: an empty side and an unrelated remote both yield no common heads
// but demand different behavior.
type Relation int

const (
	// Related graphs share at least one commit.
	Related Relation = iota
	// Empty means one side has no commits at all.
	Empty
	// Unrelated graphs are both non-empty with no commit in common.
	Unrelated
)

func (r Relation) String() string {
	switch r {
	case Related:
		return "related"
	case Empty:
		return "empty"
	case Unrelated:
		return "unrelated"
	}
	return "unknown"
}

// Outcome is the discovery result.
type Outcome struct {
	Relation    Relation
	CommonHeads []node.Node
	RemoteHeads []node.Node

	// Roundtrips counts Known queries issued, for reporting.
	Roundtrips int
}

// FindCommonHeads determines the heads of the subgraph both sides share.
func FindCommonHeads(ctx context.Context, r *repo.Repo, remote Remote) (*Outcome, error) {
	log := r.Log().WithField("op", "discovery")

	remoteHeads, err := remote.Heads(ctx)
	if err != nil {
		return nil, err
	}
	remoteHeads = dropNull(remoteHeads)

	localHeads, err := r.Heads()
	if err != nil {
		return nil, err
	}
	if len(remoteHeads) == 0 || len(localHeads) == 0 {
		return &Outcome{Relation: Empty, RemoteHeads: remoteHeads}, nil
	}

	// Fast path: if every remote head exists locally, the remote graph
	// is a subset of ours and its heads are the common frontier.
	allKnown := true
	knownRemote := node.NewSet()
	for _, n := range remoteHeads {
		ok, err := r.Store().HasNode(n)
		if err != nil {
			return nil, err
		}
		if ok {
			knownRemote.Add(n)
		} else {
			allKnown = false
		}
	}
	if allKnown {
		log.WithField("heads", len(remoteHeads)).Debug("remote is a local subset")
		return &Outcome{
			Relation:    Related,
			CommonHeads: remoteHeads,
			RemoteHeads: remoteHeads,
		}, nil
	}

	all, err := r.AllNodes()
	if err != nil {
		return nil, err
	}
	children, err := childMap(r.Parents, all)
	if err != nil {
		return nil, err
	}

	undecided := all.Copy()
	common := node.NewSet()

	// Remote heads we already have are common along with their ancestors.
	if len(knownRemote) > 0 {
		if err := markCommon(r.Parents, knownRemote.Sorted(), common, undecided); err != nil {
			return nil, err
		}
	}

	sample := takeSample(r.Parents, undecided, localHeads.Sorted(),
		config.Slx.Discovery.InitialSampleSize)
	roundtrips := 0
	for len(undecided) > 0 {
		answers, err := remote.Known(ctx, sample)
		if err != nil {
			return nil, err
		}
		roundtrips++
		var confirmed []node.Node
		for i, n := range sample {
			if i < len(answers) && answers[i] {
				confirmed = append(confirmed, n)
			} else {
				// The remote lacks n, so it lacks every descendant too.
				dropDescendants(children, n, undecided)
			}
		}
		if err := markCommon(r.Parents, confirmed, common, undecided); err != nil {
			return nil, err
		}
		if len(undecided) == 0 {
			break
		}
		sample = takeSample(r.Parents, undecided, nil,
			config.Slx.Discovery.FullSampleSize)
	}

	if len(common) == 0 {
		log.Warn("repository is unrelated to the remote")
		return &Outcome{
			Relation:    Unrelated,
			RemoteHeads: remoteHeads,
			Roundtrips:  roundtrips,
		}, nil
	}
	commonHeads, err := dag.HeadsOf(r.Parents, common)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"common":     len(commonHeads),
		"roundtrips": roundtrips,
	}).Debug("discovery finished")
	return &Outcome{
		Relation:    Related,
		CommonHeads: commonHeads.Sorted(),
		RemoteHeads: remoteHeads,
		Roundtrips:  roundtrips,
	}, nil
}

// markCommon adds the confirmed nodes plus their ancestor closure to
// common and removes them from undecided.
func markCommon(parents dag.Parents, confirmed []node.Node, common, undecided node.Set) error {
	if len(confirmed) == 0 {
		return nil
	}
	closure, err := dag.Ancestors(parents, confirmed, nil)
	if err != nil {
		return err
	}
	for n := range closure {
		common.Add(n)
		undecided.Remove(n)
	}
	return nil
}

// dropDescendants removes n and its descendant closure from undecided.
func dropDescendants(children map[node.Node][]node.Node, n node.Node, undecided node.Set) {
	if !undecided.Has(n) {
		return
	}
	undecided.Remove(n)
	queue := []node.Node{n}
	for len(queue) > 0 {
		cur := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		for _, c := range children[cur] {
			if undecided.Has(c) {
				undecided.Remove(c)
				queue = append(queue, c)
			}
		}
	}
}

// childMap inverts the parent relation over the node population.
func childMap(parents dag.Parents, all node.Set) (map[node.Node][]node.Node, error) {
	children := make(map[node.Node][]node.Node, len(all))
	for n := range all {
		ps, err := parents(n)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			children[p] = append(children[p], n)
		}
	}
	return children, nil
}

// takeSample picks up to size nodes from undecided: the boundary nodes
// (heads and roots of the undecided subgraph) carry the most information
// per query, then evenly spaced interior nodes fill the remainder. A
// preferred slice (the local heads on the first round) is always
// included when still undecided.
func takeSample(parents dag.Parents, undecided node.Set, preferred []node.Node, size int) []node.Node {
	if size <= 0 {
		size = 1
	}
	if len(undecided) <= size {
		return undecided.Sorted()
	}
	picked := node.NewSet()
	for _, n := range preferred {
		if undecided.Has(n) && len(picked) < size {
			picked.Add(n)
		}
	}
	if heads, err := dag.HeadsOf(parents, undecided); err == nil {
		for _, n := range heads.Sorted() {
			if len(picked) >= size {
				break
			}
			picked.Add(n)
		}
	}
	if roots, err := dag.RootsOf(parents, undecided); err == nil {
		for _, n := range roots.Sorted() {
			if len(picked) >= size {
				break
			}
			picked.Add(n)
		}
	}
	if len(picked) < size {
		rest := undecided.Sub(picked).Sorted()
		stride := len(rest) / (size - len(picked))
		if stride < 1 {
			stride = 1
		}
		for i := 0; i < len(rest) && len(picked) < size; i += stride {
			picked.Add(rest[i])
		}
	}
	return picked.Sorted()
}

func dropNull(nodes []node.Node) []node.Node {
	out := nodes[:0]
	for _, n := range nodes {
		if !n.IsNull() {
			out = append(out, n)
		}
	}
	return out
}
