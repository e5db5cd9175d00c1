// Package phases tracks the public/draft/secret classification of
// commits. Two representations exist: root-based (a persisted minimal
// root frontier per phase, membership derived by descendant closure) and
// head-based (phases derived on demand from remote-bookmark public heads
// and the visible-heads set). Exactly one is active per repository,
// selected by the narrowheads requirement.
package phases

import (
	"fmt"

	"emperror.dev/errors"

	"github.com/facebook/sapling-sub002/internal/dag"
	"github.com/facebook/sapling-sub002/internal/node"
)

// Phase is the mutability classification of a commit. Lower values are
// "more public"; a commit's phase is always >= the phase of its parents.
type Phase int

const (
	Public Phase = 0
	Draft  Phase = 1
	Secret Phase = 2
)

func (p Phase) String() string {
	switch p {
	case Public:
		return "public"
	case Draft:
		return "draft"
	case Secret:
		return "secret"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ErrWouldPublish is returned when a boundary movement would demote a
// commit to a more public phase without force.
var ErrWouldPublish = errors.Sentinel("phase boundary cannot move backward without force")

// Phaser is the phase API the rest of the engine programs against;
// implemented by the root-based Cache and by HeadBased.
type Phaser interface {
	Phase(n node.Node) (Phase, error)
	PublicHeads() (node.Set, error)
	AdvanceBoundary(tr Tx, targetPhase Phase, nodes []node.Node) error
	RetractBoundary(tr Tx, targetPhase Phase, nodes []node.Node, force bool) error
	Register(tr Tx, targetPhase Phase, nodes []node.Node) error
}

var (
	_ Phaser = (*Cache)(nil)
	_ Phaser = (*HeadBased)(nil)
)

// trackedPhases are the phases with persisted root sets; public has no
// roots (everything not under a draft or secret root is public).
var trackedPhases = []Phase{Draft, Secret}

// graphEnv is the DAG access a cache needs: parent lookup plus the full
// node population for descendant computation.
type graphEnv struct {
	parents  dag.Parents
	allNodes func() (node.Set, error)
}

// members returns the set of nodes whose phase is >= the given tracked
// phase under the given root sets (the inclusive descendant closure of
// the roots).
func (g graphEnv) members(roots map[Phase]node.Set, phase Phase) (node.Set, error) {
	rootSet := roots[phase]
	if len(rootSet) == 0 {
		return node.NewSet(), nil
	}
	all, err := g.allNodes()
	if err != nil {
		return nil, err
	}
	// Walk children once rather than asking an ancestor query per node.
	children := make(map[node.Node][]node.Node, len(all))
	for n := range all {
		ps, err := g.parents(n)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			children[p] = append(children[p], n)
		}
	}
	out := node.NewSet()
	queue := rootSet.Sorted()
	for _, n := range queue {
		out.Add(n)
	}
	for len(queue) > 0 {
		n := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		for _, c := range children[n] {
			if out.Has(c) {
				continue
			}
			out.Add(c)
			queue = append(queue, c)
		}
	}
	return out, nil
}

func copyRoots(roots map[Phase]node.Set) map[Phase]node.Set {
	out := make(map[Phase]node.Set, len(roots))
	for p, s := range roots {
		out[p] = s.Copy()
	}
	return out
}
