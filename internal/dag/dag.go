// Package dag provides graph queries over the commit DAG. All functions
// take a parent-lookup callback so they work over the changelog, a staged
// batch, or any in-memory graph.
package dag

import (
	"golang.org/x/exp/slices"

	"github.com/facebook/sapling-sub002/internal/node"
)

// Parents resolves the non-null parents of a node.
type Parents func(node.Node) ([]node.Node, error)

// Ancestors returns the inclusive ancestor closure of starts, stopping at
// (and excluding descent through) any node in stop.
func Ancestors(parents Parents, starts []node.Node, stop node.Set) (node.Set, error) {
	seen := node.NewSet()
	queue := make([]node.Node, 0, len(starts))
	for _, n := range starts {
		if n.IsNull() || stop.Has(n) || seen.Has(n) {
			continue
		}
		seen.Add(n)
		queue = append(queue, n)
	}
	for len(queue) > 0 {
		n := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		ps, err := parents(n)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			if seen.Has(p) || stop.Has(p) {
				continue
			}
			seen.Add(p)
			queue = append(queue, p)
		}
	}
	return seen, nil
}

// Missing returns the ancestors of heads that are not ancestors of any
// node in commonHeads, in a valid topological order (parents first).
func Missing(parents Parents, heads []node.Node, commonHeads []node.Node) ([]node.Node, error) {
	common, err := Ancestors(parents, commonHeads, nil)
	if err != nil {
		return nil, err
	}
	missing, err := Ancestors(parents, heads, common)
	if err != nil {
		return nil, err
	}
	return TopoSort(parents, missing)
}

// TopoSort orders the given set so that for every node, all of its
// parents inside the set appear strictly before it. Ties are broken by
// node order to keep the output deterministic.
func TopoSort(parents Parents, nodes node.Set) ([]node.Node, error) {
	// Kahn's algorithm over the induced subgraph.
	indegree := make(map[node.Node]int, len(nodes))
	children := make(map[node.Node][]node.Node, len(nodes))
	for _, n := range nodes.Sorted() {
		ps, err := parents(n)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			if !nodes.Has(p) {
				continue
			}
			indegree[n]++
			children[p] = append(children[p], n)
		}
	}
	var ready []node.Node
	for _, n := range nodes.Sorted() {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	out := make([]node.Node, 0, len(nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		next := children[n]
		slices.SortFunc(next, func(a, b node.Node) int {
			return slices.Compare(a[:], b[:])
		})
		for _, c := range next {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	return out, nil
}

// HeadsOf returns the members of nodes that have no descendants inside
// nodes.
func HeadsOf(parents Parents, nodes node.Set) (node.Set, error) {
	heads := nodes.Copy()
	for n := range nodes {
		ps, err := parents(n)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			heads.Remove(p)
		}
	}
	return heads, nil
}

// RootsOf returns the members of nodes with no parent inside nodes.
func RootsOf(parents Parents, nodes node.Set) (node.Set, error) {
	roots := node.NewSet()
	for n := range nodes {
		ps, err := parents(n)
		if err != nil {
			return nil, err
		}
		inside := false
		for _, p := range ps {
			if nodes.Has(p) {
				inside = true
				break
			}
		}
		if !inside {
			roots.Add(n)
		}
	}
	return roots, nil
}

// ReachableFrom reports which of targets are ancestors (inclusive) of any
// of the given heads.
func ReachableFrom(parents Parents, heads []node.Node, targets node.Set) (node.Set, error) {
	ancestors, err := Ancestors(parents, heads, nil)
	if err != nil {
		return nil, err
	}
	out := node.NewSet()
	for n := range targets {
		if ancestors.Has(n) {
			out.Add(n)
		}
	}
	return out, nil
}
