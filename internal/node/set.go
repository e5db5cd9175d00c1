package node

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Set is an unordered collection of nodes.
type Set map[Node]struct{}

func NewSet(nodes ...Node) Set {
	s := make(Set, len(nodes))
	for _, n := range nodes {
		s[n] = struct{}{}
	}
	return s
}

func (s Set) Add(n Node) {
	s[n] = struct{}{}
}

func (s Set) Has(n Node) bool {
	_, ok := s[n]
	return ok
}

func (s Set) Remove(n Node) {
	delete(s, n)
}

func (s Set) Union(other Set) Set {
	out := make(Set, len(s)+len(other))
	maps.Copy(out, s)
	maps.Copy(out, other)
	return out
}

// Sub returns the nodes in s that are not in other.
func (s Set) Sub(other Set) Set {
	out := make(Set)
	for n := range s {
		if !other.Has(n) {
			out.Add(n)
		}
	}
	return out
}

func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for n := range s {
		if !other.Has(n) {
			return false
		}
	}
	return true
}

// Sorted returns the members in lexicographic order. Most callers only
// need deterministic iteration; the actual order is not meaningful.
func (s Set) Sorted() []Node {
	out := maps.Keys(s)
	slices.SortFunc(out, func(a, b Node) int {
		return slices.Compare(a[:], b[:])
	})
	return out
}

func (s Set) Copy() Set {
	out := make(Set, len(s))
	maps.Copy(out, s)
	return out
}
