package phases

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"emperror.dev/errors"
	"github.com/sirupsen/logrus"

	"github.com/facebook/sapling-sub002/internal/dag"
	"github.com/facebook/sapling-sub002/internal/node"
)

// PhaseRootsFile is the flat file holding the persisted root sets.
const PhaseRootsFile = "phaseroots"

// Tx is the slice of the transaction API the cache needs. Mutations are
// journaled through it and become visible only at transaction close.
type Tx interface {
	WriteFile(name string, data []byte) error
	OnClose(func())
	OnAbort(func())
}

// Cache is the root-based phase cache. Reads see the last committed
// snapshot; mutations stage a copy-on-write snapshot that replaces the
// committed one when the owning transaction closes.
type Cache struct {
	env graphEnv
	log logrus.FieldLogger

	roots  map[Phase]node.Set
	staged map[Phase]node.Set
}

// Load reads the phaseroots file from the store directory. A missing
// file means everything is public.
func Load(dir string, parents dag.Parents, allNodes func() (node.Set, error)) (*Cache, error) {
	c := &Cache{
		env:   graphEnv{parents: parents, allNodes: allNodes},
		log:   logrus.WithField("phases", "roots"),
		roots: map[Phase]node.Set{Draft: node.NewSet(), Secret: node.NewSet()},
	}
	data, err := os.ReadFile(filepath.Join(dir, PhaseRootsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, errors.Wrap(err, "failed to read phase roots")
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		phaseStr, hex, ok := strings.Cut(line, " ")
		if !ok {
			return nil, errors.Errorf("corrupt phase roots line %q", line)
		}
		p, err := strconv.Atoi(phaseStr)
		if err != nil || (Phase(p) != Draft && Phase(p) != Secret) {
			return nil, errors.Errorf("corrupt phase roots line %q", line)
		}
		n, err := node.FromHex(hex)
		if err != nil {
			return nil, errors.WrapIff(err, "corrupt phase roots line %q", line)
		}
		c.roots[Phase(p)].Add(n)
	}
	return c, nil
}

// current returns the root sets mutations should read: the staged
// snapshot inside a transaction, the committed one otherwise.
func (c *Cache) current() map[Phase]node.Set {
	if c.staged != nil {
		return c.staged
	}
	return c.roots
}

// Phase returns the phase of n. Unknown nodes are public (phase data is
// only tracked for non-public commits).
func (c *Cache) Phase(n node.Node) (Phase, error) {
	ancestors, err := dag.Ancestors(c.env.parents, []node.Node{n}, nil)
	if err != nil {
		return Public, err
	}
	phase := Public
	for _, p := range trackedPhases {
		for root := range c.current()[p] {
			if ancestors.Has(root) {
				if p > phase {
					phase = p
				}
				break
			}
		}
	}
	return phase, nil
}

// Roots returns the committed root set for a tracked phase.
func (c *Cache) Roots(p Phase) node.Set {
	return c.current()[p].Copy()
}

// PublicHeads returns the heads of the public subgraph, used by the
// phase-heads bundle part.
func (c *Cache) PublicHeads() (node.Set, error) {
	all, err := c.env.allNodes()
	if err != nil {
		return nil, err
	}
	public := node.NewSet()
	for n := range all {
		p, err := c.Phase(n)
		if err != nil {
			return nil, err
		}
		if p == Public {
			public.Add(n)
		}
	}
	return dag.HeadsOf(c.env.parents, public)
}

// AdvanceBoundary moves the given nodes (and implicitly their ancestors)
// to targetPhase, which must be more public than their current phase.
// Changes are staged against tr and committed at close.
func (c *Cache) AdvanceBoundary(tr Tx, targetPhase Phase, nodes []node.Node) error {
	roots := c.beginStaged(tr)
	ancestors, err := dag.Ancestors(c.env.parents, nodes, nil)
	if err != nil {
		return err
	}
	changed := false
	for _, p := range trackedPhases {
		if p <= targetPhase {
			continue
		}
		members, err := c.env.members(roots, p)
		if err != nil {
			return err
		}
		remaining := members.Sub(ancestors)
		if remaining.Equal(members) {
			continue
		}
		newRoots, err := dag.RootsOf(c.env.parents, remaining)
		if err != nil {
			return err
		}
		roots[p] = newRoots
		changed = true
	}
	if !changed {
		return nil
	}
	c.log.WithFields(logrus.Fields{
		"target": targetPhase.String(),
		"nodes":  len(nodes),
	}).Debug("advanced phase boundary")
	return c.writeStaged(tr, roots)
}

// RetractBoundary moves the given nodes (and implicitly their
// descendants) to at least targetPhase. Nodes already at a more public
// phase are left alone unless force is set; retracting a public commit
// without force is an error because it would un-publish shared history.
func (c *Cache) RetractBoundary(tr Tx, targetPhase Phase, nodes []node.Node, force bool) error {
	if targetPhase == Public {
		return errors.New("cannot retract to public")
	}
	roots := c.beginStaged(tr)
	target := node.NewSet()
	for _, n := range nodes {
		current, err := c.Phase(n)
		if err != nil {
			return err
		}
		if current >= targetPhase {
			continue
		}
		if !force {
			return errors.WithDetails(ErrWouldPublish, "node", n.Hex())
		}
		target.Add(n)
	}
	if len(target) == 0 {
		return nil
	}
	members, err := c.env.members(roots, targetPhase)
	if err != nil {
		return err
	}
	newRoots, err := dag.RootsOf(c.env.parents, members.Union(target))
	if err != nil {
		return err
	}
	roots[targetPhase] = newRoots
	return c.writeStaged(tr, roots)
}

// Register stages freshly added draft (or secret) commits. Unlike
// RetractBoundary this is the normal path for new local or pulled
// commits, which start at the target phase rather than being demoted.
func (c *Cache) Register(tr Tx, targetPhase Phase, nodes []node.Node) error {
	if targetPhase == Public {
		return nil
	}
	roots := c.beginStaged(tr)
	members, err := c.env.members(roots, targetPhase)
	if err != nil {
		return err
	}
	add := node.NewSet()
	for _, n := range nodes {
		if !members.Has(n) {
			add.Add(n)
		}
	}
	if len(add) == 0 {
		return nil
	}
	newRoots, err := dag.RootsOf(c.env.parents, members.Union(add))
	if err != nil {
		return err
	}
	roots[targetPhase] = newRoots
	return c.writeStaged(tr, roots)
}

func (c *Cache) beginStaged(tr Tx) map[Phase]node.Set {
	if c.staged == nil {
		c.staged = copyRoots(c.roots)
		staged := c.staged
		tr.OnClose(func() {
			c.roots = staged
			c.staged = nil
		})
		tr.OnAbort(func() {
			c.staged = nil
		})
	}
	return c.staged
}

func (c *Cache) writeStaged(tr Tx, roots map[Phase]node.Set) error {
	var b strings.Builder
	for _, p := range trackedPhases {
		for _, n := range roots[p].Sorted() {
			b.WriteString(strconv.Itoa(int(p)))
			b.WriteString(" ")
			b.WriteString(n.Hex())
			b.WriteString("\n")
		}
	}
	return tr.WriteFile(PhaseRootsFile, []byte(b.String()))
}
