package phases

import (
	"github.com/sirupsen/logrus"

	"github.com/facebook/sapling-sub002/internal/dag"
	"github.com/facebook/sapling-sub002/internal/node"
)

// HeadBased derives phases on demand instead of persisting roots:
// a commit is public iff it is an ancestor of a remote-bookmark-derived
// public head, draft iff it is visible but not public, and "secret" is
// repurposed to mean invisible. The representation stays consistent with
// remote-bookmark movement automatically at the cost of a reachability
// query per lookup.
type HeadBased struct {
	parents      dag.Parents
	publicHeads  func() ([]node.Node, error)
	visibleHeads func() ([]node.Node, error)
	log          logrus.FieldLogger
}

func NewHeadBased(
	parents dag.Parents,
	publicHeads func() ([]node.Node, error),
	visibleHeads func() ([]node.Node, error),
) *HeadBased {
	return &HeadBased{
		parents:      parents,
		publicHeads:  publicHeads,
		visibleHeads: visibleHeads,
		log:          logrus.WithField("phases", "heads"),
	}
}

func (h *HeadBased) Phase(n node.Node) (Phase, error) {
	heads, err := h.publicHeads()
	if err != nil {
		return Public, err
	}
	public, err := dag.ReachableFrom(h.parents, heads, node.NewSet(n))
	if err != nil {
		return Public, err
	}
	if public.Has(n) {
		return Public, nil
	}
	visible, err := h.visibleHeads()
	if err != nil {
		return Public, err
	}
	vis, err := dag.ReachableFrom(h.parents, visible, node.NewSet(n))
	if err != nil {
		return Public, err
	}
	if vis.Has(n) {
		return Draft, nil
	}
	return Secret, nil
}

// PublicHeads returns the heads of the public subgraph.
func (h *HeadBased) PublicHeads() (node.Set, error) {
	heads, err := h.publicHeads()
	if err != nil {
		return nil, err
	}
	public, err := dag.Ancestors(h.parents, heads, nil)
	if err != nil {
		return nil, err
	}
	return dag.HeadsOf(h.parents, public)
}

// AdvanceBoundary is a no-op under head-based phases: publication
// follows remote-bookmark movement, there is no explicit boundary to
// move. Logged at debug so protocol traces still show the call.
func (h *HeadBased) AdvanceBoundary(_ Tx, targetPhase Phase, nodes []node.Node) error {
	h.log.WithFields(logrus.Fields{
		"target": targetPhase.String(),
		"nodes":  len(nodes),
	}).Debug("advanceboundary ignored (head-based phases)")
	return nil
}

// RetractBoundary under head-based phases is only meaningful toward
// draft, and even then visibility already implies it; ignored.
func (h *HeadBased) RetractBoundary(_ Tx, targetPhase Phase, nodes []node.Node, _ bool) error {
	h.log.WithFields(logrus.Fields{
		"target": targetPhase.String(),
		"nodes":  len(nodes),
	}).Debug("retractboundary ignored (head-based phases)")
	return nil
}

func (h *HeadBased) Register(_ Tx, _ Phase, _ []node.Node) error {
	return nil
}
