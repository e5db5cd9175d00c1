package dag

import (
	"github.com/facebook/sapling-sub002/internal/node"
)

// Outgoing is the computed (never persisted) result of comparing two
// repositories: what the remote is believed to have, what must be sent,
// and which of the sent nodes are heads of the transferred subgraph. It
// is created fresh per push/pull/bundle operation and discarded after.
type Outgoing struct {
	// CommonHeads are heads of the subgraph both sides share.
	CommonHeads []node.Node
	// Missing is present-locally-but-absent-remotely, topologically
	// sorted (parents first), restricted to ancestors of the requested
	// heads.
	Missing []node.Node
	// MissingHeads are the members of Missing with no missing
	// descendant.
	MissingHeads []node.Node
}

// IsEmpty reports whether there is nothing to transfer.
func (o *Outgoing) IsEmpty() bool {
	return len(o.Missing) == 0
}

// ComputeOutgoing builds the outgoing set for the given target heads
// against the known common heads.
func ComputeOutgoing(parents Parents, heads, commonHeads []node.Node) (*Outgoing, error) {
	missing, err := Missing(parents, heads, commonHeads)
	if err != nil {
		return nil, err
	}
	missingSet := node.NewSet(missing...)
	missingHeads, err := HeadsOf(parents, missingSet)
	if err != nil {
		return nil, err
	}
	return &Outgoing{
		CommonHeads:  commonHeads,
		Missing:      missing,
		MissingHeads: missingHeads.Sorted(),
	}, nil
}
