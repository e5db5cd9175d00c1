package exchange

import (
	"context"

	"emperror.dev/errors"
	"golang.org/x/exp/slices"

	"github.com/facebook/sapling-sub002/internal/config"
	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/peer"
	"github.com/facebook/sapling-sub002/internal/phases"
	"github.com/facebook/sapling-sub002/internal/repo"
)

// pushHeads resolves what a push sends: the union of explicit revs and
// the targets of explicit bookmarks. With neither given, every visible
// draft head is pushed. A named bookmark that does not exist locally is
// an error.
func pushHeads(r *repo.Repo, revs []node.Node, bookmarkNames []string) ([]node.Node, error) {
	heads := node.NewSet(revs...)
	for _, name := range bookmarkNames {
		n, ok := r.Bookmarks().Get(name)
		if !ok {
			return nil, errors.Errorf("bookmark %q does not exist", name)
		}
		heads.Add(n)
	}
	if len(heads) > 0 {
		return heads.Sorted(), nil
	}
	visible := r.VisibleHeads().All()
	for _, n := range visible {
		p, err := r.Phases().Phase(n)
		if err != nil {
			return nil, err
		}
		if p != phases.Public {
			heads.Add(n)
		}
	}
	return heads.Sorted(), nil
}

// pullHeads resolves what a pull requests. Explicit heads and bookmark
// names are additive; names are resolved remotely via lookup. With
// neither given the selective-pull defaults narrow the remote's
// advertised heads when any of them exist remotely, otherwise every
// remote head is pulled.
func pullHeads(
	ctx context.Context,
	p peer.Peer,
	remoteHeads []node.Node,
	explicit []node.Node,
	bookmarkNames []string,
) (heads []node.Node, names []string, err error) {
	set := node.NewSet(explicit...)
	names = slices.Clone(bookmarkNames)
	for _, name := range bookmarkNames {
		n, err := p.Lookup(ctx, name)
		if err != nil {
			return nil, nil, errors.WrapIff(err, "remote bookmark %q", name)
		}
		set.Add(n)
	}
	if len(set) > 0 {
		return set.Sorted(), names, nil
	}

	remoteBooks, err := p.Listkeys(ctx, "bookmarks")
	if err != nil {
		return nil, nil, err
	}
	for _, name := range config.Slx.Exchange.SelectivePullDefaults {
		hex, ok := remoteBooks[name]
		if !ok {
			continue
		}
		n, err := node.FromHex(hex)
		if err != nil {
			return nil, nil, err
		}
		set.Add(n)
		names = append(names, name)
	}
	if len(set) > 0 {
		return set.Sorted(), names, nil
	}
	return remoteHeads, nil, nil
}
