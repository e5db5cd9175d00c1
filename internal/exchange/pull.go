package exchange

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"

	"emperror.dev/errors"
	"github.com/sirupsen/logrus"

	"github.com/facebook/sapling-sub002/internal/bundle2"
	"github.com/facebook/sapling-sub002/internal/changegroup"
	"github.com/facebook/sapling-sub002/internal/clonebundles"
	"github.com/facebook/sapling-sub002/internal/config"
	"github.com/facebook/sapling-sub002/internal/dag"
	"github.com/facebook/sapling-sub002/internal/discovery"
	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/peer"
	"github.com/facebook/sapling-sub002/internal/phases"
	"github.com/facebook/sapling-sub002/internal/repo"
	"github.com/facebook/sapling-sub002/internal/store"
	"github.com/facebook/sapling-sub002/internal/transaction"
)

// Pull exit codes.
const (
	PullOK        = 0
	PullNoChanges = 1
)

type PullOpts struct {
	// Heads are explicit commits to pull; combined with the resolved
	// Bookmarks. Empty falls back to the configured selective-pull
	// bookmarks, then to every remote head.
	Heads []node.Node
	// Bookmarks are remote bookmark names to pull and track.
	Bookmarks []string
	// Force allows pulling from an unrelated repository.
	Force bool
}

type PullResult struct {
	// ExitCode is 0 when something was pulled, PullNoChanges otherwise.
	ExitCode int

	// Added lists the commits the pull brought in.
	Added []node.Node
	// NewObsMarkers counts obsolescence markers learned from the remote.
	NewObsMarkers int
	// Bookmarks maps the remote names updated locally to their new
	// positions.
	Bookmarks map[string]node.Node
	// UsedCloneBundle is set when a pre-built bundle seeded the store
	// before the incremental pull.
	UsedCloneBundle bool
	// RemoteOutput holds output lines relayed by the remote.
	RemoteOutput []string
}

type pullOp struct {
	repo *repo.Repo
	peer peer.Peer
	opts PullOpts
	log  logrus.FieldLogger
	done map[string]bool

	caps       peer.Caps
	cgVersion  string
	outcome    *discovery.Outcome
	heads      []node.Node
	trackNames []string

	res *PullResult
}

// Pull fetches missing commits from the peer and reconciles phases and
// remote bookmarks in the same transaction that lands the commits.
func Pull(ctx context.Context, r *repo.Repo, p peer.Peer, opts PullOpts) (*PullResult, error) {
	op := &pullOp{
		repo: r,
		peer: p,
		opts: opts,
		log:  r.Log().WithFields(logrus.Fields{"op": "pull", "remote": p.URL()}),
		done: map[string]bool{},
		res:  &PullResult{Bookmarks: map[string]node.Node{}},
	}
	err := runSteps(ctx, op.log, op.done, []step{
		{"check-capabilities", op.stepCapabilities},
		{"clone-bundle", op.stepCloneBundle},
		{"discovery", op.stepDiscovery},
		{"fetch", op.stepFetch},
		{"report", op.stepReport},
	})
	if err != nil {
		return nil, err
	}
	return op.res, nil
}

func (op *pullOp) stepCapabilities(ctx context.Context) error {
	caps, err := op.peer.Capabilities(ctx)
	if err != nil {
		return err
	}
	if err := requireCaps(caps, "bundle2", "getbundle", "known"); err != nil {
		return err
	}
	version, err := negotiateCGVersion(caps, op.repo.ObsStore())
	if err != nil {
		return err
	}
	op.caps = caps
	op.cgVersion = version
	return nil
}

// stepCloneBundle seeds an empty store from a pre-built bundle the
// server advertises, so the incremental pull afterwards only transfers
// the tail. Any failure degrades to a normal pull unless configured to
// be fatal.
func (op *pullOp) stepCloneBundle(ctx context.Context) error {
	if len(op.opts.Heads) > 0 || !op.caps.Has("clonebundles") {
		return nil
	}
	local, err := op.repo.Heads()
	if err != nil {
		return err
	}
	if len(local) > 0 {
		return nil
	}
	fetcher, ok := op.peer.(peer.ManifestFetcher)
	if !ok {
		return nil
	}
	if err := op.applyCloneBundle(ctx, fetcher); err != nil {
		if config.Slx.CloneBundles.FailHard {
			return errors.Wrap(err, "clone bundle failed")
		}
		op.log.WithError(err).Warn("clone bundle failed, falling back to a full pull")
	}
	return nil
}

func (op *pullOp) applyCloneBundle(ctx context.Context, fetcher peer.ManifestFetcher) error {
	manifest, err := fetcher.CloneBundlesManifest(ctx)
	if err != nil {
		return err
	}
	if manifest == "" {
		return nil
	}
	entries, err := clonebundles.ParseManifest(strings.NewReader(manifest))
	if err != nil {
		return err
	}
	usable, rejected := clonebundles.Filter(entries)
	for _, rej := range rejected {
		op.log.WithFields(logrus.Fields{"url": rej.Entry.URL, "reason": rej.Reason}).Debug("clone bundle entry skipped")
	}
	if len(usable) == 0 {
		return nil
	}
	clonebundles.Sort(usable, config.Slx.CloneBundles.Prefers)

	dir, err := os.MkdirTemp("", "slx-clonebundle-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	var lastErr error
	for _, entry := range usable {
		path, err := clonebundles.Fetch(ctx, http.DefaultClient, entry, dir)
		if err != nil {
			lastErr = err
			op.log.WithError(err).WithField("url", entry.URL).Warn("clone bundle download failed")
			continue
		}
		if _, err := ApplyBundleFile(op.repo, "clonebundle", path); err != nil {
			return err
		}
		op.res.UsedCloneBundle = true
		op.log.WithField("url", entry.URL).Info("store seeded from clone bundle")
		return nil
	}
	return lastErr
}

// ApplyBundleFile applies a bundle file (HG20 or legacy HG10) to the
// repository in one transaction and returns the commits it added.
func ApplyBundleFile(r *repo.Repo, source, path string) ([]node.Node, error) {
	bf, err := bundle2.OpenBundleFile(path)
	if err != nil {
		return nil, err
	}
	defer bf.Close()

	if err := r.LockStore(); err != nil {
		return nil, err
	}
	defer r.UnlockStore()
	tr, err := r.Transaction(source)
	if err != nil {
		return nil, err
	}
	batch := r.StageBatch(tr)

	var added []node.Node
	if bf.Legacy {
		// HG10: a bare changegroup, everything in it starts draft.
		added, err = changegroup.Apply(bf.Stream(), batch, changegroup.Version01)
		if err != nil {
			_ = tr.Abort()
			return nil, err
		}
		if err := registerAdded(r, tr, added); err != nil {
			_ = tr.Abort()
			return nil, err
		}
	} else {
		obsBatch := r.ObsStore().NewBatch()
		tr.AddFlusher(obsBatch)
		env := &bundle2.Env{
			Repo:     r,
			Tr:       tr,
			Batch:    batch,
			ObsBatch: obsBatch,
			Source:   source,
		}
		res, err := bundle2.ApplyBundle(env, bf.Stream())
		if err != nil {
			_ = tr.Abort()
			return nil, err
		}
		added = res.CGAdded
	}
	if err := tr.Close(); err != nil {
		return nil, err
	}
	return added, nil
}

func registerAdded(r *repo.Repo, tr *transaction.Transaction, added []node.Node) error {
	if len(added) == 0 {
		return nil
	}
	if err := r.Phases().Register(tr, phases.Draft, added); err != nil {
		return err
	}
	all, err := r.AllNodes()
	if err != nil {
		return err
	}
	heads, err := dag.HeadsOf(r.Parents, all)
	if err != nil {
		return err
	}
	return r.VisibleHeads().Update(tr, heads.Sorted(), nil)
}

func (op *pullOp) stepDiscovery(ctx context.Context) error {
	outcome, err := discovery.FindCommonHeads(ctx, op.repo, op.peer)
	if err != nil {
		return err
	}
	if outcome.Relation == discovery.Unrelated && !op.opts.Force {
		return ErrUnrelated
	}
	op.outcome = outcome

	heads, names, err := pullHeads(ctx, op.peer, outcome.RemoteHeads, op.opts.Heads, op.opts.Bookmarks)
	if err != nil {
		return err
	}
	op.heads = heads
	op.trackNames = names
	return nil
}

// stepFetch requests everything between the common frontier and the
// wanted heads and applies it, together with phase and bookmark
// reconciliation, in one transaction.
func (op *pullOp) stepFetch(ctx context.Context) error {
	missing, err := op.missingHeads()
	if err != nil {
		return err
	}
	if len(missing) == 0 && len(op.trackNames) == 0 {
		return nil
	}

	publishing := remotePublishing(ctx, op.peer)

	var stream io.Reader
	var fallbackBooks map[string]string
	if len(missing) > 0 {
		body, err := op.peer.Getbundle(ctx, peer.GetbundleOpts{
			Heads:     op.heads,
			Common:    op.outcome.CommonHeads,
			CGVersion: op.cgVersion,
		})
		if err != nil {
			return err
		}
		defer body.Close()
		stream = body
	} else {
		// Bookmark-only pull: there is no bundle to carry the listing.
		fallbackBooks, err = op.peer.Listkeys(ctx, "bookmarks")
		if err != nil {
			return err
		}
	}

	if err := op.repo.LockStore(); err != nil {
		return err
	}
	defer op.repo.UnlockStore()
	tr, err := op.repo.Transaction("pull")
	if err != nil {
		return err
	}
	if err := op.applyLocked(tr, stream, publishing, fallbackBooks); err != nil {
		_ = tr.Abort()
		return err
	}
	return tr.Close()
}

func (op *pullOp) applyLocked(tr *transaction.Transaction, stream io.Reader, publishing bool, books map[string]string) error {
	batch := op.repo.StageBatch(tr)
	obsBatch := op.repo.ObsStore().NewBatch()
	tr.AddFlusher(obsBatch)

	if stream != nil {
		env := &bundle2.Env{
			Repo:     op.repo,
			Tr:       tr,
			Batch:    batch,
			ObsBatch: obsBatch,
			Source:   "pull",
		}
		res, err := bundle2.ApplyBundle(env, stream)
		if err != nil {
			return err
		}
		op.res.Added = res.CGAdded
		op.res.NewObsMarkers = res.NewObsMarkers
		op.res.RemoteOutput = res.Output
		if carried := res.Listkeys["bookmarks"]; carried != nil {
			books = carried
		}
	}

	// Everything the remote serves below the common frontier is public
	// when the remote is a publishing server.
	if publishing && !op.repo.HeadBasedPhases() {
		public := append([]node.Node{}, op.outcome.CommonHeads...)
		public = append(public, op.pulledKnownHeads(batch)...)
		if len(public) > 0 {
			if err := op.repo.Phases().AdvanceBoundary(tr, phases.Public, public); err != nil {
				return err
			}
		}
	}
	return op.reconcileBookmarks(tr, books)
}

// pulledKnownHeads returns the requested heads that now exist locally.
func (op *pullOp) pulledKnownHeads(batch *store.Batch) []node.Node {
	var out []node.Node
	for _, h := range op.heads {
		if ok, err := batch.Has(h); err == nil && ok {
			out = append(out, h)
		}
	}
	return out
}

// reconcileBookmarks updates the cached remote names for the bookmarks
// this pull tracked, preferring the listing carried inside the bundle.
func (op *pullOp) reconcileBookmarks(tr *transaction.Transaction, books map[string]string) error {
	if len(op.trackNames) == 0 {
		return nil
	}
	for _, name := range op.trackNames {
		hexval, ok := books[name]
		if !ok {
			continue
		}
		n, err := node.FromHex(hexval)
		if err != nil {
			return errors.WrapIff(err, "remote bookmark %q", name)
		}
		if err := op.repo.RemoteNames().Set(tr, name, n); err != nil {
			return err
		}
		op.res.Bookmarks[name] = n
	}
	return nil
}

func (op *pullOp) missingHeads() ([]node.Node, error) {
	var missing []node.Node
	for _, h := range op.heads {
		ok, err := op.repo.Store().HasNode(h)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, h)
		}
	}
	return missing, nil
}

func (op *pullOp) stepReport(ctx context.Context) error {
	if len(op.res.Added) == 0 && len(op.res.Bookmarks) == 0 && !op.res.UsedCloneBundle {
		op.res.ExitCode = PullNoChanges
		op.log.Debug("no changes found")
		return nil
	}
	op.log.WithFields(logrus.Fields{
		"commits":   len(op.res.Added),
		"bookmarks": len(op.res.Bookmarks),
	}).Debug("pull complete")
	return nil
}
