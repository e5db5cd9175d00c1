package exchange

import (
	"bytes"
	"context"
	"io"

	"emperror.dev/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/facebook/sapling-sub002/internal/bookmarks"
	"github.com/facebook/sapling-sub002/internal/bundle2"
	"github.com/facebook/sapling-sub002/internal/config"
	"github.com/facebook/sapling-sub002/internal/dag"
	"github.com/facebook/sapling-sub002/internal/discovery"
	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/peer"
	"github.com/facebook/sapling-sub002/internal/phases"
	"github.com/facebook/sapling-sub002/internal/repo"
)

// Push exit codes.
const (
	PushOK        = 0
	PushNoChanges = 1
	PushBookmarks = 2
)

type PushOpts struct {
	// Revs are explicit heads to push; combined with the targets of
	// Bookmarks. Empty means all visible draft heads.
	Revs []node.Node
	// Bookmarks to update on the remote after the commits land.
	Bookmarks []string
	// Force skips the head race check, the obsolete-head guard, and the
	// unrelated-repository check.
	Force bool
	// PushVars are advisory KEY=VALUE pairs relayed to the remote.
	PushVars map[string]string
}

type PushResult struct {
	// ExitCode is 0 on success, PushNoChanges when there was nothing to
	// send and no bookmark moved, PushBookmarks when commits landed but
	// at least one bookmark update was refused.
	ExitCode int

	// Pushed lists the commits transferred.
	Pushed []node.Node
	// CGResult is the remote's changegroup application result (0 no
	// records, 1 added without new heads, 1+n added n heads).
	CGResult int

	// BookmarkErrors maps refused bookmark names to their cause. The
	// push itself still succeeds.
	BookmarkErrors map[string]error
	// RemoteOutput holds output lines relayed by the remote.
	RemoteOutput []string
}

// pushOp carries the state threaded through the push steps.
type pushOp struct {
	repo *repo.Repo
	peer peer.Peer
	opts PushOpts
	log  logrus.FieldLogger
	done map[string]bool

	caps      peer.Caps
	cgVersion string
	heads     []node.Node
	outcome   *discovery.Outcome
	outgoing  *dag.Outgoing

	// publish is the remote's advertised publishing flag.
	publish bool
	// phaseAnnounce lists common heads that are public locally but that
	// the remote still tracks as draft.
	phaseAnnounce []node.Node

	// triples are the requested bookmark movements, with the remote's
	// listed value as the CAS precondition.
	triples []bookmarks.PushTriple

	reply *bundle2.Results
	res   *PushResult
}

// Push sends commits, phase updates, and bookmark movements to the
// peer. The remote's head set observed during discovery is the
// optimistic-lock precondition: if it changed by the time the bundle
// arrives the push fails with PushRacedError and must be re-run.
func Push(ctx context.Context, r *repo.Repo, p peer.Peer, opts PushOpts) (*PushResult, error) {
	op := &pushOp{
		repo: r,
		peer: p,
		opts: opts,
		log:  r.Log().WithFields(logrus.Fields{"op": "push", "remote": p.URL()}),
		done: map[string]bool{},
		res:  &PushResult{BookmarkErrors: map[string]error{}},
	}
	err := runSteps(ctx, op.log, op.done, []step{
		{"check-capabilities", op.stepCapabilities},
		{"discovery", op.stepDiscovery},
		{"check-obsolete-heads", op.stepObsoleteGuard},
		{"phase-discovery", op.stepPhaseDiscovery},
		{"bookmark-discovery", op.stepBookmarkDiscovery},
		{"build-and-transmit", op.stepTransmit},
		{"finalize-phases", op.stepFinalizePhases},
		{"finalize-bookmarks", op.stepFinalizeBookmarks},
	})
	if err != nil {
		return nil, err
	}
	return op.res, nil
}

func (op *pushOp) stepCapabilities(ctx context.Context) error {
	caps, err := op.peer.Capabilities(ctx)
	if err != nil {
		return err
	}
	if err := requireCaps(caps, "bundle2", "unbundle", "known"); err != nil {
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

func (op *pushOp) stepDiscovery(ctx context.Context) error {
	heads, err := pushHeads(op.repo, op.opts.Revs, op.opts.Bookmarks)
	if err != nil {
		return err
	}
	op.heads = heads

	outcome, err := discovery.FindCommonHeads(ctx, op.repo, op.peer)
	if err != nil {
		return err
	}
	if outcome.Relation == discovery.Unrelated && !op.opts.Force {
		return ErrUnrelated
	}
	op.outcome = outcome

	op.outgoing, err = dag.ComputeOutgoing(op.repo.Parents, heads, outcome.CommonHeads)
	if err != nil {
		return err
	}
	op.log.WithFields(logrus.Fields{
		"missing":    len(op.outgoing.Missing),
		"roundtrips": outcome.Roundtrips,
	}).Debug("discovery complete")
	return nil
}

// stepObsoleteGuard refuses to publish heads that obsolescence markers
// have already pruned; pushing one resurrects it on the remote.
func (op *pushOp) stepObsoleteGuard(ctx context.Context) error {
	if op.opts.Force {
		return nil
	}
	for _, h := range op.outgoing.MissingHeads {
		pruned, err := op.repo.ObsStore().IsPruned(h)
		if err != nil {
			return err
		}
		if pruned {
			return errors.Errorf("head %s is obsolete, push would resurrect it (use force to override)", h.Short())
		}
	}
	return nil
}

// stepPhaseDiscovery finds common heads that are public locally but
// that the remote still tracks as draft, using the draft roots the
// phases listkeys namespace advertises. They are announced through a
// phase-heads part even when no commits are outgoing.
func (op *pushOp) stepPhaseDiscovery(ctx context.Context) error {
	if op.repo.HeadBasedPhases() {
		return nil
	}
	keys, err := op.peer.Listkeys(ctx, "phases")
	if err != nil {
		return err
	}
	// A peer that does not answer the namespace is a static publishing
	// server.
	publishing, ok := keys["publishing"]
	op.publish = !ok || publishing == "true"

	var draftRoots []node.Node
	for key := range keys {
		if key == "publishing" {
			continue
		}
		root, err := node.FromHex(key)
		if err != nil {
			continue
		}
		known, err := op.repo.Store().HasNode(root)
		if err != nil {
			return err
		}
		if known {
			draftRoots = append(draftRoots, root)
		}
	}
	if len(draftRoots) == 0 {
		return nil
	}
	for _, h := range op.outcome.CommonHeads {
		p, err := op.repo.Phases().Phase(h)
		if err != nil {
			return err
		}
		if p != phases.Public {
			continue
		}
		ancestors, err := dag.Ancestors(op.repo.Parents, []node.Node{h}, nil)
		if err != nil {
			return err
		}
		for _, root := range draftRoots {
			if ancestors.Has(root) {
				op.phaseAnnounce = append(op.phaseAnnounce, h)
				break
			}
		}
	}
	if len(op.phaseAnnounce) > 0 {
		op.log.WithField("heads", len(op.phaseAnnounce)).Debug("remote phases need advancing")
	}
	return nil
}

func (op *pushOp) stepBookmarkDiscovery(ctx context.Context) error {
	if len(op.opts.Bookmarks) == 0 {
		return nil
	}
	listed, err := op.peer.Listkeys(ctx, "bookmarks")
	if err != nil {
		return err
	}
	remote := make(map[string]node.Node, len(listed))
	for name, hex := range listed {
		n, err := node.FromHex(hex)
		if err != nil {
			return errors.WrapIff(err, "remote bookmark %q", name)
		}
		remote[name] = n
	}
	op.triples = bookmarks.ComparePushTriples(op.repo.Bookmarks().All(), remote, op.opts.Bookmarks)
	return nil
}

// bookmarksInBundle reports whether the remote applies bookmarks and
// check:bookmarks parts; older peers fall back to per-name pushkey.
func (op *pushOp) bookmarksInBundle() bool {
	return op.caps.Has("bookmarks")
}

func (op *pushOp) stepTransmit(ctx context.Context) error {
	sendBookmarks := op.bookmarksInBundle() && len(op.triples) > 0
	if op.outgoing.IsEmpty() && len(op.phaseAnnounce) == 0 && !sendBookmarks {
		if len(op.triples) == 0 {
			op.res.ExitCode = PushNoChanges
		}
		op.log.Debug("nothing to transmit")
		return nil
	}

	bundle, err := op.buildBundle(sendBookmarks)
	if err != nil {
		return err
	}

	// nil expectedHeads asks the remote to skip its own race check.
	var expected []node.Node
	if !op.opts.Force {
		expected = op.outcome.RemoteHeads
		if expected == nil {
			expected = []node.Node{}
		}
	}
	replyStream, err := op.peer.Unbundle(ctx, expected, bytes.NewReader(bundle))
	if err != nil {
		return err
	}
	defer replyStream.Close()

	reply, err := op.readReply(replyStream)
	if err != nil {
		return err
	}
	op.reply = reply
	op.res.Pushed = op.outgoing.Missing
	op.res.CGResult = reply.CGResult
	op.res.RemoteOutput = reply.Output
	return nil
}

// buildBundle assembles the push bundle: the precondition check parts
// first, then the changegroup and its companions.
func (op *pushOp) buildBundle(sendBookmarks bool) ([]byte, error) {
	var buf bytes.Buffer
	bw, err := bundle2.NewWriter(&buf, config.Slx.Exchange.Compression)
	if err != nil {
		return nil, err
	}
	if err := bw.AddPart(bundle2.NewReplycapsPart()); err != nil {
		return nil, err
	}
	if !op.opts.Force {
		if err := bw.AddPart(bundle2.NewCheckHeadsPart(op.outcome.RemoteHeads)); err != nil {
			return nil, err
		}
	}
	if sendBookmarks {
		expected := make([]bookmarks.Entry, 0, len(op.triples))
		for _, t := range op.triples {
			expected = append(expected, bookmarks.Entry{Name: t.Name, Node: t.Old})
		}
		check, err := bundle2.NewCheckBookmarksPart(expected)
		if err != nil {
			return nil, err
		}
		if err := bw.AddPart(check); err != nil {
			return nil, err
		}
	}
	if !op.outgoing.IsEmpty() {
		cg, err := bundle2.NewChangegroupPart(op.repo.Store(), op.outgoing, op.cgVersion)
		if err != nil {
			return nil, err
		}
		if err := bw.AddPart(cg); err != nil {
			return nil, err
		}
	}
	if phaseHeads := op.pushedPhaseHeads(); len(phaseHeads) > 0 {
		if err := bw.AddPart(bundle2.NewPhaseHeadsPart(phaseHeads, true)); err != nil {
			return nil, err
		}
	}
	markers, err := op.repo.ObsStore().All()
	if err != nil {
		return nil, err
	}
	if len(markers) > 0 {
		part, err := bundle2.NewObsmarkersPart(markers, false)
		if err != nil {
			return nil, err
		}
		if err := bw.AddPart(part); err != nil {
			return nil, err
		}
	}
	if sendBookmarks {
		moves := make([]bookmarks.Entry, 0, len(op.triples))
		for _, t := range op.triples {
			moves = append(moves, bookmarks.Entry{Name: t.Name, Node: t.New})
		}
		part, err := bundle2.NewBookmarksPart(moves)
		if err != nil {
			return nil, err
		}
		if err := bw.AddPart(part); err != nil {
			return nil, err
		}
	}
	if len(op.opts.PushVars) > 0 {
		if err := bw.AddPart(bundle2.NewPushvarsPart(op.opts.PushVars)); err != nil {
			return nil, err
		}
	}
	if err := bw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// pushedPhaseHeads states the phase each transferred head should have
// on the remote (draft normally, public under a publishing push), plus
// the already-common heads whose publication the remote has not yet
// recorded.
func (op *pushOp) pushedPhaseHeads() []bundle2.PhaseHead {
	target := phases.Draft
	if configPublish() {
		target = phases.Public
	}
	var out []bundle2.PhaseHead
	for _, h := range op.outgoing.MissingHeads {
		out = append(out, bundle2.PhaseHead{Phase: target, Node: h})
	}
	for _, h := range op.phaseAnnounce {
		out = append(out, bundle2.PhaseHead{Phase: phases.Public, Node: h})
	}
	return out
}

func (op *pushOp) readReply(stream io.Reader) (*bundle2.Results, error) {
	env := &bundle2.Env{Repo: op.repo, Source: "reply"}
	return bundle2.ApplyBundle(env, stream)
}

// stepFinalizePhases records locally that the pushed commits are now
// public when the remote publishes. Head-based repositories derive
// phases from remote names, so only the root cache needs the update.
func (op *pushOp) stepFinalizePhases(ctx context.Context) error {
	if op.repo.HeadBasedPhases() {
		return nil
	}
	if !op.publish && !configPublish() {
		return nil
	}
	newPublic := append([]node.Node{}, op.outgoing.MissingHeads...)
	newPublic = append(newPublic, op.outcome.CommonHeads...)
	if len(newPublic) == 0 {
		return nil
	}
	if err := op.repo.LockStore(); err != nil {
		return err
	}
	defer op.repo.UnlockStore()
	tr, err := op.repo.Transaction("push")
	if err != nil {
		return err
	}
	if err := op.repo.Phases().AdvanceBoundary(tr, phases.Public, newPublic); err != nil {
		_ = tr.Abort()
		return err
	}
	return tr.Close()
}

// stepFinalizeBookmarks settles the requested bookmark movements.
// Remotes that handle bookmark parts answered inside the reply bundle;
// older remotes get one compare-and-set pushkey per name. Individual
// refusals never abort the push; they surface through the exit code.
func (op *pushOp) stepFinalizeBookmarks(ctx context.Context) error {
	if len(op.triples) == 0 {
		return nil
	}
	var accepted []string
	var refused error
	if op.bookmarksInBundle() {
		applied := map[string]bool{}
		refusedNames := map[string]bool{}
		if op.reply != nil {
			for _, name := range op.reply.BookmarksApplied {
				applied[name] = true
			}
			for _, name := range op.reply.BookmarksRefused {
				refusedNames[name] = true
			}
		}
		for _, t := range op.triples {
			if applied[t.Name] {
				accepted = append(accepted, t.Name)
				continue
			}
			var cause error
			if refusedNames[t.Name] {
				cause = errors.Errorf("remote bookmark %q changed during push", t.Name)
			} else {
				cause = errors.Errorf("remote did not answer for bookmark %q", t.Name)
			}
			op.res.BookmarkErrors[t.Name] = cause
			refused = multierror.Append(refused, cause)
		}
	} else {
		for _, t := range op.triples {
			old := ""
			if !t.Old.IsNull() {
				old = t.Old.Hex()
			}
			ok, err := op.peer.Pushkey(ctx, "bookmarks", t.Name, old, t.New.Hex())
			if err != nil {
				return err
			}
			if !ok {
				cause := errors.Errorf("remote bookmark %q changed during push", t.Name)
				op.res.BookmarkErrors[t.Name] = cause
				refused = multierror.Append(refused, cause)
				continue
			}
			accepted = append(accepted, t.Name)
			op.log.WithFields(logrus.Fields{"bookmark": t.Name, "node": t.New.Short()}).Debug("bookmark pushed")
		}
	}

	if len(accepted) > 0 {
		if err := op.recordRemoteNames(accepted); err != nil {
			return err
		}
	}
	if refused != nil {
		op.res.ExitCode = PushBookmarks
		op.log.WithError(refused).Warn("some bookmarks were not pushed")
	}
	return nil
}

// recordRemoteNames caches the accepted remote bookmark positions so
// head-based phases see the pushed commits as public immediately.
func (op *pushOp) recordRemoteNames(names []string) error {
	if err := op.repo.LockStore(); err != nil {
		return err
	}
	defer op.repo.UnlockStore()
	tr, err := op.repo.Transaction("push")
	if err != nil {
		return err
	}
	for _, name := range names {
		n, _ := op.repo.Bookmarks().Get(name)
		if err := op.repo.RemoteNames().Set(tr, name, n); err != nil {
			_ = tr.Abort()
			return err
		}
	}
	return tr.Close()
}
