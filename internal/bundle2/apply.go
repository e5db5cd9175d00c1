package bundle2

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"emperror.dev/errors"
	"github.com/sirupsen/logrus"

	"github.com/facebook/sapling-sub002/internal/bookmarks"
	"github.com/facebook/sapling-sub002/internal/changegroup"
	"github.com/facebook/sapling-sub002/internal/dag"
	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/obsolete"
	"github.com/facebook/sapling-sub002/internal/phases"
	"github.com/facebook/sapling-sub002/internal/repo"
	"github.com/facebook/sapling-sub002/internal/store"
	"github.com/facebook/sapling-sub002/internal/transaction"
)

// Env carries the receiver-side state a part handler may touch. All
// mutations go through the transaction, the staged changelog batch, or
// the staged marker batch, so an aborted bundle leaves no trace.
type Env struct {
	Repo     *repo.Repo
	Tr       *transaction.Transaction
	Batch    *store.Batch
	ObsBatch *obsolete.Batch

	// Source labels where the bundle came from ("push", "pull",
	// "unbundle") for logging and hook-style decisions.
	Source string

	// WantReply is set when a replycaps part is seen; the caller then
	// sends back a reply bundle built from Results.
	WantReply bool

	// PushVars accumulates pushvars KEY=VALUE pairs.
	PushVars map[string]string

	// BookmarkChecks holds the CAS preconditions a check:bookmarks part
	// declared; bookmarks parts apply an entry only while its name still
	// sits at the expected node (null = absent).
	BookmarkChecks map[string]node.Node
}

// Results reports what applying a bundle did. Handlers write into it
// directly rather than closing over operation state.
type Results struct {
	// CGResult uses the unbundle return convention: 0 means the
	// changegroup carried no records, 1 means commits were added
	// without growing the head count, and 1+n means n new heads.
	CGResult int

	// CGAdded lists the commits newly staged by changegroup parts.
	CGAdded []node.Node

	// NewObsMarkers counts markers not previously known.
	NewObsMarkers int

	// BookmarksApplied lists bookmark names moved by bookmarks parts.
	BookmarksApplied []string

	// BookmarksRefused lists names whose check:bookmarks precondition no
	// longer held. Refusals are per-name and do not fail the bundle.
	BookmarksRefused []string

	// Output collects relayed remote output lines.
	Output []string

	// Listkeys holds listkeys part payloads by namespace.
	Listkeys map[string]map[string]string

	// UnknownAdvisory lists advisory part types that had no handler and
	// were skipped.
	UnknownAdvisory []string
}

// PartHandler processes one bundle part.
type PartHandler func(env *Env, res *Results, p *Part) error

// partHandlers maps part type to handler. Unknown mandatory parts fail
// the bundle; unknown advisory parts are skipped.
var partHandlers = map[string]PartHandler{
	PartChangegroup:      handleChangegroup,
	PartPhaseHeads:       handlePhaseHeads,
	PartBookmarks:        handleBookmarks,
	PartCheckBookmarks:   handleCheckBookmarks,
	PartCheckHeads:       handleCheckHeads,
	PartObsmarkers:       handleObsmarkers,
	PartPushvars:         handlePushvars,
	PartListkeys:         handleListkeys,
	PartReplycaps:        handleReplycaps,
	PartOutput:           handleOutput,
	PartErrorAbort:       handleErrorAbort,
	PartReplyChangegroup: handleReplyChangegroup,
	PartReplyBookmarks:   handleReplyBookmarks,
}

// ApplyBundle reads a bundle2 stream and dispatches every part to its
// handler. The caller owns the transaction: on error it aborts, on
// success it closes, and only then do the staged batches land.
func ApplyBundle(env *Env, r io.Reader) (*Results, error) {
	br, err := NewReader(r)
	if err != nil {
		return nil, err
	}
	res := &Results{}
	log := env.Repo.Log().WithField("source", env.Source)
	for {
		p, err := br.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		handler, ok := partHandlers[p.Type]
		if !ok {
			if p.Mandatory {
				return nil, &UnknownFeatureError{Feature: p.Type}
			}
			log.WithField("part", p.Type).Debug("skipping unknown advisory part")
			res.UnknownAdvisory = append(res.UnknownAdvisory, p.Type)
			continue
		}
		if err := handler(env, res, p); err != nil {
			return nil, errors.WrapIff(err, "part %q (id %d)", p.Type, p.ID)
		}
	}
	return res, nil
}

func handleChangegroup(env *Env, res *Results, p *Part) error {
	version, ok := p.Param("version")
	if !ok {
		version = changegroup.Version01
	}
	oldHeads, err := env.Repo.Heads()
	if err != nil {
		return err
	}
	added, err := changegroup.Apply(bytes.NewReader(p.Payload), env.Batch, version)
	if err != nil {
		return err
	}
	res.CGAdded = append(res.CGAdded, added...)
	if len(added) == 0 {
		res.CGResult = 0
		return nil
	}

	// New commits arrive as drafts and become visible heads; phase and
	// visibility adjustments from sibling parts refine this afterwards.
	if err := env.Repo.Phases().Register(env.Tr, phases.Draft, added); err != nil {
		return err
	}
	all, err := env.Repo.AllNodes()
	if err != nil {
		return err
	}
	for _, n := range added {
		all.Add(n)
	}
	newHeads, err := dag.HeadsOf(env.Batch.Parents, all)
	if err != nil {
		return err
	}
	if err := env.Repo.VisibleHeads().Update(env.Tr, newHeads.Sorted(), nil); err != nil {
		return err
	}
	res.CGResult = 1
	if grown := len(newHeads) - len(oldHeads); grown > 0 {
		res.CGResult = 1 + grown
	}
	return nil
}

func handlePhaseHeads(env *Env, _ *Results, p *Part) error {
	heads, err := DecodePhaseHeads(p.Payload)
	if err != nil {
		return err
	}
	byPhase := map[phases.Phase][]node.Node{}
	for _, h := range heads {
		byPhase[h.Phase] = append(byPhase[h.Phase], h.Node)
	}
	for _, phase := range []phases.Phase{phases.Public, phases.Draft} {
		nodes := byPhase[phase]
		if len(nodes) == 0 {
			continue
		}
		if err := env.Repo.Phases().AdvanceBoundary(env.Tr, phase, nodes); err != nil {
			return err
		}
	}
	return nil
}

func handleBookmarks(env *Env, res *Results, p *Part) error {
	entries, err := bookmarks.DecodeEntries(bytes.NewReader(p.Payload))
	if err != nil {
		return err
	}
	books := env.Repo.Bookmarks()
	for _, e := range entries {
		if expected, checked := env.BookmarkChecks[e.Name]; checked {
			current, exists := books.Get(e.Name)
			if !exists {
				current = node.NullID
			}
			if current != expected {
				res.BookmarksRefused = append(res.BookmarksRefused, e.Name)
				continue
			}
		}
		if e.Node.IsNull() {
			err = books.Delete(env.Tr, e.Name)
		} else {
			err = books.Set(env.Tr, e.Name, e.Node)
		}
		if err != nil {
			return err
		}
		res.BookmarksApplied = append(res.BookmarksApplied, e.Name)
	}
	return nil
}

func handleCheckBookmarks(env *Env, _ *Results, p *Part) error {
	entries, err := bookmarks.DecodeEntries(bytes.NewReader(p.Payload))
	if err != nil {
		return err
	}
	if env.BookmarkChecks == nil {
		env.BookmarkChecks = map[string]node.Node{}
	}
	for _, e := range entries {
		env.BookmarkChecks[e.Name] = e.Node
	}
	return nil
}

func handleCheckHeads(env *Env, _ *Results, p *Part) error {
	expected, err := DecodeNodeList(p.Payload)
	if err != nil {
		return err
	}
	current, err := env.Repo.Heads()
	if err != nil {
		return err
	}
	if !current.Equal(node.NewSet(expected...)) {
		return &PushRacedError{Reason: "remote heads changed since discovery"}
	}
	return nil
}

func handleObsmarkers(env *Env, res *Results, p *Part) error {
	markers, err := obsolete.DecodeAll(bytes.NewReader(p.Payload))
	if err != nil {
		return err
	}
	added, err := env.ObsBatch.Add(markers...)
	if err != nil {
		return err
	}
	res.NewObsMarkers += added
	return nil
}

func handlePushvars(env *Env, _ *Results, p *Part) error {
	if env.PushVars == nil {
		env.PushVars = map[string]string{}
	}
	for _, kv := range p.AdvisoryParams {
		env.PushVars[kv.Key] = kv.Value
	}
	logrus.WithField("count", len(p.AdvisoryParams)).Debug("received pushvars")
	return nil
}

func handleListkeys(_ *Env, res *Results, p *Part) error {
	namespace, ok := p.Param("namespace")
	if !ok {
		return &AbortFromPartError{Message: "listkeys part without namespace"}
	}
	if res.Listkeys == nil {
		res.Listkeys = map[string]map[string]string{}
	}
	res.Listkeys[namespace] = DecodeListkeys(p.Payload)
	return nil
}

func handleReplycaps(env *Env, _ *Results, _ *Part) error {
	env.WantReply = true
	return nil
}

func handleOutput(_ *Env, res *Results, p *Part) error {
	for _, line := range strings.Split(string(p.Payload), "\n") {
		if line != "" {
			res.Output = append(res.Output, line)
		}
	}
	return nil
}

func handleErrorAbort(_ *Env, _ *Results, p *Part) error {
	message, _ := p.Param("message")
	hint, _ := p.Param("hint")
	return &AbortFromPartError{Message: message, Hint: hint}
}

// handleReplyChangegroup runs on the client when processing a reply
// bundle: it carries the server-side unbundle return code.
func handleReplyChangegroup(_ *Env, res *Results, p *Part) error {
	ret, ok := p.Param("return")
	if !ok {
		return &AbortFromPartError{Message: "reply:changegroup part without return code"}
	}
	code, err := strconv.Atoi(ret)
	if err != nil {
		return errors.WrapIf(err, "bad reply:changegroup return code")
	}
	res.CGResult = code
	return nil
}

// handleReplyBookmarks reports the per-name outcome of a bookmarks part:
// return "1" means applied, "0" means the check precondition failed.
func handleReplyBookmarks(_ *Env, res *Results, p *Part) error {
	name, ok := p.Param("name")
	if !ok {
		return &AbortFromPartError{Message: "reply:bookmarks part without name"}
	}
	if ret, _ := p.Param("return"); ret == "0" {
		res.BookmarksRefused = append(res.BookmarksRefused, name)
	} else {
		res.BookmarksApplied = append(res.BookmarksApplied, name)
	}
	return nil
}

// BuildReply assembles the reply bundle for an applied push.
func BuildReply(w io.Writer, res *Results) error {
	bw, err := NewWriter(w, "")
	if err != nil {
		return err
	}
	cg := &Part{
		Type:            PartReplyChangegroup,
		MandatoryParams: []Param{{Key: "return", Value: strconv.Itoa(res.CGResult)}},
	}
	if err := bw.AddPart(cg); err != nil {
		return err
	}
	for _, name := range res.BookmarksApplied {
		part := &Part{
			Type: PartReplyBookmarks,
			MandatoryParams: []Param{
				{Key: "name", Value: name},
				{Key: "return", Value: "1"},
			},
		}
		if err := bw.AddPart(part); err != nil {
			return err
		}
	}
	for _, name := range res.BookmarksRefused {
		part := &Part{
			Type: PartReplyBookmarks,
			MandatoryParams: []Param{
				{Key: "name", Value: name},
				{Key: "return", Value: "0"},
			},
		}
		if err := bw.AddPart(part); err != nil {
			return err
		}
	}
	if len(res.Output) > 0 {
		if err := bw.AddPart(NewOutputPart(strings.Join(res.Output, "\n") + "\n")); err != nil {
			return err
		}
	}
	return bw.Close()
}
