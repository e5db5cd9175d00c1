package repo

import (
	"fmt"
	"strings"
	"time"

	"emperror.dev/errors"

	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/phases"
	"github.com/facebook/sapling-sub002/internal/store"
)

// CommitOpts describes a new local commit.
type CommitOpts struct {
	Parents []node.Node
	User    string
	Date    time.Time
	Message string
	// Files lists the paths the commit touches; stored in the metadata
	// text the node hash covers.
	Files []string
}

// Commit creates a draft commit, staging it plus its phase and
// visibility bookkeeping in one transaction. If no parents are given the
// current tip is used (NullID tip = root commit).
func (r *Repo) Commit(opts CommitOpts) (node.Node, error) {
	if len(opts.Parents) > 2 {
		return node.NullID, errors.New("a commit has at most two parents")
	}
	if opts.Parents == nil {
		tip, err := r.store.Tip()
		if err != nil {
			return node.NullID, err
		}
		if !tip.IsNull() {
			opts.Parents = []node.Node{tip}
		}
	}
	if opts.User == "" {
		opts.User = "unknown"
	}
	if opts.Date.IsZero() {
		opts.Date = time.Now()
	}

	c := &store.Commit{Text: encodeCommitText(opts)}
	for i, p := range opts.Parents {
		c.Parents[i] = p
	}
	c.Node = node.Hash(c.Text, c.Parents[0], c.Parents[1])

	if err := r.LockStore(); err != nil {
		return node.NullID, err
	}
	defer r.UnlockStore()

	tr, err := r.Transaction("commit")
	if err != nil {
		return node.NullID, err
	}
	batch := r.StageBatch(tr)
	if err := batch.Add(c); err != nil {
		_ = tr.Abort()
		return node.NullID, err
	}
	if err := r.phases.Register(tr, phases.Draft, []node.Node{c.Node}); err != nil {
		_ = tr.Abort()
		return node.NullID, err
	}
	if err := r.visible.Update(tr, []node.Node{c.Node}, c.ParentNodes()); err != nil {
		_ = tr.Abort()
		return node.NullID, err
	}
	if err := tr.Close(); err != nil {
		return node.NullID, err
	}
	r.log.WithField("node", c.Node.Short()).Debug("commit created")
	return c.Node, nil
}

// Commit metadata text: user, date line, file list, blank line, message.
// The node hash covers this text, so it is the canonical serialization.
func encodeCommitText(opts CommitOpts) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%d 0\n", opts.User, opts.Date.Unix())
	for _, f := range opts.Files {
		b.WriteString(f)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(opts.Message)
	return []byte(b.String())
}
