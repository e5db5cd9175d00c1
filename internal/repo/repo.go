// Package repo ties the storage pieces into a repository: requirements
// validation, the advisory locks, the changelog and metadata stores, the
// active phase representation, and abandoned-transaction recovery at
// open.
package repo

import (
	"os"
	"path"
	"path/filepath"

	"emperror.dev/errors"
	"github.com/sirupsen/logrus"

	"github.com/facebook/sapling-sub002/internal/bookmarks"
	"github.com/facebook/sapling-sub002/internal/config"
	"github.com/facebook/sapling-sub002/internal/lock"
	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/obsolete"
	"github.com/facebook/sapling-sub002/internal/phases"
	"github.com/facebook/sapling-sub002/internal/store"
	"github.com/facebook/sapling-sub002/internal/transaction"
	"github.com/facebook/sapling-sub002/internal/visibility"
)

// SlxDirName is the metadata directory at the repository root.
const SlxDirName = ".slx"

// ErrNotARepo is returned when Open finds no repository at the path.
var ErrNotARepo = errors.Sentinel("not a repository")

type Repo struct {
	dir      string
	storeDir string
	log      logrus.FieldLogger

	requirements store.Requirements
	store        *store.Store
	phases       phases.Phaser
	books        *bookmarks.Store
	remoteNames  *bookmarks.Store
	visible      *visibility.Heads
	obsstore     *obsolete.Store

	wlock *lock.Lock
	slock *lock.Lock

	// activeBatch, when set, routes graph queries through the staged
	// changelog batch so phase and visibility bookkeeping inside a
	// transaction can see commits that have not been flushed yet.
	activeBatch *store.Batch
}

// InitOpts selects the repository format at creation time.
type InitOpts struct {
	// HeadBasedPhases enables the narrowheads format (derived phases);
	// implies visibleheads and remotenames.
	HeadBasedPhases bool
}

// Init creates a new repository at dir.
func Init(dir string, opts InitOpts) (*Repo, error) {
	slxDir := filepath.Join(dir, SlxDirName)
	if _, err := os.Stat(slxDir); err == nil {
		return nil, errors.Errorf("repository already exists at %q", dir)
	}
	storeDir := filepath.Join(slxDir, "store")
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create repository")
	}
	flags := []string{store.ReqStore, store.ReqVisibleHeads, store.ReqRemoteNames}
	if opts.HeadBasedPhases {
		flags = append(flags, store.ReqNarrowHeads)
	}
	reqs := store.NewRequirements(flags...)
	if err := reqs.WriteRequirements(filepath.Join(slxDir, "requires")); err != nil {
		return nil, err
	}
	logrus.WithField("repo", dir).Debug("repository initialized")
	return Open(dir)
}

// Open opens an existing repository, validating its requirements and
// rolling back any abandoned transaction before anything reads the
// metadata files.
func Open(dir string) (*Repo, error) {
	slxDir := filepath.Join(dir, SlxDirName)
	if _, err := os.Stat(slxDir); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WithDetails(ErrNotARepo, "path", dir)
		}
		return nil, err
	}
	reqs, err := store.ReadRequirements(filepath.Join(slxDir, "requires"))
	if err != nil {
		return nil, err
	}
	storeDir := filepath.Join(slxDir, "store")

	r := &Repo{
		dir:          dir,
		storeDir:     storeDir,
		log:          logrus.WithField("repo", path.Base(dir)),
		requirements: reqs,
		wlock:        lock.New(filepath.Join(slxDir, "wlock")),
		slock:        lock.New(filepath.Join(storeDir, "lock")),
	}

	// An abandoned journal means a previous process died mid-write;
	// restore before any store is loaded.
	if err := r.recover(); err != nil {
		return nil, err
	}

	if r.store, err = store.Open(storeDir); err != nil {
		return nil, err
	}
	if r.books, err = bookmarks.Load(storeDir, bookmarks.LocalFile); err != nil {
		return nil, err
	}
	if r.remoteNames, err = bookmarks.Load(storeDir, bookmarks.RemoteFile); err != nil {
		return nil, err
	}
	if r.visible, err = visibility.Load(storeDir); err != nil {
		return nil, err
	}
	r.obsstore = obsolete.NewStore(r.store.DB())

	if reqs.Has(store.ReqNarrowHeads) {
		r.phases = phases.NewHeadBased(r.Parents, r.publicHeads, r.visibleHeadNodes)
	} else {
		cache, err := phases.Load(storeDir, r.Parents, r.AllNodes)
		if err != nil {
			return nil, err
		}
		r.phases = cache
	}
	return r, nil
}

func (r *Repo) recover() error {
	if err := r.slock.Acquire(lock.AcquireOpts{
		Timeout:   config.Slx.Locks.Timeout,
		WarnAfter: config.Slx.Locks.WarnAfter,
	}); err != nil {
		return err
	}
	defer r.slock.Release()
	recovered, err := transaction.Recover(r.storeDir)
	if err != nil {
		return errors.Wrap(err, "transaction recovery failed")
	}
	if recovered {
		r.log.Warn("interrupted transaction rolled back")
	}
	return nil
}

func (r *Repo) Close() error {
	if r.store != nil {
		return r.store.Close()
	}
	return nil
}

func (r *Repo) Dir() string                      { return r.dir }
func (r *Repo) StoreDir() string                 { return r.storeDir }
func (r *Repo) Requirements() store.Requirements { return r.requirements }
func (r *Repo) Store() *store.Store              { return r.store }
func (r *Repo) Phases() phases.Phaser            { return r.phases }
func (r *Repo) Bookmarks() *bookmarks.Store      { return r.books }
func (r *Repo) RemoteNames() *bookmarks.Store    { return r.remoteNames }
func (r *Repo) VisibleHeads() *visibility.Heads  { return r.visible }
func (r *Repo) ObsStore() *obsolete.Store        { return r.obsstore }
func (r *Repo) Log() logrus.FieldLogger          { return r.log }

// HeadBasedPhases reports whether phases are derived rather than stored.
func (r *Repo) HeadBasedPhases() bool {
	return r.requirements.Has(store.ReqNarrowHeads)
}

// Parents is the dag.Parents accessor over the changelog, including any
// commits staged by the active transaction's batch.
func (r *Repo) Parents(n node.Node) ([]node.Node, error) {
	if r.activeBatch != nil {
		return r.activeBatch.Parents(n)
	}
	return r.store.Parents(n)
}

// AllNodes returns every node in the changelog, including staged ones.
func (r *Repo) AllNodes() (node.Set, error) {
	all, err := r.store.AllNodes()
	if err != nil {
		return nil, err
	}
	if r.activeBatch != nil {
		for _, n := range r.activeBatch.Added() {
			all.Add(n)
		}
	}
	return all, nil
}

// Heads returns the childless nodes of the changelog.
func (r *Repo) Heads() (node.Set, error) {
	return r.store.Heads()
}

func (r *Repo) publicHeads() ([]node.Node, error) {
	// Under head-based phases, public = reachable from any cached
	// remote bookmark.
	var out []node.Node
	for _, n := range r.remoteNames.All() {
		out = append(out, n)
	}
	return out, nil
}

func (r *Repo) visibleHeadNodes() ([]node.Node, error) {
	return r.visible.All(), nil
}

// LockStore takes the store lock (guards committed history, phases,
// bookmarks). Pair with UnlockStore.
func (r *Repo) LockStore() error {
	return r.slock.Acquire(lock.AcquireOpts{
		Timeout:   config.Slx.Locks.Timeout,
		WarnAfter: config.Slx.Locks.WarnAfter,
	})
}

func (r *Repo) UnlockStore() {
	r.slock.Release()
}

// LockWorkingCopy takes the working-copy lock. When both locks are
// needed this one must be acquired first; taking the store lock while
// already holding only the working-copy lock is the one legal order.
func (r *Repo) LockWorkingCopy() error {
	return r.wlock.Acquire(lock.AcquireOpts{
		Timeout:   config.Slx.Locks.Timeout,
		WarnAfter: config.Slx.Locks.WarnAfter,
	})
}

func (r *Repo) UnlockWorkingCopy() {
	r.wlock.Release()
}

// Transaction begins a journaled transaction over the store metadata
// files. The caller must hold the store lock.
func (r *Repo) Transaction(name string) (*transaction.Transaction, error) {
	return transaction.Begin(r.storeDir, name)
}

// StageBatch creates a changelog batch, registers it with the
// transaction, and routes the repository's graph queries through it
// until the transaction finishes.
func (r *Repo) StageBatch(tr *transaction.Transaction) *store.Batch {
	batch := r.store.NewBatch()
	tr.AddFlusher(batch)
	r.activeBatch = batch
	clear := func() { r.activeBatch = nil }
	tr.OnClose(clear)
	tr.OnAbort(clear)
	return batch
}
