// Package transaction provides the atomic-durability scope wrapping all
// history-mutating work. Every file a transaction touches is journaled
// first; on Close the journal is promoted to undo files (enabling
// rollback of the last transaction), on Abort or process death the
// journal restores the pre-transaction state exactly.
package transaction

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"emperror.dev/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrFinalized is returned when a transaction is used after Close or
// Abort.
var ErrFinalized = errors.Sentinel("transaction already finalized")

// A Flusher holds staged writes that must become durable only at Close.
// The changelog batch is the primary implementation: records are buffered
// during the transaction and written in one storage-level update, so a
// crash before Close leaves the changelog untouched.
type Flusher interface {
	Flush() error
	Discard()
}

const (
	journalName = "journal"
	undoName    = "undo"
)

// Transaction journals writes to flat files under a single store
// directory. It must be created under the store lock.
type Transaction struct {
	dir  string
	id   string
	log  logrus.FieldLogger
	name string

	entries   []journalEntry
	journaled map[string]bool
	flushers  []Flusher
	onClose   []func()
	onAbort   []func()
	done      bool
}

type journalEntry struct {
	name    string
	existed bool
}

// Begin opens a new transaction over the flat files in dir. name is a
// short description ("push", "pull", "commit") recorded for diagnostics.
func Begin(dir, name string) (*Transaction, error) {
	if _, err := os.Stat(filepath.Join(dir, journalName)); err == nil {
		return nil, errors.Errorf(
			"abandoned transaction found in %s; run recover first", dir)
	}
	tr := &Transaction{
		dir:       dir,
		id:        uuid.NewString(),
		name:      name,
		journaled: make(map[string]bool),
	}
	tr.log = logrus.WithFields(logrus.Fields{"txn": tr.id[:8], "op": name})
	if err := tr.writeManifest(); err != nil {
		return nil, err
	}
	tr.log.Debug("transaction started")
	return tr, nil
}

// JournalFile records undo information for the named flat file. It is
// idempotent per file and must be called before the file is modified.
func (tr *Transaction) JournalFile(name string) error {
	if tr.done {
		return ErrFinalized
	}
	if tr.journaled[name] {
		return nil
	}
	path := filepath.Join(tr.dir, name)
	backup := filepath.Join(tr.dir, journalName+"."+name)
	existed := true
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return errors.WrapIff(err, "failed to journal %q", name)
		}
		existed = false
	}
	if existed {
		if err := writeFileSync(backup, data); err != nil {
			return errors.WrapIff(err, "failed to journal %q", name)
		}
	}
	tr.entries = append(tr.entries, journalEntry{name: name, existed: existed})
	tr.journaled[name] = true
	// The manifest must list the entry before the real file changes.
	return tr.writeManifest()
}

// WriteFile journals and then replaces the named flat file.
func (tr *Transaction) WriteFile(name string, data []byte) error {
	if err := tr.JournalFile(name); err != nil {
		return err
	}
	return writeFileSync(filepath.Join(tr.dir, name), data)
}

// AddFlusher registers staged writes to be flushed at Close.
func (tr *Transaction) AddFlusher(f Flusher) {
	tr.flushers = append(tr.flushers, f)
}

// OnClose registers a callback run after the transaction has successfully
// become durable (e.g. swapping an in-memory cache snapshot).
func (tr *Transaction) OnClose(fn func()) {
	tr.onClose = append(tr.onClose, fn)
}

// OnAbort registers a callback run after a rollback.
func (tr *Transaction) OnAbort(fn func()) {
	tr.onAbort = append(tr.onAbort, fn)
}

// Close makes the transaction's changes durable and visible atomically.
// The journal is promoted to undo files so the last transaction can still
// be rolled back administratively.
func (tr *Transaction) Close() error {
	if tr.done {
		return ErrFinalized
	}
	for _, f := range tr.flushers {
		if err := f.Flush(); err != nil {
			// Staged batches flush before any is visible; a failure
			// here still aborts cleanly.
			tr.log.WithError(err).Debug("flush failed, aborting transaction")
			_ = tr.Abort()
			return errors.Wrap(err, "transaction flush failed")
		}
	}
	// Promote journal backups to undo backups.
	_ = removeUndoFiles(tr.dir)
	for _, e := range tr.entries {
		if !e.existed {
			continue
		}
		src := filepath.Join(tr.dir, journalName+"."+e.name)
		dst := filepath.Join(tr.dir, undoName+"."+e.name)
		if err := os.Rename(src, dst); err != nil {
			tr.log.WithError(err).Warn("failed to preserve undo backup")
		}
	}
	if err := os.Rename(
		filepath.Join(tr.dir, journalName),
		filepath.Join(tr.dir, undoName),
	); err != nil {
		return errors.Wrap(err, "failed to finalize transaction journal")
	}
	tr.done = true
	for _, fn := range tr.onClose {
		fn()
	}
	tr.log.Debug("transaction closed")
	return nil
}

// Abort restores every journaled file and discards staged writes.
// Abort after Close (or a second Abort) is a no-op.
func (tr *Transaction) Abort() error {
	if tr.done {
		return nil
	}
	tr.done = true
	for _, f := range tr.flushers {
		f.Discard()
	}
	err := restoreJournal(tr.dir)
	for _, fn := range tr.onAbort {
		fn()
	}
	if err != nil {
		return err
	}
	tr.log.Debug("transaction aborted")
	return nil
}

func (tr *Transaction) writeManifest() error {
	var b strings.Builder
	fmt.Fprintf(&b, "id %s %s\n", tr.id, tr.name)
	for _, e := range tr.entries {
		existed := 0
		if e.existed {
			existed = 1
		}
		fmt.Fprintf(&b, "%s %d\n", e.name, existed)
	}
	return writeFileSync(filepath.Join(tr.dir, journalName), []byte(b.String()))
}

// Recover detects an abandoned transaction in dir (journal manifest left
// behind by a dead process) and restores the pre-transaction state.
// Returns whether recovery happened.
func Recover(dir string) (bool, error) {
	if _, err := os.Stat(filepath.Join(dir, journalName)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	logrus.WithField("dir", dir).
		Warn("abandoned transaction found; rolling back")
	if err := restoreJournal(dir); err != nil {
		return true, err
	}
	return true, nil
}

// Rollback undoes the last successfully closed transaction using the
// undo files preserved at Close. Returns false if there is nothing to
// roll back.
func Rollback(dir string) (bool, error) {
	if _, err := os.Stat(filepath.Join(dir, undoName)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := restoreBackups(dir, undoName); err != nil {
		return true, err
	}
	return true, nil
}

func restoreJournal(dir string) error {
	return restoreBackups(dir, journalName)
}

func restoreBackups(dir, prefix string) error {
	manifest := filepath.Join(dir, prefix)
	f, err := os.Open(manifest)
	if err != nil {
		return errors.WrapIff(err, "failed to read %s manifest", prefix)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			continue
		}
		name, existedStr, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		path := filepath.Join(dir, name)
		if existedStr == "0" {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return errors.WrapIff(err, "failed to restore %q", name)
			}
			continue
		}
		backup := filepath.Join(dir, prefix+"."+name)
		data, err := os.ReadFile(backup)
		if err != nil {
			return errors.WrapIff(err, "failed to restore %q", name)
		}
		if err := writeFileSync(path, data); err != nil {
			return errors.WrapIff(err, "failed to restore %q", name)
		}
		_ = os.Remove(backup)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return os.Remove(manifest)
}

func removeUndoFiles(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, undoName+"*"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		_ = os.Remove(m)
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
