// Package bookmarks implements the mutable name->node pointers: local
// bookmarks and the remote-name cache recording what a peer's bookmarks
// pointed at as of the last sync. At most one node per name; updates are
// compare-and-swap style so concurrent movement is detected rather than
// silently overwritten.
package bookmarks

import (
	"os"
	"path/filepath"
	"strings"

	"emperror.dev/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/facebook/sapling-sub002/internal/node"
)

const (
	// LocalFile persists local bookmarks in the store directory.
	LocalFile = "bookmarks"
	// RemoteFile persists the remote-name cache.
	RemoteFile = "remotenames"
)

// ErrCASMismatch is returned when a compare-and-swap update finds the
// bookmark no longer points where the caller believed.
var ErrCASMismatch = errors.Sentinel("bookmark moved concurrently")

// Tx mirrors phases.Tx; bookmark mutations are journaled the same way.
type Tx interface {
	WriteFile(name string, data []byte) error
	OnClose(func())
	OnAbort(func())
}

// Store holds one name->node namespace backed by a flat file of
// "<hex> <name>" lines.
type Store struct {
	file   string
	marks  map[string]node.Node
	staged map[string]node.Node
}

// Load reads the named bookmark file from the store directory; a missing
// file is an empty store.
func Load(dir, file string) (*Store, error) {
	s := &Store{
		file:  file,
		marks: map[string]node.Node{},
	}
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.WrapIff(err, "failed to read %s", file)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		hex, name, ok := strings.Cut(line, " ")
		if !ok {
			return nil, errors.Errorf("corrupt bookmark line %q in %s", line, file)
		}
		n, err := node.FromHex(hex)
		if err != nil {
			return nil, errors.WrapIff(err, "corrupt bookmark line %q in %s", line, file)
		}
		s.marks[name] = n
	}
	return s, nil
}

// Get returns the node a name points at.
func (s *Store) Get(name string) (node.Node, bool) {
	n, ok := s.current()[name]
	return n, ok
}

// All returns a copy of the full mapping.
func (s *Store) All() map[string]node.Node {
	out := make(map[string]node.Node, len(s.current()))
	maps.Copy(out, s.current())
	return out
}

// Names returns the bookmark names in sorted order.
func (s *Store) Names() []string {
	names := maps.Keys(s.current())
	slices.Sort(names)
	return names
}

// Set stages an unconditional update.
func (s *Store) Set(tx Tx, name string, n node.Node) error {
	marks := s.begin(tx)
	marks[name] = n
	return s.write(tx, marks)
}

// Delete stages removal of a name.
func (s *Store) Delete(tx Tx, name string) error {
	marks := s.begin(tx)
	delete(marks, name)
	return s.write(tx, marks)
}

// CompareAndSet stages an update only if the name currently points at
// old (NullID meaning "absent"); otherwise returns ErrCASMismatch. This
// is the server-side primitive behind the check:bookmarks part.
func (s *Store) CompareAndSet(tx Tx, name string, old, new node.Node) error {
	current, ok := s.Get(name)
	if !ok {
		current = node.NullID
	}
	if current != old {
		return errors.WithDetails(ErrCASMismatch,
			"bookmark", name, "expected", old.Hex(), "actual", current.Hex())
	}
	if new.IsNull() {
		return s.Delete(tx, name)
	}
	return s.Set(tx, name, new)
}

func (s *Store) current() map[string]node.Node {
	if s.staged != nil {
		return s.staged
	}
	return s.marks
}

func (s *Store) begin(tx Tx) map[string]node.Node {
	if s.staged == nil {
		staged := make(map[string]node.Node, len(s.marks))
		maps.Copy(staged, s.marks)
		s.staged = staged
		tx.OnClose(func() {
			s.marks = staged
			s.staged = nil
		})
		tx.OnAbort(func() {
			s.staged = nil
		})
	}
	return s.staged
}

func (s *Store) write(tx Tx, marks map[string]node.Node) error {
	names := maps.Keys(marks)
	slices.Sort(names)
	var b strings.Builder
	for _, name := range names {
		b.WriteString(marks[name].Hex())
		b.WriteString(" ")
		b.WriteString(name)
		b.WriteString("\n")
	}
	return tx.WriteFile(s.file, []byte(b.String()))
}
