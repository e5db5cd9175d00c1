// Package visibility tracks the set of commit heads considered "present"
// to the user. Commits not reachable from a visible head are hidden
// (typically because they were obsoleted). The set backs head-based
// phase derivation and must therefore be enabled together with the
// remote-name cache under the narrowheads format.
package visibility

import (
	"os"
	"path/filepath"
	"strings"

	"emperror.dev/errors"

	"github.com/facebook/sapling-sub002/internal/node"
)

// File persists the visible head set in the store directory.
const File = "visibleheads"

const fileHeader = "v1"

type Tx interface {
	WriteFile(name string, data []byte) error
	OnClose(func())
	OnAbort(func())
}

// Heads is the visible-head set store.
type Heads struct {
	heads  node.Set
	staged node.Set
}

func Load(dir string) (*Heads, error) {
	h := &Heads{heads: node.NewSet()}
	data, err := os.ReadFile(filepath.Join(dir, File))
	if err != nil {
		if os.IsNotExist(err) {
			return h, nil
		}
		return nil, errors.Wrap(err, "failed to read visible heads")
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		// An empty file means an empty head set, same as a missing one.
		return h, nil
	}
	lines := strings.Split(trimmed, "\n")
	if lines[0] != fileHeader {
		return nil, errors.Errorf("unknown visible heads format %q", lines[0])
	}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		n, err := node.FromHex(line)
		if err != nil {
			return nil, errors.Wrap(err, "corrupt visible heads entry")
		}
		h.heads.Add(n)
	}
	return h, nil
}

// All returns the current visible heads.
func (h *Heads) All() []node.Node {
	return h.current().Sorted()
}

func (h *Heads) Has(n node.Node) bool {
	return h.current().Has(n)
}

// Update stages head replacement: newHeads become visible, oldHeads stop
// being heads (because they gained descendants or were hidden).
func (h *Heads) Update(tx Tx, newHeads, oldHeads []node.Node) error {
	heads := h.begin(tx)
	for _, n := range oldHeads {
		heads.Remove(n)
	}
	for _, n := range newHeads {
		heads.Add(n)
	}
	return h.write(tx, heads)
}

func (h *Heads) current() node.Set {
	if h.staged != nil {
		return h.staged
	}
	return h.heads
}

func (h *Heads) begin(tx Tx) node.Set {
	if h.staged == nil {
		staged := h.heads.Copy()
		h.staged = staged
		tx.OnClose(func() {
			h.heads = staged
			h.staged = nil
		})
		tx.OnAbort(func() {
			h.staged = nil
		})
	}
	return h.staged
}

func (h *Heads) write(tx Tx, heads node.Set) error {
	var b strings.Builder
	b.WriteString(fileHeader)
	b.WriteString("\n")
	for _, n := range heads.Sorted() {
		b.WriteString(n.Hex())
		b.WriteString("\n")
	}
	return tx.WriteFile(File, []byte(b.String()))
}
