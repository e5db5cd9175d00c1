package bookmarks

import (
	"bytes"
	"io"

	"emperror.dev/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/facebook/sapling-sub002/internal/node"
)

// Entry is one name/node pair on the wire. A null node in a
// check:bookmarks part means "expected absent"; in a bookmarks part it
// means "delete".
type Entry struct {
	Name string
	Node node.Node
}

// Wire encoding: repeated records of
//   [1-byte name length][name][1-byte have-node][20-byte node if have-node]
// used by both the bookmarks and check:bookmarks bundle parts.

func EncodeEntries(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range entries {
		if len(e.Name) == 0 || len(e.Name) > 255 {
			return nil, errors.Errorf("bookmark name %q out of range", e.Name)
		}
		buf.WriteByte(byte(len(e.Name)))
		buf.WriteString(e.Name)
		if e.Node.IsNull() {
			buf.WriteByte(0)
		} else {
			buf.WriteByte(1)
			buf.Write(e.Node[:])
		}
	}
	return buf.Bytes(), nil
}

func DecodeEntries(r io.Reader) ([]Entry, error) {
	var out []Entry
	var lenBuf [1]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, errors.Wrap(err, "truncated bookmark record")
		}
		nameBuf := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return nil, errors.Wrap(err, "truncated bookmark record")
		}
		e := Entry{Name: string(nameBuf)}
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, errors.Wrap(err, "truncated bookmark record")
		}
		if lenBuf[0] != 0 {
			if _, err := io.ReadFull(r, e.Node[:]); err != nil {
				return nil, errors.Wrap(err, "truncated bookmark record")
			}
		}
		out = append(out, e)
	}
}

// EntriesFromMap produces a deterministic entry list.
func EntriesFromMap(marks map[string]node.Node) []Entry {
	names := maps.Keys(marks)
	slices.Sort(names)
	out := make([]Entry, 0, len(names))
	for _, name := range names {
		out = append(out, Entry{Name: name, Node: marks[name]})
	}
	return out
}

// PushTriple describes one bookmark movement to send: the remote must
// still hold Old (null = absent) for New to be applied.
type PushTriple struct {
	Name string
	Old  node.Node
	New  node.Node
}

// ComparePushTriples computes the CAS triples for a push: for each
// requested name, Old is what the remote currently advertises and New is
// the local position (null = delete). Names pointing at the same node on
// both sides are skipped.
func ComparePushTriples(
	local map[string]node.Node,
	remote map[string]node.Node,
	requested []string,
) []PushTriple {
	slices.Sort(requested)
	var out []PushTriple
	for _, name := range requested {
		localNode, hasLocal := local[name]
		remoteNode, hasRemote := remote[name]
		if !hasLocal {
			localNode = node.NullID
		}
		if !hasRemote {
			remoteNode = node.NullID
		}
		if localNode == remoteNode {
			continue
		}
		out = append(out, PushTriple{Name: name, Old: remoteNode, New: localNode})
	}
	return out
}
