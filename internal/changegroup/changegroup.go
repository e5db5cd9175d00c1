// Package changegroup implements the versioned delta-chunk codec that
// carries commits between repositories. A changegroup is a sequence of
// chunk groups (changelog records, then a manifest group, then file
// groups), each terminated by a zero-length chunk; commit records are
// emitted parents-first so the receiver applies them in one linear pass.
package changegroup

import (
	"encoding/binary"
	"io"

	"emperror.dev/errors"
	"github.com/sirupsen/logrus"

	"github.com/facebook/sapling-sub002/internal/dag"
	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/store"
	"github.com/facebook/sapling-sub002/internal/wire"
)

// Supported changegroup versions.
const (
	Version01 = "01"
	Version02 = "02"
	Version03 = "03"
)

// Versions lists the supported versions, oldest first.
var Versions = []string{Version01, Version02, Version03}

// ErrBadVersion indicates an unsupported changegroup version string.
var ErrBadVersion = errors.Sentinel("unsupported changegroup version")

// IsVersion reports whether v is a known changegroup version.
func IsVersion(v string) bool {
	return v == Version01 || v == Version02 || v == Version03
}

// Source provides commit records for stream construction.
type Source interface {
	Commit(n node.Node) (*store.Commit, error)
}

// Target receives commit records during application; implemented by the
// staged changelog batch so nothing becomes visible before the
// transaction closes.
type Target interface {
	Has(n node.Node) (bool, error)
	Add(c *store.Commit) error
}

// record is the per-commit wire header. Version 01 omits DeltaBase
// (implicitly p1), version 03 adds Flags.
type record struct {
	Node      node.Node
	P1        node.Node
	P2        node.Node
	DeltaBase node.Node
	LinkNode  node.Node
	Flags     uint16
}

func headerSize(version string) int {
	switch version {
	case Version01:
		return node.Size * 4
	case Version02:
		return node.Size * 5
	case Version03:
		return node.Size*5 + 2
	}
	return 0
}

func (rec *record) encode(version string) []byte {
	out := make([]byte, 0, headerSize(version))
	out = append(out, rec.Node[:]...)
	out = append(out, rec.P1[:]...)
	out = append(out, rec.P2[:]...)
	if version != Version01 {
		out = append(out, rec.DeltaBase[:]...)
	}
	out = append(out, rec.LinkNode[:]...)
	if version == Version03 {
		var flags [2]byte
		binary.BigEndian.PutUint16(flags[:], rec.Flags)
		out = append(out, flags[:]...)
	}
	return out
}

func decodeRecord(version string, chunk []byte) (*record, []byte, error) {
	hs := headerSize(version)
	if len(chunk) < hs {
		return nil, nil, errors.Errorf(
			"changegroup chunk shorter than %s header", version)
	}
	rec := &record{}
	rest := chunk
	copy(rec.Node[:], rest[:node.Size])
	rest = rest[node.Size:]
	copy(rec.P1[:], rest[:node.Size])
	rest = rest[node.Size:]
	copy(rec.P2[:], rest[:node.Size])
	rest = rest[node.Size:]
	if version != Version01 {
		copy(rec.DeltaBase[:], rest[:node.Size])
		rest = rest[node.Size:]
	} else {
		rec.DeltaBase = rec.P1
	}
	copy(rec.LinkNode[:], rest[:node.Size])
	rest = rest[node.Size:]
	if version == Version03 {
		rec.Flags = binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
	}
	return rec, rest, nil
}

// MakeStream writes the changegroup for outgoing to w. Commit payloads
// are emitted as full-text deltas against the null base; the manifest
// group and file section are emitted empty (commit metadata carries the
// file information in this store layout) so the stream shape matches the
// wire format.
func MakeStream(w io.Writer, src Source, outgoing *dag.Outgoing, version string) error {
	if !IsVersion(version) {
		return errors.WithDetails(ErrBadVersion, "version", version)
	}
	log := logrus.WithField("cg", version)
	for _, n := range outgoing.Missing {
		c, err := src.Commit(n)
		if err != nil {
			return errors.WrapIff(err, "cannot bundle %s", n.Short())
		}
		rec := &record{
			Node:     c.Node,
			P1:       c.Parents[0],
			P2:       c.Parents[1],
			LinkNode: c.Node,
		}
		chunk := rec.encode(version)
		chunk = append(chunk, fulltextDelta(c.Text)...)
		if err := wire.WriteChunk(w, chunk); err != nil {
			return err
		}
	}
	// Changelog group terminator.
	if err := wire.WriteTerminator(w); err != nil {
		return err
	}
	// Empty manifest group.
	if err := wire.WriteTerminator(w); err != nil {
		return err
	}
	// End of the (empty) file section.
	if err := wire.WriteTerminator(w); err != nil {
		return err
	}
	log.WithField("commits", len(outgoing.Missing)).Debug("changegroup emitted")
	return nil
}

// Apply reads a changegroup and stages every commit into target. It
// returns the staged nodes in application order. Parents must precede
// children in the stream; a chunk whose parents are unknown aborts the
// apply (the caller's transaction is left open, so nothing partial
// survives its abort).
func Apply(r io.Reader, target Target, version string) ([]node.Node, error) {
	if !IsVersion(version) {
		return nil, errors.WithDetails(ErrBadVersion, "version", version)
	}
	var added []node.Node
	for {
		chunk, err := wire.ReadChunk(r)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			break
		}
		rec, delta, err := decodeRecord(version, chunk)
		if err != nil {
			return nil, err
		}
		if !rec.DeltaBase.IsNull() && rec.DeltaBase != rec.P1 {
			return nil, errors.Errorf(
				"changegroup delta base %s is not a parent", rec.DeltaBase.Short())
		}
		text, err := applyDelta(nil, delta)
		if err != nil {
			return nil, errors.WrapIff(err, "corrupt delta for %s", rec.Node.Short())
		}
		if node.Hash(text, rec.P1, rec.P2) != rec.Node {
			return nil, errors.Errorf(
				"integrity check failed on %s", rec.Node.Short())
		}
		have, err := target.Has(rec.Node)
		if err != nil {
			return nil, err
		}
		if have {
			continue
		}
		c := &store.Commit{
			Node:    rec.Node,
			Parents: [2]node.Node{rec.P1, rec.P2},
			Text:    text,
		}
		if err := target.Add(c); err != nil {
			return nil, err
		}
		added = append(added, rec.Node)
	}
	// Drain the manifest group and file section; their content is
	// redundant with the commit records here but the framing must be
	// intact.
	if _, err := wire.ReadGroup(r); err != nil {
		return nil, err
	}
	if _, err := wire.ReadGroup(r); err != nil {
		return nil, err
	}
	return added, nil
}
