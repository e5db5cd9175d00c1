// Package node defines the fixed-width, content-derived commit
// identifiers that every other part of the exchange engine is built on.
package node

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"

	"emperror.dev/errors"
)

// Size is the width of a node in bytes.
const Size = 20

// HexSize is the width of a node in hex characters.
const HexSize = Size * 2

// Node is a 20-byte content hash identifying a commit. The zero value is
// NullID, the "no parent" / "nonexistent" sentinel.
type Node [Size]byte

// NullID is the reserved all-zero node.
var NullID Node

// ErrBadNode indicates a string or byte slice that cannot be a node.
var ErrBadNode = errors.Sentinel("invalid node identifier")

// FromHex parses a 40-character hex string into a Node.
func FromHex(s string) (Node, error) {
	var n Node
	if len(s) != HexSize {
		return n, errors.WithDetails(ErrBadNode, "input", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return n, errors.WithDetails(ErrBadNode, "input", s)
	}
	copy(n[:], b)
	return n, nil
}

// MustFromHex is FromHex for statically-known inputs (mostly tests).
func MustFromHex(s string) Node {
	n, err := FromHex(s)
	if err != nil {
		panic(err)
	}
	return n
}

// FromBytes converts a 20-byte slice into a Node.
func FromBytes(b []byte) (Node, error) {
	var n Node
	if len(b) != Size {
		return n, ErrBadNode
	}
	copy(n[:], b)
	return n, nil
}

func (n Node) Hex() string {
	return hex.EncodeToString(n[:])
}

// Short returns the truncated hex form used in user-facing output.
func (n Node) Short() string {
	return n.Hex()[:12]
}

func (n Node) IsNull() bool {
	return n == NullID
}

func (n Node) String() string {
	return n.Hex()
}

// Hash computes the node for a commit from its parents and metadata text.
// Parents are hashed in sorted order so the identifier does not depend on
// which parent is "first"; this mirrors the append-only,
// collision-free-by-construction property of the commit graph.
func Hash(text []byte, p1, p2 Node) Node {
	if bytes.Compare(p2[:], p1[:]) < 0 {
		p1, p2 = p2, p1
	}
	h := sha1.New()
	h.Write(p1[:])
	h.Write(p2[:])
	h.Write(text)
	var n Node
	h.Sum(n[:0])
	return n
}
