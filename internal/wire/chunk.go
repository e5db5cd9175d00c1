// Package wire implements the low-level stream primitives shared by the
// changegroup and bundle2 codecs: length-prefixed chunk framing and the
// pluggable compression engines.
package wire

import (
	"encoding/binary"
	"io"

	"emperror.dev/errors"
)

// ErrUnexpectedStreamEnd indicates a truncated stream: the framing
// promised more bytes than arrived.
var ErrUnexpectedStreamEnd = errors.Sentinel("unexpected end of stream")

// Chunk framing: [4-byte big-endian length][payload]. A zero-length
// chunk terminates a chunk group.

// WriteChunk frames one payload chunk.
func WriteChunk(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// WriteTerminator writes the zero-length chunk closing a chunk group.
func WriteTerminator(w io.Writer) error {
	return WriteChunk(w, nil)
}

// ReadChunk reads one chunk; a group terminator returns (nil, nil).
func ReadChunk(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errors.WrapIf(ErrUnexpectedStreamEnd, err.Error())
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.WrapIf(ErrUnexpectedStreamEnd, err.Error())
	}
	return payload, nil
}

// ReadGroup reads payload chunks until the group terminator and returns
// them concatenated.
func ReadGroup(r io.Reader) ([]byte, error) {
	var out []byte
	for {
		chunk, err := ReadChunk(r)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			return out, nil
		}
		out = append(out, chunk...)
	}
}
