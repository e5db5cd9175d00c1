// Package obsolete stores obsolescence markers: records that a commit
// (the precursor) has been rewritten into zero or more successors.
// Markers are append-only facts exchanged between repositories alongside
// changegroups; a commit obsoleted with no successor is "pruned" and must
// not be pushed back to a shared server.
package obsolete

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"io"
	"time"

	"emperror.dev/errors"

	"github.com/facebook/sapling-sub002/internal/node"
)

// Marker flag bits.
const (
	// FlagOperation records that operation metadata is present.
	FlagOperation uint16 = 1 << 0
)

// MetaPair is one metadata key/value attached to a marker ("user",
// "operation", ...). Keys and values are bounded to 255 bytes by the
// wire encoding.
type MetaPair struct {
	Key   string
	Value string
}

// Marker records one rewrite: Precursor was replaced by Successors
// (none = pruned).
type Marker struct {
	Precursor  node.Node
	Successors []node.Node
	Flags      uint16
	Date       time.Time
	Metadata   []MetaPair
}

// ID is the content hash of the encoded marker, used as the storage key
// so re-receiving a marker is idempotent.
func (m *Marker) ID() [20]byte {
	return sha1.Sum(m.encodeBody())
}

const markerVersion = 1

// Encode writes the binary v1 form:
//
//	[4-byte total length][1-byte version]
//	[8-byte date seconds][2-byte tz offset minutes][2-byte flags]
//	[1-byte #successors][1-byte #metadata]
//	[20-byte precursor][20-byte successor]...
//	([1-byte keylen][1-byte valuelen])... then key/value bytes
func (m *Marker) Encode(w io.Writer) error {
	body := m.encodeBody()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)+4))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func (m *Marker) encodeBody() []byte {
	var buf bytes.Buffer
	buf.WriteByte(markerVersion)
	var fixed [12]byte
	binary.BigEndian.PutUint64(fixed[:8], uint64(m.Date.Unix()))
	_, tzOffset := m.Date.Zone()
	binary.BigEndian.PutUint16(fixed[8:10], uint16(tzOffset/60))
	binary.BigEndian.PutUint16(fixed[10:12], m.Flags)
	buf.Write(fixed[:])
	buf.WriteByte(byte(len(m.Successors)))
	buf.WriteByte(byte(len(m.Metadata)))
	buf.Write(m.Precursor[:])
	for _, s := range m.Successors {
		buf.Write(s[:])
	}
	for _, p := range m.Metadata {
		buf.WriteByte(byte(len(p.Key)))
		buf.WriteByte(byte(len(p.Value)))
	}
	for _, p := range m.Metadata {
		buf.WriteString(p.Key)
		buf.WriteString(p.Value)
	}
	return buf.Bytes()
}

// Decode reads one marker; io.EOF cleanly at a record boundary signals
// end of stream.
func Decode(r io.Reader) (*Marker, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "truncated obsolescence marker")
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total < 4 {
		return nil, errors.New("corrupt obsolescence marker length")
	}
	body := make([]byte, total-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "truncated obsolescence marker")
	}
	return decodeBody(body)
}

func decodeBody(body []byte) (*Marker, error) {
	if len(body) < 1 || body[0] != markerVersion {
		return nil, errors.Errorf("unknown obsolescence marker version")
	}
	body = body[1:]
	if len(body) < 14+node.Size {
		return nil, errors.New("corrupt obsolescence marker")
	}
	m := &Marker{}
	secs := int64(binary.BigEndian.Uint64(body[:8]))
	tzMinutes := int16(binary.BigEndian.Uint16(body[8:10]))
	m.Date = time.Unix(secs, 0).In(time.FixedZone("", int(tzMinutes)*60))
	m.Flags = binary.BigEndian.Uint16(body[10:12])
	numSucc := int(body[12])
	numMeta := int(body[13])
	body = body[14:]

	need := node.Size*(1+numSucc) + 2*numMeta
	if len(body) < need {
		return nil, errors.New("corrupt obsolescence marker")
	}
	copy(m.Precursor[:], body[:node.Size])
	body = body[node.Size:]
	for i := 0; i < numSucc; i++ {
		var s node.Node
		copy(s[:], body[:node.Size])
		m.Successors = append(m.Successors, s)
		body = body[node.Size:]
	}
	sizes := body[:2*numMeta]
	body = body[2*numMeta:]
	for i := 0; i < numMeta; i++ {
		klen := int(sizes[2*i])
		vlen := int(sizes[2*i+1])
		if len(body) < klen+vlen {
			return nil, errors.New("corrupt obsolescence marker metadata")
		}
		m.Metadata = append(m.Metadata, MetaPair{
			Key:   string(body[:klen]),
			Value: string(body[klen : klen+vlen]),
		})
		body = body[klen+vlen:]
	}
	return m, nil
}

// EncodeAll concatenates markers in the wire form used by the obsmarkers
// bundle part.
func EncodeAll(markers []*Marker) ([]byte, error) {
	var buf bytes.Buffer
	for _, m := range markers {
		if err := m.Encode(&buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeAll reads markers until end of stream.
func DecodeAll(r io.Reader) ([]*Marker, error) {
	var out []*Marker
	for {
		m, err := Decode(r)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
}
