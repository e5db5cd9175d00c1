// Package bundle2 implements the multi-part container format carrying
// changegroups and their auxiliary metadata (phases, bookmarks,
// obsolescence markers, push variables) between repositories, plus the
// bundlespec grammar and on-disk bundle files.
package bundle2

import (
	"bytes"
	"io"
	"strings"
	"unicode"

	"emperror.dev/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/facebook/sapling-sub002/internal/wire"
)

// Magic identifies a bundle2 stream.
const Magic = "HG20"

// LegacyMagic identifies a plain single-changegroup bundle with a
// trailing 2-byte compression tag.
const LegacyMagic = "HG10"

// Known part type names.
const (
	PartChangegroup      = "changegroup"
	PartPhaseHeads       = "phase-heads"
	PartBookmarks        = "bookmarks"
	PartCheckBookmarks   = "check:bookmarks"
	PartCheckHeads       = "check:heads"
	PartObsmarkers       = "obsmarkers"
	PartPushvars         = "pushvars"
	PartListkeys         = "listkeys"
	PartReplycaps        = "replycaps"
	PartOutput           = "output"
	PartErrorAbort       = "error:abort"
	PartReplyChangegroup = "reply:changegroup"
	PartReplyBookmarks   = "reply:bookmarks"
)

// Param is one part parameter. Mandatory parameters must be understood
// by the handler; advisory ones are hints.
type Param struct {
	Key   string
	Value string
}

// Part is one self-describing unit of a bundle2 stream.
type Part struct {
	// Type is the lowercase part name; Mandatory is carried on the wire
	// by uppercasing the name's first letter.
	Type      string
	Mandatory bool
	ID        uint32

	MandatoryParams []Param
	AdvisoryParams  []Param

	Payload []byte
}

// Param returns a parameter value from either list.
func (p *Part) Param(key string) (string, bool) {
	for _, kv := range p.MandatoryParams {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	for _, kv := range p.AdvisoryParams {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

func (p *Part) wireName() string {
	if !p.Mandatory {
		return p.Type
	}
	return strings.ToUpper(p.Type[:1]) + p.Type[1:]
}

// Writer emits a bundle2 stream: magic, a stream-parameter chunk, then
// framed parts, closed by a zero-length part-header chunk. If the
// Compression stream parameter is set everything after the parameter
// chunk is compressed.
type Writer struct {
	raw    io.Writer
	w      io.Writer
	comp   io.WriteCloser
	nextID uint32
	closed bool
}

// NewWriter starts a stream. compression is a wire.Comp* tag; CompNone
// omits the parameter.
func NewWriter(w io.Writer, compression string) (*Writer, error) {
	if _, err := io.WriteString(w, Magic); err != nil {
		return nil, err
	}
	params := map[string]string{}
	if compression != "" && compression != wire.CompNone {
		params["Compression"] = compression
	}
	if err := wire.WriteChunk(w, encodeStreamParams(params)); err != nil {
		return nil, err
	}
	bw := &Writer{raw: w, w: w}
	if c := params["Compression"]; c != "" {
		comp, err := wire.Compressor(c, w)
		if err != nil {
			return nil, err
		}
		bw.comp = comp
		bw.w = comp
	}
	return bw, nil
}

const payloadChunkSize = 32 * 1024

// AddPart writes one part, assigning its stream-unique id.
func (bw *Writer) AddPart(p *Part) error {
	if bw.closed {
		return errors.Sentinel("bundle writer closed")
	}
	p.ID = bw.nextID
	bw.nextID++
	header, err := encodePartHeader(p)
	if err != nil {
		return err
	}
	if err := wire.WriteChunk(bw.w, header); err != nil {
		return err
	}
	payload := p.Payload
	for len(payload) > 0 {
		n := len(payload)
		if n > payloadChunkSize {
			n = payloadChunkSize
		}
		if err := wire.WriteChunk(bw.w, payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return wire.WriteTerminator(bw.w)
}

// Close writes the end-of-stream marker and flushes compression.
func (bw *Writer) Close() error {
	if bw.closed {
		return nil
	}
	bw.closed = true
	if err := wire.WriteTerminator(bw.w); err != nil {
		return err
	}
	if bw.comp != nil {
		return bw.comp.Close()
	}
	return nil
}

// Reader parses a bundle2 stream.
type Reader struct {
	r      io.Reader
	params map[string]string
}

// NewReader consumes the magic and stream parameters. The caller must
// have verified (or not care) that the stream is bundle2; a wrong magic
// returns ErrNotABundle.
func NewReader(r io.Reader) (*Reader, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, errors.WrapIf(wire.ErrUnexpectedStreamEnd, err.Error())
	}
	if string(magic[:]) != Magic {
		return nil, errors.WithDetails(ErrNotABundle, "magic", string(magic[:]))
	}
	paramChunk, err := wire.ReadChunk(r)
	if err != nil {
		return nil, err
	}
	params := decodeStreamParams(paramChunk)
	br := &Reader{r: r, params: params}
	if c := params["Compression"]; c != "" {
		dec, err := wire.Decompressor(c, r)
		if err != nil {
			return nil, err
		}
		br.r = dec
	}
	return br, nil
}

// StreamParams returns the stream-level parameters.
func (br *Reader) StreamParams() map[string]string {
	out := map[string]string{}
	maps.Copy(out, br.params)
	return out
}

// Next returns the next part, or io.EOF at the end-of-stream marker.
func (br *Reader) Next() (*Part, error) {
	header, err := wire.ReadChunk(br.r)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, io.EOF
	}
	p, err := decodePartHeader(header)
	if err != nil {
		return nil, err
	}
	if p.Payload, err = wire.ReadGroup(br.r); err != nil {
		return nil, err
	}
	return p, nil
}

// Part header encoding:
//
//	[1-byte type-name length][type name][4-byte part id]
//	[1-byte #mandatory][1-byte #advisory]
//	([1-byte keylen][1-byte valuelen])... then key/value bytes
func encodePartHeader(p *Part) ([]byte, error) {
	name := p.wireName()
	if len(name) == 0 || len(name) > 255 {
		return nil, errors.Errorf("part type %q out of range", p.Type)
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(len(name)))
	buf.WriteString(name)
	var id [4]byte
	id[0] = byte(p.ID >> 24)
	id[1] = byte(p.ID >> 16)
	id[2] = byte(p.ID >> 8)
	id[3] = byte(p.ID)
	buf.Write(id[:])
	buf.WriteByte(byte(len(p.MandatoryParams)))
	buf.WriteByte(byte(len(p.AdvisoryParams)))
	all := append(slices.Clone(p.MandatoryParams), p.AdvisoryParams...)
	for _, kv := range all {
		if len(kv.Key) > 255 || len(kv.Value) > 255 {
			return nil, errors.Errorf("part parameter %q out of range", kv.Key)
		}
		buf.WriteByte(byte(len(kv.Key)))
		buf.WriteByte(byte(len(kv.Value)))
	}
	for _, kv := range all {
		buf.WriteString(kv.Key)
		buf.WriteString(kv.Value)
	}
	return buf.Bytes(), nil
}

func decodePartHeader(header []byte) (*Part, error) {
	bad := func() error { return errors.New("corrupt bundle2 part header") }
	if len(header) < 1 {
		return nil, bad()
	}
	nameLen := int(header[0])
	header = header[1:]
	if len(header) < nameLen+6 {
		return nil, bad()
	}
	name := string(header[:nameLen])
	header = header[nameLen:]
	p := &Part{
		Type:      strings.ToLower(name),
		Mandatory: nameLen > 0 && unicode.IsUpper(rune(name[0])),
	}
	p.ID = uint32(header[0])<<24 | uint32(header[1])<<16 |
		uint32(header[2])<<8 | uint32(header[3])
	numMandatory := int(header[4])
	numAdvisory := int(header[5])
	header = header[6:]

	total := numMandatory + numAdvisory
	if len(header) < 2*total {
		return nil, bad()
	}
	sizes := header[:2*total]
	header = header[2*total:]
	for i := 0; i < total; i++ {
		klen := int(sizes[2*i])
		vlen := int(sizes[2*i+1])
		if len(header) < klen+vlen {
			return nil, bad()
		}
		kv := Param{
			Key:   string(header[:klen]),
			Value: string(header[klen : klen+vlen]),
		}
		header = header[klen+vlen:]
		if i < numMandatory {
			p.MandatoryParams = append(p.MandatoryParams, kv)
		} else {
			p.AdvisoryParams = append(p.AdvisoryParams, kv)
		}
	}
	return p, nil
}

// Stream parameters: newline separated k=v pairs, keys sorted.
func encodeStreamParams(params map[string]string) []byte {
	keys := maps.Keys(params)
	slices.Sort(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(params[k])
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func decodeStreamParams(chunk []byte) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(string(chunk), "\n") {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if ok {
			out[k] = v
		}
	}
	return out
}
