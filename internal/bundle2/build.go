package bundle2

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/facebook/sapling-sub002/internal/bookmarks"
	"github.com/facebook/sapling-sub002/internal/changegroup"
	"github.com/facebook/sapling-sub002/internal/dag"
	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/obsolete"
	"github.com/facebook/sapling-sub002/internal/phases"
)

// NewChangegroupPart bundles the outgoing set as a mandatory
// changegroup part. The nbchanges parameter lets the receiver report
// progress without decoding ahead.
func NewChangegroupPart(src changegroup.Source, outgoing *dag.Outgoing, version string) (*Part, error) {
	var buf bytes.Buffer
	if err := changegroup.MakeStream(&buf, src, outgoing, version); err != nil {
		return nil, err
	}
	return &Part{
		Type:      PartChangegroup,
		Mandatory: true,
		MandatoryParams: []Param{
			{Key: "version", Value: version},
		},
		AdvisoryParams: []Param{
			{Key: "nbchanges", Value: strconv.Itoa(len(outgoing.Missing))},
		},
		Payload: buf.Bytes(),
	}, nil
}

// PhaseHead is one record of a phase-heads part.
type PhaseHead struct {
	Phase phases.Phase
	Node  node.Node
}

// NewPhaseHeadsPart encodes phase boundaries as repeated
// [4-byte phase][20-byte node] records.
func NewPhaseHeadsPart(heads []PhaseHead, mandatory bool) *Part {
	var buf bytes.Buffer
	for _, h := range heads {
		var phase [4]byte
		binary.BigEndian.PutUint32(phase[:], uint32(h.Phase))
		buf.Write(phase[:])
		buf.Write(h.Node[:])
	}
	return &Part{
		Type:      PartPhaseHeads,
		Mandatory: mandatory,
		Payload:   buf.Bytes(),
	}
}

// DecodePhaseHeads parses a phase-heads payload.
func DecodePhaseHeads(payload []byte) ([]PhaseHead, error) {
	const recordSize = 4 + node.Size
	if len(payload)%recordSize != 0 {
		return nil, &AbortFromPartError{Message: "corrupt phase-heads part"}
	}
	var out []PhaseHead
	for len(payload) > 0 {
		h := PhaseHead{
			Phase: phases.Phase(binary.BigEndian.Uint32(payload[:4])),
		}
		copy(h.Node[:], payload[4:recordSize])
		out = append(out, h)
		payload = payload[recordSize:]
	}
	return out, nil
}

// NewBookmarksPart encodes bookmark movements to apply on the receiver.
func NewBookmarksPart(entries []bookmarks.Entry) (*Part, error) {
	payload, err := bookmarks.EncodeEntries(entries)
	if err != nil {
		return nil, err
	}
	return &Part{Type: PartBookmarks, Mandatory: true, Payload: payload}, nil
}

// NewCheckBookmarksPart encodes the CAS precondition: the receiver
// applies a bookmarks entry only while the name still sits at the given
// node (null = absent), refusing moved names individually.
func NewCheckBookmarksPart(expected []bookmarks.Entry) (*Part, error) {
	payload, err := bookmarks.EncodeEntries(expected)
	if err != nil {
		return nil, err
	}
	return &Part{Type: PartCheckBookmarks, Mandatory: true, Payload: payload}, nil
}

// NewCheckHeadsPart encodes the optimistic-concurrency precondition on
// the receiver's heads: concatenated 20-byte nodes.
func NewCheckHeadsPart(heads []node.Node) *Part {
	var buf bytes.Buffer
	for _, n := range heads {
		buf.Write(n[:])
	}
	return &Part{Type: PartCheckHeads, Mandatory: true, Payload: buf.Bytes()}
}

// DecodeNodeList splits a payload of concatenated nodes.
func DecodeNodeList(payload []byte) ([]node.Node, error) {
	if len(payload)%node.Size != 0 {
		return nil, &AbortFromPartError{Message: "corrupt node list part"}
	}
	var out []node.Node
	for len(payload) > 0 {
		var n node.Node
		copy(n[:], payload[:node.Size])
		out = append(out, n)
		payload = payload[node.Size:]
	}
	return out, nil
}

// NewObsmarkersPart bundles obsolescence markers.
func NewObsmarkersPart(markers []*obsolete.Marker, mandatory bool) (*Part, error) {
	payload, err := obsolete.EncodeAll(markers)
	if err != nil {
		return nil, err
	}
	return &Part{Type: PartObsmarkers, Mandatory: mandatory, Payload: payload}, nil
}

// NewPushvarsPart carries free-form KEY=VALUE server hook inputs as
// advisory parameters.
func NewPushvarsPart(vars map[string]string) *Part {
	keys := maps.Keys(vars)
	slices.Sort(keys)
	p := &Part{Type: PartPushvars}
	for _, k := range keys {
		p.AdvisoryParams = append(p.AdvisoryParams, Param{Key: k, Value: vars[k]})
	}
	return p
}

// NewReplycapsPart announces that the sender wants a reply bundle.
func NewReplycapsPart() *Part {
	return &Part{Type: PartReplycaps, Payload: []byte("replies\n")}
}

// NewListkeysPart encodes a pushkey namespace listing as
// tab-separated lines.
func NewListkeysPart(namespace string, keys map[string]string) *Part {
	names := maps.Keys(keys)
	slices.Sort(names)
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteString("\t")
		b.WriteString(keys[name])
		b.WriteString("\n")
	}
	return &Part{
		Type:            PartListkeys,
		MandatoryParams: []Param{{Key: "namespace", Value: namespace}},
		Payload:         []byte(b.String()),
	}
}

// DecodeListkeys parses a listkeys payload.
func DecodeListkeys(payload []byte) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(string(payload), "\n") {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "\t")
		if ok {
			out[k] = v
		}
	}
	return out
}

// NewOutputPart relays server-side output back to the client.
func NewOutputPart(text string) *Part {
	return &Part{Type: PartOutput, Payload: []byte(text)}
}

// NewErrorAbortPart carries a fatal server-side error with an optional
// hint.
func NewErrorAbortPart(message, hint string) *Part {
	p := &Part{
		Type:            PartErrorAbort,
		Mandatory:       true,
		MandatoryParams: []Param{{Key: "message", Value: message}},
	}
	if hint != "" {
		p.AdvisoryParams = append(p.AdvisoryParams, Param{Key: "hint", Value: hint})
	}
	return p
}
