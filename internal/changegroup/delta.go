package changegroup

import (
	"encoding/binary"

	"emperror.dev/errors"
)

// Delta format: a sequence of patches [start(4)][end(4)][newlen(4)][data],
// each replacing base[start:end] with data. A full text is the single
// patch (0, len(base), len(text)).

func fulltextDelta(text []byte) []byte {
	out := make([]byte, 12+len(text))
	binary.BigEndian.PutUint32(out[8:12], uint32(len(text)))
	copy(out[12:], text)
	return out
}

func applyDelta(base, delta []byte) ([]byte, error) {
	var out []byte
	pos := 0
	for len(delta) > 0 {
		if len(delta) < 12 {
			return nil, errors.New("truncated delta patch header")
		}
		start := int(binary.BigEndian.Uint32(delta[0:4]))
		end := int(binary.BigEndian.Uint32(delta[4:8]))
		dataLen := int(binary.BigEndian.Uint32(delta[8:12]))
		delta = delta[12:]
		if len(delta) < dataLen {
			return nil, errors.New("truncated delta patch data")
		}
		if start > end || end > len(base) || start < pos {
			return nil, errors.New("delta patch out of bounds")
		}
		out = append(out, base[pos:start]...)
		out = append(out, delta[:dataLen]...)
		pos = end
		delta = delta[dataLen:]
	}
	out = append(out, base[pos:]...)
	return out, nil
}
