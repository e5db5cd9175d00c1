package bundle2

import (
	"bufio"
	"io"
	"os"

	"emperror.dev/errors"

	"github.com/facebook/sapling-sub002/internal/changegroup"
	"github.com/facebook/sapling-sub002/internal/dag"
	"github.com/facebook/sapling-sub002/internal/wire"
)

// WriteBundleFile writes the outgoing set to path as a standalone
// bundle in the container the BundleSpec selects. Legacy (HG10) bundles hold
// a bare changegroup after a 2-byte compression tag; bundle2 files get
// a changegroup part plus a phase-heads part when phaseHeads is
// non-empty.
func WriteBundleFile(
	path string,
	src changegroup.Source,
	outgoing *dag.Outgoing,
	spec *BundleSpec,
	phaseHeads []PhaseHead,
) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.WrapIff(err, "cannot create bundle file %q", path)
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()
	w := bufio.NewWriter(f)
	if spec.Legacy {
		if err := writeLegacyBundle(w, src, outgoing, spec); err != nil {
			return err
		}
		return w.Flush()
	}
	bw, err := NewWriter(w, spec.Compression)
	if err != nil {
		return err
	}
	cg, err := NewChangegroupPart(src, outgoing, spec.CGVersion)
	if err != nil {
		return err
	}
	if err := bw.AddPart(cg); err != nil {
		return err
	}
	if len(phaseHeads) > 0 {
		if err := bw.AddPart(NewPhaseHeadsPart(phaseHeads, false)); err != nil {
			return err
		}
	}
	if err := bw.Close(); err != nil {
		return err
	}
	return w.Flush()
}

func writeLegacyBundle(w io.Writer, src changegroup.Source, outgoing *dag.Outgoing, spec *BundleSpec) error {
	if _, err := io.WriteString(w, LegacyMagic); err != nil {
		return err
	}
	if _, err := io.WriteString(w, spec.Compression); err != nil {
		return err
	}
	cw, err := wire.Compressor(spec.Compression, w)
	if err != nil {
		return err
	}
	if err := changegroup.MakeStream(cw, src, outgoing, changegroup.Version01); err != nil {
		return err
	}
	return cw.Close()
}

// BundleFile is an open on-disk bundle ready for application.
type BundleFile struct {
	f *os.File

	// Legacy is true for HG10 containers; Stream then yields the raw
	// changegroup instead of bundle2 parts.
	Legacy bool
	// Compression is the legacy container's tag; bundle2 carries its
	// own in the stream params.
	Compression string

	stream io.Reader
}

// OpenBundleFile sniffs the container magic and prepares the payload
// stream. The caller must Close it.
func OpenBundleFile(path string) (*BundleFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapIff(err, "cannot open bundle file %q", path)
	}
	r := bufio.NewReader(f)
	magic, err := r.Peek(len(Magic))
	if err != nil {
		f.Close()
		return nil, ErrNotABundle
	}
	switch string(magic) {
	case Magic:
		return &BundleFile{f: f, stream: r}, nil
	case LegacyMagic:
		if _, err := r.Discard(len(LegacyMagic)); err != nil {
			f.Close()
			return nil, err
		}
		var tag [2]byte
		if _, err := io.ReadFull(r, tag[:]); err != nil {
			f.Close()
			return nil, ErrNotABundle
		}
		dr, err := wire.Decompressor(string(tag[:]), r)
		if err != nil {
			f.Close()
			return nil, err
		}
		return &BundleFile{
			f:           f,
			Legacy:      true,
			Compression: string(tag[:]),
			stream:      dr,
		}, nil
	default:
		f.Close()
		return nil, ErrNotABundle
	}
}

// Stream returns the payload: a full bundle2 stream (magic included)
// for HG20 files, or a decompressed bare changegroup for HG10 files.
func (b *BundleFile) Stream() io.Reader {
	return b.stream
}

func (b *BundleFile) Close() error {
	return b.f.Close()
}
