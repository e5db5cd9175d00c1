package wire

import (
	"compress/bzip2"
	"compress/gzip"
	"io"

	"emperror.dev/errors"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Compression engine tags as they appear on the wire and in bundlespec
// strings.
const (
	CompNone  = "UN"
	CompGzip  = "GZ"
	CompZstd  = "ZS"
	CompBzip2 = "BZ"
)

var (
	// ErrUnknownCompression: the tag is not one this engine has ever
	// heard of (an invalid spec).
	ErrUnknownCompression = errors.Sentinel("unknown compression engine")
	// ErrUnsupportedCompression: the tag is recognized but this engine
	// cannot produce it (e.g. bzip2 is decompress-only here).
	ErrUnsupportedCompression = errors.Sentinel("unsupported compression engine")
)

// Engine is one compression codec. Decompress is always available for a
// registered engine; Compress may be nil for read-only support.
type engine struct {
	compress   func(io.Writer) (io.WriteCloser, error)
	decompress func(io.Reader) (io.Reader, error)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

var engines = map[string]engine{
	CompNone: {
		compress: func(w io.Writer) (io.WriteCloser, error) {
			return nopWriteCloser{w}, nil
		},
		decompress: func(r io.Reader) (io.Reader, error) {
			return r, nil
		},
	},
	CompGzip: {
		compress: func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriter(w), nil
		},
		decompress: func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		},
	},
	CompZstd: {
		compress: func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w)
		},
		decompress: func(r io.Reader) (io.Reader, error) {
			dec, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return dec.IOReadCloser(), nil
		},
	},
	CompBzip2: {
		// Writing bzip2 is deliberately not implemented; existing
		// bundles remain readable.
		compress: nil,
		decompress: func(r io.Reader) (io.Reader, error) {
			return bzip2.NewReader(r), nil
		},
	},
}

// KnownCompressions lists every recognized tag, sorted.
func KnownCompressions() []string {
	out := maps.Keys(engines)
	slices.Sort(out)
	return out
}

// SupportedCompressions lists the tags this engine can both read and
// write.
func SupportedCompressions() []string {
	var out []string
	for tag, e := range engines {
		if e.compress != nil {
			out = append(out, tag)
		}
	}
	slices.Sort(out)
	return out
}

// CompressionKnown reports whether a tag is recognized at all.
func CompressionKnown(tag string) bool {
	_, ok := engines[tag]
	return ok
}

// Compressor wraps w with the named engine. The returned WriteCloser
// must be closed to flush; closing it does not close w.
func Compressor(tag string, w io.Writer) (io.WriteCloser, error) {
	e, ok := engines[tag]
	if !ok {
		return nil, errors.WithDetails(ErrUnknownCompression, "engine", tag)
	}
	if e.compress == nil {
		return nil, errors.WithDetails(ErrUnsupportedCompression, "engine", tag)
	}
	return e.compress(w)
}

// Decompressor wraps r with the named engine.
func Decompressor(tag string, r io.Reader) (io.Reader, error) {
	e, ok := engines[tag]
	if !ok {
		return nil, errors.WithDetails(ErrUnknownCompression, "engine", tag)
	}
	return e.decompress(r)
}
