package bundle2

import (
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/facebook/sapling-sub002/internal/changegroup"
	"github.com/facebook/sapling-sub002/internal/wire"
)

func sortedKeys(m map[string]string) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// BundleSpec is a parsed "<compression>-<version>[;key=value...]"
// bundle specification, e.g. "zstd-v2" or "gzip-v1;obsolescence=true".
type BundleSpec struct {
	// Compression is the two-letter wire tag (UN, GZ, ZS, BZ).
	Compression string
	// CGVersion is the changegroup version the container carries.
	CGVersion string
	// Legacy selects the HG10 container instead of bundle2.
	Legacy bool
	// Params holds the trailing key=value options verbatim.
	Params map[string]string
}

var specCompressions = map[string]string{
	"none":         wire.CompNone,
	"gzip":         wire.CompGzip,
	"zstd":         wire.CompZstd,
	"bzip2":        wire.CompBzip2,
	wire.CompNone:  wire.CompNone,
	wire.CompGzip:  wire.CompGzip,
	wire.CompZstd:  wire.CompZstd,
	wire.CompBzip2: wire.CompBzip2,
}

var specVersions = map[string]struct {
	cgVersion string
	legacy    bool
}{
	"v1": {changegroup.Version01, true},
	"v2": {changegroup.Version02, false},
	"v3": {changegroup.Version03, false},
}

// ParseBundleSpec parses a bundle specification string.
func ParseBundleSpec(spec string) (*BundleSpec, error) {
	base, paramPart, hasParams := strings.Cut(spec, ";")
	comp, version, ok := strings.Cut(base, "-")
	if !ok || comp == "" || version == "" {
		return nil, &InvalidBundleSpecError{
			Spec:   spec,
			Reason: "expected <compression>-<version>",
		}
	}
	tag, ok := specCompressions[comp]
	if !ok {
		return nil, &UnsupportedBundleSpecError{
			Spec:   spec,
			Reason: "unknown compression engine " + comp,
		}
	}
	v, ok := specVersions[version]
	if !ok {
		return nil, &UnsupportedBundleSpecError{
			Spec:   spec,
			Reason: "unknown bundle version " + version,
		}
	}
	out := &BundleSpec{
		Compression: tag,
		CGVersion:   v.cgVersion,
		Legacy:      v.legacy,
	}
	if hasParams {
		out.Params = map[string]string{}
		for _, kv := range strings.Split(paramPart, ";") {
			if kv == "" {
				continue
			}
			k, val, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return nil, &InvalidBundleSpecError{
					Spec:   spec,
					Reason: "malformed parameter " + kv,
				}
			}
			out.Params[k] = val
		}
	}
	return out, nil
}

// String renders the spec in canonical form.
func (s *BundleSpec) String() string {
	comp := "none"
	for name, tag := range specCompressions {
		if tag == s.Compression && len(name) > 2 {
			comp = name
			break
		}
	}
	version := "v2"
	for name, v := range specVersions {
		if v.cgVersion == s.CGVersion && v.legacy == s.Legacy {
			version = name
			break
		}
	}
	var b strings.Builder
	b.WriteString(comp)
	b.WriteString("-")
	b.WriteString(version)
	for _, k := range sortedKeys(s.Params) {
		b.WriteString(";")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(s.Params[k])
	}
	return b.String()
}
