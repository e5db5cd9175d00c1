// Package peer abstracts the remote side of an exchange. A Peer speaks
// the command protocol (capabilities, heads, known, getbundle, unbundle,
// pushkey) regardless of transport: in-process against a local
// directory, over an ssh child process, or over HTTP.
package peer

import (
	"context"
	"io"
	"strings"

	"emperror.dev/errors"
	giturls "github.com/chainguard-dev/git-urls"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/facebook/sapling-sub002/internal/node"
)

func sortedCapNames(c Caps) []string {
	names := maps.Keys(c)
	slices.Sort(names)
	return names
}

// ErrUnsupportedScheme is returned by Open for URLs no transport
// handles.
var ErrUnsupportedScheme = errors.Sentinel("unsupported peer URL scheme")

// GetbundleOpts selects what a getbundle request returns.
type GetbundleOpts struct {
	// Heads the client wants; empty means all remote heads.
	Heads []node.Node
	// Common heads the client already has; the bundle excludes their
	// ancestors.
	Common []node.Node
	// CGVersion is the changegroup version to encode ("01", "02", "03").
	CGVersion string
}

// Peer is a connection to a remote repository. Implementations are not
// safe for concurrent use; exchanges issue one command at a time.
type Peer interface {
	// URL identifies the remote for messages and logging.
	URL() string

	Capabilities(ctx context.Context) (Caps, error)
	Heads(ctx context.Context) ([]node.Node, error)
	// Known reports, per queried node, whether the remote has it.
	Known(ctx context.Context, nodes []node.Node) ([]bool, error)
	// Listkeys returns a pushkey namespace ("bookmarks", "phases").
	Listkeys(ctx context.Context, namespace string) (map[string]string, error)
	// Lookup resolves a bookmark name or hex prefix to a node.
	Lookup(ctx context.Context, key string) (node.Node, error)
	// Pushkey atomically updates one key; false means the precondition
	// failed.
	Pushkey(ctx context.Context, namespace, key, old, new string) (bool, error)
	// Getbundle streams a bundle2 of everything reachable from Heads
	// and not from Common. The caller must Close the stream.
	Getbundle(ctx context.Context, opts GetbundleOpts) (io.ReadCloser, error)
	// Unbundle sends a bundle2 for application. expectedHeads is the
	// optimistic-lock precondition; nil means force. The reply bundle
	// stream is returned.
	Unbundle(ctx context.Context, expectedHeads []node.Node, bundle io.Reader) (io.ReadCloser, error)

	Close() error
}

// ManifestFetcher is the optional peer capability behind the
// clone-bundles fast path; callers type-assert for it after checking
// the "clonebundles" capability.
type ManifestFetcher interface {
	// CloneBundlesManifest returns the raw advertised manifest text;
	// empty when the remote has none.
	CloneBundlesManifest(ctx context.Context) (string, error)
}

// Caps is a parsed capability advertisement.
type Caps map[string]string

// Has reports whether the capability token is present.
func (c Caps) Has(name string) bool {
	_, ok := c[name]
	return ok
}

// Values returns the comma separated values of a capability, e.g.
// changegroup=01,02,03.
func (c Caps) Values(name string) []string {
	v, ok := c[name]
	if !ok || v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// ParseCaps parses a space separated capability string.
func ParseCaps(s string) Caps {
	out := Caps{}
	for _, tok := range strings.Fields(s) {
		name, value, _ := strings.Cut(tok, "=")
		out[name] = value
	}
	return out
}

// String renders the capability set in wire form, sorted.
func (c Caps) String() string {
	var toks []string
	for _, name := range sortedCapNames(c) {
		if v := c[name]; v != "" {
			toks = append(toks, name+"="+v)
		} else {
			toks = append(toks, name)
		}
	}
	return strings.Join(toks, " ")
}

// Open connects to the repository at url. Supported schemes: a plain
// path or file:// (in-process), ssh://, and http:// / https://.
func Open(ctx context.Context, url string) (Peer, error) {
	if !strings.Contains(url, "://") && !strings.Contains(url, "@") {
		return OpenLocal(url)
	}
	u, err := giturls.Parse(url)
	if err != nil {
		return nil, errors.WrapIff(err, "cannot parse remote URL %q", url)
	}
	switch u.Scheme {
	case "file":
		return OpenLocal(u.Path)
	case "ssh":
		return OpenSSH(ctx, url)
	case "http", "https":
		return OpenHTTP(url)
	default:
		return nil, errors.WithDetails(ErrUnsupportedScheme, "scheme", u.Scheme)
	}
}
