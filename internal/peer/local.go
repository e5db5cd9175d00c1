package peer

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/repo"
)

// LocalPeer serves another repository on the same filesystem without
// going through a transport.
type LocalPeer struct {
	repo *repo.Repo
	url  string

	// borrowed peers wrap a repository the caller owns and closes.
	borrowed bool
}

var _ Peer = (*LocalPeer)(nil)

// OpenLocal opens the repository at path as a peer.
func OpenLocal(path string) (*LocalPeer, error) {
	r, err := repo.Open(path)
	if err != nil {
		return nil, err
	}
	return &LocalPeer{repo: r, url: path}, nil
}

// NewLocalPeer wraps an already open repository; Close does not close
// the underlying repository in that case.
func NewLocalPeer(r *repo.Repo) *LocalPeer {
	return &LocalPeer{repo: r, url: r.Dir(), borrowed: true}
}

func (p *LocalPeer) URL() string { return p.url }

func (p *LocalPeer) Capabilities(context.Context) (Caps, error) {
	return RepoCaps(p.repo), nil
}

func (p *LocalPeer) Heads(context.Context) ([]node.Node, error) {
	heads, err := p.repo.Heads()
	if err != nil {
		return nil, err
	}
	return heads.Sorted(), nil
}

func (p *LocalPeer) Known(_ context.Context, nodes []node.Node) ([]bool, error) {
	out := make([]bool, len(nodes))
	for i, n := range nodes {
		ok, err := p.repo.Store().HasNode(n)
		if err != nil {
			return nil, err
		}
		out[i] = ok
	}
	return out, nil
}

func (p *LocalPeer) Listkeys(_ context.Context, namespace string) (map[string]string, error) {
	switch namespace {
	case "bookmarks":
		return bookmarkStrings(p.repo), nil
	case "phases":
		return phaseStrings(p.repo), nil
	default:
		return map[string]string{}, nil
	}
}

func (p *LocalPeer) Lookup(_ context.Context, key string) (node.Node, error) {
	return LookupKey(p.repo, key)
}

func (p *LocalPeer) Pushkey(_ context.Context, namespace, key, old, new string) (bool, error) {
	s := &Server{repo: p.repo, log: p.repo.Log()}
	return s.pushkey(map[string][]byte{
		"namespace": []byte(namespace),
		"key":       []byte(key),
		"old":       []byte(old),
		"new":       []byte(new),
	})
}

func (p *LocalPeer) CloneBundlesManifest(context.Context) (string, error) {
	data, err := os.ReadFile(filepath.Join(p.repo.StoreDir(), CloneBundlesManifest))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

func (p *LocalPeer) Getbundle(_ context.Context, opts GetbundleOpts) (io.ReadCloser, error) {
	bundle, err := BuildBundle(p.repo, opts, "")
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(bundle)), nil
}

func (p *LocalPeer) Unbundle(_ context.Context, expectedHeads []node.Node, bundle io.Reader) (io.ReadCloser, error) {
	_, reply, err := ApplyIncoming(p.repo, bundle, expectedHeads, "push")
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(reply)), nil
}

func (p *LocalPeer) Close() error {
	if p.borrowed {
		return nil
	}
	return p.repo.Close()
}
