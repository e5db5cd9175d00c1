package peer

import (
	"bufio"
	"context"
	"io"
	"strings"

	"emperror.dev/errors"

	"github.com/facebook/sapling-sub002/internal/bundle2"
	"github.com/facebook/sapling-sub002/internal/node"
)

// connPeer speaks the command protocol over a byte stream pair. SSHPeer
// wraps it around a child process; tests wrap it around pipes.
type connPeer struct {
	url     string
	w       io.Writer
	r       *bufio.Reader
	closeFn func() error
}

var _ Peer = (*connPeer)(nil)

// NewConnPeer builds a peer over an established stream pair. closeFn
// tears the transport down.
func NewConnPeer(url string, w io.Writer, r io.Reader, closeFn func() error) Peer {
	return &connPeer{url: url, w: w, r: bufio.NewReader(r), closeFn: closeFn}
}

func (c *connPeer) URL() string { return c.url }

func (c *connPeer) Close() error {
	if c.closeFn != nil {
		return c.closeFn()
	}
	return nil
}

// call issues a command expecting a plain payload response.
func (c *connPeer) call(ctx context.Context, command string, args map[string][]byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := writeRequest(c.w, command, args); err != nil {
		return nil, errors.WrapIff(err, "failed to send %q", command)
	}
	payload, stream, err := readResponse(c.r, command)
	if err != nil {
		return nil, err
	}
	if stream != nil {
		_ = stream.drain()
		return nil, errors.Errorf("unexpected streamed response to %q", command)
	}
	return payload, nil
}

// callStream issues a command expecting a chunked response.
func (c *connPeer) callStream(ctx context.Context, command string, args map[string][]byte, body io.Reader) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := writeRequest(c.w, command, args); err != nil {
		return nil, errors.WrapIff(err, "failed to send %q", command)
	}
	if body != nil {
		cw := &chunkWriter{w: c.w}
		if _, err := io.Copy(cw, body); err != nil {
			return nil, err
		}
		if err := cw.Close(); err != nil {
			return nil, err
		}
	}
	payload, stream, err := readResponse(c.r, command)
	if err != nil {
		return nil, err
	}
	if stream == nil {
		return nil, errors.Errorf("expected streamed response to %q, got %d bytes", command, len(payload))
	}
	return &drainingReader{stream: stream}, nil
}

// drainingReader consumes the rest of the chunked stream at Close so
// the connection stays usable for the next command.
type drainingReader struct {
	stream *chunkReader
}

func (d *drainingReader) Read(p []byte) (int, error) { return d.stream.Read(p) }
func (d *drainingReader) Close() error               { return d.stream.drain() }

func (c *connPeer) Capabilities(ctx context.Context) (Caps, error) {
	payload, err := c.call(ctx, "capabilities", nil)
	if err != nil {
		return nil, err
	}
	return ParseCaps(string(payload)), nil
}

func (c *connPeer) Heads(ctx context.Context) ([]node.Node, error) {
	payload, err := c.call(ctx, "heads", nil)
	if err != nil {
		return nil, err
	}
	return decodeNodes(payload)
}

func (c *connPeer) Known(ctx context.Context, nodes []node.Node) ([]bool, error) {
	payload, err := c.call(ctx, "known", map[string][]byte{"nodes": encodeNodes(nodes)})
	if err != nil {
		return nil, err
	}
	if len(payload) != len(nodes) {
		return nil, errors.Errorf("known answered %d bits for %d nodes", len(payload), len(nodes))
	}
	return decodeBools(payload), nil
}

func (c *connPeer) Listkeys(ctx context.Context, namespace string) (map[string]string, error) {
	payload, err := c.call(ctx, "listkeys", map[string][]byte{"namespace": []byte(namespace)})
	if err != nil {
		return nil, err
	}
	return decodeKeyValues(payload), nil
}

func (c *connPeer) Lookup(ctx context.Context, key string) (node.Node, error) {
	payload, err := c.call(ctx, "lookup", map[string][]byte{"key": []byte(key)})
	if err != nil {
		return node.NullID, err
	}
	return node.FromHex(string(payload))
}

func (c *connPeer) Pushkey(ctx context.Context, namespace, key, old, new string) (bool, error) {
	payload, err := c.call(ctx, "pushkey", map[string][]byte{
		"namespace": []byte(namespace),
		"key":       []byte(key),
		"old":       []byte(old),
		"new":       []byte(new),
	})
	if err != nil {
		return false, err
	}
	return string(payload) == "1", nil
}

func (c *connPeer) CloneBundlesManifest(ctx context.Context) (string, error) {
	payload, err := c.call(ctx, "clonebundles", nil)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func (c *connPeer) Getbundle(ctx context.Context, opts GetbundleOpts) (io.ReadCloser, error) {
	return c.callStream(ctx, "getbundle", map[string][]byte{
		"heads":     encodeNodes(opts.Heads),
		"common":    encodeNodes(opts.Common),
		"cgversion": []byte(opts.CGVersion),
	}, nil)
}

func (c *connPeer) Unbundle(ctx context.Context, expectedHeads []node.Node, bundle io.Reader) (io.ReadCloser, error) {
	args := map[string][]byte{}
	if expectedHeads == nil {
		args["force"] = []byte("1")
	} else {
		args["heads"] = encodeNodes(expectedHeads)
	}
	stream, err := c.callStream(ctx, "unbundle", args, bundle)
	if err != nil {
		return nil, raceFromRemote(err)
	}
	return stream, nil
}

// raceFromRemote restores the typed race error a server flattened into
// a message, so callers can branch on it across transports.
func raceFromRemote(err error) error {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		if reason, ok := strings.CutPrefix(remoteErr.Message, "push raced: "); ok {
			return &bundle2.PushRacedError{Reason: reason}
		}
	}
	return err
}
