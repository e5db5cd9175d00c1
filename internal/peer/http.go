package peer

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"emperror.dev/errors"

	"github.com/facebook/sapling-sub002/internal/node"
)

// HTTP transport: one POST per command against "?cmd=<name>". The
// request body carries the framed arguments (and chunked bundle for
// unbundle); the response body carries the framed response.

// HTTPPeer speaks the command protocol over HTTP.
type HTTPPeer struct {
	url    string
	client *http.Client
}

var _ Peer = (*HTTPPeer)(nil)

// OpenHTTP builds a peer for an http(s) repository URL.
func OpenHTTP(url string) (*HTTPPeer, error) {
	return &HTTPPeer{url: strings.TrimSuffix(url, "/"), client: http.DefaultClient}, nil
}

// NewHTTPPeer uses a caller supplied client (tests inject an
// httptest server's).
func NewHTTPPeer(url string, client *http.Client) *HTTPPeer {
	return &HTTPPeer{url: strings.TrimSuffix(url, "/"), client: client}
}

func (p *HTTPPeer) URL() string { return p.url }

func (p *HTTPPeer) Close() error { return nil }

// roundtrip sends one command and hands back the framed response
// reader. The caller consumes it fully before the body is closed by
// the wrapper.
func (p *HTTPPeer) roundtrip(ctx context.Context, command string, args map[string][]byte, body io.Reader) (payload []byte, stream io.ReadCloser, err error) {
	var reqBody bytes.Buffer
	if err := writeRequest(&reqBody, command, args); err != nil {
		return nil, nil, err
	}
	if body != nil {
		cw := &chunkWriter{w: &reqBody}
		if _, err := io.Copy(cw, body); err != nil {
			return nil, nil, err
		}
		if err := cw.Close(); err != nil {
			return nil, nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/?cmd="+command, &reqBody)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, nil, errors.WrapIff(err, "command %q failed", command)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, nil, errors.Errorf("command %q returned HTTP %d", command, resp.StatusCode)
	}
	br := bufio.NewReader(resp.Body)
	respPayload, respStream, err := readResponse(br, command)
	if err != nil {
		resp.Body.Close()
		return nil, nil, err
	}
	if respStream != nil {
		return nil, &httpStream{stream: respStream, body: resp.Body}, nil
	}
	resp.Body.Close()
	return respPayload, nil, nil
}

type httpStream struct {
	stream *chunkReader
	body   io.Closer
}

func (h *httpStream) Read(p []byte) (int, error) { return h.stream.Read(p) }

func (h *httpStream) Close() error {
	_ = h.stream.drain()
	return h.body.Close()
}

func (p *HTTPPeer) call(ctx context.Context, command string, args map[string][]byte) ([]byte, error) {
	payload, stream, err := p.roundtrip(ctx, command, args, nil)
	if err != nil {
		return nil, err
	}
	if stream != nil {
		stream.Close()
		return nil, errors.Errorf("unexpected streamed response to %q", command)
	}
	return payload, nil
}

func (p *HTTPPeer) Capabilities(ctx context.Context) (Caps, error) {
	payload, err := p.call(ctx, "capabilities", nil)
	if err != nil {
		return nil, err
	}
	return ParseCaps(string(payload)), nil
}

func (p *HTTPPeer) Heads(ctx context.Context) ([]node.Node, error) {
	payload, err := p.call(ctx, "heads", nil)
	if err != nil {
		return nil, err
	}
	return decodeNodes(payload)
}

func (p *HTTPPeer) Known(ctx context.Context, nodes []node.Node) ([]bool, error) {
	payload, err := p.call(ctx, "known", map[string][]byte{"nodes": encodeNodes(nodes)})
	if err != nil {
		return nil, err
	}
	if len(payload) != len(nodes) {
		return nil, errors.Errorf("known answered %d bits for %d nodes", len(payload), len(nodes))
	}
	return decodeBools(payload), nil
}

func (p *HTTPPeer) Listkeys(ctx context.Context, namespace string) (map[string]string, error) {
	payload, err := p.call(ctx, "listkeys", map[string][]byte{"namespace": []byte(namespace)})
	if err != nil {
		return nil, err
	}
	return decodeKeyValues(payload), nil
}

func (p *HTTPPeer) Lookup(ctx context.Context, key string) (node.Node, error) {
	payload, err := p.call(ctx, "lookup", map[string][]byte{"key": []byte(key)})
	if err != nil {
		return node.NullID, err
	}
	return node.FromHex(string(payload))
}

func (p *HTTPPeer) Pushkey(ctx context.Context, namespace, key, old, new string) (bool, error) {
	payload, err := p.call(ctx, "pushkey", map[string][]byte{
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

func (p *HTTPPeer) CloneBundlesManifest(ctx context.Context) (string, error) {
	payload, err := p.call(ctx, "clonebundles", nil)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func (p *HTTPPeer) Getbundle(ctx context.Context, opts GetbundleOpts) (io.ReadCloser, error) {
	_, stream, err := p.roundtrip(ctx, "getbundle", map[string][]byte{
		"heads":     encodeNodes(opts.Heads),
		"common":    encodeNodes(opts.Common),
		"cgversion": []byte(opts.CGVersion),
	}, nil)
	if err != nil {
		return nil, err
	}
	if stream == nil {
		return nil, errors.New("getbundle returned no stream")
	}
	return stream, nil
}

func (p *HTTPPeer) Unbundle(ctx context.Context, expectedHeads []node.Node, bundle io.Reader) (io.ReadCloser, error) {
	args := map[string][]byte{}
	if expectedHeads == nil {
		args["force"] = []byte("1")
	} else {
		args["heads"] = encodeNodes(expectedHeads)
	}
	_, stream, err := p.roundtrip(ctx, "unbundle", args, bundle)
	if err != nil {
		return nil, raceFromRemote(err)
	}
	if stream == nil {
		return nil, errors.New("unbundle returned no stream")
	}
	return stream, nil
}

// HTTPHandler serves the command protocol for one repository; mount it
// at the repository root.
func HTTPHandler(s *Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		br := bufio.NewReader(req.Body)
		command, args, err := readRequest(br)
		if err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}
		if command != req.URL.Query().Get("cmd") {
			http.Error(w, "command mismatch", http.StatusBadRequest)
			return
		}
		if err := s.ServeCommand(req.Context(), command, args, br, w); err != nil {
			// The response may be half written; nothing more to do.
			return
		}
	})
}
