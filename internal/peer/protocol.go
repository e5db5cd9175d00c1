package peer

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"emperror.dev/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/wire"
)

// Command protocol framing, identical over ssh stdio and an HTTP
// request/response body pair.
//
// Request:
//   <command>\n
//   <nargs>\n
//   nargs times: <key> <len>\n followed by len raw bytes
//   commands with a body (unbundle) append chunk frames ending with a
//   zero-length chunk
//
// Response, one of:
//   ok <len>\n        followed by len raw bytes
//   error <len>\n     followed by len raw bytes of message
//   stream\n          followed by chunk frames ending with a
//                     zero-length chunk

// RemoteError is a failure reported by the other side of the protocol.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote: %s (command %q)", e.Message, e.Command)
}

const maxArgLen = 16 * 1024 * 1024

func writeRequest(w io.Writer, command string, args map[string][]byte) error {
	if _, err := fmt.Fprintf(w, "%s\n%d\n", command, len(args)); err != nil {
		return err
	}
	for _, key := range sortedArgKeys(args) {
		v := args[key]
		if _, err := fmt.Fprintf(w, "%s %d\n", key, len(v)); err != nil {
			return err
		}
		if _, err := w.Write(v); err != nil {
			return err
		}
	}
	return nil
}

// Deterministic request bytes make the protocol testable.
func sortedArgKeys(args map[string][]byte) []string {
	keys := maps.Keys(args)
	slices.Sort(keys)
	return keys
}

func readRequest(r *bufio.Reader) (command string, args map[string][]byte, err error) {
	command, err = readLine(r)
	if err != nil {
		return "", nil, err
	}
	countLine, err := readLine(r)
	if err != nil {
		return "", nil, err
	}
	count, err := strconv.Atoi(countLine)
	if err != nil || count < 0 {
		return "", nil, errors.Errorf("malformed argument count %q", countLine)
	}
	args = make(map[string][]byte, count)
	for i := 0; i < count; i++ {
		header, err := readLine(r)
		if err != nil {
			return "", nil, err
		}
		key, lenStr, ok := strings.Cut(header, " ")
		if !ok {
			return "", nil, errors.Errorf("malformed argument header %q", header)
		}
		n, err := strconv.Atoi(lenStr)
		if err != nil || n < 0 || n > maxArgLen {
			return "", nil, errors.Errorf("bad argument length %q", header)
		}
		value := make([]byte, n)
		if _, err := io.ReadFull(r, value); err != nil {
			return "", nil, err
		}
		args[key] = value
	}
	return command, args, nil
}

func writeOK(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "ok %d\n", len(payload)); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func writeError(w io.Writer, message string) error {
	if _, err := fmt.Fprintf(w, "error %d\n", len(message)); err != nil {
		return err
	}
	_, err := io.WriteString(w, message)
	return err
}

// writeStream announces a chunked response and returns a writer whose
// Close emits the terminator.
func writeStream(w io.Writer) (io.WriteCloser, error) {
	if _, err := io.WriteString(w, "stream\n"); err != nil {
		return nil, err
	}
	return &chunkWriter{w: w}, nil
}

type chunkWriter struct {
	w io.Writer
}

func (c *chunkWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > 32*1024 {
			n = 32 * 1024
		}
		if err := wire.WriteChunk(c.w, p[:n]); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

func (c *chunkWriter) Close() error {
	return wire.WriteTerminator(c.w)
}

// chunkReader yields the bytes of a chunked stream until the
// terminator.
type chunkReader struct {
	r   *bufio.Reader
	buf []byte
	eof bool
}

func (c *chunkReader) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		if c.eof {
			return 0, io.EOF
		}
		chunk, err := wire.ReadChunk(c.r)
		if err != nil {
			return 0, err
		}
		if len(chunk) == 0 {
			c.eof = true
			return 0, io.EOF
		}
		c.buf = chunk
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

// drain consumes the remainder of a chunked stream so the connection
// can carry the next command.
func (c *chunkReader) drain() error {
	_, err := io.Copy(io.Discard, c)
	return err
}

// readResponse reads a response header. For "ok" the payload is
// returned; for "stream" a reader over the chunked body; for "error" a
// RemoteError.
func readResponse(r *bufio.Reader, command string) (payload []byte, stream *chunkReader, err error) {
	header, err := readLine(r)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case header == "stream":
		return nil, &chunkReader{r: r}, nil
	case strings.HasPrefix(header, "ok "):
		n, err := strconv.Atoi(strings.TrimPrefix(header, "ok "))
		if err != nil || n < 0 || n > maxArgLen {
			return nil, nil, errors.Errorf("bad response length %q", header)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, nil, err
		}
		return payload, nil, nil
	case strings.HasPrefix(header, "error "):
		n, err := strconv.Atoi(strings.TrimPrefix(header, "error "))
		if err != nil || n < 0 || n > maxArgLen {
			return nil, nil, errors.Errorf("bad response length %q", header)
		}
		message := make([]byte, n)
		if _, err := io.ReadFull(r, message); err != nil {
			return nil, nil, err
		}
		return nil, nil, &RemoteError{Command: command, Message: string(message)}
	default:
		return nil, nil, errors.Errorf("malformed response header %q", header)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// Node list arguments are concatenated 20-byte values.

func encodeNodes(nodes []node.Node) []byte {
	out := make([]byte, 0, len(nodes)*node.Size)
	for _, n := range nodes {
		out = append(out, n[:]...)
	}
	return out
}

func decodeNodes(b []byte) ([]node.Node, error) {
	if len(b)%node.Size != 0 {
		return nil, errors.Errorf("node list length %d is not a multiple of %d", len(b), node.Size)
	}
	var out []node.Node
	for len(b) > 0 {
		var n node.Node
		copy(n[:], b[:node.Size])
		out = append(out, n)
		b = b[node.Size:]
	}
	return out, nil
}

func encodeBools(bits []bool) []byte {
	out := make([]byte, len(bits))
	for i, b := range bits {
		if b {
			out[i] = '1'
		} else {
			out[i] = '0'
		}
	}
	return out
}

func decodeBools(b []byte) []bool {
	out := make([]bool, len(b))
	for i, c := range b {
		out[i] = c == '1'
	}
	return out
}

func encodeKeyValues(m map[string]string) []byte {
	var sb strings.Builder
	for _, k := range sortedStringKeys(m) {
		sb.WriteString(k)
		sb.WriteString("\t")
		sb.WriteString(m[k])
		sb.WriteString("\n")
	}
	return []byte(sb.String())
}

func decodeKeyValues(b []byte) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(string(b), "\n") {
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

func sortedStringKeys(m map[string]string) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
