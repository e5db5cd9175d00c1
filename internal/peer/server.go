package peer

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"emperror.dev/errors"
	"github.com/sirupsen/logrus"

	"github.com/facebook/sapling-sub002/internal/bookmarks"
	"github.com/facebook/sapling-sub002/internal/bundle2"
	"github.com/facebook/sapling-sub002/internal/changegroup"
	"github.com/facebook/sapling-sub002/internal/config"
	"github.com/facebook/sapling-sub002/internal/dag"
	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/phases"
	"github.com/facebook/sapling-sub002/internal/repo"
)

// CloneBundlesManifest is the store file an operator drops pre-built
// bundle advertisements into.
const CloneBundlesManifest = "clonebundles.manifest"

// RepoCaps is the capability set a repository serves.
func RepoCaps(r *repo.Repo) Caps {
	caps := Caps{
		"bundle2":     "",
		"bookmarks":   "",
		"changegroup": strings.Join([]string{changegroup.Version01, changegroup.Version02, changegroup.Version03}, ","),
		"getbundle":   "",
		"unbundle":    "",
		"known":       "",
		"lookup":      "",
		"listkeys":    "",
		"pushkey":     "",
	}
	if _, err := os.Stat(filepath.Join(r.StoreDir(), CloneBundlesManifest)); err == nil {
		caps["clonebundles"] = ""
	}
	return caps
}

// BuildBundle assembles the bundle2 stream getbundle serves: the
// changegroup between common and heads, the phase of each bundled head,
// and the bookmark listing so a puller reconciles in one roundtrip.
func BuildBundle(r *repo.Repo, opts GetbundleOpts, compression string) ([]byte, error) {
	heads := opts.Heads
	if len(heads) == 0 {
		all, err := r.Heads()
		if err != nil {
			return nil, err
		}
		heads = all.Sorted()
	}
	version := opts.CGVersion
	if version == "" {
		version = changegroup.Version02
	}
	outgoing, err := dag.ComputeOutgoing(r.Parents, heads, opts.Common)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	bw, err := bundle2.NewWriter(&buf, compression)
	if err != nil {
		return nil, err
	}
	if !outgoing.IsEmpty() {
		cg, err := bundle2.NewChangegroupPart(r.Store(), outgoing, version)
		if err != nil {
			return nil, err
		}
		if err := bw.AddPart(cg); err != nil {
			return nil, err
		}
	}
	phaseHeads, err := headPhases(r, heads)
	if err != nil {
		return nil, err
	}
	if len(phaseHeads) > 0 {
		if err := bw.AddPart(bundle2.NewPhaseHeadsPart(phaseHeads, false)); err != nil {
			return nil, err
		}
	}
	books := bookmarkStrings(r)
	if len(books) > 0 {
		if err := bw.AddPart(bundle2.NewListkeysPart("bookmarks", books)); err != nil {
			return nil, err
		}
	}
	if err := bw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func headPhases(r *repo.Repo, heads []node.Node) ([]bundle2.PhaseHead, error) {
	var out []bundle2.PhaseHead
	for _, h := range heads {
		p, err := r.Phases().Phase(h)
		if err != nil {
			return nil, err
		}
		out = append(out, bundle2.PhaseHead{Phase: p, Node: h})
	}
	return out, nil
}

func bookmarkStrings(r *repo.Repo) map[string]string {
	out := map[string]string{}
	for name, n := range r.Bookmarks().All() {
		out[name] = n.Hex()
	}
	return out
}

// phaseStrings answers the phases listkeys namespace: the publishing
// flag plus the hex of every draft root, so a pusher can detect common
// commits this repository still tracks as draft.
func phaseStrings(r *repo.Repo) map[string]string {
	publishing := "false"
	if config.Slx.Exchange.Publish {
		publishing = "true"
	}
	out := map[string]string{"publishing": publishing}
	if cache, ok := r.Phases().(*phases.Cache); ok {
		for _, root := range cache.Roots(phases.Draft).Sorted() {
			out[root.Hex()] = "1"
		}
	}
	return out
}

// ApplyIncoming applies a pushed bundle under the store lock in one
// transaction and returns the results plus the serialized reply bundle.
// A non-nil expectedHeads that no longer matches fails with
// PushRacedError before anything is written.
func ApplyIncoming(
	r *repo.Repo,
	stream io.Reader,
	expectedHeads []node.Node,
	source string,
) (*bundle2.Results, []byte, error) {
	if err := r.LockStore(); err != nil {
		return nil, nil, err
	}
	defer r.UnlockStore()

	if expectedHeads != nil {
		current, err := r.Heads()
		if err != nil {
			return nil, nil, err
		}
		if !current.Equal(node.NewSet(expectedHeads...)) {
			return nil, nil, &bundle2.PushRacedError{
				Reason: "heads changed since the client's discovery",
			}
		}
	}

	tr, err := r.Transaction("unbundle")
	if err != nil {
		return nil, nil, err
	}
	batch := r.StageBatch(tr)
	obsBatch := r.ObsStore().NewBatch()
	tr.AddFlusher(obsBatch)
	env := &bundle2.Env{
		Repo:     r,
		Tr:       tr,
		Batch:    batch,
		ObsBatch: obsBatch,
		Source:   source,
	}
	res, err := bundle2.ApplyBundle(env, stream)
	if err != nil {
		_ = tr.Abort()
		return nil, nil, err
	}
	if err := tr.Close(); err != nil {
		return nil, nil, err
	}

	var reply bytes.Buffer
	if err := bundle2.BuildReply(&reply, res); err != nil {
		return nil, nil, err
	}
	return res, reply.Bytes(), nil
}

// LookupKey resolves a bookmark name, a full hex node, or an
// unambiguous hex prefix.
func LookupKey(r *repo.Repo, key string) (node.Node, error) {
	if n, ok := r.Bookmarks().Get(key); ok {
		return n, nil
	}
	if len(key) == node.HexSize {
		n, err := node.FromHex(key)
		if err == nil {
			ok, err := r.Store().HasNode(n)
			if err != nil {
				return node.NullID, err
			}
			if ok {
				return n, nil
			}
		}
	} else if len(key) >= 4 && len(key) < node.HexSize {
		all, err := r.AllNodes()
		if err != nil {
			return node.NullID, err
		}
		var found node.Node
		matches := 0
		for _, n := range all.Sorted() {
			if strings.HasPrefix(n.Hex(), key) {
				found = n
				matches++
			}
		}
		switch matches {
		case 0:
		case 1:
			return found, nil
		default:
			return node.NullID, errors.Errorf("ambiguous identifier %q", key)
		}
	}
	return node.NullID, errors.Errorf("unknown revision or bookmark %q", key)
}

// Server answers protocol commands for one repository.
type Server struct {
	repo *repo.Repo
	log  logrus.FieldLogger
}

func NewServer(r *repo.Repo) *Server {
	return &Server{repo: r, log: r.Log().WithField("role", "server")}
}

// ServeStdio answers commands over stdin/stdout until EOF; this is the
// process an ssh client spawns on the remote host.
func ServeStdio(ctx context.Context, r *repo.Repo) error {
	return NewServer(r).ServeConn(ctx, os.Stdin, os.Stdout)
}

// ServeConn answers commands from in until EOF, writing responses to
// out. Protocol errors end the session; command errors are reported to
// the client and the session continues.
func (s *Server) ServeConn(ctx context.Context, in io.Reader, out io.Writer) error {
	br := bufio.NewReader(in)
	bw := bufio.NewWriter(out)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		command, args, err := readRequest(br)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.ServeCommand(ctx, command, args, br, bw); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
}

// ServeCommand dispatches one command. The returned error is fatal to
// the session; per-command failures become error responses instead.
func (s *Server) ServeCommand(ctx context.Context, command string, args map[string][]byte, body *bufio.Reader, out io.Writer) error {
	s.log.WithField("command", command).Debug("serving command")
	switch command {
	case "capabilities":
		return writeOK(out, []byte(RepoCaps(s.repo).String()))

	case "heads":
		heads, err := s.repo.Heads()
		if err != nil {
			return writeError(out, err.Error())
		}
		return writeOK(out, encodeNodes(heads.Sorted()))

	case "known":
		nodes, err := decodeNodes(args["nodes"])
		if err != nil {
			return writeError(out, err.Error())
		}
		bits := make([]bool, len(nodes))
		for i, n := range nodes {
			ok, err := s.repo.Store().HasNode(n)
			if err != nil {
				return writeError(out, err.Error())
			}
			bits[i] = ok
		}
		return writeOK(out, encodeBools(bits))

	case "listkeys":
		namespace := string(args["namespace"])
		switch namespace {
		case "bookmarks":
			return writeOK(out, encodeKeyValues(bookmarkStrings(s.repo)))
		case "phases":
			return writeOK(out, encodeKeyValues(phaseStrings(s.repo)))
		default:
			return writeOK(out, nil)
		}

	case "lookup":
		n, err := LookupKey(s.repo, string(args["key"]))
		if err != nil {
			return writeError(out, err.Error())
		}
		return writeOK(out, []byte(n.Hex()))

	case "pushkey":
		ok, err := s.pushkey(args)
		if err != nil {
			return writeError(out, err.Error())
		}
		if ok {
			return writeOK(out, []byte("1"))
		}
		return writeOK(out, []byte("0"))

	case "clonebundles":
		data, err := os.ReadFile(filepath.Join(s.repo.StoreDir(), CloneBundlesManifest))
		if err != nil {
			if os.IsNotExist(err) {
				return writeOK(out, nil)
			}
			return writeError(out, err.Error())
		}
		return writeOK(out, data)

	case "getbundle":
		opts := GetbundleOpts{CGVersion: string(args["cgversion"])}
		var err error
		if opts.Heads, err = decodeNodes(args["heads"]); err != nil {
			return writeError(out, err.Error())
		}
		if opts.Common, err = decodeNodes(args["common"]); err != nil {
			return writeError(out, err.Error())
		}
		bundle, err := BuildBundle(s.repo, opts, config.Slx.Exchange.Compression)
		if err != nil {
			return writeError(out, err.Error())
		}
		sw, err := writeStream(out)
		if err != nil {
			return err
		}
		if _, err := sw.Write(bundle); err != nil {
			return err
		}
		return sw.Close()

	case "unbundle":
		// The bundle body follows the arguments as chunk frames; it
		// must be consumed even on failure to keep the stream in sync.
		stream := &chunkReader{r: body}
		var expected []node.Node
		if string(args["force"]) != "1" {
			var err error
			if expected, err = decodeNodes(args["heads"]); err != nil {
				_ = stream.drain()
				return writeError(out, err.Error())
			}
			if expected == nil {
				expected = []node.Node{}
			}
		}
		_, reply, err := ApplyIncoming(s.repo, stream, expected, "push")
		if drainErr := stream.drain(); drainErr != nil {
			return drainErr
		}
		if err != nil {
			// Races stay transport-level errors; application failures are
			// relayed inside the reply so the client sees message and hint
			// through the normal codec.
			var raced *bundle2.PushRacedError
			if errors.As(err, &raced) {
				return writeError(out, err.Error())
			}
			if reply, err = errorReply(err); err != nil {
				return writeError(out, err.Error())
			}
		}
		sw, werr := writeStream(out)
		if werr != nil {
			return werr
		}
		if _, werr := sw.Write(reply); werr != nil {
			return werr
		}
		return sw.Close()

	default:
		return writeError(out, "unknown command "+command)
	}
}

// errorReply encodes a failed bundle application as a reply bundle
// carrying an error:abort part.
func errorReply(cause error) ([]byte, error) {
	message, hint := cause.Error(), ""
	var abort *bundle2.AbortFromPartError
	if errors.As(cause, &abort) {
		message, hint = abort.Message, abort.Hint
	}
	var buf bytes.Buffer
	bw, err := bundle2.NewWriter(&buf, "")
	if err != nil {
		return nil, err
	}
	if err := bw.AddPart(bundle2.NewErrorAbortPart(message, hint)); err != nil {
		return nil, err
	}
	if err := bw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Server) pushkey(args map[string][]byte) (bool, error) {
	if string(args["namespace"]) != "bookmarks" {
		return false, errors.Errorf("pushkey namespace %q not supported", string(args["namespace"]))
	}
	name := string(args["key"])
	old, err := nodeFromHexArg(args["old"])
	if err != nil {
		return false, err
	}
	new, err := nodeFromHexArg(args["new"])
	if err != nil {
		return false, err
	}
	if err := s.repo.LockStore(); err != nil {
		return false, err
	}
	defer s.repo.UnlockStore()
	tr, err := s.repo.Transaction("pushkey")
	if err != nil {
		return false, err
	}
	if err := s.repo.Bookmarks().CompareAndSet(tr, name, old, new); err != nil {
		_ = tr.Abort()
		if errors.Is(err, bookmarks.ErrCASMismatch) {
			return false, nil
		}
		return false, err
	}
	if err := tr.Close(); err != nil {
		return false, err
	}
	return true, nil
}

// An empty hex argument means "absent" on either side of the CAS.
func nodeFromHexArg(b []byte) (node.Node, error) {
	if len(b) == 0 {
		return node.NullID, nil
	}
	return node.FromHex(string(b))
}
