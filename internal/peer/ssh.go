package peer

import (
	"context"
	"os/exec"

	"emperror.dev/errors"
	giturls "github.com/chainguard-dev/git-urls"
	"github.com/kballard/go-shellquote"
	"github.com/sirupsen/logrus"
)

// sshRemoteCommand is the process spawned on the remote host; it must
// be on the remote PATH.
const sshRemoteCommand = "slx"

// OpenSSH connects to a repository over an ssh child process running
// "slx serve --stdio" in the remote path.
func OpenSSH(ctx context.Context, url string) (Peer, error) {
	u, err := giturls.Parse(url)
	if err != nil {
		return nil, errors.WrapIff(err, "cannot parse ssh URL %q", url)
	}
	host := u.Hostname()
	if u.User != nil && u.User.Username() != "" {
		host = u.User.Username() + "@" + host
	}
	remote := shellquote.Join(sshRemoteCommand, "serve", "--stdio", "--repo", u.Path)
	args := []string{}
	if port := u.Port(); port != "" {
		args = append(args, "-p", port)
	}
	args = append(args, host, remote)

	cmd := exec.CommandContext(ctx, "ssh", args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.WrapIff(err, "failed to start ssh to %q", host)
	}
	logrus.WithFields(logrus.Fields{
		"host": host,
		"path": u.Path,
	}).Debug("ssh peer connected")

	closeFn := func() error {
		_ = stdin.Close()
		return cmd.Wait()
	}
	return NewConnPeer(url, stdin, stdout, closeFn), nil
}
