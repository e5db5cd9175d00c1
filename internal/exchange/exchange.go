// Package exchange orchestrates push and pull: discovery, bundle
// construction and application, and the reconciliation of bookmarks and
// phases afterwards. Operations are ephemeral state machines: an
// ordered list of named steps guarded by a done set, so reply
// processing that re-enters the operation skips completed work.
package exchange

import (
	"context"
	"fmt"
	"strings"

	"emperror.dev/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/facebook/sapling-sub002/internal/changegroup"
	"github.com/facebook/sapling-sub002/internal/config"
	"github.com/facebook/sapling-sub002/internal/obsolete"
	"github.com/facebook/sapling-sub002/internal/peer"
)

// ErrUnrelated is returned when discovery finds no common commit and
// force is not set.
var ErrUnrelated = errors.Sentinel("repository is unrelated to the remote")

// ErrExitSilently signals the CLI to exit with the given code without
// printing an error (the command already reported the problem).
type ErrExitSilently struct {
	ExitCode int
}

func (e ErrExitSilently) Error() string {
	return "<exit silently>"
}

// CapabilityError lists the remote features an operation needs but the
// peer does not advertise.
type CapabilityError struct {
	Missing []string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("remote does not support: %s", strings.Join(e.Missing, ", "))
}

// step is one named unit of an operation.
type step struct {
	name string
	run  func(ctx context.Context) error
}

// runSteps executes steps in order, skipping names already in done.
func runSteps(ctx context.Context, log logrus.FieldLogger, done map[string]bool, steps []step) error {
	for _, s := range steps {
		if done[s.name] {
			continue
		}
		log.WithField("step", s.name).Debug("running step")
		if err := s.run(ctx); err != nil {
			return errors.WrapIff(err, "step %q failed", s.name)
		}
		done[s.name] = true
	}
	return nil
}

// requireCaps verifies the peer advertises every needed capability.
func requireCaps(caps peer.Caps, needed ...string) error {
	var missing []string
	for _, name := range needed {
		if !caps.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &CapabilityError{Missing: missing}
	}
	return nil
}

// negotiateCGVersion picks the changegroup version for a transfer:
// "02" when the peer supports it, "03" only when the peer advertises it
// and local obsolescence markers exist (cg3 carries the flags field
// they need), "01" as the floor.
func negotiateCGVersion(caps peer.Caps, obsstore *obsolete.Store) (string, error) {
	supported := caps.Values("changegroup")
	if slices.Contains(supported, changegroup.Version03) && obsstore != nil {
		markers, err := obsstore.All()
		if err != nil {
			return "", err
		}
		if len(markers) > 0 {
			return changegroup.Version03, nil
		}
	}
	if slices.Contains(supported, changegroup.Version02) {
		return changegroup.Version02, nil
	}
	if slices.Contains(supported, changegroup.Version01) {
		return changegroup.Version01, nil
	}
	return "", &CapabilityError{Missing: []string{"changegroup"}}
}

// configPublish reports whether this side treats pushes as publishing.
func configPublish() bool {
	return config.Slx.Exchange.Publish
}

// remotePublishing reads the remote's advertised publishing flag; an
// unreachable or silent phases namespace defaults to publishing, which
// is what a plain static server implies.
func remotePublishing(ctx context.Context, p peer.Peer) bool {
	keys, err := p.Listkeys(ctx, "phases")
	if err != nil {
		return true
	}
	v, ok := keys["publishing"]
	if !ok {
		return true
	}
	return v == "true"
}
