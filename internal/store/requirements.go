package store

import (
	"os"
	"strings"

	"emperror.dev/errors"
	"golang.org/x/exp/slices"
)

// Repository format requirements. A repository lists the features its
// on-disk format depends on; an engine that does not know a listed
// requirement must refuse to open the repository rather than corrupt it.
const (
	// ReqStore is the baseline store layout and is always present.
	ReqStore = "store"
	// ReqVisibleHeads enables the explicit visible-heads set.
	ReqVisibleHeads = "visibleheads"
	// ReqRemoteNames enables the remote-bookmark cache.
	ReqRemoteNames = "remotenames"
	// ReqNarrowHeads selects head-based phase derivation; requires both
	// ReqVisibleHeads and ReqRemoteNames.
	ReqNarrowHeads = "narrowheads"
)

var knownRequirements = []string{
	ReqStore, ReqVisibleHeads, ReqRemoteNames, ReqNarrowHeads,
}

// Requirements is the parsed requirements file.
type Requirements struct {
	flags []string
}

func NewRequirements(flags ...string) Requirements {
	return Requirements{flags: flags}
}

func (r Requirements) Has(flag string) bool {
	return slices.Contains(r.flags, flag)
}

func (r Requirements) List() []string {
	return slices.Clone(r.flags)
}

// ReadRequirements loads and validates a requirements file.
func ReadRequirements(path string) (Requirements, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Requirements{}, errors.Wrap(err, "failed to read requirements")
	}
	var r Requirements
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !slices.Contains(knownRequirements, line) {
			return Requirements{}, errors.Errorf(
				"repository requires unknown feature %q", line)
		}
		r.flags = append(r.flags, line)
	}
	if r.Has(ReqNarrowHeads) &&
		(!r.Has(ReqVisibleHeads) || !r.Has(ReqRemoteNames)) {
		return Requirements{}, errors.New(
			"narrowheads requires visibleheads and remotenames")
	}
	return r, nil
}

// WriteRequirements persists the requirements file (repository init only;
// requirements never change afterwards).
func (r Requirements) WriteRequirements(path string) error {
	var b strings.Builder
	for _, f := range r.flags {
		b.WriteString(f)
		b.WriteString("\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
