package bundle2

import (
	"fmt"

	"emperror.dev/errors"
)

// UnknownFeatureError aborts a bundle apply: the stream contains a
// mandatory part this engine does not implement. The transaction is left
// unclosed so nothing partial becomes visible.
type UnknownFeatureError struct {
	Feature string
}

func (e *UnknownFeatureError) Error() string {
	return fmt.Sprintf("bundle contains unknown mandatory part %q", e.Feature)
}

// AbortFromPartError carries an abort requested by the remote inside an
// error:abort part, with an optional remediation hint.
type AbortFromPartError struct {
	Message string
	Hint    string
}

func (e *AbortFromPartError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("remote error: %s (%s)", e.Message, e.Hint)
	}
	return "remote error: " + e.Message
}

// PushRacedError reports that the remote's heads changed between
// discovery and unbundle; the push must be re-invoked by the user, never
// retried automatically.
type PushRacedError struct {
	Reason string
}

func (e *PushRacedError) Error() string {
	return "push raced: " + e.Reason
}

// InvalidBundleSpecError: the spec string is syntactically malformed.
type InvalidBundleSpecError struct {
	Spec   string
	Reason string
}

func (e *InvalidBundleSpecError) Error() string {
	return fmt.Sprintf("invalid bundle specification %q: %s", e.Spec, e.Reason)
}

// UnsupportedBundleSpecError: the spec string parses but names a
// compression engine or version this engine cannot produce. Callers
// branch on this vs InvalidBundleSpecError, so the two stay distinct
// types.
type UnsupportedBundleSpecError struct {
	Spec   string
	Reason string
}

func (e *UnsupportedBundleSpecError) Error() string {
	return fmt.Sprintf("unsupported bundle specification %q: %s", e.Spec, e.Reason)
}

// ErrNotABundle is returned when a stream does not start with a known
// bundle magic.
var ErrNotABundle = errors.Sentinel("not a bundle stream")
