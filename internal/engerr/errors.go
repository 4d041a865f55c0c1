// Package engerr defines the error kinds spec §7 names, carried by one
// *Error type that errors.As unwraps to and engerr.Is matches by kind
// (Kind itself is not an error, so errors.Is(err, KindX) does not match).
// The teacher uses bare fmt.Errorf/error returns throughout with no custom
// error framework; this package extends that only as far as programmatic
// dispatch on kind.
package engerr

import "errors"

// Kind identifies one of the five error categories spec §7 names.
type Kind int

const (
	// KindConfigInvalid: matcher/predicate/metric references an unknown
	// id, a cycle in a combination predicate, or an out-of-range field
	// path. Rejects the config at install time; prior state is unchanged.
	KindConfigInvalid Kind = iota
	// KindGuardrail: a resource cap was hit; never fatal.
	KindGuardrail
	// KindWireEncoding: mismatched nesting token, impossible compaction.
	// Fatal for the current dump-report only.
	KindWireEncoding
	// KindPullFailure: pull timeout or external error. No code returns
	// it; on a pull error DumpReport logs and omits that metric.
	KindPullFailure
	// KindInternalInvariant: unreachable state reached. No code returns
	// it, and nothing quarantines a config on it automatically.
	KindInternalInvariant
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "config_invalid"
	case KindGuardrail:
		return "guardrail"
	case KindWireEncoding:
		return "wire_encoding"
	case KindPullFailure:
		return "pull_failure"
	case KindInternalInvariant:
		return "internal_invariant"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind for programmatic dispatch.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Is reports whether err, or an error it wraps, is an *Error of the given
// Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
