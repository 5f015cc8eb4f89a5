package reconcile

import (
	cerrdefs "github.com/containerd/errdefs"
)

// FailureKind classifies why a rebuild pass did not converge.
type FailureKind int

const (
	// KindNone means the pass converged.
	KindNone FailureKind = iota
	// KindConfiguration covers unsupported hosts and disabled features.
	KindConfiguration
	// KindParse covers malformed input files.
	KindParse
	// KindInvariant covers states that should be impossible, such as a
	// missing required entry or a package absent after a successful install.
	KindInvariant
	// KindExternal covers failures of external tools.
	KindExternal
	// KindUnknown is anything else, typically plain I/O errors.
	KindUnknown
)

func (k FailureKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConfiguration:
		return "configuration"
	case KindParse:
		return "parse"
	case KindInvariant:
		return "invariant"
	case KindExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by a builder to a FailureKind using the
// errdefs class it wraps.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return KindNone
	case cerrdefs.IsFailedPrecondition(err), cerrdefs.IsNotImplemented(err):
		return KindConfiguration
	case cerrdefs.IsInvalidArgument(err):
		return KindParse
	case cerrdefs.IsInternal(err), cerrdefs.IsDataLoss(err):
		return KindInvariant
	case cerrdefs.IsUnavailable(err), cerrdefs.IsConflict(err):
		return KindExternal
	default:
		return KindUnknown
	}
}
