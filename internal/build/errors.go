package build

import "errors"

// Kind classifies pipeline failures for the external boundary.
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindGeneration        Kind = "GenerationError"
	KindArbitrationReject Kind = "ArbitrationReject"
	KindTestFailure       Kind = "TestFailure"
	KindFailureExhausted  Kind = "FailureExhausted"
	KindTimeout           Kind = "TimeoutError"
)

// Error is a classified pipeline failure. Reason is safe to surface to
// callers.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Reason
}

// NewError creates a classified pipeline error.
func NewError(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// KindOf extracts the failure kind from err, defaulting to GenerationError
// for unclassified failures so no raw detail leaks as a kind.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindGeneration
}

// ReasonOf extracts the surfaceable reason from err.
func ReasonOf(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Reason
	}
	return "internal pipeline failure"
}
