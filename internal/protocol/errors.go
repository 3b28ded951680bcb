package protocol

import (
	"errors"
	"fmt"
)

// Kind is the stable error vocabulary carried in results, status messages,
// and logs. Validation kinds reject a protocol before execution; the rest
// classify runtime failures.
type Kind string

const (
	// Validation.
	KindVersionMismatch Kind = "VERSION_MISMATCH"
	KindMetadataMissing Kind = "METADATA_MISSING"
	KindEmptyActions    Kind = "EMPTY_ACTIONS"
	KindMalformedAction Kind = "MALFORMED_ACTION"
	KindUnknownAction   Kind = "UNKNOWN_ACTION"
	KindUnresolvedMacro Kind = "UNRESOLVED_MACRO"
	KindCyclicMacro     Kind = "CYCLIC_MACRO"
	KindBadDelay        Kind = "BAD_DELAY"
	KindParamMissing    Kind = "PARAM_MISSING"
	KindParamUnknown    Kind = "PARAM_UNKNOWN"

	// Runtime.
	KindVariableMissing     Kind = "VARIABLE_MISSING"
	KindDriverFailure       Kind = "DRIVER_FAILURE"
	KindValidationFailure   Kind = "VALIDATION_FAILURE"
	KindTimeout             Kind = "TIMEOUT"
	KindCancelled           Kind = "CANCELLED"
	KindUnsafeCoordinates   Kind = "UNSAFE_COORDINATES"
	KindExternalCallFailure Kind = "EXTERNAL_CALL_FAILURE"

	// Vision loop outcomes.
	KindLoopDetected   Kind = "LOOP_DETECTED"
	KindIterationLimit Kind = "ITERATION_LIMIT"
	KindCriticalDenied Kind = "CRITICAL_DENIED"
)

// Error is a kind-tagged error. All failures that cross the executor or
// planner boundary carry one so the kind survives into ExecutionResult.
type Error struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a kind-tagged error with a formatted message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError tags an underlying error with a kind and context message.
func WrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err. Untagged errors report DRIVER_FAILURE
// when they bubble out of a handler, but KindOf itself returns "" so callers
// can distinguish.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
