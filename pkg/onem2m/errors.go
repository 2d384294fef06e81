package onem2m

import (
	"errors"
	"fmt"
)

// Error is a classified CSE error. Every failure that crosses a component
// boundary is an *Error so the dispatcher can translate it into a response
// primitive without guessing: the RSC decides the outcome the originator
// sees, Message becomes the debug text in the response content.
type Error struct {
	// RSC is the response status code reported to the originator.
	RSC RSC

	// Message is a human-readable description, returned as m2m:dbg content.
	Message string

	// Target is the resource address or identifier involved, when known.
	Target string

	// Attribute names the offending attribute for validation failures.
	Attribute string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%d] %s", e.RSC, e.Message)
	if e.Target != "" {
		msg += fmt.Sprintf(" (target: %s)", e.Target)
	}
	if e.Attribute != "" {
		msg += fmt.Sprintf(" (attribute: %s)", e.Attribute)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithTarget attaches the resource address involved.
func (e *Error) WithTarget(target string) *Error {
	e.Target = target
	return e
}

// WithAttribute attaches the offending attribute short name.
func (e *Error) WithAttribute(name string) *Error {
	e.Attribute = name
	return e
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// NewError creates a classified error with the given status code.
func NewError(rsc RSC, message string) *Error {
	return &Error{RSC: rsc, Message: message}
}

// Errorf creates a classified error with a formatted message.
func Errorf(rsc RSC, format string, args ...any) *Error {
	return &Error{RSC: rsc, Message: fmt.Sprintf(format, args...)}
}

// ErrBadRequest creates a badRequest error.
func ErrBadRequest(format string, args ...any) *Error {
	return Errorf(RSCBadRequest, format, args...)
}

// ErrNotFound creates a notFound error for the given target.
func ErrNotFound(target string) *Error {
	return Errorf(RSCNotFound, "resource not found").WithTarget(target)
}

// ErrNoPrivilege creates an originatorHasNoPrivilege error.
func ErrNoPrivilege(originator string, op Operation) *Error {
	return Errorf(RSCOriginatorHasNoPrivilege, "originator %s has no privilege for %s", originator, op)
}

// ErrOperationNotAllowed creates an operationNotAllowed error.
func ErrOperationNotAllowed(format string, args ...any) *Error {
	return Errorf(RSCOperationNotAllowed, format, args...)
}

// ErrContentsUnacceptable creates a contentsUnacceptable error.
func ErrContentsUnacceptable(format string, args ...any) *Error {
	return Errorf(RSCContentsUnacceptable, format, args...)
}

// ErrInvalidArguments creates an invalidArguments error.
func ErrInvalidArguments(format string, args ...any) *Error {
	return Errorf(RSCInvalidArguments, format, args...)
}

// ErrInvalidChildResourceType creates an invalidChildResourceType error.
func ErrInvalidChildResourceType(parent, child ResourceType) *Error {
	return Errorf(RSCInvalidChildResourceType, "%s cannot be created under %s", child, parent)
}

// ErrConflict creates a conflict error.
func ErrConflict(format string, args ...any) *Error {
	return Errorf(RSCConflict, format, args...)
}

// ErrAlreadyExists creates an alreadyExists error for the given target.
func ErrAlreadyExists(target string) *Error {
	return Errorf(RSCAlreadyExists, "resource already exists").WithTarget(target)
}

// ErrInternal creates an internalServerError wrapping err.
func ErrInternal(message string, err error) *Error {
	return &Error{RSC: RSCInternalServerError, Message: message, Err: err}
}

// ErrNotImplemented creates a notImplemented error.
func ErrNotImplemented(feature string) *Error {
	return Errorf(RSCNotImplemented, "%s is not supported", feature)
}

// ErrTargetNotReachable creates a targetNotReachable error.
func ErrTargetNotReachable(target string) *Error {
	return Errorf(RSCTargetNotReachable, "target not reachable").WithTarget(target)
}

// ErrRequestTimeout creates a requestTimeout error.
func ErrRequestTimeout(format string, args ...any) *Error {
	return Errorf(RSCRequestTimeout, format, args...)
}

// AsError extracts a classified error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// RSCOf returns the status code carried by err. Unclassified errors map to
// internalServerError: an error that never picked a code is a CSE bug, not
// an originator mistake.
func RSCOf(err error) RSC {
	if err == nil {
		return RSCOK
	}
	if e, ok := AsError(err); ok {
		return e.RSC
	}
	return RSCInternalServerError
}

// IsNotFound reports whether err is classified as notFound.
func IsNotFound(err error) bool {
	return RSCOf(err) == RSCNotFound
}

// IsSecurityError reports whether err denies access rather than reporting a
// malformed or failed request.
func IsSecurityError(err error) bool {
	switch RSCOf(err) {
	case RSCOriginatorHasNoPrivilege, RSCReceiverHasNoPrivilege,
		RSCSubscriptionCreatorNoPriv, RSCSubscriptionHostNoPrivilege,
		RSCSecurityAssociationRequired, RSCOriginatorHasNotRegistered,
		RSCAppRuleValidationFailed:
		return true
	}
	return false
}

// IsOriginatorError reports whether err is the originator's fault (4xxx).
func IsOriginatorError(err error) bool {
	rsc := RSCOf(err)
	return rsc >= 4000 && rsc < 5000
}
