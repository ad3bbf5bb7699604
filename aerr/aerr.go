// Package aerr implements the error taxonomy of spec.md §7: a small set
// of error codes, each with a fixed propagation policy, wrapped with
// github.com/pkg/errors so the originating cause survives to the
// conductor's single error handler.
package aerr

import "github.com/pkg/errors"

type Code int

const (
	InvalidChannel Code = iota
	UnknownEntity
	GenericError
	StorageSpace
	UnauthorisedAction
	ResourceTemporarilyUnavailable
	ImageRejected
	ClientTimeout
	ConductorServiceTimeout
	MessageTooLong
	InvalidFrame
)

func (c Code) String() string {
	switch c {
	case InvalidChannel:
		return "INVALID_CHANNEL"
	case UnknownEntity:
		return "UNKNOWN_ENTITY"
	case GenericError:
		return "GENERIC_ERROR"
	case StorageSpace:
		return "STORAGE_SPACE"
	case UnauthorisedAction:
		return "UNAUTHORISED_ACTION"
	case ResourceTemporarilyUnavailable:
		return "RESOURCE_TEMPORARILY_UNAVAILABLE"
	case ImageRejected:
		return "IMAGE_REJECTED"
	case ClientTimeout:
		return "CLIENT_TIMEOUT"
	case ConductorServiceTimeout:
		return "CONDUCTOR_SERVICE_TIMEOUT"
	case MessageTooLong:
		return "MESSAGE_TOO_LONG"
	case InvalidFrame:
		return "INVALID_FRAME"
	default:
		return "UNKNOWN"
	}
}

// DriverError is the single error type that crosses package boundaries
// inside the driver; every package-local failure is wrapped into one of
// these before being handed to a caller or the conductor's error
// handler, never allowed to propagate as a bare error across the agent
// loop boundary (spec.md §7: "the conductor never throws across the
// agent loop boundary").
type DriverError struct {
	Code  Code
	Cause error
}

func New(code Code, msg string) *DriverError {
	return &DriverError{Code: code, Cause: errors.New(msg)}
}

func Wrap(code Code, cause error, msg string) *DriverError {
	return &DriverError{Code: code, Cause: errors.Wrap(cause, msg)}
}

func (e *DriverError) Error() string {
	if e.Cause == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Cause.Error()
}

func (e *DriverError) Unwrap() error { return e.Cause }
