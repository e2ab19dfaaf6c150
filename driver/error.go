package driver

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is the native status code of a failed driver operation. The values follow the CUDA driver API
// (CUresult), so the cuda driver can pass them through untouched.
type Code int

const (
	CodeSuccess           Code = 0
	CodeInvalidValue      Code = 1
	CodeOutOfMemory       Code = 2
	CodeNotInitialized    Code = 3
	CodeDeinitialized     Code = 4
	CodeNoDevice          Code = 100
	CodeInvalidDevice     Code = 101
	CodeInvalidImage      Code = 200
	CodeInvalidContext    Code = 201
	CodeFileNotFound      Code = 301
	CodeInvalidHandle     Code = 400
	CodeNotFound          Code = 500
	CodeIllegalAddress    Code = 700
	CodeLaunchOutOfRes    Code = 701
	CodeLaunchFailed      Code = 719
	CodeInvalidPitchValue Code = 12
	CodeNotSupported      Code = 801
	CodeUnknown           Code = 999
)

var codeNames = map[Code]string{
	CodeSuccess:           "SUCCESS",
	CodeInvalidValue:      "INVALID_VALUE",
	CodeOutOfMemory:       "OUT_OF_MEMORY",
	CodeNotInitialized:    "NOT_INITIALIZED",
	CodeDeinitialized:     "DEINITIALIZED",
	CodeNoDevice:          "NO_DEVICE",
	CodeInvalidDevice:     "INVALID_DEVICE",
	CodeInvalidImage:      "INVALID_IMAGE",
	CodeInvalidContext:    "INVALID_CONTEXT",
	CodeFileNotFound:      "FILE_NOT_FOUND",
	CodeInvalidHandle:     "INVALID_HANDLE",
	CodeNotFound:          "NOT_FOUND",
	CodeIllegalAddress:    "ILLEGAL_ADDRESS",
	CodeLaunchOutOfRes:    "LAUNCH_OUT_OF_RESOURCES",
	CodeLaunchFailed:      "LAUNCH_FAILED",
	CodeInvalidPitchValue: "INVALID_PITCH_VALUE",
	CodeNotSupported:      "NOT_SUPPORTED",
	CodeUnknown:           "UNKNOWN",
}

// String returns the symbolic name of the code.
func (c Code) String() string {
	if name, found := codeNames[c]; found {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is a failure reported by the accelerator runtime. Errors from drivers are propagated to the caller
// untouched: there is no retry.
type Error struct {
	// Op is the driver operation that failed, e.g. "cuMemAllocPitch".
	Op string

	// Code is the native status code.
	Code Code

	// Message is an optional human-readable description.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed: %s (code=%d)", e.Op, e.Code, int(e.Code))
	}
	return fmt.Sprintf("%s failed: %s (code=%d): %s", e.Op, e.Code, int(e.Code), e.Message)
}

// NewError returns a new *Error with a stack trace attached (see github.com/pkg/errors).
// Use errors.As to recover the *Error.
func NewError(op string, code Code, message string) error {
	return errors.WithStack(&Error{Op: op, Code: code, Message: message})
}

// CodeOf returns the Code of the *Error wrapped in err, CodeSuccess if err is nil, or CodeUnknown if err
// isn't a driver error.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var dErr *Error
	if errors.As(err, &dErr) {
		return dErr.Code
	}
	return CodeUnknown
}
