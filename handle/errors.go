// File: handle/errors.go
// Package handle implements the runtime-wide handle registry and
// capability dispatch shared by every adapter in this module.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error taxonomy grounded on api/errors.go's Error{Code,Message,Context}
// pattern, generalized to the error kinds required by the adapter
// composition runtime (protocol errors, stickiness, etc).

package handle

import "errors"

// Code enumerates the error kinds surfaced on the out-of-band error channel.
type Code int

const (
	CodeOK Code = iota
	CodeTimedOut
	CodeCanceled
	CodeBrokenPipe
	CodeConnReset
	CodeMessageTooBig
	CodeInvalidArgument
	CodeNotSupported
	CodeProtocol
	CodePermissionDenied
	CodeNoMemory
)

func (c Code) String() string {
	switch c {
	case CodeTimedOut:
		return "timed-out"
	case CodeCanceled:
		return "canceled"
	case CodeBrokenPipe:
		return "broken-pipe"
	case CodeConnReset:
		return "connection-reset"
	case CodeMessageTooBig:
		return "message-too-big"
	case CodeInvalidArgument:
		return "invalid-argument"
	case CodeNotSupported:
		return "not-supported"
	case CodeProtocol:
		return "protocol"
	case CodePermissionDenied:
		return "permission-denied"
	case CodeNoMemory:
		return "no-memory"
	default:
		return "ok"
	}
}

// Error is a structured adapter error carrying a stable Code for
// errors.Is-style matching plus a human message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is allows errors.Is(err, ErrTimedOut) to match any *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newErr(code Code, msg string) *Error { return &Error{Code: code, Message: msg} }

// Sentinel errors, one per Code, matched via errors.Is.
var (
	ErrTimedOut         = newErr(CodeTimedOut, "handle: timed out")
	ErrCanceled         = newErr(CodeCanceled, "handle: canceled")
	ErrBrokenPipe       = newErr(CodeBrokenPipe, "handle: broken pipe")
	ErrConnReset        = newErr(CodeConnReset, "handle: connection reset")
	ErrMessageTooBig    = newErr(CodeMessageTooBig, "handle: message too big")
	ErrInvalidArgument  = newErr(CodeInvalidArgument, "handle: invalid argument")
	ErrNotSupported     = newErr(CodeNotSupported, "handle: not supported")
	ErrProtocol         = newErr(CodeProtocol, "handle: protocol violation")
	ErrPermissionDenied = newErr(CodePermissionDenied, "handle: permission denied")
	ErrNoMemory         = newErr(CodeNoMemory, "handle: no memory")
)

// New builds a fresh *Error of the given code with a custom message,
// useful when an adapter wants to add detail while staying errors.Is-compatible.
func New(code Code, msg string) *Error { return newErr(code, msg) }

// CodeOf extracts the Code from err if it is (or wraps) a *Error, else CodeOK.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeOK
}
