// Package rpcerr defines Rapace's stable error taxonomy:
// the categories that are transmitted on the wire as ERROR-flagged frame
// payloads, and the transport-local categories that never leave a process.
package rpcerr

import "fmt"

// Code is a stable, wire-transmitted error category.
type Code uint32

const (
	CodeCancelled Code = iota + 1
	CodeInvalidArgument
	CodeDeadlineExceeded
	CodeNotFound
	CodeAlreadyExists
	CodePermissionDenied
	CodeResourceExhausted
	CodeFailedPrecondition
	CodeAborted
	CodeOutOfRange
	CodeUnimplemented
	CodeInternal
	CodeUnavailable
	CodeDataLoss
	CodeUnauthenticated
)

var codeNames = map[Code]string{
	CodeCancelled:          "Cancelled",
	CodeInvalidArgument:    "InvalidArgument",
	CodeDeadlineExceeded:   "DeadlineExceeded",
	CodeNotFound:           "NotFound",
	CodeAlreadyExists:      "AlreadyExists",
	CodePermissionDenied:   "PermissionDenied",
	CodeResourceExhausted:  "ResourceExhausted",
	CodeFailedPrecondition: "FailedPrecondition",
	CodeAborted:            "Aborted",
	CodeOutOfRange:         "OutOfRange",
	CodeUnimplemented:      "Unimplemented",
	CodeInternal:           "Internal",
	CodeUnavailable:        "Unavailable",
	CodeDataLoss:           "DataLoss",
	CodeUnauthenticated:    "Unauthenticated",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}

// Retryable reports whether callers may reasonably retry a failure with
// this code: Cancelled, DeadlineExceeded,
// ResourceExhausted, and Unavailable are the recoverable user-visible
// kinds.
func (c Code) Retryable() bool {
	switch c {
	case CodeCancelled, CodeDeadlineExceeded, CodeResourceExhausted, CodeUnavailable:
		return true
	default:
		return false
	}
}

// Error is a remote or locally-synthesized RPC error carrying a stable
// Code and a human-readable Message. It is what ERROR-flagged frames
// decode into, and what handlers may return to produce one.
type Error struct {
	Code    Code
	Message string
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Payload is the {code, message} record that the session's Codec marshals
// into an ERROR frame's payload and unmarshals from one; its byte layout is
// whatever that Codec produces, not a fixed (u32 code, u32 len, bytes)
// record.
type Payload struct {
	Code    uint32 `msgpack:"code" json:"code"`
	Message string `msgpack:"message" json:"message"`
}

func (e *Error) ToPayload() Payload {
	return Payload{Code: uint32(e.Code), Message: e.Message}
}

func FromPayload(p Payload) *Error {
	return &Error{Code: Code(p.Code), Message: p.Message}
}

// TransportCode is a transport-layer failure category;
// these are never serialized on the wire and always end a session
// locally.
type TransportCode uint8

const (
	TransportIo TransportCode = iota
	TransportClosed
	TransportDecode
	TransportValidation
	TransportEncode
)

func (c TransportCode) String() string {
	switch c {
	case TransportIo:
		return "Io"
	case TransportClosed:
		return "Closed"
	case TransportDecode:
		return "Decode"
	case TransportValidation:
		return "Validation"
	case TransportEncode:
		return "Encode"
	default:
		return "Unknown"
	}
}

// TransportError wraps a local transport failure.
type TransportError struct {
	Code TransportCode
	Err  error
}

func NewTransport(code TransportCode, err error) *TransportError {
	return &TransportError{Code: code, Err: err}
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("transport %s", e.Code)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is lets errors.Is match against the TransportCode-only sentinel values
// below (e.g. errors.Is(err, ErrClosed)).
func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrClosed     = &TransportError{Code: TransportClosed}
	ErrIo         = &TransportError{Code: TransportIo}
	ErrDecode     = &TransportError{Code: TransportDecode}
	ErrValidation = &TransportError{Code: TransportValidation}
	ErrEncode     = &TransportError{Code: TransportEncode}
)
