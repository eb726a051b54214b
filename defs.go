package seqnet

import (
	"errors"
	"fmt"
)

// Error codes returned by misuse of a lifecycle or pipeline component.
var (
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrStopped        = fmt.Errorf("%w: stopped", ErrNotStarted)
	ErrNotInitial     = errors.New("callbacks and peers may only be set before start")
	ErrPeerNotSet     = errors.New("peer not set")
	ErrNotConnected   = errors.New("socket not connected")
	ErrServerClosed   = errors.New("server has been closed")
	ErrBadHeader      = errors.New("malformed frame header")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum body length")
	ErrAccounting     = errors.New("frame accounting mismatch")
	ErrBadRange       = errors.New("offset and size out of range")
)

// definitions about some constants.
const (
	// HeaderLen is the width of the ASCII decimal length header.
	HeaderLen = 10
	// MaxBodyLen is the largest body a 10 digit header can describe.
	MaxBodyLen int64 = 9_999_999_999
	// DefaultMaxBodyBytes is the body bound a Server or Dial applies to its
	// connections unless MaxBodyBytesOption says otherwise. A stage built on
	// its own accepts anything up to MaxBodyLen.
	DefaultMaxBodyBytes int64 = 64 << 20
	// MaxConnections is the default connection cap of a Server.
	MaxConnections = 1000
)

// Kind classifies why a pipeline stage stopped.
type Kind int

const (
	// KindRequested is an explicit Stop call.
	KindRequested Kind = iota
	// KindConfig is a misconfigured pipeline, e.g. a peer not wired.
	KindConfig
	// KindTransport is a socket error or disconnect.
	KindTransport
	// KindFraming is a malformed header or a broken byte accounting.
	KindFraming
	// KindCallback is an error returned by an application callback.
	KindCallback
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindRequested:
		return "requested"
	case KindConfig:
		return "config"
	case KindTransport:
		return "transport"
	case KindFraming:
		return "framing"
	case KindCallback:
		return "callback"
	default:
		return "unknown"
	}
}

// StopError is the reason handed to a neighbour when a stage stops.
type StopError struct {
	Kind   Kind
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *StopError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

// Unwrap returns the underlying error.
func (e *StopError) Unwrap() error {
	return e.Err
}

// NewStopError wraps err as a stop reason of the given kind.
func NewStopError(kind Kind, err error) *StopError {
	if se, ok := err.(*StopError); ok {
		return se
	}
	reason := kind.String()
	if err != nil {
		reason = err.Error()
	}
	return &StopError{Kind: kind, Reason: reason, Err: err}
}

func requested(reason string) *StopError {
	return &StopError{Kind: KindRequested, Reason: reason}
}

func framingf(base error, format string, args ...interface{}) *StopError {
	return NewStopError(KindFraming, fmt.Errorf("%w: "+format, append([]interface{}{base}, args...)...))
}

// KindOf reports the Kind of a stop reason. Errors that are not a StopError
// are reported as KindCallback.
func KindOf(err error) Kind {
	var se *StopError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindCallback
}
