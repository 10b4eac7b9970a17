// Package errs defines the error kinds surfaced by the engine supervisor.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindProcessSpawn
	KindProcessCrashed
	KindCommunication
	KindTimeout
	KindConfiguration
	KindJSONRPC
	KindHealthCheckFailed
	KindStartupFailed
	KindNotReady
	KindAlreadyRunning
	KindCanceled
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindProcessSpawn:
		return "process spawn"
	case KindProcessCrashed:
		return "process crashed"
	case KindCommunication:
		return "communication"
	case KindTimeout:
		return "timeout"
	case KindConfiguration:
		return "configuration"
	case KindJSONRPC:
		return "json-rpc"
	case KindHealthCheckFailed:
		return "health check failed"
	case KindStartupFailed:
		return "startup failed"
	case KindNotReady:
		return "not ready"
	case KindAlreadyRunning:
		return "already running"
	case KindCanceled:
		return "canceled"
	case KindNotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrProcessSpawn      = &Error{Kind: KindProcessSpawn}
	ErrProcessCrashed    = &Error{Kind: KindProcessCrashed}
	ErrCommunication     = &Error{Kind: KindCommunication}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrConfiguration     = &Error{Kind: KindConfiguration}
	ErrJSONRPC           = &Error{Kind: KindJSONRPC}
	ErrHealthCheckFailed = &Error{Kind: KindHealthCheckFailed}
	ErrStartupFailed     = &Error{Kind: KindStartupFailed}
	ErrNotReady          = &Error{Kind: KindNotReady, Msg: "engine not ready"}
	ErrAlreadyRunning    = &Error{Kind: KindAlreadyRunning, Msg: "engine already running"}
	ErrCanceled          = &Error{Kind: KindCanceled}
	ErrNotFound          = &Error{Kind: KindNotFound}
)

// Error carries a kind, the operation that failed and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an error of kind k for operation op wrapping err.
func New(k Kind, op string, err error) error {
	return &Error{Kind: k, Op: op, Err: err}
}

// Newf returns an error of kind k with a formatted message.
func Newf(k Kind, op, format string, args ...any) error {
	return &Error{Kind: k, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
