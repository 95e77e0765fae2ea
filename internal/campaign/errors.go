package campaign

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a campaign failure.
type Kind string

const (
	KindTimeout  Kind = "timeout"
	KindNetwork  Kind = "network"
	KindAuth     Kind = "auth"
	KindProtocol Kind = "protocol"
	KindServer   Kind = "server"
	KindCanceled Kind = "canceled"
)

// Error is the single error type a campaign resolves with.
type Error struct {
	Kind    Kind
	Message string
	// Status is the HTTP status when the server answered.
	Status int
	// Timeout is the configured bound for KindTimeout.
	Timeout time.Duration
	// CredentialSupplied distinguishes a rejected credential from a request
	// that carried none. Only meaningful for KindAuth.
	CredentialSupplied bool
	// RefreshFailed is set once a credential refresh was attempted and failed.
	RefreshFailed bool
	Err           error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Phase returns the terminal phase this error moves a campaign into.
func (e *Error) Phase() Phase {
	switch e.Kind {
	case KindTimeout, KindCanceled:
		return PhaseAborted
	default:
		return PhaseFailed
	}
}

// ErrStreamIncomplete is wrapped by the protocol error raised when the
// response ends before a complete record.
var ErrStreamIncomplete = errors.New("stream ended without completion")

// ErrStreamUnsupported is wrapped when a response carries no readable body.
var ErrStreamUnsupported = errors.New("stream not supported")

// KindOf returns the failure kind of err, or "" when err is not a campaign error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

func timeoutError(bound time.Duration, cause error) *Error {
	return &Error{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("campaign did not complete within %s", bound),
		Timeout: bound,
		Err:     cause,
	}
}

func protocolError(msg string, cause error) *Error {
	return &Error{Kind: KindProtocol, Message: msg, Err: cause}
}
