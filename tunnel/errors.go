package tunnel

import (
	"fmt"
)

// Kind is the category of a negotiation failure.
type Kind string

const (
	// KindMalformedResponse is an unparseable or truncated proxy response.
	KindMalformedResponse Kind = "malformed_response"
	// KindMalformedChallenge is a Proxy-Authenticate value that failed to parse.
	KindMalformedChallenge Kind = "malformed_challenge"
	// KindUnsupportedScheme is a challenge naming a scheme without a responder.
	KindUnsupportedScheme Kind = "unsupported_scheme"
	// KindCryptoFailure is a hash or cipher failure while building a response.
	KindCryptoFailure Kind = "crypto"
	// KindAuthExhausted is a 407 that persisted through every attempt.
	KindAuthExhausted Kind = "auth_exhausted"
	// KindBadStatus is a final status outside 2xx.
	KindBadStatus Kind = "bad_status"
	// KindIO is a read, write or cancellation failure on the transport.
	KindIO Kind = "io"
)

// Fatal reports whether the kind aborts the negotiation. The others only
// leave the next request without credentials.
func (k Kind) Fatal() bool {
	switch k {
	case KindMalformedChallenge, KindUnsupportedScheme, KindCryptoFailure:
		return false
	}
	return true
}

// Error is a negotiation failure.
type Error struct {
	Kind    Kind
	Message string
	// Code is the final status code for KindBadStatus.
	Code  int
	Dest  string
	Cause error
}

// ErrAuthExhausted matches any KindAuthExhausted error with errors.Is.
var ErrAuthExhausted = &Error{Kind: KindAuthExhausted, Message: "authentication failed"}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Dest != "" {
		msg = fmt.Sprintf("connect %s: %s", e.Dest, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors of the same kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

func newIOError(op string, cause error) *Error {
	return &Error{
		Kind:    KindIO,
		Message: op,
		Cause:   cause,
	}
}

func newMalformedResponseError(cause error) *Error {
	return &Error{
		Kind:    KindMalformedResponse,
		Message: "malformed response",
		Cause:   cause,
	}
}

func newAuthExhaustedError() *Error {
	return &Error{
		Kind:    ErrAuthExhausted.Kind,
		Message: ErrAuthExhausted.Message,
	}
}

func newBadStatusError(code int) *Error {
	return &Error{
		Kind:    KindBadStatus,
		Message: fmt.Sprintf("invalid response code %d", code),
		Code:    code,
	}
}
