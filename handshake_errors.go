// RTMP Handshake - Errors

package main

import (
	"errors"
)

// Category of a handshake failure.
// Every category is terminal for the connection.
type HandshakeErrorKind uint8

const (
	HANDSHAKE_ERROR_MALFORMED_PACKET HandshakeErrorKind = iota + 1 // Wrong length or truncated input
	HANDSHAKE_ERROR_DIGEST_MISMATCH                                // A digest that must verify did not
	HANDSHAKE_ERROR_KEY_EXCHANGE                                   // Invalid Diffie-Hellman value
	HANDSHAKE_ERROR_UNEXPECTED_STATE                               // Message not expected in the current state
)

func (k HandshakeErrorKind) String() string {
	switch k {
	case HANDSHAKE_ERROR_MALFORMED_PACKET:
		return "malformed-packet"
	case HANDSHAKE_ERROR_DIGEST_MISMATCH:
		return "digest-mismatch"
	case HANDSHAKE_ERROR_KEY_EXCHANGE:
		return "key-exchange"
	case HANDSHAKE_ERROR_UNEXPECTED_STATE:
		return "unexpected-state"
	default:
		return "unknown"
	}
}

// Handshake error.
// Msg must never contain key or digest bytes, only offsets, lengths and state names.
type HandshakeError struct {
	Kind  HandshakeErrorKind
	Msg   string
	Inner error
}

func (e *HandshakeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Inner == nil {
		return e.Kind.String() + ": " + e.Msg
	}
	return e.Kind.String() + ": " + e.Msg + ": " + e.Inner.Error()
}

func (e *HandshakeError) Unwrap() error { return e.Inner }

func newHandshakeError(kind HandshakeErrorKind, msg string) *HandshakeError {
	return &HandshakeError{Kind: kind, Msg: msg}
}

func wrapHandshakeError(kind HandshakeErrorKind, msg string, inner error) *HandshakeError {
	return &HandshakeError{Kind: kind, Msg: msg, Inner: inner}
}

// Checks the category of an error
// err - The error
// kind - The expected category
// Returns true if err is a handshake error of that category
func IsHandshakeErrorKind(err error, kind HandshakeErrorKind) bool {
	var he *HandshakeError
	if errors.As(err, &he) {
		return he.Kind == kind
	}
	return false
}
