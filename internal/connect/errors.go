// Package connect implements the client side of attested RPC: one
// channel per remote endpoint, an error taxonomy with a retry/reattest
// classifier, and a bounded retrying wrapper.
package connect

import (
	"errors"
	"fmt"

	"Shardveil/internal/attest"
)

// TransportCode refines a transport failure.
type TransportCode uint32

const (
	// TransportFailed is a generic channel failure: dial, stream, or
	// frame I/O went wrong, or the remote reported an internal fault.
	TransportFailed TransportCode = iota

	// TransportDeadline means the call's deadline expired.
	TransportDeadline

	// TransportResourceExhausted means the response would exceed the
	// negotiated size limit. Retrying cannot shrink the response.
	TransportResourceExhausted
)

// TransportError is a failure of the underlying channel.
type TransportError struct {
	Code TransportCode
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// SessionError is a failure to establish the attested session.
// EvidenceRejected marks the special case where the remote's
// attestation evidence did not pass verification policy.
type SessionError struct {
	EvidenceRejected bool
	Err              error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session establishment: %v", e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// DecodeError is a failure to decode a response payload.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EndpointError is a malformed endpoint address: a deterministic
// caller-side mistake.
type EndpointError struct {
	Addr string
	Err  error
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("invalid endpoint %q: %v", e.Addr, e.Err)
}

func (e *EndpointError) Unwrap() error {
	return e.Err
}

// IdentityMismatchError means the client and the remote serve different
// chains. Wrong deployment talking to wrong deployment; permanent.
type IdentityMismatchError struct {
	Message string
}

func (e *IdentityMismatchError) Error() string {
	return e.Message
}

// ShouldReattest reports whether the current session must be discarded
// and renegotiated before another attempt. True for transport, session
// establishment, and session cipher failures: all three mean the secure
// session can no longer be trusted.
func ShouldReattest(err error) bool {
	var (
		transport *TransportError
		session   *SessionError
		cipher    *attest.CipherError
	)

	return errors.As(err, &transport) || errors.As(err, &session) || errors.As(err, &cipher)
}

// ShouldRetry reports whether a repeated attempt is likely to succeed.
//
// Transport failures retry unless the response exceeded the negotiated
// size limit. Cipher and decode failures are assumed transient. Session
// establishment retries unless the remote's attestation evidence was
// rejected: the remote identity will not change. Malformed endpoints
// and identity mismatches never retry, nor does anything unclassified.
func ShouldRetry(err error) bool {
	var transport *TransportError
	if errors.As(err, &transport) {
		return transport.Code != TransportResourceExhausted
	}

	var cipher *attest.CipherError
	if errors.As(err, &cipher) {
		return true
	}

	var decode *DecodeError
	if errors.As(err, &decode) {
		return true
	}

	var session *SessionError
	if errors.As(err, &session) {
		return !session.EvidenceRejected
	}

	return false
}
