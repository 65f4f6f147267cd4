package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when an operation is called out of order
	// with respect to the engine lifecycle.
	ErrInvalidState = errors.New("operation not valid in current engine state")

	// ErrSetup covers resource allocation failures. Not retryable.
	ErrSetup = errors.New("engine setup failed")

	// ErrConnect covers connection establishment failures. Fatal for the
	// attempt; the caller may retry with a fresh Open.
	ErrConnect = errors.New("connection establishment failed")

	ErrConnectTimeout    = fmt.Errorf("%w: timed out", ErrConnect)
	ErrConnectRejected   = fmt.Errorf("%w: rejected by peer", ErrConnect)
	ErrConnectUnexpected = fmt.Errorf("%w: unexpected event", ErrConnect)

	// ErrProtocol covers malformed or unexpected control messages. The
	// connection is unusable afterwards.
	ErrProtocol = errors.New("protocol violation")

	// ErrIncompatibleBlockSize is returned when the peer's maximum block
	// size cannot satisfy the local configuration. Surfaced before any data
	// transfer begins.
	ErrIncompatibleBlockSize = errors.New("incompatible block size")

	// ErrBusy is returned by Submit when the queued collection is at its
	// configured depth limit.
	ErrBusy = errors.New("submission queue full")

	// ErrRequestInvalid is returned by Submit for a request whose buffer or
	// remote range falls outside the registered regions.
	ErrRequestInvalid = errors.New("invalid request")

	// ErrCompletion is attached to a request whose hardware completion
	// reported failure. Local to that request; the connection stays up.
	ErrCompletion = errors.New("completion error")

	// ErrAbandoned is attached to in-flight requests dropped by Close. Their
	// buffers must not be reused.
	ErrAbandoned = errors.New("request abandoned at close")
)
