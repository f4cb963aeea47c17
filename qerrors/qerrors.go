// Package qerrors defines the typed error space for the Quantum transport,
// following the teacher's sentinel-error idiom (internal/gateway/jwt,
// internal/statesync/store_memory.go) combined with a dedicated error-kind
// type so callers can distinguish invalid-argument, backpressure, protocol,
// and timeout failures without string matching, the way
// YaoZengzeng-yustack's types.Error carries its own error space.
package qerrors

import "errors"

// Kind classifies why an operation failed.
type Kind int

const (
	// KindInvalid marks a synchronous invalid-argument failure: wrong
	// connection state, nil handle, vec count out of range, bad version.
	KindInvalid Kind = iota
	// KindAgain marks backpressure: the send window or queue is full.
	KindAgain
	// KindProtocol marks a protocol violation that was dropped rather
	// than surfaced (kept here for callers that want to log it).
	KindProtocol
	// KindTimeout marks a bounded-wait expiry (SYN_RECV/FIN_SENT idle kill).
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindAgain:
		return "again"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error pairs a sentinel with the Kind a caller should switch on.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func wrap(k Kind, sentinel error) *Error {
	return &Error{Kind: k, Err: sentinel}
}

// Sentinels, in the teacher's `errors.New` style.
var (
	errNotUninitialized  = errors.New("connection not in UNINITIALIZED state")
	errNotEstablished    = errors.New("connection not established")
	errNilHandle         = errors.New("nil connection or endpoint handle")
	errTooManyVecs       = errors.New("vector count exceeds RDP_MAX_VEC")
	errBadVersion        = errors.New("unsupported protocol version")
	errUnknownProp       = errors.New("unrecognized property option")
	errWindowFull        = errors.New("send window full")
	errQueueFull         = errors.New("send queue full")
	errBufferTooSmall    = errors.New("caller-supplied read buffer too small for next in-order payload")
	errIdleTimeout       = errors.New("connection idle timeout exceeded")
	errConnectTimeout    = errors.New("handshake did not complete in time")
)

// Constructors return a *Error of the matching Kind wrapping a sentinel, so
// errors.Is(err, ErrNotEstablished()) works for callers that want the
// specific cause in addition to the Kind.

func ErrNotUninitialized() *Error { return wrap(KindInvalid, errNotUninitialized) }
func ErrNotEstablished() *Error   { return wrap(KindInvalid, errNotEstablished) }
func ErrNilHandle() *Error        { return wrap(KindInvalid, errNilHandle) }
func ErrTooManyVecs() *Error      { return wrap(KindInvalid, errTooManyVecs) }
func ErrBadVersion() *Error       { return wrap(KindInvalid, errBadVersion) }
func ErrUnknownProp() *Error      { return wrap(KindInvalid, errUnknownProp) }
func ErrWindowFull() *Error       { return wrap(KindAgain, errWindowFull) }
func ErrQueueFull() *Error        { return wrap(KindAgain, errQueueFull) }
func ErrBufferTooSmall() *Error   { return wrap(KindProtocol, errBufferTooSmall) }
func ErrIdleTimeout() *Error      { return wrap(KindTimeout, errIdleTimeout) }
func ErrConnectTimeout() *Error   { return wrap(KindTimeout, errConnectTimeout) }

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
