// Package quantum implements the Quantum reliable transport: the
// per-connection state machine and the endpoint that demultiplexes UDP
// datagrams across many such connections, adapted from the teacher's
// internal/quantum package but rebuilt as a single-threaded, cooperative,
// non-blocking engine instead of the teacher's goroutine-per-concern
// Connection (separate send/recv/reliability/keepalive loops feeding each
// other over channels).
package quantum

// State is a connection's position in the handshake/teardown lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateSynSent
	StateSynRecv
	StateConnected
	StateConnectedFull
	StateFinSent
	StateDestroy
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRecv:
		return "SYN_RECV"
	case StateConnected:
		return "CONNECTED"
	case StateConnectedFull:
		return "CONNECTED_FULL"
	case StateFinSent:
		return "FIN_SENT"
	case StateDestroy:
		return "DESTROY"
	default:
		return "UNKNOWN"
	}
}
