// Package reliability implements the send/receive side of the Quantum
// reliability layer: the packet-record send queue, the reorder receive
// queue, selective acknowledgment, and the RTT estimator, adapted from the
// teacher's internal/quantum/reliability package (send_buffer.go,
// recv_buffer.go) but rewritten around a single cumulative+selective ack
// scheme instead of the teacher's GUUID-keyed, channel-driven design.
package reliability

import (
	"time"

	"github.com/aetherflow/quantumudp/protocol"
)

const (
	// AckRecvBehindAllowed bounds how far behind the current window an
	// incoming ack number may lag before being rejected.
	AckRecvBehindAllowed = 10

	// QueueSizeMax is the largest accepted seq_cnt before a datagram is
	// treated as a stale duplicate or dropped outright.
	QueueSizeMax = 16384

	// MinRTO and MaxRTO clamp the retransmission timeout.
	MinRTO = 200 * time.Millisecond
	MaxRTO = 1000 * time.Millisecond
	// DefaultRTO is used before any RTT sample has been taken.
	DefaultRTO = 500 * time.Millisecond

	// MaxPacketPayload mirrors protocol.MaxPacketPayload; re-exported here
	// since reliability is the layer that enforces the flow-control floor.
	MaxPacketPayload = protocol.MaxPacketPayload

	// WindowSizeMax is the congestion window ceiling.
	WindowSizeMax = 16 * 1024 * 1024

	// WaitSynRecv and WaitFinSent bound how long a half-open or
	// half-closed connection may sit idle before being destroyed.
	WaitSynRecv = 10 * time.Second
	WaitFinSent = 10 * time.Second

	// KeepaliveInterval is how long a CONNECTED connection may go without
	// sending anything before a keepalive probe is due.
	KeepaliveInterval = 29 * time.Second
)
