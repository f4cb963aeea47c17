package quantum

import (
	"context"
	"math/rand"
	"net"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aetherflow/quantumudp/metrics"
	"github.com/aetherflow/quantumudp/protocol"
	"github.com/aetherflow/quantumudp/qerrors"
	"github.com/aetherflow/quantumudp/telemetry"
	"github.com/aetherflow/quantumudp/transport"
)

const (
	// SynBacklog caps the number of not-yet-accepted inbound handshakes
	// an endpoint will track at once; beyond it, SYNs are answered with
	// RESET instead of a fresh Connection.
	SynBacklog = 50

	// idAllocRetries bounds the collision-avoidance draw for a fresh
	// id_seed: birthday-bounded, not an infinite loop against a hostile
	// peer.
	idAllocRetries = 8

	// SocketCheckMinMs and SocketCheckMaxMs bound the next_check_timeout_ms
	// Tick reports to the caller, clamping the min-over-connections
	// retransmit deadline into a sane polling cadence.
	SocketCheckMinMs = 100
	SocketCheckMaxMs = 500
)

// connKey identifies a Connection by peer address and the local recv_id
// it was allocated, the demux key for established connections.
type connKey struct {
	addr   string
	recvID uint16
}

// Endpoint owns the single shared UDP socket and every Connection
// multiplexed over it, adapted from the teacher's listener/pool model but
// collapsed to a single cooperative, non-blocking engine: one socket,
// driven by one caller goroutine calling ReadPoll/Tick in a loop.
type Endpoint struct {
	socket *transport.Socket
	rng    *rand.Rand

	conns map[connKey]*Connection

	nowMs int64

	recvBuf []byte

	logger       *zap.Logger
	debugLimiter *rate.Limiter
	metrics      *metrics.Collector
	tracer       *telemetry.Tracer
	fecConfig    FECConfig
}

// Create binds a UDP socket on host:service with default configuration,
// speaking the given wire protocol version (only protocol.CurrentVersion
// is accepted). Logging, metrics, and tracing use the DefaultConfig values
// (an info-level zap production logger, which the endpoint's debug-level
// per-packet lines never reach; an unregistered metrics registry; a
// disabled tracer); use CreateWithConfig to configure them.
func Create(version uint8, host, service string) (*Endpoint, error) {
	cfg := DefaultConfig()
	cfg.Version = version
	cfg.Host, cfg.Port = host, service
	return CreateWithConfig(cfg)
}

// CreateWithConfig binds a UDP socket and wires logging, metrics, and
// tracing from cfg, the way the teacher's cmd/gateway/main.go builds its
// service context from a loaded config.Config. Rejects cfg.Version values
// other than protocol.CurrentVersion before touching the network.
func CreateWithConfig(cfg *Config) (*Endpoint, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Version != protocol.CurrentVersion {
		return nil, qerrors.ErrBadVersion()
	}
	sock, err := transport.Bind(cfg.Host, cfg.Port, nil)
	if err != nil {
		return nil, err
	}
	tracer, err := telemetry.New(&cfg.Tracing, buildLogger(cfg.Log.Level))
	if err != nil {
		return nil, err
	}
	return &Endpoint{
		socket:       sock,
		rng:          rand.New(rand.NewSource(endpointSeed(sock))),
		conns:        make(map[connKey]*Connection),
		recvBuf:      make([]byte, 64*1024),
		logger:       buildLogger(cfg.Log.Level),
		debugLimiter: buildDebugLimiter(cfg.DebugLogRatePerSecond),
		metrics:      metricsForConfig(cfg),
		tracer:       tracer,
		fecConfig:    cfg.FEC,
	}, nil
}

// endpointSeed derives a per-endpoint RNG seed from the bound local
// address instead of the process-global rand source, so two endpoints in
// the same process never share RNG state.
func endpointSeed(sock *transport.Socket) int64 {
	addr := sock.LocalAddr().String()
	var seed int64
	for _, b := range []byte(addr) {
		seed = seed*131 + int64(b)
	}
	if seed == 0 {
		seed = 1
	}
	return seed
}

// Destroy closes the underlying socket and shuts down tracing, aggregating
// any failures with go.uber.org/multierr the way the teacher's gateway
// shutdown path folds multiple teardown errors into one, implementing
// endpoint_destroy.
func (e *Endpoint) Destroy() error {
	var err error
	err = multierr.Append(err, e.socket.Close())
	if e.tracer != nil {
		err = multierr.Append(err, e.tracer.Shutdown(context.Background()))
	}
	if e.logger != nil {
		_ = e.logger.Sync()
	}
	return err
}

// Endpoint property identifiers for GetProp/SetProp.
const (
	PropFD = iota
	PropSendBufferSize
	PropRecvBufferSize
)

// GetProp reads a socket-level property.
func (e *Endpoint) GetProp(prop int) (int, error) {
	switch prop {
	case PropFD:
		return int(e.socket.FD()), nil
	default:
		return 0, qerrors.ErrUnknownProp()
	}
}

// SetProp writes a socket-level property.
func (e *Endpoint) SetProp(prop int, value int) error {
	switch prop {
	case PropSendBufferSize:
		return e.socket.SetWriteBuffer(value)
	case PropRecvBufferSize:
		return e.socket.SetReadBuffer(value)
	default:
		return qerrors.ErrUnknownProp()
	}
}

// allocateConnIDs draws a fresh id_seed not already claimed by this
// endpoint's connection table, deriving the paired recv/send ids from it:
// recv_id = id_seed, send_id = id_seed + 1 for an initiator. Bounded
// retries accept the small birthday-bound collision risk rather than
// looping forever against an adversarial peer.
func (e *Endpoint) allocateConnIDs() (idSeed, recvID, sendID uint16) {
	for i := 0; i < idAllocRetries; i++ {
		candidate := uint16(e.rng.Intn(1 << 16))
		taken := false
		for key := range e.conns {
			if key.recvID == candidate {
				taken = true
				break
			}
		}
		if taken {
			continue
		}
		return candidate, candidate, candidate + 1
	}
	candidate := uint16(e.rng.Intn(1 << 16))
	return candidate, candidate, candidate + 1
}

func (e *Endpoint) registerByRecvID(c *Connection) {
	e.conns[connKey{addr: c.peerAddr.String(), recvID: c.recvID}] = c
}

// ConnectionCreate allocates a Connection bound to this endpoint but not
// yet connected, the handle-creation half of Connect.
func (e *Endpoint) ConnectionCreate() *Connection {
	return newConnection(e)
}

// NetConnect resolves host:service and initiates a handshake to it in one
// call.
func (e *Endpoint) NetConnect(host, service string) (*Connection, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, service))
	if err != nil {
		return nil, err
	}
	c := e.ConnectionCreate()
	if err := c.Connect(addr); err != nil {
		return nil, err
	}
	return c, nil
}

// ReadPoll drains one unit of work: a previously buffered deliverable for
// some connection, or one inbound datagram off the socket, demultiplexed
// and fed to the owning Connection's HandlePacket. It returns the
// connection the event concerns (nil for AGAIN/ERROR with no connection
// context), the event bitmask, the number of bytes copied into buf, and
// an error.
func (e *Endpoint) ReadPoll(buf []byte) (*Connection, Events, int, error) {
	// First: surface any connection's pending handshake/pollout event or
	// queued in-order payload, one per call, before touching the socket.
	for _, c := range e.conns {
		if c.pendingEvent != 0 {
			ev := c.pendingEvent
			c.pendingEvent = 0
			return c, ev | EventContinue, 0, nil
		}
		if payload, isEOF, tooSmall, ok := c.popDeliverable(len(buf)); ok {
			if tooSmall {
				return c, EventError, 0, qerrors.ErrBufferTooSmall()
			}
			if isEOF {
				return c, EventData | EventContinue, 0, nil
			}
			n := copy(buf, payload)
			return c, EventData | EventContinue, n, nil
		}
	}

	n, addr, err := e.socket.RecvFrom(e.recvBuf)
	if err != nil {
		e.flushAcks()
		if err == transport.ErrWouldBlock {
			return nil, EventAgain, 0, nil
		}
		return nil, EventError, 0, err
	}

	hdr, decodeErr := protocol.Decode(e.recvBuf[:n])
	if decodeErr != nil {
		e.recordDropped("bad_header")
		return nil, EventContinue, 0, nil
	}
	var exts []protocol.Extension
	payloadStart := protocol.HeaderSize
	if hdr.Extension != protocol.ExtensionNone {
		parsed, consumed, extErr := protocol.DecodeExtensions(hdr.Extension, e.recvBuf[protocol.HeaderSize:n])
		if extErr != nil {
			e.recordDropped("bad_extension")
			return nil, EventContinue, 0, nil
		}
		exts = parsed
		payloadStart += consumed
	}
	payload := e.recvBuf[payloadStart:n]
	e.recordReceived(hdr.Type, len(payload))

	c := e.demux(hdr, addr)
	if c == nil {
		e.recordDropped("no_connection")
		return nil, EventContinue, 0, nil
	}
	c.HandlePacket(hdr, exts, payload, e.nowMs)
	return nil, EventContinue, 0, nil
}

// recordReceived logs (rate-limited) and tallies one inbound packet.
func (e *Endpoint) recordReceived(typ protocol.Type, payloadLen int) {
	if e.metrics != nil {
		e.metrics.RecordReceived(typ.String(), payloadLen)
	}
	if e.logger != nil && e.debugLimiter != nil && e.debugLimiter.Allow() {
		e.logger.Debug("packet received", zap.String("type", typ.String()), zap.Int("payload_len", payloadLen))
	}
}

// recordSent logs (rate-limited) and tallies one outbound packet.
func (e *Endpoint) recordSent(typ protocol.Type, payloadLen int) {
	if e.metrics != nil {
		e.metrics.RecordSent(typ.String(), payloadLen)
	}
	if e.logger != nil && e.debugLimiter != nil && e.debugLimiter.Allow() {
		e.logger.Debug("packet sent", zap.String("type", typ.String()), zap.Int("payload_len", payloadLen))
	}
}

// recordDropped tallies one inbound packet discarded before reaching any
// connection's HandlePacket.
func (e *Endpoint) recordDropped(reason string) {
	if e.metrics != nil {
		e.metrics.RecordDropped(reason)
	}
}

// recordHandshake tallies one completed handshake as initiator or acceptor.
func (e *Endpoint) recordHandshake(role string) {
	if e.metrics != nil {
		e.metrics.RecordHandshake(role)
	}
}

// demux looks up the Connection a packet belongs to, or creates one for a
// fresh SYN. A SYN is keyed by the sender's recv_id (hdr.ConnID) on the
// wire, but once accepted the resulting Connection is registered under
// recvID = hdr.ConnID+1 (acceptSyn's own recv_id) — so a retransmitted
// SYN, an ordinary UDP occurrence, needs its own dedup probe against that
// already-accepted recv_id before falling through to "fresh SYN"
// handling, or it would mint a second, empty Connection over the first.
func (e *Endpoint) demux(hdr protocol.Header, addr *net.UDPAddr) *Connection {
	key := connKey{addr: addr.String(), recvID: hdr.ConnID}
	if c, ok := e.conns[key]; ok {
		return c
	}

	if hdr.Type != protocol.TypeSyn {
		return nil
	}
	if c, ok := e.conns[connKey{addr: addr.String(), recvID: hdr.ConnID + 1}]; ok {
		return c
	}
	if e.synBacklogCount() >= SynBacklog {
		e.sendReset(hdr.ConnID, addr)
		return nil
	}
	c := newConnection(e)
	if err := c.acceptSyn(addr, hdr.ConnID); err != nil {
		return nil
	}
	e.conns[connKey{addr: addr.String(), recvID: c.recvID}] = c
	return c
}

// synBacklogCount counts un-accepted SYN_RECV connections, the pool a
// flood of fresh SYNs draws against before SynBacklog turns them away
// with RESET.
func (e *Endpoint) synBacklogCount() int {
	n := 0
	for _, c := range e.conns {
		if c.state == StateSynRecv {
			n++
		}
	}
	return n
}

// sendReset answers a SYN beyond the backlog cap with an immediate RESET
// instead of silently dropping it.
func (e *Endpoint) sendReset(connID uint16, addr *net.UDPAddr) {
	hdr := protocol.Header{
		Version: protocol.CurrentVersion,
		Type:    protocol.TypeReset,
		ConnID:  connID,
	}
	buf := make([]byte, protocol.HeaderSize)
	hdr.Encode(buf)
	_ = e.socket.SendTo(buf, addr)
}

// flushAcks walks every connection with a pending ack and sends it; called
// whenever a socket read would block, so delayed acks never wait on the
// next inbound packet to go out.
func (e *Endpoint) flushAcks() {
	for _, c := range e.conns {
		if c.needSendAck {
			_ = c.sendAck()
		}
	}
}

// Tick advances the endpoint's clock to nowMs, runs every connection's
// Tick, sweeps connections that reached DESTROY, and returns the next
// recommended call deadline in milliseconds.
func (e *Endpoint) Tick(nowMs int64) int64 {
	e.nowMs = nowMs

	var dead []connKey
	nextTimeout := int64(SocketCheckMaxMs)
	counts := map[string]int{}
	var flightBytes uint32
	for key, c := range e.conns {
		if c.Tick(nowMs) {
			if e.tracer != nil {
				e.tracer.ConnectionTransition(context.Background(), c.sendID, c.state.String(), StateDestroy.String())
			}
			c.state = StateDestroy
			dead = append(dead, key)
			continue
		}
		counts[c.state.String()]++
		flightBytes += c.flightWindowBytes()
		remaining := c.retransmitTickerMs - nowMs
		if remaining < 0 {
			remaining = 0
		}
		if remaining < nextTimeout {
			nextTimeout = remaining
		}
	}
	for _, key := range dead {
		delete(e.conns, key)
	}
	if e.metrics != nil {
		e.metrics.SetConnectionCounts(counts)
		e.metrics.FlightWindow.Set(float64(flightBytes))
	}

	if nextTimeout < SocketCheckMinMs {
		nextTimeout = SocketCheckMinMs
	}
	if nextTimeout > SocketCheckMaxMs {
		nextTimeout = SocketCheckMaxMs
	}
	return nextTimeout
}
