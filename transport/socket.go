// Package transport owns the single non-blocking UDP socket shared by a
// Quantum endpoint, adapted from the teacher's internal/quantum/transport
// package — but where the teacher dials one net.UDPConn per logical
// Connection, this endpoint multiplexes many connections over a single
// socket, so this port keeps the teacher's Config/Statistics shape and
// buffer-size-hint knobs and moves Dial/Listen's one-socket-per-peer model
// down to one socket per Endpoint.
package transport

import (
	"errors"
	"net"
	"time"
)

const (
	// DefaultReadBufferSize and DefaultWriteBufferSize are socket buffer
	// hints applied at bind time, also settable later via SetReadBuffer/
	// SetWriteBuffer.
	DefaultReadBufferSize  = 2 * 1024 * 1024
	DefaultWriteBufferSize = 2 * 1024 * 1024
)

// Config configures the shared socket.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultConfig returns the teacher's default buffer sizes.
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
	}
}

// Statistics tracks socket-level counters, independent of any one
// connection, for the Endpoint to expose via metrics.
type Statistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Errors          uint64
}

// Socket is the single non-blocking UDP socket an Endpoint drives. It is
// not safe for concurrent use — like every other Quantum type, it is
// driven by one goroutine that owns the enclosing Endpoint.
type Socket struct {
	conn   *net.UDPConn
	config *Config
	Stats  Statistics
}

// Bind opens a UDP socket on host:service (service may be a numeric port
// or a service name resolvable by net.ResolveUDPAddr).
func Bind(host, service string, config *Config) (*Socket, error) {
	if config == nil {
		config = DefaultConfig()
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, service))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadBuffer(config.ReadBufferSize)
	_ = conn.SetWriteBuffer(config.WriteBufferSize)
	return &Socket{conn: conn, config: config}, nil
}

// SetReadBuffer and SetWriteBuffer update the socket buffer size hints,
// the property knobs Endpoint.SetProp exposes for SNDBUF/RCVBUF.
func (s *Socket) SetReadBuffer(n int) error {
	s.config.ReadBufferSize = n
	return s.conn.SetReadBuffer(n)
}

func (s *Socket) SetWriteBuffer(n int) error {
	s.config.WriteBufferSize = n
	return s.conn.SetWriteBuffer(n)
}

// ErrWouldBlock is returned by RecvFrom when no datagram is currently
// available, the non-blocking-socket equivalent of EAGAIN.
var ErrWouldBlock = errors.New("transport: recv would block")

// RecvFrom performs one non-blocking receive: it arms an immediate read
// deadline so the underlying blocking net.UDPConn call returns right away
// if nothing is pending, the same SetReadDeadline(time.Now()) idiom the
// teacher's Conn uses for its read timeout, pushed to "expire now" instead
// of a multi-second budget.
func (s *Socket) RecvFrom(buf []byte) (n int, addr *net.UDPAddr, err error) {
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, nil, err
	}
	n, addr, err = s.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil, ErrWouldBlock
		}
		s.Stats.Errors++
		return 0, nil, err
	}
	s.Stats.PacketsReceived++
	s.Stats.BytesReceived += uint64(n)
	return n, addr, nil
}

// SendTo transmits buf to addr. UDP sends never block on a healthy
// socket, so this has no deadline dance.
func (s *Socket) SendTo(buf []byte, addr *net.UDPAddr) error {
	n, err := s.conn.WriteToUDP(buf, addr)
	if err != nil {
		s.Stats.Errors++
		return err
	}
	s.Stats.PacketsSent++
	s.Stats.BytesSent += uint64(n)
	return nil
}

// FD exposes the OS file descriptor backing the socket, for
// Endpoint.GetProp(PropFD). On platforms where SyscallConn is unavailable
// this returns -1.
func (s *Socket) FD() uintptr {
	raw, err := s.conn.SyscallConn()
	if err != nil {
		return ^uintptr(0)
	}
	var fd uintptr
	_ = raw.Control(func(f uintptr) { fd = f })
	return fd
}

// LocalAddr returns the bound local address.
func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close releases the socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}
