package reliability

import (
	"time"

	"github.com/aetherflow/quantumudp/congestion"
	"github.com/aetherflow/quantumudp/protocol"
	"github.com/aetherflow/quantumudp/qerrors"
	"github.com/aetherflow/quantumudp/ring"
	"github.com/aetherflow/quantumudp/seqnum"
)

// SendQueue is the outbuf side of a connection: the ring of unacknowledged
// packet records plus the flow-control bookkeeping that governs when they
// may be (re)transmitted. The congestion window ceiling itself lives in
// congestion.Controller; SendQueue only tracks bytes currently in flight
// against it. Grounded on the teacher's reliability/send_buffer.go
// SendBuffer type, generalized from its GUUID-keyed slice storage to
// ring.Buffer[PacketRecord] addressed by a 16-bit sequence space.
type SendQueue struct {
	buf        *ring.Buffer[PacketRecord]
	SeqNr      seqnum.Value // next sequence number to allocate
	Queue      uint16       // count of in-flight records, occupying [SeqNr-Queue, SeqNr)
	Congestion *congestion.Controller

	FlightWindow uint32
}

// NewSendQueue creates an empty send queue starting at seq 0, backed by cc
// for its flight-window limit.
func NewSendQueue(cc *congestion.Controller) *SendQueue {
	return &SendQueue{
		buf:        ring.New[PacketRecord](),
		Congestion: cc,
	}
}

// TailSeq returns the sequence number of the most recently allocated
// record (SeqNr - 1); only meaningful when Queue > 0.
func (sq *SendQueue) TailSeq() seqnum.Value {
	return sq.SeqNr - 1
}

// BaseSeq returns the oldest unacknowledged sequence number (SeqNr - Queue).
func (sq *SendQueue) BaseSeq() seqnum.Value {
	return sq.SeqNr - seqnum.Value(sq.Queue)
}

// BuildSendPacket assembles payload into the outbuf, coalescing onto the
// current tail record when possible. Returns the sequence number the
// payload was appended to.
func (sq *SendQueue) BuildSendPacket(connID uint16, typ protocol.Type, payload []byte) seqnum.Value {
	if sq.Queue > 0 {
		tail := sq.TailSeq()
		if rec := sq.buf.Get(tail); rec != nil && rec.Pending() {
			room := protocol.MaxPacketPayload - len(rec.Payload)
			if room > 0 {
				n := len(payload)
				if n > room {
					n = room
				}
				rec.Payload = append(rec.Payload, payload[:n]...)
				if n == len(payload) {
					return tail
				}
				payload = payload[n:]
			}
		}
	}

	seq := sq.SeqNr
	sq.buf.EnsureSize(sq.BaseSeq(), seqnum.Size(sq.Queue)+1)
	rec := &PacketRecord{
		Header: protocol.Header{
			Version: protocol.CurrentVersion,
			Type:    typ,
			ConnID:  connID,
			SeqNr:   uint16(seq),
		},
		Payload: append([]byte(nil), payload...),
	}
	sq.buf.Put(seq, rec)
	sq.SeqNr++
	sq.Queue++
	return seq
}

// FlightWindowFull reports whether another MAX_PACKET_PAYLOAD-sized send
// would exceed the smaller of the congestion limit and the peer's
// advertised window.
func (sq *SendQueue) FlightWindowFull(recvWindowPeer uint32) bool {
	limit := sq.Congestion.Limit()
	if recvWindowPeer < limit {
		limit = recvWindowPeer
	}
	return sq.FlightWindow+protocol.MaxPacketPayload > limit
}

// SendPacketRecord stamps and transmits the record at seq. send is called
// with the fully encoded datagram.
func (sq *SendQueue) SendPacketRecord(seq, ackNr seqnum.Value, recvWindowSelf uint32, nowUs int64, send func([]byte) error) error {
	rec := sq.buf.Get(seq)
	if rec == nil {
		return qerrors.ErrNilHandle()
	}
	sq.FlightWindow += uint32(len(rec.Payload))
	rec.NeedsResend = false
	rec.Header.AckNr = uint16(ackNr)
	rec.Header.Window = recvWindowSelf
	rec.SentTimeUs = nowUs
	rec.Transmissions++

	buf := rec.Encode(nil)
	return send(buf)
}

// FlushPackets walks the in-flight range sending every untransmitted or
// needs-resend record until the window is full. Returns the number of
// records sent and whether it stopped due to a full window.
func (sq *SendQueue) FlushPackets(ackNr seqnum.Value, recvWindowSelf, recvWindowPeer uint32, nowUs int64, send func([]byte) error) (sent int, full bool) {
	base := sq.BaseSeq()
	for i := uint16(0); i < sq.Queue; i++ {
		seq := seqnum.Add(base, seqnum.Size(i))
		rec := sq.buf.Get(seq)
		if rec == nil {
			continue
		}
		if !rec.Pending() && !rec.NeedsResend {
			continue
		}
		if sq.FlightWindowFull(recvWindowPeer) {
			return sent, true
		}
		if err := sq.SendPacketRecord(seq, ackNr, recvWindowSelf, nowUs, send); err != nil {
			return sent, false
		}
		sent++
	}
	return sent, false
}

// AckPacket removes the record at seq from the outbuf, folding a clean-ack
// RTT sample into rtt when this was the record's first and only
// transmission. Returns false if there was nothing to ack.
func (sq *SendQueue) AckPacket(seq seqnum.Value, rtt *RTTEstimator, nowUs int64) bool {
	rec := sq.buf.Get(seq)
	if rec == nil || rec.Transmissions == 0 {
		return false
	}
	sq.buf.Delete(seq)
	if rec.Transmissions == 1 {
		sampleUs := nowUs - rec.SentTimeUs
		if sampleUs < 0 {
			sampleUs = 0
		}
		rtt.Sample(microseconds(sampleUs))
	}
	if !rec.NeedsResend {
		if uint32(len(rec.Payload)) > sq.FlightWindow {
			sq.FlightWindow = 0
		} else {
			sq.FlightWindow -= uint32(len(rec.Payload))
		}
	}
	return true
}

// SelectiveAck acks every in-flight slot whose bit is set in mask: bit i
// (LSB first within each byte) represents slot start+i; bits outside the
// current in-flight range [BaseSeq, SeqNr) are ignored, and unset bits
// (holes) are left for the retransmit timer rather than eagerly
// retransmitted. Returns the number of slots acked.
func (sq *SendQueue) SelectiveAck(start seqnum.Value, mask []byte, rtt *RTTEstimator, nowUs int64) int {
	acked := 0
	for byteIdx, b := range mask {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) == 0 {
				continue
			}
			offset := byteIdx*8 + bit
			seq := start + seqnum.Value(offset)
			if !seqnum.InWindow(seq, sq.BaseSeq(), seqnum.Size(sq.Queue)) {
				continue
			}
			if sq.AckPacket(seq, rtt, nowUs) {
				acked++
			}
		}
	}
	return acked
}

// MarkTimedOut flags every in-flight record whose retransmit deadline has
// passed as needs-resend, removing its payload from the flight window
// accounting.
func (sq *SendQueue) MarkTimedOut(nowUs int64, rtoUs int64) int {
	base := sq.BaseSeq()
	marked := 0
	for i := uint16(0); i < sq.Queue; i++ {
		seq := seqnum.Add(base, seqnum.Size(i))
		rec := sq.buf.Get(seq)
		if rec == nil || rec.Pending() || rec.NeedsResend {
			continue
		}
		if rec.SentTimeUs+rtoUs <= nowUs {
			rec.NeedsResend = true
			if uint32(len(rec.Payload)) > sq.FlightWindow {
				sq.FlightWindow = 0
			} else {
				sq.FlightWindow -= uint32(len(rec.Payload))
			}
			marked++
		}
	}
	return marked
}

// ResizeWindow delegates the congestion window's multiplicative
// halving/doubling rule to the connection's congestion.Controller, passing
// the current oldest-in-flight sequence number.
func (sq *SendQueue) ResizeWindow() {
	sq.Congestion.OnRetransmitRound(sq.BaseSeq())
}

// DropAcked shrinks the logical in-flight window by n slots, called after
// a cumulative or selective ack round removes records from the front. If
// the outbuf empties out entirely, the congestion controller resets to
// congestion.DefaultInitialLimit (regardless of the limit it was created
// with) and probing state rather than carrying a stale window
// estimate into whatever is sent next.
func (sq *SendQueue) DropAcked(n uint16) {
	if n > sq.Queue {
		n = sq.Queue
	}
	sq.Queue -= n
	if sq.Queue == 0 && sq.Congestion != nil {
		sq.Congestion.Reset(nil)
	}
}

// OldestSentTimeUs returns the send timestamp of the oldest in-flight
// record (the one at BaseSeq), used to compute the next retransmit
// ticker deadline. Returns false if the outbuf is empty or the oldest
// slot has never been transmitted.
func (sq *SendQueue) OldestSentTimeUs() (int64, bool) {
	if sq.Queue == 0 {
		return 0, false
	}
	rec := sq.buf.Get(sq.BaseSeq())
	if rec == nil || rec.Pending() {
		return 0, false
	}
	return rec.SentTimeUs, true
}

func microseconds(us int64) time.Duration {
	return time.Duration(us) * time.Microsecond
}
