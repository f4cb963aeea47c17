package quantum

import (
	"net"
	"time"

	"github.com/aetherflow/quantumudp/congestion"
	"github.com/aetherflow/quantumudp/fec"
	"github.com/aetherflow/quantumudp/protocol"
	"github.com/aetherflow/quantumudp/qerrors"
	"github.com/aetherflow/quantumudp/reliability"
	"github.com/aetherflow/quantumudp/seqnum"
)

const (
	// RDPMaxVec bounds the number of iovecs WriteVec accepts per call.
	RDPMaxVec = 1024

	// DefaultRecvWindowSelf is the receive window this endpoint
	// advertises to peers.
	DefaultRecvWindowSelf = 1 << 20

	// fecStaleGroupWindow bounds how many FEC groups behind the newest
	// one seen a decoding group may sit before it's dropped as
	// unrecoverable, so a group that lost too many shards to ever
	// complete doesn't sit in Decoder.groups forever.
	fecStaleGroupWindow = 64
)

// Connection is one peer's reliable byte-stream session, implementing the
// handshake/teardown state machine and receive path. Unlike the teacher's
// Connection (goroutines for send/recv/reliability/keepalive feeding each
// other over channels and a sync.RWMutex guarding shared fields), this
// type has no internal concurrency: every method is called synchronously
// from the owning Endpoint, which itself is driven by one caller
// goroutine.
type Connection struct {
	endpoint *Endpoint
	peerAddr *net.UDPAddr

	state State

	idSeed uint16
	recvID uint16
	sendID uint16

	send *reliability.SendQueue
	recv *reliability.RecvQueue
	rtt  reliability.RTTEstimator

	recvWindowPeer uint32
	recvWindowSelf uint32

	eofSeqnr              seqnum.Value
	receivedFin           bool
	receivedFinCompleted  bool
	needSendAck           bool

	retransmitTimeout  time.Duration
	retransmitTickerMs int64

	lastReceivedPacketMs int64
	lastSentPacketMs     int64

	deliverQueue [][]byte
	pendingEvent Events // ACCEPT/CONNECTED/POLLOUT awaiting a ReadPoll report

	// FEC: shard index is derived from seqnr rather than carried on every
	// data packet, so only the parity packets need their own extension;
	// fecSendBase/fecRecvBase anchor that arithmetic to the first data
	// seqnr each direction actually sees.
	fecEncoder     *fec.Encoder
	fecDecoder     *fec.Decoder
	fecDataShards  int
	fecSendBase    seqnum.Value
	fecSendBaseSet bool
	fecRecvBase    seqnum.Value
	fecRecvBaseSet bool
	fecHighGroupID uint32

	userData interface{}
}

func newConnection(ep *Endpoint) *Connection {
	c := &Connection{
		endpoint:           ep,
		state:              StateUninitialized,
		send:               reliability.NewSendQueue(congestion.New(nil)),
		recv:               reliability.NewRecvQueue(0),
		recvWindowSelf:     DefaultRecvWindowSelf,
		retransmitTimeout:  reliability.DefaultRTO,
		retransmitTickerMs: ep.nowMs + reliability.DefaultRTO.Milliseconds(),
	}
	c.send.SeqNr = 1
	if ep.fecConfig.Enabled {
		cfg := &fec.Config{DataShards: ep.fecConfig.DataShards, ParityShards: ep.fecConfig.ParityShards}
		if enc, err := fec.NewEncoder(cfg); err == nil {
			c.fecEncoder = enc
			c.fecDataShards = cfg.DataShards
		}
		if dec, err := fec.NewDecoder(cfg); err == nil {
			c.fecDecoder = dec
		}
	}
	return c
}

// Connect initiates a handshake to peerAddr: UNINITIALIZED → SYN_SENT.
func (c *Connection) Connect(peerAddr *net.UDPAddr) error {
	if c.state != StateUninitialized {
		return qerrors.ErrNotUninitialized()
	}
	idSeed, recvID, sendID := c.endpoint.allocateConnIDs()
	c.idSeed, c.recvID, c.sendID = idSeed, recvID, sendID
	c.peerAddr = peerAddr
	c.endpoint.registerByRecvID(c)
	c.state = StateSynSent
	return c.sendSyn()
}

// sendSyn transmits the initial SYN. The SYN's conn_id carries the
// initiator's own recv_id rather than its send_id — the one exception to
// every other packet type, which carries the sender's send_id (the value
// the peer is listening on). The acceptor derives its own send_id from
// this field and its own recv_id from conn_id+1.
func (c *Connection) sendSyn() error {
	seq := c.send.BuildSendPacket(c.recvID, protocol.TypeSyn, nil)
	nowUs := c.endpoint.nowMs * 1000
	err := c.send.SendPacketRecord(seq, c.recv.AckNr, c.recvWindowSelf, nowUs, c.transmit)
	if err == nil {
		c.lastSentPacketMs = c.endpoint.nowMs
	}
	return err
}

// acceptSyn initializes a Connection freshly created from an inbound SYN:
// UNINITIALIZED(endpoint) → SYN_RECV.
func (c *Connection) acceptSyn(peerAddr *net.UDPAddr, synConnID uint16) error {
	c.peerAddr = peerAddr
	c.recvID = synConnID + 1
	c.sendID = synConnID
	c.idSeed = synConnID
	c.state = StateSynRecv
	c.lastReceivedPacketMs = c.endpoint.nowMs
	c.needSendAck = true
	return c.sendAck()
}

func (c *Connection) sendControl(typ protocol.Type, payload []byte) error {
	seq := c.send.BuildSendPacket(c.sendID, typ, payload)
	nowUs := c.endpoint.nowMs * 1000
	err := c.send.SendPacketRecord(seq, c.recv.AckNr, c.recvWindowSelf, nowUs, c.transmit)
	if err == nil {
		c.lastSentPacketMs = c.endpoint.nowMs
	}
	return err
}

// feedFECEncoder hands one outbound DATA payload to the FEC encoder and
// fires off any parity shards a completed group produces.
func (c *Connection) feedFECEncoder(payload []byte) {
	groupID, parity, err := c.fecEncoder.AddData(payload)
	if err != nil || parity == nil {
		return
	}
	c.sendFECParity(groupID, parity)
}

// sendFECParity transmits each parity shard as a standalone DATA packet
// carrying only a FEC extension TLV, bypassing the send queue entirely:
// parity packets are best-effort and are never retransmitted or acked.
func (c *Connection) sendFECParity(groupID uint32, shards [][]byte) {
	nowUs := c.endpoint.nowMs * 1000
	for i, shard := range shards {
		h := fec.ShardHeader{GroupID: groupID, ShardIndex: uint8(i), IsParity: true}
		ext := protocol.Extension{ID: protocol.ExtensionFEC, Payload: fec.EncodeShardPayload(h, shard)}
		firstID, encoded := protocol.EncodeExtensions([]protocol.Extension{ext})
		hdr := protocol.Header{
			Version:     protocol.CurrentVersion,
			Type:        protocol.TypeData,
			Extension:   firstID,
			ConnID:      c.sendID,
			TimestampUs: uint32(nowUs),
			Window:      c.recvWindowSelf,
			SeqNr:       uint16(c.send.SeqNr),
			AckNr:       uint16(c.recv.AckNr),
		}
		buf := make([]byte, protocol.HeaderSize+len(encoded))
		hdr.Encode(buf[:protocol.HeaderSize])
		copy(buf[protocol.HeaderSize:], encoded)
		_ = c.transmit(buf)
	}
}

// fecShardSeq maps a (groupID, shardIndex) pair assigned by the peer's
// encoder back to the absolute seqnr it covers, anchored at fecRecvBase
// (the seqnr of the first data payload this connection ever received).
func (c *Connection) fecShardSeq(groupID uint32, shardIndex uint8) seqnum.Value {
	pos := (groupID-1)*uint32(c.fecDataShards) + uint32(shardIndex)
	return seqnum.Add(c.fecRecvBase, seqnum.Size(pos))
}

// fecGroupShard is the inverse of fecShardSeq: the (groupID, shardIndex)
// the sender's encoder assigned an inbound data seqnr.
func (c *Connection) fecGroupShard(seq seqnum.Value) (groupID uint32, shardIndex uint8) {
	pos := uint32(seqnum.Diff(seq, c.fecRecvBase))
	return pos/uint32(c.fecDataShards) + 1, uint8(pos % uint32(c.fecDataShards))
}

// feedFECDecoder records one newly-accepted inbound data payload against
// the decoder's bookkeeping for its group, recovering and storing any
// shards reconstructed as a result.
func (c *Connection) feedFECDecoder(seq seqnum.Value, payload []byte) {
	if !c.fecRecvBaseSet {
		c.fecRecvBase, c.fecRecvBaseSet = seq, true
	}
	groupID, shardIndex := c.fecGroupShard(seq)
	c.noteFECGroupSeen(groupID)
	recovered, err := c.fecDecoder.AddShard(fec.ShardHeader{GroupID: groupID, ShardIndex: shardIndex}, payload)
	if err != nil || recovered == nil {
		return
	}
	c.storeFECRecovered(groupID, recovered)
}

// handleFECParity feeds one received parity shard to the decoder and
// stores whatever group it completes.
func (c *Connection) handleFECParity(hdr fec.ShardHeader, shard []byte) {
	if !c.fecRecvBaseSet {
		return // nothing to anchor shard positions to yet
	}
	c.noteFECGroupSeen(hdr.GroupID)
	recovered, err := c.fecDecoder.AddShard(hdr, shard)
	if err != nil || recovered == nil {
		return
	}
	c.storeFECRecovered(hdr.GroupID, recovered)
}

// noteFECGroupSeen tracks the newest FEC group id observed, the
// high-water mark Tick cleans stale decoding groups against.
func (c *Connection) noteFECGroupSeen(groupID uint32) {
	if groupID > c.fecHighGroupID {
		c.fecHighGroupID = groupID
	}
}

// storeFECRecovered injects every data shard of a reconstructed group
// into the reorder buffer at its derived seqnr; RecvQueue.Store already
// no-ops shards already held, so double-delivery from shards we actually
// received ourselves is harmless.
func (c *Connection) storeFECRecovered(groupID uint32, shards [][]byte) {
	for i, shard := range shards {
		seq := c.fecShardSeq(groupID, uint8(i))
		c.recv.Store(seq, shard)
	}
	c.deliverQueue = append(c.deliverQueue, c.recv.DrainContiguous()...)
	c.needSendAck = true
}

func (c *Connection) transmit(buf []byte) error {
	if err := c.endpoint.socket.SendTo(buf, c.peerAddr); err != nil {
		return err
	}
	c.endpoint.recordSent(protocol.Type(buf[0]>>4), len(buf)-protocol.HeaderSize)
	return nil
}

// Write accepts bytes into the send queue.
func (c *Connection) Write(b []byte) (int, error) {
	return c.WriteVec([][]byte{b})
}

// WriteVec accepts up to RDPMaxVec iovecs into the send queue.
func (c *Connection) WriteVec(vecs [][]byte) (int, error) {
	if len(vecs) > RDPMaxVec {
		return -1, qerrors.ErrTooManyVecs()
	}
	if c.state != StateConnected && c.state != StateConnectedFull {
		return -1, qerrors.ErrNotEstablished()
	}
	if c.state == StateConnectedFull {
		return -1, qerrors.ErrWindowFull()
	}

	total := 0
	for _, v := range vecs {
		if len(v) == 0 {
			continue
		}
		seq := c.send.BuildSendPacket(c.sendID, protocol.TypeData, v)
		if c.fecEncoder != nil {
			if !c.fecSendBaseSet {
				c.fecSendBase, c.fecSendBaseSet = seq, true
			}
			c.feedFECEncoder(v)
		}
		total += len(v)
	}
	c.flush()
	if total == 0 {
		return -1, qerrors.ErrWindowFull()
	}
	return total, nil
}

func (c *Connection) flush() {
	nowUs := c.endpoint.nowMs * 1000
	sent, full := c.send.FlushPackets(c.recv.AckNr, c.recvWindowSelf, c.recvWindowPeer, nowUs, c.transmit)
	if full && c.state == StateConnected {
		c.state = StateConnectedFull
	}
	if sent > 0 {
		c.lastSentPacketMs = c.endpoint.nowMs
	}
}

// flightWindowBytes reports this connection's current in-flight byte
// count, for the endpoint's aggregate flight-window gauge.
func (c *Connection) flightWindowBytes() uint32 {
	return c.send.FlightWindow
}

// Close transitions toward DESTROY: FIN_SENT if the peer's FIN hasn't
// been seen yet, straight to DESTROY otherwise.
func (c *Connection) Close() error {
	switch c.state {
	case StateUninitialized, StateSynSent:
		c.state = StateDestroy
		return nil
	case StateDestroy, StateFinSent:
		return nil
	}
	if c.receivedFin {
		c.state = StateDestroy
		return nil
	}
	c.state = StateFinSent
	return c.sendControl(protocol.TypeFin, nil)
}

// GetUserData and SetUserData implement conn_get_user_data/conn_set_user_data.
func (c *Connection) GetUserData() interface{}     { return c.userData }
func (c *Connection) SetUserData(v interface{})    { c.userData = v }

// HandlePacket runs the receive path for one inbound datagram already
// demultiplexed to this connection.
func (c *Connection) HandlePacket(hdr protocol.Header, exts []protocol.Extension, payload []byte, nowMs int64) {
	// FEC parity shards carry no seqnr of their own and sit outside the
	// reliable sequence machinery entirely: handle and
	// return before any of the ack/seq logic below ever sees them.
	if c.fecDecoder != nil {
		for _, e := range exts {
			if e.ID != protocol.ExtensionFEC {
				continue
			}
			if sh, shard, err := fec.DecodeShardPayload(e.Payload); err == nil && sh.IsParity {
				c.handleFECParity(sh, shard)
				return
			}
		}
	}

	// Step 1: ack validation. Reject an ack claiming more than we've ever
	// sent, or one so old it predates the allowed behind-the-window slop.
	// Note the argument order: After(a,b) reports whether a comes after
	// b, so "ack claims more than sent" reads After(ack, lastSent), and
	// "ack too far behind" reads After(threshold, ack) — get either
	// swapped and a connection's very first ack (ack=0 against a fresh
	// SeqNr=1) is rejected outright.
	lastSent := c.send.SeqNr - 1
	threshold := c.send.SeqNr - 1 - seqnum.Value(c.send.Queue) - reliability.AckRecvBehindAllowed
	if seqnum.After(seqnum.Value(hdr.AckNr), lastSent) || seqnum.After(threshold, seqnum.Value(hdr.AckNr)) {
		return
	}

	// Step 2: extensions already decoded by the caller (endpoint demux);
	// pull out the SACK payload, if present.
	var sackMask []byte
	for _, e := range exts {
		if e.ID == protocol.ExtensionSACK {
			sackMask = e.Payload
		}
	}

	// Step 3: stale/duplicate/out-of-window guard.
	seqCnt := seqnum.Diff(seqnum.Value(hdr.SeqNr), c.recv.AckNr+1)
	if uint32(seqCnt) >= reliability.QueueSizeMax {
		if hdr.Type != protocol.TypeState {
			c.needSendAck = true
		}
		return
	}

	// Step 4.
	c.lastReceivedPacketMs = nowMs
	c.recvWindowPeer = hdr.Window

	// Step 5: handshake transitions.
	if c.state == StateSynSent && hdr.Type == protocol.TypeState {
		c.state = StateConnected
		c.pendingEvent |= EventConnected
		c.endpoint.recordHandshake("initiator")
	}
	if c.state == StateSynRecv && hdr.Type == protocol.TypeData {
		c.state = StateConnected
		c.pendingEvent |= EventAccept
		c.endpoint.recordHandshake("acceptor")
	}

	// Step 6: cumulative ack.
	base := c.send.BaseSeq()
	ackCnt := uint16(seqnum.Diff(seqnum.Value(hdr.AckNr), base)) + 1
	if ackCnt > c.send.Queue {
		ackCnt = c.send.Queue
	}
	nowUs := nowMs * 1000
	for i := uint16(0); i < ackCnt; i++ {
		c.send.AckPacket(base+seqnum.Value(i), &c.rtt, nowUs)
	}
	c.send.DropAcked(ackCnt)
	if ackCnt > 0 && c.endpoint.metrics != nil {
		c.endpoint.metrics.RTTMicros.Set(float64(c.rtt.RTT.Microseconds()))
	}

	// Step 7: selective ack.
	if sackMask != nil {
		c.send.SelectiveAck(seqnum.Value(hdr.AckNr)+2, sackMask, &c.rtt, nowUs)
	}

	// Step 8: window freed.
	if c.state == StateConnectedFull && !c.send.FlightWindowFull(c.recvWindowPeer) {
		c.state = StateConnected
		c.pendingEvent |= EventPollout
	}

	// Step 9: pure ack, nothing more to do.
	if hdr.Type == protocol.TypeState {
		return
	}

	// Step 10: FIN observed.
	if hdr.Type == protocol.TypeFin && !c.receivedFin {
		c.eofSeqnr = seqnum.Value(hdr.SeqNr)
		c.receivedFin = true
	}

	if seqCnt == 0 {
		// Step 11: next in-order arrival.
		if c.fecDecoder != nil && hdr.Type == protocol.TypeData {
			c.feedFECDecoder(seqnum.Value(hdr.SeqNr), payload)
		}
		if len(payload) > 0 {
			c.deliverQueue = append(c.deliverQueue, append([]byte(nil), payload...))
		}
		c.recv.Advance()
		c.deliverQueue = append(c.deliverQueue, c.recv.DrainContiguous()...)
		c.needSendAck = true
		return
	}

	// Step 12: out of order.
	if c.receivedFin && seqnum.After(seqnum.Value(hdr.SeqNr), c.eofSeqnr) {
		return
	}
	if dup := c.recv.Store(seqnum.Value(hdr.SeqNr), payload); dup {
		c.needSendAck = true
		return
	}
	if c.fecDecoder != nil && hdr.Type == protocol.TypeData {
		c.feedFECDecoder(seqnum.Value(hdr.SeqNr), payload)
	}
	c.needSendAck = true
}

// sendAck builds and transmits a STATE packet, attaching a SACK extension
// when there is out-of-order data to report.
func (c *Connection) sendAck() error {
	var exts []protocol.Extension
	if c.send != nil && c.recv.OutOfOrderCount > 0 && c.state != StateSynRecv && !c.receivedFinCompleted {
		if mask := c.recv.SelectiveAckMask(); mask != nil {
			exts = append(exts, protocol.Extension{ID: protocol.ExtensionSACK, Payload: mask})
		}
	}
	firstID, encodedExts := protocol.EncodeExtensions(exts)
	hdr := protocol.Header{
		Version:   protocol.CurrentVersion,
		Type:      protocol.TypeState,
		Extension: firstID,
		ConnID:    c.sendID,
		Window:    c.recvWindowSelf,
		SeqNr:     uint16(c.send.SeqNr),
		AckNr:     uint16(c.recv.AckNr),
	}
	buf := make([]byte, protocol.HeaderSize+len(encodedExts))
	hdr.Encode(buf[:protocol.HeaderSize])
	copy(buf[protocol.HeaderSize:], encodedExts)
	c.needSendAck = false
	return c.transmit(buf)
}

// Tick runs the retransmit/resize/keepalive body when this connection's
// retransmit ticker is due, and the idle-kill checks that share its
// gating. Returns true if the connection should move to DESTROY.
func (c *Connection) Tick(nowMs int64) bool {
	if c.state == StateDestroy {
		return true
	}
	if c.retransmitTickerMs > nowMs {
		return false
	}

	if c.state == StateSynRecv && nowMs-c.lastReceivedPacketMs >= reliability.WaitSynRecv.Milliseconds() {
		return true
	}
	if c.state == StateFinSent && nowMs-c.lastReceivedPacketMs >= reliability.WaitFinSent.Milliseconds() {
		return true
	}

	nowUs := nowMs * 1000
	rtoUs := c.retransmitTimeout.Microseconds()
	if marked := c.send.MarkTimedOut(nowUs, rtoUs); marked > 0 && c.endpoint.metrics != nil {
		c.endpoint.metrics.PacketsRetransmitted.Add(float64(marked))
	}
	c.send.ResizeWindow()
	c.flush()

	if c.fecDecoder != nil && c.fecHighGroupID > fecStaleGroupWindow {
		c.fecDecoder.CleanupStaleGroups(c.fecHighGroupID - fecStaleGroupWindow)
	}

	next := c.rtt.NextTimeout()
	if sentUs, ok := c.send.OldestSentTimeUs(); ok {
		elapsed := time.Duration(nowUs-sentUs) * time.Microsecond
		if elapsed < 0 {
			elapsed = 0
		}
		remaining := next - elapsed
		if remaining < 0 {
			remaining = 0
		}
		c.retransmitTimeout = remaining
	} else {
		c.retransmitTimeout = next
	}
	c.retransmitTickerMs = nowMs + c.retransmitTimeout.Milliseconds()

	if (c.state == StateConnected || c.state == StateConnectedFull) &&
		nowMs-c.lastSentPacketMs >= reliability.KeepaliveInterval.Milliseconds() {
		c.sendKeepalive(nowUs)
	}

	if c.state == StateFinSent && c.send.Queue == 0 {
		return true
	}
	return false
}

// sendKeepalive transmits a detectable probe: an ack one behind the
// current cumulative ack, restored immediately after.
func (c *Connection) sendKeepalive(nowUs int64) {
	hdr := protocol.Header{
		Version: protocol.CurrentVersion,
		Type:    protocol.TypeState,
		ConnID:  c.sendID,
		Window:  c.recvWindowSelf,
		SeqNr:   uint16(c.send.SeqNr),
		AckNr:   uint16(c.recv.AckNr - 1),
	}
	buf := make([]byte, protocol.HeaderSize)
	hdr.Encode(buf)
	if c.transmit(buf) == nil {
		c.lastSentPacketMs = c.endpoint.nowMs
	}
}

// popDeliverable returns the next payload ready for a read_poll caller
// targeting this connection: a buffered in-order payload, an EOF marker
// (isEOF with no error), a buffer-too-small error leaving the payload
// queued for retry, or ok=false if nothing is ready right now.
func (c *Connection) popDeliverable(bufLen int) (payload []byte, isEOF bool, tooSmall bool, ok bool) {
	if len(c.deliverQueue) > 0 {
		p := c.deliverQueue[0]
		if len(p) > bufLen {
			return nil, false, true, true
		}
		c.deliverQueue = c.deliverQueue[1:]
		return p, false, false, true
	}
	if c.receivedFin && !c.receivedFinCompleted && seqnum.LessOrEqual(seqnum.Value(c.eofSeqnr), c.recv.AckNr) {
		c.receivedFinCompleted = true
		if c.state != StateFinSent {
			c.state = StateDestroy
		}
		return nil, true, false, true
	}
	return nil, false, false, false
}
