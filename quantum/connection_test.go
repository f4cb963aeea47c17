package quantum

import (
	"net"
	"testing"

	"github.com/aetherflow/quantumudp/protocol"
	"github.com/aetherflow/quantumudp/reliability"
	"github.com/aetherflow/quantumudp/seqnum"
)

// newTestEndpoint binds a real loopback socket so Connection methods that
// transmit (Close, sendAck, Tick's keepalive) have somewhere to send to
// without special-casing a nil socket.
func newTestEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	ep, err := Create(protocol.CurrentVersion, "127.0.0.1", "0")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = ep.Destroy() })
	return ep
}

func testPeerAddr(t *testing.T, ep *Endpoint) *net.UDPAddr {
	t.Helper()
	// A second bound socket gives Connection.transmit a real destination
	// to send to, so fire-and-forget sends never error.
	other, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { _ = other.Close() })
	return other.LocalAddr().(*net.UDPAddr)
}

func TestAcceptSynDerivesRecvAndSendID(t *testing.T) {
	ep := newTestEndpoint(t)
	peer := testPeerAddr(t, ep)
	c := newConnection(ep)

	const synConnID = 100
	if err := c.acceptSyn(peer, synConnID); err != nil {
		t.Fatalf("acceptSyn: %v", err)
	}
	if c.recvID != synConnID+1 {
		t.Errorf("recvID = %d, want %d", c.recvID, synConnID+1)
	}
	if c.sendID != synConnID {
		t.Errorf("sendID = %d, want %d", c.sendID, synConnID)
	}
	if c.state != StateSynRecv {
		t.Errorf("state = %v, want SYN_RECV", c.state)
	}
	if c.needSendAck {
		t.Error("needSendAck should be cleared after acceptSyn's sendAck")
	}
}

func connectedConn(t *testing.T) *Connection {
	t.Helper()
	ep := newTestEndpoint(t)
	peer := testPeerAddr(t, ep)
	c := newConnection(ep)
	c.peerAddr = peer
	c.sendID, c.recvID = 1, 2
	c.state = StateConnected
	return c
}

func TestHandlePacketInOrderDelivery(t *testing.T) {
	c := connectedConn(t)
	hdr := protocol.Header{
		Version: protocol.CurrentVersion,
		Type:    protocol.TypeData,
		ConnID:  c.sendID,
		Window:  4096,
		SeqNr:   1,
		AckNr:   0,
	}
	c.HandlePacket(hdr, nil, []byte("hello"), 1000)

	if len(c.deliverQueue) != 1 || string(c.deliverQueue[0]) != "hello" {
		t.Fatalf("deliverQueue = %v, want [hello]", c.deliverQueue)
	}
	if c.recv.AckNr != 1 {
		t.Errorf("AckNr = %d, want 1", c.recv.AckNr)
	}
	if !c.needSendAck {
		t.Error("needSendAck should be set after in-order delivery")
	}
	if c.recvWindowPeer != 4096 {
		t.Errorf("recvWindowPeer = %d, want 4096", c.recvWindowPeer)
	}
}

func TestHandlePacketOutOfOrderThenGapFilled(t *testing.T) {
	c := connectedConn(t)

	// seq 2 arrives before seq 1: stored out of order, nothing delivered yet.
	c.HandlePacket(protocol.Header{
		Version: protocol.CurrentVersion, Type: protocol.TypeData,
		ConnID: c.sendID, Window: 4096, SeqNr: 2, AckNr: 0,
	}, nil, []byte("second"), 1000)
	if len(c.deliverQueue) != 0 {
		t.Fatalf("deliverQueue should be empty before the gap is filled, got %v", c.deliverQueue)
	}
	if c.recv.OutOfOrderCount != 1 {
		t.Errorf("OutOfOrderCount = %d, want 1", c.recv.OutOfOrderCount)
	}

	// seq 1 arrives: delivers seq 1, then drains the buffered seq 2.
	c.HandlePacket(protocol.Header{
		Version: protocol.CurrentVersion, Type: protocol.TypeData,
		ConnID: c.sendID, Window: 4096, SeqNr: 1, AckNr: 0,
	}, nil, []byte("first"), 1001)

	if len(c.deliverQueue) != 2 {
		t.Fatalf("deliverQueue = %v, want 2 entries", c.deliverQueue)
	}
	if string(c.deliverQueue[0]) != "first" || string(c.deliverQueue[1]) != "second" {
		t.Errorf("deliverQueue = %q, want [first second]", c.deliverQueue)
	}
	if c.recv.AckNr != 2 {
		t.Errorf("AckNr = %d, want 2", c.recv.AckNr)
	}
	if c.recv.OutOfOrderCount != 0 {
		t.Errorf("OutOfOrderCount = %d, want 0 after drain", c.recv.OutOfOrderCount)
	}
}

func TestHandlePacketStaleDuplicateIsDropped(t *testing.T) {
	c := connectedConn(t)
	hdr := protocol.Header{
		Version: protocol.CurrentVersion, Type: protocol.TypeData,
		ConnID: c.sendID, Window: 4096, SeqNr: 1, AckNr: 0,
	}
	c.HandlePacket(hdr, nil, []byte("first"), 1000)
	c.needSendAck = false
	c.deliverQueue = nil

	// Same seqnr again: already-acked, far enough behind AckNr+1 to look
	// like a stale duplicate rather than new out-of-order data.
	c.HandlePacket(hdr, nil, []byte("first"), 1001)
	if len(c.deliverQueue) != 0 {
		t.Errorf("stale duplicate should not be re-delivered, got %v", c.deliverQueue)
	}
	if !c.needSendAck {
		t.Error("stale duplicate should still trigger need_send_ack")
	}
	if c.recv.AckNr != 1 {
		t.Errorf("AckNr should not move on a duplicate, got %d", c.recv.AckNr)
	}
}

func TestHandlePacketRejectsFutureAck(t *testing.T) {
	c := connectedConn(t)
	// c.send.SeqNr == 1 (nothing sent), so an ack of anything but 0
	// claims a packet we never sent and must be rejected before step 4
	// touches any connection state.
	hdr := protocol.Header{
		Version: protocol.CurrentVersion, Type: protocol.TypeData,
		ConnID: c.sendID, Window: 4096, SeqNr: 1, AckNr: 5,
	}
	c.HandlePacket(hdr, nil, []byte("x"), 1000)
	if c.recvWindowPeer != 0 {
		t.Errorf("recvWindowPeer should be untouched by a rejected packet, got %d", c.recvWindowPeer)
	}
	if len(c.deliverQueue) != 0 {
		t.Error("a rejected packet must not be delivered")
	}
}

func TestHandlePacketAcceptsZeroAckOnFreshConnection(t *testing.T) {
	c := connectedConn(t)
	hdr := protocol.Header{
		Version: protocol.CurrentVersion, Type: protocol.TypeData,
		ConnID: c.sendID, Window: 4096, SeqNr: 1, AckNr: 0,
	}
	c.HandlePacket(hdr, nil, []byte("x"), 1000)
	if c.recvWindowPeer != 4096 {
		t.Error("ack of 0 on a connection that has sent nothing yet must be accepted")
	}
}

func TestHandshakeTransitions(t *testing.T) {
	t.Run("initiator", func(t *testing.T) {
		ep := newTestEndpoint(t)
		c := newConnection(ep)
		c.peerAddr = testPeerAddr(t, ep)
		c.sendID, c.recvID = 1, 2
		c.state = StateSynSent

		c.HandlePacket(protocol.Header{
			Version: protocol.CurrentVersion, Type: protocol.TypeState,
			ConnID: c.sendID, Window: 1024, SeqNr: 1, AckNr: 0,
		}, nil, nil, 1000)

		if c.state != StateConnected {
			t.Errorf("state = %v, want CONNECTED", c.state)
		}
		if !c.pendingEvent.Has(EventConnected) {
			t.Error("pendingEvent should carry EventConnected")
		}
	})

	t.Run("acceptor", func(t *testing.T) {
		ep := newTestEndpoint(t)
		c := newConnection(ep)
		c.peerAddr = testPeerAddr(t, ep)
		c.sendID, c.recvID = 1, 2
		c.state = StateSynRecv

		c.HandlePacket(protocol.Header{
			Version: protocol.CurrentVersion, Type: protocol.TypeData,
			ConnID: c.sendID, Window: 1024, SeqNr: 1, AckNr: 0,
		}, nil, []byte("hi"), 1000)

		if c.state != StateConnected {
			t.Errorf("state = %v, want CONNECTED", c.state)
		}
		if !c.pendingEvent.Has(EventAccept) {
			t.Error("pendingEvent should carry EventAccept")
		}
	})
}

func TestCloseUninitializedIsImmediateDestroy(t *testing.T) {
	ep := newTestEndpoint(t)
	c := newConnection(ep)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.state != StateDestroy {
		t.Errorf("state = %v, want DESTROY", c.state)
	}
}

func TestCloseConnectedGoesToFinSent(t *testing.T) {
	c := connectedConn(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.state != StateFinSent {
		t.Errorf("state = %v, want FIN_SENT", c.state)
	}
}

func TestCloseAfterPeerFinIsImmediateDestroy(t *testing.T) {
	c := connectedConn(t)
	c.receivedFin = true
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.state != StateDestroy {
		t.Errorf("state = %v, want DESTROY when the peer's FIN was already seen", c.state)
	}
}

func TestPopDeliverableReportsEOFOnce(t *testing.T) {
	c := connectedConn(t)
	c.receivedFin = true
	c.eofSeqnr = seqnum.Value(1)
	c.recv.AckNr = 1

	_, isEOF, tooSmall, ok := c.popDeliverable(1024)
	if !ok || !isEOF || tooSmall {
		t.Fatalf("popDeliverable = (ok=%v isEOF=%v tooSmall=%v), want (true true false)", ok, isEOF, tooSmall)
	}
	if !c.receivedFinCompleted {
		t.Error("receivedFinCompleted should be set after EOF is reported")
	}
	if c.state != StateDestroy {
		t.Errorf("state = %v, want DESTROY once EOF has been delivered and we weren't already closing", c.state)
	}

	if _, _, _, ok := c.popDeliverable(1024); ok {
		t.Error("EOF must be reported exactly once")
	}
}

func TestTickIdleSynRecvIsDestroyed(t *testing.T) {
	ep := newTestEndpoint(t)
	c := newConnection(ep)
	c.peerAddr = testPeerAddr(t, ep)
	c.sendID, c.recvID = 1, 2
	c.state = StateSynRecv
	c.lastReceivedPacketMs = 0
	c.retransmitTickerMs = 0

	if !c.Tick(reliability.WaitSynRecv.Milliseconds()) {
		t.Error("Tick should report this connection as ready to destroy once WAIT_SYN_RECV elapses with no further packets")
	}
}

func TestWriteVecRejectsTooManyVecs(t *testing.T) {
	c := connectedConn(t)
	vecs := make([][]byte, RDPMaxVec+1)
	if _, err := c.WriteVec(vecs); err == nil {
		t.Error("WriteVec should reject more than RDPMaxVec iovecs")
	}
}

func TestWriteBeforeConnectedFails(t *testing.T) {
	ep := newTestEndpoint(t)
	c := newConnection(ep)
	c.peerAddr = testPeerAddr(t, ep)
	if _, err := c.Write([]byte("x")); err == nil {
		t.Error("Write before the connection is established should fail")
	}
}
