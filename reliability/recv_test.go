package reliability

import (
	"bytes"
	"testing"

	"github.com/aetherflow/quantumudp/congestion"
)

func TestDeliverInOrderAdvancesAckNr(t *testing.T) {
	q := NewRecvQueue(100)
	out := q.DeliverInOrder()
	if q.AckNr != 101 {
		t.Fatalf("AckNr = %d, want 101", q.AckNr)
	}
	if len(out) != 0 {
		t.Errorf("expected no buffered follow-on payloads, got %d", len(out))
	}
}

func TestOutOfOrderStoreThenDrainOnCatchUp(t *testing.T) {
	q := NewRecvQueue(100) // acknr = 100, next expected = 101

	// Packet 103 arrives first: out of order, buffered.
	dup := q.Store(103, []byte("c"))
	if dup {
		t.Fatal("first arrival at 103 should not be a duplicate")
	}
	if q.OutOfOrderCount != 1 {
		t.Fatalf("out_of_order_count = %d, want 1", q.OutOfOrderCount)
	}

	// Duplicate of 103.
	if !q.Store(103, []byte("c-dup")) {
		t.Error("second arrival at 103 should be reported as a duplicate")
	}

	// Packet 102 arrives: still out of order relative to acknr=100.
	q.Store(102, []byte("b"))

	// Now 101 arrives in order: deliver it, then drain 102 and 103 too.
	delivered := q.DeliverInOrder()
	want := [][]byte{[]byte("b"), []byte("c")}
	if len(delivered) != len(want) {
		t.Fatalf("delivered %d payloads, want %d: %v", len(delivered), len(want), delivered)
	}
	for i := range want {
		if !bytes.Equal(delivered[i], want[i]) {
			t.Errorf("delivered[%d] = %q, want %q", i, delivered[i], want[i])
		}
	}
	if q.AckNr != 103 {
		t.Errorf("AckNr after drain = %d, want 103", q.AckNr)
	}
	if q.OutOfOrderCount != 0 {
		t.Errorf("out_of_order_count after drain = %d, want 0", q.OutOfOrderCount)
	}
}

func TestSelectiveAckMaskMarksPresentSlots(t *testing.T) {
	q := NewRecvQueue(100)
	// slot acknr+2 = 102 is the first bit; mark 102 and 104 present.
	q.Store(102, []byte("x"))
	q.Store(104, []byte("y"))

	mask := q.SelectiveAckMask()
	if mask == nil {
		t.Fatal("expected a non-nil mask with out-of-order data present")
	}
	if mask[0]&(1<<0) == 0 {
		t.Error("bit 0 (slot acknr+2) should be set")
	}
	if mask[0]&(1<<2) == 0 {
		t.Error("bit 2 (slot acknr+4) should be set")
	}
	if mask[0]&(1<<1) != 0 {
		t.Error("bit 1 (slot acknr+3) should not be set")
	}
}

func TestSelectiveAckMaskNilWhenNothingOutOfOrder(t *testing.T) {
	q := NewRecvQueue(100)
	if mask := q.SelectiveAckMask(); mask != nil {
		t.Errorf("expected nil mask, got %v", mask)
	}
}

func TestSendQueueSelectiveAckHonorsMask(t *testing.T) {
	sq := newTestSendQueue(congestion.WindowSizeMax)
	for i := 0; i < 4; i++ {
		seq := sq.BuildSendPacket(1, 0, []byte{byte(i)})
		sq.SendPacketRecord(seq, 0, 1<<20, 1000, func([]byte) error { return nil })
	}
	base := sq.BaseSeq()

	// Ack slots base+1 and base+3 only.
	mask := []byte{0b00001010}
	var rtt RTTEstimator
	acked := sq.SelectiveAck(base, mask, &rtt, 2000)
	if acked != 2 {
		t.Fatalf("acked = %d, want 2", acked)
	}
	if sq.AckPacket(base+1, &rtt, 2000) {
		t.Error("slot base+1 should already have been acked by SelectiveAck")
	}
	if !sq.AckPacket(base, &rtt, 2000) {
		t.Error("slot base (bit unset) should still be outstanding")
	}
}
