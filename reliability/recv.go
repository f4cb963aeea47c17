package reliability

import (
	"github.com/aetherflow/quantumudp/ring"
	"github.com/aetherflow/quantumudp/seqnum"
)

// RecvQueue is the inbuf side of a connection: the reorder buffer holding
// out-of-order payloads ahead of AckNr, plus the running count used to
// size selective-ack TLVs. Grounded on the teacher's
// reliability/recv_buffer.go ReceiveBuffer, generalized the same way
// SendQueue generalizes the send side.
type RecvQueue struct {
	buf             *ring.Buffer[[]byte]
	AckNr           seqnum.Value // highest in-order sequence number received
	OutOfOrderCount int
}

// NewRecvQueue creates a reorder buffer with the connection's initial
// cumulative ack position (the peer's handshake seqnr - 1).
func NewRecvQueue(initialAckNr seqnum.Value) *RecvQueue {
	return &RecvQueue{buf: ring.New[[]byte](), AckNr: initialAckNr}
}

// Store places an out-of-order payload in the reorder buffer at seq. It
// reports true if the slot already held data (a duplicate arrival), in
// which case the new payload is discarded.
func (q *RecvQueue) Store(seq seqnum.Value, payload []byte) (duplicate bool) {
	offset := seqnum.Diff(seq, q.AckNr)
	q.buf.EnsureSize(q.AckNr, offset+1)
	if q.buf.Get(seq) != nil {
		return true
	}
	cp := append([]byte(nil), payload...)
	q.buf.Put(seq, &cp)
	q.OutOfOrderCount++
	return false
}

// Has reports whether a slot is already occupied at seq.
func (q *RecvQueue) Has(seq seqnum.Value) bool {
	return q.buf.Get(seq) != nil
}

// DeliverInOrder advances AckNr by one and then drains every contiguous
// slot already buffered beyond it, returning the freshly in-order payloads
// in delivery order: a gap that was being waited on can complete and
// deliver everything behind it in the same call.
func (q *RecvQueue) DeliverInOrder() [][]byte {
	q.Advance()
	return q.DrainContiguous()
}

// Advance bumps AckNr to the next in-order sequence number. Callers that
// need to interleave their own freshly-arrived payload with the buffered
// drain (rather than use DeliverInOrder's fixed ordering) call this
// directly followed by DrainContiguous.
func (q *RecvQueue) Advance() {
	q.AckNr++
}

// DrainContiguous pulls every slot already buffered immediately after the
// current AckNr, advancing AckNr as it goes.
func (q *RecvQueue) DrainContiguous() [][]byte {
	return q.drainContiguous()
}

func (q *RecvQueue) drainContiguous() [][]byte {
	var out [][]byte
	for {
		next := q.AckNr + 1
		p := q.buf.Get(next)
		if p == nil {
			break
		}
		out = append(out, *p)
		q.buf.Delete(next)
		q.OutOfOrderCount--
		q.AckNr = next
	}
	return out
}

// SelectiveAckMask builds the SACK bitmask payload: length is the next
// multiple of 4 bytes >= out_of_order_count/8 + 1 + 3, bit i (LSB first
// within each byte) represents slot AckNr+2+i. Returns nil if there is
// nothing out of order to report.
func (q *RecvQueue) SelectiveAckMask() []byte {
	if q.OutOfOrderCount == 0 {
		return nil
	}
	need := q.OutOfOrderCount/8 + 1 + 3
	length := ((need + 3) / 4) * 4
	mask := make([]byte, length)
	start := q.AckNr + 2
	for bit := 0; bit < length*8; bit++ {
		seq := start + seqnum.Value(bit)
		if q.buf.Get(seq) != nil {
			mask[bit/8] |= 1 << uint(bit%8)
		}
	}
	return mask
}
