package reliability

import "github.com/aetherflow/quantumudp/protocol"

// PacketRecord is a send-queue entry: a packet header plus payload still
// held pending acknowledgment. The header's Window and AckNr fields are
// stamped fresh on every (re)transmission since both can change between
// sends; SeqNr is fixed at allocation.
type PacketRecord struct {
	Header        protocol.Header
	Payload       []byte
	SentTimeUs    int64
	Transmissions uint32 // 31 bits of meaning; invariant: 0 transmissions implies NeedsResend == false
	NeedsResend   bool
}

// Pending reports whether this record has never been transmitted.
func (r *PacketRecord) Pending() bool {
	return r.Transmissions == 0
}

// Encode serializes the record's current header and payload into a wire
// datagram, writing into dst if it has enough capacity, else allocating.
func (r *PacketRecord) Encode(dst []byte) []byte {
	need := protocol.HeaderSize + len(r.Payload)
	if cap(dst) < need {
		dst = make([]byte, need)
	} else {
		dst = dst[:need]
	}
	r.Header.Encode(dst[:protocol.HeaderSize])
	copy(dst[protocol.HeaderSize:], r.Payload)
	return dst
}
