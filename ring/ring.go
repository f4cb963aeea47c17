// Package ring implements the power-of-two circular slot array used for
// both the send queue (outbuf) and the reorder buffer (inbuf) of a Quantum
// connection. Slots are indexed by an absolute 16-bit sequence number;
// storage indexes are derived by masking that number against the current
// capacity, matching the teacher's gating/cursor ring buffer idiom
// (disruptor-style index masking) but growable on demand instead of fixed.
package ring

import "github.com/aetherflow/quantumudp/seqnum"

// initialSize is the starting capacity, always a power of two.
const initialSize = 64

type slot[T any] struct {
	seq    seqnum.Value
	value  *T
	filled bool
}

// Buffer is a growable ring of slots addressed by absolute sequence number.
// The zero value is not usable; use New.
type Buffer[T any] struct {
	elements []slot[T]
	mask     uint32
}

// New creates a ring buffer with the default initial capacity.
func New[T any]() *Buffer[T] {
	return &Buffer[T]{
		elements: make([]slot[T], initialSize),
		mask:     initialSize - 1,
	}
}

// Size returns the current capacity (always a power of two).
func (b *Buffer[T]) Size() int {
	return len(b.elements)
}

func (b *Buffer[T]) index(s seqnum.Value) uint32 {
	return uint32(s) & b.mask
}

// Get returns the slot value stored at absolute sequence s, or nil if the
// slot is empty or holds a different sequence number (stale after a wrap).
func (b *Buffer[T]) Get(s seqnum.Value) *T {
	sl := &b.elements[b.index(s)]
	if !sl.filled || sl.seq != s {
		return nil
	}
	return sl.value
}

// Put stores v at absolute sequence s. Callers must call EnsureSize first
// if s might fall outside the current capacity relative to the buffer's
// base sequence.
func (b *Buffer[T]) Put(s seqnum.Value, v *T) {
	b.elements[b.index(s)] = slot[T]{seq: s, value: v, filled: true}
}

// Delete clears the slot at absolute sequence s, if it holds that sequence.
func (b *Buffer[T]) Delete(s seqnum.Value) {
	sl := &b.elements[b.index(s)]
	if sl.filled && sl.seq == s {
		*sl = slot[T]{}
	}
}

// EnsureSize grows the buffer, if necessary, so that the absolute sequence
// base+offset maps to a slot distinct from every other sequence number in
// [base, base+offset]. Concretely: grows until offset (a count of slots
// ahead of base) fits within the mask. Growth doubles capacity each step
// and remaps every occupied slot into the new array using its stored
// absolute sequence number, so every previously stored (sequence, value)
// pair survives — a `[(item - index + i) & new_mask]` remap, expressed
// here directly off the stored sequence rather than reconstructed from
// the old index, since a bare index alone does not carry enough
// information to resolve which wrap a slot belongs to.
func (b *Buffer[T]) EnsureSize(base seqnum.Value, offset seqnum.Size) {
	_ = base
	for uint32(offset) > b.mask {
		b.grow()
	}
}

func (b *Buffer[T]) grow() {
	oldSize := uint32(len(b.elements))
	newSize := oldSize * 2
	newMask := newSize - 1
	newElements := make([]slot[T], newSize)

	for i := uint32(0); i < oldSize; i++ {
		sl := b.elements[i]
		if !sl.filled {
			continue
		}
		newElements[uint32(sl.seq)&newMask] = sl
	}

	b.elements = newElements
	b.mask = newMask
}
