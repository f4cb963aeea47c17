package ring

import (
	"testing"

	"github.com/aetherflow/quantumudp/seqnum"
)

func TestPutGetRoundTrip(t *testing.T) {
	b := New[int]()
	v := 42
	b.Put(10, &v)

	got := b.Get(10)
	if got == nil || *got != 42 {
		t.Fatalf("Get(10) = %v, want 42", got)
	}

	if got := b.Get(11); got != nil {
		t.Errorf("Get(11) should be nil, got %v", *got)
	}
}

func TestGrowPreservesExistingPairs(t *testing.T) {
	b := New[int]()
	base := seqnum.Value(100)

	values := make([]int, 64)
	for i := 0; i < 64; i++ {
		values[i] = i
		b.Put(seqnum.Add(base, seqnum.Size(i)), &values[i])
	}

	// Force growth beyond the initial 64-slot capacity.
	b.EnsureSize(base, 70)

	if b.Size() <= 64 {
		t.Fatalf("expected buffer to grow beyond 64, got size %d", b.Size())
	}

	for i := 0; i < 64; i++ {
		s := seqnum.Add(base, seqnum.Size(i))
		got := b.Get(s)
		if got == nil || *got != i {
			t.Errorf("after grow, Get(%d) = %v, want %d", s, got, i)
		}
	}
}

func TestDeleteClearsSlot(t *testing.T) {
	b := New[int]()
	v := 7
	b.Put(5, &v)
	b.Delete(5)

	if got := b.Get(5); got != nil {
		t.Errorf("Get(5) after Delete should be nil, got %v", *got)
	}
}

func TestEnsureSizeGrowsMultipleSteps(t *testing.T) {
	b := New[int]()
	b.EnsureSize(0, 1000)
	if b.Size() <= 1000 {
		t.Fatalf("expected capacity > 1000 after EnsureSize(0, 1000), got %d", b.Size())
	}
	if b.Size()&(b.Size()-1) != 0 {
		t.Errorf("capacity %d is not a power of two", b.Size())
	}
}

func TestStaleSlotAfterWrapIsNotReturnedAsFresh(t *testing.T) {
	b := New[int]()
	v1, v2 := 1, 2
	b.Put(0, &v1)
	// Same slot index, far enough away to be logically a different
	// absolute sequence once wrapped back around the same-size buffer.
	wrapped := seqnum.Add(0, seqnum.Size(b.Size()))
	b.Put(wrapped, &v2)

	if got := b.Get(0); got != nil {
		t.Errorf("Get(0) should be nil after slot reused by wrapped sequence, got %v", *got)
	}
	if got := b.Get(wrapped); got == nil || *got != 2 {
		t.Errorf("Get(wrapped) = %v, want 2", got)
	}
}
