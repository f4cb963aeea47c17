package seqnum

import "testing"

func TestAfterReflexiveAndAntisymmetric(t *testing.T) {
	cases := []Value{0, 1, 100, 0x7fff, 0x8000, 0xffff}
	for _, a := range cases {
		if After(a, a) {
			t.Errorf("After(%d, %d) should be false (reflexive)", a, a)
		}
		for _, b := range cases {
			if a == b {
				continue
			}
			if After(a, b) == After(b, a) {
				t.Errorf("After(%d,%d)=%v and After(%d,%d)=%v should differ",
					a, b, After(a, b), b, a, After(b, a))
			}
		}
	}
}

func TestAfterWraparound(t *testing.T) {
	if !After(1, 0xffff) {
		t.Error("1 should be After 0xffff (wrapped)")
	}
	if After(0xffff, 1) {
		t.Error("0xffff should not be After 1 (wrapped)")
	}
}

func TestBeforeMirrorsAfter(t *testing.T) {
	if !Before(0xffff, 1) {
		t.Error("0xffff should be Before 1 (wrapped)")
	}
	if Before(5, 5) {
		t.Error("Before should be false for equal values")
	}
}

func TestDiffAndAdd(t *testing.T) {
	if got := Diff(10, 5); got != 5 {
		t.Errorf("Diff(10,5) = %d, want 5", got)
	}
	if got := Diff(2, 0xfffe); got != 4 {
		t.Errorf("Diff(2, 0xfffe) = %d, want 4 (wrapped)", got)
	}
	if got := Add(0xfffe, 4); got != 2 {
		t.Errorf("Add(0xfffe, 4) = %d, want 2 (wrapped)", got)
	}
}

func TestInWindow(t *testing.T) {
	if !InWindow(5, 0, 10) {
		t.Error("5 should be in window [0,10)")
	}
	if InWindow(10, 0, 10) {
		t.Error("10 should not be in window [0,10)")
	}
	if !InWindow(2, 0xfffe, 10) {
		t.Error("2 should be in wrapped window [0xfffe, 0xfffe+10)")
	}
}
