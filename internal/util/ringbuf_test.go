package util

import "testing"

func TestRingBuffer(t *testing.T) {
	r := NewRingBuffer[int](3)

	r.Push(1)
	r.Push(2)
	if got := r.Snapshot(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected snapshot: %v", got)
	}

	r.Push(3)
	r.Push(4) // overwrites 1
	got := r.Snapshot()
	if len(got) != 3 || got[0] != 2 || got[2] != 4 {
		t.Fatalf("oldest not overwritten: %v", got)
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d", r.Len())
	}

	if last, ok := r.Last(); !ok || last != 4 {
		t.Fatalf("last = %v, %v", last, ok)
	}

	empty := NewRingBuffer[int](2)
	if _, ok := empty.Last(); ok {
		t.Fatal("empty buffer reported a last element")
	}
}

func TestValidateUsername(t *testing.T) {
	if _, err := ValidateUsername("  alice "); err != nil {
		t.Fatalf("trimmed name rejected: %v", err)
	}
	for _, bad := range []string{"", "a b", "a/b", `a\b`, "a..b"} {
		if _, err := ValidateUsername(bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}
