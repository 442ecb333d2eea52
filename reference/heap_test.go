package reference

import "testing"

func TestHeap_AllocAligned(t *testing.T) {
	h := newHeap(1024, 4096)

	a := h.alloc(3)
	b := h.alloc(9)
	if a != 1024 {
		t.Errorf("first alloc = %d, want 1024", a)
	}
	if b != 1032 {
		t.Errorf("second alloc = %d, want 1032", b)
	}
	if h.count() != 2 {
		t.Errorf("count = %d, want 2", h.count())
	}
}

func TestHeap_Full(t *testing.T) {
	h := newHeap(1024, 1056)
	if p := h.alloc(32); p == 0 {
		t.Fatal("expected exact fit")
	}
	if p := h.alloc(1); p != 0 {
		t.Errorf("alloc on full heap = %d, want 0", p)
	}
}

func TestHeap_ReleaseCoalesces(t *testing.T) {
	h := newHeap(1024, 1024+96)
	a := h.alloc(32)
	b := h.alloc(32)
	c := h.alloc(32)

	// free out of order so both merge directions are taken
	for _, p := range []uint32{a, c, b} {
		if err := h.release(p); err != nil {
			t.Fatalf("release(%d) failed: %v", p, err)
		}
	}
	if len(h.free) != 1 || h.free[0] != (span{off: 1024, size: 96}) {
		t.Fatalf("free list = %v, want one span of 96", h.free)
	}
	if p := h.alloc(96); p != 1024 {
		t.Errorf("alloc after coalesce = %d", p)
	}
}

func TestHeap_ReleaseUnknown(t *testing.T) {
	h := newHeap(1024, 2048)
	p := h.alloc(8)
	if err := h.release(p + 8); err == nil {
		t.Error("expected error for unallocated pointer")
	}
	if err := h.release(p); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := h.release(p); err == nil {
		t.Error("expected error for double free")
	}
}

func TestAlignUp(t *testing.T) {
	tests := []struct {
		n, a, want uint32
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{17, 16, 32},
	}
	for _, tc := range tests {
		if got := alignUp(tc.n, tc.a); got != tc.want {
			t.Errorf("alignUp(%d, %d) = %d, want %d", tc.n, tc.a, got, tc.want)
		}
	}
}
