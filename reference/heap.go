package reference

import (
	"sort"

	"github.com/wippyai/ort-wasm/errors"
)

const (
	pageSize   = 65536
	heapAlign  = 8
	stackAlign = 16
)

type span struct {
	off, size uint32
}

// heap is a first-fit allocator over [base, limit) with coalescing frees.
type heap struct {
	free []span
	live map[uint32]uint32
}

func newHeap(base, limit uint32) *heap {
	h := &heap{live: make(map[uint32]uint32)}
	if limit > base {
		h.free = []span{{off: base, size: limit - base}}
	}
	return h
}

func alignUp(n, a uint32) uint32 {
	return (n + a - 1) &^ (a - 1)
}

// alloc returns 0 when no block fits.
func (h *heap) alloc(size uint32) uint32 {
	size = alignUp(max(size, 1), heapAlign)
	for i, s := range h.free {
		if s.size < size {
			continue
		}
		if s.size == size {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i] = span{off: s.off + size, size: s.size - size}
		}
		h.live[s.off] = size
		return s.off
	}
	return 0
}

func (h *heap) release(ptr uint32) error {
	size, ok := h.live[ptr]
	if !ok {
		return errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
			Value(ptr).
			Detail("free of unallocated pointer %d", ptr).
			Build()
	}
	delete(h.live, ptr)

	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].off > ptr })
	h.free = append(h.free, span{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = span{off: ptr, size: size}

	// merge with the following block, then with the preceding one
	if i+1 < len(h.free) && h.free[i].off+h.free[i].size == h.free[i+1].off {
		h.free[i].size += h.free[i+1].size
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	if i > 0 && h.free[i-1].off+h.free[i-1].size == h.free[i].off {
		h.free[i-1].size += h.free[i].size
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
	return nil
}

func (h *heap) count() int { return len(h.live) }
