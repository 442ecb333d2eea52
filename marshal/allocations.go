package marshal

import (
	"context"
	"sync"

	"go.uber.org/zap"

	ortwasm "github.com/wippyai/ort-wasm"
)

// Allocation is one heap region owned by a call.
type Allocation struct {
	Ptr  uint32
	Size uint32
}

// AllocationList tracks heap allocations made during one call so that they
// can be freed together on every exit path. A nil list is empty.
type AllocationList struct {
	allocations []Allocation
}

var allocationListPool = sync.Pool{
	New: func() any {
		return &AllocationList{allocations: make([]Allocation, 0, 8)}
	},
}

func NewAllocationList() *AllocationList {
	return allocationListPool.Get().(*AllocationList)
}

const maxPooledAllocationCapacity = 128

// Release returns to pool. Must call after Free(); list invalid after Release.
func (al *AllocationList) Release() {
	if al == nil || cap(al.allocations) > maxPooledAllocationCapacity {
		return
	}
	al.Reset()
	allocationListPool.Put(al)
}

func (al *AllocationList) FreeAndRelease(ctx context.Context, allocator ortwasm.Allocator) {
	al.Free(ctx, allocator)
	al.Release()
}

func (al *AllocationList) Add(ptr, size uint32) {
	al.allocations = append(al.allocations, Allocation{Ptr: ptr, Size: size})
}

// Free releases every tracked allocation. Failures are logged, not returned:
// Free runs on error paths where the primary error must be preserved.
func (al *AllocationList) Free(ctx context.Context, allocator ortwasm.Allocator) {
	if al == nil || allocator == nil {
		return
	}
	for _, a := range al.allocations {
		if a.Ptr == 0 {
			continue
		}
		if err := allocator.Free(ctx, a.Ptr); err != nil {
			Logger().Warn("free failed",
				zap.Uint32("ptr", a.Ptr),
				zap.Uint32("size", a.Size),
				zap.Error(err))
		}
	}
	al.allocations = al.allocations[:0]
}

func (al *AllocationList) Reset() {
	al.allocations = al.allocations[:0]
}

func (al *AllocationList) Count() int {
	if al == nil {
		return 0
	}
	return len(al.allocations)
}

// Bytes returns the total size of tracked allocations.
func (al *AllocationList) Bytes() uint64 {
	if al == nil {
		return 0
	}
	var n uint64
	for _, a := range al.allocations {
		n += uint64(a.Size)
	}
	return n
}
