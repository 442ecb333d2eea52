package ortwasm

import "context"

// Memory represents the engine's linear memory
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	ReadU8(offset uint32) (uint8, error)
	ReadU16(offset uint32) (uint16, error)
	ReadU32(offset uint32) (uint32, error)
	ReadU64(offset uint32) (uint64, error)
	WriteU8(offset uint32, value uint8) error
	WriteU16(offset uint32, value uint16) error
	WriteU32(offset uint32, value uint32) error
	WriteU64(offset uint32, value uint64) error
}

// MemorySizer provides the current size of linear memory in bytes.
type MemorySizer interface {
	Size() uint32
}

// Aliaser is implemented by memories that can tell whether a host byte slice
// is a view into linear memory. The returned offset is valid until the memory grows.
type Aliaser interface {
	OffsetOf(b []byte) (uint32, bool)
}

// Allocator allocates from the engine heap. Malloc returns 0 when the heap is exhausted.
type Allocator interface {
	Malloc(ctx context.Context, size uint32) (uint32, error)
	Free(ctx context.Context, ptr uint32) error
}

// Stack is the engine's scoped temporary region. Everything allocated after
// StackSave is reclaimed by the matching StackRestore.
type Stack interface {
	StackSave(ctx context.Context) (uint32, error)
	StackAlloc(ctx context.Context, size uint32) (uint32, error)
	StackRestore(ctx context.Context, ptr uint32) error
}

// PtrSize is the width of a pointer in linear memory.
const PtrSize = 4
