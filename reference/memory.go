package reference

import (
	"encoding/binary"
	"unsafe"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/errors"
)

// SliceMemory is a linear memory backed by a Go byte slice.
type SliceMemory struct {
	buf []byte
}

// NewSliceMemory allocates pages of 64 KiB.
func NewSliceMemory(pages uint32) *SliceMemory {
	return &SliceMemory{buf: make([]byte, uint64(pages)*pageSize)}
}

func (m *SliceMemory) Size() uint32 { return uint32(len(m.buf)) }

func (m *SliceMemory) check(offset, length uint32) error {
	if uint64(offset)+uint64(length) > uint64(len(m.buf)) {
		return errors.New(errors.PhaseRuntime, errors.KindOutOfBounds).
			Value(offset).
			Detail("memory access [%d, %d) exceeds size %d", offset, uint64(offset)+uint64(length), len(m.buf)).
			Build()
	}
	return nil
}

// Read returns a view into memory, valid until the next write to the region.
func (m *SliceMemory) Read(offset, length uint32) ([]byte, error) {
	if err := m.check(offset, length); err != nil {
		return nil, err
	}
	return m.buf[offset : offset+length : offset+length], nil
}

func (m *SliceMemory) Write(offset uint32, data []byte) error {
	if err := m.check(offset, uint32(len(data))); err != nil {
		return err
	}
	copy(m.buf[offset:], data)
	return nil
}

func (m *SliceMemory) ReadU8(offset uint32) (uint8, error) {
	if err := m.check(offset, 1); err != nil {
		return 0, err
	}
	return m.buf[offset], nil
}

func (m *SliceMemory) ReadU16(offset uint32) (uint16, error) {
	if err := m.check(offset, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(m.buf[offset:]), nil
}

func (m *SliceMemory) ReadU32(offset uint32) (uint32, error) {
	if err := m.check(offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.buf[offset:]), nil
}

func (m *SliceMemory) ReadU64(offset uint32) (uint64, error) {
	if err := m.check(offset, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(m.buf[offset:]), nil
}

func (m *SliceMemory) WriteU8(offset uint32, value uint8) error {
	if err := m.check(offset, 1); err != nil {
		return err
	}
	m.buf[offset] = value
	return nil
}

func (m *SliceMemory) WriteU16(offset uint32, value uint16) error {
	if err := m.check(offset, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(m.buf[offset:], value)
	return nil
}

func (m *SliceMemory) WriteU32(offset uint32, value uint32) error {
	if err := m.check(offset, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.buf[offset:], value)
	return nil
}

func (m *SliceMemory) WriteU64(offset uint32, value uint64) error {
	if err := m.check(offset, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(m.buf[offset:], value)
	return nil
}

// OffsetOf reports whether b lies entirely inside this memory.
func (m *SliceMemory) OffsetOf(b []byte) (uint32, bool) {
	if len(b) == 0 || len(m.buf) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(m.buf)))
	p := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	if p < base || p+uintptr(len(b)) > base+uintptr(len(m.buf)) {
		return 0, false
	}
	return uint32(p - base), true
}

var (
	_ ortwasm.Memory      = (*SliceMemory)(nil)
	_ ortwasm.MemorySizer = (*SliceMemory)(nil)
	_ ortwasm.Aliaser     = (*SliceMemory)(nil)
)
