package reference

import (
	"context"
	"sync"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/errors"
)

// deviceBase keeps device pointers visibly apart from linear memory offsets.
const deviceBase = 0xC000_0000

// Buffer is a simulated gpu-buffer.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

// NewBuffer creates a zeroed buffer of size bytes.
func NewBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// BufferFrom creates a buffer holding a copy of data.
func BufferFrom(data []byte) *Buffer {
	return &Buffer{data: append([]byte(nil), data...)}
}

func (b *Buffer) Size() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.data))
}

// Bytes returns a copy of the contents.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

func (b *Buffer) read(n uint32) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(n) > len(b.data) {
		return nil, errors.OutOfBounds(errors.PhaseRuntime, []string{"gpu-buffer"}, int(n), len(b.data))
	}
	return append([]byte(nil), b.data[:n]...), nil
}

func (b *Buffer) write(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(p) > len(b.data) {
		return errors.OutOfBounds(errors.PhaseRuntime, []string{"gpu-buffer"}, len(p), len(b.data))
	}
	copy(b.data, p)
	return nil
}

type registration struct {
	session ortwasm.SessionHandle
	index   int
}

// Device simulates a gpu-buffer execution provider. Buffers registered by
// the host and buffers allocated by the engine share one pointer space.
type Device struct {
	mu         sync.Mutex
	next       uint32
	buffers    map[uint32]*Buffer
	owned      map[uint32]bool
	registered map[registration]uint32
	ready      map[string]bool
}

// NewDevice creates a device with no initialized providers.
func NewDevice() *Device {
	return &Device{
		next:       deviceBase,
		buffers:    make(map[uint32]*Buffer),
		owned:      make(map[uint32]bool),
		registered: make(map[registration]uint32),
		ready:      make(map[string]bool),
	}
}

// Init prepares the device for an execution provider.
func (d *Device) Init(ctx context.Context, epName string) error {
	switch epName {
	case "webgpu", "webnn":
	default:
		return errors.Unsupported(errors.PhaseRuntime, "device does not support execution provider "+epName)
	}
	d.mu.Lock()
	d.ready[epName] = true
	d.mu.Unlock()
	return nil
}

// Ready reports whether Init succeeded for epName.
func (d *Device) Ready(epName string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready[epName]
}

// Register maps buf to a device pointer for (session, index). Registering the
// same buffer again for the same slot returns the same pointer.
func (d *Device) Register(ctx context.Context, session ortwasm.SessionHandle, index int, buf ortwasm.ExternalBuffer, size uint64) (uint32, error) {
	b, ok := buf.(*Buffer)
	if !ok {
		return 0, errors.New(errors.PhaseEncode, errors.KindTypeMismatch).
			Detail("device cannot register %T", buf).
			Build()
	}
	if size > b.Size() {
		return 0, errors.OutOfBounds(errors.PhaseEncode, []string{"gpu-buffer"}, int(size), int(b.Size()))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready["webgpu"] && !d.ready["webnn"] {
		return 0, errors.NotInitialized(errors.PhaseEncode, "device")
	}

	key := registration{session: session, index: index}
	if ptr, ok := d.registered[key]; ok {
		if d.buffers[ptr] == b {
			return ptr, nil
		}
		delete(d.buffers, ptr)
	}
	ptr := d.allocPointer()
	d.buffers[ptr] = b
	d.registered[key] = ptr
	return ptr, nil
}

// Lookup resolves a device pointer.
func (d *Device) Lookup(ctx context.Context, ptr uint32) (ortwasm.ExternalBuffer, error) {
	b, err := d.buffer(ptr)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Download copies the first size bytes of buf.
func (d *Device) Download(ctx context.Context, buf ortwasm.ExternalBuffer, size uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, ok := buf.(*Buffer)
	if !ok {
		return nil, errors.New(errors.PhaseDecode, errors.KindTypeMismatch).
			Detail("device cannot download %T", buf).
			Build()
	}
	return b.read(uint32(size))
}

// OnReleaseSession drops every registration made for session.
func (d *Device) OnReleaseSession(session ortwasm.SessionHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, ptr := range d.registered {
		if key.session == session {
			delete(d.registered, key)
			delete(d.buffers, ptr)
		}
	}
}

// Live returns the number of device buffers allocated by the engine and not yet released.
func (d *Device) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.owned)
}

func (d *Device) allocPointer() uint32 {
	ptr := d.next
	d.next += 256
	if d.next < deviceBase {
		d.next = deviceBase
	}
	return ptr
}

func (d *Device) buffer(ptr uint32) (*Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[ptr]
	if !ok {
		return nil, errors.NotFound(errors.PhaseRuntime, "device buffer", formatPtr(ptr))
	}
	return b, nil
}

// alloc creates an engine-owned buffer.
func (d *Device) alloc(size uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ptr := d.allocPointer()
	d.buffers[ptr] = NewBuffer(int(size))
	d.owned[ptr] = true
	return ptr
}

func (d *Device) release(ptr uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owned[ptr] {
		delete(d.owned, ptr)
		delete(d.buffers, ptr)
	}
}

var _ ortwasm.Device = (*Device)(nil)
