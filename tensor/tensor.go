package tensor

import (
	"context"
	"encoding/binary"
	"sync"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/errors"
)

// Downloader copies a device-resident payload into host memory.
type Downloader func(ctx context.Context) ([]byte, error)

// Disposer releases a device-resident payload.
type Disposer func() error

// Numeric lists the Go element types with a fixed-width native representation.
type Numeric interface {
	float32 | float64 | int8 | uint8 | int16 | uint16 | int32 | uint32 | int64 | uint64 | bool
}

// Tensor is a host-side tensor. Its payload is either host bytes, host
// strings, or an external device buffer with optional download and dispose
// callbacks.
type Tensor struct {
	mu          sync.Mutex
	typ         ElementType
	shape       Shape
	location    Location
	data        []byte
	strs        []string
	buffer      ortwasm.ExternalBuffer
	download    Downloader
	dispose     Disposer
	downloading bool
}

// New wraps raw little-endian element bytes as a cpu tensor. The buffer is
// used in place, not copied.
func New(typ ElementType, shape Shape, data []byte) (*Tensor, error) {
	if !typ.Valid() || typ == String {
		return nil, errors.InvalidEnum(errors.PhaseValidate, nil, typ, "numeric element type")
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if want := shape.Size() * int64(typ.Size()); int64(len(data)) != want {
		return nil, errors.New(errors.PhaseValidate, errors.KindInvalidInput).
			Detail("%s tensor of shape %v needs %d bytes, got %d", typ, shape, want, len(data)).
			Build()
	}
	return &Tensor{typ: typ, shape: shape.Clone(), location: LocationCPU, data: data}, nil
}

// Zeros allocates a zero-filled cpu tensor, typically a pre-allocated output.
func Zeros(typ ElementType, shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	return New(typ, shape, make([]byte, shape.Size()*int64(typ.Size())))
}

// NewStrings creates a cpu string tensor.
func NewStrings(shape Shape, values []string) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if int64(len(values)) != shape.Size() {
		return nil, errors.New(errors.PhaseValidate, errors.KindInvalidInput).
			Detail("string tensor of shape %v needs %d values, got %d", shape, shape.Size(), len(values)).
			Build()
	}
	return &Tensor{typ: String, shape: shape.Clone(), location: LocationCPU, strs: values}, nil
}

// FromSlice encodes values as a cpu tensor of the matching element type.
func FromSlice[T Numeric](shape Shape, values []T) (*Tensor, error) {
	typ := elementTypeOf[T]()
	if len(values) == 0 {
		return New(typ, shape, []byte{})
	}
	data, err := binary.Append(make([]byte, 0, len(values)*typ.Size()), binary.LittleEndian, values)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseEncode, errors.KindInvalidData, err, "encode tensor values")
	}
	return New(typ, shape, data)
}

// FromGPUBuffer wraps a device buffer. download and dispose may be nil.
func FromGPUBuffer(typ ElementType, shape Shape, buf ortwasm.ExternalBuffer, download Downloader, dispose Disposer) (*Tensor, error) {
	if !typ.DeviceTransferable() {
		return nil, errors.Unsupported(errors.PhaseValidate, "unsupported type for gpu-buffer tensor: "+typ.String())
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if buf == nil {
		return nil, errors.InvalidInput(errors.PhaseValidate, "gpu-buffer tensor requires a buffer")
	}
	return &Tensor{
		typ:      typ,
		shape:    shape.Clone(),
		location: LocationGPUBuffer,
		buffer:   buf,
		download: download,
		dispose:  dispose,
	}, nil
}

func (t *Tensor) Type() ElementType { return t.typ }

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() Shape { return t.shape.Clone() }

// Len returns the element count.
func (t *Tensor) Len() int64 { return t.shape.Size() }

func (t *Tensor) Location() Location {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.location
}

// Bytes returns the host payload without copying.
func (t *Tensor) Bytes() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureValid(); err != nil {
		return nil, err
	}
	if t.typ == String {
		return nil, errors.Unsupported(errors.PhaseValidate, "string tensor has no byte payload")
	}
	if !t.location.Host() {
		return nil, errors.Unsupported(errors.PhaseValidate, "tensor data is on "+t.location.String()+", call Data")
	}
	return t.data, nil
}

// Strings returns the values of a string tensor.
func (t *Tensor) Strings() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureValid(); err != nil {
		return nil, err
	}
	if t.typ != String {
		return nil, errors.New(errors.PhaseValidate, errors.KindTypeMismatch).
			Detail("tensor type is %s, not string", t.typ).
			Build()
	}
	return t.strs, nil
}

// GPUBuffer returns the device buffer of a gpu-buffer tensor.
func (t *Tensor) GPUBuffer() (ortwasm.ExternalBuffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.location != LocationGPUBuffer {
		return nil, errors.Unsupported(errors.PhaseValidate, "tensor data is on "+t.location.String()+", not gpu-buffer")
	}
	return t.buffer, nil
}

// Data returns the payload bytes, downloading device data on first use. After
// a download the tensor is cpu-resident; release also disposes the device buffer.
func (t *Tensor) Data(ctx context.Context, release bool) ([]byte, error) {
	t.mu.Lock()
	if err := t.ensureValid(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if t.location.Host() {
		defer t.mu.Unlock()
		if t.typ == String {
			return nil, errors.Unsupported(errors.PhaseValidate, "string tensor has no byte payload")
		}
		return t.data, nil
	}
	if t.download == nil {
		t.mu.Unlock()
		return nil, errors.Unsupported(errors.PhaseLifecycle, "the tensor is not created with a data downloader")
	}
	if t.downloading {
		t.mu.Unlock()
		return nil, errors.New(errors.PhaseLifecycle, errors.KindBusy).Detail("the tensor is being downloaded").Build()
	}
	t.downloading = true
	download := t.download
	t.mu.Unlock()

	data, err := download(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.downloading = false
	if err != nil {
		return nil, err
	}
	t.download = nil
	t.location = LocationCPU
	t.data = data
	if release && t.dispose != nil {
		dispose := t.dispose
		t.dispose = nil
		t.buffer = nil
		if err := dispose(); err != nil {
			return data, err
		}
	}
	return data, nil
}

// Dispose releases the payload. Disposing while a download is in flight fails.
func (t *Tensor) Dispose() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.downloading {
		return errors.New(errors.PhaseLifecycle, errors.KindBusy).Detail("the tensor is being downloaded").Build()
	}
	var err error
	if t.dispose != nil {
		err = t.dispose()
		t.dispose = nil
	}
	t.data = nil
	t.strs = nil
	t.buffer = nil
	t.download = nil
	t.location = LocationNone
	return err
}

// Reshape returns a tensor sharing this payload with new dimensions.
// Tensors owning a device resource cannot be reshaped.
func (t *Tensor) Reshape(shape Shape) (*Tensor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureValid(); err != nil {
		return nil, err
	}
	if t.download != nil || t.dispose != nil {
		return nil, errors.Unsupported(errors.PhaseLifecycle, "cannot reshape a tensor that owns GPU resource")
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if shape.Size() != t.shape.Size() {
		return nil, errors.New(errors.PhaseValidate, errors.KindInvalidInput).
			Detail("cannot reshape %v to %v", t.shape, shape).
			Build()
	}
	return &Tensor{
		typ:      t.typ,
		shape:    shape.Clone(),
		location: t.location,
		data:     t.data,
		strs:     t.strs,
		buffer:   t.buffer,
	}, nil
}

func (t *Tensor) ensureValid() error {
	if t.location == LocationNone {
		return errors.New(errors.PhaseLifecycle, errors.KindDisposed).Detail("the tensor is disposed").Build()
	}
	return nil
}

// Values decodes a cpu tensor into a typed slice.
func Values[T Numeric](t *Tensor) ([]T, error) {
	want := elementTypeOf[T]()
	if t.Type() != want {
		return nil, errors.New(errors.PhaseDecode, errors.KindTypeMismatch).
			Detail("tensor type is %s, not %s", t.Type(), want).
			Build()
	}
	data, err := t.Bytes()
	if err != nil {
		return nil, err
	}
	out := make([]T, t.Len())
	if len(out) == 0 {
		return out, nil
	}
	if _, err := binary.Decode(data, binary.LittleEndian, out); err != nil {
		return nil, errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, err, "decode tensor values")
	}
	return out, nil
}

func elementTypeOf[T Numeric]() ElementType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	case int8:
		return Int8
	case uint8:
		return Uint8
	case int16:
		return Int16
	case uint16:
		return Uint16
	case int32:
		return Int32
	case uint32:
		return Uint32
	case int64:
		return Int64
	case uint64:
		return Uint64
	default:
		return Bool
	}
}
