package codec

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/errors"
	"github.com/wippyai/ort-wasm/marshal"
	"github.com/wippyai/ort-wasm/tensor"
)

// Env is the engine side of the codec. Device may be nil, in which case
// gpu-buffer tensors are rejected.
type Env struct {
	Native ortwasm.Native
	Device ortwasm.Device
}

// PrepareNative creates a native tensor for slot of session from d. Host
// payloads are copied into heap allocations recorded in allocs; gpu-buffer
// payloads are registered with the device. A nil descriptor yields 0.
func PrepareNative(ctx context.Context, env Env, d *Descriptor, session ortwasm.SessionHandle, slot int, graphCapture bool, allocs *marshal.AllocationList) (ortwasm.TensorHandle, error) {
	if d == nil {
		return 0, nil
	}
	if d.Type == tensor.String && !d.Location.Host() {
		return 0, errors.Unsupported(errors.PhaseValidate, "String tensor is not supported on GPU.")
	}
	if graphCapture && d.Location != tensor.LocationGPUBuffer {
		return 0, errors.New(errors.PhaseValidate, errors.KindUnsupported).
			Value(slot).
			Detail("External buffer must be provided for input/output index %d when enableGraphCapture is true.", slot).
			Build()
	}
	if err := d.Dims.Validate(); err != nil {
		return 0, err
	}

	n := env.Native
	var data, byteLen uint32
	switch {
	case d.Location == tensor.LocationGPUBuffer:
		if d.External == nil || d.External.Buffer == nil {
			return 0, errors.InvalidInput(errors.PhaseEncode, fmt.Sprintf("gpu-buffer tensor at index %d has no buffer", slot))
		}
		if env.Device == nil {
			return 0, errors.Unsupported(errors.PhaseEncode, "gpu-buffer tensors need a device")
		}
		byteLen = uint32(d.ByteLen())
		ptr, err := env.Device.Register(ctx, session, slot, d.External.Buffer, uint64(byteLen))
		if err != nil {
			return 0, err
		}
		data = ptr

	case d.Location.Host() && d.Type == tensor.String:
		if int64(len(d.Strings)) != d.Elements() {
			return 0, errors.New(errors.PhaseEncode, errors.KindInvalidInput).
				Detail("string tensor at index %d has %d values for shape %v", slot, len(d.Strings), d.Dims).
				Build()
		}
		byteLen = uint32(len(d.Strings) * ortwasm.PtrSize)
		table, err := malloc(ctx, n, byteLen, allocs)
		if err != nil {
			return 0, err
		}
		for i, s := range d.Strings {
			ptr, err := marshal.AllocString(ctx, n, s, allocs)
			if err != nil {
				return 0, err
			}
			if err := n.Memory().WriteU32(table+uint32(i)*ortwasm.PtrSize, ptr); err != nil {
				return 0, err
			}
		}
		data = table

	case d.Location.Host():
		if int64(len(d.Data)) != d.ByteLen() {
			return 0, errors.New(errors.PhaseEncode, errors.KindInvalidInput).
				Detail("tensor at index %d has %d bytes, %s %v needs %d", slot, len(d.Data), d.Type, d.Dims, d.ByteLen()).
				Build()
		}
		byteLen = uint32(len(d.Data))
		ptr, err := malloc(ctx, n, byteLen, allocs)
		if err != nil {
			return 0, err
		}
		if err := n.Memory().Write(ptr, d.Data); err != nil {
			return 0, err
		}
		data = ptr

	default:
		return 0, errors.New(errors.PhaseEncode, errors.KindUnsupported).
			Value(d.Location).
			Detail("invalid data location: %s", d.Location).
			Build()
	}

	scope, err := marshal.Mark(ctx, n)
	if err != nil {
		return 0, err
	}
	defer scope.Restore()

	rank := uint32(len(d.Dims))
	dims, err := scope.Alloc(rank * ortwasm.PtrSize)
	if err != nil {
		return 0, err
	}
	for i, dim := range d.Dims {
		if err := n.Memory().WriteU32(dims+uint32(i)*ortwasm.PtrSize, uint32(dim)); err != nil {
			return 0, err
		}
	}

	h, err := n.CreateTensor(ctx, int32(d.Type), data, byteLen, dims, rank, int32(d.Location))
	if err != nil {
		return 0, err
	}
	if h == 0 {
		return 0, marshal.CheckLastError(ctx, n, fmt.Sprintf("Can't create tensor for input/output. session=%d, index=%d.", session, slot))
	}
	return h, nil
}

func malloc(ctx context.Context, n ortwasm.Native, size uint32, allocs *marshal.AllocationList) (uint32, error) {
	ptr, err := n.Malloc(ctx, size)
	if err != nil {
		return 0, err
	}
	if ptr == 0 {
		return 0, errors.AllocationFailed(errors.PhaseEncode, size)
	}
	allocs.Add(ptr, size)
	return ptr, nil
}

// tensorData queries type, data pointer and dims of h. release frees the
// engine buffers GetTensorData allocated and must be called once the data
// has been consumed.
type tensorData struct {
	typ  tensor.ElementType
	data uint32
	dims tensor.Shape

	dimsPtr uint32
	strings bool
}

func getTensorData(ctx context.Context, n ortwasm.Native, h ortwasm.TensorHandle, index int) (*tensorData, error) {
	mem := n.Memory()
	scope, err := marshal.Mark(ctx, n)
	if err != nil {
		return nil, err
	}
	defer scope.Restore()

	out, err := scope.Alloc(4 * ortwasm.PtrSize)
	if err != nil {
		return nil, err
	}
	code, err := n.GetTensorData(ctx, h, out, out+4, out+8, out+12)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, marshal.CheckLastError(ctx, n, fmt.Sprintf("Can't access output tensor data on index %d.", index))
	}

	var fields [4]uint32
	for i := range fields {
		if fields[i], err = mem.ReadU32(out + uint32(i)*ortwasm.PtrSize); err != nil {
			return nil, err
		}
	}
	td := &tensorData{
		typ:     tensor.ElementType(fields[0]),
		data:    fields[1],
		dimsPtr: fields[2],
	}
	td.strings = td.typ == tensor.String
	td.dims = make(tensor.Shape, fields[3])
	for i := range td.dims {
		v, err := mem.ReadU32(td.dimsPtr + uint32(i)*ortwasm.PtrSize)
		if err != nil {
			td.release(ctx, n, index)
			return nil, err
		}
		td.dims[i] = int64(v)
	}
	if !td.typ.Valid() {
		td.release(ctx, n, index)
		return nil, errors.InvalidEnum(errors.PhaseDecode, nil, int32(td.typ), "tensor data type")
	}
	return td, nil
}

func (td *tensorData) release(ctx context.Context, n ortwasm.Native, index int) {
	if td.dimsPtr != 0 {
		if err := n.OrtFree(ctx, td.dimsPtr); err != nil {
			Logger().Warn("free output dims failed", zap.Int("index", index), zap.Error(err))
		}
	}
	if td.strings && td.data != 0 {
		if err := n.Free(ctx, td.data); err != nil {
			Logger().Warn("free output strings failed", zap.Int("index", index), zap.Error(err))
		}
	}
}

func (td *tensorData) readStrings(mem ortwasm.Memory, dst []string) error {
	for i := range dst {
		ptr, err := mem.ReadU32(td.data + uint32(i)*ortwasm.PtrSize)
		if err != nil {
			return err
		}
		if dst[i], err = marshal.ReadString(mem, ptr, 0); err != nil {
			return err
		}
	}
	return nil
}

// ReadOutput decodes the native tensor h, output index of a run. With a
// gpu-buffer preference and a non-empty tensor the result references the
// device buffer and keep is true: the tensor now belongs to the descriptor's
// Dispose and the caller must not release it. Otherwise the payload is
// copied to the host.
func ReadOutput(ctx context.Context, env Env, h ortwasm.TensorHandle, index int, preferred tensor.Location) (*Descriptor, bool, error) {
	n := env.Native
	mem := n.Memory()

	td, err := getTensorData(ctx, n, h, index)
	if err != nil {
		return nil, false, err
	}
	defer td.release(ctx, n, index)

	d := &Descriptor{Type: td.typ, Dims: td.dims, Location: tensor.LocationCPU}
	if td.strings {
		if preferred == tensor.LocationGPUBuffer {
			return nil, false, errors.Unsupported(errors.PhaseDecode, "String tensor is not supported on GPU.")
		}
		d.Strings = make([]string, d.Elements())
		if err := td.readStrings(mem, d.Strings); err != nil {
			return nil, false, err
		}
		return d, false, nil
	}

	size := uint64(d.ByteLen())
	if preferred == tensor.LocationGPUBuffer && d.Elements() > 0 {
		if !td.typ.DeviceTransferable() {
			return nil, false, unsupportedGPUType(td.typ)
		}
		if env.Device == nil {
			return nil, false, errors.Unsupported(errors.PhaseDecode, "gpu-buffer outputs need a device")
		}
		buf, err := env.Device.Lookup(ctx, td.data)
		if err != nil {
			return nil, false, err
		}
		device := env.Device
		d.Location = tensor.LocationGPUBuffer
		d.External = &ExternalRef{
			Buffer: buf,
			Download: func(ctx context.Context) ([]byte, error) {
				return device.Download(ctx, buf, size)
			},
			Dispose: func() error {
				code, err := n.ReleaseTensor(context.Background(), h)
				if err != nil {
					return err
				}
				if code != 0 {
					return marshal.CheckLastError(context.Background(), n, fmt.Sprintf("Can't release tensor %d.", h))
				}
				return nil
			},
		}
		return d, true, nil
	}

	if size == 0 {
		d.Data = []byte{}
		return d, false, nil
	}
	raw, err := mem.Read(td.data, uint32(size))
	if err != nil {
		return nil, false, errors.Wrap(errors.PhaseDecode, errors.KindOutOfBounds, err, fmt.Sprintf("read output %d", index))
	}
	d.Data = make([]byte, len(raw))
	copy(d.Data, raw)
	return d, false, nil
}

// ReadInto copies the payload of h into the host buffers of dst, the
// descriptor h was prepared from. Type and dims must match. gpu-buffer
// descriptors are left alone since the engine wrote the device buffer.
func ReadInto(ctx context.Context, env Env, h ortwasm.TensorHandle, index int, dst *Descriptor) error {
	if !dst.Location.Host() {
		return nil
	}
	n := env.Native
	td, err := getTensorData(ctx, n, h, index)
	if err != nil {
		return err
	}
	defer td.release(ctx, n, index)

	if td.typ != dst.Type || !td.dims.Equals(dst.Dims) {
		return errors.New(errors.PhaseDecode, errors.KindTypeMismatch).
			Detail("output %d is %s %v, pre-allocated tensor is %s %v", index, td.typ, td.dims, dst.Type, dst.Dims).
			Build()
	}
	if td.strings {
		return td.readStrings(n.Memory(), dst.Strings)
	}
	if len(dst.Data) == 0 {
		return nil
	}
	raw, err := n.Memory().Read(td.data, uint32(len(dst.Data)))
	if err != nil {
		return errors.Wrap(errors.PhaseDecode, errors.KindOutOfBounds, err, fmt.Sprintf("read output %d", index))
	}
	copy(dst.Data, raw)
	return nil
}
