package reference

import (
	"context"
	"slices"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/resource"
	"github.com/wippyai/ort-wasm/tensor"
)

// tensorValue is an engine tensor. Numeric payloads live at data, in linear
// memory for cpu tensors or in the device for gpu-buffer tensors; string
// payloads are held as Go strings.
type tensorValue struct {
	typ      tensor.ElementType
	dims     []int64
	location tensor.Location
	data     uint32
	byteLen  uint32
	strs     []string
	owned    bool
}

func (t *tensorValue) elements() int64 {
	n := int64(1)
	for _, d := range t.dims {
		n *= d
	}
	return n
}

func (e *Engine) CreateTensor(ctx context.Context, elemType int32, data, byteLen, dims, rank uint32, location int32) (ortwasm.TensorHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtCreateTensor") || !e.requireInit() {
		return 0, nil
	}

	typ := tensor.ElementType(elemType)
	if !typ.Valid() {
		e.setError(codeInvalidArgument, "unsupported data type: %d", elemType)
		return 0, nil
	}
	t := &tensorValue{typ: typ, location: tensor.Location(location), data: data, byteLen: byteLen}
	t.dims = make([]int64, rank)
	for i := range t.dims {
		d, err := e.mem.ReadU32(dims + uint32(i)*ortwasm.PtrSize)
		if err != nil {
			return 0, err
		}
		if int32(d) < 0 {
			e.setError(codeInvalidArgument, "invalid dimension %d at index %d", int32(d), i)
			return 0, nil
		}
		t.dims[i] = int64(int32(d))
	}
	want := t.elements() * int64(typ.Size())
	if int64(byteLen) != want {
		e.setError(codeInvalidArgument, "tensor of %s %v needs %d bytes, got %d", typ, t.dims, want, byteLen)
		return 0, nil
	}

	switch t.location {
	case tensor.LocationCPU, tensor.LocationCPUPinned:
		if _, err := e.mem.Read(data, byteLen); err != nil {
			e.setError(codeInvalidArgument, "tensor data out of bounds: %v", err)
			return 0, nil
		}
		if typ == tensor.String {
			strs, err := e.readStringTable(data, t.elements())
			if err != nil {
				return 0, err
			}
			t.strs = strs
		}
	case tensor.LocationGPUBuffer:
		if !typ.DeviceTransferable() {
			e.setError(codeInvalidArgument, "%s tensors cannot be on gpu-buffer", typ)
			return 0, nil
		}
		buf, err := e.device.buffer(data)
		if err != nil {
			e.fail(err)
			return 0, nil
		}
		if buf.Size() < uint64(byteLen) {
			e.setError(codeInvalidArgument, "gpu-buffer of %d bytes is smaller than tensor size %d", buf.Size(), byteLen)
			return 0, nil
		}
	default:
		e.setError(codeNotImplemented, "unsupported data location: %d", location)
		return 0, nil
	}

	h, err := e.arena.Insert(kindTensor, t)
	if err != nil {
		e.fail(err)
		return 0, nil
	}
	return ortwasm.TensorHandle(h), nil
}

func (e *Engine) readStringTable(table uint32, n int64) ([]string, error) {
	strs := make([]string, n)
	for i := range strs {
		ptr, err := e.mem.ReadU32(table + uint32(i)*ortwasm.PtrSize)
		if err != nil {
			return nil, err
		}
		if strs[i], err = e.readString(ptr); err != nil {
			return nil, err
		}
	}
	return strs, nil
}

func (e *Engine) tensor(h ortwasm.TensorHandle) (*tensorValue, bool) {
	v, err := e.arena.Get(kindTensor, resource.Handle(h))
	if err != nil {
		e.setError(codeInvalidArgument, "invalid tensor handle %d: %v", h, err)
		return nil, false
	}
	return v.(*tensorValue), true
}

func (e *Engine) GetTensorData(ctx context.Context, h ortwasm.TensorHandle, typeOut, dataOut, dimsOut, rankOut uint32) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtGetTensorData") {
		return codeFail, nil
	}
	t, ok := e.tensor(h)
	if !ok {
		return e.lastCode, nil
	}

	dims := e.heap.alloc(uint32(max(len(t.dims), 1)) * ortwasm.PtrSize)
	if dims == 0 {
		return e.setError(codeFail, "out of memory allocating dims"), nil
	}
	for i, d := range t.dims {
		if err := e.mem.WriteU32(dims+uint32(i)*ortwasm.PtrSize, uint32(d)); err != nil {
			_ = e.heap.release(dims)
			return 0, err
		}
	}

	data := t.data
	if t.typ == tensor.String {
		ptr, err := e.writeStringBuffer(t.strs)
		if err != nil {
			_ = e.heap.release(dims)
			return e.fail(err), nil
		}
		data = ptr
	}

	for _, w := range []struct{ at, v uint32 }{
		{typeOut, uint32(t.typ)},
		{dataOut, data},
		{dimsOut, dims},
		{rankOut, uint32(len(t.dims))},
	} {
		if err := e.mem.WriteU32(w.at, w.v); err != nil {
			return 0, err
		}
	}
	return codeOK, nil
}

// writeStringBuffer lays out a pointer table followed by the NUL-terminated
// strings in one heap block. The caller frees it with Free.
func (e *Engine) writeStringBuffer(strs []string) (uint32, error) {
	size := uint32(len(strs)) * ortwasm.PtrSize
	for _, s := range strs {
		size += uint32(len(s)) + 1
	}
	base := e.heap.alloc(size)
	if base == 0 {
		return 0, engineError(codeFail, "out of memory allocating %d bytes", size)
	}
	off := base + uint32(len(strs))*ortwasm.PtrSize
	for i, s := range strs {
		if err := e.mem.WriteU32(base+uint32(i)*ortwasm.PtrSize, off); err != nil {
			_ = e.heap.release(base)
			return 0, err
		}
		if err := e.mem.Write(off, append([]byte(s), 0)); err != nil {
			_ = e.heap.release(base)
			return 0, err
		}
		off += uint32(len(s)) + 1
	}
	return base, nil
}

func (e *Engine) ReleaseTensor(ctx context.Context, h ortwasm.TensorHandle) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtReleaseTensor") {
		return codeFail, nil
	}
	v, err := e.arena.Remove(kindTensor, resource.Handle(h))
	if err != nil {
		return e.setError(codeInvalidArgument, "invalid tensor handle %d: %v", h, err), nil
	}
	e.dropTensor(v.(*tensorValue))
	return codeOK, nil
}

func (e *Engine) dropTensor(t *tensorValue) {
	if !t.owned {
		return
	}
	switch t.location {
	case tensor.LocationGPUBuffer:
		e.device.release(t.data)
	default:
		if t.data != 0 {
			_ = e.heap.release(t.data)
		}
	}
}

// load reads a tensor's payload into an evaluation value.
func (e *Engine) load(t *tensorValue) (*value, error) {
	v := &value{typ: t.typ, dims: slices.Clone(t.dims)}
	if t.typ == tensor.String {
		v.strs = slices.Clone(t.strs)
		return v, nil
	}
	switch t.location {
	case tensor.LocationGPUBuffer:
		buf, err := e.device.buffer(t.data)
		if err != nil {
			return nil, err
		}
		data, err := buf.read(t.byteLen)
		if err != nil {
			return nil, err
		}
		v.data = data
	default:
		raw, err := e.mem.Read(t.data, t.byteLen)
		if err != nil {
			return nil, err
		}
		v.data = slices.Clone(raw)
	}
	return v, nil
}

// store writes an evaluated value into an existing tensor.
func (e *Engine) store(t *tensorValue, v *value, name string) error {
	if t.typ != v.typ || !slices.Equal(t.dims, v.dims) {
		return engineError(codeInvalidArgument, "output %s: pre-allocated tensor is %s %v, result is %s %v", name, t.typ, t.dims, v.typ, v.dims)
	}
	if t.typ == tensor.String {
		t.strs = slices.Clone(v.strs)
		return nil
	}
	if t.location == tensor.LocationGPUBuffer {
		buf, err := e.device.buffer(t.data)
		if err != nil {
			return err
		}
		return buf.write(v.data)
	}
	return e.mem.Write(t.data, v.data)
}

// materialize creates an engine-owned tensor holding v at location.
func (e *Engine) materialize(v *value, location tensor.Location) (*tensorValue, error) {
	t := &tensorValue{
		typ:      v.typ,
		dims:     slices.Clone(v.dims),
		location: location,
		byteLen:  uint32(len(v.data)),
		owned:    true,
	}
	if v.typ == tensor.String {
		if location == tensor.LocationGPUBuffer {
			return nil, engineError(codeInvalidArgument, "string tensors cannot be on gpu-buffer")
		}
		t.strs = slices.Clone(v.strs)
		t.byteLen = uint32(len(v.strs)) * ortwasm.PtrSize
		t.owned = false
		return t, nil
	}
	switch location {
	case tensor.LocationGPUBuffer:
		t.data = e.device.alloc(t.byteLen)
		buf, err := e.device.buffer(t.data)
		if err != nil {
			return nil, err
		}
		if err := buf.write(v.data); err != nil {
			e.device.release(t.data)
			return nil, err
		}
	default:
		t.location = tensor.LocationCPU
		if t.byteLen == 0 {
			t.owned = false
			return t, nil
		}
		t.data = e.heap.alloc(t.byteLen)
		if t.data == 0 {
			return nil, engineError(codeFail, "out of memory allocating %d bytes", t.byteLen)
		}
		if err := e.mem.Write(t.data, v.data); err != nil {
			_ = e.heap.release(t.data)
			return nil, err
		}
	}
	return t, nil
}
