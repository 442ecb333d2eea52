package codec_test

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/codec"
	"github.com/wippyai/ort-wasm/errors"
	"github.com/wippyai/ort-wasm/marshal"
	"github.com/wippyai/ort-wasm/reference"
	"github.com/wippyai/ort-wasm/tensor"
)

func newEnv(t *testing.T) (codec.Env, *reference.Engine) {
	t.Helper()
	eng := reference.New(reference.Config{})
	if code, err := eng.Init(context.Background(), 1, 2); err != nil || code != 0 {
		t.Fatalf("Init = %d, %v", code, err)
	}
	return codec.Env{Native: eng, Device: eng.Device()}, eng
}

func TestEncodeDecode_Host(t *testing.T) {
	f32, _ := tensor.FromSlice(tensor.NewShape(2, 2), []float32{1, -2, 3.5, 0})
	i64, _ := tensor.FromSlice(tensor.NewShape(3), []int64{1 << 40, -1, 7})
	b, _ := tensor.FromSlice(tensor.NewShape(2), []bool{true, false})
	empty, _ := tensor.FromSlice(tensor.NewShape(0, 4), []float32{})
	f16, _ := tensor.FromFloat16(tensor.NewShape(2), []float32{0.5, -1})
	strs, _ := tensor.NewStrings(tensor.NewShape(3), []string{"a", "", "ünï"})

	tests := []struct {
		name string
		in   *tensor.Tensor
	}{
		{"float32", f32},
		{"int64", i64},
		{"bool", b},
		{"empty", empty},
		{"float16", f16},
		{"string", strs},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, err := codec.Encode(tc.in, "x")
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			out, err := codec.Decode(d)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if out.Type() != tc.in.Type() {
				t.Errorf("type = %s, want %s", out.Type(), tc.in.Type())
			}
			if !out.Shape().Equals(tc.in.Shape()) {
				t.Errorf("shape = %v, want %v", out.Shape(), tc.in.Shape())
			}
			if tc.in.Type() == tensor.String {
				want, _ := tc.in.Strings()
				got, _ := out.Strings()
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("strings mismatch (-want +got):\n%s", diff)
				}
				return
			}
			want, _ := tc.in.Bytes()
			got, _ := out.Bytes()
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncode_InvalidLocation(t *testing.T) {
	x, _ := tensor.FromSlice(tensor.NewShape(1), []float32{1})
	if err := x.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	_, err := codec.Encode(x, "pixels")
	if err == nil || !strings.Contains(err.Error(), `invalid data location: none for input "pixels"`) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEncodeDecode_GPUBuffer(t *testing.T) {
	buf := reference.NewBuffer(16)
	in, err := tensor.FromGPUBuffer(tensor.Float32, tensor.NewShape(4), buf, nil, nil)
	if err != nil {
		t.Fatalf("FromGPUBuffer failed: %v", err)
	}
	d, err := codec.Encode(in, "x")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if d.External == nil || d.External.Buffer != buf || d.Data != nil {
		t.Fatalf("descriptor does not reference the buffer: %+v", d)
	}

	out, err := codec.Decode(d)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	got, err := out.GPUBuffer()
	if err != nil || got != buf {
		t.Errorf("GPUBuffer = %v, %v", got, err)
	}

	d.Type = tensor.Float64
	if _, err := codec.Decode(d); err == nil || !strings.Contains(err.Error(), "unsupported data type: float64 for gpu-buffer output") {
		t.Errorf("expected unsupported type error, got %v", err)
	}
}

func TestPrepareNative_ReadOutput(t *testing.T) {
	ctx := context.Background()
	env, eng := newEnv(t)

	tests := []struct {
		name string
		d    *codec.Descriptor
	}{
		{
			name: "float32",
			d:    &codec.Descriptor{Type: tensor.Float32, Dims: tensor.NewShape(1, 2), Data: []byte{0, 0, 128, 63, 0, 0, 0, 64}, Location: tensor.LocationCPU},
		},
		{
			name: "uint8 scalar",
			d:    &codec.Descriptor{Type: tensor.Uint8, Dims: tensor.NewShape(), Data: []byte{42}, Location: tensor.LocationCPU},
		},
		{
			name: "empty",
			d:    &codec.Descriptor{Type: tensor.Int32, Dims: tensor.NewShape(0), Data: []byte{}, Location: tensor.LocationCPU},
		},
		{
			name: "strings",
			d:    &codec.Descriptor{Type: tensor.String, Dims: tensor.NewShape(2), Strings: []string{"hello", "wörld"}, Location: tensor.LocationCPU},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			allocs := marshal.NewAllocationList()
			h, err := codec.PrepareNative(ctx, env, tc.d, 0, 0, false, allocs)
			if err != nil {
				t.Fatalf("PrepareNative failed: %v", err)
			}

			got, keep, err := codec.ReadOutput(ctx, env, h, 0, tensor.LocationCPU)
			if err != nil {
				t.Fatalf("ReadOutput failed: %v", err)
			}
			if keep {
				t.Error("host output must not transfer ownership")
			}
			if diff := cmp.Diff(tc.d, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
			}

			if code, _ := eng.ReleaseTensor(ctx, h); code != 0 {
				t.Errorf("ReleaseTensor = %d", code)
			}
			allocs.FreeAndRelease(ctx, eng)
			if eng.Live() != 0 {
				t.Errorf("live allocations = %d", eng.Live())
			}
			if eng.StackDepth() != 0 {
				t.Errorf("stack depth = %d", eng.StackDepth())
			}
		})
	}
}

func TestPrepareNative_Nil(t *testing.T) {
	env, _ := newEnv(t)
	h, err := codec.PrepareNative(context.Background(), env, nil, 1, 0, true, nil)
	if h != 0 || err != nil {
		t.Errorf("PrepareNative(nil) = %d, %v", h, err)
	}
}

func TestPrepareNative_Rejections(t *testing.T) {
	gpu := &codec.Descriptor{
		Type:     tensor.Float32,
		Dims:     tensor.NewShape(2),
		External: &codec.ExternalRef{Buffer: reference.NewBuffer(8)},
		Location: tensor.LocationGPUBuffer,
	}
	tests := []struct {
		name     string
		d        *codec.Descriptor
		capture  bool
		noDevice bool
		message  string
	}{
		{
			name:    "string on gpu",
			d:       &codec.Descriptor{Type: tensor.String, Dims: tensor.NewShape(1), Location: tensor.LocationGPUBuffer},
			message: "String tensor is not supported on GPU.",
		},
		{
			name:    "graph capture needs gpu-buffer",
			d:       &codec.Descriptor{Type: tensor.Float32, Dims: tensor.NewShape(1), Data: make([]byte, 4), Location: tensor.LocationCPU},
			capture: true,
			message: "External buffer must be provided for input/output index 3 when enableGraphCapture is true.",
		},
		{
			name:     "no device",
			d:        gpu,
			noDevice: true,
			message:  "gpu-buffer tensors need a device",
		},
		{
			name:    "payload size",
			d:       &codec.Descriptor{Type: tensor.Float32, Dims: tensor.NewShape(2), Data: make([]byte, 4), Location: tensor.LocationCPU},
			message: "has 4 bytes",
		},
		{
			name:    "texture",
			d:       &codec.Descriptor{Type: tensor.Float32, Dims: tensor.NewShape(1), Location: tensor.LocationTexture},
			message: "invalid data location: texture",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env, eng := newEnv(t)
			if tc.noDevice {
				env.Device = nil
			}
			allocs := marshal.NewAllocationList()
			defer allocs.FreeAndRelease(context.Background(), eng)

			_, err := codec.PrepareNative(context.Background(), env, tc.d, 1, 3, tc.capture, allocs)
			if err == nil || !strings.Contains(err.Error(), tc.message) {
				t.Fatalf("expected error containing %q, got %v", tc.message, err)
			}
			if eng.Calls("malloc") != 0 || eng.Calls("OrtCreateTensor") != 0 {
				t.Error("engine called before validation failed")
			}
		})
	}
}

func TestPrepareNative_CreateFails(t *testing.T) {
	ctx := context.Background()
	env, eng := newEnv(t)
	eng.FailNext("OrtCreateTensor", 1)

	allocs := marshal.NewAllocationList()
	d := &codec.Descriptor{Type: tensor.Int64, Dims: tensor.NewShape(1), Data: make([]byte, 8), Location: tensor.LocationCPU}
	_, err := codec.PrepareNative(ctx, env, d, 7, 2, false, allocs)
	if !stderrors.Is(err, errors.ErrNativeCall) {
		t.Fatalf("expected native call error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Can't create tensor for input/output. session=7, index=2.") {
		t.Errorf("unexpected message: %v", err)
	}
	if allocs.Count() != 1 {
		t.Errorf("data allocation not tracked: %d", allocs.Count())
	}
	allocs.FreeAndRelease(ctx, eng)
	if eng.Live() != 0 || eng.StackDepth() != 0 {
		t.Errorf("live = %d, stack depth = %d", eng.Live(), eng.StackDepth())
	}
}

func TestReadOutput_GPUTransfer(t *testing.T) {
	ctx := context.Background()
	env, eng := newEnv(t)
	if err := eng.Device().Init(ctx, "webgpu"); err != nil {
		t.Fatalf("device Init failed: %v", err)
	}

	payload := []byte{1, 0, 0, 0, 2, 0, 0, 0}
	buf := reference.BufferFrom(payload)
	d := &codec.Descriptor{
		Type:     tensor.Int32,
		Dims:     tensor.NewShape(2),
		External: &codec.ExternalRef{Buffer: buf},
		Location: tensor.LocationGPUBuffer,
	}
	h, err := codec.PrepareNative(ctx, env, d, ortwasm.SessionHandle(1), 0, true, nil)
	if err != nil {
		t.Fatalf("PrepareNative failed: %v", err)
	}
	if eng.Live() != 0 {
		t.Errorf("gpu-buffer upload allocated heap memory: %d", eng.Live())
	}

	out, keep, err := codec.ReadOutput(ctx, env, h, 0, tensor.LocationGPUBuffer)
	if err != nil {
		t.Fatalf("ReadOutput failed: %v", err)
	}
	if !keep {
		t.Fatal("gpu-buffer output must transfer ownership")
	}
	if out.External == nil || out.External.Buffer != buf {
		t.Fatalf("output does not reference the device buffer")
	}

	result, err := codec.Decode(out)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	values, err := result.Data(ctx, true)
	if err != nil {
		t.Fatalf("Data failed: %v", err)
	}
	if diff := cmp.Diff(payload, values); diff != "" {
		t.Errorf("download mismatch (-want +got):\n%s", diff)
	}
	if eng.Handles() != 0 {
		t.Errorf("dispose did not release the native tensor: %d handles", eng.Handles())
	}
}

func TestReadOutput_StringOnGPU(t *testing.T) {
	ctx := context.Background()
	env, eng := newEnv(t)
	allocs := marshal.NewAllocationList()
	defer allocs.FreeAndRelease(ctx, eng)

	d := &codec.Descriptor{Type: tensor.String, Dims: tensor.NewShape(1), Strings: []string{"s"}, Location: tensor.LocationCPU}
	h, err := codec.PrepareNative(ctx, env, d, 0, 0, false, allocs)
	if err != nil {
		t.Fatalf("PrepareNative failed: %v", err)
	}
	defer eng.ReleaseTensor(ctx, h)

	if _, _, err := codec.ReadOutput(ctx, env, h, 0, tensor.LocationGPUBuffer); err == nil {
		t.Fatal("expected string on gpu error")
	}
	// the string buffer written by GetTensorData is freed on the error path too
	allocs.Free(ctx, eng)
	if eng.Live() != 0 {
		t.Errorf("live allocations = %d", eng.Live())
	}
}

func TestReadInto(t *testing.T) {
	ctx := context.Background()
	env, eng := newEnv(t)

	src := &codec.Descriptor{Type: tensor.Int32, Dims: tensor.NewShape(2), Data: []byte{1, 0, 0, 0, 2, 0, 0, 0}, Location: tensor.LocationCPU}
	allocs := marshal.NewAllocationList()
	defer allocs.FreeAndRelease(ctx, eng)
	h, err := codec.PrepareNative(ctx, env, src, 0, 0, false, allocs)
	if err != nil {
		t.Fatalf("PrepareNative failed: %v", err)
	}
	defer eng.ReleaseTensor(ctx, h)

	dst := &codec.Descriptor{Type: tensor.Int32, Dims: tensor.NewShape(2), Data: make([]byte, 8), Location: tensor.LocationCPU}
	if err := codec.ReadInto(ctx, env, h, 0, dst); err != nil {
		t.Fatalf("ReadInto failed: %v", err)
	}
	if diff := cmp.Diff(src.Data, dst.Data); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}

	wrong := &codec.Descriptor{Type: tensor.Int32, Dims: tensor.NewShape(1, 2), Data: make([]byte, 8), Location: tensor.LocationCPU}
	err = codec.ReadInto(ctx, env, h, 0, wrong)
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindTypeMismatch {
		t.Fatalf("expected type mismatch, got %v", err)
	}
	if !strings.Contains(err.Error(), "pre-allocated tensor") {
		t.Errorf("error = %v", err)
	}
	if eng.StackDepth() != 0 {
		t.Errorf("stack depth = %d", eng.StackDepth())
	}
}
