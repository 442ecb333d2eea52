package backend_test

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/backend"
	"github.com/wippyai/ort-wasm/codec"
	"github.com/wippyai/ort-wasm/errors"
	"github.com/wippyai/ort-wasm/marshal"
	"github.com/wippyai/ort-wasm/options"
	"github.com/wippyai/ort-wasm/reference"
	"github.com/wippyai/ort-wasm/tensor"
)

const addModel = `
inputs:
  - {name: a, type: float32, dims: [1, 3]}
  - {name: b, type: float32, dims: [1, 3]}
outputs:
  - {name: c, type: float32}
nodes:
  - {op: Add, inputs: [a, b], output: c}
`

const weightsModel = `
inputs:
  - {name: x, type: float32, dims: [2]}
outputs:
  - {name: y, type: float32}
constants:
  - {name: w, type: float32, dims: [2], file: weights.bin}
nodes:
  - {op: Mul, inputs: [x, w], output: y}
`

type fixture struct {
	t     *testing.T
	ctx   context.Context
	eng   *reference.Engine
	be    *backend.Context
	files map[string][]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := newUninitialized(t)
	if err := f.be.InitRuntime(f.ctx, backend.Env{}); err != nil {
		t.Fatalf("InitRuntime failed: %v", err)
	}
	return f
}

func newUninitialized(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		eng:   reference.New(reference.Config{}),
		files: make(map[string][]byte),
	}
	be, err := backend.New(backend.Config{
		Native: f.eng,
		Device: f.eng.Device(),
		Loader: backend.LoaderFunc(func(ctx context.Context, path string) ([]byte, error) {
			data, ok := f.files[path]
			if !ok {
				return nil, errors.NotFound(errors.PhaseLoad, "file", path)
			}
			return data, nil
		}),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.be = be
	return f
}

func (f *fixture) create(model string, o *options.SessionOptions) backend.SessionMetadata {
	f.t.Helper()
	meta, err := f.be.CreateSession(f.ctx, backend.FromBytes([]byte(model)), o)
	if err != nil {
		f.t.Fatalf("CreateSession failed: %v", err)
	}
	return meta
}

func (f *fixture) initGPU() {
	f.t.Helper()
	if err := f.be.InitEP(f.ctx, "webgpu"); err != nil {
		f.t.Fatalf("InitEP failed: %v", err)
	}
}

func (f *fixture) assertResources(live, handles int) {
	f.t.Helper()
	if got := f.eng.Live(); got != live {
		f.t.Errorf("live allocations = %d, want %d", got, live)
	}
	if got := f.eng.Handles(); got != handles {
		f.t.Errorf("live handles = %d, want %d", got, handles)
	}
	if got := f.eng.StackDepth(); got != 0 {
		f.t.Errorf("stack depth = %d", got)
	}
}

func (f *fixture) assertClean() {
	f.t.Helper()
	f.assertResources(0, 0)
	if got := f.eng.Device().Live(); got != 0 {
		f.t.Errorf("live device buffers = %d", got)
	}
	if got := f.be.Sessions(); got != 0 {
		f.t.Errorf("active sessions = %d", got)
	}
}

func floatBytes(vals ...float32) []byte {
	buf := make([]byte, 0, len(vals)*4)
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

func bytesFloat(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func floatDesc(dims []int64, vals ...float32) *codec.Descriptor {
	return &codec.Descriptor{
		Type:     tensor.Float32,
		Dims:     tensor.NewShape(dims...),
		Data:     floatBytes(vals...),
		Location: tensor.LocationCPU,
	}
}

func gpuDesc(buf *reference.Buffer, dims ...int64) *codec.Descriptor {
	return &codec.Descriptor{
		Type:     tensor.Float32,
		Dims:     tensor.NewShape(dims...),
		External: &codec.ExternalRef{Buffer: buf},
		Location: tensor.LocationGPUBuffer,
	}
}

func addInputs() []*codec.Descriptor {
	return []*codec.Descriptor{
		floatDesc([]int64{1, 3}, 1, 2, 3),
		floatDesc([]int64{1, 3}, 4, 5, 6),
	}
}

func (f *fixture) runAdd(id ortwasm.SessionHandle, ro *options.RunOptions) ([]*codec.Descriptor, error) {
	return f.be.Run(f.ctx, id, []int{0, 1}, addInputs(), []int{0}, []*codec.Descriptor{nil}, ro)
}

func TestRun_Add(t *testing.T) {
	f := newFixture(t)
	meta := f.create(addModel, nil)

	if diff := cmp.Diff([]string{"a", "b"}, meta.InputNames); diff != "" {
		t.Errorf("input names mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"c"}, meta.OutputNames); diff != "" {
		t.Errorf("output names mismatch (-want +got):\n%s", diff)
	}
	// interned names
	baseline := f.eng.Live()
	if baseline != 3 {
		t.Errorf("live allocations after create = %d, want 3", baseline)
	}

	for i := range 3 {
		out, err := f.runAdd(meta.ID, nil)
		if err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
		if len(out) != 1 {
			t.Fatalf("got %d outputs", len(out))
		}
		c := out[0]
		if c.Type != tensor.Float32 || c.Location != tensor.LocationCPU {
			t.Errorf("output is %s on %s", c.Type, c.Location)
		}
		if diff := cmp.Diff(tensor.Shape{1, 3}, c.Dims); diff != "" {
			t.Errorf("dims mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]float32{5, 7, 9}, bytesFloat(c.Data)); diff != "" {
			t.Errorf("values mismatch (-want +got):\n%s", diff)
		}
		f.assertResources(baseline, 1)
	}

	if err := f.be.ReleaseSession(f.ctx, meta.ID); err != nil {
		t.Fatalf("ReleaseSession failed: %v", err)
	}
	f.assertClean()
}

func TestReleasedSession(t *testing.T) {
	f := newFixture(t)
	ids := []ortwasm.SessionHandle{
		f.create(addModel, nil).ID,
		f.create(addModel, nil).ID,
	}
	for _, id := range ids {
		if err := f.be.ReleaseSession(f.ctx, id); err != nil {
			t.Fatalf("ReleaseSession(%d) failed: %v", id, err)
		}
	}
	f.assertClean()

	for _, id := range ids {
		want := fmt.Sprintf("invalid session id: %d", id)
		_, runErr := f.runAdd(id, nil)
		_, profErr := f.be.EndProfiling(f.ctx, id)
		relErr := f.be.ReleaseSession(f.ctx, id)
		for name, err := range map[string]error{"Run": runErr, "EndProfiling": profErr, "ReleaseSession": relErr} {
			if !stderrors.Is(err, errors.ErrInvalidSession) {
				t.Errorf("%s(%d): expected invalid session, got %v", name, id, err)
				continue
			}
			if !strings.Contains(err.Error(), want) {
				t.Errorf("%s(%d): error %q does not contain %q", name, id, err, want)
			}
		}
	}
	if f.eng.Calls("OrtCreateRunOptions") != 0 {
		t.Error("engine called for a released session")
	}
}

func TestCreateSession_ModelSources(t *testing.T) {
	tests := []struct {
		name    string
		source  func(f *fixture) (backend.ModelSource, func())
		mallocs int
		extra   int
	}{
		{
			name: "host bytes are copied",
			source: func(f *fixture) (backend.ModelSource, func()) {
				return backend.FromBytes([]byte(addModel)), nil
			},
			mallocs: 1,
		},
		{
			name: "region is reused and freed",
			source: func(f *fixture) (backend.ModelSource, func()) {
				r, err := f.be.CopyFromExternalBuffer(f.ctx, []byte(addModel))
				if err != nil {
					f.t.Fatalf("CopyFromExternalBuffer failed: %v", err)
				}
				return backend.FromRegion(r), nil
			},
		},
		{
			name: "path is loaded and copied",
			source: func(f *fixture) (backend.ModelSource, func()) {
				f.files["models/add.yaml"] = []byte(addModel)
				return backend.FromPath("models/add.yaml"), nil
			},
			mallocs: 1,
		},
		{
			name: "aliased bytes are used in place",
			source: func(f *fixture) (backend.ModelSource, func()) {
				ptr, err := f.eng.Malloc(f.ctx, uint32(len(addModel)))
				if err != nil || ptr == 0 {
					f.t.Fatalf("Malloc = %d, %v", ptr, err)
				}
				if err := f.eng.Memory().Write(ptr, []byte(addModel)); err != nil {
					f.t.Fatalf("Write failed: %v", err)
				}
				view, err := f.eng.Memory().Read(ptr, uint32(len(addModel)))
				if err != nil {
					f.t.Fatalf("Read failed: %v", err)
				}
				return backend.FromBytes(view), func() { f.eng.Free(f.ctx, ptr) }
			},
			extra: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			src, done := tc.source(f)
			before := f.eng.Calls("malloc")

			meta, err := f.be.CreateSession(f.ctx, src, nil)
			if err != nil {
				t.Fatalf("CreateSession failed: %v", err)
			}
			if got := f.eng.Calls("malloc") - before; got != tc.mallocs {
				t.Errorf("malloc calls = %d, want %d", got, tc.mallocs)
			}
			f.assertResources(3+tc.extra, 1)

			if err := f.be.ReleaseSession(f.ctx, meta.ID); err != nil {
				t.Fatalf("ReleaseSession failed: %v", err)
			}
			if done != nil {
				done()
			}
			f.assertClean()
		})
	}
}

func TestCreateSession_GraphCaptureValidation(t *testing.T) {
	gpu := []options.ExecutionProvider{{Name: "webgpu"}}
	tests := []struct {
		name string
		opts options.SessionOptions
		kind errors.Kind
	}{
		{
			name: "global host preference",
			opts: options.SessionOptions{EnableGraphCapture: true, ExecutionProviders: gpu, PreferredOutputLocation: "cpu"},
			kind: errors.KindUnsupported,
		},
		{
			name: "per output host preference",
			opts: options.SessionOptions{EnableGraphCapture: true, ExecutionProviders: gpu, PreferredOutputLocations: map[string]string{"c": "cpu-pinned"}},
			kind: errors.KindUnsupported,
		},
		{
			name: "unknown location",
			opts: options.SessionOptions{PreferredOutputLocation: "texture"},
			kind: errors.KindInvalidEnum,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.initGPU()
			_, err := f.be.CreateSession(f.ctx, backend.FromBytes([]byte(addModel)), &tc.opts)
			var e *errors.Error
			if !stderrors.As(err, &e) {
				t.Fatalf("expected structured error, got %v", err)
			}
			if e.Phase != errors.PhaseValidate || e.Kind != tc.kind {
				t.Errorf("got %s/%s, want validate/%s", e.Phase, e.Kind, tc.kind)
			}
			for _, entry := range []string{"OrtCreateSessionOptions", "OrtCreateSession"} {
				if n := f.eng.Calls(entry); n != 0 {
					t.Errorf("%s called %d times", entry, n)
				}
			}
			f.assertClean()
		})
	}
}

func TestCreateSession_Failures(t *testing.T) {
	gpuOpts := &options.SessionOptions{
		ExecutionProviders:      []options.ExecutionProvider{{Name: "webgpu"}},
		PreferredOutputLocation: "gpu-buffer",
	}
	tests := []struct {
		name    string
		model   string
		opts    *options.SessionOptions
		fail    string
		message string
	}{
		{name: "invalid model", model: "{", message: "Can't create a session."},
		{name: "io count", model: addModel, fail: "OrtGetInputOutputCount", message: "Can't get session input/output count."},
		{name: "input name", model: addModel, fail: "OrtGetInputName", message: "Can't get an input name."},
		{name: "output name", model: addModel, fail: "OrtGetOutputName", message: "Can't get an output name."},
		{name: "io binding", model: addModel, opts: gpuOpts, fail: "OrtCreateBinding", message: "Can't create IO binding."},
		{name: "external data", model: weightsModel, message: "external data file not found: weights.bin"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.initGPU()
			if tc.fail != "" {
				f.eng.FailNext(tc.fail, 1)
			}
			_, err := f.be.CreateSession(f.ctx, backend.FromBytes([]byte(tc.model)), tc.opts)
			if !stderrors.Is(err, errors.ErrNativeCall) {
				t.Fatalf("expected native call error, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.message) {
				t.Errorf("error %q does not contain %q", err, tc.message)
			}
			f.assertClean()
		})
	}
}

func TestCreateSession_EmptyModel(t *testing.T) {
	f := newFixture(t)
	for _, src := range []backend.ModelSource{backend.FromBytes(nil), {}} {
		_, err := f.be.CreateSession(f.ctx, src, nil)
		var e *errors.Error
		if !stderrors.As(err, &e) || e.Phase != errors.PhaseValidate {
			t.Errorf("expected validation error, got %v", err)
		}
	}
	if f.eng.Calls("malloc") != 0 {
		t.Error("empty model was copied")
	}
}

func TestRun_Validation(t *testing.T) {
	one := floatDesc([]int64{1, 3}, 1, 2, 3)
	tests := []struct {
		name          string
		inputIndices  []int
		inputs        []*codec.Descriptor
		outputIndices []int
		outputs       []*codec.Descriptor
		kind          errors.Kind
	}{
		{
			name:          "input index out of range",
			inputIndices:  []int{0, 2},
			inputs:        []*codec.Descriptor{one, one},
			outputIndices: []int{0},
			outputs:       []*codec.Descriptor{nil},
			kind:          errors.KindOutOfBounds,
		},
		{
			name:          "negative output index",
			inputIndices:  []int{0, 1},
			inputs:        []*codec.Descriptor{one, one},
			outputIndices: []int{-1},
			outputs:       []*codec.Descriptor{nil},
			kind:          errors.KindOutOfBounds,
		},
		{
			name:          "input fed twice",
			inputIndices:  []int{0, 0},
			inputs:        []*codec.Descriptor{one, one},
			outputIndices: []int{0},
			outputs:       []*codec.Descriptor{nil},
			kind:          errors.KindInvalidInput,
		},
		{
			name:          "indices and tensors differ",
			inputIndices:  []int{0, 1},
			inputs:        []*codec.Descriptor{one},
			outputIndices: []int{0},
			outputs:       []*codec.Descriptor{nil},
			kind:          errors.KindInvalidInput,
		},
		{
			name:          "nil input",
			inputIndices:  []int{0, 1},
			inputs:        []*codec.Descriptor{one, nil},
			outputIndices: []int{0},
			outputs:       []*codec.Descriptor{nil},
			kind:          errors.KindInvalidInput,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			meta := f.create(addModel, nil)
			_, err := f.be.Run(f.ctx, meta.ID, tc.inputIndices, tc.inputs, tc.outputIndices, tc.outputs, nil)
			var e *errors.Error
			if !stderrors.As(err, &e) {
				t.Fatalf("expected structured error, got %v", err)
			}
			if e.Phase != errors.PhaseValidate || e.Kind != tc.kind {
				t.Errorf("got %s/%s, want validate/%s", e.Phase, e.Kind, tc.kind)
			}
			if f.eng.Calls("OrtCreateRunOptions") != 0 {
				t.Error("engine called for a validation error")
			}
		})
	}
}

func TestRun_NativeFailures(t *testing.T) {
	tests := []struct {
		name    string
		inputs  []int
		ro      *options.RunOptions
		fail    string
		message string
	}{
		{name: "missing input", inputs: []int{0}, message: "Missing Input: b"},
		{name: "terminate flag", inputs: []int{0, 1}, ro: &options.RunOptions{Terminate: true}, message: "terminate flag"},
		{name: "injected", inputs: []int{0, 1}, fail: "OrtRun", message: "injected failure in OrtRun"},
		{name: "run options", inputs: []int{0, 1}, fail: "OrtCreateRunOptions", message: "can't create run options."},
		{name: "tensor", inputs: []int{0, 1}, fail: "OrtCreateTensor", message: "Can't create tensor for input/output."},
		{name: "tensor data", inputs: []int{0, 1}, fail: "OrtGetTensorData", message: "Can't access output tensor data on index 0."},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			meta := f.create(addModel, nil)
			baseline := f.eng.Live()
			if tc.fail != "" {
				f.eng.FailNext(tc.fail, 1)
			}

			all := addInputs()
			inputs := make([]*codec.Descriptor, len(tc.inputs))
			for i, idx := range tc.inputs {
				inputs[i] = all[idx]
			}
			_, err := f.be.Run(f.ctx, meta.ID, tc.inputs, inputs, []int{0}, []*codec.Descriptor{nil}, tc.ro)
			if !stderrors.Is(err, errors.ErrNativeCall) {
				t.Fatalf("expected native call error, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.message) {
				t.Errorf("error %q does not contain %q", err, tc.message)
			}
			f.assertResources(baseline, 1)

			// the session survives a failed run
			out, err := f.runAdd(meta.ID, nil)
			if err != nil {
				t.Fatalf("run after failure: %v", err)
			}
			if diff := cmp.Diff([]float32{5, 7, 9}, bytesFloat(out[0].Data)); diff != "" {
				t.Errorf("values mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRun_OrtRunMessage(t *testing.T) {
	f := newFixture(t)
	meta := f.create(addModel, nil)
	_, err := f.be.Run(f.ctx, meta.ID, []int{0}, addInputs()[:1], []int{0}, []*codec.Descriptor{nil}, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, part := range []string{"failed to call OrtRun().", "ERROR_CODE: 2", "ERROR_MESSAGE: Missing Input: b"} {
		if !strings.Contains(err.Error(), part) {
			t.Errorf("error %q does not contain %q", err, part)
		}
	}
}

func TestRun_PreallocatedOutput(t *testing.T) {
	f := newFixture(t)
	meta := f.create(addModel, nil)
	baseline := f.eng.Live()

	dst := &codec.Descriptor{
		Type:     tensor.Float32,
		Dims:     tensor.NewShape(1, 3),
		Data:     make([]byte, 12),
		Location: tensor.LocationCPU,
	}
	out, err := f.be.Run(f.ctx, meta.ID, []int{0, 1}, addInputs(), []int{0}, []*codec.Descriptor{dst}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out[0] != dst {
		t.Error("pre-allocated output was not returned as is")
	}
	if diff := cmp.Diff([]float32{5, 7, 9}, bytesFloat(dst.Data)); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
	f.assertResources(baseline, 1)
}

func TestRun_Strings(t *testing.T) {
	const model = `
inputs:
  - {name: s, type: string, dims: [2]}
outputs:
  - {name: t, type: string}
nodes:
  - {op: Identity, inputs: [s], output: t}
`
	f := newFixture(t)
	meta := f.create(model, nil)
	baseline := f.eng.Live()

	in := &codec.Descriptor{
		Type:     tensor.String,
		Dims:     tensor.NewShape(2),
		Strings:  []string{"hello", "wörld"},
		Location: tensor.LocationCPU,
	}
	out, err := f.be.Run(f.ctx, meta.ID, []int{0}, []*codec.Descriptor{in}, []int{0}, []*codec.Descriptor{nil}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := cmp.Diff(in.Strings, out[0].Strings); diff != "" {
		t.Errorf("strings mismatch (-want +got):\n%s", diff)
	}
	f.assertResources(baseline, 1)
}

func TestRun_GPUOutput(t *testing.T) {
	f := newFixture(t)
	f.initGPU()
	meta := f.create(addModel, &options.SessionOptions{
		ExecutionProviders:      []options.ExecutionProvider{{Name: "webgpu"}},
		PreferredOutputLocation: "gpu-buffer",
	})
	baseline := f.eng.Live()
	// session and IO binding
	f.assertResources(baseline, 2)

	for i := range 2 {
		out, err := f.runAdd(meta.ID, nil)
		if err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
		if out[0].Location != tensor.LocationGPUBuffer || out[0].External == nil {
			t.Fatalf("output is on %s", out[0].Location)
		}
		if f.eng.Device().Live() != 1 {
			t.Errorf("device buffers = %d, want 1", f.eng.Device().Live())
		}
		// the output tensor is owned by the caller until disposed
		f.assertResources(baseline, 3)

		result, err := codec.Decode(out[0])
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		data, err := result.Data(f.ctx, true)
		if err != nil {
			t.Fatalf("Data failed: %v", err)
		}
		if diff := cmp.Diff([]float32{5, 7, 9}, bytesFloat(data)); diff != "" {
			t.Errorf("values mismatch (-want +got):\n%s", diff)
		}
		f.assertResources(baseline, 2)
	}

	checks := map[string]int{
		"OrtCreateBinding":     1,
		"OrtRunWithBinding":    2,
		"OrtBindInput":         4,
		"OrtClearBoundOutputs": 2,
		"OrtRun":               0,
	}
	for entry, want := range checks {
		if got := f.eng.Calls(entry); got != want {
			t.Errorf("%s calls = %d, want %d", entry, got, want)
		}
	}

	if err := f.be.ReleaseSession(f.ctx, meta.ID); err != nil {
		t.Fatalf("ReleaseSession failed: %v", err)
	}
	f.assertClean()
}

func TestRun_GraphCapture(t *testing.T) {
	f := newFixture(t)
	f.initGPU()
	meta := f.create(addModel, &options.SessionOptions{
		EnableGraphCapture: true,
		ExecutionProviders: []options.ExecutionProvider{{Name: "webgpu"}},
	})

	a := reference.BufferFrom(floatBytes(1, 2, 3))
	b := reference.BufferFrom(floatBytes(10, 20, 30))
	for i := range 2 {
		out, err := f.be.Run(f.ctx, meta.ID, []int{0, 1}, []*codec.Descriptor{gpuDesc(a, 1, 3), gpuDesc(b, 1, 3)}, []int{0}, []*codec.Descriptor{nil}, nil)
		if err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
		result, err := codec.Decode(out[0])
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		data, err := result.Data(f.ctx, true)
		if err != nil {
			t.Fatalf("Data failed: %v", err)
		}
		if diff := cmp.Diff([]float32{11, 22, 33}, bytesFloat(data)); diff != "" {
			t.Errorf("run %d values mismatch (-want +got):\n%s", i, diff)
		}
	}

	// replay reuses the binding of the first run
	checks := map[string]int{
		"OrtBindInput":         2,
		"OrtBindOutput":        1,
		"OrtRunWithBinding":    2,
		"OrtClearBoundOutputs": 0,
	}
	for entry, want := range checks {
		if got := f.eng.Calls(entry); got != want {
			t.Errorf("%s calls = %d, want %d", entry, got, want)
		}
	}

	_, err := f.runAdd(meta.ID, nil)
	if err == nil || !strings.Contains(err.Error(), "External buffer must be provided for input/output index 0 when enableGraphCapture is true.") {
		t.Errorf("host input under graph capture: %v", err)
	}
	if got := f.eng.Calls("OrtRunWithBinding"); got != 2 {
		t.Errorf("rejected run reached the engine: %d calls", got)
	}

	if err := f.be.ReleaseSession(f.ctx, meta.ID); err != nil {
		t.Fatalf("ReleaseSession failed: %v", err)
	}
	if got := f.eng.Calls("OrtClearBoundOutputs"); got != 1 {
		t.Errorf("release cleared bound outputs %d times, want 1", got)
	}
	f.assertClean()
}

func TestEndProfiling(t *testing.T) {
	f := newFixture(t)
	meta := f.create(addModel, &options.SessionOptions{EnableProfiling: true, ProfileFilePrefix: "trace_"})
	baseline := f.eng.Live()
	if _, err := f.runAdd(meta.ID, &options.RunOptions{Tag: "first"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	name, err := f.be.EndProfiling(f.ctx, meta.ID)
	if err != nil {
		t.Fatalf("EndProfiling failed: %v", err)
	}
	if !strings.HasPrefix(name, "trace_") || !strings.HasSuffix(name, ".json") {
		t.Errorf("profile name = %q", name)
	}
	doc, ok := f.eng.Profile(name)
	if !ok || !strings.Contains(string(doc), `"first"`) {
		t.Errorf("profile = %s, %v", doc, ok)
	}
	f.assertResources(baseline, 1)

	f.eng.FailNext("OrtEndProfiling", 1)
	if _, err := f.be.EndProfiling(f.ctx, meta.ID); err == nil || !strings.Contains(err.Error(), "Can't get an profile file name.") {
		t.Errorf("injected failure: %v", err)
	}
}

func TestCreateSession_ExternalData(t *testing.T) {
	tests := []struct {
		name  string
		data  []options.ExternalData
		files map[string][]byte
		err   string
	}{
		{
			name: "inline",
			data: []options.ExternalData{{Path: "weights.bin", Data: floatBytes(3, 4)}},
		},
		{
			name:  "loaded",
			data:  []options.ExternalData{{Path: "weights.bin"}},
			files: map[string][]byte{"weights.bin": floatBytes(3, 4)},
		},
		{
			name: "not found",
			data: []options.ExternalData{{Path: "weights.bin"}},
			err:  "weights.bin",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			for path, data := range tc.files {
				f.files[path] = data
			}
			meta, err := f.be.CreateSession(f.ctx, backend.FromBytes([]byte(weightsModel)), &options.SessionOptions{ExternalData: tc.data})
			if tc.err != "" {
				if err == nil || !strings.Contains(err.Error(), tc.err) {
					t.Fatalf("expected error containing %q, got %v", tc.err, err)
				}
				f.assertClean()
				return
			}
			if err != nil {
				t.Fatalf("CreateSession failed: %v", err)
			}

			out, err := f.be.Run(f.ctx, meta.ID, []int{0}, []*codec.Descriptor{floatDesc([]int64{2}, 2, 5)}, []int{0}, []*codec.Descriptor{nil}, nil)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if diff := cmp.Diff([]float32{6, 20}, bytesFloat(out[0].Data)); diff != "" {
				t.Errorf("values mismatch (-want +got):\n%s", diff)
			}

			// files are mounted only while the session is created
			if _, err := f.be.CreateSession(f.ctx, backend.FromBytes([]byte(weightsModel)), nil); err == nil {
				t.Error("external data stayed mounted")
			}
		})
	}
}

func TestInitRuntime(t *testing.T) {
	tests := []struct {
		name    string
		env     backend.Env
		fail    string
		want    *errors.Error
		message string
	}{
		{
			name:    "unknown log level",
			env:     backend.Env{LogLevel: "loud"},
			want:    &errors.Error{Phase: errors.PhaseValidate, Kind: errors.KindInvalidEnum},
			message: "logging level",
		},
		{
			name:    "negative threads",
			env:     backend.Env{NumThreads: -1},
			want:    &errors.Error{Phase: errors.PhaseValidate, Kind: errors.KindInvalidInput},
			message: "numThreads",
		},
		{
			name:    "engine failure",
			fail:    "OrtInit",
			want:    errors.ErrNativeCall,
			message: "Can't initialize onnxruntime.",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newUninitialized(t)
			if tc.fail != "" {
				f.eng.FailNext(tc.fail, 1)
			}
			err := f.be.InitRuntime(f.ctx, tc.env)
			if !stderrors.Is(err, tc.want) {
				t.Fatalf("expected %s/%s error, got %v", tc.want.Phase, tc.want.Kind, err)
			}
			if !strings.Contains(err.Error(), tc.message) {
				t.Errorf("error %q does not contain %q", err, tc.message)
			}
		})
	}
}

func TestCreateSession_NotInitialized(t *testing.T) {
	f := newUninitialized(t)
	_, err := f.be.CreateSession(f.ctx, backend.FromBytes([]byte(addModel)), nil)
	if !stderrors.Is(err, errors.ErrNativeCall) || !strings.Contains(err.Error(), "runtime is not initialized") {
		t.Errorf("expected not initialized error, got %v", err)
	}
	f.assertClean()
}

func TestInitEP(t *testing.T) {
	f := newFixture(t)
	for _, ep := range []string{"cpu", "wasm", "xnnpack", "webgpu"} {
		if err := f.be.InitEP(f.ctx, ep); err != nil {
			t.Errorf("InitEP(%s) failed: %v", ep, err)
		}
	}
	if !f.eng.Device().Ready("webgpu") {
		t.Error("device not initialized for webgpu")
	}
	if err := f.be.InitEP(f.ctx, "cuda"); err == nil {
		t.Error("expected an error for cuda")
	}

	eng := reference.New(reference.Config{})
	noDevice, err := backend.New(backend.Config{Native: eng})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	err = noDevice.InitEP(f.ctx, "webgpu")
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindUnsupported {
		t.Errorf("expected unsupported error, got %v", err)
	}
}

func TestNew_RequiresNative(t *testing.T) {
	if _, err := backend.New(backend.Config{}); err == nil {
		t.Error("expected an error without a native engine")
	}
}

func TestClose(t *testing.T) {
	eng := reference.New(reference.Config{})
	closed := 0
	be, err := backend.New(backend.Config{
		Native: eng,
		Device: eng.Device(),
		Close: func(ctx context.Context) error {
			closed++
			return nil
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	if err := be.InitRuntime(ctx, backend.Env{}); err != nil {
		t.Fatalf("InitRuntime failed: %v", err)
	}
	for range 2 {
		if _, err := be.CreateSession(ctx, backend.FromBytes([]byte(addModel)), nil); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
	}

	if err := be.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := be.Close(ctx); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if closed != 1 {
		t.Errorf("close hook ran %d times", closed)
	}
	if be.Sessions() != 0 || eng.Live() != 0 || eng.Handles() != 0 {
		t.Errorf("sessions = %d, live = %d, handles = %d", be.Sessions(), eng.Live(), eng.Handles())
	}
	if _, err := be.CreateSession(ctx, backend.FromBytes([]byte(addModel)), nil); err == nil {
		t.Error("CreateSession succeeded after Close")
	}
}

// Every allocation and handle is released whichever entry point fails.
func TestInjectedFailures(t *testing.T) {
	entries := []string{
		"malloc",
		"stackAlloc",
		"OrtCreateSessionOptions",
		"OrtAppendExecutionProvider",
		"OrtAddSessionConfigEntry",
		"OrtCreateSession",
		"OrtGetInputOutputCount",
		"OrtGetInputName",
		"OrtGetOutputName",
		"OrtCreateBinding",
		"OrtCreateRunOptions",
		"OrtAddRunConfigEntry",
		"OrtCreateTensor",
		"OrtBindInput",
		"OrtBindOutput",
		"OrtRunWithBinding",
		"OrtGetTensorData",
		"OrtEndProfiling",
	}
	opts := &options.SessionOptions{
		LogID:                   "sweep",
		ExecutionProviders:      []options.ExecutionProvider{{Name: "webgpu", PreferredLayout: "NHWC"}},
		PreferredOutputLocation: "gpu-buffer",
		Extra:                   marshal.Map{"session": marshal.Map{"use_ort_model_bytes_directly": marshal.String("1")}},
	}
	ro := &options.RunOptions{Tag: "sweep", Extra: marshal.Map{"memory": marshal.Map{"shrink": marshal.String("cpu:0")}}}

	for _, entry := range entries {
		for nth := 1; nth <= 3; nth++ {
			t.Run(fmt.Sprintf("%s/%d", entry, nth), func(t *testing.T) {
				f := newFixture(t)
				f.initGPU()
				f.eng.FailNext(entry, nth)

				meta, err := f.be.CreateSession(f.ctx, backend.FromBytes([]byte(addModel)), opts)
				if err == nil {
					out, err := f.runAdd(meta.ID, ro)
					if err == nil {
						for _, d := range out {
							if d.External != nil && d.External.Dispose != nil {
								if err := d.External.Dispose(); err != nil {
									t.Errorf("Dispose failed: %v", err)
								}
							}
						}
					}
					_, _ = f.be.EndProfiling(f.ctx, meta.ID)
					if err := f.be.ReleaseSession(f.ctx, meta.ID); err != nil {
						t.Fatalf("ReleaseSession failed: %v", err)
					}
				}
				f.eng.FailNext(entry, 0)
				f.assertClean()
			})
		}
	}
}
