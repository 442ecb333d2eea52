package reference

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/engine"
	"github.com/wippyai/ort-wasm/errors"
)

type entry struct {
	name    string
	params  []api.ValueType
	results []api.ValueType
	call    func(ctx context.Context, e *Engine, stack []uint64) error
}

func i32s(n int) []api.ValueType {
	out := make([]api.ValueType, n)
	for i := range out {
		out[i] = api.ValueTypeI32
	}
	return out
}

var (
	none = []api.ValueType{}
	one  = i32s(1)
)

func u32(stack []uint64, i int) uint32 { return api.DecodeU32(stack[i]) }

func i32(stack []uint64, i int) int32 { return api.DecodeI32(stack[i]) }

// code stores an entry point's status code result.
func code(stack []uint64, c int32, err error) error {
	stack[0] = api.EncodeI32(c)
	return err
}

// ptr stores an entry point's pointer or handle result.
func ptr[H ~uint32](stack []uint64, h H, err error) error {
	stack[0] = api.EncodeU32(uint32(h))
	return err
}

// entries lists the engine entry points in shim import order.
var entries = []entry{
	{"malloc", one, one, func(ctx context.Context, e *Engine, s []uint64) error {
		p, err := e.Malloc(ctx, u32(s, 0))
		return ptr(s, p, err)
	}},
	{"free", one, none, func(ctx context.Context, e *Engine, s []uint64) error {
		return e.Free(ctx, u32(s, 0))
	}},
	{"stackSave", none, one, func(ctx context.Context, e *Engine, s []uint64) error {
		p, err := e.StackSave(ctx)
		return ptr(s, p, err)
	}},
	{"stackAlloc", one, one, func(ctx context.Context, e *Engine, s []uint64) error {
		p, err := e.StackAlloc(ctx, u32(s, 0))
		return ptr(s, p, err)
	}},
	{"stackRestore", one, none, func(ctx context.Context, e *Engine, s []uint64) error {
		return e.StackRestore(ctx, u32(s, 0))
	}},
	{"OrtInit", i32s(2), one, func(ctx context.Context, e *Engine, s []uint64) error {
		c, err := e.Init(ctx, i32(s, 0), i32(s, 1))
		return code(s, c, err)
	}},
	{"OrtGetLastError", i32s(2), none, func(ctx context.Context, e *Engine, s []uint64) error {
		return e.GetLastError(ctx, u32(s, 0), u32(s, 1))
	}},
	{"OrtCreateSessionOptions", i32s(10), one, func(ctx context.Context, e *Engine, s []uint64) error {
		h, err := e.CreateSessionOptions(ctx, ortwasm.SessionOptionsParams{
			GraphOptimizationLevel: i32(s, 0),
			EnableCPUMemArena:      u32(s, 1) != 0,
			EnableMemPattern:       u32(s, 2) != 0,
			ExecutionMode:          i32(s, 3),
			EnableProfiling:        u32(s, 4) != 0,
			ProfileFilePrefix:      u32(s, 5),
			LogID:                  u32(s, 6),
			LogSeverityLevel:       i32(s, 7),
			LogVerbosityLevel:      i32(s, 8),
			OptimizedModelFilePath: u32(s, 9),
		})
		return ptr(s, h, err)
	}},
	{"OrtAppendExecutionProvider", i32s(2), one, func(ctx context.Context, e *Engine, s []uint64) error {
		c, err := e.AppendExecutionProvider(ctx, ortwasm.SessionOptionsHandle(u32(s, 0)), u32(s, 1))
		return code(s, c, err)
	}},
	{"OrtAddFreeDimensionOverride", []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI64}, one, func(ctx context.Context, e *Engine, s []uint64) error {
		c, err := e.AddFreeDimensionOverride(ctx, ortwasm.SessionOptionsHandle(u32(s, 0)), u32(s, 1), int64(s[2]))
		return code(s, c, err)
	}},
	{"OrtAddSessionConfigEntry", i32s(3), one, func(ctx context.Context, e *Engine, s []uint64) error {
		c, err := e.AddSessionConfigEntry(ctx, ortwasm.SessionOptionsHandle(u32(s, 0)), u32(s, 1), u32(s, 2))
		return code(s, c, err)
	}},
	{"OrtReleaseSessionOptions", one, one, func(ctx context.Context, e *Engine, s []uint64) error {
		c, err := e.ReleaseSessionOptions(ctx, ortwasm.SessionOptionsHandle(u32(s, 0)))
		return code(s, c, err)
	}},
	{"OrtCreateSession", i32s(3), one, func(ctx context.Context, e *Engine, s []uint64) error {
		h, err := e.CreateSession(ctx, u32(s, 0), u32(s, 1), ortwasm.SessionOptionsHandle(u32(s, 2)))
		return ptr(s, h, err)
	}},
	{"OrtReleaseSession", one, one, func(ctx context.Context, e *Engine, s []uint64) error {
		c, err := e.ReleaseSession(ctx, ortwasm.SessionHandle(u32(s, 0)))
		return code(s, c, err)
	}},
	{"OrtGetInputOutputCount", i32s(3), one, func(ctx context.Context, e *Engine, s []uint64) error {
		c, err := e.GetInputOutputCount(ctx, ortwasm.SessionHandle(u32(s, 0)), u32(s, 1), u32(s, 2))
		return code(s, c, err)
	}},
	{"OrtGetInputName", i32s(2), one, func(ctx context.Context, e *Engine, s []uint64) error {
		p, err := e.GetInputName(ctx, ortwasm.SessionHandle(u32(s, 0)), u32(s, 1))
		return ptr(s, p, err)
	}},
	{"OrtGetOutputName", i32s(2), one, func(ctx context.Context, e *Engine, s []uint64) error {
		p, err := e.GetOutputName(ctx, ortwasm.SessionHandle(u32(s, 0)), u32(s, 1))
		return ptr(s, p, err)
	}},
	{"OrtFree", one, none, func(ctx context.Context, e *Engine, s []uint64) error {
		return e.OrtFree(ctx, u32(s, 0))
	}},
	{"OrtCreateTensor", i32s(6), one, func(ctx context.Context, e *Engine, s []uint64) error {
		h, err := e.CreateTensor(ctx, i32(s, 0), u32(s, 1), u32(s, 2), u32(s, 3), u32(s, 4), i32(s, 5))
		return ptr(s, h, err)
	}},
	{"OrtGetTensorData", i32s(5), one, func(ctx context.Context, e *Engine, s []uint64) error {
		c, err := e.GetTensorData(ctx, ortwasm.TensorHandle(u32(s, 0)), u32(s, 1), u32(s, 2), u32(s, 3), u32(s, 4))
		return code(s, c, err)
	}},
	{"OrtReleaseTensor", one, one, func(ctx context.Context, e *Engine, s []uint64) error {
		c, err := e.ReleaseTensor(ctx, ortwasm.TensorHandle(u32(s, 0)))
		return code(s, c, err)
	}},
	{"OrtCreateRunOptions", i32s(4), one, func(ctx context.Context, e *Engine, s []uint64) error {
		h, err := e.CreateRunOptions(ctx, i32(s, 0), i32(s, 1), u32(s, 2) != 0, u32(s, 3))
		return ptr(s, h, err)
	}},
	{"OrtAddRunConfigEntry", i32s(3), one, func(ctx context.Context, e *Engine, s []uint64) error {
		c, err := e.AddRunConfigEntry(ctx, ortwasm.RunOptionsHandle(u32(s, 0)), u32(s, 1), u32(s, 2))
		return code(s, c, err)
	}},
	{"OrtReleaseRunOptions", one, one, func(ctx context.Context, e *Engine, s []uint64) error {
		c, err := e.ReleaseRunOptions(ctx, ortwasm.RunOptionsHandle(u32(s, 0)))
		return code(s, c, err)
	}},
	{"OrtCreateBinding", one, one, func(ctx context.Context, e *Engine, s []uint64) error {
		h, err := e.CreateBinding(ctx, ortwasm.SessionHandle(u32(s, 0)))
		return ptr(s, h, err)
	}},
	{"OrtBindInput", i32s(3), one, func(ctx context.Context, e *Engine, s []uint64) error {
		c, err := e.BindInput(ctx, ortwasm.BindingHandle(u32(s, 0)), u32(s, 1), ortwasm.TensorHandle(u32(s, 2)))
		return code(s, c, err)
	}},
	{"OrtBindOutput", i32s(4), one, func(ctx context.Context, e *Engine, s []uint64) error {
		c, err := e.BindOutput(ctx, ortwasm.BindingHandle(u32(s, 0)), u32(s, 1), ortwasm.TensorHandle(u32(s, 2)), i32(s, 3))
		return code(s, c, err)
	}},
	{"OrtClearBoundOutputs", one, one, func(ctx context.Context, e *Engine, s []uint64) error {
		c, err := e.ClearBoundOutputs(ctx, ortwasm.BindingHandle(u32(s, 0)))
		return code(s, c, err)
	}},
	{"OrtReleaseBinding", one, one, func(ctx context.Context, e *Engine, s []uint64) error {
		c, err := e.ReleaseBinding(ctx, ortwasm.BindingHandle(u32(s, 0)))
		return code(s, c, err)
	}},
	{"OrtRunWithBinding", i32s(5), one, func(ctx context.Context, e *Engine, s []uint64) error {
		c, err := e.RunWithBinding(ctx, ortwasm.SessionHandle(u32(s, 0)), ortwasm.BindingHandle(u32(s, 1)),
			u32(s, 2), u32(s, 3), ortwasm.RunOptionsHandle(u32(s, 4)))
		return code(s, c, err)
	}},
	{"OrtRun", i32s(8), one, func(ctx context.Context, e *Engine, s []uint64) error {
		c, err := e.Run(ctx, ortwasm.SessionHandle(u32(s, 0)), u32(s, 1), u32(s, 2), u32(s, 3),
			u32(s, 4), u32(s, 5), u32(s, 6), ortwasm.RunOptionsHandle(u32(s, 7)))
		return code(s, c, err)
	}},
	{"OrtEndProfiling", one, one, func(ctx context.Context, e *Engine, s []uint64) error {
		p, err := e.EndProfiling(ctx, ortwasm.SessionHandle(u32(s, 0)))
		return ptr(s, p, err)
	}},
}

// HostModule installs the engine entry points as host functions of module
// HostModuleName in rt. A Go error from an entry point traps the caller.
func HostModule(ctx context.Context, rt wazero.Runtime, eng *Engine) (api.Module, error) {
	b := rt.NewHostModuleBuilder(HostModuleName)
	for _, ent := range entries {
		call := ent.call
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
				if err := call(ctx, eng, stack); err != nil {
					panic(err)
				}
			}), ent.params, ent.results).
			Export(ent.name)
	}
	mod, err := b.Instantiate(ctx)
	if err != nil {
		return nil, errors.Registration(HostModuleName, "entry points", err)
	}
	return mod, nil
}

// Instantiate installs the host module, instantiates the shim on top of it and
// moves eng onto the shim's exported memory. The returned module exposes the
// entry points the way a compiled engine module does.
func Instantiate(ctx context.Context, rt wazero.Runtime, eng *Engine) (api.Module, error) {
	if _, err := HostModule(ctx, rt, eng); err != nil {
		return nil, err
	}
	mod, err := rt.InstantiateWithConfig(ctx, BuildShim(eng.Pages()), wazero.NewModuleConfig().WithName("ort-engine"))
	if err != nil {
		return nil, errors.Instantiation(err)
	}
	mem := mod.ExportedMemory("memory")
	if mem == nil {
		_ = mod.Close(ctx)
		return nil, errors.MissingExport("memory")
	}
	if err := eng.Attach(engine.NewMemory(mem)); err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}
	return mod, nil
}
