package engine

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/errors"
)

// Config holds configuration for engine loading
type Config struct {
	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32

	// Name is the instance name of a module instantiated by Load.
	// Default "ort-engine".
	Name string

	// ExternalData receives mounted external data files. When nil the
	// engine keeps its own file table, readable through ExternalData.
	ExternalData ExternalData

	// Imports installs the host modules the engine module imports. It runs
	// before instantiation.
	Imports func(ctx context.Context, rt wazero.Runtime) error
}

// ExternalData is a file table shared with the engine module.
type ExternalData interface {
	MountExternalData(path string, data []byte) error
	UnmountExternalData()
}

// WazeroEngine implements ortwasm.Native on top of an instantiated engine
// module. Calls are serialized; a module instance is single threaded.
type WazeroEngine struct {
	mu       sync.Mutex
	runtime  wazero.Runtime
	mod      api.Module
	memory   *WazeroMemory
	fns      map[string]api.Function
	stackBuf []uint64

	external ExternalData
	filesMu  sync.Mutex
	files    map[string][]byte
}

// NewRuntime creates a wazero runtime honouring cfg.MemoryLimitPages.
func NewRuntime(ctx context.Context, cfg *Config) wazero.Runtime {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg != nil && cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	return wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
}

// Load compiles and instantiates an engine module in a runtime of its own.
// Close releases the runtime.
func Load(ctx context.Context, wasm []byte, cfg *Config) (*WazeroEngine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	rt := NewRuntime(ctx, cfg)
	fail := func(err error) (*WazeroEngine, error) {
		_ = rt.Close(ctx)
		return nil, err
	}

	if cfg.Imports != nil {
		if err := cfg.Imports(ctx, rt); err != nil {
			return fail(err)
		}
	}
	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		return fail(errors.Load("compile engine module", err))
	}
	name := cfg.Name
	if name == "" {
		name = "ort-engine"
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return fail(errors.Instantiation(err))
	}
	e, err := Bind(mod, cfg)
	if err != nil {
		_ = mod.Close(ctx)
		return fail(err)
	}
	e.runtime = rt
	return e, nil
}

// Bind resolves the engine entry points exported by mod.
func Bind(mod api.Module, cfg *Config) (*WazeroEngine, error) {
	mem := mod.ExportedMemory("memory")
	if mem == nil {
		return nil, errors.MissingExport("memory")
	}
	e := &WazeroEngine{
		mod:      mod,
		memory:   NewMemory(mem),
		fns:      make(map[string]api.Function, len(Exports)),
		stackBuf: make([]uint64, maxParams),
		files:    make(map[string][]byte),
	}
	if cfg != nil {
		e.external = cfg.ExternalData
	}
	for _, name := range Exports {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			return nil, errors.MissingExport(name)
		}
		e.fns[name] = fn
	}
	Logger().Debug("engine bound", zap.String("module", mod.Name()), zap.Uint32("memory", mem.Size()))
	return e, nil
}

// call invokes an export and returns its first result (0 for void exports).
func (e *WazeroEngine) call(ctx context.Context, name string, params ...uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn := e.fns[name]
	n := max(len(params), len(fn.Definition().ResultTypes()))
	copy(e.stackBuf, params)
	if err := fn.CallWithStack(ctx, e.stackBuf[:n]); err != nil {
		Logger().Debug("engine call trapped", zap.String("export", name), zap.Error(err))
		return 0, errors.Trap(name, err)
	}
	if len(fn.Definition().ResultTypes()) == 0 {
		return 0, nil
	}
	return e.stackBuf[0], nil
}

func (e *WazeroEngine) callCode(ctx context.Context, name string, params ...uint64) (int32, error) {
	r, err := e.call(ctx, name, params...)
	return api.DecodeI32(r), err
}

func (e *WazeroEngine) callU32(ctx context.Context, name string, params ...uint64) (uint32, error) {
	r, err := e.call(ctx, name, params...)
	return api.DecodeU32(r), err
}

func u(v uint32) uint64 { return api.EncodeU32(v) }

func s(v int32) uint64 { return api.EncodeI32(v) }

func (e *WazeroEngine) Memory() ortwasm.Memory { return e.memory }

func (e *WazeroEngine) Malloc(ctx context.Context, size uint32) (uint32, error) {
	return e.callU32(ctx, ExportMalloc, u(size))
}

func (e *WazeroEngine) Free(ctx context.Context, ptr uint32) error {
	_, err := e.call(ctx, ExportFree, u(ptr))
	return err
}

func (e *WazeroEngine) StackSave(ctx context.Context) (uint32, error) {
	return e.callU32(ctx, ExportStackSave)
}

func (e *WazeroEngine) StackAlloc(ctx context.Context, size uint32) (uint32, error) {
	return e.callU32(ctx, ExportStackAlloc, u(size))
}

func (e *WazeroEngine) StackRestore(ctx context.Context, ptr uint32) error {
	_, err := e.call(ctx, ExportStackRestore, u(ptr))
	return err
}

func (e *WazeroEngine) Init(ctx context.Context, numThreads, loggingLevel int32) (int32, error) {
	return e.callCode(ctx, ExportInit, s(numThreads), s(loggingLevel))
}

func (e *WazeroEngine) GetLastError(ctx context.Context, codeOut, messageOut uint32) error {
	_, err := e.call(ctx, ExportGetLastError, u(codeOut), u(messageOut))
	return err
}

func (e *WazeroEngine) CreateSessionOptions(ctx context.Context, p ortwasm.SessionOptionsParams) (ortwasm.SessionOptionsHandle, error) {
	h, err := e.callU32(ctx, ExportCreateSessionOptions,
		s(p.GraphOptimizationLevel),
		boolParam(p.EnableCPUMemArena),
		boolParam(p.EnableMemPattern),
		s(p.ExecutionMode),
		boolParam(p.EnableProfiling),
		u(p.ProfileFilePrefix),
		u(p.LogID),
		s(p.LogSeverityLevel),
		s(p.LogVerbosityLevel),
		u(p.OptimizedModelFilePath))
	return ortwasm.SessionOptionsHandle(h), err
}

func (e *WazeroEngine) AppendExecutionProvider(ctx context.Context, h ortwasm.SessionOptionsHandle, name uint32) (int32, error) {
	return e.callCode(ctx, ExportAppendExecutionProvider, u(uint32(h)), u(name))
}

func (e *WazeroEngine) AddFreeDimensionOverride(ctx context.Context, h ortwasm.SessionOptionsHandle, name uint32, value int64) (int32, error) {
	return e.callCode(ctx, ExportAddFreeDimensionOverride, u(uint32(h)), u(name), api.EncodeI64(value))
}

func (e *WazeroEngine) AddSessionConfigEntry(ctx context.Context, h ortwasm.SessionOptionsHandle, key, value uint32) (int32, error) {
	return e.callCode(ctx, ExportAddSessionConfigEntry, u(uint32(h)), u(key), u(value))
}

func (e *WazeroEngine) ReleaseSessionOptions(ctx context.Context, h ortwasm.SessionOptionsHandle) (int32, error) {
	return e.callCode(ctx, ExportReleaseSessionOptions, u(uint32(h)))
}

func (e *WazeroEngine) CreateSession(ctx context.Context, data, length uint32, opts ortwasm.SessionOptionsHandle) (ortwasm.SessionHandle, error) {
	h, err := e.callU32(ctx, ExportCreateSession, u(data), u(length), u(uint32(opts)))
	return ortwasm.SessionHandle(h), err
}

func (e *WazeroEngine) ReleaseSession(ctx context.Context, h ortwasm.SessionHandle) (int32, error) {
	return e.callCode(ctx, ExportReleaseSession, u(uint32(h)))
}

func (e *WazeroEngine) GetInputOutputCount(ctx context.Context, h ortwasm.SessionHandle, inCountOut, outCountOut uint32) (int32, error) {
	return e.callCode(ctx, ExportGetInputOutputCount, u(uint32(h)), u(inCountOut), u(outCountOut))
}

func (e *WazeroEngine) GetInputName(ctx context.Context, h ortwasm.SessionHandle, index uint32) (uint32, error) {
	return e.callU32(ctx, ExportGetInputName, u(uint32(h)), u(index))
}

func (e *WazeroEngine) GetOutputName(ctx context.Context, h ortwasm.SessionHandle, index uint32) (uint32, error) {
	return e.callU32(ctx, ExportGetOutputName, u(uint32(h)), u(index))
}

func (e *WazeroEngine) OrtFree(ctx context.Context, ptr uint32) error {
	_, err := e.call(ctx, ExportOrtFree, u(ptr))
	return err
}

func (e *WazeroEngine) CreateTensor(ctx context.Context, elemType int32, data, byteLen, dims, rank uint32, location int32) (ortwasm.TensorHandle, error) {
	h, err := e.callU32(ctx, ExportCreateTensor, s(elemType), u(data), u(byteLen), u(dims), u(rank), s(location))
	return ortwasm.TensorHandle(h), err
}

func (e *WazeroEngine) GetTensorData(ctx context.Context, t ortwasm.TensorHandle, typeOut, dataOut, dimsOut, rankOut uint32) (int32, error) {
	return e.callCode(ctx, ExportGetTensorData, u(uint32(t)), u(typeOut), u(dataOut), u(dimsOut), u(rankOut))
}

func (e *WazeroEngine) ReleaseTensor(ctx context.Context, t ortwasm.TensorHandle) (int32, error) {
	return e.callCode(ctx, ExportReleaseTensor, u(uint32(t)))
}

func (e *WazeroEngine) CreateRunOptions(ctx context.Context, severity, verbosity int32, terminate bool, tag uint32) (ortwasm.RunOptionsHandle, error) {
	h, err := e.callU32(ctx, ExportCreateRunOptions, s(severity), s(verbosity), boolParam(terminate), u(tag))
	return ortwasm.RunOptionsHandle(h), err
}

func (e *WazeroEngine) AddRunConfigEntry(ctx context.Context, h ortwasm.RunOptionsHandle, key, value uint32) (int32, error) {
	return e.callCode(ctx, ExportAddRunConfigEntry, u(uint32(h)), u(key), u(value))
}

func (e *WazeroEngine) ReleaseRunOptions(ctx context.Context, h ortwasm.RunOptionsHandle) (int32, error) {
	return e.callCode(ctx, ExportReleaseRunOptions, u(uint32(h)))
}

func (e *WazeroEngine) CreateBinding(ctx context.Context, sh ortwasm.SessionHandle) (ortwasm.BindingHandle, error) {
	h, err := e.callU32(ctx, ExportCreateBinding, u(uint32(sh)))
	return ortwasm.BindingHandle(h), err
}

func (e *WazeroEngine) BindInput(ctx context.Context, b ortwasm.BindingHandle, name uint32, t ortwasm.TensorHandle) (int32, error) {
	return e.callCode(ctx, ExportBindInput, u(uint32(b)), u(name), u(uint32(t)))
}

func (e *WazeroEngine) BindOutput(ctx context.Context, b ortwasm.BindingHandle, name uint32, t ortwasm.TensorHandle, location int32) (int32, error) {
	return e.callCode(ctx, ExportBindOutput, u(uint32(b)), u(name), u(uint32(t)), s(location))
}

func (e *WazeroEngine) ClearBoundOutputs(ctx context.Context, b ortwasm.BindingHandle) (int32, error) {
	return e.callCode(ctx, ExportClearBoundOutputs, u(uint32(b)))
}

func (e *WazeroEngine) ReleaseBinding(ctx context.Context, b ortwasm.BindingHandle) (int32, error) {
	return e.callCode(ctx, ExportReleaseBinding, u(uint32(b)))
}

func (e *WazeroEngine) RunWithBinding(ctx context.Context, sh ortwasm.SessionHandle, b ortwasm.BindingHandle, outCount, outValues uint32, opts ortwasm.RunOptionsHandle) (int32, error) {
	return e.callCode(ctx, ExportRunWithBinding, u(uint32(sh)), u(uint32(b)), u(outCount), u(outValues), u(uint32(opts)))
}

func (e *WazeroEngine) Run(ctx context.Context, sh ortwasm.SessionHandle, inNames, inValues, inCount, outNames, outCount, outValues uint32, opts ortwasm.RunOptionsHandle) (int32, error) {
	return e.callCode(ctx, ExportRun, u(uint32(sh)), u(inNames), u(inValues), u(inCount),
		u(outNames), u(outCount), u(outValues), u(uint32(opts)))
}

func (e *WazeroEngine) EndProfiling(ctx context.Context, sh ortwasm.SessionHandle) (uint32, error) {
	return e.callU32(ctx, ExportEndProfiling, u(uint32(sh)))
}

func (e *WazeroEngine) MountExternalData(path string, data []byte) error {
	if e.external != nil {
		return e.external.MountExternalData(path, data)
	}
	if path == "" {
		return errors.InvalidInput(errors.PhaseLoad, "external data path is empty")
	}
	e.filesMu.Lock()
	e.files[path] = data
	e.filesMu.Unlock()
	return nil
}

func (e *WazeroEngine) UnmountExternalData() {
	if e.external != nil {
		e.external.UnmountExternalData()
		return
	}
	e.filesMu.Lock()
	clear(e.files)
	e.filesMu.Unlock()
}

// ExternalData returns a mounted file from the engine's own table.
func (e *WazeroEngine) ExternalData(path string) ([]byte, bool) {
	e.filesMu.Lock()
	defer e.filesMu.Unlock()
	data, ok := e.files[path]
	return data, ok
}

// Module returns the bound engine module.
func (e *WazeroEngine) Module() api.Module { return e.mod }

// Close closes the engine module, and the runtime when Load created it.
func (e *WazeroEngine) Close(ctx context.Context) error {
	err := e.mod.Close(ctx)
	if e.runtime != nil {
		if rerr := e.runtime.Close(ctx); err == nil {
			err = rerr
		}
	}
	return err
}

var _ ortwasm.Native = (*WazeroEngine)(nil)
