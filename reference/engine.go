package reference

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/errors"
	"github.com/wippyai/ort-wasm/resource"
)

// Engine status codes.
const (
	codeOK               int32 = 0
	codeFail             int32 = 1
	codeInvalidArgument  int32 = 2
	codeNoSuchFile       int32 = 3
	codeNoModel          int32 = 4
	codeRuntimeException int32 = 6
	codeNotImplemented   int32 = 9
	codeInvalidGraph     int32 = 10
	codeEPFail           int32 = 11
)

const (
	kindSessionOptions resource.Kind = iota + 1
	kindSession
	kindTensor
	kindRunOptions
	kindBinding
)

// memory layout below the heap
const (
	lastErrorPtr  = 16
	lastErrorSize = 1008
	heapBase      = 1024
)

// Config configures a reference engine.
type Config struct {
	// MemoryPages is the linear memory size in 64 KiB pages. Default 16.
	MemoryPages uint32
	// StackSize is the size of the stack region at the top of memory. Default 64 KiB.
	StackSize uint32
	// Device backs gpu-buffer tensors. Default NewDevice().
	Device *Device
	Logger *zap.Logger
}

// Engine is a Go implementation of the engine entry points. Calls are
// serialized by an internal lock.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	mem     ortwasm.Memory
	heap    *heap
	sp      uint32
	stackLo uint32
	stackHi uint32
	arena   *resource.Arena
	device  *Device
	logger  *zap.Logger

	files    map[string][]byte
	profiles map[string][]byte
	faults   map[string]int
	calls    map[string]int

	lastCode    int32
	lastMessage string

	initialized bool
	numThreads  int32
	logLevel    int32
}

// New creates an engine over a fresh Go-backed linear memory.
func New(cfg Config) *Engine {
	if cfg.MemoryPages == 0 {
		cfg.MemoryPages = 16
	}
	if cfg.StackSize == 0 {
		cfg.StackSize = 64 * 1024
	}
	if cfg.Device == nil {
		cfg.Device = NewDevice()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	e := &Engine{
		cfg:      cfg,
		arena:    resource.NewArena(),
		device:   cfg.Device,
		logger:   cfg.Logger,
		files:    make(map[string][]byte),
		profiles: make(map[string][]byte),
		faults:   make(map[string]int),
		calls:    make(map[string]int),
	}
	e.layout(NewSliceMemory(cfg.MemoryPages))
	return e
}

func (e *Engine) layout(mem ortwasm.Memory) {
	size := uint32(uint64(e.cfg.MemoryPages) * pageSize)
	e.mem = mem
	e.stackHi = size
	e.stackLo = size - e.cfg.StackSize
	e.sp = e.stackHi
	e.heap = newHeap(heapBase, e.stackLo)
}

// Attach moves the engine onto an externally owned memory of the configured
// size, such as the memory exported by a wasm shim. It must happen before
// the first allocation.
func (e *Engine) Attach(mem ortwasm.Memory) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.heap.count() > 0 || e.sp != e.stackHi {
		return errors.New(errors.PhaseRuntime, errors.KindInvalidInput).Detail("engine memory already in use").Build()
	}
	if sizer, ok := mem.(ortwasm.MemorySizer); ok && uint64(sizer.Size()) < uint64(e.cfg.MemoryPages)*pageSize {
		return errors.New(errors.PhaseRuntime, errors.KindOutOfBounds).
			Detail("attached memory is %d bytes, engine needs %d pages", sizer.Size(), e.cfg.MemoryPages).
			Build()
	}
	e.layout(mem)
	return nil
}

// Pages returns the configured memory size in pages.
func (e *Engine) Pages() uint32 { return e.cfg.MemoryPages }

// Device returns the simulated gpu-buffer device.
func (e *Engine) Device() *Device { return e.device }

func (e *Engine) Memory() ortwasm.Memory {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mem
}

// Live returns the number of heap allocations not yet freed.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.heap.count()
}

// Handles returns the number of live engine objects (sessions, tensors,
// options and bindings).
func (e *Engine) Handles() int {
	n := 0
	for _, k := range []resource.Kind{kindSessionOptions, kindSession, kindTensor, kindRunOptions, kindBinding} {
		n += e.arena.Len(k)
	}
	return n
}

// Calls returns how many times entry was invoked.
func (e *Engine) Calls(entry string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[entry]
}

// FailNext makes the n-th next call of entry fail (n = 1 is the next call).
// Handle-returning entries return 0, code-returning entries a failure code,
// both with a recorded last error; Malloc and StackAlloc return 0.
func (e *Engine) FailNext(entry string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 {
		delete(e.faults, entry)
		return
	}
	e.faults[entry] = n
}

// Profile returns a profile written by EndProfiling.
func (e *Engine) Profile(name string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.profiles[name]
	return p, ok
}

// enter counts a call and reports whether an injected failure fires.
// Callers hold e.mu.
func (e *Engine) enter(entry string) bool {
	e.calls[entry]++
	n, ok := e.faults[entry]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(e.faults, entry)
		e.setError(codeFail, "injected failure in %s", entry)
		return true
	}
	e.faults[entry] = n - 1
	return false
}

type codedError struct {
	code int32
	msg  string
}

func (c *codedError) Error() string { return c.msg }

func engineError(code int32, format string, args ...any) error {
	return &codedError{code: code, msg: fmt.Sprintf(format, args...)}
}

func (e *Engine) setError(code int32, format string, args ...any) int32 {
	e.lastCode = code
	e.lastMessage = fmt.Sprintf(format, args...)
	e.logger.Debug("engine error", zap.Int32("code", code), zap.String("message", e.lastMessage))
	return code
}

// fail records err as the last error and returns its code. Errors that are
// not engine errors are reported as runtime exceptions.
func (e *Engine) fail(err error) int32 {
	if ce, ok := err.(*codedError); ok {
		return e.setError(ce.code, "%s", ce.msg)
	}
	return e.setError(codeRuntimeException, "%s", err.Error())
}

func formatPtr(ptr uint32) string {
	return fmt.Sprintf("%#x", ptr)
}

func (e *Engine) Malloc(ctx context.Context, size uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("malloc") {
		return 0, nil
	}
	return e.heap.alloc(size), nil
}

func (e *Engine) Free(ctx context.Context, ptr uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls["free"]++
	if ptr == 0 {
		return nil
	}
	return e.heap.release(ptr)
}

func (e *Engine) StackSave(ctx context.Context) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls["stackSave"]++
	return e.sp, nil
}

func (e *Engine) StackAlloc(ctx context.Context, size uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("stackAlloc") {
		return 0, nil
	}
	size = alignUp(size, stackAlign)
	if e.sp-e.stackLo < size {
		return 0, errors.New(errors.PhaseRuntime, errors.KindAllocation).
			Value(size).
			Detail("stack overflow allocating %d bytes", size).
			Build()
	}
	e.sp -= size
	return e.sp, nil
}

func (e *Engine) StackRestore(ctx context.Context, ptr uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls["stackRestore"]++
	if ptr < e.sp || ptr > e.stackHi {
		return errors.New(errors.PhaseRuntime, errors.KindOutOfBounds).
			Value(ptr).
			Detail("stack restore to %d outside [%d, %d]", ptr, e.sp, e.stackHi).
			Build()
	}
	e.sp = ptr
	return nil
}

// StackDepth returns the bytes currently allocated on the stack.
func (e *Engine) StackDepth() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stackHi - e.sp
}

func (e *Engine) Init(ctx context.Context, numThreads, loggingLevel int32) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtInit") {
		return codeFail, nil
	}
	if numThreads < 0 {
		return e.setError(codeInvalidArgument, "invalid number of threads: %d", numThreads), nil
	}
	if loggingLevel < 0 || loggingLevel > 4 {
		return e.setError(codeInvalidArgument, "invalid logging level: %d", loggingLevel), nil
	}
	e.initialized = true
	e.numThreads = numThreads
	e.logLevel = loggingLevel
	e.logger.Debug("engine initialized", zap.Int32("threads", numThreads), zap.Int32("logLevel", loggingLevel))
	return codeOK, nil
}

func (e *Engine) GetLastError(ctx context.Context, codeOut, messageOut uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls["OrtGetLastError"]++
	if err := e.mem.WriteU32(codeOut, uint32(e.lastCode)); err != nil {
		return err
	}
	if e.lastMessage == "" {
		return e.mem.WriteU32(messageOut, 0)
	}
	msg := []byte(e.lastMessage)
	if len(msg) >= lastErrorSize {
		msg = msg[:lastErrorSize-1]
	}
	if err := e.mem.Write(lastErrorPtr, append(msg, 0)); err != nil {
		return err
	}
	return e.mem.WriteU32(messageOut, lastErrorPtr)
}

func (e *Engine) requireInit() bool {
	if !e.initialized {
		e.setError(codeFail, "runtime is not initialized, call OrtInit first")
		return false
	}
	return true
}

func (e *Engine) MountExternalData(path string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if path == "" {
		return errors.InvalidInput(errors.PhaseLoad, "external data path is empty")
	}
	e.files[path] = data
	return nil
}

func (e *Engine) UnmountExternalData() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.files)
}

// readString reads a NUL-terminated string from linear memory. Callers hold e.mu.
func (e *Engine) readString(ptr uint32) (string, error) {
	if ptr == 0 {
		return "", nil
	}
	var buf []byte
	for off := ptr; ; off++ {
		b, err := e.mem.ReadU8(off)
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
}

// allocString copies s into a fresh heap allocation. Callers hold e.mu.
func (e *Engine) allocString(s string) (uint32, error) {
	ptr := e.heap.alloc(uint32(len(s) + 1))
	if ptr == 0 {
		return 0, engineError(codeFail, "out of memory allocating %d bytes", len(s)+1)
	}
	if err := e.mem.Write(ptr, append([]byte(s), 0)); err != nil {
		_ = e.heap.release(ptr)
		return 0, err
	}
	return ptr, nil
}

// Close drops every live object.
func (e *Engine) Close() error {
	return e.arena.Close()
}

var _ ortwasm.Native = (*Engine)(nil)
