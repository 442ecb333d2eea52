package backend

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/codec"
	"github.com/wippyai/ort-wasm/errors"
	"github.com/wippyai/ort-wasm/marshal"
)

// Loader fetches model and external data files by path.
type Loader interface {
	Load(ctx context.Context, path string) ([]byte, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, path string) ([]byte, error)

func (f LoaderFunc) Load(ctx context.Context, path string) ([]byte, error) {
	return f(ctx, path)
}

// FileLoader reads paths from the local filesystem.
var FileLoader Loader = LoaderFunc(func(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Load(fmt.Sprintf("read %s", path), err)
	}
	return data, nil
})

// Config configures a runtime context.
type Config struct {
	// Native is the engine instance. Required.
	Native ortwasm.Native

	// Device backs gpu-buffer tensors. nil disables them.
	Device ortwasm.Device

	// Loader resolves FromPath models and external data given by path.
	// Default FileLoader.
	Loader Loader

	// Logger defaults to the package logger.
	Logger *zap.Logger

	// Close runs after every session has been released by Context.Close,
	// typically to shut down an engine the context owns.
	Close func(ctx context.Context) error
}

// Context owns one engine instance and the sessions created on it. All
// methods are serialized by an internal lock.
type Context struct {
	mu       sync.Mutex
	native   ortwasm.Native
	device   ortwasm.Device
	loader   Loader
	logger   *zap.Logger
	closeFn  func(ctx context.Context) error
	sessions map[ortwasm.SessionHandle]*sessionRecord
	closed   bool
}

// New creates a runtime context over cfg.Native.
func New(cfg Config) (*Context, error) {
	if cfg.Native == nil {
		return nil, errors.InvalidInput(errors.PhaseRuntime, "backend needs a native engine")
	}
	if cfg.Loader == nil {
		cfg.Loader = FileLoader
	}
	if cfg.Logger == nil {
		cfg.Logger = Logger()
	}
	return &Context{
		native:   cfg.Native,
		device:   cfg.Device,
		loader:   cfg.Loader,
		logger:   cfg.Logger,
		closeFn:  cfg.Close,
		sessions: make(map[ortwasm.SessionHandle]*sessionRecord),
	}, nil
}

// Native returns the engine instance.
func (c *Context) Native() ortwasm.Native { return c.native }

func (c *Context) env() codec.Env {
	return codec.Env{Native: c.native, Device: c.device}
}

// Logging levels of the engine.
const (
	LogVerbose = "verbose"
	LogInfo    = "info"
	LogWarning = "warning"
	LogError   = "error"
	LogFatal   = "fatal"
)

var logLevelCodes = map[string]int32{
	LogVerbose: 0,
	LogInfo:    1,
	LogWarning: 2,
	LogError:   3,
	LogFatal:   4,
}

// Env holds the process-wide engine settings passed to InitRuntime.
type Env struct {
	// NumThreads is the engine thread pool size. Default 1.
	NumThreads int32
	// LogLevel is one of verbose, info, warning, error, fatal. Default warning.
	LogLevel string
}

// InitRuntime initializes the engine.
func (c *Context) InitRuntime(ctx context.Context, env Env) error {
	threads := env.NumThreads
	if threads == 0 {
		threads = 1
	}
	if threads < 0 {
		return errors.New(errors.PhaseValidate, errors.KindInvalidInput).
			Path("numThreads").
			Value(threads).
			Detail("numThreads must be positive: %d", threads).
			Build()
	}
	level := env.LogLevel
	if level == "" {
		level = LogWarning
	}
	code, ok := logLevelCodes[level]
	if !ok {
		return errors.InvalidEnum(errors.PhaseValidate, []string{"logLevel"}, level, "logging level")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed()
	}
	rc, err := c.native.Init(ctx, threads, code)
	if err != nil {
		return err
	}
	if rc != 0 {
		return marshal.CheckLastError(ctx, c.native, "Can't initialize onnxruntime.")
	}
	c.logger.Debug("runtime initialized", zap.Int32("threads", threads), zap.String("log_level", level))
	return nil
}

// InitEP prepares the device for an execution provider. Providers that run
// on the host need no preparation.
func (c *Context) InitEP(ctx context.Context, epName string) error {
	switch epName {
	case "cpu", "wasm", "xnnpack":
		return nil
	}
	if c.device == nil {
		return errors.Unsupported(errors.PhaseRuntime, fmt.Sprintf("execution provider %s needs a device", epName))
	}
	if err := c.device.Init(ctx, epName); err != nil {
		return err
	}
	c.logger.Debug("execution provider initialized", zap.String("ep", epName))
	return nil
}

// Region is a byte range in linear memory.
type Region struct {
	Offset uint32
	Length uint32
}

// CopyFromExternalBuffer copies data into a fresh heap allocation. The
// region belongs to the caller; passing it to CreateSession through
// FromRegion hands it back and it is freed once the session is created.
func (c *Context) CopyFromExternalBuffer(ctx context.Context, data []byte) (Region, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Region{}, errClosed()
	}
	return c.copyIn(ctx, data)
}

func (c *Context) copyIn(ctx context.Context, data []byte) (Region, error) {
	size := uint32(len(data))
	ptr, err := c.native.Malloc(ctx, size)
	if err != nil {
		return Region{}, err
	}
	if ptr == 0 {
		return Region{}, errors.AllocationFailed(errors.PhaseEncode, size)
	}
	if err := c.native.Memory().Write(ptr, data); err != nil {
		c.free(ctx, ptr)
		return Region{}, err
	}
	return Region{Offset: ptr, Length: size}, nil
}

func (c *Context) free(ctx context.Context, ptr uint32) {
	if err := c.native.Free(ctx, ptr); err != nil {
		c.logger.Warn("free failed", zap.Uint32("ptr", ptr), zap.Error(err))
	}
}

// Sessions returns the number of active sessions.
func (c *Context) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Close releases every active session, then runs Config.Close. The first
// failure is returned; later ones are logged.
func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var first error
	for _, id := range c.sessionIDs() {
		rec := c.sessions[id]
		delete(c.sessions, id)
		if err := c.teardown(ctx, rec); err != nil {
			if first == nil {
				first = err
			} else {
				c.logger.Warn("release session on close failed", zap.Uint32("session", uint32(id)), zap.Error(err))
			}
		}
	}
	if c.closeFn != nil {
		if err := c.closeFn(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func errClosed() error {
	return errors.New(errors.PhaseLifecycle, errors.KindNotInitialized).Detail("backend context is closed").Build()
}
