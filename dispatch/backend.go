package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/backend"
	"github.com/wippyai/ort-wasm/codec"
	"github.com/wippyai/ort-wasm/errors"
	"github.com/wippyai/ort-wasm/options"
)

// ComputeBackend is the asynchronous facade over one engine instance. An
// implementation is chosen once and shared by every session.
type ComputeBackend interface {
	// Init creates the engine and initializes the runtime. It must complete
	// before any other call.
	Init(ctx context.Context, env backend.Env) error
	InitEP(ctx context.Context, epName string) error
	CopyFromExternalBuffer(ctx context.Context, data []byte) (backend.Region, error)
	CreateSession(ctx context.Context, src backend.ModelSource, o *options.SessionOptions) (backend.SessionMetadata, error)
	ReleaseSession(ctx context.Context, id ortwasm.SessionHandle) error
	// Run has the semantics of backend.Context.Run.
	Run(ctx context.Context, id ortwasm.SessionHandle, inputIndices []int, inputs []*codec.Descriptor, outputIndices []int, outputs []*codec.Descriptor, ro *options.RunOptions) ([]*codec.Descriptor, error)
	EndProfiling(ctx context.Context, id ortwasm.SessionHandle) (string, error)
	// Close releases every session and the engine.
	Close(ctx context.Context) error
}

// Factory creates the runtime context a backend drives.
type Factory func(ctx context.Context) (*backend.Context, error)

var (
	_ ComputeBackend = (*InProcessBackend)(nil)
	_ ComputeBackend = (*WorkerBackend)(nil)
)

type initState uint8

const (
	stateIdle initState = iota
	stateInitializing
	stateReady
	stateAborted
	stateClosed
)

// initLatch guards the once-only Init protocol shared by both backends.
type initLatch struct {
	state initState
	cause error
}

// begin moves an idle latch to initializing. done reports that Init
// already succeeded.
func (l *initLatch) begin() (done bool, err error) {
	switch l.state {
	case stateIdle:
		l.state = stateInitializing
		return false, nil
	case stateInitializing:
		return false, errors.New(errors.PhaseDispatch, errors.KindBusy).
			Detail("multiple calls to Init detected").
			Build()
	case stateReady:
		return true, nil
	case stateAborted:
		return false, errAborted(l.cause)
	}
	return false, errClosed()
}

func (l *initLatch) finish(err error) {
	if l.state != stateInitializing {
		return
	}
	if err != nil {
		l.state, l.cause = stateAborted, err
		return
	}
	l.state = stateReady
}

// ready reports whether calls other than Init may proceed.
func (l *initLatch) ready(what string) error {
	switch l.state {
	case stateReady:
		return nil
	case stateAborted:
		return errAborted(l.cause)
	case stateClosed:
		return errClosed()
	}
	return errors.New(errors.PhaseDispatch, errors.KindNotReady).
		Detail("%s not ready", what).
		Build()
}

func errAborted(cause error) error {
	return errors.New(errors.PhaseDispatch, errors.KindAborted).
		Cause(cause).
		Detail("previous call to Init failed").
		Build()
}

func errClosed() error {
	return errors.New(errors.PhaseDispatch, errors.KindDisposed).
		Detail("backend is closed").
		Build()
}

// InProcessBackend runs every call on the caller's goroutine against a
// runtime context it creates on Init.
type InProcessBackend struct {
	factory Factory
	logger  *zap.Logger

	mu    sync.Mutex
	latch initLatch
	be    *backend.Context
}

// NewInProcess returns a backend that creates its runtime context with
// factory. A nil logger uses the package logger.
func NewInProcess(factory Factory, logger *zap.Logger) *InProcessBackend {
	if logger == nil {
		logger = Logger()
	}
	return &InProcessBackend{factory: factory, logger: logger}
}

func (b *InProcessBackend) Init(ctx context.Context, env backend.Env) error {
	b.mu.Lock()
	done, err := b.latch.begin()
	b.mu.Unlock()
	if done || err != nil {
		return err
	}

	be, err := b.init(ctx, env)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.latch.finish(err)
	if err != nil {
		b.logger.Warn("in-process backend init failed", zap.Error(err))
		return err
	}
	b.be = be
	b.logger.Debug("in-process backend ready")
	return nil
}

func (b *InProcessBackend) init(ctx context.Context, env backend.Env) (*backend.Context, error) {
	if b.factory == nil {
		return nil, errors.InvalidInput(errors.PhaseDispatch, "backend factory is not set")
	}
	be, err := b.factory(ctx)
	if err != nil {
		return nil, err
	}
	if err := be.InitRuntime(ctx, env); err != nil {
		if cerr := be.Close(ctx); cerr != nil {
			b.logger.Warn("close failed runtime context", zap.Error(cerr))
		}
		return nil, err
	}
	return be, nil
}

func (b *InProcessBackend) context() (*backend.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.latch.ready("backend"); err != nil {
		return nil, err
	}
	return b.be, nil
}

func (b *InProcessBackend) InitEP(ctx context.Context, epName string) error {
	be, err := b.context()
	if err != nil {
		return err
	}
	return be.InitEP(ctx, epName)
}

func (b *InProcessBackend) CopyFromExternalBuffer(ctx context.Context, data []byte) (backend.Region, error) {
	be, err := b.context()
	if err != nil {
		return backend.Region{}, err
	}
	return be.CopyFromExternalBuffer(ctx, data)
}

func (b *InProcessBackend) CreateSession(ctx context.Context, src backend.ModelSource, o *options.SessionOptions) (backend.SessionMetadata, error) {
	be, err := b.context()
	if err != nil {
		return backend.SessionMetadata{}, err
	}
	return be.CreateSession(ctx, src, o)
}

func (b *InProcessBackend) ReleaseSession(ctx context.Context, id ortwasm.SessionHandle) error {
	be, err := b.context()
	if err != nil {
		return err
	}
	return be.ReleaseSession(ctx, id)
}

func (b *InProcessBackend) Run(ctx context.Context, id ortwasm.SessionHandle, inputIndices []int, inputs []*codec.Descriptor, outputIndices []int, outputs []*codec.Descriptor, ro *options.RunOptions) ([]*codec.Descriptor, error) {
	be, err := b.context()
	if err != nil {
		return nil, err
	}
	return be.Run(ctx, id, inputIndices, inputs, outputIndices, outputs, ro)
}

func (b *InProcessBackend) EndProfiling(ctx context.Context, id ortwasm.SessionHandle) (string, error) {
	be, err := b.context()
	if err != nil {
		return "", err
	}
	return be.EndProfiling(ctx, id)
}

// Close releases the runtime context. Closing an uninitialized backend
// only prevents later use.
func (b *InProcessBackend) Close(ctx context.Context) error {
	b.mu.Lock()
	be := b.be
	switch b.latch.state {
	case stateClosed:
		b.mu.Unlock()
		return nil
	case stateInitializing:
		b.mu.Unlock()
		return errors.New(errors.PhaseDispatch, errors.KindBusy).
			Detail("Close called while Init is in progress").
			Build()
	}
	b.latch.state = stateClosed
	b.be = nil
	b.mu.Unlock()

	if be == nil {
		return nil
	}
	return be.Close(ctx)
}
