package dispatch

import (
	"context"
	"fmt"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/google/uuid"
	"go.uber.org/zap"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/backend"
	"github.com/wippyai/ort-wasm/codec"
	"github.com/wippyai/ort-wasm/errors"
	"github.com/wippyai/ort-wasm/options"
	"github.com/wippyai/ort-wasm/tensor"
)

// MessageType names a worker request and its reply.
type MessageType string

const (
	MsgInitWasm     MessageType = "init-wasm"
	MsgInitEP       MessageType = "init-ep"
	MsgCopyFrom     MessageType = "copy-from"
	MsgCreate       MessageType = "create"
	MsgRelease      MessageType = "release"
	MsgRun          MessageType = "run"
	MsgEndProfiling MessageType = "end-profiling"
	msgClose        MessageType = "close"
)

var messageTypes = []MessageType{
	MsgInitWasm, MsgInitEP, MsgCopyFrom, MsgCreate, MsgRelease, MsgRun, MsgEndProfiling, msgClose,
}

const defaultQueueCapacity = 16

// WorkerConfig configures a worker backend.
type WorkerConfig struct {
	// Factory creates the worker's runtime context on the worker goroutine.
	// Required.
	Factory Factory

	// QueueCapacity bounds the pending requests of one message type.
	// Default 16.
	QueueCapacity int

	// Logger defaults to the package logger.
	Logger *zap.Logger
}

type message struct {
	ctx     context.Context
	typ     MessageType
	serial  uint32
	payload any
}

type reply struct {
	typ    MessageType
	serial uint32
	value  any
	err    error
}

// pending is a request awaiting its reply.
type pending struct {
	serial uint32
	done   chan reply
}

type createRequest struct {
	src  backend.ModelSource
	opts *options.SessionOptions
}

type runRequest struct {
	id            ortwasm.SessionHandle
	inputIndices  []int
	inputs        []*codec.Descriptor
	outputIndices []int
	ro            *options.RunOptions
}

// WorkerBackend forwards every call to a worker goroutine that owns its own
// engine instance. Replies are matched to the oldest pending request of the
// same message type; there is no ordering across types.
//
// Payloads cross the boundary by reference: byte slices, model sources and
// input descriptors passed to the worker must not be modified until the
// call returns.
type WorkerBackend struct {
	id      string
	factory Factory
	logger  *zap.Logger
	cap     int

	serial atomix.Uint32

	// mu serializes producers: the latch check, the FIFO push and the send
	// happen together so queue order matches inbox order.
	mu      sync.Mutex
	latch   initLatch
	started bool
	queues  map[MessageType]*lfq.SPSC[*pending]
	inbox   chan message
	replies chan reply
	stopped chan struct{}
}

// NewWorker returns a worker backend. The worker goroutine starts on the
// first Init.
func NewWorker(cfg WorkerConfig) *WorkerBackend {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = Logger()
	}
	id := uuid.NewString()
	return &WorkerBackend{
		id:      id,
		factory: cfg.Factory,
		logger:  cfg.Logger.With(zap.String("worker", id)),
		cap:     cfg.QueueCapacity,
	}
}

// ID identifies the worker in logs.
func (w *WorkerBackend) ID() string {
	return w.id
}

func (w *WorkerBackend) start() {
	w.queues = make(map[MessageType]*lfq.SPSC[*pending], len(messageTypes))
	for _, typ := range messageTypes {
		q := &lfq.SPSC[*pending]{}
		q.Init(w.cap)
		w.queues[typ] = q
	}
	w.inbox = make(chan message, w.cap)
	w.replies = make(chan reply, w.cap)
	w.stopped = make(chan struct{})
	w.started = true

	go w.serve()
	go w.receive()
	w.logger.Debug("worker started")
}

// post registers a pending request and sends it. Callers hold w.mu.
func (w *WorkerBackend) post(ctx context.Context, typ MessageType, payload any) *pending {
	p := &pending{serial: w.serial.Add(1), done: make(chan reply, 1)}
	q := w.queues[typ]
	var bo iox.Backoff
	for q.Enqueue(&p) != nil {
		bo.Wait()
	}
	w.inbox <- message{ctx: ctx, typ: typ, serial: p.serial, payload: payload}
	w.logger.Debug("request sent", zap.String("type", string(typ)), zap.Uint32("serial", p.serial))
	return p
}

// call sends a request once the worker is ready and waits for its reply.
func (w *WorkerBackend) call(ctx context.Context, typ MessageType, payload any) (any, error) {
	w.mu.Lock()
	if err := w.latch.ready("worker"); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	p := w.post(ctx, typ, payload)
	w.mu.Unlock()

	r := <-p.done
	return r.value, r.err
}

// receive matches replies to pending requests.
func (w *WorkerBackend) receive() {
	for r := range w.replies {
		q := w.queues[r.typ]
		var bo iox.Backoff
		p, err := q.Dequeue()
		for err != nil {
			bo.Wait()
			p, err = q.Dequeue()
		}
		if p.serial != r.serial {
			w.logger.Warn("reply does not match the oldest pending request",
				zap.String("type", string(r.typ)),
				zap.Uint32("reply", r.serial),
				zap.Uint32("pending", p.serial))
		}
		p.done <- r
	}
}

// serve runs on the worker goroutine and owns the runtime context.
func (w *WorkerBackend) serve() {
	defer close(w.stopped)
	defer close(w.replies)

	var be *backend.Context
	for msg := range w.inbox {
		r := reply{typ: msg.typ, serial: msg.serial}
		switch msg.typ {
		case MsgInitWasm:
			be, r.err = w.initWorker(msg.ctx, msg.payload.(backend.Env))
		case MsgInitEP:
			r.err = be.InitEP(msg.ctx, msg.payload.(string))
		case MsgCopyFrom:
			r.value, r.err = be.CopyFromExternalBuffer(msg.ctx, msg.payload.([]byte))
		case MsgCreate:
			req := msg.payload.(createRequest)
			r.value, r.err = be.CreateSession(msg.ctx, req.src, req.opts)
		case MsgRelease:
			r.err = be.ReleaseSession(msg.ctx, msg.payload.(ortwasm.SessionHandle))
		case MsgRun:
			r.value, r.err = w.run(msg.ctx, be, msg.payload.(runRequest))
		case MsgEndProfiling:
			r.value, r.err = be.EndProfiling(msg.ctx, msg.payload.(ortwasm.SessionHandle))
		case msgClose:
			if be != nil {
				r.err = be.Close(msg.ctx)
			}
			w.replies <- r
			w.logger.Debug("worker stopped")
			return
		}
		w.replies <- r
	}
}

func (w *WorkerBackend) initWorker(ctx context.Context, env backend.Env) (*backend.Context, error) {
	if w.factory == nil {
		return nil, errors.InvalidInput(errors.PhaseDispatch, "worker factory is not set")
	}
	be, err := w.factory(ctx)
	if err != nil {
		return nil, err
	}
	if err := be.InitRuntime(ctx, env); err != nil {
		if cerr := be.Close(ctx); cerr != nil {
			w.logger.Warn("close failed runtime context", zap.Error(cerr))
		}
		return nil, err
	}
	return be, nil
}

// run executes a run on the worker. gpu-buffer outputs cannot be handed
// back, so they are disposed and reported as an error.
func (w *WorkerBackend) run(ctx context.Context, be *backend.Context, req runRequest) ([]*codec.Descriptor, error) {
	outs, err := be.Run(ctx, req.id, req.inputIndices, req.inputs, req.outputIndices, make([]*codec.Descriptor, len(req.outputIndices)), req.ro)
	if err != nil {
		return nil, err
	}
	var bad error
	for i, d := range outs {
		if d.Location == tensor.LocationCPU {
			continue
		}
		if bad == nil {
			bad = errors.Unsupported(errors.PhaseDispatch, fmt.Sprintf("output %d is %s resident, worker replies carry cpu tensors only", req.outputIndices[i], d.Location))
		}
		if d.External != nil && d.External.Dispose != nil {
			if err := d.External.Dispose(); err != nil {
				w.logger.Warn("dispose worker output failed", zap.Int("output", req.outputIndices[i]), zap.Error(err))
			}
		}
	}
	if bad != nil {
		return nil, bad
	}
	return outs, nil
}

// Init starts the worker and initializes its runtime. A failure latches the
// backend as aborted; every later call fails without reaching the worker.
func (w *WorkerBackend) Init(ctx context.Context, env backend.Env) error {
	w.mu.Lock()
	done, err := w.latch.begin()
	if done || err != nil {
		w.mu.Unlock()
		return err
	}
	if !w.started {
		w.start()
	}
	p := w.post(ctx, MsgInitWasm, env)
	w.mu.Unlock()

	r := <-p.done

	w.mu.Lock()
	defer w.mu.Unlock()
	w.latch.finish(r.err)
	if r.err != nil {
		w.logger.Warn("worker init failed", zap.Error(r.err))
		return r.err
	}
	w.logger.Debug("worker ready")
	return nil
}

func (w *WorkerBackend) InitEP(ctx context.Context, epName string) error {
	_, err := w.call(ctx, MsgInitEP, epName)
	return err
}

// CopyFromExternalBuffer hands data to the worker without copying it. The
// region lives in the worker's linear memory.
func (w *WorkerBackend) CopyFromExternalBuffer(ctx context.Context, data []byte) (backend.Region, error) {
	v, err := w.call(ctx, MsgCopyFrom, data)
	if err != nil {
		return backend.Region{}, err
	}
	return v.(backend.Region), nil
}

// CreateSession rejects preferred output locations, since outputs other
// than cpu tensors cannot be returned from the worker.
func (w *WorkerBackend) CreateSession(ctx context.Context, src backend.ModelSource, o *options.SessionOptions) (backend.SessionMetadata, error) {
	if o != nil && (o.PreferredOutputLocation != "" || len(o.PreferredOutputLocations) > 0) {
		return backend.SessionMetadata{}, errors.New(errors.PhaseValidate, errors.KindUnsupported).
			Path("preferredOutputLocation").
			Detail("preferred output location is not supported when the engine runs in a worker").
			Build()
	}
	v, err := w.call(ctx, MsgCreate, createRequest{src: src, opts: o})
	if err != nil {
		return backend.SessionMetadata{}, err
	}
	return v.(backend.SessionMetadata), nil
}

func (w *WorkerBackend) ReleaseSession(ctx context.Context, id ortwasm.SessionHandle) error {
	_, err := w.call(ctx, MsgRelease, id)
	return err
}

// Run rejects device-resident inputs and pre-allocated outputs before
// anything is sent to the worker.
func (w *WorkerBackend) Run(ctx context.Context, id ortwasm.SessionHandle, inputIndices []int, inputs []*codec.Descriptor, outputIndices []int, outputs []*codec.Descriptor, ro *options.RunOptions) ([]*codec.Descriptor, error) {
	for i, d := range inputs {
		if d != nil && d.Location != tensor.LocationCPU {
			return nil, errors.New(errors.PhaseValidate, errors.KindUnsupported).
				Path("inputs", fmt.Sprint(i)).
				Value(d.Location).
				Detail("input tensor on %s is not supported when the engine runs in a worker", d.Location).
				Build()
		}
	}
	for i, d := range outputs {
		if d != nil {
			return nil, errors.New(errors.PhaseValidate, errors.KindUnsupported).
				Path("outputs", fmt.Sprint(i)).
				Detail("pre-allocated output tensor is not supported when the engine runs in a worker").
				Build()
		}
	}
	v, err := w.call(ctx, MsgRun, runRequest{
		id:            id,
		inputIndices:  inputIndices,
		inputs:        inputs,
		outputIndices: outputIndices,
		ro:            ro,
	})
	if err != nil {
		return nil, err
	}
	return v.([]*codec.Descriptor), nil
}

func (w *WorkerBackend) EndProfiling(ctx context.Context, id ortwasm.SessionHandle) (string, error) {
	v, err := w.call(ctx, MsgEndProfiling, id)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Close releases the worker's sessions and engine, then stops the worker.
// Requests sent before Close are answered first.
func (w *WorkerBackend) Close(ctx context.Context) error {
	w.mu.Lock()
	switch w.latch.state {
	case stateClosed:
		w.mu.Unlock()
		return nil
	case stateInitializing:
		w.mu.Unlock()
		return errors.New(errors.PhaseDispatch, errors.KindBusy).
			Detail("Close called while Init is in progress").
			Build()
	}
	w.latch.state = stateClosed
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	p := w.post(ctx, msgClose, nil)
	close(w.inbox)
	w.mu.Unlock()

	r := <-p.done
	<-w.stopped
	return r.err
}
