// Package dispatch presents one engine facade, ComputeBackend, with two
// implementations chosen once at startup.
//
// InProcessBackend drives a backend.Context on the caller's goroutine.
// WorkerBackend forwards each call as a typed message to a worker goroutine
// that owns its own engine instance:
//
//	w := dispatch.NewWorker(dispatch.WorkerConfig{Factory: newContext})
//	if err := w.Init(ctx, backend.Env{}); err != nil {
//	    return err
//	}
//	defer w.Close(ctx)
//
// # Protocol
//
// Message types are init-wasm, init-ep, copy-from, create, release, run and
// end-profiling. Each type has its own FIFO of pending requests, and a reply
// completes the oldest pending request of its type. Requests of one type are
// answered in order; nothing is guaranteed across types.
//
// Init runs once. A concurrent second call fails with "multiple calls to Init
// detected", a failed Init latches the backend as aborted, and any other
// call made before Init succeeds fails with errors.KindNotReady.
//
// The worker returns cpu tensors only. Inputs resident on a device,
// pre-allocated outputs and preferred output locations are rejected before
// a message is sent.
package dispatch
