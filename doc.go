// Package ortwasm bridges a host application to an ONNX-Runtime style compute
// engine compiled to WebAssembly.
//
// The engine is opaque: it is reachable only through the Native entry points
// and one linear memory. The bridge marshals tensors and configuration into
// that memory, tracks engine handles through their create/use/release
// lifecycle, and exposes one API whether the engine runs in-process or on a
// background worker.
//
// # Architecture Overview
//
//	ortwasm/             Root package with Memory, Allocator, Stack, Native and Device
//	├── errors/          Structured error types
//	├── tensor/          Host tensors, element types, locations
//	├── marshal/         Allocation tracking, stack scopes, strings, config flattening
//	├── options/         Session and run option builders
//	├── codec/           Tensor descriptors and native tensor upload/download
//	├── backend/         Runtime context, session registry, run orchestration
//	├── dispatch/        In-process and worker compute backends
//	├── session/         Inference session handler (feeds, fetches, names)
//	├── engine/          wazero binding of Native onto an engine module
//	├── resource/        Generation-checked handle arena
//	├── reference/       Go reference engine, wazero host module and shim
//	└── cmd/ortrun/      Command line runner
//
// # Quick Start
//
//	eng := reference.New(reference.Config{})
//	ctx := context.Background()
//
//	be := dispatch.NewInProcess(func(ctx context.Context) (*backend.Context, error) {
//	    return backend.New(backend.Config{Native: eng, Device: eng.Device()})
//	}, nil)
//	if err := be.Init(ctx, backend.Env{}); err != nil {
//	    log.Fatal(err)
//	}
//
//	sess, err := session.Create(ctx, be, backend.FromBytes(model), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Release(ctx)
//
//	out, err := sess.Run(ctx, map[string]*tensor.Tensor{"a": a, "b": b}, nil, nil)
//
// # Memory Model
//
// Linear memory has no garbage collector. Every allocation made during a call
// is recorded and freed on every exit path. The only allocations that outlive
// a call are the interned input/output names of a session (freed on release)
// and gpu-buffer outputs whose ownership moves to the caller's tensor.
//
// # Thread Safety
//
// A backend.Context serializes all calls into its engine instance. Runs on
// the same session must still be ordered by the caller because IO-binding
// state carries over between runs.
package ortwasm
