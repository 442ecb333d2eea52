// Package backend owns one engine instance: it initializes the runtime,
// keeps the registry of active sessions and runs them.
//
// A Context is created once per engine and shared by pointer:
//
//	be, err := backend.New(backend.Config{Native: eng, Device: eng.Device()})
//	if err != nil {
//	    return err
//	}
//	if err := be.InitRuntime(ctx, backend.Env{NumThreads: 1}); err != nil {
//	    return err
//	}
//	meta, err := be.CreateSession(ctx, backend.FromBytes(model), nil)
//
// # Sessions
//
// CreateSession places the model in linear memory (reusing it when the bytes
// already alias that memory), builds the session options, mounts external
// data files and creates the native session. It then interns every input
// and output name and, when an output prefers gpu-buffer, creates one IO
// binding for the session. Any failure releases what was created.
//
// Sessions are identified by their native handle. Once ReleaseSession
// returns, every operation on the id fails with errors.KindInvalidSession.
//
// # Runs
//
// Run uploads the inputs and optional pre-allocated outputs, invokes the
// engine and decodes the outputs. Every tensor and allocation made for the
// run is released before it returns, except gpu-buffer outputs, which the
// returned descriptor owns.
//
// With graph capture the IO binding is set up by the first run and reused
// unchanged by later runs, which must feed the same device buffers and fetch
// the same outputs. Without graph capture bound outputs are cleared after
// every run.
//
// # Errors
//
// Host-side validation fails before any native call. Engine failures carry
// the caller context and the engine's last error, for example:
//
//	failed to call OrtRun(). ERROR_CODE: 2, ERROR_MESSAGE: Missing Input: b
package backend
