// Package engine binds a WebAssembly inference engine module to the
// ortwasm.Native entry-point interface.
//
// The engine module is a core wasm module executed by wazero. It exports a
// linear memory named "memory", the allocator entry points (malloc, free,
// stackSave, stackAlloc, stackRestore) and one Ort-prefixed function per
// engine operation. All arguments are i32 except the free dimension value of
// OrtAddFreeDimensionOverride, which is i64.
//
// # Loading
//
//	eng, err := engine.Load(ctx, wasmBytes, &engine.Config{MemoryLimitPages: 1024})
//	if err != nil {
//	    return err
//	}
//	defer eng.Close(ctx)
//
// Bind attaches to a module that was instantiated elsewhere. Both resolve
// every export up front; a missing one fails with errors.KindMissingExport.
//
// # Calls
//
// Each entry point is invoked with CallWithStack on a stack buffer owned by
// the engine, so calls are serialized by an internal lock. A trap surfaces
// as an errors.KindTrap error. Engine-level failures are not errors at this
// layer: they come back as a non-zero status code or a zero handle, and the
// caller queries GetLastError.
//
// # External Data
//
// Mounted external data files are forwarded to Config.ExternalData when
// set, otherwise kept in a table the host imports of the engine can read
// through ExternalData.
//
// # Thread Safety
//
// WazeroEngine is safe for concurrent use; calls execute one at a time.
package engine
