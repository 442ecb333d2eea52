// Package reference is a Go implementation of the engine entry points.
//
// It serves as the native engine in tests and in the ortrun tool. Models are
// small YAML graphs of elementwise nodes (see Model). The engine keeps the
// same memory discipline a compiled engine does: a heap and a downward
// growing stack share one linear memory, engine objects are identified by
// opaque handles, and failures are reported through status codes and
// GetLastError.
//
// # Memory Layout
//
//	[0, 16)              reserved, offset 0 is the null pointer
//	[16, 1024)           last error message buffer
//	[1024, stack)        heap, first fit, 8-byte aligned
//	[stack, end)         stack region, 16-byte aligned, grows down
//
// # Mounting
//
// An Engine can be used directly as an ortwasm.Native, or installed into a
// wazero runtime with Instantiate. The latter registers every entry point as
// a host function and instantiates a generated shim module that re-exports
// them next to its linear memory, so the engine is reached exactly the way a
// compiled engine module is.
//
//	eng := reference.New(reference.Config{})
//	mod, err := reference.Instantiate(ctx, rt, eng)
//	native, err := engine.Bind(mod, &engine.Config{ExternalData: eng})
//
// # Tensors
//
// cpu tensors reference linear memory owned by the caller. gpu-buffer
// tensors reference buffers of a Device, registered by the host or
// allocated by the engine for outputs bound by location. Output tensors the
// engine creates own their storage and free it on ReleaseTensor.
//
// # Testing Hooks
//
// FailNext injects a failure into the n-th next call of an entry point.
// Calls, Live, Handles and StackDepth expose the counters tests assert on.
package reference
