// Package errors provides structured error types for the ort-wasm bridge.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the field path, the native error code when one exists,
// and the cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseValidate, errors.KindInvalidEnum).
//		Path("sessionOptions", "graphOptimizationLevel").
//		Value("turbo").
//		Detail("unsupported graph optimization level: %s", "turbo").
//		Build()
//
// Native entry point failures are built from the engine's last error:
//
//	err := errors.Native("Can't create a session.", code, message)
//
// All errors implement the standard error interface and support errors.Is/As.
// Is compares Phase and Kind only, so the exported sentinels work as targets:
//
//	if errors.Is(err, errors.ErrInvalidSession) { ... }
package errors
