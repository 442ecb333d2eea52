// Package options builds native run options and session options objects.
//
// Options are validated on the host before the engine is called: enum
// strings, severity and verbosity ranges, free dimension values and
// execution provider fields. Validation failures are PhaseValidate errors.
//
// A builder returns the native handle together with the allocation list
// holding the strings the engine reads from it. Both stay alive until the
// one native call that consumes the options returns:
//
//	h, allocs, err := options.BuildRunOptions(ctx, native, &options.RunOptions{Tag: "warmup"})
//	if err != nil {
//	    return err
//	}
//	defer options.ReleaseRun(ctx, native, h, allocs)
//
// # Execution Providers
//
//	cpu, wasm   no native provider
//	webgpu      JS, config entry preferredLayout
//	webnn       WEBNN, config entries deviceType, numThreads, powerPreference
//	xnnpack     XNNPACK
//
// Any other name fails validation.
package options
