package options

import (
	"github.com/wippyai/ort-wasm/marshal"
)

// Graph optimization levels.
const (
	OptimizationDisabled = "disabled"
	OptimizationBasic    = "basic"
	OptimizationExtended = "extended"
	OptimizationAll      = "all"
)

// Execution modes.
const (
	ExecutionSequential = "sequential"
	ExecutionParallel   = "parallel"
)

var graphOptimizationCodes = map[string]int32{
	OptimizationDisabled: 0,
	OptimizationBasic:    1,
	OptimizationExtended: 2,
	OptimizationAll:      99,
}

var executionModeCodes = map[string]int32{
	ExecutionSequential: 0,
	ExecutionParallel:   1,
}

const (
	defaultLogSeverity  int32 = 2
	defaultLogVerbosity int32 = 0
)

// RunOptions configures a single run. The zero value is valid.
type RunOptions struct {
	// LogSeverityLevel is 0 (verbose) to 4 (fatal). Default 2.
	LogSeverityLevel *int32
	// LogVerbosityLevel is non-negative. Default 0.
	LogVerbosityLevel *int32
	// Terminate asks the engine to stop the run as soon as possible.
	Terminate bool
	Tag       string
	// Extra is flattened into run config entries.
	Extra marshal.Map
}

// SessionOptions configures session creation. The zero value is valid.
type SessionOptions struct {
	// GraphOptimizationLevel is one of disabled, basic, extended, all. Default all.
	GraphOptimizationLevel string
	// ExecutionMode is sequential or parallel. Default sequential.
	ExecutionMode string
	// EnableCPUMemArena defaults to true.
	EnableCPUMemArena *bool
	// EnableMemPattern defaults to true.
	EnableMemPattern       *bool
	EnableProfiling        bool
	ProfileFilePrefix      string
	LogID                  string
	LogSeverityLevel       *int32
	LogVerbosityLevel      *int32
	OptimizedModelFilePath string

	// ExecutionProviders are appended in order.
	ExecutionProviders []ExecutionProvider
	// EnableGraphCapture requires every output to be gpu-buffer resident.
	EnableGraphCapture bool
	// FreeDimensionOverrides fixes named free dimensions. Values must be non-negative.
	FreeDimensionOverrides map[string]int64

	// PreferredOutputLocation applies to every output not listed in
	// PreferredOutputLocations. Values are cpu, cpu-pinned or gpu-buffer.
	PreferredOutputLocation  string
	PreferredOutputLocations map[string]string

	// ExternalData files are mounted while the session is created.
	ExternalData []ExternalData

	// Extra is flattened into session config entries.
	Extra marshal.Map
}

// ExternalData is a file the model references by Path. When Data is nil the
// bytes are read through the backend's Loader.
type ExternalData struct {
	Path string
	Data []byte
}

// ExecutionProvider selects an execution provider by name: cpu, wasm,
// webgpu, webnn or xnnpack. The remaining fields apply to the named
// provider only.
type ExecutionProvider struct {
	Name string

	// PreferredLayout is NCHW or NHWC (webgpu).
	PreferredLayout string

	// DeviceType is cpu, gpu or npu (webnn).
	DeviceType string
	// NumThreads is non-negative (webnn).
	NumThreads *int32
	// PowerPreference is default, low-power or high-performance (webnn).
	PowerPreference string
}

// Ptr returns a pointer to v, for the optional fields of the option structs.
func Ptr[T any](v T) *T {
	return &v
}

func deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
