package engine

// Export names of the engine entry points.
const (
	ExportMalloc       = "malloc"
	ExportFree         = "free"
	ExportStackSave    = "stackSave"
	ExportStackAlloc   = "stackAlloc"
	ExportStackRestore = "stackRestore"

	ExportInit                     = "OrtInit"
	ExportGetLastError             = "OrtGetLastError"
	ExportCreateSessionOptions     = "OrtCreateSessionOptions"
	ExportAppendExecutionProvider  = "OrtAppendExecutionProvider"
	ExportAddFreeDimensionOverride = "OrtAddFreeDimensionOverride"
	ExportAddSessionConfigEntry    = "OrtAddSessionConfigEntry"
	ExportReleaseSessionOptions    = "OrtReleaseSessionOptions"
	ExportCreateSession            = "OrtCreateSession"
	ExportReleaseSession           = "OrtReleaseSession"
	ExportGetInputOutputCount      = "OrtGetInputOutputCount"
	ExportGetInputName             = "OrtGetInputName"
	ExportGetOutputName            = "OrtGetOutputName"
	ExportOrtFree                  = "OrtFree"
	ExportCreateTensor             = "OrtCreateTensor"
	ExportGetTensorData            = "OrtGetTensorData"
	ExportReleaseTensor            = "OrtReleaseTensor"
	ExportCreateRunOptions         = "OrtCreateRunOptions"
	ExportAddRunConfigEntry        = "OrtAddRunConfigEntry"
	ExportReleaseRunOptions        = "OrtReleaseRunOptions"
	ExportCreateBinding            = "OrtCreateBinding"
	ExportBindInput                = "OrtBindInput"
	ExportBindOutput               = "OrtBindOutput"
	ExportClearBoundOutputs        = "OrtClearBoundOutputs"
	ExportReleaseBinding           = "OrtReleaseBinding"
	ExportRunWithBinding           = "OrtRunWithBinding"
	ExportRun                      = "OrtRun"
	ExportEndProfiling             = "OrtEndProfiling"
)

// Exports lists every export an engine module must provide.
var Exports = []string{
	ExportMalloc, ExportFree, ExportStackSave, ExportStackAlloc, ExportStackRestore,
	ExportInit, ExportGetLastError,
	ExportCreateSessionOptions, ExportAppendExecutionProvider, ExportAddFreeDimensionOverride,
	ExportAddSessionConfigEntry, ExportReleaseSessionOptions,
	ExportCreateSession, ExportReleaseSession, ExportGetInputOutputCount,
	ExportGetInputName, ExportGetOutputName, ExportOrtFree,
	ExportCreateTensor, ExportGetTensorData, ExportReleaseTensor,
	ExportCreateRunOptions, ExportAddRunConfigEntry, ExportReleaseRunOptions,
	ExportCreateBinding, ExportBindInput, ExportBindOutput, ExportClearBoundOutputs, ExportReleaseBinding,
	ExportRunWithBinding, ExportRun, ExportEndProfiling,
}

// maxParams is the widest entry point signature (OrtCreateSessionOptions).
const maxParams = 10

func boolParam(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
