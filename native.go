package ortwasm

import (
	"context"
	"fmt"
)

// Handles are opaque engine identifiers. A handle is valid from the call that
// returned it until the matching release; zero is never a valid handle.
type (
	SessionHandle        uint32
	SessionOptionsHandle uint32
	RunOptionsHandle     uint32
	TensorHandle         uint32
	BindingHandle        uint32
)

func (h SessionHandle) String() string { return fmt.Sprintf("session#%d", uint32(h)) }

// SessionOptionsParams are the scalar arguments of CreateSessionOptions.
// String fields are offsets of NUL-terminated strings, 0 when unset.
type SessionOptionsParams struct {
	GraphOptimizationLevel int32
	EnableCPUMemArena      bool
	EnableMemPattern       bool
	ExecutionMode          int32
	EnableProfiling        bool
	ProfileFilePrefix      uint32
	LogID                  uint32
	LogSeverityLevel       int32
	LogVerbosityLevel      int32
	OptimizedModelFilePath uint32
}

// Native is the entry-point surface of a loaded engine instance.
//
// Error returns report failures of the call mechanism itself (traps, host
// panics). Engine-level failures are reported the way the engine does: a
// non-zero code or a zero handle, with details available through GetLastError.
type Native interface {
	Allocator
	Stack

	Memory() Memory

	Init(ctx context.Context, numThreads, loggingLevel int32) (int32, error)
	GetLastError(ctx context.Context, codeOut, messageOut uint32) error

	CreateSessionOptions(ctx context.Context, p SessionOptionsParams) (SessionOptionsHandle, error)
	AppendExecutionProvider(ctx context.Context, h SessionOptionsHandle, name uint32) (int32, error)
	AddFreeDimensionOverride(ctx context.Context, h SessionOptionsHandle, name uint32, value int64) (int32, error)
	AddSessionConfigEntry(ctx context.Context, h SessionOptionsHandle, key, value uint32) (int32, error)
	ReleaseSessionOptions(ctx context.Context, h SessionOptionsHandle) (int32, error)

	CreateSession(ctx context.Context, data, length uint32, opts SessionOptionsHandle) (SessionHandle, error)
	ReleaseSession(ctx context.Context, h SessionHandle) (int32, error)
	GetInputOutputCount(ctx context.Context, h SessionHandle, inCountOut, outCountOut uint32) (int32, error)
	GetInputName(ctx context.Context, h SessionHandle, index uint32) (uint32, error)
	GetOutputName(ctx context.Context, h SessionHandle, index uint32) (uint32, error)
	OrtFree(ctx context.Context, ptr uint32) error

	CreateTensor(ctx context.Context, elemType int32, data, byteLen, dims, rank uint32, location int32) (TensorHandle, error)
	GetTensorData(ctx context.Context, t TensorHandle, typeOut, dataOut, dimsOut, rankOut uint32) (int32, error)
	ReleaseTensor(ctx context.Context, t TensorHandle) (int32, error)

	CreateRunOptions(ctx context.Context, severity, verbosity int32, terminate bool, tag uint32) (RunOptionsHandle, error)
	AddRunConfigEntry(ctx context.Context, h RunOptionsHandle, key, value uint32) (int32, error)
	ReleaseRunOptions(ctx context.Context, h RunOptionsHandle) (int32, error)

	CreateBinding(ctx context.Context, s SessionHandle) (BindingHandle, error)
	BindInput(ctx context.Context, b BindingHandle, name uint32, t TensorHandle) (int32, error)
	BindOutput(ctx context.Context, b BindingHandle, name uint32, t TensorHandle, location int32) (int32, error)
	ClearBoundOutputs(ctx context.Context, b BindingHandle) (int32, error)
	ReleaseBinding(ctx context.Context, b BindingHandle) (int32, error)

	RunWithBinding(ctx context.Context, s SessionHandle, b BindingHandle, outCount, outValues uint32, opts RunOptionsHandle) (int32, error)
	Run(ctx context.Context, s SessionHandle, inNames, inValues, inCount, outNames, outCount, outValues uint32, opts RunOptionsHandle) (int32, error)
	EndProfiling(ctx context.Context, s SessionHandle) (uint32, error)

	MountExternalData(path string, data []byte) error
	UnmountExternalData()
}

// ExternalBuffer is a device-resident buffer owned by the host application.
type ExternalBuffer interface {
	Size() uint64
}

// Device bridges device-resident tensors into the engine. A nil Device means
// gpu-buffer tensors are not supported.
type Device interface {
	Init(ctx context.Context, epName string) error
	// Register exposes buf to the engine for (session, index) and returns the
	// data pointer the engine uses for it.
	Register(ctx context.Context, session SessionHandle, index int, buf ExternalBuffer, size uint64) (uint32, error)
	Lookup(ctx context.Context, data uint32) (ExternalBuffer, error)
	Download(ctx context.Context, buf ExternalBuffer, size uint64) ([]byte, error)
	OnReleaseSession(session SessionHandle)
}
