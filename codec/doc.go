// Package codec converts tensors between their host form and native engine
// tensors.
//
// Encode and Decode translate between tensor.Tensor and Descriptor, the
// form tensors take when they cross the dispatch boundary. PrepareNative
// uploads a descriptor into the engine right before a run: host payloads are
// copied into heap allocations tracked by the caller's AllocationList,
// gpu-buffer payloads are registered with the Device and never copied.
// ReadOutput goes the other way for one run output, and ReadInto copies an
// output into the host payload of a pre-allocated descriptor.
//
// gpu-buffer outputs transfer ownership: the returned descriptor's Dispose
// releases the native tensor, and the run must not release it again.
package codec
