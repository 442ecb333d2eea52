// Package tensor provides host-side tensors as exchanged with the engine.
//
// A Tensor carries an element type, a shape and a payload. The payload is
// host bytes (cpu), host strings (string tensors), or an external device
// buffer (gpu-buffer). Device tensors can carry a Downloader, which Data
// invokes once to move the payload into host memory, and a Disposer, which
// Dispose invokes to release the device resource.
//
// Element type and location values are the engine's native codes and cross
// the boundary unchanged.
package tensor
