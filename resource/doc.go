// Package resource provides generation-checked handle arenas.
//
// An Arena maps 32-bit handles to Go values. Each handle encodes an entry
// index (low 20 bits, offset by one so that zero is never valid) and the
// entry's generation (high 12 bits). Removing an entry bumps its generation,
// so a handle kept past its release fails to resolve instead of aliasing the
// next value stored in the same slot.
//
//	arena := resource.NewArena()
//	h, _ := arena.Insert(kindTensor, t)
//	v, err := arena.Get(kindTensor, h)
//	_, _ = arena.Remove(kindTensor, h)
//	_, err = arena.Get(kindTensor, h) // ErrInvalidHandle
//
// Entries are tagged with a Kind; resolving a handle under the wrong kind
// fails with ErrWrongKind.
//
// Resources are not garbage collected. The owner must Remove every handle it
// creates; Close drops whatever is left and calls Drop on values that
// implement Dropper.
package resource
