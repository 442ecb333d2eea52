// Package marshal moves host values into and out of engine linear memory.
//
// Heap allocations made during a call are recorded in an AllocationList and
// freed together when the call ends, whatever the outcome. Short-lived
// structured data (dimension arrays, pointer tables, out-parameters) goes on
// the engine stack inside a Scope:
//
//	scope, err := marshal.Mark(ctx, native)
//	if err != nil {
//	    return err
//	}
//	defer scope.Restore()
//	dims, err := scope.Alloc(uint32(len(shape)) * ortwasm.PtrSize)
//
// Config is the nested key/value tree accepted as "extra" options. Flatten
// turns it into dotted config entries and rejects cycles.
package marshal
