package backend

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/codec"
	"github.com/wippyai/ort-wasm/errors"
	"github.com/wippyai/ort-wasm/marshal"
	"github.com/wippyai/ort-wasm/options"
)

// runState is the native side of one run. Everything in it is released when
// the run returns, except outputs whose ownership moved to the caller.
type runState struct {
	ctx    context.Context
	c      *Context
	allocs *marshal.AllocationList

	inputHandles  []ortwasm.TensorHandle
	outputHandles []ortwasm.TensorHandle
	returned      []ortwasm.TensorHandle
	transferred   []*codec.Descriptor
}

func (st *runState) releaseTensor(h ortwasm.TensorHandle) {
	code, err := st.c.native.ReleaseTensor(st.ctx, h)
	if err != nil || code != 0 {
		st.c.logger.Warn("release tensor failed",
			zap.Uint32("tensor", uint32(h)),
			zap.Int32("code", code),
			zap.Error(err))
	}
}

func (st *runState) cleanup() {
	var released []ortwasm.TensorHandle
	for _, hs := range [][]ortwasm.TensorHandle{st.inputHandles, st.outputHandles, st.returned} {
		for _, h := range hs {
			if h == 0 || slices.Contains(released, h) {
				continue
			}
			released = append(released, h)
			st.releaseTensor(h)
		}
	}
	st.allocs.FreeAndRelease(st.ctx, st.c.native)
}

// disposeTransferred hands back the outputs decoded so far when the run
// fails after some of them took ownership of a native tensor.
func (st *runState) disposeTransferred() {
	for _, d := range st.transferred {
		if err := d.External.Dispose(); err != nil {
			st.c.logger.Warn("dispose output failed", zap.Error(err))
		}
	}
	st.transferred = nil
}

// Run executes session id. inputs[i] feeds model input inputIndices[i];
// outputIndices selects the outputs to fetch and outputs holds optional
// pre-allocated destinations for them (nil entries let the engine
// allocate). The result has one descriptor per requested output. A
// pre-allocated output the engine wrote in place is returned as the same
// descriptor.
func (c *Context) Run(ctx context.Context, id ortwasm.SessionHandle, inputIndices []int, inputs []*codec.Descriptor, outputIndices []int, outputs []*codec.Descriptor, ro *options.RunOptions) ([]*codec.Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, err := c.record(id)
	if err != nil {
		return nil, err
	}
	if err := checkPlan(rec, inputIndices, inputs, outputIndices, outputs); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runOpts, runAllocs, err := options.BuildRunOptions(ctx, c.native, ro)
	if err != nil {
		return nil, err
	}
	defer options.ReleaseRun(ctx, c.native, runOpts, runAllocs)

	st := &runState{
		ctx:           ctx,
		c:             c,
		allocs:        marshal.NewAllocationList(),
		inputHandles:  make([]ortwasm.TensorHandle, len(inputs)),
		outputHandles: make([]ortwasm.TensorHandle, len(outputs)),
	}
	defer st.cleanup()
	if rec.binding != nil && !rec.graphCapture {
		defer c.resetBinding(ctx, rec)
	}

	scope, err := marshal.Mark(ctx, c.native)
	if err != nil {
		return nil, err
	}
	defer scope.Restore()

	env := c.env()
	inputCount := len(rec.inputNames)
	for i, d := range inputs {
		if st.inputHandles[i], err = codec.PrepareNative(ctx, env, d, id, inputIndices[i], rec.graphCapture, st.allocs); err != nil {
			return nil, err
		}
	}
	for i, d := range outputs {
		if st.outputHandles[i], err = codec.PrepareNative(ctx, env, d, id, inputCount+outputIndices[i], rec.graphCapture, st.allocs); err != nil {
			return nil, err
		}
	}

	inValues, err := c.pointerTable(scope, handlesToPtrs(st.inputHandles))
	if err != nil {
		return nil, err
	}
	inNames, err := c.pointerTable(scope, pick(rec.inputNamePtrs, inputIndices))
	if err != nil {
		return nil, err
	}
	outValues, err := c.pointerTable(scope, handlesToPtrs(st.outputHandles))
	if err != nil {
		return nil, err
	}
	outNames, err := c.pointerTable(scope, pick(rec.outputNamePtrs, outputIndices))
	if err != nil {
		return nil, err
	}

	if rec.binding != nil && !rec.bound {
		if err := c.bind(ctx, rec, st, inputIndices, outputIndices); err != nil {
			if rec.graphCapture {
				c.clearBound(ctx, rec)
			}
			return nil, err
		}
		rec.bound = true
		rec.boundOutputs = slices.Clone(outputIndices)
	}

	var code int32
	if rec.binding != nil {
		code, err = c.native.RunWithBinding(ctx, id, rec.binding.handle, uint32(len(outputs)), outValues, runOpts)
	} else {
		code, err = c.native.Run(ctx, id, inNames, inValues, uint32(len(inputs)), outNames, uint32(len(outputs)), outValues, runOpts)
	}
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, marshal.CheckLastError(ctx, c.native, "failed to call OrtRun().")
	}

	results, err := c.decodeOutputs(ctx, rec, st, outValues, outputIndices, outputs)
	if err != nil {
		st.disposeTransferred()
		return nil, err
	}
	c.logger.Debug("run",
		zap.Uint32("session", uint32(id)),
		zap.Int("inputs", len(inputs)),
		zap.Int("outputs", len(outputs)),
		zap.Bool("io_binding", rec.binding != nil))
	return results, nil
}

func checkPlan(rec *sessionRecord, inputIndices []int, inputs []*codec.Descriptor, outputIndices []int, outputs []*codec.Descriptor) error {
	if len(inputIndices) != len(inputs) {
		return errors.InvalidInput(errors.PhaseValidate, fmt.Sprintf("%d input indices for %d inputs", len(inputIndices), len(inputs)))
	}
	if len(outputIndices) != len(outputs) {
		return errors.InvalidInput(errors.PhaseValidate, fmt.Sprintf("%d output indices for %d outputs", len(outputIndices), len(outputs)))
	}
	for i, idx := range inputIndices {
		if idx < 0 || idx >= len(rec.inputNames) {
			return errors.OutOfBounds(errors.PhaseValidate, []string{"inputs"}, idx, len(rec.inputNames))
		}
		if slices.Contains(inputIndices[:i], idx) {
			return errors.InvalidInput(errors.PhaseValidate, fmt.Sprintf("input %s fed twice", rec.inputNames[idx]))
		}
		if inputs[i] == nil {
			return errors.InvalidInput(errors.PhaseValidate, fmt.Sprintf("input %s has no tensor", rec.inputNames[idx]))
		}
	}
	for i, idx := range outputIndices {
		if idx < 0 || idx >= len(rec.outputNames) {
			return errors.OutOfBounds(errors.PhaseValidate, []string{"outputs"}, idx, len(rec.outputNames))
		}
		if slices.Contains(outputIndices[:i], idx) {
			return errors.InvalidInput(errors.PhaseValidate, fmt.Sprintf("output %s fetched twice", rec.outputNames[idx]))
		}
	}
	if rec.bound && !slices.Equal(rec.boundOutputs, outputIndices) {
		return errors.InvalidInput(errors.PhaseValidate, "graph capture replay must fetch the outputs of the captured run")
	}
	if rec.binding != nil && len(inputs) != len(rec.inputNames) {
		return errors.InvalidInput(errors.PhaseValidate,
			fmt.Sprintf("IO binding needs all %d model inputs, got %d", len(rec.inputNames), len(inputs)))
	}
	return nil
}

func (c *Context) pointerTable(scope *marshal.Scope, values []uint32) (uint32, error) {
	ptr, err := scope.Alloc(uint32(len(values)) * ortwasm.PtrSize)
	if err != nil {
		return 0, err
	}
	mem := c.native.Memory()
	for i, v := range values {
		if err := mem.WriteU32(ptr+uint32(i)*ortwasm.PtrSize, v); err != nil {
			return 0, err
		}
	}
	return ptr, nil
}

func handlesToPtrs(hs []ortwasm.TensorHandle) []uint32 {
	out := make([]uint32, len(hs))
	for i, h := range hs {
		out[i] = uint32(h)
	}
	return out
}

func pick(ptrs []uint32, indices []int) []uint32 {
	out := make([]uint32, len(indices))
	for i, idx := range indices {
		out[i] = ptrs[idx]
	}
	return out
}

// bind attaches the inputs and outputs of this run to the session's IO
// binding. Outputs without a destination are bound by preferred location
// and allocated by the engine.
func (c *Context) bind(ctx context.Context, rec *sessionRecord, st *runState, inputIndices, outputIndices []int) error {
	b := rec.binding.handle
	for i, idx := range inputIndices {
		code, err := c.native.BindInput(ctx, b, rec.inputNamePtrs[idx], st.inputHandles[i])
		if err != nil {
			return err
		}
		if code != 0 {
			return marshal.CheckLastError(ctx, c.native, fmt.Sprintf("Can't bind input[%d] for session=%d.", i, rec.handle))
		}
	}
	for i, idx := range outputIndices {
		if h := st.outputHandles[i]; h != 0 {
			code, err := c.native.BindOutput(ctx, b, rec.outputNamePtrs[idx], h, 0)
			if err != nil {
				return err
			}
			if code != 0 {
				return marshal.CheckLastError(ctx, c.native, fmt.Sprintf("Can't bind pre-allocated output[%d] for session=%d.", i, rec.handle))
			}
			continue
		}
		loc := rec.preferred(idx)
		code, err := c.native.BindOutput(ctx, b, rec.outputNamePtrs[idx], 0, int32(loc))
		if err != nil {
			return err
		}
		if code != 0 {
			return marshal.CheckLastError(ctx, c.native, fmt.Sprintf("Can't bind output[%d] to %s for session=%d.", i, loc, rec.handle))
		}
	}
	return nil
}

// resetBinding drops the bound outputs after a run without graph capture;
// the next run may bring different destinations.
func (c *Context) resetBinding(ctx context.Context, rec *sessionRecord) {
	if rec.binding != nil {
		c.clearBound(ctx, rec)
	}
}

func (c *Context) clearBound(ctx context.Context, rec *sessionRecord) {
	code, err := c.native.ClearBoundOutputs(ctx, rec.binding.handle)
	if err != nil || code != 0 {
		c.logger.Warn("clear bound outputs failed",
			zap.Uint32("session", uint32(rec.handle)),
			zap.Int32("code", code),
			zap.Error(err))
	}
	rec.bound = false
	rec.boundOutputs = nil
}

func (c *Context) decodeOutputs(ctx context.Context, rec *sessionRecord, st *runState, outValues uint32, outputIndices []int, outputs []*codec.Descriptor) ([]*codec.Descriptor, error) {
	mem := c.native.Memory()
	st.returned = make([]ortwasm.TensorHandle, len(outputs))
	for i := range outputs {
		v, err := mem.ReadU32(outValues + uint32(i)*ortwasm.PtrSize)
		if err != nil {
			return nil, err
		}
		st.returned[i] = ortwasm.TensorHandle(v)
	}

	env := c.env()
	results := make([]*codec.Descriptor, len(outputs))
	for i, idx := range outputIndices {
		h := st.returned[i]
		if h == 0 {
			return nil, errors.New(errors.PhaseDecode, errors.KindInvalidData).
				Detail("engine returned no tensor for output %s", rec.outputNames[idx]).
				Build()
		}

		if outputs[i] != nil && h == st.outputHandles[i] {
			if err := codec.ReadInto(ctx, env, h, idx, outputs[i]); err != nil {
				return nil, err
			}
			results[i] = outputs[i]
			continue
		}

		d, keep, err := codec.ReadOutput(ctx, env, h, idx, rec.preferred(idx))
		if err != nil {
			return nil, err
		}
		if keep {
			st.returned[i] = 0
			st.transferred = append(st.transferred, d)
		}
		results[i] = d
	}
	return results, nil
}
