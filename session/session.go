// Package session resolves feeds and fetches by name and converts tensors
// for a ComputeBackend.
package session

import (
	"context"
	"slices"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/backend"
	"github.com/wippyai/ort-wasm/codec"
	"github.com/wippyai/ort-wasm/dispatch"
	"github.com/wippyai/ort-wasm/errors"
	"github.com/wippyai/ort-wasm/options"
	"github.com/wippyai/ort-wasm/tensor"
)

// Fetches names the outputs of a run. A nil tensor lets the engine allocate
// the output; a non-nil tensor is a pre-allocated output.
type Fetches map[string]*tensor.Tensor

// Names fetches the named outputs into engine-allocated tensors.
func Names(names ...string) Fetches {
	f := make(Fetches, len(names))
	for _, n := range names {
		f[n] = nil
	}
	return f
}

// Session is an inference session on a ComputeBackend. Runs on one session
// must not overlap.
type Session struct {
	be          dispatch.ComputeBackend
	id          ortwasm.SessionHandle
	inputNames  []string
	outputNames []string
	inputIndex  map[string]int
	outputIndex map[string]int
}

// Create creates a session from src on be.
func Create(ctx context.Context, be dispatch.ComputeBackend, src backend.ModelSource, o *options.SessionOptions) (*Session, error) {
	meta, err := be.CreateSession(ctx, src, o)
	if err != nil {
		return nil, err
	}
	s := &Session{
		be:          be,
		id:          meta.ID,
		inputNames:  meta.InputNames,
		outputNames: meta.OutputNames,
		inputIndex:  make(map[string]int, len(meta.InputNames)),
		outputIndex: make(map[string]int, len(meta.OutputNames)),
	}
	for i, n := range meta.InputNames {
		s.inputIndex[n] = i
	}
	for i, n := range meta.OutputNames {
		s.outputIndex[n] = i
	}
	return s, nil
}

// ID returns the backend session id.
func (s *Session) ID() ortwasm.SessionHandle { return s.id }

// InputNames returns the model input names in declaration order.
func (s *Session) InputNames() []string { return slices.Clone(s.inputNames) }

// OutputNames returns the model output names in declaration order.
func (s *Session) OutputNames() []string { return slices.Clone(s.outputNames) }

// Run feeds the named inputs and returns the requested outputs by name.
// Empty fetches request every output. Unknown names fail with
// errors.KindOutOfRange before the backend is called. A pre-allocated
// output the engine wrote in place is returned as the caller's tensor.
func (s *Session) Run(ctx context.Context, feeds map[string]*tensor.Tensor, fetches Fetches, ro *options.RunOptions) (map[string]*tensor.Tensor, error) {
	inputIndices, err := resolve(feeds, s.inputIndex, "input")
	if err != nil {
		return nil, err
	}
	if len(fetches) == 0 {
		fetches = Names(s.outputNames...)
	}
	outputIndices, err := resolve(fetches, s.outputIndex, "output")
	if err != nil {
		return nil, err
	}

	inputs := make([]*codec.Descriptor, len(inputIndices))
	for i, idx := range inputIndices {
		name := s.inputNames[idx]
		t := feeds[name]
		if t == nil {
			return nil, errors.New(errors.PhaseValidate, errors.KindInvalidInput).
				Path("feeds", name).
				Detail("input %q has no tensor", name).
				Build()
		}
		if inputs[i], err = codec.Encode(t, name); err != nil {
			return nil, err
		}
	}
	outputs := make([]*codec.Descriptor, len(outputIndices))
	for i, idx := range outputIndices {
		name := s.outputNames[idx]
		if t := fetches[name]; t != nil {
			if outputs[i], err = codec.Encode(t, name); err != nil {
				return nil, err
			}
		}
	}

	results, err := s.be.Run(ctx, s.id, inputIndices, inputs, outputIndices, outputs, ro)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*tensor.Tensor, len(results))
	var decoded []*tensor.Tensor
	for i, d := range results {
		name := s.outputNames[outputIndices[i]]
		if outputs[i] != nil && d == outputs[i] {
			out[name] = fetches[name]
			continue
		}
		t, err := codec.Decode(d)
		if err != nil {
			disposeAll(decoded, results[i:])
			return nil, err
		}
		decoded = append(decoded, t)
		out[name] = t
	}
	return out, nil
}

// resolve maps the names of m to indices, in index order.
func resolve[T any](m map[string]T, index map[string]int, what string) ([]int, error) {
	indices := make([]int, 0, len(m))
	for name := range m {
		idx, ok := index[name]
		if !ok {
			return nil, errors.OutOfRange(what, name)
		}
		indices = append(indices, idx)
	}
	slices.Sort(indices)
	return indices, nil
}

// disposeAll releases decoded tensors and undecoded device outputs after a
// failed decode.
func disposeAll(decoded []*tensor.Tensor, rest []*codec.Descriptor) {
	for _, t := range decoded {
		_ = t.Dispose()
	}
	for _, d := range rest {
		if d.External != nil && d.External.Dispose != nil {
			_ = d.External.Dispose()
		}
	}
}

// EndProfiling stops profiling and returns the profile file name.
func (s *Session) EndProfiling(ctx context.Context) (string, error) {
	return s.be.EndProfiling(ctx, s.id)
}

// Release releases the session. Later calls fail with
// errors.KindInvalidSession.
func (s *Session) Release(ctx context.Context) error {
	return s.be.ReleaseSession(ctx, s.id)
}
