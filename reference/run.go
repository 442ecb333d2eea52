package reference

import (
	"context"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/resource"
	"github.com/wippyai/ort-wasm/tensor"
)

type runOptions struct {
	severity  int32
	verbosity int32
	terminate bool
	tag       string
	config    map[string]string
}

type binding struct {
	session resource.Handle
	inputs  map[string]*tensorValue
	outputs []boundOutput
}

// boundOutput is either a snapshot of a caller tensor (value != nil) or a
// location the engine allocates the result at.
type boundOutput struct {
	name     string
	value    *tensorValue
	origin   resource.Handle
	location tensor.Location
}

func (e *Engine) CreateRunOptions(ctx context.Context, severity, verbosity int32, terminate bool, tag uint32) (ortwasm.RunOptionsHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtCreateRunOptions") || !e.requireInit() {
		return 0, nil
	}
	if severity < 0 || severity > 4 {
		e.setError(codeInvalidArgument, "invalid log severity level: %d", severity)
		return 0, nil
	}
	if verbosity < 0 {
		e.setError(codeInvalidArgument, "invalid log verbosity level: %d", verbosity)
		return 0, nil
	}
	name, err := e.readString(tag)
	if err != nil {
		return 0, err
	}
	h, err := e.arena.Insert(kindRunOptions, &runOptions{
		severity:  severity,
		verbosity: verbosity,
		terminate: terminate,
		tag:       name,
		config:    make(map[string]string),
	})
	if err != nil {
		e.fail(err)
		return 0, nil
	}
	return ortwasm.RunOptionsHandle(h), nil
}

func (e *Engine) runOptions(h ortwasm.RunOptionsHandle) (*runOptions, bool) {
	if h == 0 {
		return &runOptions{severity: 2}, true
	}
	v, err := e.arena.Get(kindRunOptions, resource.Handle(h))
	if err != nil {
		e.setError(codeInvalidArgument, "invalid run options handle %d: %v", h, err)
		return nil, false
	}
	return v.(*runOptions), true
}

func (e *Engine) AddRunConfigEntry(ctx context.Context, h ortwasm.RunOptionsHandle, key, val uint32) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtAddRunConfigEntry") {
		return codeFail, nil
	}
	if h == 0 {
		return e.setError(codeInvalidArgument, "invalid run options handle 0"), nil
	}
	ro, ok := e.runOptions(h)
	if !ok {
		return e.lastCode, nil
	}
	k, err := e.readString(key)
	if err != nil {
		return 0, err
	}
	v, err := e.readString(val)
	if err != nil {
		return 0, err
	}
	if k == "" {
		return e.setError(codeInvalidArgument, "config key is empty"), nil
	}
	if _, exists := ro.config[k]; exists {
		return e.setError(codeFail, "Config with key %s already exists", k), nil
	}
	ro.config[k] = v
	return codeOK, nil
}

func (e *Engine) ReleaseRunOptions(ctx context.Context, h ortwasm.RunOptionsHandle) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtReleaseRunOptions") {
		return codeFail, nil
	}
	if _, err := e.arena.Remove(kindRunOptions, resource.Handle(h)); err != nil {
		return e.setError(codeInvalidArgument, "invalid run options handle %d: %v", h, err), nil
	}
	return codeOK, nil
}

func (e *Engine) CreateBinding(ctx context.Context, s ortwasm.SessionHandle) (ortwasm.BindingHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtCreateBinding") {
		return 0, nil
	}
	if _, ok := e.session(s); !ok {
		return 0, nil
	}
	h, err := e.arena.Insert(kindBinding, &binding{
		session: resource.Handle(s),
		inputs:  make(map[string]*tensorValue),
	})
	if err != nil {
		e.fail(err)
		return 0, nil
	}
	return ortwasm.BindingHandle(h), nil
}

func (e *Engine) binding(h ortwasm.BindingHandle) (*binding, *session, bool) {
	v, err := e.arena.Get(kindBinding, resource.Handle(h))
	if err != nil {
		e.setError(codeInvalidArgument, "invalid binding handle %d: %v", h, err)
		return nil, nil, false
	}
	b := v.(*binding)
	s, ok := e.session(ortwasm.SessionHandle(b.session))
	if !ok {
		return nil, nil, false
	}
	return b, s, true
}

func (e *Engine) BindInput(ctx context.Context, bh ortwasm.BindingHandle, name uint32, th ortwasm.TensorHandle) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtBindInput") {
		return codeFail, nil
	}
	b, s, ok := e.binding(bh)
	if !ok {
		return e.lastCode, nil
	}
	in, err := e.readString(name)
	if err != nil {
		return 0, err
	}
	if _, declared := s.model.input(in); !declared {
		return e.setError(codeInvalidArgument, "Invalid input name: %s", in), nil
	}
	t, ok := e.tensor(th)
	if !ok {
		return e.lastCode, nil
	}
	snapshot := *t
	snapshot.owned = false
	b.inputs[in] = &snapshot
	return codeOK, nil
}

func (e *Engine) BindOutput(ctx context.Context, bh ortwasm.BindingHandle, name uint32, th ortwasm.TensorHandle, location int32) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtBindOutput") {
		return codeFail, nil
	}
	b, s, ok := e.binding(bh)
	if !ok {
		return e.lastCode, nil
	}
	out, err := e.readString(name)
	if err != nil {
		return 0, err
	}
	if _, declared := s.model.output(out); !declared {
		return e.setError(codeInvalidArgument, "Invalid output name: %s", out), nil
	}

	bound := boundOutput{name: out, location: tensor.Location(location)}
	if th != 0 {
		t, ok := e.tensor(th)
		if !ok {
			return e.lastCode, nil
		}
		snapshot := *t
		snapshot.owned = false
		bound.value = &snapshot
		bound.origin = resource.Handle(th)
		bound.location = t.location
	} else {
		switch bound.location {
		case tensor.LocationCPU, tensor.LocationCPUPinned:
		case tensor.LocationGPUBuffer:
			if !slices.Contains(s.providers, "JS") && !slices.Contains(s.providers, "WEBNN") {
				return e.setError(codeInvalidArgument, "output %s: gpu-buffer location requires a device execution provider", out), nil
			}
		default:
			return e.setError(codeInvalidArgument, "output %s: unsupported output location %d", out, location), nil
		}
	}

	for i := range b.outputs {
		if b.outputs[i].name == out {
			b.outputs[i] = bound
			return codeOK, nil
		}
	}
	b.outputs = append(b.outputs, bound)
	return codeOK, nil
}

func (e *Engine) ClearBoundOutputs(ctx context.Context, bh ortwasm.BindingHandle) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtClearBoundOutputs") {
		return codeFail, nil
	}
	v, err := e.arena.Get(kindBinding, resource.Handle(bh))
	if err != nil {
		return e.setError(codeInvalidArgument, "invalid binding handle %d: %v", bh, err), nil
	}
	v.(*binding).outputs = nil
	return codeOK, nil
}

func (e *Engine) ReleaseBinding(ctx context.Context, bh ortwasm.BindingHandle) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtReleaseBinding") {
		return codeFail, nil
	}
	if _, err := e.arena.Remove(kindBinding, resource.Handle(bh)); err != nil {
		return e.setError(codeInvalidArgument, "invalid binding handle %d: %v", bh, err), nil
	}
	return codeOK, nil
}

// feed validates and loads the inputs of a run into a fresh evaluation
// environment seeded with the session constants.
func (e *Engine) feed(s *session, inputs map[string]*tensorValue) (map[string]*value, error) {
	env := make(map[string]*value, len(s.constants)+len(inputs))
	for name, c := range s.constants {
		env[name] = c
	}
	for _, info := range s.model.Inputs {
		t, ok := inputs[info.Name]
		if !ok {
			return nil, engineError(codeInvalidArgument, "Missing Input: %s", info.Name)
		}
		v, err := e.load(t)
		if err != nil {
			return nil, err
		}
		if err := s.model.checkInput(info, v, s.freeDims); err != nil {
			return nil, err
		}
		env[info.Name] = v
	}
	return env, nil
}

func (e *Engine) evaluate(ctx context.Context, s *session, ro *runOptions, inputs map[string]*tensorValue, fetch []string) (map[string]*value, error) {
	start := time.Now()
	env, err := e.feed(s, inputs)
	if err != nil {
		return nil, err
	}
	terminate := func() bool { return ro.terminate }
	if terminate() {
		return nil, engineError(codeFail, "Exiting due to terminate flag being set to true.")
	}
	result, err := s.model.eval(ctx, env, fetch, terminate)
	if err != nil {
		return nil, err
	}
	for _, name := range fetch {
		info, _ := s.model.output(name)
		typ, _ := tensor.ParseElementType(info.Type)
		if result[name].typ != typ {
			return nil, engineError(codeInvalidGraph, "output %s is %s, declared %s", name, result[name].typ, typ)
		}
	}
	if s.profiling {
		args := map[string]string{"outputs": strings.Join(fetch, ",")}
		if ro.tag != "" {
			args["tag"] = ro.tag
		}
		s.events = append(s.events, profileEvent{
			Cat:  "Session",
			Name: "model_run",
			Ts:   start.Sub(s.started).Microseconds(),
			Dur:  time.Since(start).Microseconds(),
			Args: args,
		})
	}
	e.logger.Debug("model run",
		zap.Int("nodes", len(s.model.Nodes)),
		zap.Strings("outputs", fetch),
		zap.String("tag", ro.tag))
	return result, nil
}

func (e *Engine) Run(ctx context.Context, sh ortwasm.SessionHandle, inNames, inValues, inCount, outNames, outCount, outValues uint32, opts ortwasm.RunOptionsHandle) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtRun") {
		return codeFail, nil
	}
	s, ok := e.session(sh)
	if !ok {
		return e.lastCode, nil
	}
	ro, ok := e.runOptions(opts)
	if !ok {
		return e.lastCode, nil
	}

	inputs := make(map[string]*tensorValue, inCount)
	for i := range inCount {
		name, th, err := e.readSlot(inNames, inValues, i)
		if err != nil {
			return 0, err
		}
		if _, declared := s.model.input(name); !declared {
			return e.setError(codeInvalidArgument, "Invalid input name: %s", name), nil
		}
		t, ok := e.tensor(th)
		if !ok {
			return e.lastCode, nil
		}
		inputs[name] = t
	}

	fetch := make([]string, outCount)
	preset := make([]ortwasm.TensorHandle, outCount)
	for i := range outCount {
		name, th, err := e.readSlot(outNames, outValues, i)
		if err != nil {
			return 0, err
		}
		if _, declared := s.model.output(name); !declared {
			return e.setError(codeInvalidArgument, "Invalid output name: %s", name), nil
		}
		fetch[i] = name
		preset[i] = th
	}

	result, err := e.evaluate(ctx, s, ro, inputs, fetch)
	if err != nil {
		return e.fail(err), nil
	}

	var created []resource.Handle
	rollback := func() {
		for _, h := range created {
			if v, err := e.arena.Remove(kindTensor, h); err == nil {
				e.dropTensor(v.(*tensorValue))
			}
		}
	}
	for i, name := range fetch {
		v := result[name]
		if preset[i] != 0 {
			t, ok := e.tensor(preset[i])
			if !ok {
				rollback()
				return e.lastCode, nil
			}
			if err := e.store(t, v, name); err != nil {
				rollback()
				return e.fail(err), nil
			}
			continue
		}
		t, err := e.materialize(v, tensor.LocationCPU)
		if err != nil {
			rollback()
			return e.fail(err), nil
		}
		h, err := e.arena.Insert(kindTensor, t)
		if err != nil {
			e.dropTensor(t)
			rollback()
			return e.fail(err), nil
		}
		created = append(created, h)
		if err := e.mem.WriteU32(outValues+uint32(i)*ortwasm.PtrSize, uint32(h)); err != nil {
			rollback()
			return 0, err
		}
	}
	return codeOK, nil
}

// readSlot reads entry i of a name pointer table and a handle table.
func (e *Engine) readSlot(names, values, i uint32) (string, ortwasm.TensorHandle, error) {
	namePtr, err := e.mem.ReadU32(names + i*ortwasm.PtrSize)
	if err != nil {
		return "", 0, err
	}
	name, err := e.readString(namePtr)
	if err != nil {
		return "", 0, err
	}
	th, err := e.mem.ReadU32(values + i*ortwasm.PtrSize)
	if err != nil {
		return "", 0, err
	}
	return name, ortwasm.TensorHandle(th), nil
}

func (e *Engine) RunWithBinding(ctx context.Context, sh ortwasm.SessionHandle, bh ortwasm.BindingHandle, outCount, outValues uint32, opts ortwasm.RunOptionsHandle) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtRunWithBinding") {
		return codeFail, nil
	}
	b, s, ok := e.binding(bh)
	if !ok {
		return e.lastCode, nil
	}
	if b.session != resource.Handle(sh) {
		return e.setError(codeInvalidArgument, "binding %d belongs to another session", bh), nil
	}
	ro, ok := e.runOptions(opts)
	if !ok {
		return e.lastCode, nil
	}
	if int(outCount) != len(b.outputs) {
		return e.setError(codeInvalidArgument, "expected %d outputs, binding has %d", outCount, len(b.outputs)), nil
	}

	fetch := make([]string, len(b.outputs))
	for i, out := range b.outputs {
		fetch[i] = out.name
	}
	result, err := e.evaluate(ctx, s, ro, b.inputs, fetch)
	if err != nil {
		return e.fail(err), nil
	}

	var created []resource.Handle
	rollback := func() {
		for _, h := range created {
			if v, err := e.arena.Remove(kindTensor, h); err == nil {
				e.dropTensor(v.(*tensorValue))
			}
		}
	}
	for i, out := range b.outputs {
		v := result[out.name]
		var h resource.Handle
		if out.value != nil {
			if err := e.store(out.value, v, out.name); err != nil {
				rollback()
				return e.fail(err), nil
			}
			if _, err := e.arena.Get(kindTensor, out.origin); err == nil {
				h = out.origin
			} else {
				view := *out.value
				if h, err = e.arena.Insert(kindTensor, &view); err != nil {
					rollback()
					return e.fail(err), nil
				}
				created = append(created, h)
			}
		} else {
			t, err := e.materialize(v, out.location)
			if err != nil {
				rollback()
				return e.fail(err), nil
			}
			if h, err = e.arena.Insert(kindTensor, t); err != nil {
				e.dropTensor(t)
				rollback()
				return e.fail(err), nil
			}
			created = append(created, h)
		}
		if err := e.mem.WriteU32(outValues+uint32(i)*ortwasm.PtrSize, uint32(h)); err != nil {
			rollback()
			return 0, err
		}
	}
	return codeOK, nil
}
