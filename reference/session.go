package reference

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/resource"
)

type sessionOptions struct {
	params    ortwasm.SessionOptionsParams
	logID     string
	prefix    string
	optimized string
	providers []string
	config    map[string]string
	freeDims  map[string]int64
}

type session struct {
	model        *Model
	constants    map[string]*value
	freeDims     map[string]int64
	providers    []string
	config       map[string]string
	logID        string
	profiling    bool
	prefix       string
	graphCapture bool
	started      time.Time
	events       []profileEvent
}

type profileEvent struct {
	Cat  string            `json:"cat"`
	Name string            `json:"name"`
	Ts   int64             `json:"ts"`
	Dur  int64             `json:"dur"`
	Args map[string]string `json:"args,omitempty"`
}

// native provider names accepted by AppendExecutionProvider, with the device
// provider they depend on
var providerDevices = map[string]string{
	"JS":      "webgpu",
	"WEBNN":   "webnn",
	"XNNPACK": "",
}

func (e *Engine) CreateSessionOptions(ctx context.Context, p ortwasm.SessionOptionsParams) (ortwasm.SessionOptionsHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtCreateSessionOptions") || !e.requireInit() {
		return 0, nil
	}
	switch p.GraphOptimizationLevel {
	case 0, 1, 2, 99:
	default:
		e.setError(codeInvalidArgument, "invalid graph optimization level: %d", p.GraphOptimizationLevel)
		return 0, nil
	}
	if p.ExecutionMode != 0 && p.ExecutionMode != 1 {
		e.setError(codeInvalidArgument, "invalid execution mode: %d", p.ExecutionMode)
		return 0, nil
	}
	if p.LogSeverityLevel < 0 || p.LogSeverityLevel > 4 {
		e.setError(codeInvalidArgument, "invalid log severity level: %d", p.LogSeverityLevel)
		return 0, nil
	}

	opts := &sessionOptions{
		params:   p,
		config:   make(map[string]string),
		freeDims: make(map[string]int64),
	}
	var err error
	if opts.logID, err = e.readString(p.LogID); err != nil {
		return 0, err
	}
	if opts.prefix, err = e.readString(p.ProfileFilePrefix); err != nil {
		return 0, err
	}
	if opts.optimized, err = e.readString(p.OptimizedModelFilePath); err != nil {
		return 0, err
	}

	h, err := e.arena.Insert(kindSessionOptions, opts)
	if err != nil {
		e.fail(err)
		return 0, nil
	}
	return ortwasm.SessionOptionsHandle(h), nil
}

func (e *Engine) sessionOptions(h ortwasm.SessionOptionsHandle) (*sessionOptions, bool) {
	v, err := e.arena.Get(kindSessionOptions, resource.Handle(h))
	if err != nil {
		e.setError(codeInvalidArgument, "invalid session options handle %d: %v", h, err)
		return nil, false
	}
	return v.(*sessionOptions), true
}

func (e *Engine) AppendExecutionProvider(ctx context.Context, h ortwasm.SessionOptionsHandle, name uint32) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtAppendExecutionProvider") {
		return codeFail, nil
	}
	opts, ok := e.sessionOptions(h)
	if !ok {
		return e.lastCode, nil
	}
	ep, err := e.readString(name)
	if err != nil {
		return 0, err
	}
	dev, known := providerDevices[ep]
	if !known {
		return e.setError(codeInvalidArgument, "unknown execution provider: %s", ep), nil
	}
	if dev != "" && !e.device.Ready(dev) {
		return e.setError(codeEPFail, "execution provider %s requires %s to be initialized", ep, dev), nil
	}
	opts.providers = append(opts.providers, ep)
	return codeOK, nil
}

func (e *Engine) AddFreeDimensionOverride(ctx context.Context, h ortwasm.SessionOptionsHandle, name uint32, value int64) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtAddFreeDimensionOverride") {
		return codeFail, nil
	}
	opts, ok := e.sessionOptions(h)
	if !ok {
		return e.lastCode, nil
	}
	dim, err := e.readString(name)
	if err != nil {
		return 0, err
	}
	if dim == "" || value < 0 {
		return e.setError(codeInvalidArgument, "invalid free dimension override %q = %d", dim, value), nil
	}
	opts.freeDims[dim] = value
	return codeOK, nil
}

func (e *Engine) AddSessionConfigEntry(ctx context.Context, h ortwasm.SessionOptionsHandle, key, val uint32) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtAddSessionConfigEntry") {
		return codeFail, nil
	}
	opts, ok := e.sessionOptions(h)
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
	if _, exists := opts.config[k]; exists {
		return e.setError(codeFail, "Config with key %s already exists", k), nil
	}
	opts.config[k] = v
	return codeOK, nil
}

func (e *Engine) ReleaseSessionOptions(ctx context.Context, h ortwasm.SessionOptionsHandle) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtReleaseSessionOptions") {
		return codeFail, nil
	}
	if _, err := e.arena.Remove(kindSessionOptions, resource.Handle(h)); err != nil {
		return e.setError(codeInvalidArgument, "invalid session options handle %d: %v", h, err), nil
	}
	return codeOK, nil
}

func (e *Engine) CreateSession(ctx context.Context, data, length uint32, opts ortwasm.SessionOptionsHandle) (ortwasm.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtCreateSession") || !e.requireInit() {
		return 0, nil
	}
	so, ok := e.sessionOptions(opts)
	if !ok {
		return 0, nil
	}
	if length == 0 {
		e.setError(codeNoModel, "model data is empty")
		return 0, nil
	}
	raw, err := e.mem.Read(data, length)
	if err != nil {
		return 0, err
	}
	model, err := ParseModel(raw)
	if err != nil {
		e.setError(codeInvalidGraph, "failed to load model: %v", err)
		return 0, nil
	}
	constants, err := model.loadConstants(e.files)
	if err != nil {
		e.fail(err)
		return 0, nil
	}

	s := &session{
		model:        model,
		constants:    constants,
		freeDims:     maps.Clone(so.freeDims),
		providers:    append([]string(nil), so.providers...),
		config:       maps.Clone(so.config),
		logID:        so.logID,
		profiling:    so.params.EnableProfiling,
		prefix:       so.prefix,
		graphCapture: so.config["enableGraphCapture"] == "1",
		started:      time.Now(),
	}
	if s.prefix == "" {
		s.prefix = "onnxruntime_profile_"
	}
	if s.graphCapture && !slices.Contains(s.providers, "JS") {
		e.setError(codeInvalidArgument, "graph capture requires the JS execution provider")
		return 0, nil
	}

	h, err := e.arena.Insert(kindSession, s)
	if err != nil {
		e.fail(err)
		return 0, nil
	}
	e.logger.Debug("session created",
		zap.Uint32("handle", uint32(h)),
		zap.Int("inputs", len(model.Inputs)),
		zap.Int("outputs", len(model.Outputs)),
		zap.Strings("providers", s.providers))
	return ortwasm.SessionHandle(h), nil
}

func (e *Engine) session(h ortwasm.SessionHandle) (*session, bool) {
	v, err := e.arena.Get(kindSession, resource.Handle(h))
	if err != nil {
		e.setError(codeInvalidArgument, "invalid session handle %d: %v", h, err)
		return nil, false
	}
	return v.(*session), true
}

func (e *Engine) ReleaseSession(ctx context.Context, h ortwasm.SessionHandle) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtReleaseSession") {
		return codeFail, nil
	}
	if _, err := e.arena.Remove(kindSession, resource.Handle(h)); err != nil {
		return e.setError(codeInvalidArgument, "invalid session handle %d: %v", h, err), nil
	}
	return codeOK, nil
}

func (e *Engine) GetInputOutputCount(ctx context.Context, h ortwasm.SessionHandle, inCountOut, outCountOut uint32) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtGetInputOutputCount") {
		return codeFail, nil
	}
	s, ok := e.session(h)
	if !ok {
		return e.lastCode, nil
	}
	if err := e.mem.WriteU32(inCountOut, uint32(len(s.model.Inputs))); err != nil {
		return 0, err
	}
	if err := e.mem.WriteU32(outCountOut, uint32(len(s.model.Outputs))); err != nil {
		return 0, err
	}
	return codeOK, nil
}

func (e *Engine) GetInputName(ctx context.Context, h ortwasm.SessionHandle, index uint32) (uint32, error) {
	return e.ioName("OrtGetInputName", h, index, true)
}

func (e *Engine) GetOutputName(ctx context.Context, h ortwasm.SessionHandle, index uint32) (uint32, error) {
	return e.ioName("OrtGetOutputName", h, index, false)
}

func (e *Engine) ioName(entry string, h ortwasm.SessionHandle, index uint32, input bool) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter(entry) {
		return 0, nil
	}
	s, ok := e.session(h)
	if !ok {
		return 0, nil
	}
	infos := s.model.Outputs
	if input {
		infos = s.model.Inputs
	}
	if int(index) >= len(infos) {
		e.setError(codeInvalidArgument, "index %d out of range, session has %d", index, len(infos))
		return 0, nil
	}
	ptr, err := e.allocString(infos[index].Name)
	if err != nil {
		e.fail(err)
		return 0, nil
	}
	return ptr, nil
}

func (e *Engine) OrtFree(ctx context.Context, ptr uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls["OrtFree"]++
	if ptr == 0 {
		return nil
	}
	return e.heap.release(ptr)
}

func (e *Engine) EndProfiling(ctx context.Context, h ortwasm.SessionHandle) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enter("OrtEndProfiling") {
		return 0, nil
	}
	s, ok := e.session(h)
	if !ok {
		return 0, nil
	}
	name := ""
	if s.profiling {
		name = fmt.Sprintf("%s%s.json", s.prefix, s.started.Format("2006-01-02_15-04-05"))
		doc, err := json.Marshal(s.events)
		if err != nil {
			e.fail(err)
			return 0, nil
		}
		e.profiles[name] = doc
		s.events = nil
		s.profiling = false
	}
	ptr, err := e.allocString(name)
	if err != nil {
		e.fail(err)
		return 0, nil
	}
	return ptr, nil
}
