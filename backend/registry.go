package backend

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/errors"
	"github.com/wippyai/ort-wasm/marshal"
	"github.com/wippyai/ort-wasm/options"
	"github.com/wippyai/ort-wasm/tensor"
)

// sessionRecord is an active session. The name pointers are engine
// allocations kept for the lifetime of the session.
type sessionRecord struct {
	handle         ortwasm.SessionHandle
	inputNames     []string
	outputNames    []string
	inputNamePtrs  []uint32
	outputNamePtrs []uint32
	binding        *ioBinding
	graphCapture   bool
	bound          bool
	boundOutputs   []int
}

// ioBinding exists only for sessions with an output preferring gpu-buffer.
type ioBinding struct {
	handle    ortwasm.BindingHandle
	preferred []tensor.Location
}

func (r *sessionRecord) preferred(output int) tensor.Location {
	if r.binding == nil {
		return tensor.LocationCPU
	}
	return r.binding.preferred[output]
}

// SessionMetadata describes a created session.
type SessionMetadata struct {
	ID          ortwasm.SessionHandle
	InputNames  []string
	OutputNames []string
}

func (c *Context) record(id ortwasm.SessionHandle) (*sessionRecord, error) {
	rec, ok := c.sessions[id]
	if !ok {
		return nil, errors.InvalidSession(uint32(id))
	}
	return rec, nil
}

func (c *Context) sessionIDs() []ortwasm.SessionHandle {
	ids := make([]ortwasm.SessionHandle, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// outputLocations validates the preferred output locations of o. The
// result maps output names to locations; the empty name holds the global
// preference.
func outputLocations(o *options.SessionOptions) (map[string]tensor.Location, error) {
	locs := make(map[string]tensor.Location, len(o.PreferredOutputLocations)+1)
	parse := func(path []string, value string) (tensor.Location, error) {
		loc, err := tensor.ParseLocation(value)
		if err != nil || (loc != tensor.LocationCPU && loc != tensor.LocationCPUPinned && loc != tensor.LocationGPUBuffer) {
			return 0, errors.InvalidEnum(errors.PhaseValidate, path, value, "preferred output location")
		}
		if o.EnableGraphCapture && loc != tensor.LocationGPUBuffer {
			return 0, errors.New(errors.PhaseValidate, errors.KindUnsupported).
				Path(path...).
				Value(value).
				Detail("Preferred output location %s is not supported when enableGraphCapture is true.", value).
				Build()
		}
		return loc, nil
	}
	if o.PreferredOutputLocation != "" {
		loc, err := parse([]string{"preferredOutputLocation"}, o.PreferredOutputLocation)
		if err != nil {
			return nil, err
		}
		locs[""] = loc
	}
	names := make([]string, 0, len(o.PreferredOutputLocations))
	for name := range o.PreferredOutputLocations {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		loc, err := parse([]string{"preferredOutputLocation", name}, o.PreferredOutputLocations[name])
		if err != nil {
			return nil, err
		}
		locs[name] = loc
	}
	return locs, nil
}

// CreateSession creates a session from src. Output location preferences
// and option values are validated before the engine creates anything; a
// failure after that releases every partial resource. The model region and
// the native options are released on every path.
func (c *Context) CreateSession(ctx context.Context, src ModelSource, o *options.SessionOptions) (SessionMetadata, error) {
	if o == nil {
		o = &options.SessionOptions{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return SessionMetadata{}, errClosed()
	}

	model, err := c.placeModel(ctx, src)
	if err != nil {
		return SessionMetadata{}, err
	}
	if model.owned {
		defer c.free(ctx, model.Offset)
	}

	locs, err := outputLocations(o)
	if err != nil {
		return SessionMetadata{}, err
	}

	optsHandle, optsAllocs, err := options.BuildSessionOptions(ctx, c.native, o)
	if err != nil {
		return SessionMetadata{}, err
	}
	defer options.ReleaseSession(ctx, c.native, optsHandle, optsAllocs)

	if err := c.mountExternalData(ctx, o.ExternalData); err != nil {
		return SessionMetadata{}, err
	}
	if len(o.ExternalData) > 0 {
		defer c.native.UnmountExternalData()
	}

	h, err := c.native.CreateSession(ctx, model.Offset, model.Length, optsHandle)
	if err != nil {
		return SessionMetadata{}, err
	}
	if h == 0 {
		return SessionMetadata{}, marshal.CheckLastError(ctx, c.native, "Can't create a session.")
	}

	rec := &sessionRecord{handle: h, graphCapture: o.EnableGraphCapture}
	if err := c.activate(ctx, rec, locs); err != nil {
		if rerr := c.teardown(ctx, rec); rerr != nil {
			c.logger.Warn("release partial session failed", zap.Uint32("session", uint32(h)), zap.Error(rerr))
		}
		return SessionMetadata{}, err
	}
	c.sessions[h] = rec

	c.logger.Debug("session created",
		zap.Uint32("session", uint32(h)),
		zap.Strings("inputs", rec.inputNames),
		zap.Strings("outputs", rec.outputNames),
		zap.Bool("io_binding", rec.binding != nil))
	return SessionMetadata{
		ID:          h,
		InputNames:  slices.Clone(rec.inputNames),
		OutputNames: slices.Clone(rec.outputNames),
	}, nil
}

func (c *Context) mountExternalData(ctx context.Context, files []options.ExternalData) error {
	for i, f := range files {
		data := f.Data
		if data == nil {
			var err error
			if data, err = c.loader.Load(ctx, f.Path); err != nil {
				if i > 0 {
					c.native.UnmountExternalData()
				}
				return err
			}
		}
		if err := c.native.MountExternalData(f.Path, data); err != nil {
			c.native.UnmountExternalData()
			return errors.Load(fmt.Sprintf("mount external data %s", f.Path), err)
		}
	}
	return nil
}

// activate interns the input and output names of rec and sets up its IO
// binding.
func (c *Context) activate(ctx context.Context, rec *sessionRecord, locs map[string]tensor.Location) error {
	scope, err := marshal.Mark(ctx, c.native)
	if err != nil {
		return err
	}
	defer scope.Restore()

	counts, err := scope.Alloc(2 * ortwasm.PtrSize)
	if err != nil {
		return err
	}
	code, err := c.native.GetInputOutputCount(ctx, rec.handle, counts, counts+ortwasm.PtrSize)
	if err != nil {
		return err
	}
	if code != 0 {
		return marshal.CheckLastError(ctx, c.native, "Can't get session input/output count.")
	}
	mem := c.native.Memory()
	inCount, err := mem.ReadU32(counts)
	if err != nil {
		return err
	}
	outCount, err := mem.ReadU32(counts + ortwasm.PtrSize)
	if err != nil {
		return err
	}

	for i := range inCount {
		ptr, name, err := c.ioName(ctx, rec.handle, i, true)
		if err != nil {
			return err
		}
		rec.inputNamePtrs = append(rec.inputNamePtrs, ptr)
		rec.inputNames = append(rec.inputNames, name)
	}
	for i := range outCount {
		ptr, name, err := c.ioName(ctx, rec.handle, i, false)
		if err != nil {
			return err
		}
		rec.outputNamePtrs = append(rec.outputNamePtrs, ptr)
		rec.outputNames = append(rec.outputNames, name)
	}

	preferred := make([]tensor.Location, outCount)
	needBinding := false
	for i, name := range rec.outputNames {
		loc, ok := locs[name]
		if !ok {
			loc, ok = locs[""]
		}
		if !ok {
			loc = tensor.LocationCPU
			if rec.graphCapture {
				loc = tensor.LocationGPUBuffer
			}
		}
		preferred[i] = loc
		needBinding = needBinding || loc == tensor.LocationGPUBuffer
	}
	if !needBinding {
		return nil
	}

	b, err := c.native.CreateBinding(ctx, rec.handle)
	if err != nil {
		return err
	}
	if b == 0 {
		return marshal.CheckLastError(ctx, c.native, "Can't create IO binding.")
	}
	rec.binding = &ioBinding{handle: b, preferred: preferred}
	return nil
}

func (c *Context) ioName(ctx context.Context, h ortwasm.SessionHandle, index uint32, input bool) (uint32, string, error) {
	get, what := c.native.GetOutputName, "output"
	if input {
		get, what = c.native.GetInputName, "input"
	}
	ptr, err := get(ctx, h, index)
	if err != nil {
		return 0, "", err
	}
	if ptr == 0 {
		return 0, "", marshal.CheckLastError(ctx, c.native, fmt.Sprintf("Can't get an %s name.", what))
	}
	name, err := marshal.ReadString(c.native.Memory(), ptr, 0)
	if err != nil {
		c.ortFree(ctx, ptr)
		return 0, "", err
	}
	return ptr, name, nil
}

func (c *Context) ortFree(ctx context.Context, ptr uint32) {
	if err := c.native.OrtFree(ctx, ptr); err != nil {
		c.logger.Warn("free engine buffer failed", zap.Uint32("ptr", ptr), zap.Error(err))
	}
}

// ReleaseSession releases the session id. The id is invalid afterwards even
// when a native release step fails.
func (c *Context) ReleaseSession(ctx context.Context, id ortwasm.SessionHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, err := c.record(id)
	if err != nil {
		return err
	}
	delete(c.sessions, id)
	if err := c.teardown(ctx, rec); err != nil {
		return err
	}
	c.logger.Debug("session released", zap.Uint32("session", uint32(id)))
	return nil
}

// teardown releases the native resources of rec: bound outputs, the IO
// binding, device registrations, interned names and the session handle.
// Every step runs; the first failure is returned and later ones are logged.
func (c *Context) teardown(ctx context.Context, rec *sessionRecord) error {
	var first error
	report := func(err error) {
		if first == nil {
			first = err
			return
		}
		c.logger.Warn("session release step failed", zap.Uint32("session", uint32(rec.handle)), zap.Error(err))
	}

	if rec.binding != nil {
		if rec.graphCapture {
			if code, err := c.native.ClearBoundOutputs(ctx, rec.binding.handle); err != nil {
				report(err)
			} else if code != 0 {
				report(marshal.CheckLastError(ctx, c.native, "Can't clear bound outputs."))
			}
		}
		if code, err := c.native.ReleaseBinding(ctx, rec.binding.handle); err != nil {
			report(err)
		} else if code != 0 {
			report(marshal.CheckLastError(ctx, c.native, "Can't release IO binding."))
		}
		rec.binding = nil
	}
	if c.device != nil {
		c.device.OnReleaseSession(rec.handle)
	}
	for _, ptr := range rec.inputNamePtrs {
		c.ortFree(ctx, ptr)
	}
	for _, ptr := range rec.outputNamePtrs {
		c.ortFree(ctx, ptr)
	}
	rec.inputNamePtrs, rec.outputNamePtrs = nil, nil

	if code, err := c.native.ReleaseSession(ctx, rec.handle); err != nil {
		report(err)
	} else if code != 0 {
		report(marshal.CheckLastError(ctx, c.native, "Can't release session."))
	}
	return first
}

// EndProfiling stops profiling on session id and returns the profile file name.
func (c *Context) EndProfiling(ctx context.Context, id ortwasm.SessionHandle) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, err := c.record(id)
	if err != nil {
		return "", err
	}
	ptr, err := c.native.EndProfiling(ctx, rec.handle)
	if err != nil {
		return "", err
	}
	if ptr == 0 {
		return "", marshal.CheckLastError(ctx, c.native, "Can't get an profile file name.")
	}
	defer c.ortFree(ctx, ptr)
	return marshal.ReadString(c.native.Memory(), ptr, 0)
}
