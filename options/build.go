package options

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/errors"
	"github.com/wippyai/ort-wasm/marshal"
)

// BuildRunOptions creates a native run options object from o. On success the
// caller owns the handle and the allocation list and hands both to
// ReleaseRun. On failure everything created so far is released.
func BuildRunOptions(ctx context.Context, n ortwasm.Native, o *RunOptions) (ortwasm.RunOptionsHandle, *marshal.AllocationList, error) {
	if o == nil {
		o = &RunOptions{}
	}
	severity := deref(o.LogSeverityLevel, defaultLogSeverity)
	if severity < 0 || severity > 4 {
		return 0, nil, errors.InvalidEnum(errors.PhaseValidate, []string{"logSeverityLevel"}, severity, "log severity level")
	}
	verbosity := deref(o.LogVerbosityLevel, defaultLogVerbosity)
	if verbosity < 0 {
		return 0, nil, errors.InvalidEnum(errors.PhaseValidate, []string{"logVerbosityLevel"}, verbosity, "log verbosity level")
	}

	var h ortwasm.RunOptionsHandle
	allocs := marshal.NewAllocationList()
	err := func() error {
		var tag uint32
		if o.Tag != "" {
			var err error
			if tag, err = marshal.AllocString(ctx, n, o.Tag, allocs); err != nil {
				return err
			}
		}
		var err error
		h, err = n.CreateRunOptions(ctx, severity, verbosity, o.Terminate, tag)
		if err != nil {
			return err
		}
		if h == 0 {
			return marshal.CheckLastError(ctx, n, "can't create run options.")
		}
		return marshal.Flatten(o.Extra, "", nil, func(key, value string) error {
			k, v, err := allocPair(ctx, n, key, value, allocs)
			if err != nil {
				return err
			}
			code, err := n.AddRunConfigEntry(ctx, h, k, v)
			if err != nil {
				return err
			}
			if code != 0 {
				return marshal.CheckLastError(ctx, n, fmt.Sprintf("can't set a run config entry: %s - %s.", key, value))
			}
			return nil
		})
	}()
	if err != nil {
		ReleaseRun(ctx, n, h, allocs)
		return 0, nil, err
	}
	return h, allocs, nil
}

// ReleaseRun releases a run options handle (if non-zero) and frees allocs.
// Failures are logged.
func ReleaseRun(ctx context.Context, n ortwasm.Native, h ortwasm.RunOptionsHandle, allocs *marshal.AllocationList) {
	if h != 0 {
		code, err := n.ReleaseRunOptions(ctx, h)
		if err != nil || code != 0 {
			Logger().Warn("release run options failed",
				zap.Uint32("handle", uint32(h)),
				zap.Int32("code", code),
				zap.Error(err))
		}
	}
	allocs.FreeAndRelease(ctx, n)
}

// sessionPlan is a validated SessionOptions, ready to be pushed to the engine.
type sessionPlan struct {
	params    ortwasm.SessionOptionsParams
	providers []provider
	freeDims  []string
}

func planSession(o *SessionOptions) (*sessionPlan, error) {
	p := &sessionPlan{}

	level := o.GraphOptimizationLevel
	if level == "" {
		level = OptimizationAll
	}
	code, ok := graphOptimizationCodes[level]
	if !ok {
		return nil, errors.InvalidEnum(errors.PhaseValidate, []string{"graphOptimizationLevel"}, level, "graph optimization level")
	}
	p.params.GraphOptimizationLevel = code

	mode := o.ExecutionMode
	if mode == "" {
		mode = ExecutionSequential
	}
	if p.params.ExecutionMode, ok = executionModeCodes[mode]; !ok {
		return nil, errors.InvalidEnum(errors.PhaseValidate, []string{"executionMode"}, mode, "execution mode")
	}

	p.params.LogSeverityLevel = deref(o.LogSeverityLevel, defaultLogSeverity)
	if p.params.LogSeverityLevel < 0 || p.params.LogSeverityLevel > 4 {
		return nil, errors.InvalidEnum(errors.PhaseValidate, []string{"logSeverityLevel"}, p.params.LogSeverityLevel, "log severity level")
	}
	p.params.LogVerbosityLevel = deref(o.LogVerbosityLevel, defaultLogVerbosity)
	if p.params.LogVerbosityLevel < 0 {
		return nil, errors.InvalidEnum(errors.PhaseValidate, []string{"logVerbosityLevel"}, p.params.LogVerbosityLevel, "log verbosity level")
	}
	p.params.EnableCPUMemArena = deref(o.EnableCPUMemArena, true)
	p.params.EnableMemPattern = deref(o.EnableMemPattern, true)
	p.params.EnableProfiling = o.EnableProfiling

	for name, value := range o.FreeDimensionOverrides {
		if name == "" {
			return nil, errors.InvalidInput(errors.PhaseValidate, "free dimension override with empty name")
		}
		if value < 0 {
			return nil, errors.New(errors.PhaseValidate, errors.KindInvalidInput).
				Path("freeDimensionOverrides", name).
				Value(value).
				Detail("free dimension override must be a non-negative integer: %s = %d", name, value).
				Build()
		}
		p.freeDims = append(p.freeDims, name)
	}
	slices.Sort(p.freeDims)

	var err error
	if p.providers, err = resolveProviders(o.ExecutionProviders); err != nil {
		return nil, err
	}
	return p, nil
}

// BuildSessionOptions creates a native session options object from o.
// Validation happens before any native call. On success the caller owns the
// handle and the allocation list and hands both to ReleaseSession. On
// failure everything created so far is released.
func BuildSessionOptions(ctx context.Context, n ortwasm.Native, o *SessionOptions) (ortwasm.SessionOptionsHandle, *marshal.AllocationList, error) {
	if o == nil {
		o = &SessionOptions{}
	}
	plan, err := planSession(o)
	if err != nil {
		return 0, nil, err
	}

	var h ortwasm.SessionOptionsHandle
	allocs := marshal.NewAllocationList()
	err = func() error {
		params := plan.params
		strs := []struct {
			text string
			dst  *uint32
		}{
			{o.LogID, &params.LogID},
			{o.ProfileFilePrefix, &params.ProfileFilePrefix},
			{o.OptimizedModelFilePath, &params.OptimizedModelFilePath},
		}
		for _, s := range strs {
			if s.text == "" {
				continue
			}
			ptr, err := marshal.AllocString(ctx, n, s.text, allocs)
			if err != nil {
				return err
			}
			*s.dst = ptr
		}

		var err error
		h, err = n.CreateSessionOptions(ctx, params)
		if err != nil {
			return err
		}
		if h == 0 {
			return marshal.CheckLastError(ctx, n, "Can't create session options.")
		}

		for _, p := range plan.providers {
			for _, e := range p.entries {
				if err := addSessionEntry(ctx, n, h, e.key, e.value, allocs); err != nil {
					return err
				}
			}
			name, err := marshal.AllocString(ctx, n, p.native, allocs)
			if err != nil {
				return err
			}
			code, err := n.AppendExecutionProvider(ctx, h, name)
			if err != nil {
				return err
			}
			if code != 0 {
				return marshal.CheckLastError(ctx, n, fmt.Sprintf("Can't append execution provider: %s.", p.native))
			}
		}

		if o.EnableGraphCapture {
			if err := addSessionEntry(ctx, n, h, "enableGraphCapture", "1", allocs); err != nil {
				return err
			}
		}

		for _, dim := range plan.freeDims {
			value := o.FreeDimensionOverrides[dim]
			name, err := marshal.AllocString(ctx, n, dim, allocs)
			if err != nil {
				return err
			}
			code, err := n.AddFreeDimensionOverride(ctx, h, name, value)
			if err != nil {
				return err
			}
			if code != 0 {
				return marshal.CheckLastError(ctx, n, fmt.Sprintf("Can't set a free dimension override: %s - %d.", dim, value))
			}
		}

		return marshal.Flatten(o.Extra, "", nil, func(key, value string) error {
			return addSessionEntry(ctx, n, h, key, value, allocs)
		})
	}()
	if err != nil {
		ReleaseSession(ctx, n, h, allocs)
		return 0, nil, err
	}
	return h, allocs, nil
}

// ReleaseSession releases a session options handle (if non-zero) and frees
// allocs. Failures are logged.
func ReleaseSession(ctx context.Context, n ortwasm.Native, h ortwasm.SessionOptionsHandle, allocs *marshal.AllocationList) {
	if h != 0 {
		code, err := n.ReleaseSessionOptions(ctx, h)
		if err != nil || code != 0 {
			Logger().Warn("release session options failed",
				zap.Uint32("handle", uint32(h)),
				zap.Int32("code", code),
				zap.Error(err))
		}
	}
	allocs.FreeAndRelease(ctx, n)
}

func addSessionEntry(ctx context.Context, n ortwasm.Native, h ortwasm.SessionOptionsHandle, key, value string, allocs *marshal.AllocationList) error {
	k, v, err := allocPair(ctx, n, key, value, allocs)
	if err != nil {
		return err
	}
	code, err := n.AddSessionConfigEntry(ctx, h, k, v)
	if err != nil {
		return err
	}
	if code != 0 {
		return marshal.CheckLastError(ctx, n, fmt.Sprintf("Can't set a session config entry: %s - %s.", key, value))
	}
	return nil
}

func allocPair(ctx context.Context, n ortwasm.Native, key, value string, allocs *marshal.AllocationList) (uint32, uint32, error) {
	k, err := marshal.AllocString(ctx, n, key, allocs)
	if err != nil {
		return 0, 0, err
	}
	v, err := marshal.AllocString(ctx, n, value, allocs)
	if err != nil {
		return 0, 0, err
	}
	return k, v, nil
}
