package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/ort-wasm/backend"
	"github.com/wippyai/ort-wasm/codec"
	"github.com/wippyai/ort-wasm/dispatch"
	"github.com/wippyai/ort-wasm/engine"
	"github.com/wippyai/ort-wasm/marshal"
	"github.com/wippyai/ort-wasm/options"
	"github.com/wippyai/ort-wasm/reference"
)

// runtimeFlags select and configure the compute backend.
type runtimeFlags struct {
	worker   bool
	wazero   bool
	pages    uint32
	threads  int32
	logLevel string
	verbose  bool
}

func (f *runtimeFlags) register(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.BoolVar(&f.worker, "worker", false, "Run the engine on a dedicated worker goroutine")
	fs.BoolVar(&f.wazero, "wazero", false, "Host the engine entry points in a wazero module")
	fs.Uint32Var(&f.pages, "memory-pages", 0, "Engine linear memory in 64 KiB pages (default 16)")
	fs.Int32Var(&f.threads, "threads", 0, "Engine thread count")
	fs.StringVar(&f.logLevel, "log-level", backend.LogWarning, "Engine logging level (verbose, info, warning, error, fatal)")
	fs.BoolVar(&f.verbose, "verbose", false, "Log backend activity to stderr")
}

func (f *runtimeFlags) logger() (*zap.Logger, error) {
	if !f.verbose {
		return zap.NewNop(), nil
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	for _, set := range []func(*zap.Logger){
		backend.SetLogger,
		codec.SetLogger,
		dispatch.SetLogger,
		engine.SetLogger,
		marshal.SetLogger,
		options.SetLogger,
	} {
		set(l)
	}
	return l, nil
}

// factory builds one reference engine per runtime context, optionally
// behind the wazero binding.
func (f *runtimeFlags) factory(logger *zap.Logger) dispatch.Factory {
	return func(ctx context.Context) (*backend.Context, error) {
		ref := reference.New(reference.Config{MemoryPages: f.pages, Logger: logger})
		if !f.wazero {
			return backend.New(backend.Config{
				Native: ref,
				Device: ref.Device(),
				Logger: logger,
				Close:  func(context.Context) error { return ref.Close() },
			})
		}

		we, err := engine.Load(ctx, reference.BuildShim(ref.Pages()), &engine.Config{
			MemoryLimitPages: ref.Pages(),
			ExternalData:     ref,
			Imports: func(ctx context.Context, rt wazero.Runtime) error {
				_, err := reference.HostModule(ctx, rt, ref)
				return err
			},
		})
		if err != nil {
			return nil, err
		}
		if err := ref.Attach(we.Memory()); err != nil {
			_ = we.Close(ctx)
			return nil, err
		}
		return backend.New(backend.Config{
			Native: we,
			Device: ref.Device(),
			Logger: logger,
			Close: func(ctx context.Context) error {
				err := we.Close(ctx)
				if rerr := ref.Close(); err == nil {
					err = rerr
				}
				return err
			},
		})
	}
}

// open creates and initializes the selected backend.
func (f *runtimeFlags) open(ctx context.Context) (dispatch.ComputeBackend, error) {
	logger, err := f.logger()
	if err != nil {
		return nil, err
	}
	var be dispatch.ComputeBackend
	if f.worker {
		be = dispatch.NewWorker(dispatch.WorkerConfig{Factory: f.factory(logger), Logger: logger})
	} else {
		be = dispatch.NewInProcess(f.factory(logger), logger)
	}
	if err := be.Init(ctx, backend.Env{NumThreads: f.threads, LogLevel: f.logLevel}); err != nil {
		_ = be.Close(ctx)
		return nil, err
	}
	return be, nil
}

// sessionFlags build the session options shared by every command that
// creates a session.
type sessionFlags struct {
	ep        string
	optLevel  string
	profile   bool
	external  []string
	overrides []string
	outputLoc string
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.ep, "ep", "", "Execution provider (cpu, webgpu, webnn)")
	fs.StringVar(&f.optLevel, "opt-level", "", "Graph optimization level (disabled, basic, extended, all)")
	fs.BoolVar(&f.profile, "profile", false, "Enable profiling and print the profile file name")
	fs.StringArrayVar(&f.external, "external", nil, "External data file referenced by the model (repeatable)")
	fs.StringArrayVar(&f.overrides, "free-dim", nil, "Free dimension override NAME=VALUE (repeatable)")
	fs.StringVar(&f.outputLoc, "output-location", "", "Preferred output location (cpu, gpu-buffer)")
}

func (f *sessionFlags) options() (*options.SessionOptions, error) {
	o := &options.SessionOptions{
		GraphOptimizationLevel:  f.optLevel,
		EnableProfiling:         f.profile,
		PreferredOutputLocation: f.outputLoc,
	}
	if f.ep != "" {
		o.ExecutionProviders = []options.ExecutionProvider{{Name: f.ep}}
	}
	for _, path := range f.external {
		o.ExternalData = append(o.ExternalData, options.ExternalData{Path: path})
	}
	for _, kv := range f.overrides {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("free dimension override %q is not NAME=VALUE", kv)
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("free dimension override %q: %w", kv, err)
		}
		if o.FreeDimensionOverrides == nil {
			o.FreeDimensionOverrides = make(map[string]int64)
		}
		o.FreeDimensionOverrides[name] = n
	}
	return o, nil
}

// prepare readies the device for the selected provider.
func (f *sessionFlags) prepare(ctx context.Context, be dispatch.ComputeBackend) error {
	if f.ep == "" {
		return nil
	}
	return be.InitEP(ctx, f.ep)
}

func readModel(path string) ([]byte, *reference.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read model: %w", err)
	}
	model, err := reference.ParseModel(data)
	if err != nil {
		return nil, nil, err
	}
	return data, model, nil
}
