package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wippyai/ort-wasm/backend"
	"github.com/wippyai/ort-wasm/dispatch"
	"github.com/wippyai/ort-wasm/options"
	"github.com/wippyai/ort-wasm/reference"
	"github.com/wippyai/ort-wasm/session"
	"github.com/wippyai/ort-wasm/tensor"
)

// feedFlags describe the input tensors of a run.
type feedFlags struct {
	inputs  []string
	typ     string
	dims    []string
	fetches []string
}

func (f *feedFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringArrayVar(&f.inputs, "input", nil, "Input NAME=v1,v2,... (repeatable)")
	fs.StringVar(&f.typ, "type", "", "Element type of every input (default: as declared by the model)")
	fs.StringArrayVar(&f.dims, "dims", nil, "Input dims NAME=d1,d2,... (repeatable)")
	fs.StringArrayVar(&f.fetches, "fetch", nil, "Output to fetch (repeatable, default all)")
}

// feeds builds one tensor per --input.
func (f *feedFlags) feeds(model *reference.Model) (map[string]*tensor.Tensor, error) {
	dims := make(map[string]string, len(f.dims))
	for _, kv := range f.dims {
		name, d, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("dims %q is not NAME=d1,d2,...", kv)
		}
		dims[name] = d
	}

	feeds := make(map[string]*tensor.Tensor, len(f.inputs))
	for _, kv := range f.inputs {
		name, values, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("input %q is not NAME=v1,v2,...", kv)
		}
		t, err := buildInput(model, name, values, f.typ, dims[name])
		if err != nil {
			return nil, err
		}
		feeds[name] = t
	}
	return feeds, nil
}

// buildInput parses values for the model input name. Names the model does
// not declare default to float32 and are rejected by the session.
func buildInput(model *reference.Model, name, values, typ, dims string) (*tensor.Tensor, error) {
	info := reference.ValueInfo{Name: name, Type: tensor.Float32.String()}
	for _, in := range model.Inputs {
		if in.Name == name {
			info = in
			break
		}
	}
	spec, err := specFor(info, typ, dims)
	if err != nil {
		return nil, fmt.Errorf("input %s: %w", name, err)
	}
	t, err := parseTensor(spec, values)
	if err != nil {
		return nil, fmt.Errorf("input %s: %w", name, err)
	}
	return t, nil
}

func newRunCmd(rt *runtimeFlags) *cobra.Command {
	sf := &sessionFlags{}
	ff := &feedFlags{}
	var (
		interactive bool
		tag         string
	)
	cmd := &cobra.Command{
		Use:   "run MODEL",
		Short: "Run a model once and print its outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if interactive || (len(ff.inputs) == 0 && term.IsTerminal(int(os.Stdout.Fd()))) {
				return runInteractive(cmd.Context(), rt, sf, args[0])
			}
			return runHandler(cmd.Context(), cmd.OutOrStdout(), rt, sf, ff, tag, args[0])
		},
	}
	sf.register(cmd)
	ff.register(cmd)
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Interactive mode with TUI")
	cmd.Flags().StringVar(&tag, "tag", "", "Run tag passed to the engine")
	return cmd
}

func runHandler(ctx context.Context, w io.Writer, rt *runtimeFlags, sf *sessionFlags, ff *feedFlags, tag, path string) error {
	data, model, err := readModel(path)
	if err != nil {
		return err
	}
	opts, err := sf.options()
	if err != nil {
		return err
	}
	feeds, err := ff.feeds(model)
	if err != nil {
		return err
	}

	be, err := rt.open(ctx)
	if err != nil {
		return err
	}
	defer be.Close(ctx)

	sess, err := openSession(ctx, be, sf, data, opts)
	if err != nil {
		return err
	}
	defer sess.Release(ctx)

	out, err := sess.Run(ctx, feeds, session.Names(ff.fetches...), &options.RunOptions{Tag: tag})
	if err != nil {
		return err
	}
	for _, name := range sess.OutputNames() {
		t, ok := out[name]
		if !ok {
			continue
		}
		s, err := formatTensor(ctx, t)
		if err != nil {
			return fmt.Errorf("output %s: %w", name, err)
		}
		fmt.Fprintf(w, "%s: %s\n", name, s)
	}

	if sf.profile {
		file, err := sess.EndProfiling(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "profile: %s\n", file)
	}
	return nil
}

func openSession(ctx context.Context, be dispatch.ComputeBackend, sf *sessionFlags, data []byte, opts *options.SessionOptions) (*session.Session, error) {
	if err := sf.prepare(ctx, be); err != nil {
		return nil, err
	}
	return session.Create(ctx, be, backend.FromBytes(data), opts)
}
