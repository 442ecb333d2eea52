package reference

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/ort-wasm/errors"
	"github.com/wippyai/ort-wasm/tensor"
)

// Model is a graph of elementwise nodes, serialized as YAML:
//
//	inputs:
//	  - {name: a, type: float32, dims: [batch, 3]}
//	  - {name: b, type: float32, dims: [batch, 3]}
//	outputs:
//	  - {name: c, type: float32}
//	nodes:
//	  - {op: Add, inputs: [a, b], output: c}
type Model struct {
	Inputs    []ValueInfo `yaml:"inputs"`
	Outputs   []ValueInfo `yaml:"outputs"`
	Constants []Constant  `yaml:"constants,omitempty"`
	Nodes     []Node      `yaml:"nodes"`
}

// ValueInfo declares a graph input or output.
type ValueInfo struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Dims []Dim  `yaml:"dims,omitempty"`
}

// Dim is a fixed dimension or a named free dimension.
type Dim struct {
	Value  int64
	Symbol string
}

func (d *Dim) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!int" {
		return node.Decode(&d.Value)
	}
	return node.Decode(&d.Symbol)
}

func (d Dim) MarshalYAML() (any, error) {
	if d.Symbol != "" {
		return d.Symbol, nil
	}
	return d.Value, nil
}

// Constant is an initializer, given inline or read from a mounted external data file.
type Constant struct {
	Name   string    `yaml:"name"`
	Type   string    `yaml:"type"`
	Dims   []int64   `yaml:"dims"`
	Values []float64 `yaml:"values,omitempty"`
	File   string    `yaml:"file,omitempty"`
	Offset int64     `yaml:"offset,omitempty"`
}

// Node applies Op to its inputs.
type Node struct {
	Op     string   `yaml:"op"`
	Inputs []string `yaml:"inputs"`
	Output string   `yaml:"output"`
}

var opArity = map[string]int{
	"Add":      2,
	"Sub":      2,
	"Mul":      2,
	"Identity": 1,
	"Fail":     -1,
}

// ParseModel decodes and validates a YAML model.
func ParseModel(data []byte) (*Model, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Model
	if err := dec.Decode(&m); err != nil {
		return nil, errors.ParseFailed("model", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Marshal encodes the model as YAML.
func (m *Model) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

func (m *Model) validate() error {
	invalid := func(format string, args ...any) error {
		return errors.New(errors.PhaseParse, errors.KindInvalidData).Detail(format, args...).Build()
	}
	if len(m.Outputs) == 0 {
		return invalid("model declares no outputs")
	}

	defined := make(map[string]bool)
	define := func(name, what string) error {
		if name == "" {
			return invalid("%s with empty name", what)
		}
		if defined[name] {
			return invalid("value %q defined twice", name)
		}
		defined[name] = true
		return nil
	}

	for _, in := range m.Inputs {
		if _, err := tensor.ParseElementType(in.Type); err != nil {
			return invalid("input %q: unknown type %q", in.Name, in.Type)
		}
		if err := define(in.Name, "input"); err != nil {
			return err
		}
	}
	for _, c := range m.Constants {
		typ, err := tensor.ParseElementType(c.Type)
		if err != nil || typ == tensor.String {
			return invalid("constant %q: unsupported type %q", c.Name, c.Type)
		}
		if (c.File == "") == (c.Values == nil) {
			return invalid("constant %q needs exactly one of values or file", c.Name)
		}
		if err := define(c.Name, "constant"); err != nil {
			return err
		}
	}
	for i, n := range m.Nodes {
		arity, ok := opArity[n.Op]
		if !ok {
			return invalid("node %d: unknown op %q", i, n.Op)
		}
		if arity >= 0 && len(n.Inputs) != arity {
			return invalid("node %d: %s takes %d inputs, got %d", i, n.Op, arity, len(n.Inputs))
		}
		for _, in := range n.Inputs {
			if !defined[in] {
				return invalid("node %d: input %q is not defined before use", i, in)
			}
		}
		if err := define(n.Output, fmt.Sprintf("node %d output", i)); err != nil {
			return err
		}
	}
	seen := make(map[string]bool)
	for _, out := range m.Outputs {
		if _, err := tensor.ParseElementType(out.Type); err != nil {
			return invalid("output %q: unknown type %q", out.Name, out.Type)
		}
		if !defined[out.Name] {
			return invalid("output %q is never produced", out.Name)
		}
		if seen[out.Name] {
			return invalid("output %q declared twice", out.Name)
		}
		seen[out.Name] = true
	}
	return nil
}

// value is an evaluated tensor.
type value struct {
	typ  tensor.ElementType
	dims []int64
	data []byte
	strs []string
}

func (v *value) elements() int64 {
	n := int64(1)
	for _, d := range v.dims {
		n *= d
	}
	return n
}

// loadConstants materializes initializers, reading file-backed ones from files.
func (m *Model) loadConstants(files map[string][]byte) (map[string]*value, error) {
	out := make(map[string]*value, len(m.Constants))
	for _, c := range m.Constants {
		typ, _ := tensor.ParseElementType(c.Type)
		v := &value{typ: typ, dims: append([]int64(nil), c.Dims...)}
		size := v.elements() * int64(typ.Size())
		if c.File != "" {
			data, ok := files[c.File]
			if !ok {
				return nil, engineError(codeNoSuchFile, "external data file not found: %s", c.File)
			}
			if c.Offset < 0 || c.Offset+size > int64(len(data)) {
				return nil, engineError(codeInvalidArgument, "external data %s too short for constant %s", c.File, c.Name)
			}
			v.data = append([]byte(nil), data[c.Offset:c.Offset+size]...)
		} else {
			if int64(len(c.Values)) != v.elements() {
				return nil, engineError(codeInvalidArgument, "constant %s has %d values, shape needs %d", c.Name, len(c.Values), v.elements())
			}
			v.data = encodeFloats(typ, c.Values)
		}
		out[c.Name] = v
	}
	return out, nil
}

// eval runs the graph and returns the requested values.
func (m *Model) eval(ctx context.Context, env map[string]*value, fetch []string, terminate func() bool) (map[string]*value, error) {
	for _, n := range m.Nodes {
		if err := ctx.Err(); err != nil {
			return nil, engineError(codeFail, "run canceled: %v", err)
		}
		if terminate() {
			return nil, engineError(codeFail, "Exiting due to terminate flag being set to true.")
		}
		args := make([]*value, len(n.Inputs))
		for i, name := range n.Inputs {
			args[i] = env[name]
		}
		out, err := apply(n.Op, args)
		if err != nil {
			return nil, err
		}
		env[n.Output] = out
	}

	result := make(map[string]*value, len(fetch))
	for _, name := range fetch {
		v, ok := env[name]
		if !ok {
			return nil, engineError(codeInvalidArgument, "Invalid output name: %s", name)
		}
		result[name] = v
	}
	return result, nil
}

func (m *Model) input(name string) (ValueInfo, bool) {
	for _, in := range m.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return ValueInfo{}, false
}

func (m *Model) output(name string) (ValueInfo, bool) {
	for _, out := range m.Outputs {
		if out.Name == name {
			return out, true
		}
	}
	return ValueInfo{}, false
}

// checkInput validates a fed value against its declaration.
func (m *Model) checkInput(info ValueInfo, v *value, overrides map[string]int64) error {
	typ, _ := tensor.ParseElementType(info.Type)
	if v.typ != typ {
		return engineError(codeInvalidArgument, "Unexpected input data type for %s. Actual: %s, expected: %s", info.Name, v.typ, typ)
	}
	if info.Dims == nil {
		return nil
	}
	if len(info.Dims) != len(v.dims) {
		return engineError(codeInvalidArgument, "Invalid rank for input: %s Got: %d Expected: %d", info.Name, len(v.dims), len(info.Dims))
	}
	for i, d := range info.Dims {
		want := d.Value
		if d.Symbol != "" {
			fixed, ok := overrides[d.Symbol]
			if !ok {
				continue
			}
			want = fixed
		}
		if v.dims[i] != want {
			return engineError(codeInvalidArgument, "Got invalid dimensions for input: %s for the following indices index: %d Got: %d Expected: %d", info.Name, i, v.dims[i], want)
		}
	}
	return nil
}

func encodeFloats(typ tensor.ElementType, values []float64) []byte {
	buf := make([]byte, 0, len(values)*typ.Size())
	for _, f := range values {
		buf = appendScalar(buf, typ, f)
	}
	return buf
}

func appendScalar(buf []byte, typ tensor.ElementType, f float64) []byte {
	le := binary.LittleEndian
	switch typ {
	case tensor.Float32:
		return le.AppendUint32(buf, float32bits(float32(f)))
	case tensor.Float64:
		return le.AppendUint64(buf, float64bits(f))
	case tensor.Float16:
		return le.AppendUint16(buf, float16bits(float32(f)))
	case tensor.Int8, tensor.Uint8:
		return append(buf, byte(int64(f)))
	case tensor.Bool:
		if f != 0 {
			return append(buf, 1)
		}
		return append(buf, 0)
	case tensor.Int16, tensor.Uint16:
		return le.AppendUint16(buf, uint16(int64(f)))
	case tensor.Int32, tensor.Uint32:
		return le.AppendUint32(buf, uint32(int64(f)))
	default:
		return le.AppendUint64(buf, uint64(int64(f)))
	}
}
