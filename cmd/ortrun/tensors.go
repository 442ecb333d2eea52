package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/wippyai/ort-wasm/reference"
	"github.com/wippyai/ort-wasm/tensor"
)

type number interface {
	float32 | float64 | int8 | uint8 | int16 | uint16 | int32 | uint32 | int64 | uint64
}

// inputSpec describes how to build the tensor for one model input.
type inputSpec struct {
	typ  tensor.ElementType
	dims tensor.Shape
}

// specFor derives the element type and dims of input info. A typ or dims
// flag value overrides what the model declares; free dimensions leave dims
// unset so the value count decides.
func specFor(info reference.ValueInfo, typ string, dims string) (inputSpec, error) {
	var spec inputSpec
	name := info.Type
	if typ != "" {
		name = typ
	}
	t, err := tensor.ParseElementType(name)
	if err != nil {
		return spec, err
	}
	spec.typ = t

	if dims != "" {
		shape, err := parseDims(dims)
		if err != nil {
			return spec, err
		}
		spec.dims = shape
		return spec, nil
	}
	shape := make(tensor.Shape, 0, len(info.Dims))
	for _, d := range info.Dims {
		if d.Symbol != "" {
			return spec, nil
		}
		shape = append(shape, d.Value)
	}
	if len(info.Dims) > 0 {
		spec.dims = shape
	}
	return spec, nil
}

func parseDims(s string) (tensor.Shape, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == 'x' })
	shape := make(tensor.Shape, len(fields))
	for i, f := range fields {
		d, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid dims %q: %w", s, err)
		}
		shape[i] = d
	}
	return shape, nil
}

// parseTensor builds a cpu tensor from comma separated values.
func parseTensor(spec inputSpec, text string) (*tensor.Tensor, error) {
	var fields []string
	if strings.TrimSpace(text) != "" {
		fields = strings.Split(text, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
	}
	shape := spec.dims
	if shape == nil {
		shape = tensor.NewShape(int64(len(fields)))
	}
	if shape.Size() != int64(len(fields)) {
		return nil, fmt.Errorf("%d values do not fill dims %s", len(fields), shape)
	}

	switch spec.typ {
	case tensor.String:
		return tensor.NewStrings(shape, fields)
	case tensor.Bool:
		vals := make([]bool, len(fields))
		for i, f := range fields {
			b, err := strconv.ParseBool(f)
			if err != nil {
				return nil, fmt.Errorf("invalid bool %q", f)
			}
			vals[i] = b
		}
		return tensor.FromSlice(shape, vals)
	case tensor.Float16:
		vals, err := parseNumbers[float32](fields, 32)
		if err != nil {
			return nil, err
		}
		return tensor.FromFloat16(shape, vals)
	case tensor.Float32:
		return numbers[float32](shape, fields, 32)
	case tensor.Float64:
		return numbers[float64](shape, fields, 64)
	case tensor.Int8:
		return numbers[int8](shape, fields, 8)
	case tensor.Uint8:
		return numbers[uint8](shape, fields, 8)
	case tensor.Int16:
		return numbers[int16](shape, fields, 16)
	case tensor.Uint16:
		return numbers[uint16](shape, fields, 16)
	case tensor.Int32:
		return numbers[int32](shape, fields, 32)
	case tensor.Uint32:
		return numbers[uint32](shape, fields, 32)
	case tensor.Int64:
		return numbers[int64](shape, fields, 64)
	case tensor.Uint64:
		return numbers[uint64](shape, fields, 64)
	}
	return nil, fmt.Errorf("unsupported input type %s", spec.typ)
}

func numbers[T number](shape tensor.Shape, fields []string, bits int) (*tensor.Tensor, error) {
	vals, err := parseNumbers[T](fields, bits)
	if err != nil {
		return nil, err
	}
	return tensor.FromSlice(shape, vals)
}

func parseNumbers[T number](fields []string, bits int) ([]T, error) {
	vals := make([]T, len(fields))
	for i, f := range fields {
		var zero T
		switch any(zero).(type) {
		case float32, float64:
			v, err := strconv.ParseFloat(f, bits)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", f)
			}
			vals[i] = T(v)
		case int8, int16, int32, int64:
			v, err := strconv.ParseInt(f, 10, bits)
			if err != nil {
				return nil, fmt.Errorf("invalid integer %q", f)
			}
			vals[i] = T(v)
		default:
			v, err := strconv.ParseUint(f, 10, bits)
			if err != nil {
				return nil, fmt.Errorf("invalid unsigned integer %q", f)
			}
			vals[i] = T(v)
		}
	}
	return vals, nil
}

// formatTensor renders t as "type[dims] values". Device tensors are
// downloaded and released.
func formatTensor(ctx context.Context, t *tensor.Tensor) (string, error) {
	loc := t.Location()
	if !loc.Host() {
		data, err := t.Data(ctx, true)
		if err != nil {
			return "", err
		}
		host, err := tensor.New(t.Type(), t.Shape(), data)
		if err != nil {
			return "", err
		}
		t = host
	}

	var vals any
	var err error
	switch t.Type() {
	case tensor.String:
		vals, err = t.Strings()
	case tensor.Float32, tensor.Float16:
		vals, err = tensor.Float32s(t)
	case tensor.Float64:
		vals, err = tensor.Values[float64](t)
	case tensor.Int8:
		vals, err = tensor.Values[int8](t)
	case tensor.Uint8:
		vals, err = tensor.Values[uint8](t)
	case tensor.Int16:
		vals, err = tensor.Values[int16](t)
	case tensor.Uint16:
		vals, err = tensor.Values[uint16](t)
	case tensor.Int32:
		vals, err = tensor.Values[int32](t)
	case tensor.Uint32:
		vals, err = tensor.Values[uint32](t)
	case tensor.Int64:
		vals, err = tensor.Values[int64](t)
	case tensor.Uint64:
		vals, err = tensor.Values[uint64](t)
	case tensor.Bool:
		vals, err = tensor.Values[bool](t)
	default:
		return "", fmt.Errorf("unsupported output type %s", t.Type())
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s (%s) %v", t.Type(), t.Shape(), loc, vals), nil
}

func formatDims(dims []reference.Dim) string {
	if len(dims) == 0 {
		return "-"
	}
	parts := make([]string, len(dims))
	for i, d := range dims {
		if d.Symbol != "" {
			parts[i] = d.Symbol
		} else {
			parts[i] = strconv.FormatInt(d.Value, 10)
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
