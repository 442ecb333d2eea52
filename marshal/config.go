package marshal

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"

	"github.com/wippyai/ort-wasm/errors"
)

// Config is a nested configuration value: String, Number, Bool or Map.
type Config interface {
	isConfig()
}

type (
	String string
	Number float64
	Bool   bool
	Map    map[string]Config
)

func (String) isConfig() {}
func (Number) isConfig() {}
func (Bool) isConfig()   {}
func (Map) isConfig()    {}

// Flatten walks m in sorted key order and emits one (dotted.key, value) pair
// per leaf. Numbers render in their shortest form and bools as "1" or "0".
// A Map reached a second time, by a cycle or through another key, fails
// before recursing. seen may be nil.
func Flatten(m Map, prefix string, seen map[uintptr]bool, emit func(key, value string) error) error {
	if m == nil {
		return nil
	}
	if seen == nil {
		seen = make(map[uintptr]bool)
	}
	id := reflect.ValueOf(m).Pointer()
	if seen[id] {
		return errors.New(errors.PhaseValidate, errors.KindCircular).
			Path(prefix).
			Detail("circular reference in options").
			Build()
	}
	seen[id] = true

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		switch v := m[k].(type) {
		case Map:
			if err := Flatten(v, name, seen, emit); err != nil {
				return err
			}
		case String:
			if err := emit(name, string(v)); err != nil {
				return err
			}
		case Number:
			if err := emit(name, FormatNumber(float64(v))); err != nil {
				return err
			}
		case Bool:
			value := "0"
			if v {
				value = "1"
			}
			if err := emit(name, value); err != nil {
				return err
			}
		default:
			return errors.New(errors.PhaseValidate, errors.KindInvalidData).
				Path(name).
				Detail("can't handle extra config type: %T", v).
				Build()
		}
	}
	return nil
}

// FormatNumber renders v in its shortest round-trip form, without an exponent
// for integral values below 1e21.
func FormatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e21 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// FromValue converts decoded YAML/JSON data into a Config tree.
func FromValue(v any) (Config, error) {
	return fromValue(v, nil, make(map[uintptr]bool))
}

func fromValue(v any, path []string, seen map[uintptr]bool) (Config, error) {
	switch x := v.(type) {
	case Config:
		return x, nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case int:
		return Number(x), nil
	case int64:
		return Number(x), nil
	case uint64:
		return Number(x), nil
	case float64:
		return Number(x), nil
	case float32:
		return Number(x), nil
	case map[string]any:
		id := reflect.ValueOf(x).Pointer()
		if seen[id] {
			return nil, errors.New(errors.PhaseValidate, errors.KindCircular).
				Path(path...).
				Detail("circular reference in options").
				Build()
		}
		seen[id] = true
		out := make(Map, len(x))
		for k, item := range x {
			c, err := fromValue(item, append(path, k), seen)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	}
	return nil, errors.New(errors.PhaseValidate, errors.KindInvalidData).
		Path(path...).
		Detail("can't handle extra config type: %s", fmt.Sprintf("%T", v)).
		Build()
}
