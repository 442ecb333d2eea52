package tensor

import (
	"github.com/wippyai/ort-wasm/errors"
)

// ElementType is the engine's numeric element type code.
type ElementType int32

const (
	Undefined ElementType = 0
	Float32   ElementType = 1
	Uint8     ElementType = 2
	Int8      ElementType = 3
	Uint16    ElementType = 4
	Int16     ElementType = 5
	Int32     ElementType = 6
	Int64     ElementType = 7
	String    ElementType = 8
	Bool      ElementType = 9
	Float16   ElementType = 10
	Float64   ElementType = 11
	Uint32    ElementType = 12
	Uint64    ElementType = 13
)

var typeNames = map[ElementType]string{
	Float32: "float32",
	Uint8:   "uint8",
	Int8:    "int8",
	Uint16:  "uint16",
	Int16:   "int16",
	Int32:   "int32",
	Int64:   "int64",
	String:  "string",
	Bool:    "bool",
	Float16: "float16",
	Float64: "float64",
	Uint32:  "uint32",
	Uint64:  "uint64",
}

// byte widths in linear memory; string elements are pointers
var typeSizes = map[ElementType]int{
	Float32: 4,
	Uint8:   1,
	Int8:    1,
	Uint16:  2,
	Int16:   2,
	Int32:   4,
	Int64:   8,
	String:  4,
	Bool:    1,
	Float16: 2,
	Float64: 8,
	Uint32:  4,
	Uint64:  8,
}

func (t ElementType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "undefined"
}

// Size returns the element width in bytes, 0 for unknown types.
func (t ElementType) Size() int {
	return typeSizes[t]
}

// Valid reports whether t is a known element type.
func (t ElementType) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// DeviceTransferable reports whether tensors of this type may live in a gpu-buffer.
func (t ElementType) DeviceTransferable() bool {
	switch t {
	case Float32, Float16, Int32, Int64, Uint32, Uint8, Bool:
		return true
	}
	return false
}

// ParseElementType resolves a type name such as "float32".
func ParseElementType(name string) (ElementType, error) {
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return Undefined, errors.InvalidEnum(errors.PhaseValidate, nil, name, "element type")
}

// Location is the engine's data location code.
type Location int32

const (
	LocationNone      Location = 0
	LocationCPU       Location = 1
	LocationCPUPinned Location = 2
	LocationTexture   Location = 3
	LocationGPUBuffer Location = 4
)

var locationNames = map[Location]string{
	LocationNone:      "none",
	LocationCPU:       "cpu",
	LocationCPUPinned: "cpu-pinned",
	LocationTexture:   "texture",
	LocationGPUBuffer: "gpu-buffer",
}

func (l Location) String() string {
	if name, ok := locationNames[l]; ok {
		return name
	}
	return "unknown"
}

// Host reports whether the payload lives in host memory.
func (l Location) Host() bool {
	return l == LocationCPU || l == LocationCPUPinned
}

// ParseLocation resolves a location name such as "gpu-buffer".
func ParseLocation(name string) (Location, error) {
	for l, n := range locationNames {
		if n == name {
			return l, nil
		}
	}
	return LocationNone, errors.InvalidEnum(errors.PhaseValidate, nil, name, "data location")
}
