package tensor

import (
	"encoding/binary"

	"github.com/x448/float16"

	"github.com/wippyai/ort-wasm/errors"
)

// FromFloat16 encodes float32 values as a float16 cpu tensor.
func FromFloat16(shape Shape, values []float32) (*Tensor, error) {
	data := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(data[2*i:], float16.Fromfloat32(v).Bits())
	}
	return New(Float16, shape, data)
}

// Float32s decodes a float32 or float16 cpu tensor into float32 values.
func Float32s(t *Tensor) ([]float32, error) {
	switch t.Type() {
	case Float32:
		return Values[float32](t)
	case Float16:
		data, err := t.Bytes()
		if err != nil {
			return nil, err
		}
		out := make([]float32, len(data)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
		}
		return out, nil
	}
	return nil, errors.New(errors.PhaseDecode, errors.KindTypeMismatch).
		Detail("tensor type is %s, not a float type", t.Type()).
		Build()
}
