package tensor

import (
	"fmt"

	"github.com/wippyai/ort-wasm/errors"
)

// Shape holds tensor dimensions. A rank-0 shape is a scalar with one element;
// a zero dimension makes an empty tensor.
type Shape []int64

// NewShape returns a Shape with the given dimensions.
func NewShape(dims ...int64) Shape {
	return Shape(dims)
}

// Size returns the number of elements. Call Validate first for untrusted shapes.
func (s Shape) Size() int64 {
	n := int64(1)
	for _, d := range s {
		n *= d
	}
	return n
}

// Validate rejects negative dimensions and element counts that overflow.
func (s Shape) Validate() error {
	n := int64(1)
	for i, d := range s {
		if d < 0 {
			return errors.New(errors.PhaseValidate, errors.KindInvalidInput).
				Path("dims", fmt.Sprint(i)).
				Value(d).
				Detail("dimension %d is negative: %d", i, d).
				Build()
		}
		if d != 0 && n > (1<<53)/d {
			return errors.New(errors.PhaseValidate, errors.KindInvalidInput).
				Detail("shape %v overflows element count", []int64(s)).
				Build()
		}
		n *= d
	}
	return nil
}

// Clone returns a deep copy.
func (s Shape) Clone() Shape {
	c := make(Shape, len(s))
	copy(c, s)
	return c
}

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

// Equals reports whether both shapes match in every dimension.
func (s Shape) Equals(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}
