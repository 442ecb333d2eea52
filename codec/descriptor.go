package codec

import (
	"fmt"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/errors"
	"github.com/wippyai/ort-wasm/tensor"
)

// ExternalRef references a device-resident payload. Download and Dispose are
// set on decoded outputs and nil on encoded inputs.
type ExternalRef struct {
	Buffer   ortwasm.ExternalBuffer
	Download tensor.Downloader
	Dispose  tensor.Disposer
}

// Descriptor is the wire form of a tensor. A host payload (Data or Strings)
// and External are mutually exclusive.
type Descriptor struct {
	Type     tensor.ElementType
	Dims     tensor.Shape
	Data     []byte
	Strings  []string
	External *ExternalRef
	Location tensor.Location
}

// Elements returns the element count.
func (d *Descriptor) Elements() int64 {
	return d.Dims.Size()
}

// ByteLen returns the size of the payload in linear memory.
func (d *Descriptor) ByteLen() int64 {
	return d.Elements() * int64(d.Type.Size())
}

// Encode converts t into a descriptor. Host payloads are referenced, not
// copied. name is used in error messages.
func Encode(t *tensor.Tensor, name string) (*Descriptor, error) {
	d := &Descriptor{Type: t.Type(), Dims: t.Shape(), Location: t.Location()}
	switch {
	case d.Location.Host() && d.Type == tensor.String:
		strs, err := t.Strings()
		if err != nil {
			return nil, err
		}
		d.Strings = strs
	case d.Location.Host():
		data, err := t.Bytes()
		if err != nil {
			return nil, err
		}
		d.Data = data
	case d.Location == tensor.LocationGPUBuffer:
		buf, err := t.GPUBuffer()
		if err != nil {
			return nil, err
		}
		d.External = &ExternalRef{Buffer: buf}
	default:
		return nil, errors.New(errors.PhaseEncode, errors.KindUnsupported).
			Path(name).
			Value(d.Location).
			Detail("invalid data location: %s for input %q", d.Location, name).
			Build()
	}
	return d, nil
}

// Decode converts d into a host tensor. gpu-buffer descriptors keep their
// download and dispose callbacks.
func Decode(d *Descriptor) (*tensor.Tensor, error) {
	switch {
	case d.Location.Host() && d.Type == tensor.String:
		return tensor.NewStrings(d.Dims, d.Strings)
	case d.Location.Host():
		return tensor.New(d.Type, d.Dims, d.Data)
	case d.Location == tensor.LocationGPUBuffer:
		if !d.Type.DeviceTransferable() {
			return nil, unsupportedGPUType(d.Type)
		}
		if d.External == nil {
			return nil, errors.InvalidInput(errors.PhaseDecode, "gpu-buffer descriptor without external reference")
		}
		return tensor.FromGPUBuffer(d.Type, d.Dims, d.External.Buffer, d.External.Download, d.External.Dispose)
	}
	return nil, errors.New(errors.PhaseDecode, errors.KindUnsupported).
		Value(d.Location).
		Detail("invalid data location: %s", d.Location).
		Build()
}

func unsupportedGPUType(typ tensor.ElementType) error {
	return errors.Unsupported(errors.PhaseDecode, fmt.Sprintf("unsupported data type: %s for gpu-buffer output", typ))
}
