package backend

import (
	"context"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/errors"
)

type sourceKind uint8

const (
	sourceBytes sourceKind = iota + 1
	sourceRegion
	sourcePath
)

// ModelSource is where CreateSession takes the model from.
type ModelSource struct {
	kind   sourceKind
	bytes  []byte
	region Region
	path   string
}

// FromBytes uses a model held in host memory. Bytes that are a view into
// the engine's linear memory are used in place.
func FromBytes(b []byte) ModelSource {
	return ModelSource{kind: sourceBytes, bytes: b}
}

// FromRegion uses a model already copied into linear memory, such as the
// result of CopyFromExternalBuffer. CreateSession frees the region.
func FromRegion(r Region) ModelSource {
	return ModelSource{kind: sourceRegion, region: r}
}

// FromPath loads the model through the context's Loader.
func FromPath(path string) ModelSource {
	return ModelSource{kind: sourcePath, path: path}
}

// Bytes returns the host bytes of a FromBytes source.
func (s ModelSource) Bytes() ([]byte, bool) {
	return s.bytes, s.kind == sourceBytes
}

// Path returns the path of a FromPath source.
func (s ModelSource) Path() (string, bool) {
	return s.path, s.kind == sourcePath
}

// Region returns the region of a FromRegion source.
func (s ModelSource) Region() (Region, bool) {
	return s.region, s.kind == sourceRegion
}

// modelData is a model placed in linear memory. owned regions are freed
// once the session create call returns.
type modelData struct {
	Region
	owned bool
}

func (c *Context) placeModel(ctx context.Context, src ModelSource) (modelData, error) {
	switch src.kind {
	case sourceRegion:
		if src.region.Length == 0 {
			return modelData{}, errEmptyModel()
		}
		return modelData{Region: src.region, owned: true}, nil

	case sourceBytes:
		if len(src.bytes) == 0 {
			return modelData{}, errEmptyModel()
		}
		if a, ok := c.native.Memory().(ortwasm.Aliaser); ok {
			if off, ok := a.OffsetOf(src.bytes); ok {
				return modelData{Region: Region{Offset: off, Length: uint32(len(src.bytes))}}, nil
			}
		}
		r, err := c.copyIn(ctx, src.bytes)
		if err != nil {
			return modelData{}, err
		}
		return modelData{Region: r, owned: true}, nil

	case sourcePath:
		data, err := c.loader.Load(ctx, src.path)
		if err != nil {
			return modelData{}, err
		}
		if len(data) == 0 {
			return modelData{}, errEmptyModel()
		}
		r, err := c.copyIn(ctx, data)
		if err != nil {
			return modelData{}, err
		}
		return modelData{Region: r, owned: true}, nil
	}
	return modelData{}, errors.InvalidInput(errors.PhaseValidate, "model source is not set")
}

func errEmptyModel() error {
	return errors.InvalidInput(errors.PhaseValidate, "model data is empty")
}
