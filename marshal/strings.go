package marshal

import (
	"bytes"
	"context"
	"unicode/utf8"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/errors"
)

const stringChunk = 64

// AllocString copies text into a fresh NUL-terminated heap allocation and
// records it in allocs.
func AllocString(ctx context.Context, n ortwasm.Native, text string, allocs *AllocationList) (uint32, error) {
	size := uint32(len(text) + 1)
	ptr, err := n.Malloc(ctx, size)
	if err != nil {
		return 0, err
	}
	if ptr == 0 {
		return 0, errors.New(errors.PhaseEncode, errors.KindAllocation).
			Value(text).
			Detail("can't allocate string of %d bytes", size).
			Build()
	}
	allocs.Add(ptr, size)

	buf := make([]byte, size)
	copy(buf, text)
	if err := n.Memory().Write(ptr, buf); err != nil {
		return 0, errors.Wrap(errors.PhaseEncode, errors.KindOutOfBounds, err, "write string")
	}
	return ptr, nil
}

// ReadString decodes a NUL-terminated UTF-8 string at ptr. A positive max
// bounds the length when no terminator is found earlier. A zero ptr reads "".
func ReadString(mem ortwasm.Memory, ptr uint32, max int) (string, error) {
	if ptr == 0 {
		return "", nil
	}
	var buf []byte
	for max <= 0 || len(buf) < max {
		n := stringChunk
		if max > 0 && max-len(buf) < n {
			n = max - len(buf)
		}
		off := ptr + uint32(len(buf))
		chunk, err := mem.Read(off, uint32(n))
		if err != nil {
			// near the end of memory; fall back to single bytes
			b, err := mem.ReadU8(off)
			if err != nil {
				return "", errors.New(errors.PhaseDecode, errors.KindOutOfBounds).
					Value(off).
					Detail("unterminated string at %d", ptr).
					Build()
			}
			chunk = []byte{b}
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			buf = append(buf, chunk[:i]...)
			break
		}
		buf = append(buf, chunk...)
	}
	if !utf8.Valid(buf) {
		return "", errors.InvalidUTF8(errors.PhaseDecode, nil, buf)
	}
	return string(buf), nil
}

// CheckLastError reads the engine's last error and returns it decorated with
// message. It always returns a non-nil error.
func CheckLastError(ctx context.Context, n ortwasm.Native, message string) error {
	scope, err := Mark(ctx, n)
	if err != nil {
		return errors.Native(message, -1, err.Error())
	}
	defer scope.Restore()

	ptr, err := scope.Alloc(2 * ortwasm.PtrSize)
	if err != nil {
		return errors.Native(message, -1, err.Error())
	}
	if err := n.GetLastError(ctx, ptr, ptr+ortwasm.PtrSize); err != nil {
		return errors.Native(message, -1, err.Error())
	}
	mem := n.Memory()
	code, err := mem.ReadU32(ptr)
	if err != nil {
		return errors.Native(message, -1, err.Error())
	}
	msgPtr, err := mem.ReadU32(ptr + ortwasm.PtrSize)
	if err != nil {
		return errors.Native(message, int32(code), err.Error())
	}
	text, err := ReadString(mem, msgPtr, 0)
	if err != nil {
		text = err.Error()
	}
	return errors.Native(message, int32(code), text)
}
