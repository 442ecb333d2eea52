package reference

import (
	"github.com/tetratelabs/wazero/api"
)

// HostModuleName is the module the shim imports the engine entry points from.
const HostModuleName = "ort"

// BuildShim generates a core wasm module that defines a linear memory of
// pages pages, exports it as "memory", and re-exports every engine entry
// point imported from HostModuleName under the same name.
func BuildShim(pages uint32) []byte {
	var wasm []byte

	wasm = append(wasm, 0x00, 0x61, 0x73, 0x6d)
	wasm = append(wasm, 0x01, 0x00, 0x00, 0x00)

	wasm = appendSection(wasm, 0x01, shimTypeSection())
	wasm = appendSection(wasm, 0x02, shimImportSection())
	wasm = appendSection(wasm, 0x03, shimFuncSection())
	wasm = appendSection(wasm, 0x05, shimMemorySection(pages))
	wasm = appendSection(wasm, 0x07, shimExportSection())
	wasm = appendSection(wasm, 0x0a, shimCodeSection())
	return wasm
}

func appendSection(wasm []byte, id byte, section []byte) []byte {
	wasm = append(wasm, id)
	wasm = append(wasm, encodeULEB128(uint32(len(section)))...)
	return append(wasm, section...)
}

func appendName(section []byte, name string) []byte {
	section = append(section, encodeULEB128(uint32(len(name)))...)
	return append(section, name...)
}

// one type per entry, type index == import index
func shimTypeSection() []byte {
	section := encodeULEB128(uint32(len(entries)))
	for _, ent := range entries {
		section = append(section, 0x60)
		section = append(section, encodeULEB128(uint32(len(ent.params)))...)
		for _, t := range ent.params {
			section = append(section, valType(t))
		}
		section = append(section, encodeULEB128(uint32(len(ent.results)))...)
		for _, t := range ent.results {
			section = append(section, valType(t))
		}
	}
	return section
}

func shimImportSection() []byte {
	section := encodeULEB128(uint32(len(entries)))
	for i, ent := range entries {
		section = appendName(section, HostModuleName)
		section = appendName(section, ent.name)
		section = append(section, 0x00)
		section = append(section, encodeULEB128(uint32(i))...)
	}
	return section
}

func shimFuncSection() []byte {
	section := encodeULEB128(uint32(len(entries)))
	for i := range entries {
		section = append(section, encodeULEB128(uint32(i))...)
	}
	return section
}

func shimMemorySection(pages uint32) []byte {
	section := []byte{0x01, 0x01}
	section = append(section, encodeULEB128(pages)...)
	return append(section, encodeULEB128(pages)...)
}

func shimExportSection() []byte {
	section := encodeULEB128(uint32(len(entries) + 1))
	section = appendName(section, "memory")
	section = append(section, 0x02, 0x00)

	// defined functions follow the imported ones in the function index space
	for i, ent := range entries {
		section = appendName(section, ent.name)
		section = append(section, 0x00)
		section = append(section, encodeULEB128(uint32(len(entries)+i))...)
	}
	return section
}

func shimCodeSection() []byte {
	section := encodeULEB128(uint32(len(entries)))
	for i, ent := range entries {
		body := []byte{0x00}
		for p := range ent.params {
			body = append(body, 0x20)
			body = append(body, encodeULEB128(uint32(p))...)
		}
		body = append(body, 0x10)
		body = append(body, encodeULEB128(uint32(i))...)
		body = append(body, 0x0b)

		section = append(section, encodeULEB128(uint32(len(body)))...)
		section = append(section, body...)
	}
	return section
}

func encodeULEB128(v uint32) []byte {
	var result []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		result = append(result, b)
		if v == 0 {
			return result
		}
	}
}

func valType(t api.ValueType) byte {
	switch t {
	case api.ValueTypeI64:
		return 0x7e
	case api.ValueTypeF32:
		return 0x7d
	case api.ValueTypeF64:
		return 0x7c
	default:
		return 0x7f
	}
}
