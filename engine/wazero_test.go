package engine_test

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/tetratelabs/wazero"

	ortwasm "github.com/wippyai/ort-wasm"
	"github.com/wippyai/ort-wasm/engine"
	"github.com/wippyai/ort-wasm/errors"
	"github.com/wippyai/ort-wasm/reference"
)

// memoryOnly is a module exporting a single one-page memory and nothing else.
var memoryOnly = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x0a, 0x01, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
}

var empty = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// privateMemory defines a one-page memory without exporting it.
var privateMemory = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x05, 0x03, 0x01, 0x00, 0x01,
}

func bindReference(t *testing.T) (*engine.WazeroEngine, *reference.Engine) {
	t.Helper()
	ctx := context.Background()

	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = rt.Close(ctx) })

	ref := reference.New(reference.Config{})
	mod, err := reference.Instantiate(ctx, rt, ref)
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	we, err := engine.Bind(mod, &engine.Config{ExternalData: ref})
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	return we, ref
}

func ortParams() ortwasm.SessionOptionsParams {
	return ortwasm.SessionOptionsParams{GraphOptimizationLevel: 99, LogSeverityLevel: 2}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := &engine.Config{}
	if cfg.MemoryLimitPages != 0 {
		t.Errorf("expected default MemoryLimitPages 0, got %d", cfg.MemoryLimitPages)
	}
}

func TestLoad_MissingExports(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		wasm    []byte
		missing string
	}{
		{"no memory", empty, "memory"},
		{"memory not exported", privateMemory, "memory"},
		{"no functions", memoryOnly, engine.ExportMalloc},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Load(ctx, tc.wasm, &engine.Config{MemoryLimitPages: 16})
			if err == nil {
				t.Fatal("expected error")
			}
			if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseRuntime, Kind: errors.KindMissingExport}) {
				t.Fatalf("expected missing export error, got %v", err)
			}
			var e *errors.Error
			if !stderrors.As(err, &e) || e.Detail != `engine module does not export "`+tc.missing+`"` {
				t.Errorf("unexpected detail: %v", err)
			}
		})
	}
}

func TestLoad_InvalidModule(t *testing.T) {
	_, err := engine.Load(context.Background(), []byte("not wasm"), nil)
	if err == nil {
		t.Fatal("expected compile error")
	}
}

func TestLoad_ReferenceShim(t *testing.T) {
	ctx := context.Background()
	ref := reference.New(reference.Config{})

	we, err := engine.Load(ctx, reference.BuildShim(ref.Pages()), &engine.Config{
		Name:         "engine-under-test",
		ExternalData: ref,
		Imports: func(ctx context.Context, rt wazero.Runtime) error {
			_, err := reference.HostModule(ctx, rt, ref)
			return err
		},
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer we.Close(ctx)

	if err := ref.Attach(we.Memory()); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if we.Module().Name() != "engine-under-test" {
		t.Errorf("module name = %q", we.Module().Name())
	}
	code, err := we.Init(ctx, 1, 2)
	if err != nil || code != 0 {
		t.Fatalf("Init = %d, %v", code, err)
	}
}

func TestWazeroEngine_Allocator(t *testing.T) {
	ctx := context.Background()
	we, ref := bindReference(t)

	ptr, err := we.Malloc(ctx, 32)
	if err != nil {
		t.Fatalf("Malloc failed: %v", err)
	}
	if ptr == 0 {
		t.Fatal("Malloc returned 0")
	}
	if err := we.Memory().Write(ptr, []byte("shared")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := ref.Memory().Read(ptr, 6)
	if err != nil || string(got) != "shared" {
		t.Errorf("engine sees %q, %v", got, err)
	}
	if ref.Live() != 1 {
		t.Errorf("live = %d, want 1", ref.Live())
	}
	if err := we.Free(ctx, ptr); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if ref.Live() != 0 {
		t.Errorf("live = %d after free", ref.Live())
	}
}

func TestWazeroEngine_Stack(t *testing.T) {
	ctx := context.Background()
	we, ref := bindReference(t)

	mark, err := we.StackSave(ctx)
	if err != nil {
		t.Fatalf("StackSave failed: %v", err)
	}
	p, err := we.StackAlloc(ctx, 24)
	if err != nil {
		t.Fatalf("StackAlloc failed: %v", err)
	}
	if p >= mark || p%16 != 0 {
		t.Errorf("stack pointer %d not below mark %d or misaligned", p, mark)
	}
	if ref.StackDepth() != 32 {
		t.Errorf("depth = %d, want 32", ref.StackDepth())
	}
	if err := we.StackRestore(ctx, mark); err != nil {
		t.Fatalf("StackRestore failed: %v", err)
	}
	if ref.StackDepth() != 0 {
		t.Errorf("depth = %d after restore", ref.StackDepth())
	}
}

func TestWazeroEngine_Trap(t *testing.T) {
	ctx := context.Background()
	we, _ := bindReference(t)

	// restoring above the stack top fails inside the engine
	err := we.StackRestore(ctx, 0xFFFF_FFF0)
	if err == nil {
		t.Fatal("expected trap")
	}
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseRuntime, Kind: errors.KindTrap}) {
		t.Errorf("expected trap error, got %v", err)
	}
}

func TestWazeroEngine_LastError(t *testing.T) {
	ctx := context.Background()
	we, _ := bindReference(t)

	// creating options before Init fails with a recorded last error
	h, err := we.CreateSessionOptions(ctx, ortParams())
	if err != nil {
		t.Fatalf("CreateSessionOptions failed: %v", err)
	}
	if h != 0 {
		t.Fatalf("expected zero handle, got %d", h)
	}

	out, err := we.Malloc(ctx, 8)
	if err != nil || out == 0 {
		t.Fatalf("Malloc = %d, %v", out, err)
	}
	defer we.Free(ctx, out)
	if err := we.GetLastError(ctx, out, out+4); err != nil {
		t.Fatalf("GetLastError failed: %v", err)
	}
	code, _ := we.Memory().ReadU32(out)
	msgPtr, _ := we.Memory().ReadU32(out + 4)
	if code == 0 || msgPtr == 0 {
		t.Errorf("code = %d, message = %d", code, msgPtr)
	}
}

func TestWazeroEngine_ExternalData(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	ref := reference.New(reference.Config{})
	mod, err := reference.Instantiate(ctx, rt, ref)
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	we, err := engine.Bind(mod, nil)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	if err := we.MountExternalData("weights.bin", []byte{1, 2, 3}); err != nil {
		t.Fatalf("MountExternalData failed: %v", err)
	}
	if data, ok := we.ExternalData("weights.bin"); !ok || len(data) != 3 {
		t.Errorf("ExternalData = %v, %v", data, ok)
	}
	we.UnmountExternalData()
	if _, ok := we.ExternalData("weights.bin"); ok {
		t.Error("file still mounted after unmount")
	}
	if err := we.MountExternalData("", nil); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestWazeroMemory_OffsetOf(t *testing.T) {
	we, _ := bindReference(t)
	mem := we.Memory().(*engine.WazeroMemory)

	view, err := mem.Read(2048, 16)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	off, ok := mem.OffsetOf(view)
	if !ok || off != 2048 {
		t.Errorf("OffsetOf(view) = %d, %v", off, ok)
	}
	if _, ok := mem.OffsetOf(make([]byte, 16)); ok {
		t.Error("foreign slice reported as aliasing memory")
	}
	if _, err := mem.ReadU32(mem.Size()); err == nil {
		t.Error("expected out of bounds read")
	}
}
