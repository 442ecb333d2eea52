package marshal_test

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wippyai/ort-wasm/errors"
	"github.com/wippyai/ort-wasm/marshal"
	"github.com/wippyai/ort-wasm/reference"
)

func newEngine(t *testing.T) *reference.Engine {
	t.Helper()
	eng := reference.New(reference.Config{})
	if code, err := eng.Init(context.Background(), 1, 2); err != nil || code != 0 {
		t.Fatalf("Init = %d, %v", code, err)
	}
	return eng
}

func TestAllocString_RoundTrip(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	allocs := marshal.NewAllocationList()

	tests := []string{"", "input_ids", "naïve ✓"}
	for _, text := range tests {
		ptr, err := marshal.AllocString(ctx, eng, text, allocs)
		if err != nil {
			t.Fatalf("AllocString(%q) failed: %v", text, err)
		}
		got, err := marshal.ReadString(eng.Memory(), ptr, 0)
		if err != nil {
			t.Fatalf("ReadString failed: %v", err)
		}
		if got != text {
			t.Errorf("ReadString = %q, want %q", got, text)
		}
	}

	if allocs.Count() != len(tests) {
		t.Errorf("Count = %d, want %d", allocs.Count(), len(tests))
	}
	allocs.FreeAndRelease(ctx, eng)
	if eng.Live() != 0 {
		t.Errorf("live allocations = %d after free", eng.Live())
	}
}

func TestAllocString_OutOfMemory(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	eng.FailNext("malloc", 1)

	allocs := marshal.NewAllocationList()
	defer allocs.FreeAndRelease(ctx, eng)
	_, err := marshal.AllocString(ctx, eng, "x", allocs)
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseEncode, Kind: errors.KindAllocation}) {
		t.Errorf("expected allocation error, got %v", err)
	}
	if allocs.Count() != 0 {
		t.Errorf("failed allocation recorded")
	}
}

func TestReadString_Bounded(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	ptr, _ := eng.Malloc(ctx, 8)
	defer eng.Free(ctx, ptr)
	if err := eng.Memory().Write(ptr, []byte("abcdefgh")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := marshal.ReadString(eng.Memory(), ptr, 3)
	if err != nil || got != "abc" {
		t.Errorf("ReadString = %q, %v", got, err)
	}
	if err := eng.Memory().Write(ptr, []byte{0xff, 0xfe, 0}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := marshal.ReadString(eng.Memory(), ptr, 0); err == nil {
		t.Error("expected invalid UTF-8 error")
	}
}

func TestScope_Restore(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	scope, err := marshal.Mark(ctx, eng)
	if err != nil {
		t.Fatalf("Mark failed: %v", err)
	}
	for range 4 {
		if _, err := scope.Alloc(20); err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}
	}
	if eng.StackDepth() == 0 {
		t.Fatal("stack did not grow")
	}
	scope.Restore()
	scope.Restore()
	if eng.StackDepth() != 0 {
		t.Errorf("depth = %d after restore", eng.StackDepth())
	}
	if _, err := scope.Alloc(4); err == nil {
		t.Error("expected error allocating from a restored scope")
	}
}

func TestCheckLastError(t *testing.T) {
	ctx := context.Background()
	eng := reference.New(reference.Config{})

	// not initialized, so the engine records a last error
	if h, _ := eng.CreateRunOptions(ctx, 2, 0, false, 0); h != 0 {
		t.Fatal("expected zero handle")
	}
	err := marshal.CheckLastError(ctx, eng, "can't create run options")
	if !stderrors.Is(err, errors.ErrNativeCall) {
		t.Fatalf("expected native call error, got %v", err)
	}
	msg := err.Error()
	for _, want := range []string{"can't create run options", "ERROR_CODE: 1", "not initialized"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
	if eng.StackDepth() != 0 {
		t.Errorf("stack depth = %d", eng.StackDepth())
	}
}

func TestFlatten(t *testing.T) {
	cfg := marshal.Map{
		"b": marshal.Number(1.5),
		"a": marshal.Map{
			"z": marshal.Bool(true),
			"y": marshal.String("text"),
		},
		"c": marshal.Number(1e21),
		"d": marshal.Bool(false),
		"e": marshal.Number(3),
	}
	type pair struct{ K, V string }
	var got []pair
	err := marshal.Flatten(cfg, "", nil, func(k, v string) error {
		got = append(got, pair{k, v})
		return nil
	})
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}
	want := []pair{
		{"a.y", "text"},
		{"a.z", "1"},
		{"b", "1.5"},
		{"c", "1e+21"},
		{"d", "0"},
		{"e", "3"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pairs mismatch (-want +got):\n%s", diff)
	}
}

func TestFlatten_Circular(t *testing.T) {
	inner := marshal.Map{"x": marshal.Number(1)}
	cfg := marshal.Map{"inner": inner}
	inner["back"] = cfg

	err := marshal.Flatten(cfg, "", nil, func(string, string) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "circular reference in options") {
		t.Errorf("expected circular reference error, got %v", err)
	}
}

func TestFlatten_SharedSubtree(t *testing.T) {
	shared := marshal.Map{"v": marshal.Number(1)}
	cfg := marshal.Map{"a": shared, "b": shared}

	var keys []string
	err := marshal.Flatten(cfg, "", nil, func(k, _ string) error {
		keys = append(keys, k)
		return nil
	})
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseValidate, Kind: errors.KindCircular}) {
		t.Fatalf("expected circular reference error, got %v", err)
	}
	var e *errors.Error
	if !stderrors.As(err, &e) {
		t.Fatalf("expected *errors.Error, got %T", err)
	}
	if diff := cmp.Diff([]string{"b"}, e.Path); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a.v"}, keys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestFlatten_EmitError(t *testing.T) {
	stop := stderrors.New("stop")
	calls := 0
	err := marshal.Flatten(marshal.Map{"a": marshal.Bool(true), "b": marshal.Bool(true)}, "p", nil, func(k, _ string) error {
		calls++
		if k != "p.a" {
			t.Errorf("unexpected key %q", k)
		}
		return stop
	})
	if !stderrors.Is(err, stop) || calls != 1 {
		t.Errorf("err = %v after %d calls", err, calls)
	}
}

func TestFromValue(t *testing.T) {
	cfg, err := marshal.FromValue(map[string]any{
		"session": map[string]any{"intra_op": 4, "name": "x"},
		"flag":    true,
	})
	if err != nil {
		t.Fatalf("FromValue failed: %v", err)
	}
	want := marshal.Map{
		"session": marshal.Map{"intra_op": marshal.Number(4), "name": marshal.String("x")},
		"flag":    marshal.Bool(true),
	}
	if diff := cmp.Diff(marshal.Config(want), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if _, err := marshal.FromValue([]int{1}); err == nil {
		t.Error("expected error for slice value")
	}

	shared := map[string]any{"v": 1}
	_, err = marshal.FromValue(map[string]any{"a": shared, "b": shared})
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseValidate, Kind: errors.KindCircular}) {
		t.Errorf("expected circular reference error for shared map, got %v", err)
	}
}
