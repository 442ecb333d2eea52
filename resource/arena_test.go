package resource

import (
	"errors"
	"sync"
	"testing"
)

const (
	kindA Kind = iota + 1
	kindB
)

type dropCounter struct{ n *int }

func (d dropCounter) Drop() { *d.n++ }

func TestArena_Basic(t *testing.T) {
	a := NewArena()

	h, err := a.Insert(kindA, "test value")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if h == 0 {
		t.Fatal("Expected non-zero handle")
	}

	val, err := a.Get(kindA, h)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "test value" {
		t.Fatalf("Expected 'test value', got %v", val)
	}
	if a.Len(kindA) != 1 {
		t.Fatalf("Len = %d, want 1", a.Len(kindA))
	}

	val, err = a.Remove(kindA, h)
	if err != nil || val != "test value" {
		t.Fatalf("Remove = %v, %v", val, err)
	}
	if _, err := a.Get(kindA, h); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("Get after Remove = %v, want ErrInvalidHandle", err)
	}
	if _, err := a.Remove(kindA, h); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("double Remove = %v, want ErrInvalidHandle", err)
	}
	if a.Len(kindA) != 0 {
		t.Fatalf("Len = %d, want 0", a.Len(kindA))
	}
}

func TestArena_StaleHandle(t *testing.T) {
	a := NewArena()

	old, _ := a.Insert(kindA, 1)
	if _, err := a.Remove(kindA, old); err != nil {
		t.Fatal(err)
	}
	fresh, _ := a.Insert(kindA, 2)

	if fresh.index() != old.index() {
		t.Fatalf("slot not reused: old=%d fresh=%d", old.index(), fresh.index())
	}
	if fresh == old {
		t.Fatal("reused slot must carry a new generation")
	}
	if _, err := a.Get(kindA, old); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("stale handle resolved: %v", err)
	}
	if v, err := a.Get(kindA, fresh); err != nil || v != 2 {
		t.Fatalf("Get(fresh) = %v, %v", v, err)
	}
}

func TestArena_WrongKind(t *testing.T) {
	a := NewArena()
	h, _ := a.Insert(kindA, "x")

	if _, err := a.Get(kindB, h); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("Get with wrong kind = %v", err)
	}
	if _, err := a.Remove(kindB, h); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("Remove with wrong kind = %v", err)
	}
	if _, err := a.Get(kindA, h); err != nil {
		t.Fatalf("entry should survive a wrong-kind remove: %v", err)
	}
}

func TestArena_InvalidHandles(t *testing.T) {
	a := NewArena()
	for _, h := range []Handle{0, 1, makeHandle(5, 1), Handle(0xFFFFFFFF)} {
		if _, err := a.Get(kindA, h); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("Get(%#x) = %v, want ErrInvalidHandle", uint32(h), err)
		}
	}
}

func TestArena_Each(t *testing.T) {
	a := NewArena()
	a.Insert(kindA, 1)
	a.Insert(kindB, 2)
	a.Insert(kindA, 3)

	sum := 0
	a.Each(kindA, func(h Handle, v any) { sum += v.(int) })
	if sum != 4 {
		t.Errorf("sum = %d, want 4", sum)
	}
}

func TestArena_Close(t *testing.T) {
	a := NewArena()
	drops := 0
	a.Insert(kindA, dropCounter{&drops})
	a.Insert(kindA, dropCounter{&drops})
	h, _ := a.Insert(kindA, dropCounter{&drops})
	a.Remove(kindA, h)

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if drops != 2 {
		t.Errorf("drops = %d, want 2", drops)
	}
	if _, err := a.Insert(kindA, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Insert after Close = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestArena_Concurrent(t *testing.T) {
	a := NewArena()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				h, err := a.Insert(kindA, j)
				if err != nil {
					t.Error(err)
					return
				}
				if _, err := a.Remove(kindA, h); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if a.Len(kindA) != 0 {
		t.Errorf("Len = %d, want 0", a.Len(kindA))
	}
}
