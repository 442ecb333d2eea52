package resource

import (
	"errors"
	"sync"
)

var (
	ErrClosed        = errors.New("resource arena closed")
	ErrFull          = errors.New("resource arena full")
	ErrInvalidHandle = errors.New("invalid handle")
	ErrWrongKind     = errors.New("handle refers to a different resource kind")
)

// Handle packs an entry index and a generation:
// index+1 in the low IndexBits, generation in the remaining high bits.
type Handle uint32

const (
	IndexBits      = 20
	GenerationBits = 32 - IndexBits

	indexMask     = 1<<IndexBits - 1
	maxEntries    = indexMask
	generationMax = 1<<GenerationBits - 1
)

// Kind tags what an entry holds so that a tensor handle cannot be used as a session.
type Kind uint8

// Dropper is implemented by values that need cleanup when the arena closes.
type Dropper interface {
	Drop()
}

func makeHandle(index int, gen uint32) Handle {
	return Handle(gen<<IndexBits | uint32(index+1))
}

func (h Handle) index() int { return int(uint32(h)&indexMask) - 1 }

func (h Handle) generation() uint32 { return uint32(h) >> IndexBits }

// Arena stores values behind generation-checked handles. A released slot is
// reused with a bumped generation, so stale handles never resolve. Zero is
// never a valid handle.
type Arena struct {
	entries  []entry
	freeList []int
	live     map[Kind]int
	mu       sync.RWMutex
	closed   bool
}

type entry struct {
	value any
	gen   uint32
	kind  Kind
	valid bool
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{
		entries:  make([]entry, 0, 64),
		freeList: make([]int, 0, 16),
		live:     make(map[Kind]int),
	}
}

// Insert stores value and returns its handle.
func (a *Arena) Insert(kind Kind, value any) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrClosed
	}

	if n := len(a.freeList); n > 0 {
		idx := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		e := &a.entries[idx]
		e.value = value
		e.kind = kind
		e.valid = true
		a.live[kind]++
		return makeHandle(idx, e.gen), nil
	}

	if len(a.entries) >= maxEntries {
		return 0, ErrFull
	}
	a.entries = append(a.entries, entry{value: value, kind: kind, gen: 1, valid: true})
	a.live[kind]++
	return makeHandle(len(a.entries)-1, 1), nil
}

// Get resolves a handle of the given kind.
func (a *Arena) Get(kind Kind, h Handle) (any, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	e, err := a.lookup(h)
	if err != nil {
		return nil, err
	}
	if e.kind != kind {
		return nil, ErrWrongKind
	}
	return e.value, nil
}

// Remove invalidates a handle of the given kind and returns its value.
func (a *Arena) Remove(kind Kind, h Handle) (any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, err := a.lookup(h)
	if err != nil {
		return nil, err
	}
	if e.kind != kind {
		return nil, ErrWrongKind
	}

	value := e.value
	e.value = nil
	e.valid = false
	a.live[kind]--
	if e.gen == generationMax {
		// retire the slot rather than wrap to a generation a stale handle may hold
		return value, nil
	}
	e.gen++
	a.freeList = append(a.freeList, h.index())
	return value, nil
}

// Len returns the number of live entries of a kind.
func (a *Arena) Len(kind Kind) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.live[kind]
}

// Each calls fn for every live entry of a kind.
func (a *Arena) Each(kind Kind, fn func(h Handle, value any)) {
	a.mu.RLock()
	type item struct {
		h Handle
		v any
	}
	var items []item
	for i := range a.entries {
		e := &a.entries[i]
		if e.valid && e.kind == kind {
			items = append(items, item{makeHandle(i, e.gen), e.value})
		}
	}
	a.mu.RUnlock()

	for _, it := range items {
		fn(it.h, it.v)
	}
}

// Close drops every live value.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	for i := range a.entries {
		if a.entries[i].valid {
			if d, ok := a.entries[i].value.(Dropper); ok {
				d.Drop()
			}
		}
	}
	a.entries = nil
	a.freeList = nil
	a.live = make(map[Kind]int)
	return nil
}

func (a *Arena) lookup(h Handle) (*entry, error) {
	if a.closed {
		return nil, ErrClosed
	}
	idx := h.index()
	if h == 0 || idx < 0 || idx >= len(a.entries) {
		return nil, ErrInvalidHandle
	}
	e := &a.entries[idx]
	if !e.valid || e.gen != h.generation() {
		return nil, ErrInvalidHandle
	}
	return e, nil
}
