// Package handle maps opaque integer handles to Go values for callers that
// cannot hold Go pointers. A handle packs a slot index with the slot's
// generation, so a released handle is detected instead of aliasing a newer
// value that reused its slot.
package handle

import (
	"fmt"
	"sync"

	errorskg "github.com/sweetpotato0/agentstep/errors"
)

// Handle identifies one live value in a Table. The zero Handle is null.
type Handle uint64

// Null is the handle that refers to nothing.
const Null Handle = 0

func pack(index, gen uint32) Handle {
	return Handle(uint64(index)<<32 | uint64(gen))
}

func (h Handle) index() uint32 { return uint32(h >> 32) }

func (h Handle) generation() uint32 { return uint32(h) }

// IsNull reports whether h is the null handle.
func (h Handle) IsNull() bool { return h == Null }

func (h Handle) String() string {
	if h.IsNull() {
		return "handle(null)"
	}
	return fmt.Sprintf("handle(%d@%d)", h.index(), h.generation())
}

type slot[T any] struct {
	gen   uint32
	live  bool
	value T
}

// Table stores values addressed by generation-tagged handles. It is safe
// for concurrent use.
type Table[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
	live  int
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{}
}

// Insert stores v and returns its handle. The returned handle is never Null.
func (t *Table[T]) Insert(v T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot[T]{})
		idx = uint32(len(t.slots) - 1)
	}

	s := &t.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.live = true
	s.value = v
	t.live++
	return pack(idx, s.gen)
}

// Get returns the value for h. Null, released and unknown handles fail with
// ErrStaleHandle.
func (t *Table[T]) Get(h Handle) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var zero T
	s, ok := t.lookup(h)
	if !ok {
		return zero, stale("handle_get", h)
	}
	return s.value, nil
}

// Remove releases h and returns the value it referred to. Removing Null is a
// no-op; removing a handle twice fails with ErrStaleHandle.
func (t *Table[T]) Remove(h Handle) (T, error) {
	var zero T
	if h.IsNull() {
		return zero, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.lookup(h)
	if !ok {
		return zero, stale("handle_remove", h)
	}
	v := s.value
	s.value = zero
	s.live = false
	t.free = append(t.free, h.index())
	t.live--
	return v, nil
}

// Len returns the number of live handles.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// Drain removes every live value and returns them.
func (t *Table[T]) Drain() []T {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	out := make([]T, 0, t.live)
	for i := range t.slots {
		s := &t.slots[i]
		if !s.live {
			continue
		}
		out = append(out, s.value)
		s.value = zero
		s.live = false
		t.free = append(t.free, uint32(i))
	}
	t.live = 0
	return out
}

// lookup requires t.mu to be held.
func (t *Table[T]) lookup(h Handle) (*slot[T], bool) {
	if h.IsNull() {
		return nil, false
	}
	idx := h.index()
	if int(idx) >= len(t.slots) {
		return nil, false
	}
	s := &t.slots[idx]
	if !s.live || s.gen != h.generation() {
		return nil, false
	}
	return s, true
}

func stale(op string, h Handle) error {
	return errorskg.New(errorskg.KindValidation, op, fmt.Errorf("%s: %w", h, errorskg.ErrStaleHandle))
}
