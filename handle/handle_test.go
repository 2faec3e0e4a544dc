package handle

import (
	"errors"
	"sync"
	"testing"

	errorskg "github.com/sweetpotato0/agentstep/errors"
)

func TestInsertGetRemove(t *testing.T) {
	table := NewTable[string]()

	h := table.Insert("agent")
	if h.IsNull() {
		t.Fatal("Insert returned the null handle")
	}
	got, err := table.Get(h)
	if err != nil || got != "agent" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	removed, err := table.Remove(h)
	if err != nil || removed != "agent" {
		t.Fatalf("Remove = %q, %v", removed, err)
	}
	if table.Len() != 0 {
		t.Fatalf("expected empty table, got %d", table.Len())
	}
}

func TestStaleHandles(t *testing.T) {
	table := NewTable[int]()
	first := table.Insert(1)
	if _, err := table.Remove(first); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	second := table.Insert(2)
	if first.index() != second.index() {
		t.Fatalf("expected slot reuse, got %s and %s", first, second)
	}

	tests := []struct {
		name string
		h    Handle
	}{
		{"released", first},
		{"null", Null},
		{"never issued", pack(42, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := table.Get(tt.h)
			if !errors.Is(err, errorskg.ErrStaleHandle) {
				t.Fatalf("expected ErrStaleHandle, got %v", err)
			}
		})
	}

	if _, err := table.Remove(first); !errors.Is(err, errorskg.ErrStaleHandle) {
		t.Errorf("double remove should fail, got %v", err)
	}
	if v, _ := table.Get(second); v != 2 {
		t.Errorf("stale remove disturbed the live value, got %d", v)
	}
}

func TestRemoveNullIsNoop(t *testing.T) {
	table := NewTable[int]()
	if _, err := table.Remove(Null); err != nil {
		t.Fatalf("Remove(Null) = %v", err)
	}
}

func TestDrain(t *testing.T) {
	table := NewTable[int]()
	a := table.Insert(1)
	table.Insert(2)
	if got := len(table.Drain()); got != 2 {
		t.Fatalf("expected 2 drained values, got %d", got)
	}
	if _, err := table.Get(a); !errors.Is(err, errorskg.ErrStaleHandle) {
		t.Errorf("drained handle should be stale, got %v", err)
	}
}

func TestConcurrentInsertRemove(t *testing.T) {
	table := NewTable[int]()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h := table.Insert(i*1000 + j)
				if v, err := table.Get(h); err != nil || v != i*1000+j {
					t.Errorf("Get(%s) = %d, %v", h, v, err)
					return
				}
				if _, err := table.Remove(h); err != nil {
					t.Errorf("Remove(%s): %v", h, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	if table.Len() != 0 {
		t.Fatalf("expected empty table, got %d", table.Len())
	}
}
