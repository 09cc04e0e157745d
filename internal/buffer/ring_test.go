// internal/buffer/ring_test.go
package buffer

import (
	"sync"
	"testing"
)

func TestRingBelowCapacity(t *testing.T) {
	r := NewRing[int](5)
	for i := 1; i <= 3; i++ {
		r.Push(i)
	}

	got := r.Items()
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("Items() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Items()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRingKeepsLastN(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		pushed   int
	}{
		{"exactly full", 100, 100},
		{"one over", 100, 101},
		{"many over", 100, 257},
		{"error sized", 50, 123},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRing[int](tt.capacity)
			for i := 0; i < tt.pushed; i++ {
				r.Push(i)
			}

			got := r.Items()
			if len(got) != tt.capacity {
				t.Fatalf("len = %d, want %d", len(got), tt.capacity)
			}
			first := tt.pushed - tt.capacity
			for i, v := range got {
				if v != first+i {
					t.Fatalf("Items()[%d] = %d, want %d", i, v, first+i)
				}
			}
			if r.Total() != int64(tt.pushed) {
				t.Errorf("Total() = %d, want %d", r.Total(), tt.pushed)
			}
		})
	}
}

func TestRingItemsIsCopy(t *testing.T) {
	r := NewRing[string](2)
	r.Push("a")

	items := r.Items()
	items[0] = "mutated"

	if r.Items()[0] != "a" {
		t.Error("Items() must not alias internal storage")
	}
}

func TestRingEmptyNotNil(t *testing.T) {
	r := NewRing[int](3)
	if r.Items() == nil {
		t.Error("Items() on empty ring returned nil")
	}
}

func TestRingReset(t *testing.T) {
	r := NewRing[int](2)
	r.Push(1)
	r.Push(2)
	r.Push(3)
	r.Reset()

	if r.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", r.Len())
	}
	r.Push(9)
	if got := r.Items(); len(got) != 1 || got[0] != 9 {
		t.Errorf("Items() after Reset+Push = %v, want [9]", got)
	}
}

func TestRingConcurrentPush(t *testing.T) {
	r := NewRing[int](100)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				r.Push(i)
			}
		}()
	}
	wg.Wait()

	if r.Len() != 100 {
		t.Errorf("Len() = %d, want 100", r.Len())
	}
	if r.Total() != 4000 {
		t.Errorf("Total() = %d, want 4000", r.Total())
	}
}
