package buffer

import (
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNewRing(t *testing.T) {
	r := NewRing[int](100)
	if r.Cap() != 100 {
		t.Errorf("expected capacity 100, got %d", r.Cap())
	}
	if r.Len() != 0 {
		t.Errorf("expected length 0, got %d", r.Len())
	}

	// Test with zero capacity (should default to 1)
	r = NewRing[int](0)
	if r.Cap() != 1 {
		t.Errorf("expected capacity 1 for zero input, got %d", r.Cap())
	}

	r = NewRing[int](-5)
	if r.Cap() != 1 {
		t.Errorf("expected capacity 1 for negative input, got %d", r.Cap())
	}
}

func TestRing_Push(t *testing.T) {
	r := NewRing[string](3)

	if dropped := r.Push("a", "b"); dropped != 0 {
		t.Errorf("expected no drops, got %d", dropped)
	}
	if dropped := r.Push("c"); dropped != 0 {
		t.Errorf("expected no drops, got %d", dropped)
	}

	got := r.Snapshot()
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRing_PushOverflow(t *testing.T) {
	r := NewRing[string](3)
	r.Push("a", "b", "c")

	if dropped := r.Push("d", "e"); dropped != 2 {
		t.Errorf("expected 2 drops, got %d", dropped)
	}

	got := r.Snapshot()
	want := []string{"c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRing_PushEmpty(t *testing.T) {
	r := NewRing[int](2)
	r.Push(1)

	if dropped := r.Push(); dropped != 0 {
		t.Errorf("expected 0 drops, got %d", dropped)
	}
	if r.Len() != 1 {
		t.Errorf("expected length 1, got %d", r.Len())
	}
}

func TestRing_SnapshotIsCopy(t *testing.T) {
	r := NewRing[int](4)

	empty := r.Snapshot()
	if empty == nil || len(empty) != 0 {
		t.Errorf("expected empty non-nil snapshot, got %v", empty)
	}

	r.Push(1, 2)
	snap := r.Snapshot()
	snap[0] = 99

	if again := r.Snapshot(); again[0] != 1 {
		t.Errorf("Snapshot should return a copy, got %v", again)
	}
}

func TestRing_Clear(t *testing.T) {
	r := NewRing[int](4)
	r.Push(1, 2, 3)
	r.Clear()

	if r.Len() != 0 {
		t.Errorf("expected length 0 after clear, got %d", r.Len())
	}
	r.Push(4)
	if got := r.Snapshot(); len(got) != 1 || got[0] != 4 {
		t.Errorf("expected [4] after clear and push, got %v", got)
	}
}

func TestRing_ConcurrentPush(t *testing.T) {
	r := NewRing[int](50)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Push(base*100 + j)
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != 50 {
		t.Errorf("expected length 50, got %d", r.Len())
	}
}

// A ring never holds more than its capacity and always holds the most recent
// suffix of everything pushed.
func TestRingBoundedSuffixProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("ring keeps the newest items in order", prop.ForAll(
		func(capacity int, values []int) bool {
			r := NewRing[int](capacity)
			for _, v := range values {
				r.Push(v)
			}

			got := r.Snapshot()
			if len(got) > capacity {
				return false
			}

			expectedLen := len(values)
			if expectedLen > capacity {
				expectedLen = capacity
			}
			if len(got) != expectedLen {
				return false
			}

			suffix := values[len(values)-expectedLen:]
			for i := range suffix {
				if got[i] != suffix[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 120),
		gen.SliceOf(gen.Int()),
	))

	properties.TestingRun(t)
}
