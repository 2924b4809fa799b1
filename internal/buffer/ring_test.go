package buffer

import (
	"reflect"
	"testing"
)

func TestRingKeepsNewestEntries(t *testing.T) {
	ring := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		ring.Add(i)
	}

	if got := ring.List(); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Fatalf("expected [3 4 5], got %v", got)
	}
	if ring.Len() != 3 {
		t.Fatalf("expected len 3, got %d", ring.Len())
	}
}

func TestRingAddReportsEviction(t *testing.T) {
	ring := NewRing[string](1)
	if ring.Add("a") {
		t.Fatalf("expected no eviction on first add")
	}
	if !ring.Add("b") {
		t.Fatalf("expected eviction once full")
	}
}

func TestRingTail(t *testing.T) {
	ring := NewRing[int](4)
	for i := 1; i <= 6; i++ {
		ring.Add(i)
	}

	if got := ring.Tail(2); !reflect.DeepEqual(got, []int{5, 6}) {
		t.Fatalf("expected [5 6], got %v", got)
	}
	if got := ring.Tail(10); !reflect.DeepEqual(got, []int{3, 4, 5, 6}) {
		t.Fatalf("expected full list, got %v", got)
	}
}

func TestRingReset(t *testing.T) {
	ring := NewRing[int](2)
	ring.Add(1)
	ring.Reset()
	if ring.Len() != 0 || ring.List() != nil {
		t.Fatalf("expected empty ring after reset")
	}
	ring.Add(7)
	if got := ring.List(); !reflect.DeepEqual(got, []int{7}) {
		t.Fatalf("expected [7], got %v", got)
	}
}

func TestNilRingIsSafe(t *testing.T) {
	var ring *Ring[int]
	ring.Add(1)
	if ring.Len() != 0 || ring.Cap() != 0 || ring.List() != nil {
		t.Fatalf("expected nil ring to be empty")
	}
}
