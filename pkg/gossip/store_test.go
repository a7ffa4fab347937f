package gossip

import (
	"slices"
	"sync"
	"testing"
)

func TestStoreAddIsIdempotent(t *testing.T) {
	s := NewStore(0)
	if !s.Add(5) {
		t.Fatal("Add(5) on empty store = false, want true")
	}
	if s.Add(5) {
		t.Fatal("second Add(5) = true, want false")
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
	if got := s.Values(); !slices.Equal(got, []uint64{5}) {
		t.Fatalf("Values = %v, want [5]", got)
	}
}

func TestStoreValuesSortedAndFresh(t *testing.T) {
	s := NewStore(16)
	for _, v := range []uint64{9, 0, 1 << 63, 3} {
		s.Add(v)
	}
	got := s.Values()
	if want := []uint64{0, 3, 9, 1 << 63}; !slices.Equal(got, want) {
		t.Fatalf("Values = %v, want %v", got, want)
	}

	got[0] = 42
	if s.contains(42) {
		t.Fatal("Values() returned a reference, not a copy")
	}
}

func TestStoreMembership(t *testing.T) {
	s := NewStore(128)
	for v := range uint64(100) {
		s.Add(v * 2)
	}
	for v := range uint64(200) {
		if got, want := s.contains(v), v%2 == 0; got != want {
			t.Fatalf("contains(%d) = %v, want %v", v, got, want)
		}
	}
}

func TestStoreEmptyValuesNotNil(t *testing.T) {
	if got := NewStore(0).Values(); got == nil || len(got) != 0 {
		t.Fatalf("Values on empty store = %#v, want empty non-nil slice", got)
	}
}

func TestStoreNeighboursCopy(t *testing.T) {
	s := NewStore(0)
	in := []string{"n2", "n3"}
	s.SetNeighbours(in)
	in[0] = "zz"
	got := s.Neighbours()
	if !slices.Equal(got, []string{"n2", "n3"}) {
		t.Fatalf("Neighbours = %v, want [n2 n3]", got)
	}
	got[1] = "zz"
	if s.Neighbours()[1] != "n3" {
		t.Fatal("Neighbours() returned a reference, not a copy")
	}
}

func TestStoreConcurrentAdds(t *testing.T) {
	s := NewStore(1 << 12)

	const G, N = 16, 500
	var wg sync.WaitGroup
	fresh := make([]int, G)
	for g := range G {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range N {
				// every value is added by two goroutines
				if s.Add(uint64((g/2)*N + i)) {
					fresh[g]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, n := range fresh {
		total += n
	}
	if want := G / 2 * N; total != want || s.Len() != want {
		t.Fatalf("fresh adds = %d, Len = %d, want %d", total, s.Len(), want)
	}
	for v := range uint64(G / 2 * N) {
		if !s.contains(v) {
			t.Fatalf("missing value %d", v)
		}
	}
}

func TestStoreSaturatedFilterKeepsExactAnswers(t *testing.T) {
	// Sized for one value, the filter answers "maybe" for almost everything.
	s := NewStore(1)
	const n = 2000
	for v := range uint64(n) {
		if !s.Add(v * 3) {
			t.Fatalf("Add(%d) = false on a value never added", v*3)
		}
	}
	if got := s.Len(); got != n {
		t.Fatalf("Len = %d, want %d", got, n)
	}
	for v := range uint64(3 * n) {
		if got, want := s.contains(v), v%3 == 0; got != want {
			t.Fatalf("contains(%d) = %v, want %v", v, got, want)
		}
	}
}
