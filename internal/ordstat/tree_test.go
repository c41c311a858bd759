package ordstat

import (
	"math/rand"
	"sort"
	"testing"
)

func intLess(a, b int) bool { return a < b }

func TestInsertKthRank(t *testing.T) {
	tr := New(intLess)
	vals := []int{5, 3, 8, 1, 4, 7, 9, 2, 6}
	for _, v := range vals {
		tr.Insert(v)
	}
	sorted := append([]int(nil), vals...)
	sort.Ints(sorted)

	if got := tr.Size(); got != len(sorted) {
		t.Fatalf("size = %d, want %d", got, len(sorted))
	}
	for i, want := range sorted {
		got, ok := tr.Kth(i + 1)
		if !ok || got != want {
			t.Fatalf("Kth(%d) = %v,%v want %v", i+1, got, ok, want)
		}
		rank, ok := tr.Rank(want)
		if !ok || rank != i+1 {
			t.Fatalf("Rank(%d) = %v,%v want %d", want, rank, ok, i+1)
		}
	}
	if _, ok := tr.Kth(0); ok {
		t.Fatalf("Kth(0) should be out of range")
	}
	if _, ok := tr.Kth(len(sorted) + 1); ok {
		t.Fatalf("Kth(len+1) should be out of range")
	}
	if _, ok := tr.Rank(100); ok {
		t.Fatalf("Rank of absent element should fail")
	}
}

func TestInsertIdempotent(t *testing.T) {
	tr := New(intLess)
	tr.Insert(1)
	tr.Insert(1)
	tr.Insert(1)
	if tr.Size() != 1 {
		t.Fatalf("duplicate insert should be a no-op, size = %d", tr.Size())
	}
}

func TestDelete(t *testing.T) {
	tr := New(intLess)
	for _, v := range []int{5, 3, 8, 1, 4, 7, 9, 2, 6} {
		tr.Insert(v)
	}
	tr.Delete(3)
	tr.Delete(100) // absent, no-op
	if tr.Size() != 8 {
		t.Fatalf("size after delete = %d, want 8", tr.Size())
	}
	for _, v := range tr.InOrder() {
		if v == 3 {
			t.Fatalf("deleted element 3 still present")
		}
	}
}

func TestRandomizedAgainstSlice(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	tr := New(intLess)
	present := map[int]bool{}
	for i := 0; i < 500; i++ {
		v := rnd.Intn(200)
		if rnd.Intn(3) == 0 && present[v] {
			tr.Delete(v)
			delete(present, v)
		} else {
			tr.Insert(v)
			present[v] = true
		}
	}
	var want []int
	for v := range present {
		want = append(want, v)
	}
	sort.Ints(want)
	got := tr.InOrder()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mismatch at %d: got %d want %d", i, got[i], want[i])
		}
	}
}
