package logpipeline

import "testing"

func TestRingEvictsOldestOnOverflow(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Push(Entry{Message: string(rune('a' + i))})
	}
	if r.Len() != 3 {
		t.Fatalf("expected Len()==3 after overflow, got %d", r.Len())
	}
	got := r.Last(3)
	want := []string{"c", "d", "e"}
	for i, e := range got {
		if e.Message != want[i] {
			t.Fatalf("Last(3)[%d] = %q, want %q (full: %+v)", i, e.Message, want[i], got)
		}
	}
}

func TestRingLastNClampsToAvailable(t *testing.T) {
	r := NewRing(10)
	r.Push(Entry{Message: "only"})
	got := r.Last(100)
	if len(got) != 1 || got[0].Message != "only" {
		t.Fatalf("Last(100) on a 1-entry ring should return just that entry, got %+v", got)
	}
}

func TestRingLastZeroReturnsAll(t *testing.T) {
	r := NewRing(10)
	r.Push(Entry{Message: "a"})
	r.Push(Entry{Message: "b"})
	got := r.Last(0)
	if len(got) != 2 {
		t.Fatalf("Last(0) should return every retained entry, got %d", len(got))
	}
}

func TestRingDefaultsCapacityWhenNonPositive(t *testing.T) {
	r := NewRing(0)
	if r.cap != 1000 {
		t.Fatalf("expected default capacity 1000, got %d", r.cap)
	}
}
