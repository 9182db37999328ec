package agent

import "testing"

func TestChangeQueueFIFO(t *testing.T) {
	q := NewChangeQueue(4)
	q.Push(Change{Kind: ChangeWritten, Rel: "a"})
	q.Push(Change{Kind: ChangeRemoved, Rel: "b"})

	got := q.Drain(10)
	if len(got) != 2 || got[0].Rel != "a" || got[1].Rel != "b" {
		t.Fatalf("drained %+v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("len after drain = %d", q.Len())
	}
}

func TestChangeQueueDrainRespectsBatchSize(t *testing.T) {
	q := NewChangeQueue(8)
	for _, rel := range []string{"a", "b", "c"} {
		q.Push(Change{Kind: ChangeWritten, Rel: rel})
	}
	first := q.Drain(2)
	if len(first) != 2 || first[0].Rel != "a" {
		t.Fatalf("first batch %+v", first)
	}
	second := q.Drain(2)
	if len(second) != 1 || second[0].Rel != "c" {
		t.Fatalf("second batch %+v", second)
	}
}

func TestChangeQueueOverflowBecomesRescan(t *testing.T) {
	q := NewChangeQueue(2)
	q.Push(Change{Kind: ChangeWritten, Rel: "a"})
	q.Push(Change{Kind: ChangeWritten, Rel: "b"})
	q.Push(Change{Kind: ChangeWritten, Rel: "dropped"})

	got := q.Drain(10)
	if len(got) != 3 {
		t.Fatalf("drained %+v", got)
	}
	if got[0].Kind != ChangeRescan {
		t.Fatal("overflow did not surface as a leading rescan")
	}
	for _, change := range got[1:] {
		if change.Rel == "dropped" {
			t.Fatal("overflowed change should have been dropped")
		}
	}

	// Overflow is reported once.
	if again := q.Drain(10); len(again) != 0 {
		t.Fatalf("second drain = %+v", again)
	}
}
