package ledger

import (
	"sync"
	"testing"
)

func TestQuorumSize(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{1, 1}, {2, 1}, {3, 1},
		{4, 3}, {5, 3}, {6, 3},
		{7, 5}, {8, 5}, {9, 5},
		{10, 7},
	}
	for _, c := range cases {
		if got := QuorumSize(c.n); got != c.want {
			t.Fatalf("QuorumSize(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestNotePrepareIdempotent(t *testing.T) {
	l := New()
	for i := 0; i < 5; i++ {
		got := l.NotePrepare(1, "h1-p1", 2)
		if got != 1 {
			t.Fatalf("call %d: NotePrepare = %d, want 1", i, got)
		}
	}
	if got := l.PrepareCount(1, "h1-p1"); got != 1 {
		t.Fatalf("PrepareCount = %d, want 1", got)
	}
}

func TestNoteCommitIndependentFromPrepare(t *testing.T) {
	l := New()
	l.NotePrepare(1, "h1-p1", 1)
	if got := l.CommitCount(1, "h1-p1"); got != 0 {
		t.Fatalf("CommitCount = %d, want 0 before any commit", got)
	}
	got := l.NoteCommit(1, "h1-p1", 1)
	if got != 1 {
		t.Fatalf("NoteCommit = %d, want 1", got)
	}
}

func TestDistinctHashesDoNotShareCounts(t *testing.T) {
	l := New()
	l.NotePrepare(1, "h1-p1", 1)
	l.NotePrepare(1, "h1-p2", 2)
	l.NotePrepare(1, "h1-p2", 3)
	if got := l.PrepareCount(1, "h1-p1"); got != 1 {
		t.Fatalf("PrepareCount(h1-p1) = %d, want 1", got)
	}
	if got := l.PrepareCount(1, "h1-p2"); got != 2 {
		t.Fatalf("PrepareCount(h1-p2) = %d, want 2", got)
	}
}

func TestDistinctHeightsDoNotShareCounts(t *testing.T) {
	l := New()
	l.NotePrepare(1, "h1-p1", 1)
	l.NotePrepare(2, "h1-p1", 1)
	if got := l.PrepareCount(1, "h1-p1"); got != 1 {
		t.Fatalf("PrepareCount(height 1) = %d, want 1", got)
	}
	if got := l.PrepareCount(2, "h1-p1"); got != 1 {
		t.Fatalf("PrepareCount(height 2) = %d, want 1", got)
	}
}

// TestConcurrentNotePrepareConverges exercises the linearizability guarantee
// from spec §5: many concurrent insertions of distinct voters into the same
// cell must converge on a set containing exactly those voters, with no
// double-counting and no lost updates.
func TestConcurrentNotePrepareConverges(t *testing.T) {
	l := New()
	const voters = 50
	var wg sync.WaitGroup
	wg.Add(voters)
	for v := 0; v < voters; v++ {
		v := v
		go func() {
			defer wg.Done()
			l.NotePrepare(7, "h7-p1", uint16(v))
		}()
	}
	wg.Wait()
	if got := l.PrepareCount(7, "h7-p1"); got != voters {
		t.Fatalf("PrepareCount = %d, want %d", got, voters)
	}
}

func TestMonotonicCountUnderConcurrentDuplicates(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	const attempts = 20
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			l.NotePrepare(1, "h1-p1", 9)
		}()
	}
	wg.Wait()
	if got := l.PrepareCount(1, "h1-p1"); got != 1 {
		t.Fatalf("PrepareCount = %d, want 1 (single voter, many duplicate inserts)", got)
	}
}
