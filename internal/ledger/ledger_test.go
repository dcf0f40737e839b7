package ledger

import (
	"context"
	"testing"

	"presence/internal/attendance"
)

func TestMemoryCommitIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	verdicts := []attendance.Verdict{
		{StudentID: "s1", Present: true, Reason: attendance.ReasonPresentBoth},
		{StudentID: "s2", Present: false, Reason: attendance.ReasonNoScan},
	}
	if err := m.Commit(ctx, "sched-1", "sess-1", verdicts); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// A finalize retry replays the same session; the ledger must converge.
	if err := m.Commit(ctx, "sched-1", "sess-1", verdicts); err != nil {
		t.Fatalf("retry Commit: %v", err)
	}

	if m.Commits() != 1 {
		t.Errorf("sessions committed = %d, want 1", m.Commits())
	}
	got := m.Get("sess-1")
	if len(got) != 2 || !got[0].Present || got[1].Present {
		t.Errorf("stored verdicts = %+v", got)
	}

	if got := m.Get("missing"); len(got) != 0 {
		t.Errorf("missing session returned %+v", got)
	}
}
