package attendance

import (
	"errors"
	"testing"
	"time"
)

func TestRegistrySingleActivePerSchedule(t *testing.T) {
	r := NewRegistry()
	policy := DefaultPolicy()

	first, _, err := r.Create("sched-1", "teacher-1", 0, 0, nil, policy, false, t0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, _, err := r.Create("sched-1", "teacher-1", 0, 0, nil, policy, false, t0.Add(time.Second)); !errors.Is(err, ErrDuplicateActiveSession) {
		t.Errorf("second create err = %v, want ErrDuplicateActiveSession", err)
	}

	// A different schedule is unaffected.
	if _, _, err := r.Create("sched-2", "teacher-2", 0, 0, nil, policy, false, t0); err != nil {
		t.Errorf("other schedule create err = %v", err)
	}

	// Finalized sessions stop blocking their slot.
	v, err := first.BeginFinalize(nil, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	first.CompleteFinalize(v, t0.Add(time.Minute))
	if _, _, err := r.Create("sched-1", "teacher-1", 0, 0, nil, policy, false, t0.Add(2*time.Minute)); err != nil {
		t.Errorf("create after finalize err = %v", err)
	}
}

func TestForceNewSupersedes(t *testing.T) {
	r := NewRegistry()
	policy := DefaultPolicy()

	old, _, err := r.Create("sched-1", "teacher-1", 0, 0, rosterOf("s1"), policy, false, t0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := old.RecordScan("s1", 10, 0.95, t0.Add(time.Second)); err != nil {
		t.Fatalf("scan: %v", err)
	}

	neu, superseded, err := r.Create("sched-1", "teacher-1", 0, 0, rosterOf("s1"), policy, true, t0.Add(2*time.Second))
	if err != nil || !superseded {
		t.Fatalf("forceNew create: err=%v superseded=%v", err, superseded)
	}
	if neu.ID == old.ID {
		t.Fatalf("forceNew returned the old session")
	}

	if got := old.Status(t0.Add(3 * time.Second)); got != StatusSuperseded {
		t.Errorf("old status = %v, want superseded", got)
	}
	// The old session stays inspectable and keeps its verified scans, but
	// accepts no more evidence and cannot be finalized.
	if fromReg, err := r.Get(old.ID); err != nil || fromReg.Summary().Verified != 1 {
		t.Errorf("old session lookup: err=%v", err)
	}
	if _, err := old.RecordScan("s1", 10, 0.95, t0.Add(3*time.Second)); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("scan on superseded err = %v", err)
	}
	if _, err := old.BeginFinalize(nil, t0.Add(time.Minute)); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("finalize on superseded err = %v", err)
	}
}

func TestRegistryGetAndRetire(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Get("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("get missing err = %v", err)
	}

	s, _, err := r.Create("sched-1", "teacher-1", 0, 0, nil, DefaultPolicy(), false, t0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	r.Retire(s.ID)
	r.Retire(s.ID) // idempotent
	r.Retire("nope")

	// Retired sessions stay readable by id; the slot frees up.
	if _, err := r.Get(s.ID); err != nil {
		t.Errorf("retired session lookup err = %v", err)
	}
	if _, _, err := r.Create("sched-1", "teacher-1", 0, 0, nil, DefaultPolicy(), false, t0.Add(time.Second)); err != nil {
		t.Errorf("create after retire err = %v", err)
	}
}
