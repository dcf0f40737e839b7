package attendance

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func testSession(policy Policy) *Session {
	return newSession("sched-1", "teacher-1", 12.97, 77.59, rosterOf("s1", "s2"), policy, t0)
}

func TestScanAfterExpiryAlwaysRejected(t *testing.T) {
	s := testSession(DefaultPolicy())
	late := s.QRExpiresAt.Add(time.Second)

	// Perfect confidence and distance must not matter once the window passed.
	evt, err := s.RecordScan("s1", 1, 0.99, late)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	if evt.Status != ScanRejected {
		t.Errorf("status = %v, want rejected", evt.Status)
	}
	if s.Status(late) != StatusExpired {
		t.Errorf("status = %v, want derived expired", s.Status(late))
	}
}

func TestScansBeforeExpiryStayValidAfterIt(t *testing.T) {
	s := testSession(DefaultPolicy())
	if _, err := s.RecordScan("s1", 10, 0.95, t0.Add(time.Second)); err != nil {
		t.Fatalf("in-window scan: %v", err)
	}

	late := s.QRExpiresAt.Add(time.Minute)
	if _, err := s.RecordScan("s2", 10, 0.95, late); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("late scan err = %v", err)
	}

	sum := s.Summary()
	if sum.Verified != 1 {
		t.Errorf("verified count = %d, want the pre-expiry scan intact", sum.Verified)
	}
}

func TestPhotoClosesScanIngestion(t *testing.T) {
	s := testSession(DefaultPolicy())
	now := t0.Add(time.Second)

	if _, err := s.AttachPhoto([]string{"s1"}, "", now); err != nil {
		t.Fatalf("AttachPhoto: %v", err)
	}
	if got := s.Status(now); got != StatusPhotoCaptured {
		t.Errorf("status = %v", got)
	}
	if _, err := s.RecordScan("s2", 10, 0.95, now); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("scan after photo err = %v, want ErrSessionClosed", err)
	}
	if _, err := s.AttachPhoto([]string{"s2"}, "", now); !errors.Is(err, ErrPhotoAlreadyCaptured) {
		t.Errorf("second photo err = %v, want ErrPhotoAlreadyCaptured", err)
	}
}

func TestPhotoRecaptureWhenAllowed(t *testing.T) {
	policy := DefaultPolicy()
	policy.AllowPhotoRecapture = true
	s := testSession(policy)

	if _, err := s.AttachPhoto([]string{"s1"}, "", t0); err != nil {
		t.Fatalf("first capture: %v", err)
	}
	pm, err := s.AttachPhoto([]string{"s2"}, "", t0.Add(time.Second))
	if err != nil {
		t.Fatalf("recapture: %v", err)
	}
	if len(pm.MatchedStudentIDs) != 1 || pm.MatchedStudentIDs[0] != "s2" {
		t.Errorf("recapture set = %v", pm.MatchedStudentIDs)
	}
}

func TestPendingScanGeofencedImmediately(t *testing.T) {
	s := testSession(DefaultPolicy())

	out, err := s.RecordPendingScan("s1", 500, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("RecordPendingScan: %v", err)
	}
	if out.Status != ScanRejected {
		t.Errorf("out-of-range scan status = %v, want rejected without verifier call", out.Status)
	}

	in, err := s.RecordPendingScan("s2", 10, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("RecordPendingScan: %v", err)
	}
	if in.Status != ScanPending {
		t.Fatalf("in-range scan status = %v, want pending", in.Status)
	}

	resolved, changed := s.ResolveScan(in.ScanID, 0.9, nil, t0.Add(3*time.Second))
	if !changed || resolved.Status != ScanVerified {
		t.Errorf("resolve = %+v changed=%v", resolved, changed)
	}
}

func TestResolveScanVerifierTimeout(t *testing.T) {
	s := testSession(DefaultPolicy())
	evt, err := s.RecordPendingScan("s1", 10, t0)
	if err != nil {
		t.Fatalf("RecordPendingScan: %v", err)
	}

	resolved, changed := s.ResolveScan(evt.ScanID, 0, ErrVerifierTimeout, t0.Add(15*time.Second))
	if !changed || resolved.Status != ScanRejected {
		t.Fatalf("resolve = %+v changed=%v, want rejected", resolved, changed)
	}
	if resolved.Note != "face verification timed out" {
		t.Errorf("note = %q", resolved.Note)
	}
}

func TestFinalizeRequiresPhotoWhenConfigured(t *testing.T) {
	policy := DefaultPolicy()
	policy.AllowFinalizeWithoutPhoto = false
	s := testSession(policy)

	if _, err := s.BeginFinalize(nil, t0.Add(time.Minute)); !errors.Is(err, ErrNoPhotoEvidence) {
		t.Errorf("err = %v, want ErrNoPhotoEvidence", err)
	}
}

func TestBeginFinalizeExactlyOnce(t *testing.T) {
	s := testSession(DefaultPolicy())

	const callers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.BeginFinalize(nil, t0.Add(time.Minute)); err == nil {
				wins <- struct{}{}
			} else if !errors.Is(err, ErrAlreadyFinalized) {
				t.Errorf("loser err = %v, want ErrAlreadyFinalized", err)
			}
		}()
	}
	wg.Wait()
	close(wins)
	if got := len(wins); got != 1 {
		t.Fatalf("finalize claimed %d times, want exactly 1", got)
	}
}

func TestAbortFinalizeAllowsRetry(t *testing.T) {
	s := testSession(DefaultPolicy())

	if _, err := s.BeginFinalize(nil, t0.Add(time.Minute)); err != nil {
		t.Fatalf("BeginFinalize: %v", err)
	}
	s.AbortFinalize()

	if got := s.Status(t0.Add(time.Minute)); got != StatusReconciled {
		t.Errorf("status after abort = %v, want reconciled", got)
	}
	retry, err := s.BeginFinalize(nil, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("retry BeginFinalize: %v", err)
	}
	s.CompleteFinalize(retry, t0.Add(2*time.Minute))

	if got := s.Status(t0.Add(2*time.Minute)); got != StatusFinalized {
		t.Errorf("status = %v, want finalized", got)
	}
}

func TestFinalizedSessionIsImmutable(t *testing.T) {
	s := testSession(DefaultPolicy())
	verdicts, err := s.BeginFinalize(map[string]bool{"s1": true}, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("BeginFinalize: %v", err)
	}
	s.CompleteFinalize(verdicts, t0.Add(time.Minute))

	if _, err := s.RecordScan("s2", 10, 0.95, t0.Add(time.Minute)); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("scan err = %v", err)
	}
	if _, err := s.AttachPhoto([]string{"s2"}, "", t0.Add(time.Minute)); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("photo err = %v", err)
	}
	if err := s.SetOverride("s2", true, t0.Add(time.Minute)); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("override err = %v", err)
	}
	if _, err := s.BeginFinalize(nil, t0.Add(2*time.Minute)); !errors.Is(err, ErrAlreadyFinalized) {
		t.Errorf("second finalize err = %v", err)
	}

	// The frozen verdicts keep serving reads.
	got := s.Reconcile(t0.Add(time.Hour))
	if v := verdictFor(t, got, "s1"); !v.Present || v.Reason != ReasonManualAdjust {
		t.Errorf("frozen verdict = %+v", v)
	}
}

func TestViewConsistentSnapshot(t *testing.T) {
	s := testSession(DefaultPolicy())
	if _, err := s.RecordScan("s1", 10, 0.95, t0.Add(time.Second)); err != nil {
		t.Fatalf("scan: %v", err)
	}

	view := s.View(t0.Add(2 * time.Second))
	if view.Status != StatusQRActive {
		t.Errorf("status = %v", view.Status)
	}
	if view.Scans.Verified != 1 || len(view.EligibleStudents) != 2 {
		t.Errorf("view = %+v", view)
	}
	if v := verdictFor(t, view.Verdicts, "s1"); v.Present {
		t.Errorf("provisional verdict present without photo agreement")
	}

	// Polling is a pure read: repeated views leave evidence untouched.
	again := s.View(t0.Add(3 * time.Second))
	if again.Scans.Total != view.Scans.Total {
		t.Errorf("poll mutated state: %+v vs %+v", again.Scans, view.Scans)
	}
}
