package attendance

import (
	"reflect"
	"strings"
	"testing"
)

func rosterOf(ids ...string) []EligibleStudent {
	var out []EligibleStudent
	for _, id := range ids {
		out = append(out, EligibleStudent{StudentID: id, StudentName: "Student " + id, RollNumber: "R-" + id})
	}
	return out
}

func verdictFor(t *testing.T, verdicts []Verdict, studentID string) Verdict {
	t.Helper()
	for _, v := range verdicts {
		if v.StudentID == studentID {
			return v
		}
	}
	t.Fatalf("no verdict for %s", studentID)
	return Verdict{}
}

func TestReconcileScenarios(t *testing.T) {
	tests := []struct {
		name        string
		scanStatus  ScanStatus
		inPhoto     bool
		wantPresent bool
		wantReason  string
	}{
		{name: "scanned but not in photo", scanStatus: ScanVerified, inPhoto: false, wantPresent: false, wantReason: ReasonNotInPhoto},
		{name: "scanned and in photo", scanStatus: ScanVerified, inPhoto: true, wantPresent: true, wantReason: ReasonPresentBoth},
		{name: "in photo only", scanStatus: "", inPhoto: true, wantPresent: false, wantReason: ReasonNoScan},
		{name: "rejected scan in photo", scanStatus: ScanRejected, inPhoto: true, wantPresent: false, wantReason: ReasonNoScan},
		{name: "no evidence at all", scanStatus: "", inPhoto: false, wantPresent: false, wantReason: ReasonNoScan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := newEvidence()
			if tt.scanStatus != "" {
				ev.recordScan("s1", 10, 0.95, tt.scanStatus, "", t0)
			}
			matched := []string{}
			if tt.inPhoto {
				matched = []string{"s1"}
			}
			if _, err := ev.recordPhoto(matched, "", t0, false); err != nil {
				t.Fatalf("recordPhoto: %v", err)
			}

			verdicts := reconcile(rosterOf("s1"), ev, nil, false)
			got := verdictFor(t, verdicts, "s1")
			if got.Present != tt.wantPresent || got.Reason != tt.wantReason {
				t.Errorf("verdict = {present:%v reason:%q}, want {%v %q}", got.Present, got.Reason, tt.wantPresent, tt.wantReason)
			}
		})
	}
}

func TestReconcileIdempotent(t *testing.T) {
	ev := newEvidence()
	ev.recordScan("s1", 10, 0.9, ScanVerified, "", t0)
	ev.recordScan("s2", 200, 0.9, ScanRejected, "outside geofence radius", t0)
	if _, err := ev.recordPhoto([]string{"s1", "s3"}, "", t0, false); err != nil {
		t.Fatalf("recordPhoto: %v", err)
	}
	overrides := map[string]bool{"s3": true}
	roster := rosterOf("s1", "s2", "s3")

	first := reconcile(roster, ev, overrides, false)
	second := reconcile(roster, ev, overrides, false)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("reconcile not idempotent:\nfirst  %+v\nsecond %+v", first, second)
	}
}

func TestManualOverrideAlwaysWins(t *testing.T) {
	ev := newEvidence()
	ev.recordScan("s1", 10, 0.95, ScanVerified, "", t0)
	if _, err := ev.recordPhoto([]string{"s1"}, "", t0, false); err != nil {
		t.Fatalf("recordPhoto: %v", err)
	}
	roster := rosterOf("s1", "s2")

	// s1 would compute present, s2 absent; overrides invert both.
	verdicts := reconcile(roster, ev, map[string]bool{"s1": false, "s2": true}, false)

	for _, tc := range []struct {
		id          string
		wantPresent bool
	}{{"s1", false}, {"s2", true}} {
		got := verdictFor(t, verdicts, tc.id)
		if got.Present != tc.wantPresent || got.Reason != ReasonManualAdjust {
			t.Errorf("%s: verdict = {present:%v reason:%q}, want override {%v %q}", tc.id, got.Present, got.Reason, tc.wantPresent, ReasonManualAdjust)
		}
	}
}

func TestRosterDriftIncluded(t *testing.T) {
	ev := newEvidence()
	ev.recordScan("ghost", 10, 0.95, ScanVerified, "", t0)
	if _, err := ev.recordPhoto([]string{"ghost"}, "", t0, false); err != nil {
		t.Fatalf("recordPhoto: %v", err)
	}

	verdicts := reconcile(rosterOf("s1"), ev, nil, false)
	if len(verdicts) != 2 {
		t.Fatalf("verdict count = %d, want roster + drift", len(verdicts))
	}
	got := verdictFor(t, verdicts, "ghost")
	if !got.Present || got.Reason != ReasonPresentBoth {
		t.Errorf("drift verdict = %+v, want present via both streams", got)
	}
}

func TestNoPhotoFlagging(t *testing.T) {
	ev := newEvidence()
	ev.recordScan("s1", 10, 0.95, ScanVerified, "", t0)

	verdicts := reconcile(rosterOf("s1", "s2"), ev, map[string]bool{"s2": true}, true)

	s1 := verdictFor(t, verdicts, "s1")
	if s1.Present {
		t.Errorf("scan without photo agreement granted presence")
	}
	if !strings.Contains(s1.Reason, "anti-proxy check skipped") {
		t.Errorf("reason %q missing no-photo flag", s1.Reason)
	}
	// Overrides are teacher assertions; they carry no flag.
	if s2 := verdictFor(t, verdicts, "s2"); s2.Reason != ReasonManualAdjust {
		t.Errorf("override reason = %q", s2.Reason)
	}
}

func TestSummarizeVerdicts(t *testing.T) {
	s := summarizeVerdicts([]Verdict{
		{StudentID: "a", Present: true},
		{StudentID: "b"},
		{StudentID: "c"},
	})
	if s.Present != 1 || s.Absent != 2 || s.TotalStudents != 3 {
		t.Errorf("summary = %+v", s)
	}
}
