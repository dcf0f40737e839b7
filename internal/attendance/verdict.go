package attendance

// Verdict reason strings, in display priority order. A photo match alone
// never grants presence: without a verified scan nothing ties the matched
// face to an interaction with this session.
const (
	ReasonPresentBoth   = "verified in both scan & photo"
	ReasonNotInPhoto    = "not detected in class photo"
	ReasonNoScan        = "did not scan QR code"
	ReasonManualAdjust  = "manually adjusted by teacher"
	reasonNoPhotoSuffix = " (no class photo captured; anti-proxy check skipped)"
)

// Verdict is one student's final attendance decision.
type Verdict struct {
	StudentID   string `json:"student_id"`
	StudentName string `json:"student_name,omitempty"`
	RollNumber  string `json:"roll_number,omitempty"`
	Present     bool   `json:"present"`
	Reason      string `json:"reason"`
}

// reconcile computes the verdict set from the current evidence and overrides.
// Pure: it never mutates its inputs and yields identical output for identical
// input, so it can be re-run freely while the teacher is monitoring.
//
// The verdict set covers every eligible student plus any student with a
// verified scan who is missing from the roster (roster drift); such scans are
// never silently dropped.
func reconcile(roster []EligibleStudent, ev *evidence, overrides map[string]bool, flagNoPhoto bool) []Verdict {
	matched := ev.matchedSet()
	hasPhoto := ev.photo != nil

	verified := make(map[string]bool)
	for _, id := range ev.verifiedStudents() {
		verified[id] = true
	}

	decide := func(id string) (bool, string) {
		if present, ok := overrides[id]; ok {
			return present, ReasonManualAdjust
		}
		scanned := verified[id]
		inPhoto := hasPhoto && matched[id]
		var present bool
		var reason string
		switch {
		case scanned && inPhoto:
			present, reason = true, ReasonPresentBoth
		case scanned:
			present, reason = false, ReasonNotInPhoto
		default:
			present, reason = false, ReasonNoScan
		}
		if flagNoPhoto && !hasPhoto {
			reason += reasonNoPhotoSuffix
		}
		return present, reason
	}

	verdicts := make([]Verdict, 0, len(roster))
	inRoster := make(map[string]bool, len(roster))
	for _, st := range roster {
		inRoster[st.StudentID] = true
		present, reason := decide(st.StudentID)
		verdicts = append(verdicts, Verdict{
			StudentID:   st.StudentID,
			StudentName: st.StudentName,
			RollNumber:  st.RollNumber,
			Present:     present,
			Reason:      reason,
		})
	}

	// Roster drift: verified scans from students the roster does not know.
	for _, id := range ev.verifiedStudents() {
		if inRoster[id] {
			continue
		}
		present, reason := decide(id)
		verdicts = append(verdicts, Verdict{StudentID: id, Present: present, Reason: reason})
	}

	return verdicts
}

// VerdictSummary aggregates a verdict set for the finalize response.
type VerdictSummary struct {
	Present       int `json:"present"`
	Absent        int `json:"absent"`
	TotalStudents int `json:"total_students"`
}

func summarizeVerdicts(verdicts []Verdict) VerdictSummary {
	s := VerdictSummary{TotalStudents: len(verdicts)}
	for _, v := range verdicts {
		if v.Present {
			s.Present++
		} else {
			s.Absent++
		}
	}
	return s
}
