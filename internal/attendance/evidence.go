package attendance

import (
	"time"

	"github.com/google/uuid"
)

// ScanStatus is the verification outcome of a single scan record.
type ScanStatus string

const (
	ScanVerified ScanStatus = "verified"
	ScanRejected ScanStatus = "rejected"
	ScanPending  ScanStatus = "pending"
)

// ScanEvent is one student's QR-scan record within a session.
type ScanEvent struct {
	ScanID         string     `json:"scan_id"`
	StudentID      string     `json:"student_id"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	DistanceM      float64    `json:"distance_m"`
	FaceConfidence float64    `json:"face_confidence"`
	Status         ScanStatus `json:"status"`
	Note           string     `json:"note,omitempty"`
}

// PhotoMatch holds the outcome of the post-hoc class-photo pass.
type PhotoMatch struct {
	CapturedAt        time.Time `json:"captured_at"`
	PhotoURL          string    `json:"photo_url,omitempty"`
	MatchedStudentIDs []string  `json:"matched_student_ids"`
}

// ScanSummary is the aggregate view consumed by status polling.
type ScanSummary struct {
	Total    int         `json:"total"`
	Verified int         `json:"verified"`
	Rejected int         `json:"rejected"`
	Pending  int         `json:"pending"`
	Scans    []ScanEvent `json:"scans"`
}

// evidence is the per-session record of scan and photo evidence. It keeps one
// logical scan record per student (first-verified-wins) plus a full audit
// trail of every submission. All access is serialized by the owning session.
type evidence struct {
	order   []string              // studentIDs in first-arrival order
	records map[string]*ScanEvent // logical record per student
	audit   []ScanEvent           // every submission, arrival order
	photo   *PhotoMatch
}

func newEvidence() *evidence {
	return &evidence{records: make(map[string]*ScanEvent)}
}

// evaluateScan derives a scan status from geofence distance and face
// confidence. A scan is verified only when both checks pass.
func evaluateScan(distanceM, confidence, radiusM, threshold float64) (ScanStatus, string) {
	switch {
	case distanceM > radiusM:
		return ScanRejected, "outside geofence radius"
	case confidence < threshold:
		return ScanRejected, "face confidence below threshold"
	default:
		return ScanVerified, ""
	}
}

// recordScan appends a scan submission and reconciles it against the
// student's logical record. A student's record upgrades to verified exactly
// once; later verified-quality submissions are kept for audit only.
func (e *evidence) recordScan(studentID string, distanceM, confidence float64, status ScanStatus, note string, now time.Time) ScanEvent {
	evt := ScanEvent{
		ScanID:         uuid.NewString(),
		StudentID:      studentID,
		SubmittedAt:    now,
		DistanceM:      distanceM,
		FaceConfidence: confidence,
		Status:         status,
		Note:           note,
	}

	existing, ok := e.records[studentID]
	switch {
	case !ok:
		rec := evt
		e.records[studentID] = &rec
		e.order = append(e.order, studentID)
	case existing.Status == ScanVerified:
		// First-verified-wins: the winning record is immutable, the retry
		// lands in the audit trail as a no-op.
		if status == ScanVerified {
			evt.Status = ScanRejected
			evt.Note = "duplicate scan: student already verified"
		}
	case status == ScanVerified, existing.Status == ScanPending:
		// Upgrade to verified, or resolve a pending record either way.
		rec := evt
		e.records[studentID] = &rec
	default:
		// Rejected over rejected: latest attempt becomes the visible record.
		rec := evt
		e.records[studentID] = &rec
	}

	e.audit = append(e.audit, evt)
	return evt
}

// resolveScan settles a pending logical record once the verifier answers (or
// times out). Resolving a record that is no longer pending is a no-op, which
// makes late verifier responses harmless.
func (e *evidence) resolveScan(scanID string, status ScanStatus, confidence float64, note string, now time.Time) (ScanEvent, bool) {
	for _, rec := range e.records {
		if rec.ScanID != scanID {
			continue
		}
		if rec.Status != ScanPending {
			return *rec, false
		}
		rec.FaceConfidence = confidence
		rec.Status = status
		rec.Note = note
		e.audit = append(e.audit, *rec)
		return *rec, true
	}
	return ScanEvent{}, false
}

// recordPhoto stores the class-photo match set. Exactly one capture is
// allowed unless recapture is enabled, in which case the new set replaces the
// old wholesale.
func (e *evidence) recordPhoto(matchedIDs []string, photoURL string, now time.Time, allowRecapture bool) (PhotoMatch, error) {
	if e.photo != nil && !allowRecapture {
		return PhotoMatch{}, ErrPhotoAlreadyCaptured
	}
	ids := make([]string, 0, len(matchedIDs))
	seen := make(map[string]bool, len(matchedIDs))
	for _, id := range matchedIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	e.photo = &PhotoMatch{CapturedAt: now, PhotoURL: photoURL, MatchedStudentIDs: ids}
	return *e.photo, nil
}

// summary builds the aggregate counts over logical records, ordered by first
// arrival.
func (e *evidence) summary() ScanSummary {
	s := ScanSummary{Scans: make([]ScanEvent, 0, len(e.order))}
	for _, id := range e.order {
		rec := e.records[id]
		s.Scans = append(s.Scans, *rec)
		s.Total++
		switch rec.Status {
		case ScanVerified:
			s.Verified++
		case ScanRejected:
			s.Rejected++
		case ScanPending:
			s.Pending++
		}
	}
	return s
}

// verifiedStudents returns the set of studentIDs holding a verified record,
// in first-arrival order.
func (e *evidence) verifiedStudents() []string {
	var out []string
	for _, id := range e.order {
		if e.records[id].Status == ScanVerified {
			out = append(out, id)
		}
	}
	return out
}

func (e *evidence) matchedSet() map[string]bool {
	if e.photo == nil {
		return nil
	}
	set := make(map[string]bool, len(e.photo.MatchedStudentIDs))
	for _, id := range e.photo.MatchedStudentIDs {
		set[id] = true
	}
	return set
}
