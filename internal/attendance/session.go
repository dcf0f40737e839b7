package attendance

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"presence/internal/expiry"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusCreated       Status = "created"
	StatusQRActive      Status = "qr_active"
	StatusExpired       Status = "expired" // derived, not stored; scans before expiry keep counting
	StatusScansClosed   Status = "scans_closed"
	StatusPhotoCaptured Status = "photo_captured"
	StatusReconciled    Status = "reconciled"
	StatusFinalized     Status = "finalized"
	StatusSuperseded    Status = "superseded"
	StatusAbandoned     Status = "abandoned"
)

// Policy carries the configured time windows and verification thresholds a
// session is created with. Values are fixed per session at creation.
type Policy struct {
	QRValidityWindow          time.Duration
	VerifyTimeout             time.Duration
	FaceMatchThreshold        float64
	GeofenceRadiusM           float64
	AllowFinalizeWithoutPhoto bool
	AllowPhotoRecapture       bool
}

// DefaultPolicy mirrors the config defaults; tests use it directly.
func DefaultPolicy() Policy {
	return Policy{
		QRValidityWindow:          60 * time.Second,
		VerifyTimeout:             10 * time.Second,
		FaceMatchThreshold:        0.75,
		GeofenceRadiusM:           100,
		AllowFinalizeWithoutPhoto: true,
	}
}

// EligibleStudent is one roster entry for the session's class, read-only for
// the session's lifetime.
type EligibleStudent struct {
	StudentID   string `json:"student_id"`
	StudentName string `json:"student_name"`
	RollNumber  string `json:"roll_number"`
}

// Session is one class period's attendance-collection instance. It
// exclusively owns its evidence and overrides; all mutation goes through its
// methods, serialized by a per-session mutex so concurrent scans and status
// polls interleave safely.
type Session struct {
	ID          string
	ScheduleID  string
	TeacherID   string
	CreatedAt   time.Time
	QRExpiresAt time.Time
	LocationLat float64
	LocationLng float64

	policy Policy

	mu            sync.Mutex
	status        Status
	roster        []EligibleStudent
	ev            *evidence
	overrides     map[string]bool // studentID -> present
	finalizing    bool
	finalVerdicts []Verdict
	finalizedAt   time.Time
}

func newSession(scheduleID, teacherID string, lat, lng float64, roster []EligibleStudent, policy Policy, now time.Time) *Session {
	return &Session{
		ID:          uuid.NewString(),
		ScheduleID:  scheduleID,
		TeacherID:   teacherID,
		CreatedAt:   now,
		QRExpiresAt: now.Add(policy.QRValidityWindow),
		LocationLat: lat,
		LocationLng: lng,
		policy:      policy,
		status:      StatusQRActive,
		roster:      roster,
		ev:          newEvidence(),
		overrides:   make(map[string]bool),
	}
}

// effectiveStatus derives the externally visible state: an open session past
// its QR window reads as expired without a stored transition.
func (s *Session) effectiveStatus(now time.Time) Status {
	if s.status == StatusQRActive && expiry.Expired(now, s.QRExpiresAt) {
		return StatusExpired
	}
	return s.status
}

// terminal reports whether the session can no longer accept any mutation.
func (s *Session) terminal() bool {
	return s.status == StatusFinalized || s.status == StatusSuperseded || s.status == StatusAbandoned
}

func (s *Session) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.terminal()
}

// Status returns the externally visible state at the given instant.
func (s *Session) Status(now time.Time) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveStatus(now)
}

// RecordScan ingests a scan whose face confidence is already known. Scans
// after the QR window are recorded for audit but always rejected, returned
// alongside ErrSessionExpired.
func (s *Session) RecordScan(studentID string, distanceM, confidence float64, now time.Time) (ScanEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminal() || s.status == StatusScansClosed || s.status == StatusPhotoCaptured || s.status == StatusReconciled {
		return ScanEvent{}, ErrSessionClosed
	}
	if expiry.Expired(now, s.QRExpiresAt) {
		evt := s.ev.recordScan(studentID, distanceM, confidence, ScanRejected, "qr validity window expired", now)
		return evt, ErrSessionExpired
	}

	status, note := evaluateScan(distanceM, confidence, s.policy.GeofenceRadiusM, s.policy.FaceMatchThreshold)
	return s.ev.recordScan(studentID, distanceM, confidence, status, note, now), nil
}

// RecordPendingScan ingests a scan that still awaits the external verifier.
// The geofence check runs immediately; only in-range scans go pending.
func (s *Session) RecordPendingScan(studentID string, distanceM float64, now time.Time) (ScanEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminal() || s.status == StatusScansClosed || s.status == StatusPhotoCaptured || s.status == StatusReconciled {
		return ScanEvent{}, ErrSessionClosed
	}
	if expiry.Expired(now, s.QRExpiresAt) {
		evt := s.ev.recordScan(studentID, distanceM, 0, ScanRejected, "qr validity window expired", now)
		return evt, ErrSessionExpired
	}
	if distanceM > s.policy.GeofenceRadiusM {
		return s.ev.recordScan(studentID, distanceM, 0, ScanRejected, "outside geofence radius", now), nil
	}
	return s.ev.recordScan(studentID, distanceM, 0, ScanPending, "awaiting face verification", now), nil
}

// ResolveScan settles a pending scan with the verifier's answer. verr marks
// verifier failure or timeout; either degrades the scan to rejected. Late or
// repeated resolutions are no-ops.
func (s *Session) ResolveScan(scanID string, confidence float64, verr error, now time.Time) (ScanEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if verr != nil {
		note := "face verification failed"
		if errors.Is(verr, ErrVerifierTimeout) {
			note = "face verification timed out"
		}
		return s.ev.resolveScan(scanID, ScanRejected, 0, note, now)
	}
	status, note := ScanVerified, ""
	if confidence < s.policy.FaceMatchThreshold {
		status, note = ScanRejected, "face confidence below threshold"
	}
	return s.ev.resolveScan(scanID, status, confidence, note, now)
}

// CloseScans moves the session out of scan ingestion. Idempotent once closed.
func (s *Session) CloseScans(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeScansLocked()
}

func (s *Session) closeScansLocked() error {
	if s.terminal() {
		return ErrSessionClosed
	}
	if s.status == StatusCreated || s.status == StatusQRActive {
		s.status = StatusScansClosed
	}
	return nil
}

// AttachPhoto records the class-photo match set. Capturing a photo implicitly
// closes scan ingestion.
func (s *Session) AttachPhoto(matchedIDs []string, photoURL string, now time.Time) (PhotoMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminal() {
		return PhotoMatch{}, ErrSessionClosed
	}
	if err := s.closeScansLocked(); err != nil {
		return PhotoMatch{}, err
	}
	pm, err := s.ev.recordPhoto(matchedIDs, photoURL, now, s.policy.AllowPhotoRecapture)
	if err != nil {
		return PhotoMatch{}, err
	}
	s.status = StatusPhotoCaptured
	return pm, nil
}

// SetOverride records a teacher-asserted status for one student. Overrides
// are accepted until finalization and always beat computed evidence.
func (s *Session) SetOverride(studentID string, present bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() || s.finalizing {
		return ErrSessionClosed
	}
	s.overrides[studentID] = present
	return nil
}

// ClearOverride removes a previously set override.
func (s *Session) ClearOverride(studentID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() || s.finalizing {
		return ErrSessionClosed
	}
	delete(s.overrides, studentID)
	return nil
}

// Reconcile recomputes the provisional verdict view. Pure read; safe to poll.
func (s *Session) Reconcile(now time.Time) []Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusFinalized {
		return append([]Verdict(nil), s.finalVerdicts...)
	}
	return reconcile(s.roster, s.ev, s.overrides, false)
}

// BeginFinalize atomically claims the finalize transition and returns the
// frozen verdict computation. Exactly one concurrent caller wins; the rest
// get ErrAlreadyFinalized. The caller must follow with CompleteFinalize on
// ledger success or AbortFinalize on failure (the session then stays
// reconciled and finalize can be retried).
func (s *Session) BeginFinalize(extraOverrides map[string]bool, now time.Time) ([]Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusFinalized || s.finalizing {
		return nil, ErrAlreadyFinalized
	}
	if s.status == StatusSuperseded || s.status == StatusAbandoned {
		return nil, ErrSessionClosed
	}
	if s.ev.photo == nil && !s.policy.AllowFinalizeWithoutPhoto {
		return nil, ErrNoPhotoEvidence
	}

	for id, present := range extraOverrides {
		s.overrides[id] = present
	}
	_ = s.closeScansLocked()
	s.status = StatusReconciled
	s.finalizing = true
	return reconcile(s.roster, s.ev, s.overrides, s.ev.photo == nil), nil
}

// CompleteFinalize commits the one-way transition to Finalized.
func (s *Session) CompleteFinalize(verdicts []Verdict, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalVerdicts = verdicts
	s.finalizedAt = now
	s.status = StatusFinalized
	s.finalizing = false
}

// AbortFinalize releases the finalize claim after a ledger failure.
func (s *Session) AbortFinalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusFinalized {
		s.finalizing = false
	}
}

// Supersede marks the session replaced by a forceNew creation. It remains
// inspectable but accepts no further evidence and cannot be finalized.
func (s *Session) Supersede(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusFinalized {
		s.status = StatusSuperseded
	}
}

// Abandon explicitly discards a session that was never finalized.
func (s *Session) Abandon(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusFinalized {
		s.status = StatusAbandoned
	}
}

// Roster returns the session's eligible students.
func (s *Session) Roster() []EligibleStudent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EligibleStudent(nil), s.roster...)
}

// Summary returns the current scan aggregate snapshot.
func (s *Session) Summary() ScanSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ev.summary()
}

// SessionView is the consistent snapshot served to status polling.
type SessionView struct {
	SessionID        string            `json:"session_id"`
	ScheduleID       string            `json:"schedule_id"`
	TeacherID        string            `json:"teacher_id"`
	Status           Status            `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	QRExpiresAt      time.Time         `json:"qr_expires_at"`
	LocationLat      float64           `json:"location_lat"`
	LocationLng      float64           `json:"location_lng"`
	Scans            ScanSummary       `json:"scans"`
	EligibleStudents []EligibleStudent `json:"eligible_students"`
	ClassPhoto       *PhotoMatch       `json:"class_photo,omitempty"`
	Verdicts         []Verdict         `json:"verdicts"`
}

// View assembles a snapshot under a single lock acquisition so counts,
// photo state, and verdicts are mutually consistent.
func (s *Session) View(now time.Time) SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()

	var photo *PhotoMatch
	if s.ev.photo != nil {
		pm := *s.ev.photo
		photo = &pm
	}
	verdicts := s.finalVerdicts
	if s.status != StatusFinalized {
		verdicts = reconcile(s.roster, s.ev, s.overrides, false)
	}
	return SessionView{
		SessionID:        s.ID,
		ScheduleID:       s.ScheduleID,
		TeacherID:        s.TeacherID,
		Status:           s.effectiveStatus(now),
		CreatedAt:        s.CreatedAt,
		QRExpiresAt:      s.QRExpiresAt,
		LocationLat:      s.LocationLat,
		LocationLng:      s.LocationLng,
		Scans:            s.ev.summary(),
		EligibleStudents: append([]EligibleStudent(nil), s.roster...),
		ClassPhoto:       photo,
		Verdicts:         verdicts,
	}
}
