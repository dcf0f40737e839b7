package attendance

import (
	"context"
	"fmt"
	"time"

	"presence/internal/metrics"
)

// RosterProvider supplies the eligible-student list for a schedule slot.
type RosterProvider interface {
	GetEligibleStudents(ctx context.Context, scheduleID string) ([]EligibleStudent, error)
}

// Ledger is the external durable store finalized verdicts are handed to.
// Commit must be idempotent per sessionID so finalize can be retried.
type Ledger interface {
	Commit(ctx context.Context, scheduleID, sessionID string, verdicts []Verdict) error
}

// Service coordinates the session registry, evidence ingestion,
// reconciliation, and the ledger handoff.
type Service struct {
	registry *Registry
	roster   RosterProvider
	ledger   Ledger
	policy   Policy
	nowFunc  func() time.Time
}

// NewService wires a service over its collaborators.
func NewService(roster RosterProvider, ledger Ledger, policy Policy) *Service {
	return &Service{
		registry: NewRegistry(),
		roster:   roster,
		ledger:   ledger,
		policy:   policy,
		nowFunc:  time.Now,
	}
}

// CreateSession opens an attendance session for the schedule slot, stamping
// its QR validity window and geofence center from the teacher's position.
func (s *Service) CreateSession(ctx context.Context, scheduleID, teacherID string, lat, lng float64, forceNew bool) (*Session, error) {
	if scheduleID == "" || teacherID == "" {
		return nil, fmt.Errorf("schedule and teacher required")
	}
	roster, err := s.roster.GetEligibleStudents(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}

	sess, superseded, err := s.registry.Create(scheduleID, teacherID, lat, lng, roster, s.policy, forceNew, s.nowFunc())
	if err != nil {
		return nil, err
	}
	if superseded {
		metrics.SessionsSuperseded.Inc()
	}
	metrics.SessionsCreated.Inc()
	return sess, nil
}

// SubmitScan ingests a scan whose face confidence was verified at scan time.
func (s *Service) SubmitScan(ctx context.Context, sessionID, studentID string, distanceM, confidence float64) (ScanEvent, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return ScanEvent{}, err
	}
	evt, err := sess.RecordScan(studentID, distanceM, confidence, s.nowFunc())
	if evt.ScanID != "" {
		metrics.Scans.WithLabelValues(string(evt.Status)).Inc()
	}
	return evt, err
}

// SubmitPendingScan ingests a scan that awaits the async face verifier.
func (s *Service) SubmitPendingScan(ctx context.Context, sessionID, studentID string, distanceM float64) (ScanEvent, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return ScanEvent{}, err
	}
	evt, err := sess.RecordPendingScan(studentID, distanceM, s.nowFunc())
	if evt.ScanID != "" {
		metrics.Scans.WithLabelValues(string(evt.Status)).Inc()
	}
	return evt, err
}

// ResolveScan settles a pending scan with the verifier outcome. The bool
// reports whether the record actually changed.
func (s *Service) ResolveScan(sessionID, scanID string, confidence float64, verr error) (ScanEvent, bool, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return ScanEvent{}, false, err
	}
	evt, changed := sess.ResolveScan(scanID, confidence, verr, s.nowFunc())
	if changed {
		metrics.Scans.WithLabelValues(string(evt.Status)).Inc()
	}
	return evt, changed, nil
}

// Status returns a consistent read-only snapshot. Polling never mutates.
func (s *Service) Status(sessionID string) (SessionView, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return SessionView{}, err
	}
	return sess.View(s.nowFunc()), nil
}

// CapturePhoto attaches the photo-match set and closes scan ingestion.
func (s *Service) CapturePhoto(ctx context.Context, sessionID string, matchedIDs []string, photoURL string) (PhotoMatch, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return PhotoMatch{}, err
	}
	return sess.AttachPhoto(matchedIDs, photoURL, s.nowFunc())
}

// SetOverride records a teacher override for one student.
func (s *Service) SetOverride(sessionID, studentID string, present bool) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return sess.SetOverride(studentID, present, s.nowFunc())
}

// ClearOverride removes a teacher override.
func (s *Service) ClearOverride(sessionID, studentID string) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return sess.ClearOverride(studentID, s.nowFunc())
}

// Finalize runs reconciliation one last time, commits the verdicts to the
// ledger, and seals the session. On ledger failure the session stays
// reconciled so the call can be retried; a concurrent second call fails with
// ErrAlreadyFinalized.
func (s *Service) Finalize(ctx context.Context, sessionID string, overrides map[string]bool) ([]Verdict, VerdictSummary, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, VerdictSummary{}, err
	}

	verdicts, err := sess.BeginFinalize(overrides, s.nowFunc())
	if err != nil {
		return nil, VerdictSummary{}, err
	}

	if err := s.ledger.Commit(ctx, sess.ScheduleID, sess.ID, verdicts); err != nil {
		sess.AbortFinalize()
		metrics.LedgerFailures.Inc()
		return nil, VerdictSummary{}, fmt.Errorf("%w: %v", ErrLedgerCommit, err)
	}

	sess.CompleteFinalize(verdicts, s.nowFunc())
	s.registry.Retire(sessionID)
	metrics.SessionsFinalized.Inc()
	return verdicts, summarizeVerdicts(verdicts), nil
}

// Abandon discards a session that will never be finalized.
func (s *Service) Abandon(sessionID string) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	sess.Abandon(s.nowFunc())
	s.registry.Retire(sessionID)
	return nil
}
