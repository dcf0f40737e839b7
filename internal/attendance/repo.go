package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository backs the roster and ledger collaborators with Postgres. It
// implements both RosterProvider and Ledger.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetEligibleStudents loads the roster for a schedule slot.
func (r *Repository) GetEligibleStudents(ctx context.Context, scheduleID string) ([]EligibleStudent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.student_id, s.name, s.roll_number
		FROM schedule_roster sr
		JOIN students s ON s.student_id = sr.student_id
		WHERE sr.schedule_id = $1
		ORDER BY s.roll_number
	`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roster []EligibleStudent
	for rows.Next() {
		var st EligibleStudent
		if err := rows.Scan(&st.StudentID, &st.StudentName, &st.RollNumber); err != nil {
			return nil, err
		}
		roster = append(roster, st)
	}
	return roster, rows.Err()
}

// Commit writes the finalized verdicts. The upsert keyed by
// (session_id, student_id) makes finalize retries idempotent.
func (r *Repository) Commit(ctx context.Context, scheduleID, sessionID string, verdicts []Verdict) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, v := range verdicts {
		status := "absent"
		if v.Present {
			status = "present"
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attendance_records (session_id, schedule_id, student_id, status, reason, recorded_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (session_id, student_id) DO UPDATE SET
				status = EXCLUDED.status,
				reason = EXCLUDED.reason,
				recorded_at = NOW()
		`, sessionID, scheduleID, v.StudentID, status, v.Reason); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetRecord returns one committed attendance record, nil when absent.
func (r *Repository) GetRecord(ctx context.Context, sessionID, studentID string) (*Verdict, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT student_id, status, reason
		FROM attendance_records
		WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID)
	var v Verdict
	var status string
	if err := row.Scan(&v.StudentID, &status, &v.Reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	v.Present = status == "present"
	return &v, nil
}

// ListRecords returns the committed verdicts for a session, oldest first.
func (r *Repository) ListRecords(ctx context.Context, sessionID string) ([]Verdict, time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id, status, reason, recorded_at
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY recorded_at, student_id
	`, sessionID)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer rows.Close()

	var verdicts []Verdict
	var last time.Time
	for rows.Next() {
		var v Verdict
		var status string
		var at time.Time
		if err := rows.Scan(&v.StudentID, &status, &v.Reason, &at); err != nil {
			return nil, time.Time{}, err
		}
		v.Present = status == "present"
		if at.After(last) {
			last = at
		}
		verdicts = append(verdicts, v)
	}
	return verdicts, last, rows.Err()
}
