package attendance

import "context"

// StaticRoster is an in-memory RosterProvider for dev deployments and tests,
// keyed by scheduleID. A missing schedule yields an empty roster.
type StaticRoster map[string][]EligibleStudent

// GetEligibleStudents returns a copy of the configured roster.
func (r StaticRoster) GetEligibleStudents(_ context.Context, scheduleID string) ([]EligibleStudent, error) {
	return append([]EligibleStudent(nil), r[scheduleID]...), nil
}
