// Package ledger provides attendance.Ledger backends. The Postgres backend
// lives with the repository in internal/attendance; this package holds the
// in-memory and Redis variants selected by LEDGER_BACKEND.
package ledger

import (
	"context"
	"sync"

	"presence/internal/attendance"
)

// Memory keeps committed verdicts in a map. Commits are idempotent per
// session: a retry replaces the same session's entry.
type Memory struct {
	mu      sync.Mutex
	entries map[string][]attendance.Verdict // sessionID -> verdicts
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]attendance.Verdict)}
}

// Commit stores the verdict set keyed by sessionID.
func (m *Memory) Commit(_ context.Context, scheduleID, sessionID string, verdicts []attendance.Verdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[sessionID] = append([]attendance.Verdict(nil), verdicts...)
	return nil
}

// Get returns the committed verdicts for a session, nil when none.
func (m *Memory) Get(sessionID string) []attendance.Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]attendance.Verdict(nil), m.entries[sessionID]...)
}

// Commits reports how many sessions have been committed.
func (m *Memory) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
