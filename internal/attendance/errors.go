package attendance

import "errors"

// Sentinel errors returned by the session core. Handlers map these to HTTP
// statuses; nothing here is fatal to the process.
var (
	ErrDuplicateActiveSession = errors.New("schedule already has an active session")
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionClosed          = errors.New("session no longer accepts evidence")
	ErrSessionExpired         = errors.New("qr validity window has passed")
	ErrPhotoAlreadyCaptured   = errors.New("class photo already captured")
	ErrAlreadyFinalized       = errors.New("session already finalized")
	ErrNoPhotoEvidence        = errors.New("no class photo evidence captured")
	ErrVerifierTimeout        = errors.New("face verifier timed out")
	ErrLedgerCommit           = errors.New("attendance ledger commit failed")
)
