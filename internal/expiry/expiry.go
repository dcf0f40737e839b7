package expiry

import "time"

// Expired reports whether expiresAt has passed at the given instant.
// Exactly at the deadline the window is still open.
func Expired(now, expiresAt time.Time) bool {
	return now.After(expiresAt)
}

// Remaining returns the time left until expiresAt, floored at zero.
func Remaining(now, expiresAt time.Time) time.Duration {
	d := expiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
