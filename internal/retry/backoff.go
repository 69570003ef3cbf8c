// Package retry holds the exponential backoff formula shared by the
// outbound queue and the connection state machine. The two keep
// independent attempt counters but escalate identically.
package retry

import "time"

// Backoff returns the wait before retry number attempt (1-based):
// base, 2*base, 4*base, ... capped at ceil. Non-positive attempts are
// treated as the first.
func Backoff(attempt int, base, ceil time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceil {
			return ceil
		}
	}

	if d > ceil {
		return ceil
	}

	return d
}
