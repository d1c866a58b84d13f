package runner

import "time"

// backoff implements spec §4.4.6: min(maxMs, baseMs·2^max(0, attempt-1)).
func backoff(attempt int, baseMs, maxMs int64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30 // guard against overflow for pathological attempt counts
	}
	delayMs := baseMs << uint(shift)
	if delayMs > maxMs || delayMs < 0 {
		delayMs = maxMs
	}
	return time.Duration(delayMs) * time.Millisecond
}
