package engine

import "time"

// Backoff computes retry delays as initial·2^attempt capped at max. The
// schedule is a pure function of the attempt number, so a due time persisted
// on an assignment stays valid across restarts.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before re-dispatching after the given failed
// attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := b.Initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}
