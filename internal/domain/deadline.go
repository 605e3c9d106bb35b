package domain

import "time"

// Window computes the start and end of a session started at now with the
// given delay. Negative delays are treated as zero.
func Window(now time.Time, delay time.Duration, durationSec int) (startedAt, endsAt time.Time) {
	if delay < 0 {
		delay = 0
	}
	startedAt = now.Add(delay)
	endsAt = startedAt.Add(time.Duration(durationSec) * time.Second)
	return startedAt, endsAt
}

// Expired reports whether an active session has passed its deadline.
func (s Session) Expired(now time.Time) bool {
	return s.Status == StatusActive && s.EndsAt != nil && now.After(*s.EndsAt)
}

// Remaining is the time left before the deadline, zero when not running.
func (s Session) Remaining(now time.Time) time.Duration {
	if s.Status != StatusActive || s.EndsAt == nil {
		return 0
	}
	if d := s.EndsAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
