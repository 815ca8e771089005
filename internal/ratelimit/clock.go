package ratelimit

import "time"

// Clock supplies the current time to limiters so tests can control refill.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
