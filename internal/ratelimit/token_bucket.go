package ratelimit

import (
	"math"

	"golang.org/x/time/rate"
)

// TokenBucket limits inbound frames on one signaling connection. It starts
// full and refills at fillRate tokens/sec up to capacityTokens, reading time
// from a Clock so tests can drive refill.
type TokenBucket struct {
	clock Clock
	lim   *rate.Limiter
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	return &TokenBucket{
		clock: clock,
		lim:   rate.NewLimiter(rate.Limit(max(fillRate, 0)), clampInt(capacityTokens)),
	}
}

// Allow consumes tokens if that many are available. tokens <= 0 always
// succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	return b.lim.AllowN(b.clock.Now(), clampInt(tokens))
}

// Available returns the number of whole tokens currently in the bucket.
func (b *TokenBucket) Available() int64 {
	return int64(math.Floor(b.lim.TokensAt(b.clock.Now())))
}

func clampInt(n int64) int {
	switch {
	case n <= 0:
		return 0
	case n > math.MaxInt32:
		return math.MaxInt32
	default:
		return int(n)
	}
}
