package relay

import "time"

// Inbound message limits per window. Messages beyond them are dropped.
const (
	inboundRate     = 200 // messages per second
	inboundBurst    = 200
	maxMessageBytes = 64 * 1024
)

// tokenBucket is a simple token bucket for inbound messages.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens added per second
	lastRefill time.Time
	nowFn      func() time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(maxTokens),
		maxTokens:  float64(maxTokens),
		refillRate: float64(refillRate),
		lastRefill: time.Now(),
		nowFn:      time.Now,
	}
}

// allow consumes a token if one is available.
func (tb *tokenBucket) allow() bool {
	now := tb.nowFn()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	tb.lastRefill = now
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}
