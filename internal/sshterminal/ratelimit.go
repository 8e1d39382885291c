package sshterminal

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/scottpeterman/velociterm/internal/logutil"
)

// Connect attempt limits. Two independent mechanisms protect remote hosts
// from connection storms driven by a misbehaving or scripted client:
//   - Sliding window: at most MaxAttemptsPerMinute attempts per target.
//   - Failure block: after MaxConsecFailures failures in a row the target is
//     refused for BlockDuration.
const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxConsecFailures    = 5
	DefaultBlockDuration        = 5 * time.Minute
)

// RateLimitConfig holds the connect attempt limits.
type RateLimitConfig struct {
	MaxAttemptsPerMinute int
	MaxConsecFailures    int
	BlockDuration        time.Duration
}

// DefaultRateLimitConfig returns the default limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttemptsPerMinute: DefaultMaxAttemptsPerMinute,
		MaxConsecFailures:    DefaultMaxConsecFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

type targetRateState struct {
	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

// RateLimiter tracks connect attempts per target key (user@host:port).
type RateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	state  map[string]*targetRateState
	nowFn  func() time.Time
}

// NewRateLimiter creates a RateLimiter with the given limits.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config: config,
		state:  make(map[string]*targetRateState),
		nowFn:  time.Now,
	}
}

// Allow records an attempt for key, or returns an error describing why the
// attempt is refused.
func (rl *RateLimiter) Allow(key string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.stateFor(key)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		log.Printf("[ssh] rate limit: %s blocked for %s (%d consecutive failures)",
			logutil.SanitizeForLog(key), remaining, s.consecFailures)
		return fmt.Errorf("blocked after %d consecutive failures; retry after %s", s.consecFailures, remaining)
	}

	cutoff := now.Add(-time.Minute)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if rl.config.MaxAttemptsPerMinute > 0 && len(s.attempts) >= rl.config.MaxAttemptsPerMinute {
		log.Printf("[ssh] rate limit: %s exceeded %d attempts/min",
			logutil.SanitizeForLog(key), rl.config.MaxAttemptsPerMinute)
		return fmt.Errorf("%d connection attempts in the last minute (max %d)",
			len(s.attempts), rl.config.MaxAttemptsPerMinute)
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordSuccess clears the failure streak for key.
func (rl *RateLimiter) RecordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	s := rl.stateFor(key)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// RecordFailure extends the failure streak for key and blocks it once the
// streak reaches the configured threshold.
func (rl *RateLimiter) RecordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.stateFor(key)
	s.consecFailures++
	if rl.config.MaxConsecFailures > 0 && s.consecFailures >= rl.config.MaxConsecFailures {
		s.blockedUntil = rl.nowFn().Add(rl.config.BlockDuration)
		log.Printf("[ssh] rate limit: blocking %s until %s (%d consecutive failures)",
			logutil.SanitizeForLog(key), s.blockedUntil.Format(time.RFC3339), s.consecFailures)
	}
}

// Reset forgets all state for key.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.state, key)
}

// stateFor must be called with rl.mu held.
func (rl *RateLimiter) stateFor(key string) *targetRateState {
	s, ok := rl.state[key]
	if !ok {
		s = &targetRateState{}
		rl.state[key] = s
	}
	return s
}
