package relay

import (
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tb := newTokenBucket(3, 10)
	tb.lastRefill = now
	tb.nowFn = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !tb.allow() {
			t.Fatalf("message %d refused within burst", i)
		}
	}
	if tb.allow() {
		t.Fatal("burst exceeded")
	}

	// 10 tokens per second: one token after 100ms.
	now = now.Add(100 * time.Millisecond)
	if !tb.allow() {
		t.Fatal("no token after refill")
	}
	if tb.allow() {
		t.Fatal("refill granted more than one token")
	}

	// A long pause refills only up to the burst.
	now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		if !tb.allow() {
			t.Fatalf("message %d refused after pause", i)
		}
	}
	if tb.allow() {
		t.Fatal("bucket grew past its burst")
	}
}
