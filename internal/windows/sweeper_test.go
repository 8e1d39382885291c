package windows

import (
	"testing"
	"time"
)

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	if _, err := NewSweeper(NewRegistry(), "not a schedule", time.Hour); err == nil {
		t.Error("expected error for invalid cron spec")
	}
}

func TestNewSweeperRejectsNonPositiveAge(t *testing.T) {
	if _, err := NewSweeper(NewRegistry(), "@hourly", 0); err == nil {
		t.Error("expected error for zero max age")
	}
}

func TestSweeperRunOnce(t *testing.T) {
	r, clock := newTestRegistry()
	r.Register("w1", "alice")
	clock.Advance(25 * time.Hour)
	r.Register("w2", "alice")

	s, err := NewSweeper(r, "@hourly", 24*time.Hour)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	if removed := s.RunOnce(); removed != 1 {
		t.Errorf("RunOnce removed %d, want 1", removed)
	}
	if _, ok := r.Get("w2"); !ok {
		t.Error("w2 should remain")
	}
}

func TestSweeperScheduledRun(t *testing.T) {
	r, clock := newTestRegistry()
	r.Register("w1", "alice")
	clock.Advance(2 * time.Hour)

	s, err := NewSweeper(r, "@every 1s", time.Hour)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.Len() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("scheduled sweep did not remove the stale entry")
}
