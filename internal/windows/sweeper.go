package windows

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically drops stale registry entries. It only touches the
// registry; live relay windows are never closed by a sweep.
type Sweeper struct {
	registry *Registry
	maxAge   time.Duration
	cron     *cron.Cron
}

// NewSweeper schedules registry sweeps using a standard cron spec or a
// descriptor such as "@hourly" or "@every 30m". Call Start to begin.
func NewSweeper(registry *Registry, schedule string, maxAge time.Duration) (*Sweeper, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("sweeper: max age must be positive, got %s", maxAge)
	}
	s := &Sweeper{
		registry: registry,
		maxAge:   maxAge,
		cron:     cron.New(),
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce() }); err != nil {
		return nil, fmt.Errorf("sweeper: parse schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running sweeps in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	log.Printf("[windows] sweeper started (max age %s)", s.maxAge)
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce performs a single sweep and returns the number of removed entries.
func (s *Sweeper) RunOnce() int {
	return s.registry.Sweep(s.maxAge)
}
