package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Clock is the time source of a Scheduler.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NextTick returns the first grid tick strictly after now. Ticks are
// aligned to wall-clock time in loc and delayed by phase.
func NextTick(now time.Time, grid, phase time.Duration, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	shifted := now.Add(-phase).In(loc)
	_, offset := shifted.Zone()
	zone := time.Duration(offset) * time.Second
	slot := shifted.Add(zone).Truncate(grid).Add(-zone)
	return slot.Add(grid).Add(phase)
}

// Option configures one registration.
type Option func(*entry)

// RunAtStart also invokes the job once when Run starts, with last unset
// and current set to the start time.
func RunAtStart() Option {
	return func(e *entry) { e.atStart = true }
}

type entry struct {
	job     Job
	grid    time.Duration
	phase   time.Duration
	atStart bool
}

// Scheduler runs registered jobs, one goroutine each.
type Scheduler struct {
	clock   Clock
	loc     *time.Location
	monitor *Monitor

	mu      sync.Mutex
	entries []*entry
}

// New creates a Scheduler aligning grids in loc.
func New(loc *time.Location) *Scheduler {
	return NewWithClock(realClock{}, loc)
}

// NewWithClock creates a Scheduler driven by clock.
func NewWithClock(clock Clock, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		clock:   clock,
		loc:     loc,
		monitor: NewMonitor(clock.Now),
	}
}

// Monitor returns the health record of every registered job.
func (s *Scheduler) Monitor() *Monitor {
	return s.monitor
}

// Register adds job to run every grid, offset by phase. Must be called
// before Run.
func (s *Scheduler) Register(job Job, grid, phase time.Duration, opts ...Option) {
	e := &entry{job: job, grid: grid, phase: phase}
	for _, opt := range opts {
		opt(e)
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	s.monitor.Register(job.Name(), grid)
}

// Run blocks running every job until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			s.loop(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	name := e.job.Name()
	log := logrus.WithField("job", name)
	log.WithFields(logrus.Fields{
		"grid":  e.grid.String(),
		"phase": e.phase.String(),
	}).Info("Job scheduled")

	var last time.Time
	if e.atStart {
		now := s.clock.Now()
		s.invoke(ctx, e, last, now, NextTick(now, e.grid, e.phase, s.loc))
		last = now
	}

	next := NextTick(s.clock.Now(), e.grid, e.phase, s.loc)
	for {
		if ctx.Err() != nil {
			log.Info("Stopping job")
			return
		}
		select {
		case <-ctx.Done():
			log.Info("Stopping job")
			return
		case <-s.clock.After(next.Sub(s.clock.Now())):
		}

		current := next
		following := current.Add(e.grid)
		s.invoke(ctx, e, last, current, following)
		last = current

		// Ticks that passed while the job ran are skipped.
		next = following
		now := s.clock.Now()
		skipped := 0
		for next.Before(now) {
			next = next.Add(e.grid)
			skipped++
		}
		if skipped > 0 {
			s.monitor.RecordSkipped(name, skipped)
			log.WithField("skipped", skipped).Warn("Job overran its grid; skipping late ticks")
		}
	}
}

func (s *Scheduler) invoke(ctx context.Context, e *entry, last, current, next time.Time) {
	name := e.job.Name()
	start := s.clock.Now()
	err := e.job.Handle(ctx, last, current, next)
	if err != nil {
		s.monitor.RecordFailure(name, err)
		logrus.WithError(err).WithFields(logrus.Fields{
			"job":  name,
			"tick": current.Format(time.RFC3339),
		}).Error("Job failed")
		return
	}
	s.monitor.RecordSuccess(name)
	logrus.WithFields(logrus.Fields{
		"job":      name,
		"tick":     current.Format(time.RFC3339),
		"duration": s.clock.Now().Sub(start).String(),
	}).Debug("Job completed")
}
