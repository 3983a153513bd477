// Package cron drives a single periodic job, the backup cycle, on a cron
// schedule evaluated in a fixed timezone.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

const (
	// DefaultSpec fires on every quarter hour.
	DefaultSpec = "*/15 * * * *"
	// DefaultCooldown is the pause after a failed run before the next
	// schedule is computed.
	DefaultCooldown = 60 * time.Second
)

// Job is the periodic work. It receives a context that is not cancelled by
// Stop so an in-flight run always completes.
type Job func(ctx context.Context) error

// State is where the scheduler loop currently is.
type State string

const (
	StateIdle    State = "idle"
	StateWaiting State = "waiting"
	StateRunning State = "running"
)

// Options configures a Service. Zero values use the defaults.
type Options struct {
	Spec     string
	Location *time.Location
	Cooldown time.Duration
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State   State
	Next    time.Time
	LastRun time.Time
	LastErr error
	Runs    int
}

type Service struct {
	job      Job
	schedule rcron.Schedule
	loc      *time.Location
	cooldown time.Duration
	now      func() time.Time

	// runMu serialises scheduled runs with RunNow.
	runMu sync.Mutex

	mu      sync.Mutex
	state   State
	next    time.Time
	lastRun time.Time
	lastErr error
	runs    int
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewService parses the schedule and returns an idle service.
func NewService(job Job, opts Options) (*Service, error) {
	if job == nil {
		return nil, errors.New("cron job is required")
	}
	spec := opts.Spec
	if spec == "" {
		spec = DefaultSpec
	}
	schedule, err := rcron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Service{
		job:      job,
		schedule: schedule,
		loc:      loc,
		cooldown: cooldown,
		now:      time.Now,
		state:    StateIdle,
	}, nil
}

// NextRun returns the first scheduled time strictly after t.
func (s *Service) NextRun(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.loc))
}

// Start launches the loop. It returns an error if the loop is already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("cron already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx, s.done)
	log.Printf("[cron] started, next run at %s", s.NextRun(s.now()).Format(time.RFC3339))
	return nil
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.setState(StateIdle, time.Time{})

	for {
		next := s.NextRun(s.now())
		s.setState(StateWaiting, next)
		if !sleep(ctx, next.Sub(s.now())) {
			return
		}

		if err := s.execute(context.WithoutCancel(ctx)); err != nil {
			log.Printf("[cron] run failed, cooling down %s: %v", s.cooldown, err)
			s.setState(StateWaiting, s.now().Add(s.cooldown))
			if !sleep(ctx, s.cooldown) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Service) execute(ctx context.Context) error {
	s.setState(StateRunning, time.Time{})
	return s.RunNow(ctx)
}

// RunNow runs the job synchronously, serialised with scheduled runs.
func (s *Service) RunNow(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	err := s.job(ctx)
	s.mu.Lock()
	s.lastRun = s.now()
	s.lastErr = err
	s.runs++
	s.mu.Unlock()
	return err
}

func (s *Service) setState(state State, next time.Time) {
	s.mu.Lock()
	s.state = state
	s.next = next
	s.mu.Unlock()
}

// Status reports the loop state and the last run.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:   s.state,
		Next:    s.next,
		LastRun: s.lastRun,
		LastErr: s.lastErr,
		Runs:    s.runs,
	}
}

// Stop cancels any pending wait and blocks until an in-flight run finishes.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Printf("[cron] stopped")
}
