// Package watch runs periodic background jobs (state reconciliation) on a
// cron schedule.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/gw2am/internal/metrics"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a schedule: standard cron with optional seconds,
// or a descriptor such as "@every 5s".
func ParseSchedule(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return s, nil
}

// Job is one scheduled function. A tick that fires while the previous run
// is still going is skipped.
type Job struct {
	Name     string
	Schedule string
	// Timeout bounds one run; zero means no bound beyond Stop.
	Timeout time.Duration
	Run     func(ctx context.Context) error

	running atomic.Bool
	entry   cron.EntryID
}

// Scheduler owns a cron instance and the context handed to job runs.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	jobs    map[string]*Job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser)),
		jobs:   make(map[string]*Job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers j. Names must be unique.
func (s *Scheduler) Add(j *Job) error {
	if j.Name == "" {
		return errors.New("job requires a name")
	}
	if j.Run == nil {
		return fmt.Errorf("job %s requires a run function", j.Name)
	}
	if _, err := ParseSchedule(j.Schedule); err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[j.Name]; dup {
		return fmt.Errorf("job %q already exists", j.Name)
	}
	id, err := s.cron.AddFunc(j.Schedule, func() { s.fire(j) })
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", j.Name, err)
	}
	j.entry = id
	s.jobs[j.Name] = j
	slog.Info("job scheduled", "job", j.Name, "schedule", j.Schedule)
	return nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts scheduling, cancels running jobs and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.cancel()
		return
	}
	s.started = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
}

// RunNow executes the named job immediately, honouring the overlap guard.
// It reports whether the job ran.
func (s *Scheduler) RunNow(name string) (bool, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("job %q not found", name)
	}
	return s.fire(j), nil
}

// Next returns the next scheduled time of the named job, zero if unknown or
// not started.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(j.entry).Next
}

func (s *Scheduler) fire(j *Job) bool {
	if !j.running.CompareAndSwap(false, true) {
		metrics.IncJobRun(j.Name, "skipped")
		slog.Debug("job still running, tick skipped", "job", j.Name)
		return false
	}
	if s.ctx.Err() != nil {
		j.running.Store(false)
		return false
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer j.running.Store(false)

	ctx := s.ctx
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := j.Run(ctx)
	metrics.ObserveJobDuration(j.Name, time.Since(start).Seconds())
	if err != nil {
		metrics.IncJobRun(j.Name, "error")
		slog.Warn("job failed", "job", j.Name, "error", err)
		return true
	}
	metrics.IncJobRun(j.Name, "ok")
	return true
}
