// Package scheduler runs the bot's recurring jobs with a fixed delay between
// the end of one run and the start of the next.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tradebot/internal/events"
	"tradebot/internal/util"
)

var (
	// ErrUnknownJob is returned by Trigger for an unregistered name.
	ErrUnknownJob = errors.New("unknown job")

	// ErrJobRunning is returned by Trigger while the job is executing.
	ErrJobRunning = errors.New("job already running")
)

// Calendar gates jobs on exchange hours.
type Calendar interface {
	IsMarketOpen(t time.Time) bool
	IsTradingDay(t time.Time) bool
}

// Job is a named unit of recurring work.
type Job struct {
	Name     string
	Interval time.Duration

	// RunOnStart runs the job immediately instead of after one interval.
	RunOnStart bool

	// MarketHoursOnly skips runs while the market is closed.
	MarketHoursOnly bool

	// TradingDaysOnly skips runs on weekends and holidays.
	TradingDaysOnly bool

	Run func(ctx context.Context) error
}

// JobStatus is a point-in-time view of a job.
type JobStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Running   bool          `json:"running"`
	Runs      int           `json:"runs"`
	Failures  int           `json:"failures"`
	Skipped   int           `json:"skipped"`
	LastRun   time.Time     `json:"last_run"`
	LastError string        `json:"last_error,omitempty"`
	NextRun   time.Time     `json:"next_run"`
}

type entry struct {
	job    Job
	status JobStatus
}

// Scheduler owns a set of jobs. A job never overlaps itself.
type Scheduler struct {
	cal Calendar
	bus events.Publisher
	log *slog.Logger
	now func() time.Time

	mu   sync.Mutex
	jobs map[string]*entry
}

// New creates a Scheduler. cal and bus may be nil.
func New(cal Calendar, bus events.Publisher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cal:  cal,
		bus:  bus,
		log:  util.Component(logger, "scheduler"),
		now:  time.Now,
		jobs: make(map[string]*entry),
	}
}

// Add registers a job. Names must be unique and intervals positive.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return fmt.Errorf("job needs a name and a run func")
	}
	if j.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", j.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.Name]; ok {
		return fmt.Errorf("job %s already registered", j.Name)
	}
	s.jobs[j.Name] = &entry{job: j, status: JobStatus{Name: j.Name, Interval: j.Interval}}
	return nil
}

// Run starts every job loop and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			s.loop(ctx, e)
			return nil
		})
	}
	s.log.Info("scheduler started", "jobs", len(entries))
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	delay := e.job.Interval
	if e.job.RunOnStart {
		delay = 0
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		s.mu.Lock()
		e.status.NextRun = s.now().Add(delay)
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if s.gated(e.job) {
			s.mu.Lock()
			e.status.Skipped++
			s.mu.Unlock()
		} else {
			// A manual Trigger may hold the job; skip this tick if so.
			_ = s.execute(ctx, e)
		}
		delay = e.job.Interval
		timer.Reset(delay)
	}
}

func (s *Scheduler) gated(j Job) bool {
	if s.cal == nil {
		return false
	}
	now := s.now()
	if j.MarketHoursOnly && !s.cal.IsMarketOpen(now) {
		return true
	}
	if j.TradingDaysOnly && !s.cal.IsTradingDay(now) {
		return true
	}
	return false
}

// execute runs the job once unless it is already running.
func (s *Scheduler) execute(ctx context.Context, e *entry) error {
	s.mu.Lock()
	if e.status.Running {
		s.mu.Unlock()
		return ErrJobRunning
	}
	e.status.Running = true
	s.mu.Unlock()

	start := s.now()
	err := s.safeRun(ctx, e.job)

	s.mu.Lock()
	e.status.Running = false
	e.status.Runs++
	e.status.LastRun = start
	e.status.LastError = ""
	if err != nil {
		e.status.Failures++
		e.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		s.log.Error("job failed", "job", e.job.Name, "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		if s.bus != nil {
			s.bus.Publish(events.Event{
				Type:    events.JobFailed,
				Message: fmt.Sprintf("%s: %v", e.job.Name, err),
				Payload: map[string]string{"job": e.job.Name, "error": err.Error()},
			})
		}
		return err
	}
	s.log.Debug("job done", "job", e.job.Name, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func (s *Scheduler) safeRun(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.Run(ctx)
}

// Trigger runs the named job now, in the caller's goroutine, ignoring the
// calendar gate.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, e)
}

// Status returns every job's status ordered by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
