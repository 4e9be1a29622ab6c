// Package scheduler keeps one in-memory timer per active job and fires jobs
// on a bounded worker pool. The scheduled_jobs table is authoritative; the
// timer map is an index rebuilt from it on start.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"event-dispatcher/internal/clock"
	"event-dispatcher/internal/models"
	"event-dispatcher/internal/telemetry"
	"event-dispatcher/internal/worker"
)

// ErrStopped is returned by operations attempted after Stop.
var ErrStopped = errors.New("scheduler: stopped")

// Store is the persistence the scheduler reads and seeds.
type Store interface {
	ListPendingEvents(ctx context.Context) ([]models.Event, error)
	ListRecoverableJobs(ctx context.Context) ([]models.ScheduledJob, error)
	EnsureJob(ctx context.Context, eventID string, runAt time.Time) (models.ScheduledJob, bool, error)
	AppendAudit(ctx context.Context, eventID, action, detail string) error
}

// Runner executes one attempt of a job.
type Runner interface {
	Run(ctx context.Context, eventID string) worker.Outcome
}

// Options configures a Scheduler.
type Options struct {
	// LeadOffset is how long before an event's start its job fires.
	LeadOffset time.Duration
	// Workers bounds concurrent job executions.
	Workers int
	Clock   clock.Clock
	Logger  logrus.FieldLogger
}

// TrackedJob describes one entry of the timer map.
type TrackedJob struct {
	EventID string    `json:"event_id"`
	RunAt   time.Time `json:"run_at"`
	Running bool      `json:"running"`
}

type entry struct {
	timer   clock.Timer
	runAt   time.Time
	running bool
	// gen identifies the arming; a timer whose gen no longer matches is stale.
	gen uint64
}

type task struct {
	eventID string
	gen     uint64
}

// Scheduler owns the timer map. An entry stays in the map while its job runs
// so that discovery cannot arm a duplicate.
type Scheduler struct {
	store  Store
	runner Runner
	opts   Options
	log    logrus.FieldLogger

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	stopped bool

	work      chan task
	quit      chan struct{}
	runCtx    context.Context
	abandon   context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a scheduler and starts its worker pool.
func New(st Store, runner Runner, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	runCtx, abandon := context.WithCancel(context.Background())
	s := &Scheduler{
		store:   st,
		runner:  runner,
		opts:    opts,
		log:     opts.Logger.WithField("component", "scheduler"),
		entries: make(map[string]*entry),
		work:    make(chan task, 256),
		quit:    make(chan struct{}),
		runCtx:  runCtx,
		abandon: abandon,
	}
	for i := 0; i < opts.Workers; i++ {
		s.wg.Add(1)
		go s.workerLoop()
	}
	return s
}

// RecoverJobs re-arms every scheduled, retrying or abandoned processing job
// at its stored time. Jobs already due fire immediately.
func (s *Scheduler) RecoverJobs(ctx context.Context) (int, error) {
	jobs, err := s.store.ListRecoverableJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover jobs: %w", err)
	}
	n := 0
	for _, job := range jobs {
		armed, err := s.arm(job.EventID, job.ScheduledTime)
		if err != nil {
			return n, err
		}
		if !armed {
			continue
		}
		n++
		s.audit(ctx, job.EventID, "recovered", fmt.Sprintf("status=%s run_at=%s", job.Status, job.ScheduledTime.UTC().Format(time.RFC3339)))
	}
	s.log.WithField("count", n).Info("recovered scheduled jobs")
	return n, nil
}

// ScheduleAllPending arms a timer for every pending event that has none.
// The persisted job row wins over the computed time, so a job waiting for a
// retry keeps its retry time. Jobs left in processing are skipped. One
// event's failure does not stop the rest.
func (s *Scheduler) ScheduleAllPending(ctx context.Context) (int, error) {
	events, err := s.store.ListPendingEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending events: %w", err)
	}
	n := 0
	for _, ev := range events {
		if s.Tracked(ev.ID) {
			continue
		}
		log := s.log.WithField("event_id", ev.ID)
		job, created, err := s.store.EnsureJob(ctx, ev.ID, ev.StartTime.Add(-s.opts.LeadOffset))
		if err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			log.WithError(err).Error("persist scheduled job failed")
			continue
		}
		if !job.Active() {
			log.WithField("status", job.Status).Debug("job already finished, not arming")
			continue
		}
		if job.Status == models.JobProcessing {
			// Left mid-run; only RecoverJobs re-arms it after a restart.
			log.Warn("job left in processing, leaving it to recovery")
			continue
		}
		armed, err := s.arm(ev.ID, job.ScheduledTime)
		if err != nil {
			return n, err
		}
		if !armed {
			continue
		}
		n++
		if created {
			s.audit(ctx, ev.ID, "scheduled", "run_at="+job.ScheduledTime.UTC().Format(time.RFC3339))
		}
		log.WithField("run_at", job.ScheduledTime).Info("job scheduled")
	}
	return n, nil
}

// CancelJob drops the timer for eventID. A run already in progress finishes
// but is not re-armed. It reports whether anything was tracked.
func (s *Scheduler) CancelJob(ctx context.Context, eventID string) bool {
	s.mu.Lock()
	e, ok := s.entries[eventID]
	if ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, eventID)
		telemetry.ActiveTimers.Set(float64(len(s.entries)))
	}
	s.mu.Unlock()

	if ok {
		s.audit(ctx, eventID, "cancelled", "")
		s.log.WithField("event_id", eventID).Info("job cancelled")
	}
	return ok
}

// Tracked reports whether eventID has a timer or a running job.
func (s *Scheduler) Tracked(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[eventID]
	return ok
}

// Len returns the number of tracked jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot lists tracked jobs ordered by run time.
func (s *Scheduler) Snapshot() []TrackedJob {
	s.mu.Lock()
	out := make([]TrackedJob, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, TrackedJob{EventID: id, RunAt: e.runAt, Running: e.running})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunAt.Equal(out[j].RunAt) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].RunAt.Before(out[j].RunAt)
	})
	return out
}

// Stop refuses new timers, cancels pending ones and waits for running jobs.
// When ctx ends first, running jobs are told to abandon and Stop returns
// ctx's error; their rows stay as they are for the next start to recover.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for id, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, id)
	}
	telemetry.ActiveTimers.Set(0)
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.quit) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.abandon()
		return nil
	case <-ctx.Done():
		s.abandon()
		s.log.Warn("shutdown grace elapsed, abandoning running jobs")
		return ctx.Err()
	}
}

// arm registers a timer for eventID at runAt unless one is tracked. The
// delay is clamped at zero so overdue jobs fire at once.
func (s *Scheduler) arm(eventID string, runAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false, ErrStopped
	}
	if _, ok := s.entries[eventID]; ok {
		return false, nil
	}
	e := &entry{runAt: runAt}
	s.entries[eventID] = e
	s.startTimerLocked(eventID, e)
	telemetry.JobsScheduled.Inc()
	telemetry.ActiveTimers.Set(float64(len(s.entries)))
	return true, nil
}

// startTimerLocked never runs the callback synchronously, so holding s.mu
// across AfterFunc is safe.
func (s *Scheduler) startTimerLocked(eventID string, e *entry) {
	s.gen++
	gen := s.gen
	e.gen = gen
	e.running = false
	delay := e.runAt.Sub(s.opts.Clock.Now())
	if delay < 0 {
		delay = 0
	}
	e.timer = s.opts.Clock.AfterFunc(delay, func() { s.fire(eventID, gen) })
}

// fire is the timer callback: it hands the job to the pool.
func (s *Scheduler) fire(eventID string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[eventID]
	if !ok || e.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	e.running = true
	e.timer = nil
	s.mu.Unlock()

	select {
	case s.work <- task{eventID: eventID, gen: gen}:
	case <-s.quit:
	}
}

func (s *Scheduler) workerLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case t := <-s.work:
			s.execute(t)
		}
	}
}

func (s *Scheduler) execute(t task) {
	log := s.log.WithField("event_id", t.eventID)
	var out worker.Outcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				telemetry.RecoveredPanics.Inc()
				log.WithField("stack", string(debug.Stack())).Errorf("panic in job runner: %v", r)
				out = worker.Outcome{}
			}
		}()
		out = s.runner.Run(s.runCtx, t.eventID)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[t.eventID]
	if !ok || e.gen != t.gen {
		// Cancelled while running.
		return
	}
	if out.Retry && !s.stopped {
		e.runAt = out.NextRunAt
		s.startTimerLocked(t.eventID, e)
		return
	}
	delete(s.entries, t.eventID)
	telemetry.ActiveTimers.Set(float64(len(s.entries)))
}

func (s *Scheduler) audit(ctx context.Context, eventID, action, detail string) {
	if err := s.store.AppendAudit(ctx, eventID, action, detail); err != nil {
		s.log.WithError(err).WithField("event_id", eventID).Warn("audit write failed")
	}
}
