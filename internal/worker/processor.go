package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"event-dispatcher/internal/clock"
	"event-dispatcher/internal/models"
	"event-dispatcher/internal/queue"
	"event-dispatcher/internal/source"
	"event-dispatcher/internal/telemetry"
)

// Store is the persistence the processor needs.
type Store interface {
	ClaimJob(ctx context.Context, eventID string) (models.ScheduledJob, bool, error)
	CompleteJob(ctx context.Context, eventID string) error
	RetryJob(ctx context.Context, eventID string, retryCount int, nextRun time.Time, errMsg string) error
	FailJob(ctx context.Context, eventID string, retryCount int, errMsg string) error
	AppendAudit(ctx context.Context, eventID, action, detail string) error
}

type Renderer interface {
	Render(ctx context.Context, ev source.RawEvent, attendees []source.RawAttendee, layout string) (string, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, path, mode string) error
}

type DeadLetter interface {
	Push(ctx context.Context, e queue.Entry) error
}

// Outcome tells the scheduler what to do with the job after an attempt.
type Outcome struct {
	// Status is the job status left in the store.
	Status string
	// Retry asks for the job to be fired again at NextRunAt.
	Retry     bool
	NextRunAt time.Time
	Err       error
}

// Options configures a Processor.
type Options struct {
	Backoff Backoff
	Layout  string
	Mode    string
	// DeadLetter is optional.
	DeadLetter DeadLetter
	Clock      clock.Clock
	Logger     logrus.FieldLogger
}

// Processor runs one attempt of an event's job: fetch fresh details and
// attendees, render, deliver, then record the result.
type Processor struct {
	store    Store
	source   source.EventSource
	renderer Renderer
	delivery Deliverer
	opts     Options
	log      logrus.FieldLogger
}

func NewProcessor(st Store, src source.EventSource, r Renderer, d Deliverer, opts Options) *Processor {
	if opts.Backoff.Base <= 0 {
		opts.Backoff.Base = 5 * time.Minute
	}
	if opts.Backoff.MaxAttempts <= 0 {
		opts.Backoff.MaxAttempts = 3
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Processor{
		store:    st,
		source:   src,
		renderer: r,
		delivery: d,
		opts:     opts,
		log:      opts.Logger.WithField("component", "processor"),
	}
}

// Run executes one attempt for eventID. Failures never escape as errors;
// they become job state transitions described by the returned Outcome.
func (p *Processor) Run(ctx context.Context, eventID string) Outcome {
	log := p.log.WithField("event_id", eventID)

	job, claimed, err := p.store.ClaimJob(ctx, eventID)
	if err != nil {
		// The row is untouched; try again after one base delay.
		next := p.opts.Clock.Now().Add(p.opts.Backoff.Base)
		log.WithError(err).Error("claim job failed")
		return Outcome{Status: models.JobScheduled, Retry: true, NextRunAt: next, Err: err}
	}
	if !claimed {
		log.Info("job no longer active, skipping")
		return Outcome{Status: job.Status}
	}
	p.audit(ctx, eventID, "processing", fmt.Sprintf("attempt=%d", job.RetryCount+1))

	started := time.Now()
	path, err := p.execute(ctx, eventID)
	telemetry.JobDuration.Observe(time.Since(started).Seconds())

	if err == nil {
		if err := p.store.CompleteJob(ctx, eventID); err != nil {
			// Delivered but not recorded: the row stays processing and is
			// re-run after restart.
			log.WithError(err).Error("record completion failed")
			return Outcome{Status: models.JobProcessing, Err: err}
		}
		p.audit(ctx, eventID, "completed", path)
		telemetry.JobsCompleted.Inc()
		log.WithField("document", path).Info("job completed")
		return Outcome{Status: models.JobCompleted}
	}

	if ctx.Err() != nil {
		log.WithError(err).Warn("job abandoned by shutdown")
		return Outcome{Status: models.JobProcessing, Err: err}
	}
	return p.fail(ctx, log, job, err)
}

func (p *Processor) fail(ctx context.Context, log logrus.FieldLogger, job models.ScheduledJob, cause error) Outcome {
	retryCount := job.RetryCount + 1
	msg := cause.Error()
	log = log.WithError(cause).WithField("retry_count", retryCount)

	if IsPermanent(cause) || p.opts.Backoff.Exhausted(retryCount) {
		if err := p.store.FailJob(ctx, job.EventID, retryCount, msg); err != nil {
			log.WithField("store_error", err).Error("record failure failed")
			return Outcome{Status: models.JobProcessing, Err: err}
		}
		p.audit(ctx, job.EventID, "failed", msg)
		telemetry.JobsFailed.Inc()
		if p.opts.DeadLetter != nil {
			entry := queue.Entry{EventID: job.EventID, Error: msg, RetryCount: retryCount, FailedAt: p.opts.Clock.Now().UTC()}
			if err := p.opts.DeadLetter.Push(ctx, entry); err != nil {
				log.WithField("dlq_error", err).Warn("dead-letter push failed")
			} else {
				telemetry.DeadLetter.Inc()
			}
		}
		log.Error("job failed permanently")
		return Outcome{Status: models.JobFailed, Err: cause}
	}

	next := p.opts.Clock.Now().Add(p.opts.Backoff.Delay(retryCount))
	if err := p.store.RetryJob(ctx, job.EventID, retryCount, next, msg); err != nil {
		log.WithField("store_error", err).Error("record retry failed")
		return Outcome{Status: models.JobProcessing, Err: err}
	}
	p.audit(ctx, job.EventID, "retry_scheduled", fmt.Sprintf("next_run=%s retry_count=%d", next.UTC().Format(time.RFC3339), retryCount))
	telemetry.JobsRetried.Inc()
	log.WithField("next_run", next).Warn("job attempt failed, retry scheduled")
	return Outcome{Status: models.JobRetrying, Retry: true, NextRunAt: next, Err: cause}
}

// execute is the job body. A panic is converted into an error.
func (p *Processor) execute(ctx context.Context, eventID string) (path string, err error) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.RecoveredPanics.Inc()
			p.log.WithField("event_id", eventID).WithField("stack", string(debug.Stack())).Errorf("panic in job body: %v", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ev, err := p.source.FetchEventDetails(ctx, eventID)
	if err != nil {
		return "", err
	}
	if ev.ID == "" {
		ev.ID = eventID
	}
	attendees, err := p.source.FetchAttendees(ctx, eventID)
	if err != nil {
		return "", err
	}
	path, err = p.renderer.Render(ctx, ev, attendees, p.opts.Layout)
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", Permanent(errors.New("renderer returned no document"))
	}
	if err := p.delivery.Deliver(ctx, path, p.opts.Mode); err != nil {
		return "", err
	}
	return path, nil
}

func (p *Processor) audit(ctx context.Context, eventID, action, detail string) {
	if err := p.store.AppendAudit(ctx, eventID, action, detail); err != nil {
		p.log.WithError(err).WithField("event_id", eventID).Warn("audit write failed")
	}
}
