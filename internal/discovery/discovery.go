// Package discovery runs the periodic fetch cycle: pull upcoming events,
// persist the new ones and hand them to the scheduler.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"event-dispatcher/internal/models"
	"event-dispatcher/internal/source"
	"event-dispatcher/internal/telemetry"
)

type Store interface {
	InsertEventIfAbsent(ctx context.Context, ev models.Event) (bool, error)
}

type Scheduler interface {
	ScheduleAllPending(ctx context.Context) (int, error)
}

// Result summarises one cycle.
type Result struct {
	Fetched   int `json:"fetched"`
	New       int `json:"new"`
	Skipped   int `json:"skipped"`
	Scheduled int `json:"scheduled"`
}

// Cycle wires the source, the store and the scheduler together.
type Cycle struct {
	source      source.EventSource
	store       Store
	scheduler   Scheduler
	windowHours int
	interval    time.Duration
	log         logrus.FieldLogger
}

func New(src source.EventSource, st Store, sched Scheduler, windowHours int, interval time.Duration, log logrus.FieldLogger) *Cycle {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cycle{
		source:      src,
		store:       st,
		scheduler:   sched,
		windowHours: windowHours,
		interval:    interval,
		log:         log.WithField("component", "discovery"),
	}
}

// RunOnce performs one discovery cycle. Already-known events are left
// untouched whatever their status. A failed fetch still schedules the
// pending events already persisted, then reports the fetch error.
func (c *Cycle) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	events, err := c.source.FetchUpcomingEvents(ctx, c.windowHours)
	if err != nil {
		fetchErr := fmt.Errorf("fetch upcoming events: %w", err)
		if ctx.Err() != nil {
			return res, fetchErr
		}
		n, serr := c.scheduler.ScheduleAllPending(ctx)
		res.Scheduled = n
		if serr != nil {
			return res, errors.Join(fetchErr, fmt.Errorf("schedule pending: %w", serr))
		}
		c.log.WithError(err).WithField("scheduled", n).Warn("fetch failed, scheduled persisted events only")
		return res, fetchErr
	}
	res.Fetched = len(events)

	for _, raw := range events {
		if raw.ID == "" || raw.StartTime.IsZero() {
			res.Skipped++
			c.log.WithField("event_id", raw.ID).Warn("skipping event without id or start time")
			continue
		}
		inserted, err := c.store.InsertEventIfAbsent(ctx, models.Event{
			ID:        raw.ID,
			Name:      raw.Name,
			StartTime: raw.StartTime,
			Category:  raw.Category,
		})
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Skipped++
			c.log.WithError(err).WithField("event_id", raw.ID).Error("persist event failed")
			continue
		}
		if inserted {
			res.New++
			telemetry.EventsDiscovered.Inc()
		}
	}

	n, err := c.scheduler.ScheduleAllPending(ctx)
	res.Scheduled = n
	if err != nil {
		return res, fmt.Errorf("schedule pending: %w", err)
	}
	c.log.WithFields(logrus.Fields{
		"fetched":   res.Fetched,
		"new":       res.New,
		"skipped":   res.Skipped,
		"scheduled": res.Scheduled,
	}).Info("discovery cycle finished")
	return res, nil
}

// Run runs a cycle immediately and then on every interval until ctx ends.
// A failed cycle is logged and the loop carries on.
func (c *Cycle) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Error("discovery cycle failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
