package discovery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-dispatcher/internal/clock"
	"event-dispatcher/internal/models"
	"event-dispatcher/internal/scheduler"
	"event-dispatcher/internal/source"
	"event-dispatcher/internal/store"
	"event-dispatcher/internal/worker"
)

var t0 = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

type listSource struct {
	mu     sync.Mutex
	events []source.RawEvent
	err    error
	calls  atomic.Int32
}

func (s *listSource) FetchUpcomingEvents(context.Context, int) ([]source.RawEvent, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events, s.err
}

func (s *listSource) FetchEventDetails(_ context.Context, id string) (source.RawEvent, error) {
	return source.RawEvent{ID: id}, nil
}

func (s *listSource) FetchAttendees(context.Context, string) ([]source.RawAttendee, error) {
	return nil, nil
}

type noopRunner struct{}

func (noopRunner) Run(context.Context, string) worker.Outcome {
	return worker.Outcome{Status: models.JobCompleted}
}

type countingScheduler struct{ calls atomic.Int32 }

func (c *countingScheduler) ScheduleAllPending(context.Context) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newStore(t *testing.T, c clock.Clock) *store.Store {
	t.Helper()
	st, err := store.New(context.Background(), store.Options{
		Driver: "sqlite3",
		DSN:    "file:" + filepath.Join(t.TempDir(), "discovery.db"),
		Clock:  c,
		Logger: quiet(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.RunMigrations(context.Background()))
	return st
}

func TestRediscoveryIsIdempotent(t *testing.T) {
	c := clock.NewFake(t0)
	st := newStore(t, c)
	sched := scheduler.New(st, noopRunner{}, scheduler.Options{LeadOffset: 30 * time.Minute, Workers: 1, Clock: c, Logger: quiet()})
	defer sched.Stop(context.Background())

	src := &listSource{events: []source.RawEvent{
		{ID: "e1", Name: "Talk", StartTime: t0.Add(3 * time.Hour)},
		{ID: "e2", Name: "Panel", StartTime: t0.Add(5 * time.Hour)},
		{ID: "", Name: "No id", StartTime: t0.Add(time.Hour)},
	}}
	cycle := New(src, st, sched, 48, time.Hour, quiet())
	ctx := context.Background()

	res, err := cycle.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Fetched: 3, New: 2, Skipped: 1, Scheduled: 2}, res)

	// Mark e1 finished behind the scheduler's back, then rediscover it.
	sched.CancelJob(ctx, "e1")
	_, ok, err := st.ClaimJob(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.CompleteJob(ctx, "e1"))

	res, err = cycle.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Fetched: 3, New: 0, Skipped: 1, Scheduled: 0}, res)

	ev, err := st.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.EventProcessed, ev.Status, "rediscovery never resets status")
	job, err := st.GetJob(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)

	jobs, err := st.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2, "one job row per event")
	assert.Equal(t, 1, sched.Len())
}

func TestRunOnceFetchErrorStillSchedulesPersisted(t *testing.T) {
	c := clock.NewFake(t0)
	st := newStore(t, c)
	_, err := st.InsertEventIfAbsent(context.Background(), models.Event{ID: "known", Name: "Known", StartTime: t0.Add(4 * time.Hour)})
	require.NoError(t, err)
	sched := scheduler.New(st, noopRunner{}, scheduler.Options{LeadOffset: 30 * time.Minute, Workers: 1, Clock: c, Logger: quiet()})
	t.Cleanup(func() { sched.Stop(context.Background()) })

	fetchErr := errors.New("breaker open")
	src := &listSource{err: fetchErr}
	res, err := New(src, st, sched, 48, time.Hour, quiet()).RunOnce(context.Background())
	assert.ErrorIs(t, err, fetchErr)
	assert.Zero(t, res.Fetched)
	assert.Equal(t, 1, res.Scheduled)
	assert.True(t, sched.Tracked("known"))

	job, err := st.GetJob(context.Background(), "known")
	require.NoError(t, err)
	assert.Equal(t, models.JobScheduled, job.Status)
}

func TestRunOnceFetchErrorCallsScheduler(t *testing.T) {
	sched := &countingScheduler{}
	src := &listSource{err: errors.New("breaker open")}
	_, err := New(src, nil, sched, 48, time.Hour, quiet()).RunOnce(context.Background())
	assert.Error(t, err)
	assert.EqualValues(t, 1, sched.calls.Load())
}

func TestRunKeepsGoingAfterFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	src := &listSource{err: errors.New("upstream down")}
	cycle := New(src, nil, &countingScheduler{}, 48, 10*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cycle.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return src.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	var errorsLogged int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			errorsLogged++
		}
	}
	assert.GreaterOrEqual(t, errorsLogged, 3)
}
