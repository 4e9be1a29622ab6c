package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"event-dispatcher/internal/clock"
	"event-dispatcher/internal/telemetry"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("store: not found")

// Options configures a Store.
type Options struct {
	// Driver is "sqlite3" or "pgx".
	Driver       string
	DSN          string
	MaxOpenConns int
	// BusyRetries is how many times a contended operation is retried.
	BusyRetries   int
	BusyBaseDelay time.Duration
	Clock         clock.Clock
	Logger        logrus.FieldLogger
}

// Store is the durable home of events, scheduled jobs and the audit trail.
// Every public method retries on lock contention.
type Store struct {
	db          *sql.DB
	d           dialect
	busyRetries int
	busyBase    time.Duration
	clock       clock.Clock
	log         logrus.FieldLogger
}

// New opens the database and verifies connectivity.
func New(ctx context.Context, opts Options) (*Store, error) {
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, d.prepareDSN(opts.DSN))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.BusyBaseDelay <= 0 {
		opts.BusyBaseDelay = 100 * time.Millisecond
	}
	if opts.BusyRetries < 0 {
		opts.BusyRetries = 0
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	s := &Store{
		db:          db,
		d:           d,
		busyRetries: opts.BusyRetries,
		busyBase:    opts.BusyBaseDelay,
		clock:       opts.Clock,
		log:         opts.Logger.WithField("component", "store"),
	}
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", d.name, err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dialect names the active backend ("sqlite" or "postgres").
func (s *Store) Dialect() string { return s.d.name }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Checkpoint folds the write-ahead log back into the main database file.
// It is a no-op on Postgres.
func (s *Store) Checkpoint(ctx context.Context) error {
	if s.d.checkpoint == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, s.d.checkpoint); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// WithRetry runs fn, retrying with exponential backoff while it fails with a
// busy error. Other errors and context cancellation end the loop immediately.
func (s *Store) WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := s.busyBase
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !s.d.isBusy(err) || attempt >= s.busyRetries {
			return err
		}
		telemetry.StoreBusyRetries.Inc()
		s.log.WithError(err).WithFields(logrus.Fields{"attempt": attempt + 1, "delay": delay}).Warn("database busy, retrying")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}

// Tx is a transaction bound to the store's placeholder dialect.
type Tx struct {
	tx *sql.Tx
	d  dialect
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.d.rebind(query), args...)
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.d.rebind(query), args...)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.d.rebind(query), args...)
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise. The whole transaction is retried on contention.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return s.WithRetry(ctx, func(ctx context.Context) error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer sqlTx.Rollback() // no-op after commit

		if err := fn(&Tx{tx: sqlTx, d: s.d}); err != nil {
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.WithRetry(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.db.ExecContext(ctx, s.d.rebind(query), args...)
		return err
	})
	return res, err
}

// query runs a read and hands every row to scan. reset is called before each
// attempt so a retried read does not see rows from the failed one.
func (s *Store) query(ctx context.Context, reset func(), scan func(*sql.Rows) error, query string, args ...any) error {
	return s.WithRetry(ctx, func(ctx context.Context) error {
		reset()
		rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			if err := scan(rows); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

func (s *Store) queryRow(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error {
	return s.WithRetry(ctx, func(ctx context.Context) error {
		return scan(s.db.QueryRowContext(ctx, s.d.rebind(query), args...))
	})
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

func inPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}
