package store

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// dialect captures what differs between the SQLite and Postgres backends.
type dialect struct {
	name       string
	driver     string
	positional bool
	checkpoint string
	isBusy     func(error) bool
	prepareDSN func(string) string
}

var (
	sqliteDialect = dialect{
		name:       "sqlite",
		driver:     "sqlite3",
		checkpoint: "PRAGMA wal_checkpoint(TRUNCATE)",
		isBusy:     sqliteBusy,
		prepareDSN: sqliteDSN,
	}
	postgresDialect = dialect{
		name:       "postgres",
		driver:     "pgx",
		positional: true,
		isBusy:     postgresBusy,
		prepareDSN: func(dsn string) string { return dsn },
	}
)

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return sqliteDialect, nil
	case "pgx", "postgres":
		return postgresDialect, nil
	}
	return dialect{}, errors.New("store: unsupported driver " + strconv.Quote(driver))
}

// rebind turns ? placeholders into $n for Postgres.
func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqliteDSN enables write-ahead logging, a driver-level busy timeout, foreign
// keys and immediate write transactions unless the DSN already sets them.
func sqliteDSN(dsn string) string {
	params := []struct{ key, value string }{
		{"_journal_mode", "WAL"},
		{"_busy_timeout", "5000"},
		{"_foreign_keys", "1"},
		{"_txlock", "immediate"},
	}
	for _, p := range params {
		if strings.Contains(dsn, p.key+"=") {
			continue
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + p.key + "=" + p.value
	}
	return dsn
}

func sqliteBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// postgresBusy treats serialization failures, deadlocks and lock timeouts as
// transient contention.
func postgresBusy(err error) bool {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}
