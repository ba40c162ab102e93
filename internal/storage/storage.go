package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict means a compare-and-swap write lost against a concurrent
	// writer. WithTx retries the whole unit when it sees it.
	ErrConflict = errors.New("concurrent update")
)

const maxTxAttempts = 3

// Storage is the ledger store. Reads outside a transaction go through the
// embedded Queries; every multi-statement mutation goes through WithTx.
type Storage struct {
	*Queries
	db  *sqlx.DB
	log *slog.Logger
}

// Open connects to Postgres for postgres:// URLs and to a sqlite file
// otherwise, then applies the embedded migrations.
func Open(ctx context.Context, dsn string, migrations fs.FS, log *slog.Logger) (*Storage, error) {
	driver, source := driverFor(dsn)

	db, err := sqlx.Open(driver, source)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(4)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := &Storage{
		Queries: &Queries{q: db},
		db:      db,
		log:     log.With("component", "storage"),
	}
	if err := s.migrate(ctx, migrations); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func driverFor(dsn string) (driver, source string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "pgx", dsn
	}
	// immediate transactions serialize writers instead of failing upgrades
	return "sqlite3", dsn + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) migrate(ctx context.Context, files fs.FS) error {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		script, err := fs.ReadFile(files, entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		for _, stmt := range strings.Split(string(script), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %s: %w", entry.Name(), err)
			}
		}
		s.log.Debug("migration applied", "file", entry.Name())
	}
	return nil
}

// WithTx runs fn inside one database transaction. fn may be called again
// when a balance compare-and-swap loses a race, so it must not have side
// effects outside the transaction.
func (s *Storage) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		s.log.Debug("transaction conflict, retrying", "attempt", attempt)
	}
	return err
}

func (s *Storage) runTx(ctx context.Context, fn func(q *Queries) error) (err error) {
	var opts *sql.TxOptions
	if s.db.DriverName() == "pgx" {
		opts = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}

	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.log.Error("rollback", "error", rbErr)
			}
		}
	}()

	if err = fn(&Queries{q: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Queries holds every statement, bound either to the pool or to a tx.
type Queries struct {
	q sqlx.ExtContext
}

func (q *Queries) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.q.ExecContext(ctx, q.q.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) get(ctx context.Context, dest any, query string, args ...any) error {
	err := sqlx.GetContext(ctx, q.q, dest, q.q.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (q *Queries) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q.q, dest, q.q.Rebind(query), args...)
}

// Fields are extra columns written together with a status transition.
type Fields map[string]any

// transition moves one row from -> to, writing set alongside. It reports
// false when the row was not in the from status, which callers treat as
// "someone else already did it".
func (q *Queries) transition(ctx context.Context, table, id string, from, to string, set Fields) (bool, error) {
	cols := make([]string, 0, len(set))
	for col := range set {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var b strings.Builder
	args := make([]any, 0, len(cols)+3)
	b.WriteString("UPDATE " + table + " SET status = ?")
	args = append(args, to)
	for _, col := range cols {
		b.WriteString(", " + col + " = ?")
		args = append(args, set[col])
	}
	b.WriteString(" WHERE id = ? AND status = ?")
	args = append(args, id, from)

	n, err := q.exec(ctx, b.String(), args...)
	if err != nil {
		return false, fmt.Errorf("transition %s %s: %w", table, id, err)
	}
	return n > 0, nil
}

// Timestamp normalizes t for storage: UTC, whole seconds.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func isUniqueViolation(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
