package storage

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"taskboard/domain"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Storage persists users, sessions, tasks and task history in a relational
// database. Postgres and SQLite are supported.
type Storage struct {
	db      *sqlx.DB
	dialect string
	log     *log.Logger
}

// Open connects to dsn. URLs starting with postgres:// or postgresql:// use
// lib/pq; anything else is treated as a SQLite path or file: URI.
func Open(ctx context.Context, dsn string, logger *log.Logger) (*Storage, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	dialect, source := driverFor(dsn)
	db, err := sqlx.Open(dialect, source)
	if err != nil {
		return nil, fmt.Errorf("opening %s db: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// Single writer, and :memory: databases live per connection.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s db: %w", dialect, err)
	}

	logger.WithFields(log.Fields{"dialect": dialect}).Info("database connected")
	return &Storage{db: db, dialect: dialect, log: logger}, nil
}

func driverFor(dsn string) (string, string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DialectPostgres, dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return DialectSQLite, strings.TrimPrefix(dsn, "sqlite://")
	case dsn == "":
		return DialectSQLite, ":memory:"
	default:
		return DialectSQLite, dsn
	}
}

// Dialect reports the SQL dialect in use.
func (s *Storage) Dialect() string { return s.dialect }

// Close releases the connection pool.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunInTx executes fn inside a transaction and commits when it returns nil.
func (s *Storage) RunInTx(ctx context.Context, fn func(ctx context.Context, tx domain.TaskTx) error) (err error) {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(ctx, &Tx{tx: sqlTx, dialect: s.dialect}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Tx is a single repository transaction.
type Tx struct {
	tx      *sqlx.Tx
	dialect string
}

// LockColumn takes a transaction scoped advisory lock on postgres. SQLite
// already serializes writers through its single connection.
func (t *Tx) LockColumn(ctx context.Context, status string) error {
	if t.dialect != DialectPostgres {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", columnLockKey(status)); err != nil {
		return fmt.Errorf("locking column %s: %w", status, err)
	}
	return nil
}

func columnLockKey(status string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("tasks.column:" + status))
	return int64(h.Sum64())
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
