package storage

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// migration holds one schema version with dialect specific SQL.
type migration struct {
	version  int
	sqlite   string
	postgres string
}

// migrations must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sqlite: `
CREATE TABLE IF NOT EXISTS users (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	username        TEXT NOT NULL UNIQUE,
	email           TEXT NOT NULL UNIQUE,
	full_name       TEXT,
	hashed_password TEXT NOT NULL,
	is_active       BOOLEAN NOT NULL DEFAULT 1,
	is_admin        BOOLEAN NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME
);

CREATE TABLE IF NOT EXISTS user_sessions (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id       INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	session_token TEXT NOT NULL UNIQUE,
	expires_at    DATETIME NOT NULL,
	created_at    DATETIME NOT NULL,
	last_activity DATETIME NOT NULL,
	user_agent    TEXT,
	ip_address    TEXT,
	is_active     BOOLEAN NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS tasks (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	custom_id      TEXT NOT NULL UNIQUE,
	client_name    TEXT NOT NULL,
	task_type      TEXT NOT NULL,
	address        TEXT,
	processing     TEXT NOT NULL DEFAULT 'normal',
	status         TEXT NOT NULL DEFAULT 'todo',
	description    TEXT,
	priority_order INTEGER NOT NULL DEFAULT 0,
	owner_id       INTEGER NOT NULL REFERENCES users(id),
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME,
	due_date       DATETIME,
	completed_at   DATETIME
);

CREATE TABLE IF NOT EXISTS task_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	user_id    INTEGER NOT NULL REFERENCES users(id),
	action     TEXT NOT NULL,
	old_values TEXT,
	new_values TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status_order ON tasks(status, priority_order);
CREATE INDEX IF NOT EXISTS idx_tasks_client_name ON tasks(client_name);
CREATE INDEX IF NOT EXISTS idx_task_history_task ON task_history(task_id);
CREATE INDEX IF NOT EXISTS idx_user_sessions_user ON user_sessions(user_id, is_active);
`,
		postgres: `
CREATE TABLE IF NOT EXISTS users (
	id              BIGSERIAL PRIMARY KEY,
	username        VARCHAR(50) NOT NULL UNIQUE,
	email           VARCHAR(100) NOT NULL UNIQUE,
	full_name       VARCHAR(100),
	hashed_password VARCHAR(255) NOT NULL,
	is_active       BOOLEAN NOT NULL DEFAULT TRUE,
	is_admin        BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS user_sessions (
	id            BIGSERIAL PRIMARY KEY,
	user_id       BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	session_token VARCHAR(1024) NOT NULL UNIQUE,
	expires_at    TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	last_activity TIMESTAMPTZ NOT NULL,
	user_agent    VARCHAR(500),
	ip_address    VARCHAR(45),
	is_active     BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS tasks (
	id             BIGSERIAL PRIMARY KEY,
	custom_id      VARCHAR(6) NOT NULL UNIQUE,
	client_name    VARCHAR(100) NOT NULL,
	task_type      VARCHAR(50) NOT NULL,
	address        TEXT,
	processing     VARCHAR(20) NOT NULL DEFAULT 'normal',
	status         VARCHAR(30) NOT NULL DEFAULT 'todo',
	description    TEXT,
	priority_order INTEGER NOT NULL DEFAULT 0,
	owner_id       BIGINT NOT NULL REFERENCES users(id),
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ,
	due_date       TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS task_history (
	id         BIGSERIAL PRIMARY KEY,
	task_id    BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	user_id    BIGINT NOT NULL REFERENCES users(id),
	action     VARCHAR(50) NOT NULL,
	old_values TEXT,
	new_values TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status_order ON tasks(status, priority_order);
CREATE INDEX IF NOT EXISTS idx_tasks_client_name ON tasks(client_name);
CREATE INDEX IF NOT EXISTS idx_task_history_task ON task_history(task_id);
CREATE INDEX IF NOT EXISTS idx_user_sessions_user ON user_sessions(user_id, is_active);
`,
	},
}

// Migrate applies every outstanding migration and returns the resulting
// schema version.
func (s *Storage) Migrate(ctx context.Context) (int, error) {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)"); err != nil {
		return 0, fmt.Errorf("creating schema_version table: %w", err)
	}

	current := 0
	if err := s.db.GetContext(ctx, &current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return current, err
		}
		current = m.version
		s.log.WithFields(log.Fields{"version": m.version, "dialect": s.dialect}).Info("migration applied")
	}
	return current, nil
}

func (s *Storage) apply(ctx context.Context, m migration) error {
	script := m.sqlite
	if s.dialect == DialectPostgres {
		script = m.postgres
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning migration v%d: %w", m.version, err)
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind("INSERT INTO schema_version (version) VALUES (?)"), m.version); err != nil {
		return fmt.Errorf("recording migration v%d: %w", m.version, err)
	}
	return tx.Commit()
}

func splitStatements(script string) []string {
	parts := strings.Split(script, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
