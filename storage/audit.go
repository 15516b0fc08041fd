package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"taskboard/domain"
)

type auditRow struct {
	ID        int64          `db:"id"`
	TaskID    int64          `db:"task_id"`
	UserID    int64          `db:"user_id"`
	Action    string         `db:"action"`
	OldValues sql.NullString `db:"old_values"`
	NewValues sql.NullString `db:"new_values"`
	CreatedAt time.Time      `db:"created_at"`
}

func (t *Tx) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(`INSERT INTO task_history (
		task_id, user_id, action, old_values, new_values, created_at
	) VALUES (?, ?, ?, ?, ?, ?)`),
		e.TaskID, e.UserID, e.Action, nullJSON(e.OldValues), nullJSON(e.NewValues), e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("appending %s audit for task %d: %w", e.Action, e.TaskID, err)
	}
	return nil
}

// TaskHistory lists the audit trail of a task, oldest first.
func (s *Storage) TaskHistory(ctx context.Context, taskID int64) ([]domain.AuditEntry, error) {
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT id, task_id, user_id, action, old_values, new_values, created_at FROM task_history WHERE task_id = ? ORDER BY created_at ASC, id ASC"),
		taskID)
	if err != nil {
		return nil, fmt.Errorf("listing history for task %d: %w", taskID, err)
	}
	entries := make([]domain.AuditEntry, len(rows))
	for i, r := range rows {
		entries[i] = domain.AuditEntry{
			ID:        r.ID,
			TaskID:    r.TaskID,
			UserID:    r.UserID,
			Action:    r.Action,
			OldValues: rawJSON(r.OldValues),
			NewValues: rawJSON(r.NewValues),
			Timestamp: r.CreatedAt,
		}
	}
	return entries, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}
