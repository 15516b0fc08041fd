package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"taskboard/domain"
)

const taskSelect = `SELECT t.id, t.custom_id, t.client_name, t.task_type, t.address, t.processing,
	t.status, t.description, t.priority_order, t.owner_id, t.created_at, t.updated_at,
	t.due_date, t.completed_at, u.username AS owner_username, u.full_name AS owner_full_name
FROM tasks t JOIN users u ON u.id = t.owner_id`

const taskOrder = ` ORDER BY CASE WHEN t.processing = 'expedited' THEN 0 ELSE 1 END,
	t.priority_order ASC, t.created_at ASC, t.id ASC`

type taskRow struct {
	domain.Task
	OwnerUsername string         `db:"owner_username"`
	OwnerFullName sql.NullString `db:"owner_full_name"`
}

func (r taskRow) toTask() domain.Task {
	t := r.Task
	owner := &domain.TaskOwner{ID: t.OwnerID, Username: r.OwnerUsername}
	if r.OwnerFullName.Valid {
		name := r.OwnerFullName.String
		owner.FullName = &name
	}
	t.Owner = owner
	return t
}

func rowsToTasks(rows []taskRow) []domain.Task {
	tasks := make([]domain.Task, len(rows))
	for i, r := range rows {
		tasks[i] = r.toTask()
	}
	return tasks
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.QueryerContext
	Rebind(string) string
}

func getTask(ctx context.Context, q queryer, where string, arg any) (domain.Task, error) {
	var row taskRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(taskSelect+" WHERE "+where), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("fetching task: %w", err)
	}
	return row.toTask(), nil
}

// ListTasks returns tasks ordered for display within their columns.
func (s *Storage) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	query := taskSelect
	var args []any
	if f.Status != "" {
		query += " WHERE t.status = ?"
		args = append(args, f.Status)
	}
	query += taskOrder

	limit := f.Limit
	if limit <= 0 && f.Offset > 0 {
		limit = math.MaxInt32
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return rowsToTasks(rows), nil
}

// GetTask fetches a task with its owner.
func (s *Storage) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return getTask(ctx, s.db, "t.id = ?", id)
}

// GetTaskByCustomID fetches a task by its normalized public id.
func (s *Storage) GetTaskByCustomID(ctx context.Context, customID string) (domain.Task, error) {
	return getTask(ctx, s.db, "t.custom_id = ?", customID)
}

// CountTasks returns the number of tasks per status column.
func (s *Storage) CountTasks(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, "SELECT status, COUNT(*) AS n FROM tasks GROUP BY status"); err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

func (t *Tx) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return getTask(ctx, t.tx, "t.id = ?", id)
}

func (t *Tx) GetTaskForUpdate(ctx context.Context, id int64) (domain.Task, error) {
	return getTask(ctx, t.tx, "t.id = ?"+rowLockClause(t.dialect), id)
}

// rowLockClause locks the task row on postgres. SQLite runs every
// transaction on its single connection and needs no row lock.
func rowLockClause(dialect string) string {
	if dialect == DialectPostgres {
		return " FOR UPDATE OF t"
	}
	return ""
}

func (t *Tx) CustomIDExists(ctx context.Context, customID string) (bool, error) {
	var n int
	if err := t.tx.GetContext(ctx, &n, t.tx.Rebind("SELECT COUNT(*) FROM tasks WHERE custom_id = ?"), customID); err != nil {
		return false, fmt.Errorf("checking custom id: %w", err)
	}
	return n > 0, nil
}

// NextOrder is max(count of others, max order of others + 1), which keeps
// appended tasks behind every current occupant even after explicit moves.
func (t *Tx) NextOrder(ctx context.Context, status string, excludeID int64) (int, error) {
	var res struct {
		N   int `db:"n"`
		Max int `db:"max_order"`
	}
	err := t.tx.GetContext(ctx, &res, t.tx.Rebind(
		"SELECT COUNT(*) AS n, COALESCE(MAX(priority_order), -1) AS max_order FROM tasks WHERE status = ? AND id <> ?"),
		status, excludeID)
	if err != nil {
		return 0, fmt.Errorf("computing next order for %s: %w", status, err)
	}
	if res.Max+1 > res.N {
		return res.Max + 1, nil
	}
	return res.N, nil
}

func (t *Tx) InsertTask(ctx context.Context, task *domain.Task) error {
	query := t.tx.Rebind(`INSERT INTO tasks (
		custom_id, client_name, task_type, address, processing, status,
		description, priority_order, owner_id, created_at, updated_at, due_date, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)

	err := t.tx.GetContext(ctx, &task.ID, query,
		task.CustomID, task.ClientName, task.TaskType, task.Address, task.Processing, task.Status,
		task.Description, task.PriorityOrder, task.OwnerID, task.CreatedAt.UTC(),
		utcPtr(task.UpdatedAt), utcPtr(task.DueDate), utcPtr(task.CompletedAt),
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateCustomID
	}
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

func (t *Tx) UpdateTask(ctx context.Context, task domain.Task) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`UPDATE tasks SET
		client_name = ?, task_type = ?, address = ?, processing = ?, status = ?,
		description = ?, priority_order = ?, updated_at = ?, due_date = ?, completed_at = ?
	WHERE id = ?`),
		task.ClientName, task.TaskType, task.Address, task.Processing, task.Status,
		task.Description, task.PriorityOrder, utcPtr(task.UpdatedAt), utcPtr(task.DueDate),
		utcPtr(task.CompletedAt), task.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task %d: %w", task.ID, err)
	}
	return expectAffected(res)
}

func (t *Tx) DeleteTask(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind("DELETE FROM tasks WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("deleting task %d: %w", id, err)
	}
	return expectAffected(res)
}

func (t *Tx) ListByStatus(ctx context.Context, status string) ([]domain.Task, error) {
	var rows []taskRow
	if err := t.tx.SelectContext(ctx, &rows, t.tx.Rebind(taskSelect+" WHERE t.status = ?"+taskOrder), status); err != nil {
		return nil, fmt.Errorf("listing %s tasks: %w", status, err)
	}
	return rowsToTasks(rows), nil
}

func (t *Tx) DeleteTasks(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In("DELETE FROM tasks WHERE id IN (?)", ids)
	if err != nil {
		return 0, fmt.Errorf("building delete: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("deleting tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting tasks: %w", err)
	}
	return n, nil
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
