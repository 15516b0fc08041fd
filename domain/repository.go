package domain

import "context"

// TaskFilter narrows a task listing. Zero values mean "no constraint".
type TaskFilter struct {
	Status string
	Limit  int
	Offset int
}

// TaskTx is the transactional view of the task store. Every mutation and its
// audit rows are written through the same TaskTx and commit together.
type TaskTx interface {
	// LockColumn serializes order assignment within a status column until
	// the transaction ends.
	LockColumn(ctx context.Context, status string) error
	GetTask(ctx context.Context, id int64) (Task, error)
	// GetTaskForUpdate reads a task and holds its row until the transaction
	// ends, so read-modify-write cycles on one task do not interleave.
	GetTaskForUpdate(ctx context.Context, id int64) (Task, error)
	CustomIDExists(ctx context.Context, customID string) (bool, error)
	// NextOrder returns the append position of status, ignoring excludeID.
	NextOrder(ctx context.Context, status string, excludeID int64) (int, error)
	InsertTask(ctx context.Context, t *Task) error
	UpdateTask(ctx context.Context, t Task) error
	DeleteTask(ctx context.Context, id int64) error
	ListByStatus(ctx context.Context, status string) ([]Task, error)
	DeleteTasks(ctx context.Context, ids []int64) (int64, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
}
