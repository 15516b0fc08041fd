package domain

import "time"

const (
	EventTaskCreated  = "task_created"
	EventTaskUpdated  = "task_updated"
	EventTaskDeleted  = "task_deleted"
	EventTaskMoved    = "task_moved"
	EventTasksCleared = "tasks_cleared"
)

// Event is a task change pushed to realtime clients.
type Event struct {
	Type      string     `json:"type"`
	Data      any        `json:"data"`
	UserID    int64      `json:"user_id"`
	Timestamp *time.Time `json:"timestamp"`
}

// ClearedData is the payload of a tasks_cleared event.
type ClearedData struct {
	DeletedTaskIDs []int64 `json:"deleted_task_ids"`
	Count          int     `json:"count"`
}

// NewTaskEvent wraps a task snapshot. The timestamp follows the task's last
// modification.
func NewTaskEvent(kind string, task Task, actorID int64) Event {
	snap := task.Clone()
	return Event{Type: kind, Data: snap, UserID: actorID, Timestamp: snap.Timestamp()}
}

// NewClearedEvent builds the aggregate event for a bulk clear.
func NewClearedEvent(ids []int64, actorID int64, at time.Time) Event {
	cp := make([]int64, len(ids))
	copy(cp, ids)
	ts := at
	return Event{
		Type:      EventTasksCleared,
		Data:      ClearedData{DeletedTaskIDs: cp, Count: len(cp)},
		UserID:    actorID,
		Timestamp: &ts,
	}
}
