package domain

import (
	"sort"
	"strings"
	"time"
)

const (
	StatusTodo              = "todo"
	StatusInReview          = "in-review"
	StatusAwaitingDocuments = "awaiting-documents"
	StatusDone              = "done"
)

const (
	ProcessingNormal    = "normal"
	ProcessingExpedited = "expedited"
)

// Statuses lists the board columns in display order.
var Statuses = []string{StatusTodo, StatusInReview, StatusAwaitingDocuments, StatusDone}

var taskTypes = map[string]struct{}{
	"BDL":  {},
	"SDL":  {},
	"nBDL": {},
	"nPO":  {},
	"Misc": {},
}

const miscPrefix = "Misc - "

// Task represents a single board card.
type Task struct {
	ID            int64      `json:"id" db:"id"`
	CustomID      string     `json:"custom_id" db:"custom_id"`
	ClientName    string     `json:"client_name" db:"client_name"`
	TaskType      string     `json:"task_type" db:"task_type"`
	Address       *string    `json:"address" db:"address"`
	Processing    string     `json:"processing" db:"processing"`
	Status        string     `json:"status" db:"status"`
	Description   *string    `json:"description" db:"description"`
	PriorityOrder int        `json:"priority_order" db:"priority_order"`
	OwnerID       int64      `json:"owner_id" db:"owner_id"`
	Owner         *TaskOwner `json:"owner,omitempty" db:"-"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at" db:"updated_at"`
	DueDate       *time.Time `json:"due_date" db:"due_date"`
	CompletedAt   *time.Time `json:"completed_at" db:"completed_at"`
}

// TaskOwner is the public projection of the user owning a task.
type TaskOwner struct {
	ID       int64   `json:"id"`
	Username string  `json:"username"`
	FullName *string `json:"full_name"`
}

// Clone returns a deep copy so snapshots never alias a live task.
func (t Task) Clone() Task {
	c := t
	c.Address = cloneString(t.Address)
	c.Description = cloneString(t.Description)
	c.UpdatedAt = cloneTime(t.UpdatedAt)
	c.DueDate = cloneTime(t.DueDate)
	c.CompletedAt = cloneTime(t.CompletedAt)
	if t.Owner != nil {
		o := *t.Owner
		o.FullName = cloneString(t.Owner.FullName)
		c.Owner = &o
	}
	return c
}

// SetStatus applies a status change and keeps CompletedAt in sync with it.
// A task that is already done keeps its original completion time.
func (t *Task) SetStatus(status string, now time.Time) {
	wasDone := t.Status == StatusDone && t.CompletedAt != nil
	t.Status = status
	if status != StatusDone {
		t.CompletedAt = nil
		return
	}
	if !wasDone {
		ts := now
		t.CompletedAt = &ts
	}
}

// Timestamp returns the most recent modification time of the task.
func (t Task) Timestamp() *time.Time {
	if t.UpdatedAt != nil {
		ts := *t.UpdatedAt
		return &ts
	}
	if t.CreatedAt.IsZero() {
		return nil
	}
	ts := t.CreatedAt
	return &ts
}

// ValidStatus reports whether s names a board column.
func ValidStatus(s string) bool {
	for _, st := range Statuses {
		if st == s {
			return true
		}
	}
	return false
}

// ValidProcessing reports whether p is a known processing tier.
func ValidProcessing(p string) bool {
	return p == ProcessingNormal || p == ProcessingExpedited
}

// ValidTaskType accepts the fixed types plus "Misc - <label>".
func ValidTaskType(tt string) bool {
	if _, ok := taskTypes[tt]; ok {
		return true
	}
	return strings.HasPrefix(tt, miscPrefix) && strings.TrimSpace(tt[len(miscPrefix):]) != ""
}

// BaseTaskType folds "Misc - <label>" into "Misc".
func BaseTaskType(tt string) string {
	if i := strings.Index(tt, " - "); i >= 0 {
		return tt[:i]
	}
	return tt
}

// SortTasks orders tasks within a column: expedited first, then priority
// order, then creation time.
func SortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return TaskLess(tasks[i], tasks[j])
	})
}

// TaskLess is the intra-column ordering used by SortTasks.
func TaskLess(a, b Task) bool {
	ae := a.Processing == ProcessingExpedited
	be := b.Processing == ProcessingExpedited
	if ae != be {
		return ae
	}
	if a.PriorityOrder != b.PriorityOrder {
		return a.PriorityOrder < b.PriorityOrder
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
