package domain

import (
	"encoding/json"
	"time"
)

const (
	AuditCreated         = "created"
	AuditUpdated         = "updated"
	AuditDeleted         = "deleted"
	AuditMoved           = "moved"
	AuditDeletedViaClear = "deleted_via_clear"
)

// AuditEntry is one append-only row of task history.
type AuditEntry struct {
	ID        int64           `json:"id" db:"id"`
	TaskID    int64           `json:"task_id" db:"task_id"`
	UserID    int64           `json:"user_id" db:"user_id"`
	Action    string          `json:"action" db:"action"`
	OldValues json.RawMessage `json:"old_values" db:"old_values"`
	NewValues json.RawMessage `json:"new_values" db:"new_values"`
	Timestamp time.Time       `json:"timestamp" db:"created_at"`
}

// TaskSummary is the audit payload of creations and removals.
type TaskSummary struct {
	ClientName string `json:"client_name"`
	TaskType   string `json:"task_type"`
	Status     string `json:"status"`
	Processing string `json:"processing"`
}

// Placement is the audit payload of a move.
type Placement struct {
	Status        string `json:"status"`
	PriorityOrder int    `json:"priority_order"`
}

// SummaryOf extracts the audited fields of t.
func SummaryOf(t Task) TaskSummary {
	return TaskSummary{
		ClientName: t.ClientName,
		TaskType:   t.TaskType,
		Status:     t.Status,
		Processing: t.Processing,
	}
}
