package service

import (
	"strings"
	"time"

	"taskboard/domain"
)

// TaskInput is the body of a create request.
type TaskInput struct {
	ClientName  string     `json:"client_name"`
	TaskType    string     `json:"task_type"`
	Address     *string    `json:"address"`
	Processing  string     `json:"processing"`
	Status      string     `json:"status"`
	Description *string    `json:"description"`
	DueDate     *time.Time `json:"due_date"`
}

// draft validates the input and builds the task to insert. Custom id and
// priority order are assigned later inside the transaction.
func (in TaskInput) draft(ownerID int64, now time.Time) (domain.Task, error) {
	if in.Processing == "" {
		in.Processing = domain.ProcessingNormal
	}
	if in.Status == "" {
		in.Status = domain.StatusTodo
	}

	verr := &domain.ValidationError{}
	name := strings.TrimSpace(in.ClientName)
	if name == "" {
		verr.Add("client_name", "field required")
	}
	if !domain.ValidTaskType(in.TaskType) {
		verr.Add("task_type", "must be one of BDL, SDL, nBDL, nPO, Misc or \"Misc - <label>\"")
	}
	if !domain.ValidProcessing(in.Processing) {
		verr.Add("processing", "must be normal or expedited")
	}
	if !domain.ValidStatus(in.Status) {
		verr.Add("status", "must be one of "+strings.Join(domain.Statuses, ", "))
	}
	if err := verr.OrNil(); err != nil {
		return domain.Task{}, err
	}

	t := domain.Task{
		ClientName:  name,
		TaskType:    in.TaskType,
		Address:     optional(in.Address),
		Processing:  in.Processing,
		Description: optional(in.Description),
		OwnerID:     ownerID,
		CreatedAt:   now,
		DueDate:     in.DueDate,
	}
	t.SetStatus(in.Status, now)
	return t, nil
}

// TaskPatch is a partial update. Nil fields are left untouched; an empty
// address or description clears it.
type TaskPatch struct {
	ClientName    *string    `json:"client_name"`
	TaskType      *string    `json:"task_type"`
	Address       *string    `json:"address"`
	Processing    *string    `json:"processing"`
	Status        *string    `json:"status"`
	Description   *string    `json:"description"`
	PriorityOrder *int       `json:"priority_order"`
	DueDate       *time.Time `json:"due_date"`
}

func (p TaskPatch) validate() error {
	verr := &domain.ValidationError{}
	if p.ClientName != nil && strings.TrimSpace(*p.ClientName) == "" {
		verr.Add("client_name", "must not be empty")
	}
	if p.TaskType != nil && !domain.ValidTaskType(*p.TaskType) {
		verr.Add("task_type", "must be one of BDL, SDL, nBDL, nPO, Misc or \"Misc - <label>\"")
	}
	if p.Processing != nil && !domain.ValidProcessing(*p.Processing) {
		verr.Add("processing", "must be normal or expedited")
	}
	if p.Status != nil && !domain.ValidStatus(*p.Status) {
		verr.Add("status", "must be one of "+strings.Join(domain.Statuses, ", "))
	}
	if p.PriorityOrder != nil && *p.PriorityOrder < 0 {
		verr.Add("priority_order", "must not be negative")
	}
	return verr.OrNil()
}

// apply writes the patch into t and returns the before and after values of
// every field it touched.
func (p TaskPatch) apply(t *domain.Task, now time.Time) (before, after map[string]any) {
	before = make(map[string]any)
	after = make(map[string]any)
	record := func(field string, prev, next any) {
		before[field] = prev
		after[field] = next
	}

	if p.ClientName != nil {
		name := strings.TrimSpace(*p.ClientName)
		record("client_name", t.ClientName, name)
		t.ClientName = name
	}
	if p.TaskType != nil {
		record("task_type", t.TaskType, *p.TaskType)
		t.TaskType = *p.TaskType
	}
	if p.Address != nil {
		addr := optional(p.Address)
		record("address", t.Address, addr)
		t.Address = addr
	}
	if p.Processing != nil {
		record("processing", t.Processing, *p.Processing)
		t.Processing = *p.Processing
	}
	if p.Description != nil {
		desc := optional(p.Description)
		record("description", t.Description, desc)
		t.Description = desc
	}
	if p.PriorityOrder != nil {
		record("priority_order", t.PriorityOrder, *p.PriorityOrder)
		t.PriorityOrder = *p.PriorityOrder
	}
	if p.DueDate != nil {
		due := *p.DueDate
		record("due_date", t.DueDate, &due)
		t.DueDate = &due
	}
	if p.Status != nil {
		record("status", t.Status, *p.Status)
		t.SetStatus(*p.Status, now)
	}
	return before, after
}

func optional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
