// Package service implements the task mutation and identity workflows on top
// of the repository, publishing every committed change for realtime delivery.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskboard/domain"
)

const (
	DefaultListLimit   = 100
	MaxListLimit       = 1000
	DefaultMaxAttempts = 10
)

// TaskRepository is the persistence surface used by Tasks.
type TaskRepository interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx domain.TaskTx) error) error
	ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error)
	GetTask(ctx context.Context, id int64) (domain.Task, error)
	GetTaskByCustomID(ctx context.Context, customID string) (domain.Task, error)
	TaskHistory(ctx context.Context, taskID int64) ([]domain.AuditEntry, error)
}

// Publisher accepts committed changes for best-effort delivery.
type Publisher interface {
	Publish(ev domain.Event) bool
}

// Tasks applies board mutations. Each mutation and its audit rows commit in
// one repository transaction; the event is published only after commit, with
// the task lock still held so events of one task leave in commit order.
type Tasks struct {
	repo        TaskRepository
	events      Publisher
	log         *log.Logger
	tracer      trace.Tracer
	now         func() time.Time
	newID       func() string
	maxAttempts int
	columns     keyedLocks[string]
	taskLocks   keyedLocks[int64]
}

// Option customizes a Tasks service.
type Option func(*Tasks)

// WithTracer overrides the tracer used for mutation spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Tasks) { s.tracer = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Tasks) { s.now = now }
}

// WithIDGenerator overrides custom id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Tasks) { s.newID = gen }
}

// WithMaxAttempts bounds custom id generation per create.
func WithMaxAttempts(n int) Option {
	return func(s *Tasks) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewTasks creates the mutation service. events may be nil, in which case
// nothing is published.
func NewTasks(repo TaskRepository, events Publisher, logger *log.Logger, opts ...Option) *Tasks {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Tasks{
		repo:        repo,
		events:      events,
		log:         logger,
		tracer:      otel.Tracer("taskboard/service"),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       domain.NewCustomID,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func requireActive(actor domain.Identity, action string) error {
	if !actor.IsActive {
		return &domain.InactiveError{Action: action}
	}
	return nil
}

func (s *Tasks) startSpan(ctx context.Context, name string, actor domain.Identity) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int64("actor.id", actor.UserID),
		attribute.String("actor.username", actor.Username),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Create inserts a new task with a fresh custom id at the end of its column.
func (s *Tasks) Create(ctx context.Context, actor domain.Identity, in TaskInput) (task domain.Task, err error) {
	ctx, span := s.startSpan(ctx, "tasks.create", actor)
	defer func() { endSpan(span, err) }()

	if err = requireActive(actor, "create"); err != nil {
		return domain.Task{}, err
	}
	draft, err := in.draft(actor.UserID, s.now())
	if err != nil {
		return domain.Task{}, err
	}

	unlock := s.columns.lock(draft.Status)
	defer unlock()

	attempts := 0
	var unlockTask func()
	for {
		task, unlockTask, err = s.insert(ctx, actor, draft, &attempts)
		if !errors.Is(err, domain.ErrDuplicateCustomID) {
			break
		}
		if attempts >= s.maxAttempts {
			err = domain.ErrGenerationExhausted
			break
		}
		s.log.WithFields(log.Fields{"attempts": attempts}).Warn("custom id collided on insert, retrying")
	}
	if err != nil {
		if errors.Is(err, domain.ErrGenerationExhausted) {
			s.log.WithFields(log.Fields{"attempts": attempts, "user_id": actor.UserID}).Error("custom id generation exhausted")
		}
		return domain.Task{}, err
	}
	defer unlockTask()

	span.SetAttributes(attribute.Int64("task.id", task.ID), attribute.String("task.custom_id", task.CustomID))
	s.log.WithFields(log.Fields{
		"task_id":   task.ID,
		"custom_id": task.CustomID,
		"status":    task.Status,
		"user_id":   actor.UserID,
	}).Info("task created")
	s.publish(domain.NewTaskEvent(domain.EventTaskCreated, task, actor.UserID))
	return task, nil
}

// insert commits one creation attempt. On success the new task's lock is
// returned held.
func (s *Tasks) insert(ctx context.Context, actor domain.Identity, draft domain.Task, attempts *int) (domain.Task, func(), error) {
	var created domain.Task
	var unlock func()
	err := s.repo.RunInTx(ctx, func(ctx context.Context, tx domain.TaskTx) error {
		t := draft.Clone()
		id, err := s.freshCustomID(ctx, tx, attempts)
		if err != nil {
			return err
		}
		t.CustomID = id
		if err := tx.LockColumn(ctx, t.Status); err != nil {
			return err
		}
		if t.PriorityOrder, err = tx.NextOrder(ctx, t.Status, 0); err != nil {
			return err
		}
		if err := tx.InsertTask(ctx, &t); err != nil {
			return err
		}
		unlock = s.taskLocks.lock(t.ID)
		if err := s.audit(ctx, tx, t.ID, actor.UserID, domain.AuditCreated, nil, domain.SummaryOf(t)); err != nil {
			return err
		}
		created, err = tx.GetTask(ctx, t.ID)
		return err
	})
	if err != nil {
		if unlock != nil {
			unlock()
		}
		return domain.Task{}, nil, err
	}
	return created, unlock, nil
}

// freshCustomID draws random ids until one is unused, counting every draw
// against the shared attempt budget.
func (s *Tasks) freshCustomID(ctx context.Context, tx domain.TaskTx, attempts *int) (string, error) {
	for *attempts < s.maxAttempts {
		*attempts++
		id := s.newID()
		exists, err := tx.CustomIDExists(ctx, id)
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
	}
	return "", domain.ErrGenerationExhausted
}

// Update applies a partial change. Only the fields present in the patch are
// audited.
func (s *Tasks) Update(ctx context.Context, actor domain.Identity, id int64, patch TaskPatch) (task domain.Task, err error) {
	ctx, span := s.startSpan(ctx, "tasks.update", actor)
	span.SetAttributes(attribute.Int64("task.id", id))
	defer func() { endSpan(span, err) }()

	if err = requireActive(actor, "modify"); err != nil {
		return domain.Task{}, err
	}
	if err = patch.validate(); err != nil {
		return domain.Task{}, err
	}

	if patch.Status != nil {
		defer s.columns.lock(*patch.Status)()
	}
	defer s.taskLocks.lock(id)()

	now := s.now()
	err = s.repo.RunInTx(ctx, func(ctx context.Context, tx domain.TaskTx) error {
		current, err := tx.GetTaskForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next := current.Clone()
		before, after := patch.apply(&next, now)
		ts := now
		next.UpdatedAt = &ts
		if err := tx.UpdateTask(ctx, next); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, id, actor.UserID, domain.AuditUpdated, before, after); err != nil {
			return err
		}
		task, err = tx.GetTask(ctx, id)
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}

	s.log.WithFields(log.Fields{"task_id": task.ID, "user_id": actor.UserID}).Info("task updated")
	s.publish(domain.NewTaskEvent(domain.EventTaskUpdated, task, actor.UserID))
	return task, nil
}

// Move places a task in status. Without an explicit priority the task is
// appended behind every other occupant of the column.
func (s *Tasks) Move(ctx context.Context, actor domain.Identity, id int64, status string, priority *int) (task domain.Task, err error) {
	ctx, span := s.startSpan(ctx, "tasks.move", actor)
	span.SetAttributes(attribute.Int64("task.id", id), attribute.String("task.status", status))
	defer func() { endSpan(span, err) }()

	if err = requireActive(actor, "move"); err != nil {
		return domain.Task{}, err
	}
	verr := &domain.ValidationError{}
	if !domain.ValidStatus(status) {
		verr.Add("new_status", "unknown status "+status)
	}
	if priority != nil && *priority < 0 {
		verr.Add("new_priority", "must not be negative")
	}
	if err = verr.OrNil(); err != nil {
		return domain.Task{}, err
	}

	defer s.columns.lock(status)()
	defer s.taskLocks.lock(id)()

	now := s.now()
	err = s.repo.RunInTx(ctx, func(ctx context.Context, tx domain.TaskTx) error {
		current, err := tx.GetTaskForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.LockColumn(ctx, status); err != nil {
			return err
		}
		next := current.Clone()
		next.SetStatus(status, now)
		if priority != nil {
			next.PriorityOrder = *priority
		} else if next.PriorityOrder, err = tx.NextOrder(ctx, status, id); err != nil {
			return err
		}
		ts := now
		next.UpdatedAt = &ts
		if err := tx.UpdateTask(ctx, next); err != nil {
			return err
		}
		before := domain.Placement{Status: current.Status, PriorityOrder: current.PriorityOrder}
		after := domain.Placement{Status: next.Status, PriorityOrder: next.PriorityOrder}
		if err := s.audit(ctx, tx, id, actor.UserID, domain.AuditMoved, before, after); err != nil {
			return err
		}
		task, err = tx.GetTask(ctx, id)
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}

	s.log.WithFields(log.Fields{
		"task_id":        task.ID,
		"status":         task.Status,
		"priority_order": task.PriorityOrder,
		"user_id":        actor.UserID,
	}).Info("task moved")
	s.publish(domain.NewTaskEvent(domain.EventTaskMoved, task, actor.UserID))
	return task, nil
}

// Delete removes a task and returns its final state.
func (s *Tasks) Delete(ctx context.Context, actor domain.Identity, id int64) (removed domain.Task, err error) {
	ctx, span := s.startSpan(ctx, "tasks.delete", actor)
	span.SetAttributes(attribute.Int64("task.id", id))
	defer func() { endSpan(span, err) }()

	if err = requireActive(actor, "delete"); err != nil {
		return domain.Task{}, err
	}

	defer s.taskLocks.lock(id)()

	err = s.repo.RunInTx(ctx, func(ctx context.Context, tx domain.TaskTx) error {
		current, err := tx.GetTaskForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := s.audit(ctx, tx, id, actor.UserID, domain.AuditDeleted, domain.SummaryOf(current), nil); err != nil {
			return err
		}
		if err := tx.DeleteTask(ctx, id); err != nil {
			return err
		}
		removed = current
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}

	s.log.WithFields(log.Fields{"task_id": id, "custom_id": removed.CustomID, "user_id": actor.UserID}).Info("task deleted")
	s.publish(domain.NewTaskEvent(domain.EventTaskDeleted, removed, actor.UserID))
	return removed, nil
}

// ClearResult reports the outcome of ClearDone.
type ClearResult struct {
	Message        string  `json:"message"`
	DeletedCount   int     `json:"deleted_count"`
	DeletedTaskIDs []int64 `json:"deleted_task_ids,omitempty"`
	Type           string  `json:"type,omitempty"`
}

// ClearDone removes every task in the done column. An empty column is not an
// error; the result carries a warning and no event is published.
func (s *Tasks) ClearDone(ctx context.Context, actor domain.Identity) (res ClearResult, err error) {
	ctx, span := s.startSpan(ctx, "tasks.clear_done", actor)
	defer func() { endSpan(span, err) }()

	if err = requireActive(actor, "clear"); err != nil {
		return ClearResult{}, err
	}

	// Creates, moves and status updates into done wait on the column lock, so
	// the column can only shrink once the candidates are read.
	defer s.columns.lock(domain.StatusDone)()

	var candidates []int64
	err = s.repo.RunInTx(ctx, func(ctx context.Context, tx domain.TaskTx) error {
		done, err := tx.ListByStatus(ctx, domain.StatusDone)
		if err != nil {
			return err
		}
		for _, t := range done {
			candidates = append(candidates, t.ID)
		}
		return nil
	})
	if err != nil {
		return ClearResult{}, err
	}
	defer s.taskLocks.lockAll(candidates)()

	held := make(map[int64]bool, len(candidates))
	for _, id := range candidates {
		held[id] = true
	}
	var ids []int64
	err = s.repo.RunInTx(ctx, func(ctx context.Context, tx domain.TaskTx) error {
		done, err := tx.ListByStatus(ctx, domain.StatusDone)
		if err != nil {
			return err
		}
		ids = make([]int64, 0, len(done))
		for _, t := range done {
			if !held[t.ID] {
				continue
			}
			if err := s.audit(ctx, tx, t.ID, actor.UserID, domain.AuditDeletedViaClear, domain.SummaryOf(t), nil); err != nil {
				return err
			}
			ids = append(ids, t.ID)
		}
		_, err = tx.DeleteTasks(ctx, ids)
		return err
	})
	if err != nil {
		return ClearResult{}, err
	}

	span.SetAttributes(attribute.Int("tasks.cleared", len(ids)))
	if len(ids) == 0 {
		return ClearResult{Message: "No completed tasks to clear", DeletedCount: 0, Type: "warning"}, nil
	}

	s.log.WithFields(log.Fields{"count": len(ids), "user_id": actor.UserID}).Info("done tasks cleared")
	s.publish(domain.NewClearedEvent(ids, actor.UserID, s.now()))
	return ClearResult{
		Message:        fmt.Sprintf("Successfully cleared %d completed task(s)", len(ids)),
		DeletedCount:   len(ids),
		DeletedTaskIDs: ids,
	}, nil
}

// List returns tasks in display order. A zero limit means DefaultListLimit.
func (s *Tasks) List(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	verr := &domain.ValidationError{}
	if f.Status != "" && !domain.ValidStatus(f.Status) {
		verr.Add("status", "unknown status "+f.Status)
	}
	if f.Limit < 0 || f.Limit > MaxListLimit {
		verr.Add("limit", fmt.Sprintf("must be between 1 and %d", MaxListLimit))
	}
	if f.Offset < 0 {
		verr.Add("offset", "must not be negative")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	if f.Limit == 0 {
		f.Limit = DefaultListLimit
	}

	tasks, err := s.repo.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	domain.SortTasks(tasks)
	return tasks, nil
}

// Get returns a single task.
func (s *Tasks) Get(ctx context.Context, id int64) (domain.Task, error) {
	return s.repo.GetTask(ctx, id)
}

// History returns the audit trail of a task, oldest first.
func (s *Tasks) History(ctx context.Context, id int64) ([]domain.AuditEntry, error) {
	if _, err := s.repo.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.TaskHistory(ctx, id)
}

// Lookup resolves a public custom id ("RE-AB12CD" or "ab12cd") to its coarse
// status. Unknown ids yield domain.ErrNotFound.
func (s *Tasks) Lookup(ctx context.Context, raw string) (domain.PublicStatus, error) {
	id, ok := domain.NormalizeCustomID(raw)
	if !ok {
		return domain.PublicStatus{}, domain.ErrInvalidCustomID
	}
	task, err := s.repo.GetTaskByCustomID(ctx, id)
	if err != nil {
		return domain.PublicStatus{}, err
	}
	return domain.PublicStatus{
		TaskID:  domain.DisplayCustomID(task.CustomID),
		Status:  task.Status,
		Message: domain.StatusMessage(task.Status),
	}, nil
}

func (s *Tasks) audit(ctx context.Context, tx domain.TaskTx, taskID, userID int64, action string, before, after any) error {
	entry := domain.AuditEntry{
		TaskID:    taskID,
		UserID:    userID,
		Action:    action,
		Timestamp: s.now(),
	}
	var err error
	if before != nil {
		if entry.OldValues, err = sonic.Marshal(before); err != nil {
			return fmt.Errorf("encoding audit values: %w", err)
		}
	}
	if after != nil {
		if entry.NewValues, err = sonic.Marshal(after); err != nil {
			return fmt.Errorf("encoding audit values: %w", err)
		}
	}
	return tx.AppendAudit(ctx, entry)
}

func (s *Tasks) publish(ev domain.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(ev)
}
