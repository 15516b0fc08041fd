package storage

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

func newTestStore(t *testing.T) *Storage {
	t.Helper()
	logger := log.New()
	logger.SetOutput(io.Discard)

	s, err := Open(context.Background(), ":memory:", logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustUser(t *testing.T, s *Storage, name string) domain.User {
	t.Helper()
	u := domain.User{Username: name, Email: name + "@example.com", PasswordHash: "x", IsActive: true}
	if err := s.CreateUser(context.Background(), &u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func insertTask(t *testing.T, s *Storage, owner int64, customID, status, processing string, order int) domain.Task {
	t.Helper()
	task := domain.Task{
		CustomID:      customID,
		ClientName:    "Client " + customID,
		TaskType:      "BDL",
		Processing:    processing,
		Status:        status,
		PriorityOrder: order,
		OwnerID:       owner,
		CreatedAt:     time.Now().UTC(),
	}
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx domain.TaskTx) error {
		return tx.InsertTask(ctx, &task)
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return task
}

func TestDriverFor(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":   DialectPostgres,
		"postgresql://u:p@localhost/db": DialectPostgres,
		"file:taskboard.db":             DialectSQLite,
		"sqlite://taskboard.db":         DialectSQLite,
		"":                              DialectSQLite,
	}
	for dsn, want := range cases {
		if got, _ := driverFor(dsn); got != want {
			t.Fatalf("driverFor(%q) = %s, want %s", dsn, got, want)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	v, err := s.Migrate(context.Background())
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if v != len(migrations) {
		t.Fatalf("expected version %d, got %d", len(migrations), v)
	}
}

func TestCreateUserConflict(t *testing.T) {
	s := newTestStore(t)
	mustUser(t, s, "alice")

	dup := domain.User{Username: "alice", Email: "other@example.com", PasswordHash: "x"}
	err := s.CreateUser(context.Background(), &dup)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	u, err := s.UserByLogin(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("login lookup: %v", err)
	}
	if u.Username != "alice" || !u.IsActive {
		t.Fatalf("unexpected user %+v", u)
	}
	if _, err := s.UserByID(context.Background(), 999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInsertAndGetTaskLoadsOwner(t *testing.T) {
	s := newTestStore(t)
	u := mustUser(t, s, "alice")
	task := insertTask(t, s, u.ID, "AB12CD", domain.StatusTodo, domain.ProcessingNormal, 0)
	if task.ID == 0 {
		t.Fatalf("expected id to be assigned")
	}

	got, err := s.GetTaskByCustomID(context.Background(), "AB12CD")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != task.ID || got.Owner == nil || got.Owner.Username != "alice" {
		t.Fatalf("unexpected task %+v", got)
	}
	if got.CompletedAt != nil || got.UpdatedAt != nil {
		t.Fatalf("expected null timestamps, got %+v", got)
	}
}

func TestGetTaskForUpdate(t *testing.T) {
	s := newTestStore(t)
	u := mustUser(t, s, "alice")
	task := insertTask(t, s, u.ID, "AB12CD", domain.StatusTodo, domain.ProcessingNormal, 0)

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx domain.TaskTx) error {
		got, err := tx.GetTaskForUpdate(ctx, task.ID)
		if err != nil {
			return err
		}
		if got.CustomID != "AB12CD" || got.Owner == nil {
			t.Fatalf("unexpected task %+v", got)
		}
		if _, err := tx.GetTaskForUpdate(ctx, task.ID+100); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestRowLockClause(t *testing.T) {
	if got := rowLockClause(DialectPostgres); got != " FOR UPDATE OF t" {
		t.Fatalf("postgres should lock the task row, got %q", got)
	}
	if got := rowLockClause(DialectSQLite); got != "" {
		t.Fatalf("sqlite needs no row lock, got %q", got)
	}
}

func TestInsertDuplicateCustomID(t *testing.T) {
	s := newTestStore(t)
	u := mustUser(t, s, "alice")
	insertTask(t, s, u.ID, "AB12CD", domain.StatusTodo, domain.ProcessingNormal, 0)

	dup := domain.Task{CustomID: "AB12CD", ClientName: "x", TaskType: "BDL", Processing: "normal", Status: "todo", OwnerID: u.ID, CreatedAt: time.Now()}
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx domain.TaskTx) error {
		return tx.InsertTask(ctx, &dup)
	})
	if !errors.Is(err, domain.ErrDuplicateCustomID) {
		t.Fatalf("expected duplicate custom id, got %v", err)
	}
}

func TestListTasksOrdering(t *testing.T) {
	s := newTestStore(t)
	u := mustUser(t, s, "alice")
	insertTask(t, s, u.ID, "AAAAA1", domain.StatusTodo, domain.ProcessingNormal, 0)
	insertTask(t, s, u.ID, "AAAAA2", domain.StatusTodo, domain.ProcessingExpedited, 3)
	insertTask(t, s, u.ID, "AAAAA3", domain.StatusTodo, domain.ProcessingNormal, 1)
	insertTask(t, s, u.ID, "AAAAA4", domain.StatusDone, domain.ProcessingNormal, 0)

	tasks, err := s.ListTasks(context.Background(), domain.TaskFilter{Status: domain.StatusTodo})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"AAAAA2", "AAAAA1", "AAAAA3"}
	if len(tasks) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(tasks))
	}
	for i, id := range want {
		if tasks[i].CustomID != id {
			t.Fatalf("position %d: got %s want %s", i, tasks[i].CustomID, id)
		}
	}

	page, err := s.ListTasks(context.Background(), domain.TaskFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(page))
	}

	counts, err := s.CountTasks(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[domain.StatusTodo] != 3 || counts[domain.StatusDone] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestNextOrderAppendsBehindOccupants(t *testing.T) {
	s := newTestStore(t)
	u := mustUser(t, s, "alice")
	insertTask(t, s, u.ID, "AAAAA1", domain.StatusDone, domain.ProcessingNormal, 7)
	moving := insertTask(t, s, u.ID, "AAAAA2", domain.StatusTodo, domain.ProcessingNormal, 0)

	var next int
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx domain.TaskTx) error {
		var err error
		next, err = tx.NextOrder(ctx, domain.StatusDone, moving.ID)
		return err
	})
	if err != nil {
		t.Fatalf("next order: %v", err)
	}
	if next != 8 {
		t.Fatalf("expected 8, got %d", next)
	}

	err = s.RunInTx(context.Background(), func(ctx context.Context, tx domain.TaskTx) error {
		var err error
		next, err = tx.NextOrder(ctx, domain.StatusInReview, 0)
		return err
	})
	if err != nil {
		t.Fatalf("next order: %v", err)
	}
	if next != 0 {
		t.Fatalf("expected 0 for empty column, got %d", next)
	}
}

func TestDeleteCascadesHistory(t *testing.T) {
	s := newTestStore(t)
	u := mustUser(t, s, "alice")
	task := insertTask(t, s, u.ID, "AB12CD", domain.StatusTodo, domain.ProcessingNormal, 0)

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx domain.TaskTx) error {
		return tx.AppendAudit(ctx, domain.AuditEntry{TaskID: task.ID, UserID: u.ID, Action: domain.AuditCreated, NewValues: []byte(`{"status":"todo"}`)})
	})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	history, err := s.TaskHistory(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || string(history[0].NewValues) != `{"status":"todo"}` || history[0].OldValues != nil {
		t.Fatalf("unexpected history %+v", history)
	}

	err = s.RunInTx(context.Background(), func(ctx context.Context, tx domain.TaskTx) error {
		return tx.DeleteTask(ctx, task.ID)
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	var orphans int
	if err := s.db.Get(&orphans, "SELECT COUNT(*) FROM task_history WHERE task_id = ?", task.ID); err != nil {
		t.Fatalf("count history: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("expected history to cascade, found %d rows", orphans)
	}
}

func TestRunInTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	u := mustUser(t, s, "alice")
	boom := errors.New("boom")

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx domain.TaskTx) error {
		task := domain.Task{CustomID: "ZZZZZZ", ClientName: "x", TaskType: "BDL", Processing: "normal", Status: "todo", OwnerID: u.ID, CreatedAt: time.Now()}
		if err := tx.InsertTask(ctx, &task); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetTaskByCustomID(context.Background(), "ZZZZZZ"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected rollback, got %v", err)
	}
}

func TestStartSessionDeactivatesPrevious(t *testing.T) {
	s := newTestStore(t)
	u := mustUser(t, s, "alice")
	ctx := context.Background()

	first := domain.Session{UserID: u.ID, Token: "t1", ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.StartSession(ctx, &first); err != nil {
		t.Fatalf("first session: %v", err)
	}
	second := domain.Session{UserID: u.ID, Token: "t2", ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.StartSession(ctx, &second); err != nil {
		t.Fatalf("second session: %v", err)
	}

	active, err := s.ActiveSessions(ctx, u.ID)
	if err != nil {
		t.Fatalf("active sessions: %v", err)
	}
	if len(active) != 1 || active[0].ID != second.ID {
		t.Fatalf("expected only the second session active, got %+v", active)
	}

	if err := s.RevokeSession(ctx, u.ID, first.ID+second.ID+100); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	expired, err := s.ExpireSessions(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired session, got %d", expired)
	}
}
