package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
	"taskboard/events"
	"taskboard/realtime"
	"taskboard/storage/storagetest"
)

type captureTransport struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *captureTransport) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, append([]byte(nil), msg...))
	return nil
}

func (c *captureTransport) Close(int, string) error { return nil }

func (c *captureTransport) typed(kind string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, raw := range c.msgs {
		var msg map[string]any
		if err := sonic.Unmarshal(raw, &msg); err == nil && msg["type"] == kind {
			out = append(out, msg)
		}
	}
	return out
}

type staticVerifier map[string]domain.Identity

func (v staticVerifier) VerifyToken(_ context.Context, token string) (domain.Identity, error) {
	if ident, ok := v[token]; ok {
		return ident, nil
	}
	return domain.Identity{}, domain.ErrUnauthenticated
}

func TestMoveReachesOtherClient(t *testing.T) {
	store := storagetest.NewStore(t)
	alice := actorFor(storagetest.CreateUser(t, store, "alice", true))
	bob := actorFor(storagetest.CreateUser(t, store, "bob", true))

	logger, _ := test.NewNullLogger()
	registry := realtime.NewRegistry(staticVerifier{"a": alice, "b": bob}, logger)
	broadcaster := events.NewBroadcaster(registry, 16, logger)
	broadcaster.Start(context.Background())
	defer broadcaster.Stop()

	svc := NewTasks(store, broadcaster, logger)
	ctx := context.Background()
	task, err := svc.Create(ctx, alice, TaskInput{ClientName: "Acme", TaskType: "BDL"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clientA, clientB := &captureTransport{}, &captureTransport{}
	if _, err := registry.Connect(ctx, clientA, "a"); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	if _, err := registry.Connect(ctx, clientB, "b"); err != nil {
		t.Fatalf("connect b: %v", err)
	}

	if _, err := svc.Move(ctx, alice, task.ID, domain.StatusDone, nil); err != nil {
		t.Fatalf("move: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(clientB.typed(domain.EventTaskMoved)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client b never received task_moved")
		}
		time.Sleep(5 * time.Millisecond)
	}
	moved := clientB.typed(domain.EventTaskMoved)
	if len(moved) != 1 {
		t.Fatalf("expected exactly one task_moved, got %d", len(moved))
	}
	data, _ := moved[0]["data"].(map[string]any)
	if data["completed_at"] == nil || data["status"] != domain.StatusDone {
		t.Fatalf("task_moved should carry completed_at, got %v", data)
	}
	if moved[0]["user_id"] != float64(alice.UserID) {
		t.Fatalf("unexpected actor %v", moved[0]["user_id"])
	}

	again, err := svc.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.CompletedAt == nil {
		t.Fatalf("re-queried task should have completed_at")
	}
}
