package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

type stubBackend struct {
	getByCustomIDFn func(ctx context.Context, customID string) (domain.Task, error)
	runInTxFn       func(ctx context.Context, fn func(ctx context.Context, tx domain.TaskTx) error) error
}

func (s *stubBackend) GetTaskByCustomID(ctx context.Context, customID string) (domain.Task, error) {
	if s.getByCustomIDFn == nil {
		return domain.Task{}, errors.New("unexpected GetTaskByCustomID call")
	}
	return s.getByCustomIDFn(ctx, customID)
}

func (s *stubBackend) RunInTx(ctx context.Context, fn func(ctx context.Context, tx domain.TaskTx) error) error {
	if s.runInTxFn == nil {
		return errors.New("unexpected RunInTx call")
	}
	return s.runInTxFn(ctx, fn)
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheLookupMissThenHit(t *testing.T) {
	mr, client := newMiniredis(t)
	ctx := context.Background()

	var calls int
	cache := NewCache(&stubBackend{
		getByCustomIDFn: func(ctx context.Context, id string) (domain.Task, error) {
			calls++
			return domain.Task{ID: 1, CustomID: id, Status: domain.StatusInReview}, nil
		},
	}, client, time.Minute)

	for i := 0; i < 2; i++ {
		task, err := cache.GetTaskByCustomID(ctx, "AB12CD")
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if task.Status != domain.StatusInReview {
			t.Fatalf("unexpected task %+v", task)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 backend call, got %d", calls)
	}
	if ttl := mr.TTL(lookupCacheKey("AB12CD")); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}
}

func TestCacheLookupErrorNotCached(t *testing.T) {
	mr, client := newMiniredis(t)
	cache := NewCache(&stubBackend{
		getByCustomIDFn: func(ctx context.Context, id string) (domain.Task, error) {
			return domain.Task{}, domain.ErrNotFound
		},
	}, client, time.Minute)

	if _, err := cache.GetTaskByCustomID(context.Background(), "AB12CD"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if mr.Exists(lookupCacheKey("AB12CD")) {
		t.Fatalf("miss should not be cached")
	}
}

func TestCacheLookupCorruptEntryFallsBack(t *testing.T) {
	mr, client := newMiniredis(t)
	if err := mr.Set(lookupCacheKey("AB12CD"), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cache := NewCache(&stubBackend{
		getByCustomIDFn: func(ctx context.Context, id string) (domain.Task, error) {
			return domain.Task{ID: 1, CustomID: id, Status: domain.StatusDone}, nil
		},
	}, client, time.Minute)

	task, err := cache.GetTaskByCustomID(context.Background(), "AB12CD")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if task.Status != domain.StatusDone {
		t.Fatalf("expected backend value, got %+v", task)
	}
}

func TestCacheEvictsAfterCommittedUpdate(t *testing.T) {
	s := newTestStore(t)
	mr, client := newMiniredis(t)
	cache := NewCache(s, client, time.Minute)
	ctx := context.Background()

	u := mustUser(t, s, "alice")
	task := insertTask(t, s, u.ID, "AB12CD", domain.StatusTodo, domain.ProcessingNormal, 0)

	if _, err := cache.GetTaskByCustomID(ctx, "AB12CD"); err != nil {
		t.Fatalf("prime: %v", err)
	}
	if !mr.Exists(lookupCacheKey("AB12CD")) {
		t.Fatalf("expected cached entry")
	}

	err := cache.RunInTx(ctx, func(ctx context.Context, tx domain.TaskTx) error {
		task.SetStatus(domain.StatusDone, time.Now())
		return tx.UpdateTask(ctx, task)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if mr.Exists(lookupCacheKey("AB12CD")) {
		t.Fatalf("expected entry to be evicted")
	}

	got, err := cache.GetTaskByCustomID(ctx, "AB12CD")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != domain.StatusDone {
		t.Fatalf("expected fresh status, got %s", got.Status)
	}
}

func TestCacheKeepsEntryOnRollback(t *testing.T) {
	s := newTestStore(t)
	mr, client := newMiniredis(t)
	cache := NewCache(s, client, time.Minute)
	ctx := context.Background()

	u := mustUser(t, s, "alice")
	task := insertTask(t, s, u.ID, "AB12CD", domain.StatusTodo, domain.ProcessingNormal, 0)
	if _, err := cache.GetTaskByCustomID(ctx, "AB12CD"); err != nil {
		t.Fatalf("prime: %v", err)
	}

	boom := errors.New("boom")
	err := cache.RunInTx(ctx, func(ctx context.Context, tx domain.TaskTx) error {
		if err := tx.DeleteTask(ctx, task.ID); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if !mr.Exists(lookupCacheKey("AB12CD")) {
		t.Fatalf("rolled back delete should keep cache entry")
	}
}

type updateOnlyTx struct{ domain.TaskTx }

func (updateOnlyTx) UpdateTask(context.Context, domain.Task) error { return nil }

func TestCacheSkipsFillWhenEvictedDuringRead(t *testing.T) {
	mr, client := newMiniredis(t)
	ctx := context.Background()

	stale := domain.Task{ID: 1, CustomID: "AB12CD", Status: domain.StatusTodo}
	var cache *Cache
	var calls int
	cache = NewCache(&stubBackend{
		getByCustomIDFn: func(ctx context.Context, id string) (domain.Task, error) {
			calls++
			if calls > 1 {
				return domain.Task{ID: 1, CustomID: id, Status: domain.StatusDone}, nil
			}
			// A writer commits after this read saw the old row.
			err := cache.RunInTx(ctx, func(ctx context.Context, tx domain.TaskTx) error {
				done := stale
				done.Status = domain.StatusDone
				return tx.UpdateTask(ctx, done)
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
			return stale, nil
		},
		runInTxFn: func(ctx context.Context, fn func(ctx context.Context, tx domain.TaskTx) error) error {
			return fn(ctx, updateOnlyTx{})
		},
	}, client, time.Minute)

	if _, err := cache.GetTaskByCustomID(ctx, "AB12CD"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if mr.Exists(lookupCacheKey("AB12CD")) {
		t.Fatalf("read that raced an eviction must not fill the cache")
	}

	got, err := cache.GetTaskByCustomID(ctx, "AB12CD")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != domain.StatusDone || calls != 2 {
		t.Fatalf("expected fresh status from storage, got %s after %d calls", got.Status, calls)
	}
	if !mr.Exists(lookupCacheKey("AB12CD")) {
		t.Fatalf("quiet read should fill the cache")
	}
	if ttl := mr.TTL(generationKey("AB12CD")); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("generation key should expire with the cache TTL, got %v", ttl)
	}
}
