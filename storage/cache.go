package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

type backend interface {
	GetTaskByCustomID(ctx context.Context, customID string) (domain.Task, error)
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx domain.TaskTx) error) error
}

// errStaleRead aborts a cache fill whose read raced an eviction.
var errStaleRead = errors.New("lookup read raced an eviction")

// Cache wraps a Storage with Redis caching for public custom id lookups.
// Entries are evicted after any committed transaction that touched the task.
// Every eviction bumps a per-id generation; a lookup only fills the cache
// when the generation it saw before reading the database is still current.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

func (c *Cache) GetTaskByCustomID(ctx context.Context, customID string) (domain.Task, error) {
	if task, ok := c.loadTask(ctx, customID); ok {
		return task, nil
	}

	gen, ok := c.generation(ctx, customID)
	task, err := c.base.GetTaskByCustomID(ctx, customID)
	if err != nil {
		return domain.Task{}, err
	}

	if ok {
		c.storeTask(ctx, customID, task, gen)
	}
	return task, nil
}

func (c *Cache) RunInTx(ctx context.Context, fn func(ctx context.Context, tx domain.TaskTx) error) error {
	var touched []string
	err := c.base.RunInTx(ctx, func(ctx context.Context, tx domain.TaskTx) error {
		return fn(ctx, &evictingTx{TaskTx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	c.evict(ctx, touched...)
	return nil
}

// evictingTx records the custom ids of every task written through it.
type evictingTx struct {
	domain.TaskTx
	touched *[]string
}

func (t *evictingTx) UpdateTask(ctx context.Context, task domain.Task) error {
	if err := t.TaskTx.UpdateTask(ctx, task); err != nil {
		return err
	}
	*t.touched = append(*t.touched, task.CustomID)
	return nil
}

func (t *evictingTx) DeleteTask(ctx context.Context, id int64) error {
	t.remember(ctx, id)
	return t.TaskTx.DeleteTask(ctx, id)
}

func (t *evictingTx) DeleteTasks(ctx context.Context, ids []int64) (int64, error) {
	for _, id := range ids {
		t.remember(ctx, id)
	}
	return t.TaskTx.DeleteTasks(ctx, ids)
}

func (t *evictingTx) remember(ctx context.Context, id int64) {
	if task, err := t.TaskTx.GetTask(ctx, id); err == nil {
		*t.touched = append(*t.touched, task.CustomID)
	}
}

func (c *Cache) loadTask(ctx context.Context, customID string) (domain.Task, bool) {
	if c.redis == nil || c.ttl == 0 {
		return domain.Task{}, false
	}
	data, err := c.redis.Get(ctx, lookupCacheKey(customID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, lookupCacheKey(customID)).Err()
		}
		return domain.Task{}, false
	}
	var task domain.Task
	if err := sonic.Unmarshal(data, &task); err != nil {
		_ = c.redis.Del(ctx, lookupCacheKey(customID)).Err()
		return domain.Task{}, false
	}
	return task, true
}

func (c *Cache) generation(ctx context.Context, customID string) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, generationKey(customID)).Int64()
	if err != nil && err != redis.Nil {
		return 0, false
	}
	return gen, true
}

func (c *Cache) storeTask(ctx context.Context, customID string, task domain.Task, gen int64) {
	data, err := sonic.Marshal(task)
	if err != nil {
		return
	}
	genKey := generationKey(customID)
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != gen {
			return errStaleRead
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, lookupCacheKey(customID), data, c.ttl)
			return nil
		})
		return err
	}, genKey)
}

func (c *Cache) evict(ctx context.Context, customIDs ...string) {
	if c.redis == nil || c.ttl == 0 || len(customIDs) == 0 {
		return
	}
	_, _ = c.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range customIDs {
			p.Incr(ctx, generationKey(id))
			p.Expire(ctx, generationKey(id), c.ttl)
			p.Del(ctx, lookupCacheKey(id))
		}
		return nil
	})
}

func lookupCacheKey(customID string) string {
	return "lookup:" + customID
}

func generationKey(customID string) string {
	return "lookup-gen:" + customID
}
