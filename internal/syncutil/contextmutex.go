// Package syncutil holds locking primitives shared across packages.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ContextShardedMutex serializes work per key (for example a request id)
// using a fixed pool of channel-backed locks. Waiters can give up when
// their context ends. Distinct keys may share a shard.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewContextShardedMutex returns a ready mutex pool.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// LockContext blocks until the lock for key is held or ctx is done. On
// success the returned func releases the lock and must be called exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := m.shards[shardOf(key)]

	select {
	case <-shard:
		var released sync.Once
		return func() { released.Do(func() { shard <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key only if it is free right now.
func (m *ContextShardedMutex) TryLock(key string) (func(), bool) {
	m.init()
	shard := m.shards[shardOf(key)]

	select {
	case <-shard:
		var released sync.Once
		return func() { released.Do(func() { shard <- struct{}{} }) }, true
	default:
		return nil, false
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
