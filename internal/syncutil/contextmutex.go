// Package syncutil holds locking helpers shared by the protocol services.
package syncutil

import (
	"context"
	"hash/fnv"
)

const defaultShards = 256

// KeyedMutex serializes work per entity id over a fixed pool of
// channel-backed locks. Two ids may share a shard; callers must never
// hold one key while acquiring another.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a mutex pool. A non-positive size selects the default.
func NewKeyedMutex(size int) *KeyedMutex {
	if size <= 0 {
		size = defaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, size)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock acquires the lock for key or returns ctx.Err() if the context ends
// first. The returned func releases the lock and must be called exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.index(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}
