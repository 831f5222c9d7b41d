// Package keylock provides sharded per-key mutual exclusion. Operations on
// the same key are serialized; unrelated keys only contend when they hash to
// the same shard.
package keylock

import (
	"hash/fnv"
	"sync"
)

const defaultShards = 64

type KeyedMutex struct {
	shards []sync.Mutex
}

func New(shards int) *KeyedMutex {
	if shards <= 0 {
		shards = defaultShards
	}
	return &KeyedMutex{shards: make([]sync.Mutex, shards)}
}

// Lock acquires the shard owning key and returns its unlock func.
func (m *KeyedMutex) Lock(key string) func() {
	shard := &m.shards[m.shardIndex(key)]
	shard.Lock()
	return shard.Unlock
}

func (m *KeyedMutex) shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}
