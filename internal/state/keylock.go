// Package state holds the per-identity managers that sit on top of the
// stores: quota accounting, conversation history and proxy preferences.
package state

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// KeyLock serializes read-modify-write cycles per identity key. Keys are
// hashed onto a fixed set of mutexes, so unrelated keys may share a shard.
type KeyLock struct {
	shards [lockShards]sync.Mutex
}

func NewKeyLock() *KeyLock { return &KeyLock{} }

func shardOf(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % lockShards)
}

// Lock locks the shard of key and returns its unlock function.
func (l *KeyLock) Lock(key string) func() {
	m := &l.shards[shardOf(key)]
	m.Lock()
	return m.Unlock
}

// LockAll locks every shard in index order. Used for bulk updates that must
// not interleave with any per-key cycle.
func (l *KeyLock) LockAll() func() {
	for i := range l.shards {
		l.shards[i].Lock()
	}
	return func() {
		for i := len(l.shards) - 1; i >= 0; i-- {
			l.shards[i].Unlock()
		}
	}
}
