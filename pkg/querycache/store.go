package querycache

import "sync"

const shardCount = 32

// entryStore owns the mapping from keys to entries. It is sharded so that
// key lookups never contend on a single lock; per-key state transitions are
// serialized on each entry's own mutex, not here.
type entryStore struct {
	shards [shardCount]*storeShard
}

type storeShard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func newEntryStore() *entryStore {
	s := &entryStore{}
	for i := range s.shards {
		s.shards[i] = &storeShard{entries: make(map[string]*entry)}
	}
	return s
}

func (s *entryStore) shardFor(key Key) *storeShard {
	return s.shards[key.shardHash()%shardCount]
}

// get returns the entry for key, or nil if the key is not in the store.
func (s *entryStore) get(key Key) *entry {
	shard := s.shardFor(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return shard.entries[key.ID()]
}

// getOrCreate returns the existing entry for key, creating an idle one if
// absent.
func (s *entryStore) getOrCreate(key Key) *entry {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if e, ok := shard.entries[key.ID()]; ok {
		return e
	}
	e := newEntry(key)
	shard.entries[key.ID()] = e
	return e
}

// removeLocked garbage-collects an entry. The caller must hold e.mu and must
// have verified the removal conditions (no observers, no in-flight fetch).
func (s *entryStore) removeLocked(e *entry) {
	e.removed = true
	shard := s.shardFor(e.key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.entries, e.key.ID())
}

// forEachMatching collects the entries whose keys satisfy the predicate. The
// returned slice is a point-in-time view; entries may be removed before the
// caller locks them.
func (s *entryStore) forEachMatching(predicate func(Key) bool) []*entry {
	var matched []*entry
	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, e := range shard.entries {
			if predicate(e.key) {
				matched = append(matched, e)
			}
		}
		shard.mu.RUnlock()
	}
	return matched
}

func (s *entryStore) len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		total += len(shard.entries)
		shard.mu.RUnlock()
	}
	return total
}
