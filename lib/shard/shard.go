// Package shard implements a fixed-size array of independently locked maps.
//
// Keys are routed to a shard through SipHash-2-4 under a random per-process key,
// so an attacker choosing addresses or identifiers cannot aim for a single shard.
// Every access runs a callback inside the shard's critical section; callbacks must
// not block or retain the value pointer after returning.
package shard

import (
	"encoding/binary"
	"sync"

	"github.com/dchest/siphash"
	"github.com/go-i2p/crypto/rand"
)

// HashFunc turns a key into the bytes fed to the shard hash.
type HashFunc[K comparable] func(K) []byte

type bucket[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]*V
}

// Map is a sharded map from K to *V.
type Map[K comparable, V any] struct {
	buckets []bucket[K, V]
	hashKey HashFunc[K]
	k0, k1  uint64
}

// New creates a map with n shards. n is raised to 1 if smaller.
func New[K comparable, V any](n int, hashKey HashFunc[K]) *Map[K, V] {
	if n < 1 {
		n = 1
	}
	var seed [16]byte
	if _, err := rand.Read(seed[:]); err != nil {
		// Routing still works with a zero key, it is only predictable.
		log.WithError(err).Warn("shard key generation failed")
	}
	m := &Map[K, V]{
		buckets: make([]bucket[K, V], n),
		hashKey: hashKey,
		k0:      binary.LittleEndian.Uint64(seed[:8]),
		k1:      binary.LittleEndian.Uint64(seed[8:]),
	}
	for i := range m.buckets {
		m.buckets[i].items = make(map[K]*V)
	}
	return m
}

// Shards returns the number of shards.
func (m *Map[K, V]) Shards() int {
	return len(m.buckets)
}

func (m *Map[K, V]) bucketFor(key K) *bucket[K, V] {
	h := siphash.Hash(m.k0, m.k1, m.hashKey(key))
	return &m.buckets[h%uint64(len(m.buckets))]
}

// Index reports the shard a key routes to.
func (m *Map[K, V]) Index(key K) int {
	return int(siphash.Hash(m.k0, m.k1, m.hashKey(key)) % uint64(len(m.buckets)))
}

// View runs fn under the shard read lock if key is present.
func (m *Map[K, V]) View(key K, fn func(*V)) bool {
	b := m.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.items[key]
	if ok && fn != nil {
		fn(v)
	}
	return ok
}

// Update runs fn under the shard write lock if key is present.
// Returning false from fn deletes the entry.
func (m *Map[K, V]) Update(key K, fn func(*V) bool) bool {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.items[key]
	if !ok {
		return false
	}
	if !fn(v) {
		delete(b.items, key)
	}
	return true
}

// Compute runs fn under the shard write lock with the current entry, nil when
// absent. The returned pointer is stored; nil deletes the key.
func (m *Map[K, V]) Compute(key K, fn func(cur *V) *V) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	next := fn(b.items[key])
	if next == nil {
		delete(b.items, key)
		return
	}
	b.items[key] = next
}

// Delete removes key.
func (m *Map[K, V]) Delete(key K) {
	b := m.bucketFor(key)
	b.mu.Lock()
	delete(b.items, key)
	b.mu.Unlock()
}

// Len counts entries across all shards. Shards are locked one at a time, so the
// figure is a snapshot, not an atomic total.
func (m *Map[K, V]) Len() int {
	n := 0
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.RLock()
		n += len(b.items)
		b.mu.RUnlock()
	}
	return n
}

// Retain keeps entries for which keep returns true and reports how many were removed.
func (m *Map[K, V]) Retain(keep func(K, *V) bool) int {
	removed := 0
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.Lock()
		for k, v := range b.items {
			if !keep(k, v) {
				delete(b.items, k)
				removed++
			}
		}
		b.mu.Unlock()
	}
	return removed
}
