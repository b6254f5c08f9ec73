// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cache implements various caching strategies.
package cache // import "secfs.io/cache"

// Derived from https://github.com/golang/build/blob/master/internal/lru/cache.go

import (
	"container/list"
	"sync"
)

// LRU is a least-recently used cache, safe for concurrent access.
type LRU[K comparable, V any] struct {
	maxEntries int

	// onEvict, if set, is called for entries removed to make room.
	// It runs with c.mu held and must not call back into the cache.
	onEvict func(K, V)

	mu    sync.Mutex
	ll    *list.List
	cache map[K]*list.Element
}

// *entry is the type stored in each *list.Element.
type entry[K comparable, V any] struct {
	key   K
	value V
}

// NewLRU returns a new cache with the provided maximum items.
func NewLRU[K comparable, V any](maxEntries int) *LRU[K, V] {
	return &LRU[K, V]{
		maxEntries: maxEntries,
		ll:         list.New(),
		cache:      make(map[K]*list.Element),
	}
}

// OnEvict registers f to be called whenever Add evicts an entry.
func (c *LRU[K, V]) OnEvict(f func(K, V)) {
	c.mu.Lock()
	c.onEvict = f
	c.mu.Unlock()
}

// Add adds the provided key and value to the cache, evicting
// an old item if necessary.
func (c *LRU[K, V]) Add(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Already in cache?
	if ee, ok := c.cache[key]; ok {
		c.ll.MoveToFront(ee)
		ee.Value.(*entry[K, V]).value = value
		return
	}

	// Add to cache if not present
	ele := c.ll.PushFront(&entry[K, V]{key, value})
	c.cache[key] = ele

	if c.ll.Len() > c.maxEntries {
		k, v, _ := c.removeOldest()
		if c.onEvict != nil {
			c.onEvict(k, v)
		}
	}
}

// Get fetches the key's value from the cache.
// The ok result will be true if the item was found.
func (c *LRU[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, hit := c.cache[key]; hit {
		c.ll.MoveToFront(ele)
		return ele.Value.(*entry[K, V]).value, true
	}
	return
}

// Remove removes the key from the cache and returns its value,
// if it was present.
func (c *LRU[K, V]) Remove(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ele, hit := c.cache[key]
	if !hit {
		return
	}
	c.ll.Remove(ele)
	delete(c.cache, key)
	return ele.Value.(*entry[K, V]).value, true
}

// RemoveOldest removes the oldest item in the cache and returns its key and value.
// The final result is false if the cache is empty.
// OnEvict is not called.
func (c *LRU[K, V]) RemoveOldest() (key K, value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeOldest()
}

// note: must hold c.mu
func (c *LRU[K, V]) removeOldest() (key K, value V, ok bool) {
	ele := c.ll.Back()
	if ele == nil {
		return
	}
	c.ll.Remove(ele)
	ent := ele.Value.(*entry[K, V])
	delete(c.cache, ent.key)
	return ent.key, ent.value, true
}

// Len returns the number of items in the cache.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
