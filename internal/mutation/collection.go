// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mutation

import (
	"reflect"
	"sort"
	"sync"
)

// Collection is an ordered local list keyed by id. Every change bumps
// Version so readers can tell whether they are looking at stale data.
type Collection[T any] struct {
	mu      sync.RWMutex
	id      func(T) string
	items   []T
	version uint64
}

// NewCollection creates an empty collection using id to key its items.
func NewCollection[T any](id func(T) string) *Collection[T] {
	return &Collection[T]{id: id}
}

// Snapshot is a point-in-time copy used for rollback.
type Snapshot[T any] struct {
	items   []T
	version uint64
}

// Len returns the number of items in the snapshot.
func (s Snapshot[T]) Len() int { return len(s.items) }

// ID returns the key of item.
func (c *Collection[T]) ID(item T) string { return c.id(item) }

// Items returns a copy of the current list.
func (c *Collection[T]) Items() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]T(nil), c.items...)
}

// Len returns the number of items.
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Version returns the change counter.
func (c *Collection[T]) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Get looks an item up by id.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.items[i], true
	}
	var zero T
	return zero, false
}

// Replace swaps in a whole new list, typically a fresh fetch.
func (c *Collection[T]) Replace(items []T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append([]T(nil), items...)
	c.version++
}

// Insert appends item.
func (c *Collection[T]) Insert(item T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, item)
	c.version++
}

// Upsert replaces the item with the same id in place, or appends it.
func (c *Collection[T]) Upsert(item T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(c.id(item)); i >= 0 {
		c.items[i] = item
	} else {
		c.items = append(c.items, item)
	}
	c.version++
}

// Swap replaces the item keyed oldID with item, keeping its position.
// It reports false and appends when oldID is absent.
func (c *Collection[T]) Swap(oldID string, item T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	if i := c.indexLocked(oldID); i >= 0 {
		c.items[i] = item
		return true
	}
	c.items = append(c.items, item)
	return false
}

// Update applies fn to the item keyed id and returns the new value.
func (c *Collection[T]) Update(id string, fn func(T) T) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(id)
	if i < 0 {
		var zero T
		return zero, false
	}
	c.items[i] = fn(c.items[i])
	c.version++
	return c.items[i], true
}

// Remove deletes the item keyed id and returns it.
func (c *Collection[T]) Remove(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(id)
	if i < 0 {
		var zero T
		return zero, false
	}
	item := c.items[i]
	c.items = append(c.items[:i:i], c.items[i+1:]...)
	c.version++
	return item, true
}

// Snapshot captures the current list for a later Revert.
func (c *Collection[T]) Snapshot() Snapshot[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot[T]{items: append([]T(nil), c.items...), version: c.version}
}

// Revert undoes the difference between before and after item by item.
// Items added in between are removed, changed ones get their before value
// back and removed ones are re-inserted at their old index. Items that
// before and after agree on are left alone, so changes made by others
// since before was taken survive.
func (c *Collection[T]) Revert(before, after Snapshot[T]) {
	was := c.positions(before.items)
	now := c.positions(after.items)

	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false

	for id, j := range now {
		i, existed := was[id]
		switch {
		case !existed:
			if k := c.indexLocked(id); k >= 0 {
				c.items = append(c.items[:k:k], c.items[k+1:]...)
				changed = true
			}
		case !reflect.DeepEqual(before.items[i], after.items[j]):
			if k := c.indexLocked(id); k >= 0 {
				c.items[k] = before.items[i]
			} else {
				c.insertLocked(i, before.items[i])
			}
			changed = true
		}
	}

	var gone []int
	for id, i := range was {
		if _, ok := now[id]; !ok && c.indexLocked(id) < 0 {
			gone = append(gone, i)
		}
	}
	sort.Ints(gone)
	for _, i := range gone {
		c.insertLocked(i, before.items[i])
		changed = true
	}

	if changed {
		c.version++
	}
}

func (c *Collection[T]) positions(items []T) map[string]int {
	m := make(map[string]int, len(items))
	for i, item := range items {
		m[c.id(item)] = i
	}
	return m
}

// insertLocked puts item at index i, or at the end when i is past it.
func (c *Collection[T]) insertLocked(i int, item T) {
	if i >= len(c.items) {
		c.items = append(c.items, item)
		return
	}
	c.items = append(c.items[:i:i], append([]T{item}, c.items[i:]...)...)
}

func (c *Collection[T]) indexLocked(id string) int {
	for i := range c.items {
		if c.id(c.items[i]) == id {
			return i
		}
	}
	return -1
}
