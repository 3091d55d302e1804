// Package cell provides a single-slot value that asynchronous callbacks
// dereference at the moment they act, never at the moment they were created.
package cell

import "sync"

// Cell holds the latest value of T. It is the one shared mutable slot in an
// otherwise value-passing pipeline: writers replace the whole value, readers
// always observe the most recent write.
type Cell[T any] struct {
	mu      sync.RWMutex
	value   T
	version uint64
}

// New creates a cell holding the initial value
func New[T any](initial T) *Cell[T] {
	return &Cell[T]{value: initial}
}

// Read returns the current value
func (c *Cell[T]) Read() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// ReadVersioned returns the current value together with its write counter
func (c *Cell[T]) ReadVersioned() (T, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.version
}

// Write replaces the current value
func (c *Cell[T]) Write(v T) {
	c.mu.Lock()
	c.value = v
	c.version++
	c.mu.Unlock()
}

// Update replaces the value with fn(current) atomically and returns the result
func (c *Cell[T]) Update(fn func(T) T) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = fn(c.value)
	c.version++
	return c.value
}

// Version returns how many times the cell has been written
func (c *Cell[T]) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}
