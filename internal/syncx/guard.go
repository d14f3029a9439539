// Package syncx provides extended synchronization primitives
package syncx

import "sync"

// Guard wraps a mutex-protected value with scoped lock helpers. Transition
// logic runs inside Update so validate-and-apply is a single critical
// section.
type Guard[T any] struct {
	mu    sync.RWMutex
	value T
}

// NewGuard creates a guarded value.
func NewGuard[T any](initial T) *Guard[T] {
	return &Guard[T]{value: initial}
}

// Read executes fn under the read lock.
func (g *Guard[T]) Read(fn func(T)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn(g.value)
}

// Update executes fn under the write lock; fn receives a pointer for
// mutation and returns whether it changed anything.
func (g *Guard[T]) Update(fn func(*T) bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(&g.value)
}
