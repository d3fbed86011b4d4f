// Package services implements deferred service resolution: consumers obtain
// a future for a dependency before its constructor has run, and block only
// when they actually need the value.
package services

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyResolved is returned when a slot is resolved twice.
var ErrAlreadyResolved = errors.New("service already resolved")

// Slot is a write-once container for a service of type T. Get blocks until
// Resolve has been called; every waiter then observes the same value,
// including the zero value if that is what was resolved.
type Slot[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	value    T
	resolved bool
}

// NewSlot creates an unresolved slot.
func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{done: make(chan struct{})}
}

// Resolve publishes the service value and wakes all waiters. Resolving a
// slot twice is an error; the first value wins.
func (s *Slot[T]) Resolve(v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved {
		return ErrAlreadyResolved
	}
	s.value = v
	s.resolved = true
	close(s.done)
	return nil
}

// Resolved reports whether the slot holds a value.
func (s *Slot[T]) Resolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved
}

// Get returns the service value, blocking until it is resolved or ctx ends.
func (s *Slot[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-s.done:
		return s.value, nil
	default:
	}
	select {
	case <-s.done:
		return s.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// MustGet returns the value of a resolved slot and panics otherwise. For
// wiring paths where resolution order is known.
func (s *Slot[T]) MustGet() T {
	select {
	case <-s.done:
		return s.value
	default:
		panic("services: slot not resolved")
	}
}
