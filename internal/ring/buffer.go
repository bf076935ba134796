// Package ring provides a fixed-capacity circular buffer used for every
// bounded history kept by the governor (lifecycle events, metric samples,
// alerts and quota violations).
package ring

// Buffer is a FIFO with a fixed capacity. Pushing into a full buffer
// overwrites the oldest element. Buffer is not safe for concurrent use; the
// owning component guards it with its own lock.
type Buffer[T any] struct {
	items []T
	head  int // index of the oldest element
	size  int
}

// New creates a buffer holding at most capacity elements. A capacity below
// one is raised to one.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when full. It reports whether
// an element was evicted.
func (b *Buffer[T]) Push(v T) bool {
	if b.size < len(b.items) {
		b.items[(b.head+b.size)%len(b.items)] = v
		b.size++
		return false
	}
	b.items[b.head] = v
	b.head = (b.head + 1) % len(b.items)
	return true
}

// Len returns the number of stored elements.
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Items returns a copy of the stored elements, oldest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%len(b.items)]
	}
	return out
}

// Last returns the newest element.
func (b *Buffer[T]) Last() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}
	return b.items[(b.head+b.size-1)%len(b.items)], true
}

// Retain keeps only the elements for which keep returns true, preserving
// order, and returns how many were removed.
func (b *Buffer[T]) Retain(keep func(T) bool) int {
	kept := make([]T, 0, b.size)
	for _, v := range b.Items() {
		if keep(v) {
			kept = append(kept, v)
		}
	}
	removed := b.size - len(kept)
	if removed == 0 {
		return 0
	}

	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	copy(b.items, kept)
	b.head = 0
	b.size = len(kept)
	return removed
}

// Resize changes the capacity, keeping the newest elements that fit.
func (b *Buffer[T]) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	if capacity == len(b.items) {
		return
	}
	items := b.Items()
	if len(items) > capacity {
		items = items[len(items)-capacity:]
	}
	b.items = make([]T, capacity)
	copy(b.items, items)
	b.head = 0
	b.size = len(items)
}

// Clear removes every element.
func (b *Buffer[T]) Clear() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head = 0
	b.size = 0
}
