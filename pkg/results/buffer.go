package results

import "sync"

const DefaultCapacity = 100

// Buffer is a bounded FIFO of final results. When full, the oldest entry is evicted.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	items    []Result
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity, items: make([]Result, 0, capacity)}
}

// Push appends r and reports whether an older entry was evicted.
func (b *Buffer) Push(r Result) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	evicted := false
	if len(b.items) == b.capacity {
		copy(b.items, b.items[1:])
		b.items = b.items[:len(b.items)-1]
		evicted = true
	}
	b.items = append(b.items, r)
	return evicted
}

// Drain removes and returns every buffered result. It never returns nil.
func (b *Buffer) Drain() []Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Result, len(b.items))
	copy(out, b.items)
	b.items = b.items[:0]
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Buffer) Cap() int { return b.capacity }
