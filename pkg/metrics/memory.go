package metrics

import "sync"

// MemoryObserver keeps every event; tests use it to assert on emitted metrics.
type MemoryObserver struct {
	mu     sync.Mutex
	Events []Event
}

func NewMemoryObserver() *MemoryObserver {
	return &MemoryObserver{}
}

func (m *MemoryObserver) RecordEvent(ev Event) {
	m.mu.Lock()
	m.Events = append(m.Events, ev)
	m.mu.Unlock()
}

// Count returns how many events named name were recorded.
func (m *MemoryObserver) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.Events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

// Sum adds up the values of events named name.
func (m *MemoryObserver) Sum(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, ev := range m.Events {
		if ev.Name == name {
			total += ev.Value
		}
	}
	return total
}
