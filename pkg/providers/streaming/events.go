package streaming

import (
	"sync"

	"github.com/harunnryd/speechbridge/pkg/adapters/stt"
)

// eventQueue decouples producers from the consumer so a slow reader never
// blocks a pump or a lifecycle call. Delivery order is preserved.
type eventQueue struct {
	mu     sync.Mutex
	items  []stt.Event
	notify chan struct{}
	out    chan stt.Event
	done   chan struct{}
}

func newEventQueue(done chan struct{}) *eventQueue {
	q := &eventQueue{
		notify: make(chan struct{}, 1),
		out:    make(chan stt.Event),
		done:   done,
	}
	go q.run()
	return q
}

func (q *eventQueue) push(ev stt.Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}
		ev := q.items[0]
		q.items[0] = stt.Event{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.done:
			return
		}
	}
}
