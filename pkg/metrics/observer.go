package metrics

import "time"

// Event is one observation emitted by a session, a provider or the engine.
type Event struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

func (ev Event) Provider() string  { return ev.Tags[TagProvider] }
func (ev Event) SessionID() string { return ev.Tags[TagSessionID] }
func (ev Event) Verb() string      { return ev.Tags[TagVerb] }

type Observer interface {
	RecordEvent(ev Event)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) RecordEvent(ev Event) { f(ev) }

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(Event) {}
