package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards one in every N events of the sampled names and
// every event of any other name. Per-chunk events such as audio_bytes are the
// usual candidates.
type SamplingObserver struct {
	inner       Observer
	names       map[string]bool
	sampleEvery uint64
	counter     atomic.Uint64
}

// NewSamplingObserver keeps roughly rate (0..1) of the named events.
func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	if rate > 1 {
		rate = 1
	}
	if rate < 0 {
		rate = 0
	}
	var every uint64
	switch {
	case rate == 0:
		every = 0
	case rate == 1:
		every = 1
	default:
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return &SamplingObserver{inner: inner, names: set, sampleEvery: every}
}

func (s *SamplingObserver) RecordEvent(ev Event) {
	if !s.names[ev.Name] || s.sampleEvery == 1 {
		s.inner.RecordEvent(ev)
		return
	}
	if s.sampleEvery == 0 {
		return
	}
	if s.counter.Add(1)%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
