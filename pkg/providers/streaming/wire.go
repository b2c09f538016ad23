package streaming

import (
	"errors"
	"sync"

	"github.com/harunnryd/speechbridge/pkg/adapters/stt"
)

var (
	ErrAudioClosed = errors.New("audio stream is already closed")
	ErrAudioFull   = errors.New("audio queue is full")
)

const (
	DefaultAudioQueue      = 256
	DefaultTranscriptQueue = 64
)

// AudioQueue buffers outbound audio for a backend writer goroutine.
type AudioQueue struct {
	mu     sync.RWMutex
	ch     chan []byte
	closed bool
}

func NewAudioQueue(size int) *AudioQueue {
	if size <= 0 {
		size = DefaultAudioQueue
	}
	return &AudioQueue{ch: make(chan []byte, size)}
}

// Push never blocks.
func (q *AudioQueue) Push(chunk []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrAudioClosed
	}
	select {
	case q.ch <- chunk:
		return nil
	default:
		return ErrAudioFull
	}
}

func (q *AudioQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

func (q *AudioQueue) C() <-chan []byte { return q.ch }

// Sink collects transcripts from a backend reader and records why it stopped.
type Sink struct {
	mu     sync.Mutex
	out    chan stt.Transcript
	closed bool
	err    error
}

func NewSink(size int) *Sink {
	if size <= 0 {
		size = DefaultTranscriptQueue
	}
	return &Sink{out: make(chan stt.Transcript, size)}
}

// Emit reports false once the sink is finished.
func (s *Sink) Emit(tr stt.Transcript) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.out <- tr
	return true
}

// Finish closes the sink. The first call wins.
func (s *Sink) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.out)
}

func (s *Sink) Transcripts() <-chan stt.Transcript { return s.out }

func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
