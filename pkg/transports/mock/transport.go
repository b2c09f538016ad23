package mock

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/speechbridge/pkg/frames"
	"github.com/harunnryd/speechbridge/pkg/transports"
)

// Transport is an in-memory transport for local testing and integration.
// It implements the transports.Transport interface without any network dependency.
type Transport struct {
	id     string
	recvCh chan frames.Frame
	sentCh chan frames.Frame
	closed atomic.Bool
	closes atomic.Int32

	mu   sync.Mutex
	sent []frames.Frame
}

func New(id string) *Transport {
	return &Transport{
		id:     id,
		recvCh: make(chan frames.Frame, 256),
		sentCh: make(chan frames.Frame, 256),
	}
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(f frames.Frame) error {
	if t.closed.Load() {
		return transports.ErrClosed
	}
	t.mu.Lock()
	t.sent = append(t.sent, f)
	t.mu.Unlock()
	select {
	case t.sentCh <- f:
	default:
	}
	return nil
}

func (t *Transport) Close() error {
	t.closes.Add(1)
	t.closed.Store(true)
	return nil
}

// Push injects an inbound frame into the transport.
func (t *Transport) Push(f frames.Frame) {
	t.recvCh <- f
}

func (t *Transport) PushText(text string) {
	t.Push(frames.NewTextFrame(t.id, time.Now().UnixNano(), text, nil))
}

func (t *Transport) PushAudio(data []byte) {
	t.Push(frames.NewAudioFrame(t.id, time.Now().UnixNano(), data, nil))
}

// PushClose simulates the peer hanging up.
func (t *Transport) PushClose() {
	t.Push(frames.NewControlFrame(t.id, time.Now().UnixNano(), frames.ControlClose, nil))
}

// Sent exposes outbound frames for inspection.
func (t *Transport) Sent() <-chan frames.Frame { return t.sentCh }

// SentFrames returns a snapshot of every outbound frame.
func (t *Transport) SentFrames() []frames.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]frames.Frame(nil), t.sent...)
}

func (t *Transport) Closed() bool { return t.closed.Load() }

// CloseCalls counts Close invocations.
func (t *Transport) CloseCalls() int { return int(t.closes.Load()) }

var _ transports.Transport = (*Transport)(nil)
