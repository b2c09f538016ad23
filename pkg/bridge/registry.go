package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/speechbridge/pkg/dispatcher"
)

// Session is a running dispatcher session tracked for shutdown.
type Session struct {
	ID      string
	Session *dispatcher.Session
	Ctx     context.Context
	Cancel  context.CancelFunc
	Created time.Time
}

// SessionRegistry tracks live sessions so shutdown can end and await them.
type SessionRegistry struct {
	sessions sync.Map
	count    atomic.Int64
	draining atomic.Bool
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{}
}

// Add registers sess under a context derived from parent. It returns false
// when the registry is draining or the id is taken.
func (r *SessionRegistry) Add(parent context.Context, sess *dispatcher.Session) (*Session, bool) {
	if r.draining.Load() {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	entry := &Session{
		ID:      sess.ID(),
		Session: sess,
		Ctx:     ctx,
		Cancel:  cancel,
		Created: time.Now(),
	}
	if _, loaded := r.sessions.LoadOrStore(entry.ID, entry); loaded {
		cancel()
		return nil, false
	}
	r.count.Add(1)
	return entry, true
}

func (r *SessionRegistry) Get(id string) (*Session, bool) {
	if v, ok := r.sessions.Load(id); ok {
		return v.(*Session), true
	}
	return nil, false
}

// Remove forgets a session and cancels its context.
func (r *SessionRegistry) Remove(id string) {
	if v, ok := r.sessions.LoadAndDelete(id); ok {
		v.(*Session).Cancel()
		r.count.Add(-1)
	}
}

// CancelAll cancels every session context. Sessions remove themselves once
// their run loop returns.
func (r *SessionRegistry) CancelAll() {
	r.sessions.Range(func(_, value any) bool {
		value.(*Session).Cancel()
		return true
	})
}

func (r *SessionRegistry) Count() int64 {
	return r.count.Load()
}

func (r *SessionRegistry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *SessionRegistry) Draining() bool {
	return r.draining.Load()
}

func (r *SessionRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
