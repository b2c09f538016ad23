package transports

import (
	"context"
	"errors"

	"github.com/harunnryd/speechbridge/pkg/frames"
)

var ErrClosed = errors.New("transport closed")

// Transport is one bidirectional connection carrying binary audio and text control frames.
type Transport interface {
	ID() string
	// Recv delivers inbound frames in arrival order. A ControlClose frame is
	// delivered when the peer goes away, then the channel is closed.
	Recv() <-chan frames.Frame
	// Send writes one text frame.
	Send(frames.Frame) error
	Close() error
}

// Listener accepts connections and emits one Transport per connection.
type Listener interface {
	Start(ctx context.Context) error
	Connections() <-chan Transport
	Close() error
}

// ReadyReporter allows listeners to expose readiness metadata (e.g., bound address).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
