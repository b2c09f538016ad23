package stt

import (
	"context"
	"errors"

	"github.com/harunnryd/speechbridge/pkg/negotiate"
	"github.com/harunnryd/speechbridge/pkg/results"
)

var (
	ErrUnsupportedCodec    = errors.New("unsupported codec")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrProviderEnded       = errors.New("provider ended")
)

// Provider is the capability contract every recognition backend is exposed through.
// One Provider is bound to exactly one session.
type Provider interface {
	// Name returns the backend name for logging/metrics.
	Name() string
	// SetConfig validates every field of cfg before merging any of it.
	// It fails with ErrUnsupportedCodec or ErrUnsupportedLanguage and never touches a live stream.
	SetConfig(cfg Config) error
	// Start opens a remote session unless one is already active.
	Start(ctx context.Context, cfg Config) error
	// Write accepts one chunk of raw audio in the configured encoding.
	Write(chunk []byte) error
	// Restart stops the current remote session, flushing audio, and starts a new one.
	Restart(ctx context.Context, cfg Config) error
	// End finalizes the remote session and releases all resources. Idempotent.
	End() error
	// Events delivers final results and at most one fatal error, in order.
	Events() <-chan Event
	// Results drains the bounded result buffer.
	Results() []results.Result
	State() State
}

// Config is the recognition configuration negotiated on the control channel.
// Zero fields mean "keep the current value".
type Config struct {
	Codec    negotiate.Codec
	Language string
}

func DefaultConfig() Config {
	return Config{Codec: negotiate.DefaultCodec, Language: negotiate.DefaultLanguage}
}

// Merge returns c overridden by the non-zero fields of update.
func (c Config) Merge(update Config) Config {
	if update.Codec.Name != "" {
		c.Codec = update.Codec
	}
	if update.Language != "" {
		c.Language = update.Language
	}
	return c
}

type EventKind int

const (
	EventResult EventKind = iota
	EventFatal
)

// Event is emitted by a Provider. Fatal events are terminal.
type Event struct {
	Kind   EventKind
	Result results.Result
	Err    error
}

type State int32

const (
	StateIdle State = iota
	StateListening
	StateRestarting
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateRestarting:
		return "RESTARTING"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}
