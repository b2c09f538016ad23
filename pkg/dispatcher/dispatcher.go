// Package dispatcher runs the control protocol for one connection at a time:
// it routes audio to the session's provider, answers get/set/setup requests and
// pushes provider results back to the client.
package dispatcher

import (
	"context"
	"log/slog"
	"strings"

	"github.com/harunnryd/speechbridge/pkg/adapters/stt"
	"github.com/harunnryd/speechbridge/pkg/logging"
	"github.com/harunnryd/speechbridge/pkg/metrics"
	"github.com/harunnryd/speechbridge/pkg/negotiate"
	"github.com/harunnryd/speechbridge/pkg/transports"
)

// ProviderFactory builds the provider bound to one session.
type ProviderFactory interface {
	Name() string
	New(sessionID string) stt.Provider
}

type Options struct {
	Providers ProviderFactory
	// Codec and Language seed every new session's selections.
	Codec    negotiate.Codec
	Language string
	Logger   *slog.Logger
	Observer metrics.Observer
}

type Dispatcher struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Dispatcher {
	if opts.Codec.Name == "" {
		opts.Codec = negotiate.DefaultCodec
	}
	if strings.TrimSpace(opts.Language) == "" {
		opts.Language = negotiate.DefaultLanguage
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "dispatcher"),
	}
}

// NewSession binds a fresh provider and default selections to tr.
func (d *Dispatcher) NewSession(tr transports.Transport) *Session {
	return newSession(tr, d.opts.Providers.New(tr.ID()), d.opts, d.logger)
}

// Serve runs one session until the transport closes, the provider fails or ctx is done.
func (d *Dispatcher) Serve(ctx context.Context, tr transports.Transport) error {
	return d.NewSession(tr).Run(ctx)
}
