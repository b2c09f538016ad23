package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/harunnryd/speechbridge/pkg/dispatcher"
	"github.com/harunnryd/speechbridge/pkg/logging"
	"github.com/harunnryd/speechbridge/pkg/metrics"
	"github.com/harunnryd/speechbridge/pkg/observers"
	"github.com/harunnryd/speechbridge/pkg/providers"
	"github.com/harunnryd/speechbridge/pkg/redact"
	"github.com/harunnryd/speechbridge/pkg/runner"
	"github.com/harunnryd/speechbridge/pkg/transports"
	"github.com/harunnryd/speechbridge/pkg/transports/websocket"
)

type EngineOptions struct {
	Config Config
	// Listener defaults to a websocket listener built from Config.Server.
	Listener transports.Listener
	// Providers defaults to the factory named by Config.Provider.
	Providers dispatcher.ProviderFactory
	Logger    *slog.Logger
	// Observer receives every event next to the built-in observers.
	Observer metrics.Observer
	// BannerOutput defaults to stdout; set Quiet to suppress the banner.
	BannerOutput io.Writer
	Quiet        bool
}

// Engine accepts connections and runs one dispatcher session per connection
// until it is stopped.
type Engine struct {
	cfg        Config
	listener   transports.Listener
	factory    dispatcher.ProviderFactory
	dispatcher *dispatcher.Dispatcher
	registry   *SessionRegistry
	runner     *runner.LifecycleRunner
	asyncObs   *metrics.AsyncObserver
	prom       *observers.PrometheusObserver
	timeline   *observers.TimelineObserver
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	e := &Engine{
		cfg:      cfg,
		registry: NewSessionRegistry(),
		logger:   logging.NewComponentLogger(logger, "engine"),
	}

	list := []metrics.Observer{
		metrics.NewSamplingObserver(observers.NewLoggerObserver(logger), cfg.Metrics.LogSampleRate, metrics.EventAudioBytes),
	}
	if cfg.Metrics.Enabled {
		e.prom = observers.NewPrometheusObserver()
		list = append(list, e.prom)
	}
	if dir := cfg.Observability.TimelineDir; dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			removed, err := observers.PurgeTimelines(dir, cfg.Observability.RetentionDays, time.Now())
			if err != nil {
				e.logger.Warn("timeline_purge_failed", "error", err.Error())
			}
			if len(removed) > 0 {
				e.logger.Info("timeline_purged", "sessions", len(removed), "retention_days", cfg.Observability.RetentionDays)
			}
		}
		e.timeline = observers.NewTimelineObserver(dir)
		list = append(list, e.timeline)
	}
	if opts.Observer != nil {
		list = append(list, opts.Observer)
	}
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(list...), 4096)

	e.factory = opts.Providers
	if e.factory == nil {
		f, err := providers.NewFactory(cfg.Provider.Name, cfg.Provider.Settings, providers.Options{
			MaxResults:       cfg.Provider.MaxResults,
			MaxPendingChunks: cfg.Provider.MaxPendingChunks,
			RestartInterval:  cfg.Provider.RestartInterval,
			EndTimeout:       cfg.Provider.EndTimeout,
			Logger:           logger,
			Observer:         e.asyncObs,
		})
		if err != nil {
			e.asyncObs.Close()
			return nil, err
		}
		e.factory = f
	}

	e.listener = opts.Listener
	if e.listener == nil {
		wsCfg := websocket.Config{
			Addr:           cfg.Server.Addr,
			Path:           cfg.Server.Path,
			Subprotocols:   cfg.Server.Subprotocols,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			SendBuffer:     cfg.Server.SendBuffer,
			WriteTimeout:   cfg.Server.WriteTimeout,
		}
		if e.prom != nil {
			wsCfg.MetricsPath = cfg.Metrics.Path
			wsCfg.MetricsHandler = e.prom.Handler()
		}
		e.listener = websocket.New(wsCfg, logger)
	}

	e.dispatcher = dispatcher.New(dispatcher.Options{
		Providers: e.factory,
		Codec:     cfg.DefaultCodec(),
		Language:  cfg.Languages.Default,
		Logger:    logger,
		Observer:  e.asyncObs,
	})

	drainTimeout := cfg.Shutdown.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 20 * time.Second
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.runner = runner.NewLifecycleRunner(runner.DrainerFunc(func() error {
		return e.drain(drainTimeout)
	}), runner.Hooks{
		OnStart: e.onStart,
		OnStop:  e.onStop,
	}, drainTimeout+5*time.Second)
	switch {
	case opts.Quiet:
		e.runner.SetBannerOutput(nil)
	case opts.BannerOutput != nil:
		e.runner.SetBannerOutput(opts.BannerOutput)
	}
	return e, nil
}

// Start binds the listener and begins accepting sessions. Cancelling ctx
// drains the engine the same way Stop does.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.listener.Start(e.ctx); err != nil {
		return err
	}
	go e.accept()
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

// Stop drains every session and releases shared resources.
func (e *Engine) Stop() error {
	return e.runner.Stop()
}

// Done is closed once the engine finished draining.
func (e *Engine) Done() <-chan struct{} { return e.runner.Done() }

func (e *Engine) accept() {
	conns := e.listener.Connections()
	for {
		select {
		case <-e.ctx.Done():
			return
		case tr, ok := <-conns:
			if !ok {
				return
			}
			e.serve(tr)
		}
	}
}

func (e *Engine) serve(tr transports.Transport) {
	if e.registry.Draining() {
		e.logger.Warn("session_rejected", "session_id", tr.ID(), "reason", "draining")
		_ = tr.Close()
		return
	}
	sess := e.dispatcher.NewSession(tr)
	entry, ok := e.registry.Add(context.Background(), sess)
	if !ok {
		e.logger.Warn("session_rejected", "session_id", tr.ID(), "reason", "duplicate_or_draining")
		_ = sess.Provider().End()
		_ = tr.Close()
		return
	}
	go func() {
		defer e.registry.Remove(entry.ID)
		if err := sess.Run(entry.Ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("session_failed", "session_id", entry.ID, "error", err.Error())
		}
	}()
}

func (e *Engine) drain(timeout time.Duration) error {
	e.registry.SetDraining(true)
	active := e.registry.Count()
	e.logger.Info("engine_draining", "active_sessions", active)
	_ = e.listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var err error
	if !e.registry.WaitForEmpty(ctx, 50*time.Millisecond) {
		e.registry.CancelAll()
		grace, cancelGrace := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelGrace()
		if !e.registry.WaitForEmpty(grace, 50*time.Millisecond) {
			err = errors.New("sessions still active after drain")
		}
	}
	e.cancel()
	if c, ok := e.factory.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

func (e *Engine) onStart() {
	fields := []any{"provider", e.factory.Name()}
	if f, ok := e.factory.(*providers.Factory); ok {
		fields = append(fields, "restart_interval", f.RestartInterval().String())
	}
	if rr, ok := e.listener.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			fields = append(fields, k, v)
		}
	}
	e.logger.Info("engine_ready", fields...)
}

func (e *Engine) onStop() {
	e.asyncObs.Close()
	if e.timeline != nil {
		_ = e.timeline.Close()
	}
	e.logger.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_sessions", e.registry.Count(), "dropped_events", e.asyncObs.Dropped())
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Registry() *SessionRegistry { return e.registry }

func (e *Engine) Listener() transports.Listener { return e.listener }

// Metrics returns the Prometheus observer, or nil when metrics are disabled.
func (e *Engine) Metrics() *observers.PrometheusObserver { return e.prom }

// Health reports an error while the engine is draining.
func (e *Engine) Health() error {
	if e.registry.Draining() {
		return errors.New("draining")
	}
	return nil
}
