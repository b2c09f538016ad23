package streaming

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/speechbridge/pkg/adapters/stt"
	"github.com/harunnryd/speechbridge/pkg/errorsx"
	"github.com/harunnryd/speechbridge/pkg/metrics"
	"github.com/harunnryd/speechbridge/pkg/results"
)

const (
	DefaultMaxPendingChunks = 500
	DefaultEndTimeout       = 2 * time.Second
)

var errRemoteClosed = errors.New("remote session closed unexpectedly")

type Options struct {
	SessionID string
	// MaxResults bounds the result buffer.
	MaxResults int
	// MaxPendingChunks bounds audio queued while no stream is live.
	MaxPendingChunks int
	// RestartInterval schedules proactive restarts. Zero or negative disables them.
	RestartInterval time.Duration
	// EndTimeout bounds how long End waits for trailing results.
	EndTimeout time.Duration
	Logger     *slog.Logger
	Observer   metrics.Observer
}

// Provider implements stt.Provider on top of any stt.Backend.
type Provider struct {
	backend stt.Backend
	opts    Options
	logger  *slog.Logger
	tags    map[string]string

	// lifecycle serializes Start, Restart and End.
	lifecycle sync.Mutex

	mu       sync.Mutex
	state    stt.State
	cfg      stt.Config
	rec      stt.Recognition
	stream   stt.Stream
	pumpDone chan struct{}
	gen      uint64
	pending  [][]byte
	timer    *time.Timer
	// abortOpen cancels a remote handshake that is still in progress.
	abortOpen context.CancelFunc
	// streamCancel releases the context the current stream was opened with.
	streamCancel context.CancelFunc

	buffer  *results.Buffer
	events  *eventQueue
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	endOnce sync.Once
}

func New(backend stt.Backend, opts Options) *Provider {
	if opts.MaxResults <= 0 {
		opts.MaxResults = results.DefaultCapacity
	}
	if opts.MaxPendingChunks <= 0 {
		opts.MaxPendingChunks = DefaultMaxPendingChunks
	}
	if opts.EndTimeout <= 0 {
		opts.EndTimeout = DefaultEndTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p := &Provider{
		backend: backend,
		opts:    opts,
		logger:  logger.With("provider", backend.Name(), "session_id", opts.SessionID),
		tags:    metrics.Tags(backend.Name(), opts.SessionID),
		state:   stt.StateIdle,
		cfg:     stt.DefaultConfig(),
		buffer:  results.NewBuffer(opts.MaxResults),
		events:  newEventQueue(done),
		done:    done,
		ctx:     ctx,
		cancel:  cancel,
	}
	if rec, err := backend.Recognition(p.cfg); err == nil {
		p.rec = rec
	}
	return p
}

func (p *Provider) Name() string { return p.backend.Name() }

func (p *Provider) Events() <-chan stt.Event { return p.events.out }

func (p *Provider) Results() []results.Result { return p.buffer.Drain() }

func (p *Provider) State() stt.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Config returns the committed configuration.
func (p *Provider) Config() stt.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *Provider) SetConfig(cfg stt.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	merged := p.cfg.Merge(cfg)
	rec, err := p.backend.Recognition(merged)
	if err != nil {
		return err
	}
	p.cfg = merged
	p.rec = rec
	return nil
}

func (p *Provider) Start(ctx context.Context, cfg stt.Config) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	switch p.State() {
	case stt.StateEnded:
		return stt.ErrProviderEnded
	case stt.StateListening:
		return nil
	}
	if err := p.SetConfig(cfg); err != nil {
		return err
	}
	return p.open(ctx)
}

func (p *Provider) Restart(ctx context.Context, cfg stt.Config) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	return p.restart(ctx, cfg)
}

func (p *Provider) restart(ctx context.Context, cfg stt.Config) error {
	if err := p.SetConfig(cfg); err != nil {
		return err
	}

	p.mu.Lock()
	if p.state == stt.StateEnded {
		p.mu.Unlock()
		return stt.ErrProviderEnded
	}
	old, oldDone, oldCancel := p.stream, p.pumpDone, p.streamCancel
	p.stream, p.pumpDone, p.streamCancel = nil, nil, nil
	p.state = stt.StateRestarting
	p.stopTimerLocked()
	p.mu.Unlock()

	if old != nil {
		if err := old.CloseSend(); err != nil {
			p.logger.Warn("stt_close_send_failed", "error", err)
		}
		go p.retire(old, oldDone, oldCancel)
		metrics.Record(p.opts.Observer, metrics.EventProviderRestart, 1, p.tags)
		p.logger.Info("stt_restart")
	}
	return p.open(ctx)
}

// retire waits for the detached stream to deliver its trailing results, then closes it.
func (p *Provider) retire(stream stt.Stream, pumpDone chan struct{}, cancel context.CancelFunc) {
	if pumpDone != nil {
		select {
		case <-pumpDone:
		case <-time.After(p.opts.EndTimeout):
		}
	}
	_ = stream.Close()
	if cancel != nil {
		cancel()
	}
}

func (p *Provider) open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// The stream lives on p.ctx; the caller's ctx and End only bound the handshake.
	openCtx, abort := context.WithCancel(p.ctx)
	p.mu.Lock()
	if p.state == stt.StateEnded {
		p.mu.Unlock()
		abort()
		return stt.ErrProviderEnded
	}
	rec := p.rec
	p.abortOpen = abort
	p.mu.Unlock()

	stopAbort := context.AfterFunc(ctx, abort)
	stream, err := p.backend.Open(openCtx, rec)
	stopAbort()
	p.mu.Lock()
	p.abortOpen = nil
	ended := p.state == stt.StateEnded
	p.mu.Unlock()

	if err != nil {
		abort()
		if ended {
			return stt.ErrProviderEnded
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = errorsx.Wrap(err, errorsx.ReasonProviderConnect)
		p.logger.Error("stt_open_failed", "error", err)
		p.fail(err)
		return err
	}

	p.mu.Lock()
	if p.state == stt.StateEnded {
		p.mu.Unlock()
		_ = stream.Close()
		abort()
		return stt.ErrProviderEnded
	}
	p.gen++
	gen := p.gen
	pumpDone := make(chan struct{})
	p.stream, p.pumpDone, p.streamCancel = stream, pumpDone, abort
	queued := p.pending
	p.pending = nil
	for _, chunk := range queued {
		if err := stream.Send(chunk); err != nil {
			p.logger.Warn("stt_pending_flush_failed", "error", err)
			break
		}
	}
	p.state = stt.StateListening
	p.armTimerLocked(gen)
	p.mu.Unlock()

	if len(queued) > 0 {
		p.logger.Debug("stt_pending_flushed", "chunks", len(queued))
	}
	p.logger.Info("stt_listening", "encoding", rec.Encoding, "sample_rate", rec.SampleRate, "language", rec.Language)
	go p.pump(gen, stream, pumpDone)
	return nil
}

func (p *Provider) Write(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	data := append([]byte(nil), chunk...)

	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case stt.StateEnded:
		return stt.ErrProviderEnded
	case stt.StateListening:
		if p.stream != nil {
			if err := p.stream.Send(data); err != nil {
				return errorsx.Wrap(err, errorsx.ReasonProviderSend)
			}
			return nil
		}
	}
	if len(p.pending) >= p.opts.MaxPendingChunks {
		p.pending[0] = nil
		p.pending = p.pending[1:]
		p.logger.Warn("stt_pending_overflow", "max_chunks", p.opts.MaxPendingChunks)
		metrics.Record(p.opts.Observer, metrics.EventPendingDropped, 1, p.tags)
	}
	p.pending = append(p.pending, data)
	return nil
}

// End may run while Start or Restart is awaiting a remote handshake; it aborts
// that handshake before waiting for the lifecycle lock.
func (p *Provider) End() error {
	p.endOnce.Do(func() {
		p.mu.Lock()
		p.state = stt.StateEnded
		p.stopTimerLocked()
		abort := p.abortOpen
		p.mu.Unlock()
		if abort != nil {
			abort()
		}

		p.lifecycle.Lock()
		defer p.lifecycle.Unlock()

		p.mu.Lock()
		stream, pumpDone := p.stream, p.pumpDone
		p.stream, p.pumpDone = nil, nil
		p.pending = nil
		p.stopTimerLocked()
		p.mu.Unlock()

		if stream != nil {
			if err := stream.CloseSend(); err != nil {
				p.logger.Debug("stt_close_send_failed", "error", err)
			}
			select {
			case <-pumpDone:
			case <-time.After(p.opts.EndTimeout):
				p.logger.Warn("stt_end_timeout", "timeout", p.opts.EndTimeout)
			}
			_ = stream.Close()
		}
		p.cancel()
		close(p.done)
		p.logger.Info("stt_ended")
	})
	return nil
}

func (p *Provider) pump(gen uint64, stream stt.Stream, pumpDone chan struct{}) {
	defer close(pumpDone)
	for tr := range stream.Transcripts() {
		if !tr.Final || strings.TrimSpace(tr.Text) == "" {
			continue
		}
		r := results.Normalize(tr.Text, tr.Confidence)
		if evicted := p.buffer.Push(r); evicted {
			metrics.Record(p.opts.Observer, metrics.EventResultEvicted, 1, p.tags)
		}
		metrics.RecordFields(p.opts.Observer, metrics.EventResultFinal, r.Confidence, p.tags, map[string]any{"text": r.Text})
		p.events.push(stt.Event{Kind: stt.EventResult, Result: r})
	}

	err := stream.Err()
	p.mu.Lock()
	current := p.gen == gen && p.stream == stream
	p.mu.Unlock()
	if !current {
		return
	}
	if err == nil {
		err = errRemoteClosed
	}
	p.logger.Error("stt_stream_failed", "error", err)
	p.fail(err)
}

// fail moves the provider to ENDED and emits the single fatal event.
func (p *Provider) fail(err error) {
	p.mu.Lock()
	if p.state == stt.StateEnded {
		p.mu.Unlock()
		return
	}
	p.state = stt.StateEnded
	stream := p.stream
	p.stream, p.pumpDone = nil, nil
	p.pending = nil
	p.stopTimerLocked()
	p.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	metrics.Record(p.opts.Observer, metrics.EventProviderFatal, 1, p.tags)
	p.events.push(stt.Event{Kind: stt.EventFatal, Err: errorsx.Wrap(err, errorsx.ReasonProviderFatal)})
}

func (p *Provider) armTimerLocked(gen uint64) {
	if p.opts.RestartInterval <= 0 {
		return
	}
	p.timer = time.AfterFunc(p.opts.RestartInterval, func() { p.proactiveRestart(gen) })
}

func (p *Provider) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Provider) proactiveRestart(gen uint64) {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	stale := p.gen != gen || p.state != stt.StateListening
	p.mu.Unlock()
	if stale {
		return
	}
	p.logger.Debug("stt_proactive_restart", "interval", p.opts.RestartInterval)
	if err := p.restart(p.ctx, stt.Config{}); err != nil {
		p.logger.Warn("stt_proactive_restart_failed", "error", err)
	}
}
