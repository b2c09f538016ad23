package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/speechbridge/pkg/adapters/stt"
	"github.com/harunnryd/speechbridge/pkg/frames"
	"github.com/harunnryd/speechbridge/pkg/metrics"
	"github.com/harunnryd/speechbridge/pkg/negotiate"
	"github.com/harunnryd/speechbridge/pkg/protocol"
	"github.com/harunnryd/speechbridge/pkg/redact"
	"github.com/harunnryd/speechbridge/pkg/transports"
)

// Session is the state for one connection: the negotiated selections and the
// provider bound to it. All of it is touched only from Run.
type Session struct {
	id        string
	transport transports.Transport
	provider  stt.Provider
	codecs    *negotiate.CodecSelection
	languages *negotiate.LanguageSelection
	logger    *slog.Logger
	obs       metrics.Observer
	tags      map[string]string
	started   time.Time

	closeOnce sync.Once
}

func newSession(tr transports.Transport, provider stt.Provider, opts Options, logger *slog.Logger) *Session {
	return &Session{
		id:        tr.ID(),
		transport: tr,
		provider:  provider,
		codecs:    negotiate.NewCodecSelection(opts.Codec),
		languages: negotiate.NewLanguageSelection(opts.Language),
		logger:    logger.With("session_id", tr.ID(), "provider", provider.Name()),
		obs:       opts.Observer,
		tags:      metrics.Tags(provider.Name(), tr.ID()),
		started:   time.Now(),
	}
}

func (s *Session) ID() string { return s.id }

// Codec returns the committed codec selection.
func (s *Session) Codec() negotiate.Codec { return s.codecs.Selected() }

// Language returns the committed language selection.
func (s *Session) Language() string { return s.languages.Selected() }

func (s *Session) Provider() stt.Provider { return s.provider }

// Run processes inbound frames and provider events strictly one at a time.
func (s *Session) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.logger.Info("session_started", "codec", s.Codec().Name, "language", s.Language())
	metrics.Record(s.obs, metrics.EventSessionStart, 1, s.tags)
	defer s.close("ended")

	recv := s.transport.Recv()
	events := s.provider.Events()
	for {
		select {
		case <-ctx.Done():
			s.close("shutdown")
			return ctx.Err()
		case f, ok := <-recv:
			if !ok || frames.IsClose(f) {
				s.close(closeReason(f))
				return nil
			}
			s.handleFrame(ctx, f)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Kind == stt.EventFatal {
				s.handleFatal(ev.Err)
				return ev.Err
			}
			s.pushResult(ev)
		}
	}
}

func closeReason(f frames.Frame) string {
	if f == nil {
		return "closed"
	}
	if reason := f.Meta()[frames.MetaReason]; reason != "" {
		return reason
	}
	return "closed"
}

// close ends the provider and the transport once, however many close paths fire.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		if err := s.provider.End(); err != nil {
			s.logger.Warn("provider_end_failed", "error", err.Error())
		}
		_ = s.transport.Close()
		metrics.Record(s.obs, metrics.EventSessionEnd, time.Since(s.started).Seconds(), s.tags)
		s.logger.Info("session_ended", "reason", reason, "duration_ms", time.Since(s.started).Milliseconds())
	})
}

func (s *Session) handleFrame(ctx context.Context, f frames.Frame) {
	switch fr := f.(type) {
	case frames.AudioFrame:
		s.write(fr.RawPayload())
	case frames.TextFrame:
		s.handleText(ctx, fr.Text())
	}
}

func (s *Session) write(chunk []byte) {
	metrics.Record(s.obs, metrics.EventAudioBytes, float64(len(chunk)), s.tags)
	if err := s.provider.Write(chunk); err != nil {
		if errors.Is(err, stt.ErrProviderEnded) {
			s.logger.Debug("audio_after_end", "bytes", len(chunk))
			return
		}
		s.logger.Warn("provider_write_failed", "error", err.Error())
	}
}

func (s *Session) handleText(ctx context.Context, text string) {
	s.logger.Debug("control_message", "message", text)
	msg, err := protocol.Parse([]byte(text))
	if err != nil {
		s.logger.Warn("control_message_invalid", "error", err.Error())
		return
	}
	switch {
	case msg.IsRequest():
		s.send(s.handleRequest(ctx, msg))
	case msg.IsResponse():
		s.logger.Debug("control_response_ignored", "response", *msg.Response)
	default:
		s.logger.Debug("control_message_ignored")
	}
}

type handler func(s *Session, ctx context.Context, req protocol.Message, resp *protocol.Response) error

var handlers = map[protocol.Verb]handler{
	protocol.VerbGet:   (*Session).handleGet,
	protocol.VerbSet:   (*Session).handleSet,
	protocol.VerbSetup: (*Session).handleSet,
}

func (s *Session) handleRequest(ctx context.Context, req protocol.Message) *protocol.Response {
	resp := protocol.NewResponse(req)
	verb := req.Verb()
	tags := metrics.Tags(s.provider.Name(), s.id)
	tags[metrics.TagVerb] = verb.String()
	metrics.Record(s.obs, metrics.EventControlRequest, 1, tags)

	h, ok := handlers[verb]
	if !ok {
		resp.Fail(protocol.Protocolf("unsupported request '%s'", *req.Request))
		return resp
	}
	if err := h(s, ctx, req, resp); err != nil {
		s.logger.Warn("control_request_failed", "verb", verb.String(), "error", err.Error())
		resp.Fail(err)
	}
	return resp
}

func (s *Session) send(v any) {
	data, err := protocol.Marshal(v)
	if err != nil {
		s.logger.Error("control_encode_failed", "error", err.Error())
		return
	}
	if err := s.transport.Send(frames.NewTextFrame(s.id, time.Now().UnixNano(), string(data), nil)); err != nil {
		s.logger.Warn("transport_send_failed", "error", err.Error())
	}
}

func (s *Session) pushResult(ev stt.Event) {
	s.logger.Info("stt_final", "text", redact.Transcript(ev.Result.Text), "confidence", ev.Result.Confidence)
	s.send(protocol.NewPush(ev.Result))
}

func (s *Session) handleFatal(err error) {
	msg := "provider failure"
	if err != nil {
		msg = err.Error()
	}
	s.logger.Error("provider_fatal", "error", msg)
	s.send(protocol.NewFatalPush(err))
	s.close("provider_fatal")
}
