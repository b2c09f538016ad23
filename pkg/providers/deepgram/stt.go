package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/speechbridge/pkg/adapters/stt"
	"github.com/harunnryd/speechbridge/pkg/logging"
	"github.com/harunnryd/speechbridge/pkg/providers/streaming"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

const Name = "deepgram"

// Encodings maps codec names to Deepgram live encodings.
var Encodings = map[string]string{
	"ulaw":   "mulaw",
	"alaw":   "alaw",
	"slin":   "linear16",
	"slin16": "linear16",
	"slin48": "linear16",
	"opus":   "opus",
}

type Config struct {
	APIKey      string
	Model       string
	SmartFormat bool
	Languages   []string
	// CloseTimeout bounds the wait for the server to close after the last audio.
	CloseTimeout time.Duration
	Logger       *slog.Logger
}

type Backend struct {
	cfg     Config
	catalog stt.Catalog
	logger  *slog.Logger
}

func New(cfg Config) *Backend {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = streaming.DefaultEndTimeout
	}
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	return &Backend{
		cfg:     cfg,
		catalog: stt.Catalog{Encodings: Encodings, Languages: cfg.Languages},
		logger:  logging.NewComponentLogger(base, "deepgram_stt"),
	}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Recognition(cfg stt.Config) (stt.Recognition, error) {
	return b.catalog.Resolve(cfg)
}

func (b *Backend) Open(ctx context.Context, rec stt.Recognition) (stt.Stream, error) {
	if strings.TrimSpace(b.cfg.APIKey) == "" {
		return nil, errors.New("DEEPGRAM_API_KEY is not configured")
	}

	s := newStream(b.cfg.CloseTimeout, b.logger)

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:       b.cfg.Model,
		Language:    rec.Language,
		Encoding:    rec.Encoding,
		SampleRate:  rec.SampleRate,
		Channels:    1,
		SmartFormat: b.cfg.SmartFormat,
	}

	b.logger.Info("initializing deepgram connection",
		slog.String("model", b.cfg.Model),
		slog.String("encoding", rec.Encoding),
		slog.Int("sample_rate", rec.SampleRate))

	dgClient, err := client.NewWSUsingCallback(ctx, b.cfg.APIKey, clientOptions, transcriptOptions, &callback{stream: s})
	if err != nil {
		s.abandon()
		return nil, fmt.Errorf("deepgram client: %w", err)
	}
	s.dgClient = dgClient
	if connected := dgClient.Connect(); !connected {
		s.abandon()
		return nil, errors.New("deepgram connection failed")
	}
	b.logger.Info("deepgram_connected", slog.String("model", b.cfg.Model))

	go s.writeLoop()
	go s.streamLoop()
	return s, nil
}

type stream struct {
	dgClient   *client.WSCallback
	audio      *streaming.AudioQueue
	sink       *streaming.Sink
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	writerDone chan struct{}
	// closed is signalled by the server's Close message or a local Close.
	closed       chan struct{}
	closedOnce   sync.Once
	closeTimeout time.Duration
	stopOnce     sync.Once
	metaOnce     sync.Once
	logger       *slog.Logger
}

func newStream(closeTimeout time.Duration, logger *slog.Logger) *stream {
	s := &stream{
		audio:        streaming.NewAudioQueue(0),
		sink:         streaming.NewSink(0),
		writerDone:   make(chan struct{}),
		closed:       make(chan struct{}),
		closeTimeout: closeTimeout,
		logger:       logger,
	}
	s.pipeReader, s.pipeWriter = io.Pipe()
	return s
}

func (s *stream) Send(chunk []byte) error { return s.audio.Push(chunk) }

func (s *stream) CloseSend() error {
	s.audio.Close()
	<-s.writerDone
	return nil
}

func (s *stream) Transcripts() <-chan stt.Transcript { return s.sink.Transcripts() }

func (s *stream) Err() error { return s.sink.Err() }

func (s *stream) Close() error {
	s.markClosed()
	s.audio.Close()
	_ = s.pipeReader.CloseWithError(io.ErrClosedPipe)
	s.stop()
	s.sink.Finish(nil)
	return nil
}

// abandon releases a stream whose handshake never completed.
func (s *stream) abandon() {
	s.markClosed()
	s.audio.Close()
	_ = s.pipeWriter.CloseWithError(io.ErrClosedPipe)
	_ = s.pipeReader.CloseWithError(io.ErrClosedPipe)
	s.stop()
	s.sink.Finish(nil)
}

func (s *stream) markClosed() {
	s.closedOnce.Do(func() { close(s.closed) })
}

// awaitClose gives the server up to closeTimeout to deliver trailing
// transcripts and its Close message.
func (s *stream) awaitClose() {
	timer := time.NewTimer(s.closeTimeout)
	defer timer.Stop()
	select {
	case <-s.closed:
	case <-timer.C:
		s.logger.Warn("deepgram_close_timeout", slog.Duration("timeout", s.closeTimeout))
	}
}

func (s *stream) stop() {
	s.stopOnce.Do(func() {
		if s.dgClient != nil {
			s.dgClient.Stop()
		}
	})
}

func (s *stream) writeLoop() {
	defer close(s.writerDone)
	for chunk := range s.audio.C() {
		if _, err := s.pipeWriter.Write(chunk); err != nil {
			s.sink.Finish(fmt.Errorf("failed to send audio: %w", err))
			return
		}
	}
	_ = s.pipeWriter.Close()
}

// streamLoop pumps the pipe into the SDK until the writer closes it, then
// waits for the server to close before stopping the client.
func (s *stream) streamLoop() {
	err := s.dgClient.Stream(s.pipeReader)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
		s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
		s.sink.Finish(err)
	} else {
		s.awaitClose()
	}
	s.stop()
	s.sink.Finish(nil)
}

type callback struct {
	stream *stream
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.stream.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return nil
	}
	isFinal := mr.IsFinal || mr.SpeechFinal
	c.stream.logger.Debug("transcript_received",
		slog.Bool("is_final", isFinal),
		slog.Int("chars", len(alt.Transcript)))
	c.stream.sink.Emit(stt.Transcript{Text: alt.Transcript, Confidence: alt.Confidence, Final: isFinal})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.stream.metaOnce.Do(func() {
		c.stream.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	})
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.stream.logger.Info("deepgram_connection_closed")
	c.stream.markClosed()
	c.stream.sink.Finish(nil)
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.stream.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.stream.markClosed()
	c.stream.sink.Finish(fmt.Errorf("deepgram error %s: %s", er.ErrCode, er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.stream.logger.Debug("deepgram_unhandled_event", slog.Int("size_bytes", len(byData)))
	return nil
}

var _ stt.Backend = (*Backend)(nil)
var _ msginterfaces.LiveMessageCallback = (*callback)(nil)
