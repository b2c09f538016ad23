package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/harunnryd/speechbridge/pkg/adapters/stt"
	"github.com/harunnryd/speechbridge/pkg/providers/streaming"
)

const Name = "mock"

var errInjected = errors.New("mock stream failure")

type STTConfig struct {
	// Transcript is emitted as a final result for every EveryBytes of audio.
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	Confidence        float64
	EveryBytes        int
	Codecs            []string
	Languages         []string
	// FailOpen makes every Open call fail.
	FailOpen error
	// FailAfterBytes makes a stream fail once this many bytes were received.
	FailAfterBytes int
}

// Backend is an in-process recognizer for tests and local runs.
type Backend struct {
	cfg     STTConfig
	catalog stt.Catalog

	mu     sync.Mutex
	opened []stt.Recognition
}

func NewSTT(cfg STTConfig) *Backend {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	if cfg.Confidence == 0 {
		cfg.Confidence = 0.9
	}
	if cfg.EveryBytes <= 0 {
		cfg.EveryBytes = 3200
	}
	if len(cfg.Codecs) == 0 {
		cfg.Codecs = []string{"ulaw", "alaw", "slin", "slin16", "opus"}
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"en-US"}
	}
	encodings := make(map[string]string, len(cfg.Codecs))
	for _, c := range cfg.Codecs {
		encodings[c] = c
	}
	return &Backend{
		cfg:     cfg,
		catalog: stt.Catalog{Encodings: encodings, Languages: cfg.Languages},
	}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Recognition(cfg stt.Config) (stt.Recognition, error) {
	return b.catalog.Resolve(cfg)
}

func (b *Backend) Open(ctx context.Context, rec stt.Recognition) (stt.Stream, error) {
	if b.cfg.FailOpen != nil {
		return nil, b.cfg.FailOpen
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.opened = append(b.opened, rec)
	b.mu.Unlock()

	s := &stream{
		cfg:   b.cfg,
		audio: streaming.NewAudioQueue(0),
		sink:  streaming.NewSink(0),
		done:  make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

// Opened lists the recognitions of every stream opened so far.
func (b *Backend) Opened() []stt.Recognition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]stt.Recognition(nil), b.opened...)
}

type stream struct {
	cfg   STTConfig
	audio *streaming.AudioQueue
	sink  *streaming.Sink
	done  chan struct{}
	total int
	since int
}

func (s *stream) loop() {
	defer close(s.done)
	for chunk := range s.audio.C() {
		s.total += len(chunk)
		s.since += len(chunk)
		if s.cfg.FailAfterBytes > 0 && s.total >= s.cfg.FailAfterBytes {
			s.sink.Finish(fmt.Errorf("%w after %d bytes", errInjected, s.total))
			return
		}
		if s.cfg.EmitInterim && s.cfg.InterimTranscript != "" {
			s.sink.Emit(stt.Transcript{Text: s.cfg.InterimTranscript, Confidence: s.cfg.Confidence})
		}
		for s.since >= s.cfg.EveryBytes {
			s.since -= s.cfg.EveryBytes
			s.sink.Emit(stt.Transcript{Text: s.cfg.Transcript, Confidence: s.cfg.Confidence, Final: true})
		}
	}
	if s.since > 0 {
		s.since = 0
		s.sink.Emit(stt.Transcript{Text: s.cfg.Transcript, Confidence: s.cfg.Confidence, Final: true})
	}
	s.sink.Finish(nil)
}

func (s *stream) Send(chunk []byte) error { return s.audio.Push(chunk) }

func (s *stream) CloseSend() error {
	s.audio.Close()
	<-s.done
	return nil
}

func (s *stream) Transcripts() <-chan stt.Transcript { return s.sink.Transcripts() }

func (s *stream) Err() error { return s.sink.Err() }

func (s *stream) Close() error {
	s.audio.Close()
	s.sink.Finish(nil)
	return nil
}
