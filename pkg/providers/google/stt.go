package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"github.com/harunnryd/speechbridge/pkg/adapters/stt"
	"github.com/harunnryd/speechbridge/pkg/logging"
	"github.com/harunnryd/speechbridge/pkg/providers/streaming"
)

const (
	Name = "google"
	// RestartInterval keeps each streaming call well under the service's duration limit.
	RestartInterval = 10 * time.Second
)

// Encodings maps codec names to RecognitionConfig_AudioEncoding names.
var Encodings = map[string]string{
	"ulaw":   "MULAW",
	"slin":   "LINEAR16",
	"slin16": "LINEAR16",
	"opus":   "OGG_OPUS",
}

var DefaultLanguages = []string{"en-US"}

type Config struct {
	CredentialsFile string
	Endpoint        string
	Model           string
	Languages       []string
	Logger          *slog.Logger
}

// Streamer opens a bidirectional recognize call.
type Streamer interface {
	StreamingRecognize(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error)
}

type clientStreamer struct {
	client *speech.Client
}

func (c clientStreamer) StreamingRecognize(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
	return c.client.StreamingRecognize(ctx)
}

type Backend struct {
	cfg     Config
	catalog stt.Catalog
	logger  *slog.Logger

	mu       sync.Mutex
	streamer Streamer
	client   *speech.Client
}

func New(cfg Config) *Backend {
	if len(cfg.Languages) == 0 {
		cfg.Languages = DefaultLanguages
	}
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	return &Backend{
		cfg:     cfg,
		catalog: stt.Catalog{Encodings: Encodings, Languages: cfg.Languages},
		logger:  logging.NewComponentLogger(base, "google_stt"),
	}
}

// NewWithStreamer builds a backend over an existing recognize client.
func NewWithStreamer(cfg Config, streamer Streamer) *Backend {
	b := New(cfg)
	b.streamer = streamer
	return b
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Recognition(cfg stt.Config) (stt.Recognition, error) {
	return b.catalog.Resolve(cfg)
}

// connect creates the shared client on first use.
func (b *Backend) connect(ctx context.Context) (Streamer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streamer != nil {
		return b.streamer, nil
	}
	var opts []option.ClientOption
	if b.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(b.cfg.CredentialsFile))
	}
	if b.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(b.cfg.Endpoint))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google Speech client: %w", err)
	}
	b.client = client
	b.streamer = clientStreamer{client: client}
	return b.streamer, nil
}

// Close releases the shared client.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client, b.streamer = nil, nil
	return err
}

func (b *Backend) Open(ctx context.Context, rec stt.Recognition) (stt.Stream, error) {
	streamer, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}
	encoding, ok := speechpb.RecognitionConfig_AudioEncoding_value[rec.Encoding]
	if !ok {
		return nil, fmt.Errorf("%w: encoding %s", stt.ErrUnsupportedCodec, rec.Encoding)
	}

	sctx, cancel := context.WithCancel(ctx)
	call, err := streamer.StreamingRecognize(sctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("streaming recognize: %w", err)
	}
	err = call.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        speechpb.RecognitionConfig_AudioEncoding(encoding),
					SampleRateHertz: int32(rec.SampleRate),
					LanguageCode:    rec.Language,
					Model:           b.cfg.Model,
				},
			},
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("send streaming config: %w", err)
	}

	s := &stream{
		call:       call,
		cancel:     cancel,
		audio:      streaming.NewAudioQueue(0),
		sink:       streaming.NewSink(0),
		writerDone: make(chan struct{}),
		logger:     b.logger,
	}
	go s.writeLoop()
	go s.readLoop()
	b.logger.Debug("google_stream_opened", slog.String("encoding", rec.Encoding), slog.String("language", rec.Language))
	return s, nil
}

type stream struct {
	call       speechpb.Speech_StreamingRecognizeClient
	cancel     context.CancelFunc
	audio      *streaming.AudioQueue
	sink       *streaming.Sink
	writerDone chan struct{}
	logger     *slog.Logger
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
	s.audio.Close()
	s.cancel()
	s.sink.Finish(nil)
	return nil
}

func (s *stream) writeLoop() {
	defer close(s.writerDone)
	for chunk := range s.audio.C() {
		err := s.call.Send(&speechpb.StreamingRecognizeRequest{
			StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: chunk},
		})
		if err != nil {
			s.sink.Finish(fmt.Errorf("failed to send audio: %w", err))
			return
		}
	}
	if err := s.call.CloseSend(); err != nil {
		s.logger.Debug("google_close_send_failed", slog.String("error", err.Error()))
	}
}

func (s *stream) readLoop() {
	for {
		resp, err := s.call.Recv()
		if errors.Is(err, io.EOF) {
			s.sink.Finish(nil)
			return
		}
		if err != nil {
			s.sink.Finish(fmt.Errorf("failed to read recognition: %w", err))
			return
		}
		if status := resp.GetError(); status != nil {
			s.sink.Finish(fmt.Errorf("recognition error %d: %s", status.GetCode(), status.GetMessage()))
			return
		}
		for _, result := range resp.GetResults() {
			alts := result.GetAlternatives()
			if len(alts) == 0 {
				continue
			}
			s.sink.Emit(stt.Transcript{
				Text:       alts[0].GetTranscript(),
				Confidence: float64(alts[0].GetConfidence()),
				Final:      result.GetIsFinal(),
			})
		}
	}
}

var _ stt.Backend = (*Backend)(nil)
