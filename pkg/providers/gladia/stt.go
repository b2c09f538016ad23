package gladia

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/speechbridge/pkg/adapters/stt"
	"github.com/harunnryd/speechbridge/pkg/logging"
	"github.com/harunnryd/speechbridge/pkg/providers/streaming"
	"github.com/harunnryd/speechbridge/pkg/resilience"
)

const (
	Name           = "gladia"
	DefaultLiveURL = "https://api.gladia.io/v2/live"
)

// Encodings maps codec names to Gladia live encodings.
var Encodings = map[string]string{
	"ulaw":   "wav/ulaw",
	"alaw":   "wav/alaw",
	"slin":   "wav/pcm",
	"slin16": "wav/pcm",
	"slin48": "wav/pcm",
}

type Config struct {
	APIKey     string
	LiveURL    string
	Languages  []string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Retry      resilience.RetryPolicy
	Breaker    *resilience.CircuitBreaker
	Logger     *slog.Logger
}

type Backend struct {
	cfg     Config
	catalog stt.Catalog
	logger  *slog.Logger
}

func New(cfg Config) *Backend {
	if cfg.LiveURL == "" {
		cfg.LiveURL = DefaultLiveURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = resilience.NewRetryPolicy(2, 200*time.Millisecond)
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	return &Backend{
		cfg:     cfg,
		catalog: stt.Catalog{Encodings: Encodings, Languages: cfg.Languages},
		logger:  logging.NewComponentLogger(base, "gladia_stt"),
	}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Recognition(cfg stt.Config) (stt.Recognition, error) {
	return b.catalog.Resolve(cfg)
}

type initRequest struct {
	Encoding       string         `json:"encoding"`
	SampleRate     int            `json:"sample_rate"`
	BitDepth       int            `json:"bit_depth"`
	Channels       int            `json:"channels"`
	LanguageConfig languageConfig `json:"language_config"`
}

type languageConfig struct {
	Languages     []string `json:"languages"`
	CodeSwitching bool     `json:"code_switching"`
}

type initResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func buildInitRequest(rec stt.Recognition) initRequest {
	bitDepth := 16
	if rec.Encoding != "wav/pcm" {
		bitDepth = 8
	}
	return initRequest{
		Encoding:       rec.Encoding,
		SampleRate:     rec.SampleRate,
		BitDepth:       bitDepth,
		Channels:       1,
		LanguageConfig: languageConfig{Languages: []string{languageCode(rec.Language)}},
	}
}

// languageCode reduces a BCP-47 tag to the two letter code Gladia expects.
func languageCode(tag string) string {
	base, _, _ := strings.Cut(strings.TrimSpace(tag), "-")
	return strings.ToLower(base)
}

func (b *Backend) Open(ctx context.Context, rec stt.Recognition) (stt.Stream, error) {
	if strings.TrimSpace(b.cfg.APIKey) == "" {
		return nil, errors.New("GLADIA_API_KEY is not configured")
	}
	session, err := b.initSession(ctx, rec)
	if err != nil {
		return nil, err
	}
	b.logger.Info("gladia_session_initiated", slog.String("gladia_id", session.ID))

	conn, _, err := b.cfg.Dialer.DialContext(ctx, session.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Gladia websocket: %w", err)
	}

	s := &stream{
		conn:       conn,
		audio:      streaming.NewAudioQueue(0),
		sink:       streaming.NewSink(0),
		writerDone: make(chan struct{}),
		logger:     b.logger.With(slog.String("gladia_id", session.ID)),
	}
	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

func (b *Backend) initSession(ctx context.Context, rec stt.Recognition) (initResponse, error) {
	if !b.cfg.Breaker.Allow() {
		return initResponse{}, resilience.RateLimitError{Provider: Name, Message: "gladia rate limit circuit open"}
	}
	body, err := json.Marshal(buildInitRequest(rec))
	if err != nil {
		return initResponse{}, err
	}

	var out initResponse
	err = b.cfg.Retry.DoContext(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.LiveURL, bytes.NewReader(body))
		if err != nil {
			return resilience.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Gladia-Key", b.cfg.APIKey)

		resp, err := b.cfg.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			err := resilience.RateLimitError{
				Provider:   Name,
				Message:    fmt.Sprintf("gladia rate limited: %s", strings.TrimSpace(string(payload))),
				RetryAfter: resilience.ParseRetryAfter(resp.Header.Get("Retry-After")),
			}
			b.cfg.Breaker.OnError(err)
			return err
		case resp.StatusCode >= 500:
			return fmt.Errorf("gladia init failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
		case resp.StatusCode >= 300:
			return resilience.Permanent(fmt.Errorf("gladia init failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload))))
		}
		if err := json.Unmarshal(payload, &out); err != nil {
			return resilience.Permanent(fmt.Errorf("decode gladia init response: %w", err))
		}
		if out.URL == "" {
			return resilience.Permanent(errors.New("gladia init response has no url"))
		}
		return nil
	})
	if err != nil {
		return initResponse{}, err
	}
	b.cfg.Breaker.OnSuccess()
	return out, nil
}

type stream struct {
	conn       *websocket.Conn
	audio      *streaming.AudioQueue
	sink       *streaming.Sink
	writerDone chan struct{}
	closeOnce  sync.Once
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
	s.closeOnce.Do(func() {
		s.audio.Close()
		s.sink.Finish(nil)
		_ = s.conn.Close()
	})
	return nil
}

func (s *stream) writeLoop() {
	defer close(s.writerDone)
	for chunk := range s.audio.C() {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			s.sink.Finish(fmt.Errorf("failed to send audio: %w", err))
			return
		}
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop_recording"}`)); err != nil {
		s.sink.Finish(fmt.Errorf("failed to stop recording: %w", err))
	}
}

type message struct {
	Type string `json:"type"`
	Data struct {
		IsFinal   bool   `json:"is_final"`
		Message   string `json:"message"`
		Utterance struct {
			Text       string   `json:"text"`
			Confidence *float64 `json:"confidence"`
		} `json:"utterance"`
	} `json:"data"`
}

func (s *stream) readLoop() {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.sink.Finish(nil)
				return
			}
			s.sink.Finish(fmt.Errorf("gladia websocket closed unexpectedly: %w", err))
			return
		}

		var msg message
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Debug("gladia_message_invalid", slog.String("error", err.Error()))
			continue
		}
		switch msg.Type {
		case "transcript":
			confidence := math.NaN()
			if msg.Data.Utterance.Confidence != nil {
				confidence = *msg.Data.Utterance.Confidence
			}
			s.sink.Emit(stt.Transcript{Text: msg.Data.Utterance.Text, Confidence: confidence, Final: msg.Data.IsFinal})
		case "error":
			text := strings.TrimSpace(msg.Data.Message)
			if text == "" {
				text = "unknown error"
			}
			s.sink.Finish(fmt.Errorf("gladia websocket error: %s", text))
			return
		}
	}
}

var _ stt.Backend = (*Backend)(nil)
