package gladia

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/speechbridge/pkg/adapters/stt"
	"github.com/harunnryd/speechbridge/pkg/negotiate"
	"github.com/harunnryd/speechbridge/pkg/resilience"
)

type liveServer struct {
	*httptest.Server
	initBody atomic.Value
	audio    atomic.Int64
	fail     string
}

func newLiveServer(t *testing.T, fail string) *liveServer {
	t.Helper()
	ls := &liveServer{fail: fail}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/live", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Gladia-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body initRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		ls.initBody.Store(body)
		wsURL := "ws" + strings.TrimPrefix(ls.URL, "http") + "/ws"
		_ = json.NewEncoder(w).Encode(initResponse{ID: "abc", URL: wsURL})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				ls.audio.Add(int64(len(payload)))
				if ls.fail != "" {
					_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","data":{"message":"`+ls.fail+`"}}`))
					return
				}
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript","data":{"is_final":false,"utterance":{"text":"hel"}}}`))
				continue
			}
			if strings.Contains(string(payload), "stop_recording") {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript","data":{"is_final":true,"utterance":{"text":"hello world","confidence":0.6}}}`))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	})
	ls.Server = httptest.NewServer(mux)
	t.Cleanup(ls.Close)
	return ls
}

func newTestBackend(ls *liveServer) *Backend {
	return New(Config{
		APIKey:  "secret",
		LiveURL: ls.URL + "/v2/live",
		Retry:   resilience.NewRetryPolicy(1, time.Millisecond),
	})
}

func TestGladiaSessionRoundTrip(t *testing.T) {
	ls := newLiveServer(t, "")
	b := newTestBackend(ls)
	rec, err := b.Recognition(stt.Config{Codec: negotiate.Codec{Name: "slin16"}, Language: "en-US"})
	if err != nil {
		t.Fatalf("recognition: %v", err)
	}
	s, err := b.Open(context.Background(), rec)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Send([]byte{1, 2, 3, 4})
	_ = s.CloseSend()

	var got []stt.Transcript
	for tr := range s.Transcripts() {
		got = append(got, tr)
	}
	_ = s.Close()
	if len(got) != 2 || !got[1].Final || got[1].Text != "hello world" || got[1].Confidence != 0.6 {
		t.Fatalf("unexpected transcripts: %+v", got)
	}
	if s.Err() != nil {
		t.Fatalf("expected normal close, got %v", s.Err())
	}
	if ls.audio.Load() != 4 {
		t.Fatalf("expected 4 audio bytes, got %d", ls.audio.Load())
	}
	body := ls.initBody.Load().(initRequest)
	if body.Encoding != "wav/pcm" || body.SampleRate != 16000 || body.BitDepth != 16 || body.Channels != 1 {
		t.Fatalf("unexpected init body: %+v", body)
	}
	if len(body.LanguageConfig.Languages) != 1 || body.LanguageConfig.Languages[0] != "en" {
		t.Fatalf("unexpected languages: %+v", body.LanguageConfig)
	}
}

func TestGladiaErrorMessageIsFatal(t *testing.T) {
	ls := newLiveServer(t, "quota exceeded")
	b := newTestBackend(ls)
	rec, _ := b.Recognition(stt.DefaultConfig())
	s, err := b.Open(context.Background(), rec)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	_ = s.Send([]byte{1})
	for range s.Transcripts() {
	}
	if s.Err() == nil || !strings.Contains(s.Err().Error(), "quota exceeded") {
		t.Fatalf("expected gladia error, got %v", s.Err())
	}
}

func TestGladiaRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b := New(Config{
		APIKey:  "secret",
		LiveURL: srv.URL,
		Retry:   resilience.NewRetryPolicy(1, time.Millisecond),
		Breaker: resilience.NewCircuitBreaker(2, time.Hour),
	})
	rec, _ := b.Recognition(stt.DefaultConfig())
	_, err := b.Open(context.Background(), rec)
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
	before := calls.Load()
	_, err = b.Open(context.Background(), rec)
	if !resilience.IsRateLimit(err) || calls.Load() != before {
		t.Fatalf("expected open circuit to short-circuit, got %v", err)
	}
}

func TestGladiaPermanentFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	b := New(Config{APIKey: "secret", LiveURL: srv.URL, Retry: resilience.NewRetryPolicy(3, time.Millisecond)})
	rec, _ := b.Recognition(stt.DefaultConfig())
	if _, err := b.Open(context.Background(), rec); err == nil || resilience.IsRateLimit(err) {
		t.Fatalf("expected plain failure, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestGladiaRequiresKey(t *testing.T) {
	b := New(Config{})
	if _, err := b.Open(context.Background(), stt.Recognition{}); err == nil {
		t.Fatalf("expected missing key error")
	}
	if !errors.Is(func() error {
		_, err := b.Recognition(stt.Config{Codec: negotiate.Codec{Name: "opus"}, Language: "en-US"})
		return err
	}(), stt.ErrUnsupportedCodec) {
		t.Fatalf("expected opus to be unsupported")
	}
}
