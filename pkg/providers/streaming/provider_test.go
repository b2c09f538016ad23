package streaming

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/speechbridge/pkg/adapters/stt"
	"github.com/harunnryd/speechbridge/pkg/errorsx"
	"github.com/harunnryd/speechbridge/pkg/metrics"
	"github.com/harunnryd/speechbridge/pkg/negotiate"
)

type fakeStream struct {
	mu          sync.Mutex
	sent        [][]byte
	closeSends  int
	closed      bool
	transcripts chan stt.Transcript
	err         error
	finishOnce  sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{transcripts: make(chan stt.Transcript, 16)}
}

func (s *fakeStream) Send(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, chunk)
	return nil
}

func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	s.closeSends++
	s.mu.Unlock()
	s.finish(nil)
	return nil
}

func (s *fakeStream) finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.transcripts)
	})
}

func (s *fakeStream) Transcripts() <-chan stt.Transcript { return s.transcripts }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) chunks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, c := range s.sent {
		out[i] = string(c)
	}
	return out
}

func (s *fakeStream) closeSendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeSends
}

type fakeBackend struct {
	mu      sync.Mutex
	catalog stt.Catalog
	streams []*fakeStream
	recs    []stt.Recognition
	openErr error
	// hangFrom makes every Open after that many streams wait for its ctx.
	hangFrom int
	hanging  chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{catalog: stt.Catalog{
		Encodings: map[string]string{"ulaw": "MULAW", "slin16": "LINEAR16"},
		Languages: []string{"en-US", "de-DE"},
	}}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Recognition(cfg stt.Config) (stt.Recognition, error) {
	return b.catalog.Resolve(cfg)
}

func (b *fakeBackend) Open(ctx context.Context, rec stt.Recognition) (stt.Stream, error) {
	b.mu.Lock()
	if b.hanging != nil && len(b.streams) >= b.hangFrom {
		b.mu.Unlock()
		select {
		case b.hanging <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	s := newFakeStream()
	b.streams = append(b.streams, s)
	b.recs = append(b.recs, rec)
	return s, nil
}

func (b *fakeBackend) stream(i int) *fakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.streams) {
		return nil
	}
	return b.streams[i]
}

func (b *fakeBackend) opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProvider(b *fakeBackend, opts Options) *Provider {
	opts.Logger = quietLogger()
	return New(b, opts)
}

func nextEvent(t *testing.T, p *Provider) stt.Event {
	t.Helper()
	select {
	case ev := <-p.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return stt.Event{}
}

func TestWriteBeforeStartIsReplayedInOrder(t *testing.T) {
	b := newFakeBackend()
	p := newTestProvider(b, Options{})
	defer p.End()

	for _, c := range []string{"a", "b", "c"} {
		if err := p.Write([]byte(c)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := p.Start(context.Background(), stt.Config{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = p.Write([]byte("d"))

	got := b.stream(0).chunks()
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestPendingQueueIsBounded(t *testing.T) {
	b := newFakeBackend()
	p := newTestProvider(b, Options{MaxPendingChunks: 2})
	defer p.End()

	_ = p.Write([]byte("1"))
	_ = p.Write([]byte("2"))
	_ = p.Write([]byte("3"))
	if err := p.Start(context.Background(), stt.Config{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	got := b.stream(0).chunks()
	if len(got) != 2 || got[0] != "2" || got[1] != "3" {
		t.Fatalf("expected oldest chunk dropped, got %v", got)
	}
}

func TestStartIsNoopWhenListening(t *testing.T) {
	b := newFakeBackend()
	p := newTestProvider(b, Options{})
	defer p.End()

	_ = p.Start(context.Background(), stt.Config{})
	_ = p.Start(context.Background(), stt.Config{})
	if b.opened() != 1 {
		t.Fatalf("expected one remote session, got %d", b.opened())
	}
	if p.State() != stt.StateListening {
		t.Fatalf("expected LISTENING, got %s", p.State())
	}
}

func TestRestartSwitchesStreamsAtomically(t *testing.T) {
	b := newFakeBackend()
	p := newTestProvider(b, Options{})
	defer p.End()

	_ = p.Start(context.Background(), stt.Config{})
	_ = p.Write([]byte("before"))
	cfg := stt.Config{Codec: negotiate.Codec{Name: "slin16", SampleRate: 16000}, Language: "de-DE"}
	if err := p.Restart(context.Background(), cfg); err != nil {
		t.Fatalf("restart: %v", err)
	}
	_ = p.Write([]byte("after"))

	first, second := b.stream(0), b.stream(1)
	if first.closeSendCount() != 1 {
		t.Fatalf("expected old stream to be flushed once")
	}
	if got := first.chunks(); len(got) != 1 || got[0] != "before" {
		t.Fatalf("old stream got %v", got)
	}
	if got := second.chunks(); len(got) != 1 || got[0] != "after" {
		t.Fatalf("new stream got %v", got)
	}
	if b.recs[1].Encoding != "LINEAR16" || b.recs[1].Language != "de-DE" {
		t.Fatalf("unexpected recognition: %+v", b.recs[1])
	}
}

func TestUnsupportedConfigLeavesStreamUntouched(t *testing.T) {
	b := newFakeBackend()
	p := newTestProvider(b, Options{})
	defer p.End()
	_ = p.Start(context.Background(), stt.Config{})

	err := p.Restart(context.Background(), stt.Config{Codec: negotiate.Codec{Name: "slin16"}, Language: "fr-FR"})
	if !errors.Is(err, stt.ErrUnsupportedLanguage) {
		t.Fatalf("expected unsupported language, got %v", err)
	}
	if b.opened() != 1 || b.stream(0).closeSendCount() != 0 {
		t.Fatalf("rejected config must not restart the stream")
	}
	cfg := p.Config()
	if cfg.Codec.Name != "ulaw" || cfg.Language != "en-US" {
		t.Fatalf("config changed on failure: %+v", cfg)
	}

	if err := p.SetConfig(stt.Config{Codec: negotiate.Codec{Name: "g729"}}); !errors.Is(err, stt.ErrUnsupportedCodec) {
		t.Fatalf("expected unsupported codec, got %v", err)
	}
}

func TestOnlyFinalResultsAreDelivered(t *testing.T) {
	b := newFakeBackend()
	p := newTestProvider(b, Options{})
	defer p.End()
	_ = p.Start(context.Background(), stt.Config{})

	s := b.stream(0)
	s.transcripts <- stt.Transcript{Text: "hel", Confidence: 0.2}
	s.transcripts <- stt.Transcript{Text: "hello", Confidence: 1.7, Final: true}

	ev := nextEvent(t, p)
	if ev.Kind != stt.EventResult || ev.Result.Text != "hello" || ev.Result.Confidence != 1 || !ev.Result.Final {
		t.Fatalf("unexpected event: %+v", ev)
	}
	got := p.Results()
	if len(got) != 1 || got[0].Text != "hello" {
		t.Fatalf("unexpected buffered results: %+v", got)
	}
	if len(p.Results()) != 0 {
		t.Fatalf("expected drain to empty the buffer")
	}
}

func TestResultBufferBound(t *testing.T) {
	b := newFakeBackend()
	p := newTestProvider(b, Options{MaxResults: 2})
	defer p.End()
	_ = p.Start(context.Background(), stt.Config{})

	s := b.stream(0)
	for _, text := range []string{"one", "two", "three"} {
		s.transcripts <- stt.Transcript{Text: text, Confidence: 0.9, Final: true}
	}
	for i := 0; i < 3; i++ {
		nextEvent(t, p)
	}
	got := p.Results()
	if len(got) != 2 || got[0].Text != "two" || got[1].Text != "three" {
		t.Fatalf("expected the two most recent results, got %+v", got)
	}
}

func TestStreamErrorIsFatal(t *testing.T) {
	b := newFakeBackend()
	p := newTestProvider(b, Options{})
	defer p.End()
	_ = p.Start(context.Background(), stt.Config{})

	b.stream(0).finish(errors.New("boom"))
	ev := nextEvent(t, p)
	if ev.Kind != stt.EventFatal || ev.Err == nil {
		t.Fatalf("expected fatal event, got %+v", ev)
	}
	if errorsx.Reason(ev.Err) != errorsx.ReasonProviderFatal {
		t.Fatalf("expected fatal reason, got %s", errorsx.Reason(ev.Err))
	}
	if p.State() != stt.StateEnded {
		t.Fatalf("expected ENDED, got %s", p.State())
	}
	if err := p.Write([]byte("x")); !errors.Is(err, stt.ErrProviderEnded) {
		t.Fatalf("expected writes after fatal to be rejected, got %v", err)
	}
}

func TestOpenFailureIsFatal(t *testing.T) {
	b := newFakeBackend()
	b.openErr = errors.New("dial failed")
	p := newTestProvider(b, Options{})
	defer p.End()

	err := p.Start(context.Background(), stt.Config{})
	if errorsx.Reason(err) != errorsx.ReasonProviderConnect {
		t.Fatalf("expected connect reason, got %v", err)
	}
	ev := nextEvent(t, p)
	if ev.Kind != stt.EventFatal {
		t.Fatalf("expected fatal event, got %+v", ev)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	b := newFakeBackend()
	p := newTestProvider(b, Options{EndTimeout: 50 * time.Millisecond})
	_ = p.Start(context.Background(), stt.Config{})

	_ = p.End()
	_ = p.End()
	s := b.stream(0)
	if s.closeSendCount() != 1 {
		t.Fatalf("expected a single CloseSend, got %d", s.closeSendCount())
	}
	if p.State() != stt.StateEnded {
		t.Fatalf("expected ENDED, got %s", p.State())
	}
	if err := p.Start(context.Background(), stt.Config{}); !errors.Is(err, stt.ErrProviderEnded) {
		t.Fatalf("expected start after end to fail, got %v", err)
	}
}

func TestProactiveRestart(t *testing.T) {
	b := newFakeBackend()
	p := newTestProvider(b, Options{RestartInterval: 20 * time.Millisecond})
	defer p.End()
	_ = p.Start(context.Background(), stt.Config{})

	deadline := time.Now().Add(2 * time.Second)
	for b.opened() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a proactive restart")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if b.stream(0).closeSendCount() != 1 {
		t.Fatalf("expected old stream to be flushed")
	}
}

func endWithin(t *testing.T, p *Provider, d time.Duration) {
	t.Helper()
	ended := make(chan struct{})
	go func() {
		_ = p.End()
		close(ended)
	}()
	select {
	case <-ended:
	case <-time.After(d):
		t.Fatalf("End blocked while a handshake was in progress; state=%s", p.State())
	}
}

func TestEndAbortsProactiveRestartHandshake(t *testing.T) {
	b := newFakeBackend()
	b.hangFrom, b.hanging = 1, make(chan struct{}, 1)
	obs := metrics.NewMemoryObserver()
	p := newTestProvider(b, Options{RestartInterval: 20 * time.Millisecond, EndTimeout: 50 * time.Millisecond, Observer: obs})
	if err := p.Start(context.Background(), stt.Config{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-b.hanging:
	case <-time.After(2 * time.Second):
		t.Fatalf("proactive restart never reached the handshake")
	}

	endWithin(t, p, time.Second)
	if p.State() != stt.StateEnded {
		t.Fatalf("expected ENDED, got %s", p.State())
	}
	if got := obs.Count(metrics.EventProviderFatal); got != 0 {
		t.Fatalf("expected no fatal for an aborted handshake, got %d", got)
	}
}

func TestEndAbortsRestartHandshake(t *testing.T) {
	b := newFakeBackend()
	b.hangFrom, b.hanging = 1, make(chan struct{}, 1)
	p := newTestProvider(b, Options{EndTimeout: 50 * time.Millisecond})
	if err := p.Start(context.Background(), stt.Config{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	restarted := make(chan error, 1)
	go func() {
		restarted <- p.Restart(context.Background(), stt.Config{Language: "de-DE"})
	}()
	select {
	case <-b.hanging:
	case <-time.After(2 * time.Second):
		t.Fatalf("restart never reached the handshake")
	}

	endWithin(t, p, time.Second)
	select {
	case err := <-restarted:
		if !errors.Is(err, stt.ErrProviderEnded) {
			t.Fatalf("expected restart to report ended provider, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("restart did not return after End")
	}
}

func TestCallerContextBoundsHandshake(t *testing.T) {
	b := newFakeBackend()
	b.hangFrom, b.hanging = 0, make(chan struct{}, 1)
	p := newTestProvider(b, Options{EndTimeout: 50 * time.Millisecond})
	defer p.End()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan error, 1)
	go func() { started <- p.Start(ctx, stt.Config{}) }()
	<-b.hanging
	cancel()
	select {
	case err := <-started:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("start ignored its context")
	}
}

func TestFirstStartIsNotCountedAsRestart(t *testing.T) {
	b := newFakeBackend()
	obs := metrics.NewMemoryObserver()
	p := newTestProvider(b, Options{Observer: obs})
	defer p.End()

	if err := p.Restart(context.Background(), stt.Config{}); err != nil {
		t.Fatalf("restart from idle: %v", err)
	}
	if got := obs.Count(metrics.EventProviderRestart); got != 0 {
		t.Fatalf("expected no restart recorded when idle, got %d", got)
	}
	if err := p.Restart(context.Background(), stt.Config{Language: "de-DE"}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := obs.Count(metrics.EventProviderRestart); got != 1 {
		t.Fatalf("expected one restart recorded, got %d", got)
	}
}
