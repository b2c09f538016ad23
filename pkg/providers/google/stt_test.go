package google

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc"

	"github.com/harunnryd/speechbridge/pkg/adapters/stt"
	"github.com/harunnryd/speechbridge/pkg/negotiate"
)

type fakeCall struct {
	grpc.ClientStream

	mu        sync.Mutex
	requests  []*speechpb.StreamingRecognizeRequest
	responses chan *speechpb.StreamingRecognizeResponse
	recvErr   error
	closed    bool
	endOnce   sync.Once
}

func newFakeCall() *fakeCall {
	return &fakeCall{responses: make(chan *speechpb.StreamingRecognizeResponse, 8)}
}

func (f *fakeCall) Send(req *speechpb.StreamingRecognizeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeCall) CloseSend() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.end()
	return nil
}

func (f *fakeCall) end() {
	f.endOnce.Do(func() { close(f.responses) })
}

func (f *fakeCall) Recv() (*speechpb.StreamingRecognizeResponse, error) {
	resp, ok := <-f.responses
	if !ok {
		if f.recvErr != nil {
			return nil, f.recvErr
		}
		return nil, io.EOF
	}
	return resp, nil
}

type fakeStreamer struct {
	call *fakeCall
}

func (f fakeStreamer) StreamingRecognize(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
	return f.call, nil
}

func TestRecognitionDefaults(t *testing.T) {
	b := New(Config{})
	rec, err := b.Recognition(stt.DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Encoding != "MULAW" || rec.SampleRate != 8000 {
		t.Fatalf("unexpected recognition: %+v", rec)
	}
	_, err = b.Recognition(stt.Config{Codec: negotiate.DefaultCodec, Language: "fr-FR"})
	if !errors.Is(err, stt.ErrUnsupportedLanguage) {
		t.Fatalf("expected unsupported language, got %v", err)
	}
}

func TestStreamSendsConfigThenAudio(t *testing.T) {
	call := newFakeCall()
	b := NewWithStreamer(Config{}, fakeStreamer{call: call})
	rec, _ := b.Recognition(stt.Config{Codec: negotiate.Codec{Name: "slin16"}, Language: "en-US"})

	s, err := b.Open(context.Background(), rec)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Send([]byte{1, 2})
	call.responses <- &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{
			{IsFinal: false, Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "hel"}}},
			{IsFinal: true, Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "hello", Confidence: 0.75}}},
		},
	}
	_ = s.CloseSend()

	var got []stt.Transcript
	for tr := range s.Transcripts() {
		got = append(got, tr)
	}
	if len(got) != 2 || !got[1].Final || got[1].Text != "hello" || got[1].Confidence != 0.75 {
		t.Fatalf("unexpected transcripts: %+v", got)
	}
	if s.Err() != nil {
		t.Fatalf("expected orderly end, got %v", s.Err())
	}

	call.mu.Lock()
	defer call.mu.Unlock()
	if len(call.requests) != 2 {
		t.Fatalf("expected config and one audio request, got %d", len(call.requests))
	}
	cfg := call.requests[0].GetStreamingConfig().GetConfig()
	if cfg.GetEncoding() != speechpb.RecognitionConfig_LINEAR16 || cfg.GetSampleRateHertz() != 16000 || cfg.GetLanguageCode() != "en-US" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if string(call.requests[1].GetAudioContent()) != string([]byte{1, 2}) {
		t.Fatalf("unexpected audio request")
	}
}

func TestStreamRecvErrorEndsStream(t *testing.T) {
	call := newFakeCall()
	call.recvErr = errors.New("deadline exceeded")
	b := NewWithStreamer(Config{}, fakeStreamer{call: call})
	rec, _ := b.Recognition(stt.DefaultConfig())
	s, err := b.Open(context.Background(), rec)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	call.end()
	for range s.Transcripts() {
	}
	if s.Err() == nil {
		t.Fatalf("expected stream error")
	}
	_ = s.Close()
}
