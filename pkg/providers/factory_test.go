package providers

import (
	"context"
	"testing"
	"time"

	"github.com/harunnryd/speechbridge/pkg/adapters/stt"
	"github.com/harunnryd/speechbridge/pkg/providers/mock"
)

func TestNewFactoryKnownNames(t *testing.T) {
	for _, name := range Names {
		f, err := NewFactory(name, nil, Options{})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if f.Name() != name {
			t.Fatalf("expected %s, got %s", name, f.Name())
		}
	}
}

func TestNewFactoryUnknownName(t *testing.T) {
	if _, err := NewFactory("whisper", nil, Options{}); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestNewFactoryRejectsUnknownSettings(t *testing.T) {
	_, err := NewFactory("mock", map[string]any{"transcrpt": "typo"}, Options{})
	if err == nil {
		t.Fatalf("expected unknown settings key to be rejected")
	}
}

func TestRestartIntervalDefaults(t *testing.T) {
	g, _ := NewFactory("google", nil, Options{})
	if g.RestartInterval() != 10*time.Second {
		t.Fatalf("expected google default restart, got %s", g.RestartInterval())
	}
	g, _ = NewFactory("google", nil, Options{RestartInterval: -1})
	if g.RestartInterval() != 0 {
		t.Fatalf("expected disabled restart, got %s", g.RestartInterval())
	}
	m, _ := NewFactory("mock", nil, Options{})
	if m.RestartInterval() != 0 {
		t.Fatalf("expected mock without restart, got %s", m.RestartInterval())
	}
}

func TestFactoryBuildsIndependentProviders(t *testing.T) {
	f := NewFactoryForBackend(mock.NewSTT(mock.STTConfig{Transcript: "hi", EveryBytes: 2}), Options{})
	a, b := f.New("a"), f.New("b")
	defer a.End()
	defer b.End()

	if err := a.Start(context.Background(), stt.DefaultConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if b.State() != stt.StateIdle {
		t.Fatalf("expected second provider untouched, got %s", b.State())
	}
	_ = a.Write([]byte{1, 2})
	select {
	case ev := <-a.Events():
		if ev.Result.Text != "hi" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for result")
	}
}

func TestMockSettingsDecode(t *testing.T) {
	f, err := NewFactory("mock", map[string]any{"Transcript": "decoded", "every-bytes": "1", "languages": []any{"de-DE"}}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := f.New("s")
	defer p.End()
	if err := p.SetConfig(stt.Config{Language: "de-DE"}); err != nil {
		t.Fatalf("expected decoded language list, got %v", err)
	}
}
