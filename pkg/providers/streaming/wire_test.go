package streaming

import (
	"errors"
	"testing"

	"github.com/harunnryd/speechbridge/pkg/adapters/stt"
)

func TestAudioQueue(t *testing.T) {
	q := NewAudioQueue(1)
	if err := q.Push([]byte("a")); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push([]byte("b")); !errors.Is(err, ErrAudioFull) {
		t.Fatalf("expected full queue, got %v", err)
	}
	q.Close()
	q.Close()
	if err := q.Push([]byte("c")); !errors.Is(err, ErrAudioClosed) {
		t.Fatalf("expected closed queue, got %v", err)
	}
	var got []string
	for chunk := range q.C() {
		got = append(got, string(chunk))
	}
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("unexpected drain: %v", got)
	}
}

func TestSinkFirstFinishWins(t *testing.T) {
	s := NewSink(2)
	if !s.Emit(stt.Transcript{Text: "hi", Final: true}) {
		t.Fatalf("expected emit to succeed")
	}
	first := errors.New("first")
	s.Finish(first)
	s.Finish(errors.New("second"))
	if s.Emit(stt.Transcript{Text: "late"}) {
		t.Fatalf("expected emit after finish to fail")
	}
	if !errors.Is(s.Err(), first) {
		t.Fatalf("expected first error, got %v", s.Err())
	}
	count := 0
	for range s.Transcripts() {
		count++
	}
	if count != 1 {
		t.Fatalf("expected one transcript, got %d", count)
	}
}
