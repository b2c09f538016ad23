package redact

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +62 812 3456 7890"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	in := "email a@b.com and phone +62 812 3456 7890"
	got := Text(in)
	if got == in {
		t.Fatalf("expected redaction")
	}
	if want := "[REDACTED_EMAIL]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output", want)
	}
	if want := "[REDACTED_PHONE]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output", want)
	}
}

func TestTranscriptClipsLongText(t *testing.T) {
	SetEnabled(false)
	in := strings.Repeat("é", MaxTranscriptRunes+10)
	got := Transcript(in)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected clipped transcript, got %q", got)
	}
	if n := utf8.RuneCountInString(strings.TrimSuffix(got, "...")); n != MaxTranscriptRunes {
		t.Fatalf("expected %d runes, got %d", MaxTranscriptRunes, n)
	}
	if got := Transcript("hello"); got != "hello" {
		t.Fatalf("short transcript changed: %q", got)
	}
}

func TestSecret(t *testing.T) {
	if got := Secret("abcdef123456"); got != "****3456" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := Secret("abc"); got != "****" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := Secret(" "); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
