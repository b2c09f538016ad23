package frames

import "testing"

func TestFramesCarrySessionMeta(t *testing.T) {
	a := NewAudioFrame("s1", 1, []byte{1, 2}, map[string]string{MetaRemoteAddr: "1.2.3.4"})
	if a.Kind() != KindAudio || a.Meta()[MetaSessionID] != "s1" || a.Meta()[MetaRemoteAddr] != "1.2.3.4" {
		t.Fatalf("unexpected audio frame meta: %v", a.Meta())
	}
	data := a.Data()
	data[0] = 9
	if a.RawPayload()[0] != 1 {
		t.Fatalf("Data must return a copy")
	}

	meta := a.Meta()
	meta[MetaSessionID] = "changed"
	if a.Meta()[MetaSessionID] != "s1" {
		t.Fatalf("Meta must return a copy")
	}
}

func TestIsClose(t *testing.T) {
	if !IsClose(NewControlFrame("s", 0, ControlClose, nil)) {
		t.Fatalf("expected close frame")
	}
	if IsClose(NewTextFrame("s", 0, "{}", nil)) {
		t.Fatalf("text frame is not a close frame")
	}
}

func TestPTSGenMonotonic(t *testing.T) {
	g := NewPTSGen()
	a, b := g.Next("s"), g.Next("s")
	if b <= a {
		t.Fatalf("expected increasing pts, got %d then %d", a, b)
	}
	if g.Next("other") != a {
		t.Fatalf("expected independent counters per session")
	}
	g.Forget("s")
	if g.Next("s") != a {
		t.Fatalf("expected a forgotten session to restart its counter")
	}
}
