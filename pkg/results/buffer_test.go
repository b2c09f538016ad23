package results

import (
	"fmt"
	"math"
	"sync"
	"testing"
)

func TestBufferEvictsOldest(t *testing.T) {
	const k = 5
	b := NewBuffer(k)
	for i := 0; i <= k; i++ {
		evicted := b.Push(Result{Text: fmt.Sprintf("r%d", i), Final: true})
		if evicted != (i == k) {
			t.Fatalf("push %d: unexpected evicted=%v", i, evicted)
		}
	}
	if b.Len() != k {
		t.Fatalf("expected len %d, got %d", k, b.Len())
	}
	got := b.Drain()
	for i, r := range got {
		if want := fmt.Sprintf("r%d", i+1); r.Text != want {
			t.Fatalf("index %d: expected %s, got %s", i, want, r.Text)
		}
	}
}

func TestBufferDrainEmpties(t *testing.T) {
	b := NewBuffer(0)
	if b.Cap() != DefaultCapacity {
		t.Fatalf("expected default capacity, got %d", b.Cap())
	}
	b.Push(Result{Text: "hello", Final: true})
	if got := b.Drain(); len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
	got := b.Drain()
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestBufferConcurrentPushNeverExceedsCapacity(t *testing.T) {
	b := NewBuffer(10)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Push(Result{Text: "x", Final: true})
				if n := b.Len(); n > 10 {
					t.Errorf("buffer exceeded capacity: %d", n)
				}
			}
		}()
	}
	wg.Wait()
	if b.Len() != 10 {
		t.Fatalf("expected full buffer, got %d", b.Len())
	}
}

func TestNormalizeClampsConfidence(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{0.42, 0.42},
		{-1, 0},
		{7, 1},
		{math.NaN(), 1},
	}
	for _, c := range cases {
		r := Normalize("text", c.in)
		if r.Confidence != c.want || !r.Final {
			t.Fatalf("Normalize(%v) = %+v, want confidence %v", c.in, r, c.want)
		}
	}
}
