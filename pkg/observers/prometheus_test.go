package observers

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/harunnryd/speechbridge/pkg/metrics"
)

func TestPrometheusObserverCountsSessionEvents(t *testing.T) {
	obs := NewPrometheusObserver()
	tags := metrics.Tags("mock", "s1")
	start := time.Now()

	obs.RecordEvent(metrics.Event{Name: metrics.EventSessionStart, Time: start, Value: 1, Tags: tags})
	obs.RecordEvent(metrics.Event{Name: metrics.EventAudioBytes, Time: start, Value: 160, Tags: tags})
	obs.RecordEvent(metrics.Event{Name: metrics.EventAudioBytes, Time: start.Add(20 * time.Millisecond), Value: 160, Tags: tags})
	verbTags := metrics.Tags("mock", "s1")
	verbTags[metrics.TagVerb] = "setup"
	obs.RecordEvent(metrics.Event{Name: metrics.EventControlRequest, Time: start, Value: 1, Tags: verbTags})
	obs.RecordEvent(metrics.Event{Name: metrics.EventResultFinal, Time: start.Add(time.Second), Value: 0.8, Tags: tags})
	obs.RecordEvent(metrics.Event{Name: metrics.EventResultFinal, Time: start.Add(2 * time.Second), Value: 0.9, Tags: tags})

	if got := testutil.ToFloat64(obs.ActiveSessions); got != 1 {
		t.Fatalf("expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(obs.AudioBytes.WithLabelValues("mock")); got != 320 {
		t.Fatalf("expected 320 audio bytes, got %v", got)
	}
	if got := testutil.ToFloat64(obs.Requests.WithLabelValues("mock", "setup")); got != 1 {
		t.Fatalf("expected 1 setup request, got %v", got)
	}
	if got := testutil.ToFloat64(obs.Results.WithLabelValues("mock")); got != 2 {
		t.Fatalf("expected 2 results, got %v", got)
	}
	if got := testutil.CollectAndCount(obs.FirstResult); got != 1 {
		t.Fatalf("expected one first-result series, got %d", got)
	}

	obs.RecordEvent(metrics.Event{Name: metrics.EventSessionEnd, Time: start.Add(3 * time.Second), Value: 3, Tags: tags})
	if got := testutil.ToFloat64(obs.ActiveSessions); got != 0 {
		t.Fatalf("expected 0 active sessions, got %v", got)
	}
	obs.mu.Lock()
	left := len(obs.firstAudio)
	obs.mu.Unlock()
	if left != 0 {
		t.Fatalf("expected session bookkeeping cleared, got %d", left)
	}
}

func TestPrometheusObserverHandlerExposesSeries(t *testing.T) {
	obs := NewPrometheusObserver()
	obs.RecordEvent(metrics.Event{Name: metrics.EventProviderRestart, Time: time.Now(), Value: 1, Tags: metrics.Tags("google", "s2")})

	rec := httptest.NewRecorder()
	obs.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `speechbridge_provider_restarts_total{provider="google"} 1`) {
		t.Fatalf("restart series missing from exposition:\n%s", body)
	}
}

func TestMultiObserverFansOut(t *testing.T) {
	a := metrics.NewMemoryObserver()
	b := metrics.NewMemoryObserver()
	multi := NewMultiObserver(a, nil, b, NewLoggerObserver(nil))
	metrics.Record(multi, metrics.EventSessionStart, 1, nil)
	if a.Count(metrics.EventSessionStart) != 1 || b.Count(metrics.EventSessionStart) != 1 {
		t.Fatalf("expected event on every member")
	}
	if err := multi.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}
