package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.ObserveRequest(2, time.Second, OutcomeOK)
	m.ObserveSegment("en", time.Second, OutcomeOK)
	m.ObserveVoiceLoad("en", time.Second, nil)
	m.SetLoadedVoices(3)
	m.ObserveHTTP("/tts", 200, time.Second)

	if m.Registry() != nil {
		t.Error("nil Metrics should have nil registry")
	}
}

func TestObserveVoiceLoad_CountsByResult(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry(), false)

	m.ObserveVoiceLoad("en", 10*time.Millisecond, nil)
	m.ObserveVoiceLoad("en", 10*time.Millisecond, errors.New("boom"))
	m.ObserveVoiceLoad("en", 10*time.Millisecond, errors.New("boom"))

	if got := testutil.ToFloat64(m.voiceLoads.WithLabelValues("en", OutcomeOK)); got != 1 {
		t.Errorf("ok loads = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.voiceLoads.WithLabelValues("en", OutcomeError)); got != 2 {
		t.Errorf("failed loads = %v, want 2", got)
	}
}

func TestObserveRequest(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry(), false)

	m.ObserveRequest(3, 200*time.Millisecond, OutcomeOK)
	m.ObserveRequest(1, 10*time.Millisecond, "invalid_voice")

	if got := testutil.ToFloat64(m.requests.WithLabelValues(OutcomeOK)); got != 1 {
		t.Errorf("ok requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("invalid_voice")); got != 1 {
		t.Errorf("invalid_voice requests = %v, want 1", got)
	}
}

func TestSetLoadedVoices(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry(), false)
	m.SetLoadedVoices(4)
	if got := testutil.ToFloat64(m.loadedVoices); got != 4 {
		t.Errorf("loaded voices = %v, want 4", got)
	}
}

func TestHandler_ExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveHTTP("/tts", http.StatusOK, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"polyglot_tts_http_requests_total", "go_goroutines"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
