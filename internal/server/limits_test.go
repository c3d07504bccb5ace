package server_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/polyglot-tts/internal/audio"
	"github.com/example/polyglot-tts/internal/server"
	"github.com/example/polyglot-tts/internal/tts"
	"github.com/example/polyglot-tts/internal/tts/ttstest"
)

// ---------------------------------------------------------------------------
// request limits
// ---------------------------------------------------------------------------

func TestTTS_OversizedBodyRejectedAs413(t *testing.T) {
	h := server.NewHandler(
		&stubSynthesizer{buf: okBuffer},
		&stubVoiceLister{},
		server.WithMaxBodyBytes(32),
	)

	rec := post(h, "/tts", `{"text":"`+strings.Repeat("x", 64)+`"}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d", rec.Code)
	}
	decodeError(t, rec)
}

func TestTTS_TextAtExactLimitIsAccepted(t *testing.T) {
	h := newOrchestratorHandler(ttstest.New())

	rec := post(h, "/tts", `{"text":"`+strings.Repeat("a", 5000)+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200 for exactly-limit text, got %d", rec.Code)
	}
}

func TestTTS_RequestTimeoutReturns504(t *testing.T) {
	synth := &blockingSynthesizer{blocked: make(chan struct{})}

	h := server.NewHandler(
		synth,
		&stubVoiceLister{},
		server.WithRequestTimeout(20*time.Millisecond),
	)

	rec := post(h, "/tts", `{"text":"Hello.","lang":"en"}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("want 504 on timeout, got %d", rec.Code)
	}
	decodeError(t, rec)
}

func TestPolyglot_RequestTimeoutThroughOrchestrator(t *testing.T) {
	eng := ttstest.New()
	eng.GenerateDelay = 5 * time.Second
	h := newOrchestratorHandler(eng, server.WithRequestTimeout(20*time.Millisecond))

	rec := post(h, "/polyglot", `{"segments":[{"text":"a","lang":"en"},{"text":"b","lang":"fr"}]}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("want 504, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// worker pool / concurrency throttling
// ---------------------------------------------------------------------------

func TestTTS_ConcurrencyThrottling(t *testing.T) {
	const workers = 2
	const totalRequests = 5

	var (
		mu         sync.Mutex
		peak       int
		current    int32
		releaseAll = make(chan struct{})
	)
	synth := &countingSynthesizer{
		onEnter: func() {
			n := int(atomic.AddInt32(&current, 1))

			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			<-releaseAll
		},
		onExit: func() { atomic.AddInt32(&current, -1) },
	}

	h := server.NewHandler(
		synth,
		&stubVoiceLister{},
		server.WithWorkers(workers),
	)

	var wg sync.WaitGroup

	codes := make([]int, totalRequests)
	for i := range totalRequests {
		wg.Add(1)

		go func(idx int) {
			defer wg.Done()
			codes[idx] = post(h, "/tts", `{"text":"Hi.","lang":"en"}`).Code
		}(i)
	}

	// Give goroutines time to enter the synthesizer.
	time.Sleep(50 * time.Millisecond)
	close(releaseAll)
	wg.Wait()

	mu.Lock()
	got := peak
	mu.Unlock()

	if got > workers {
		t.Errorf("peak concurrency %d exceeded worker limit %d", got, workers)
	}

	for i, code := range codes {
		if code != http.StatusOK {
			t.Errorf("request %d: want 200, got %d", i, code)
		}
	}
}

func TestTTS_WaiterCancelledWhileThrottledIs503(t *testing.T) {
	release := make(chan struct{})
	synth := &blockingSynthesizer{blocked: release}

	h := server.NewHandler(
		synth,
		&stubVoiceLister{},
		server.WithWorkers(1),
	)

	// First request occupies the single worker slot.
	done := make(chan struct{})
	go func() {
		defer close(done)
		post(h, "/tts", `{"text":"First.","lang":"en"}`)
	}()

	time.Sleep(20 * time.Millisecond)

	// Second request waits for a worker; its context ends first.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tts", bytes.NewBufferString(`{"text":"Second.","lang":"en"}`)).WithContext(ctx)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503 when waiter context cancelled, got %d", rec.Code)
	}

	close(release)
	<-done
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// blockingSynthesizer blocks until blocked is closed (simulates a slow engine).
type blockingSynthesizer struct {
	blocked chan struct{}
}

func (b *blockingSynthesizer) wait(ctx context.Context) (audio.Buffer, error) {
	select {
	case <-b.blocked:
		return okBuffer, nil
	case <-ctx.Done():
		return audio.Buffer{}, ctx.Err()
	}
}

func (b *blockingSynthesizer) Synthesize(ctx context.Context, _ tts.Segment) (audio.Buffer, error) {
	return b.wait(ctx)
}

func (b *blockingSynthesizer) SynthesizeSegments(ctx context.Context, _ []tts.Segment) (audio.Buffer, error) {
	return b.wait(ctx)
}

// countingSynthesizer calls onEnter/onExit around the synthesize call.
type countingSynthesizer struct {
	onEnter func()
	onExit  func()
}

func (c *countingSynthesizer) Synthesize(_ context.Context, _ tts.Segment) (audio.Buffer, error) {
	c.onEnter()
	defer c.onExit()
	return okBuffer, nil
}

func (c *countingSynthesizer) SynthesizeSegments(ctx context.Context, segs []tts.Segment) (audio.Buffer, error) {
	return c.Synthesize(ctx, segs[0])
}
