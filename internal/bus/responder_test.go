package bus_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/example/polyglot-tts/internal/audio"
	"github.com/example/polyglot-tts/internal/bus"
	"github.com/example/polyglot-tts/internal/config"
	"github.com/example/polyglot-tts/internal/tts"
	"github.com/example/polyglot-tts/internal/tts/ttstest"
)

const subject = "tts.synthesize"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startNATS runs an embedded server on a random port for the test.
func startNATS(t *testing.T) *natsserver.Server {
	t.Helper()

	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("create embedded NATS server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server failed to start within 5 seconds")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

// startResponder wires a responder backed by the fake engine and returns a
// separate requester connection.
func startResponder(t *testing.T, eng *ttstest.Engine, opts ...bus.Option) *nats.Conn {
	t.Helper()
	return startResponderContext(t, context.Background(), eng, opts...)
}

func startResponderContext(t *testing.T, ctx context.Context, eng *ttstest.Engine, opts ...bus.Option) *nats.Conn {
	t.Helper()

	ns := startNATS(t)
	cfg := config.DefaultConfig().Bus
	cfg.URL = ns.ClientURL()

	client, err := bus.Connect(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(client.Close)
	if !client.Healthy() {
		t.Fatal("client not healthy after connect")
	}

	reg := ttstest.Registry("en", "fr", "el", "tr")
	o := tts.NewOrchestrator(reg, tts.NewCache(eng))

	opts = append([]bus.Option{bus.WithQueue(cfg.Queue), bus.WithLogger(discardLogger())}, opts...)
	r := bus.NewResponder(client.Conn(), subject, o, opts...)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(r.Close)

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("requester connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func request(t *testing.T, nc *nats.Conn, payload string) bus.Reply {
	t.Helper()

	msg, err := nc.Request(subject, []byte(payload), 5*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	var reply bus.Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply %q: %v", msg.Data, err)
	}
	return reply
}

func TestResponder_SingleText(t *testing.T) {
	nc := startResponder(t, ttstest.New())

	reply := request(t, nc, `{"text":"hello","lang":"fr"}`)
	if !reply.OK {
		t.Fatalf("reply not ok: %+v", reply.Error)
	}
	if reply.Format == nil || *reply.Format != ttstest.DefaultFormat {
		t.Errorf("format = %v; want %v", reply.Format, ttstest.DefaultFormat)
	}

	buf, err := audio.DecodeWAV(reply.WAV)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if buf.Frames() != 100 {
		t.Errorf("frames = %d; want 100", buf.Frames())
	}
}

func TestResponder_DefaultVoice(t *testing.T) {
	eng := ttstest.New()
	nc := startResponder(t, eng, bus.WithDefaults("el", 1.0))

	reply := request(t, nc, `{"text":"hello"}`)
	if !reply.OK {
		t.Fatalf("reply not ok: %+v", reply.Error)
	}
	if eng.Loads("el") != 1 {
		t.Errorf("el loads = %d; want 1", eng.Loads("el"))
	}
}

func TestResponder_Segments(t *testing.T) {
	nc := startResponder(t, ttstest.New())

	reply := request(t, nc, `{"segments":[{"text":"Hello","lang":"en"},{"text":"Merhaba","lang":"tr","length_scale":1.2}]}`)
	if !reply.OK {
		t.Fatalf("reply not ok: %+v", reply.Error)
	}

	buf, err := audio.DecodeWAV(reply.WAV)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if buf.Frames() != 200 {
		t.Errorf("frames = %d; want 200", buf.Frames())
	}
}

func TestResponder_Errors(t *testing.T) {
	eng := ttstest.New()
	eng.SetGenerateError("tr", errors.New("onnx: session exploded"))
	nc := startResponder(t, eng)

	tests := []struct {
		name    string
		payload string
		kind    string
		index   int // -1 for none
		message string
	}{
		{"invalid json", `{"text":`, bus.KindBadRequest, -1, "invalid JSON payload"},
		{"no text", `{}`, string(tts.KindValidation), -1, ""},
		{"segment missing lang", `{"segments":[{"text":"hi"}]}`, string(tts.KindValidation), 0, ""},
		{"unknown voice", `{"segments":[{"text":"a","lang":"en"},{"text":"b","lang":"zz"}]}`, string(tts.KindInvalidVoice), 1, "Unsupported language: zz"},
		{"engine failure", `{"segments":[{"text":"a","lang":"en"},{"text":"b","lang":"tr"}]}`, string(tts.KindSynthesisFailed), 1, "speech synthesis failed"},
		{"empty segments", `{"segments":[]}`, string(tts.KindValidation), -1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := request(t, nc, tt.payload)
			if reply.OK {
				t.Fatal("reply ok; want error")
			}
			if reply.WAV != nil {
				t.Error("error reply carries audio")
			}
			if reply.Error.Kind != tt.kind {
				t.Errorf("kind = %q; want %q", reply.Error.Kind, tt.kind)
			}
			switch {
			case tt.index < 0 && reply.Error.Index != nil:
				t.Errorf("index = %d; want none", *reply.Error.Index)
			case tt.index >= 0 && (reply.Error.Index == nil || *reply.Error.Index != tt.index):
				t.Errorf("index = %v; want %d", reply.Error.Index, tt.index)
			}
			if tt.message != "" && reply.Error.Message != tt.message {
				t.Errorf("message = %q; want %q", reply.Error.Message, tt.message)
			}
		})
	}
}

func TestResponder_Timeout(t *testing.T) {
	eng := ttstest.New()
	eng.GenerateDelay = time.Second
	nc := startResponder(t, eng, bus.WithTimeout(20*time.Millisecond))

	reply := request(t, nc, `{"text":"hello"}`)
	if reply.OK || reply.Error.Kind != bus.KindTimeout {
		t.Fatalf("reply = %+v; want timeout error", reply.Error)
	}
}

func TestResponder_InFlightRequestSurvivesShutdown(t *testing.T) {
	eng := ttstest.New()
	eng.LoadGate = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nc := startResponderContext(t, ctx, eng)

	replies := make(chan bus.Reply, 1)
	go func() {
		msg, err := nc.Request(subject, []byte(`{"text":"hello","lang":"en"}`), 5*time.Second)
		if err != nil {
			replies <- bus.Reply{Error: &bus.ReplyError{Kind: "transport", Message: err.Error()}}
			return
		}
		var reply bus.Reply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			reply = bus.Reply{Error: &bus.ReplyError{Kind: "decode", Message: err.Error()}}
		}
		replies <- reply
	}()

	deadline := time.Now().Add(5 * time.Second)
	for eng.TotalLoads() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never reached the engine")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	close(eng.LoadGate)

	select {
	case reply := <-replies:
		if !reply.OK {
			t.Fatalf("reply = %+v; want audio for a request admitted before shutdown", reply.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply after shutdown")
	}
}

func TestConnect_RequiresURL(t *testing.T) {
	if _, err := bus.Connect(context.Background(), config.BusConfig{}, discardLogger()); err == nil {
		t.Fatal("Connect with empty url = nil; want error")
	}
}

func TestClient_HealthyFollowsConnection(t *testing.T) {
	ns := startNATS(t)
	cfg := config.DefaultConfig().Bus
	cfg.URL = ns.ClientURL()

	client, err := bus.Connect(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(client.Close)

	if !client.Healthy() {
		t.Fatal("Healthy() = false after connect")
	}

	ns.Shutdown()
	deadline := time.Now().Add(5 * time.Second)
	for client.Healthy() {
		if time.Now().After(deadline) {
			t.Fatal("Healthy() still true after server shutdown")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
