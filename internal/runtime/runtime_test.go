package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-greeter/internal/bus"
	"github.com/loqalabs/loqa-greeter/internal/config"
	"github.com/loqalabs/loqa-greeter/internal/greeting"
	"github.com/loqalabs/loqa-greeter/internal/protocol"
	"github.com/loqalabs/loqa-greeter/internal/simulator"
	"github.com/loqalabs/loqa-greeter/internal/track"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.Embedded = true
	cfg.Bus.Port = server.RANDOM_PORT
	cfg.Bus.StoreDir = t.TempDir()
	cfg.Bus.ConnectAttempts = 3
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "tracks.db")
	cfg.Delivery.AckTimeoutMS = 1000
	cfg.Delivery.CompletionTimeoutMS = 1000
	cfg.TTS.SampleRate = 16000
	return cfg
}

type harness struct {
	rt  *Runtime
	srv *httptest.Server
	ctx context.Context
}

func start(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	rt := New(cfg, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.setup(ctx); err != nil {
		cancel()
		rt.teardown()
		t.Fatalf("setup: %v", err)
	}
	rt.ready.Store(true)
	srv := httptest.NewServer(rt.routes())
	t.Cleanup(func() {
		cancel()
		rt.teardown()
		srv.Close()
		rt.wg.Wait()
	})
	return &harness{rt: rt, srv: srv, ctx: ctx}
}

func (h *harness) device(t *testing.T, cfg simulator.Config) *simulator.Device {
	t.Helper()
	client, err := bus.Connect(h.ctx, config.BusConfig{
		Servers:         []string{h.rt.nats.ClientURL()},
		ConnectAttempts: 1,
		ConnectTimeout:  1000,
	}, testLogger())
	if err != nil {
		t.Fatalf("device bus: %v", err)
	}
	cfg.StreamURL = "ws" + strings.TrimPrefix(h.srv.URL, "http") + h.rt.cfg.Stream.Path
	dev, err := simulator.Dial(h.ctx, cfg, client, testLogger())
	if err != nil {
		client.Close()
		t.Fatalf("dial device: %v", err)
	}
	go func() { _ = dev.Run(h.ctx) }()
	t.Cleanup(func() {
		dev.Close()
		client.Close()
	})
	waitFor(t, func() bool { return h.rt.sessions.Present(cfg.DeviceID) })
	return dev
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (h *harness) post(t *testing.T, body string) (int, greeting.Accepted) {
	t.Helper()
	resp, err := http.Post(h.srv.URL+"/v1/greetings", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var acc greeting.Accepted
	if err := json.NewDecoder(resp.Body).Decode(&acc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, acc
}

func (h *harness) getTrack(t *testing.T, id string) (int, track.Track) {
	t.Helper()
	resp, err := http.Get(h.srv.URL + "/v1/tracks/" + id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var tr track.Track
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode, tr
}

func (h *harness) awaitState(t *testing.T, id string, want track.State) track.Track {
	t.Helper()
	var last track.Track
	waitFor(t, func() bool {
		_, last = h.getTrack(t, id)
		return last.State.Terminal()
	})
	if last.State != want {
		t.Fatalf("expected %s, got %s (%s)", want, last.State, last.Reason)
	}
	return last
}

func TestGreetingEndToEnd(t *testing.T) {
	h := start(t, testConfig(t))
	dev := h.device(t, simulator.Config{DeviceID: "kitchen"})

	status, acc := h.post(t, `{"device_id":"kitchen","text":"Good morning D1"}`)
	if status != http.StatusAccepted || !acc.Success || acc.TrackID == "" {
		t.Fatalf("unexpected response %d %+v", status, acc)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	played, err := dev.WaitPlayed(ctx, 1)
	if err != nil {
		t.Fatalf("wait played: %v", err)
	}
	if played[0].TrackID != acc.TrackID || played[0].Frames != 10 || played[0].Text != "Good morning D1" {
		t.Fatalf("unexpected playback %+v", played[0])
	}

	tr := h.awaitState(t, acc.TrackID, track.Completed)
	if len(tr.History) != 5 {
		t.Fatalf("expected five transitions, got %+v", tr.History)
	}

	resp, err := http.Get(h.srv.URL + "/v1/devices")
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	var devices struct {
		Devices []string `json:"devices"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&devices)
	resp.Body.Close()
	if len(devices.Devices) != 1 || devices.Devices[0] != "kitchen" {
		t.Fatalf("unexpected devices %v", devices.Devices)
	}

	resp, err = http.Get(h.srv.URL + "/v1/devices/kitchen/tracks")
	if err != nil {
		t.Fatalf("device tracks: %v", err)
	}
	var history struct {
		Tracks []track.Track `json:"tracks"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&history)
	resp.Body.Close()
	if len(history.Tracks) != 1 || history.Tracks[0].State != track.Completed {
		t.Fatalf("event store should hold the completed track, got %+v", history.Tracks)
	}
}

func TestGreetingAckTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Delivery.AckTimeoutMS = 200
	h := start(t, cfg)
	dev := h.device(t, simulator.Config{DeviceID: "hall", MuteAcks: true})

	_, acc := h.post(t, `{"device_id":"hall","text":"hello"}`)
	if !acc.Success {
		t.Fatalf("expected acceptance, got %+v", acc)
	}
	h.awaitState(t, acc.TrackID, track.TimedOut)
	if n := len(dev.Played()); n != 0 {
		t.Fatalf("nothing should stream without an ack, got %d playbacks", n)
	}
}

func TestGreetingWithoutSocketFails(t *testing.T) {
	h := start(t, testConfig(t))
	// A device that answers on the bus but never opened its socket.
	sub, err := h.rt.bus.Conn().Subscribe(protocol.NewSubjects("").Command("attic"), func(m *nats.Msg) {
		cmd, err := protocol.ParseSpeak(m.Data)
		if err != nil {
			return
		}
		data, _ := protocol.EncodeAck(cmd.TrackID, time.Now())
		_ = h.rt.bus.Conn().Publish(protocol.NewSubjects("").Ack("attic"), data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	_, acc := h.post(t, `{"device_id":"attic","text":"hello"}`)
	if !acc.Success {
		t.Fatalf("expected acceptance, got %+v", acc)
	}
	tr := h.awaitState(t, acc.TrackID, track.Failed)
	if !strings.Contains(tr.Reason, "session") {
		t.Fatalf("unexpected reason %q", tr.Reason)
	}
}

func TestGreetingRejectsBadRequests(t *testing.T) {
	h := start(t, testConfig(t))

	for _, body := range []string{`not json`, `{"device_id":"a.b","text":"hi"}`, `{"device_id":"D1","text":""}`} {
		status, acc := h.post(t, body)
		if status != http.StatusBadRequest || acc.Success || acc.Error == "" {
			t.Fatalf("expected 400 for %s, got %d %+v", body, status, acc)
		}
	}
	if status, _ := h.getTrack(t, "missing"); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestHealthAndReady(t *testing.T) {
	h := start(t, testConfig(t))
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.srv.URL + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d", path, resp.StatusCode)
		}
	}
	h.rt.ready.Store(false)
	resp, err := http.Get(h.srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when not ready, got %d", resp.StatusCode)
	}
}

func TestNewFramerRejectsUnknownEncoding(t *testing.T) {
	if _, err := newFramer(config.CodecConfig{Encoding: "mp3", FrameDurationMS: 20}); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
	f, err := newFramer(config.CodecConfig{Encoding: "pcm", FrameDurationMS: 20})
	if err != nil || f.FrameDuration != 20*time.Millisecond {
		t.Fatalf("unexpected framer %+v, %v", f, err)
	}
}
