package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-greeter/internal/config"
	"github.com/loqalabs/loqa-greeter/internal/protocol"
	"github.com/loqalabs/loqa-greeter/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func streamConfig() config.StreamConfig {
	return config.StreamConfig{
		Path:            "/ws",
		WriteTimeoutMS:  1000,
		PongTimeoutMS:   5000,
		MaxMessageBytes: 4096,
		SendBuffer:      8,
	}
}

func setup(t *testing.T) (*registry.Registry, string) {
	t.Helper()
	reg := registry.New(time.Minute, testLogger())
	srv := httptest.NewServer(NewHandler(streamConfig(), reg, testLogger()))
	t.Cleanup(srv.Close)
	return reg, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base, deviceID string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(base+"/ws?device_id="+deviceID, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRejectsMissingDeviceID(t *testing.T) {
	_, base := setup(t)
	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws", nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", resp)
	}
}

func TestSessionWritesReachDevice(t *testing.T) {
	reg, base := setup(t)
	ws := dial(t, base, "D1")
	waitFor(t, func() bool { return reg.Present("D1") })

	session, _ := reg.Lookup("D1")
	ctx := context.Background()
	start := protocol.StreamControl{Type: protocol.StreamTypeTTS, State: protocol.StreamStateStart, TrackID: "t-1", SampleRate: 24000}
	if err := session.Writer.WriteControl(ctx, start); err != nil {
		t.Fatalf("write control: %v", err)
	}
	if err := session.Writer.WriteFrame(ctx, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := ws.ReadMessage()
	if err != nil || kind != websocket.TextMessage {
		t.Fatalf("expected text message, got %d %v", kind, err)
	}
	var got protocol.StreamControl
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != "start" || got.TrackID != "t-1" || got.SampleRate != 24000 {
		t.Fatalf("unexpected control %+v", got)
	}
	kind, data, err = ws.ReadMessage()
	if err != nil || kind != websocket.BinaryMessage || len(data) != 3 {
		t.Fatalf("expected 3 byte binary frame, got %d %v %v", kind, data, err)
	}
}

func TestDisconnectDeregisters(t *testing.T) {
	reg, base := setup(t)
	ws := dial(t, base, "D1")
	waitFor(t, func() bool { return reg.Present("D1") })
	session, _ := reg.Lookup("D1")

	ws.Close()
	waitFor(t, func() bool { return !reg.Present("D1") })
	select {
	case <-session.Done():
	case <-time.After(time.Second):
		t.Fatal("session should be done after disconnect")
	}
	if err := session.Writer.WriteFrame(context.Background(), []byte{1}); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestReconnectSupersedes(t *testing.T) {
	reg, base := setup(t)
	first := dial(t, base, "D1")
	waitFor(t, func() bool { return reg.Present("D1") })
	old, _ := reg.Lookup("D1")

	dial(t, base, "D1")
	waitFor(t, func() bool {
		s, ok := reg.Lookup("D1")
		return ok && s != old
	})
	if !errors.Is(old.Err(), registry.ErrSuperseded) {
		t.Fatalf("expected superseded, got %v", old.Err())
	}

	// The first socket is closed by the server.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("superseded socket should be closed")
	}
	// Its teardown must not remove the new session.
	time.Sleep(50 * time.Millisecond)
	if !reg.Present("D1") {
		t.Fatal("new session evicted by old socket teardown")
	}
}
