package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-greeter/internal/config"
	"github.com/loqalabs/loqa-greeter/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T) *natsserver.EmbeddedServer {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, testLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func busConfig(url string) config.BusConfig {
	return config.BusConfig{
		Servers:          []string{url},
		ConnectTimeout:   500,
		ConnectAttempts:  2,
		InitialBackoffMS: 10,
		MaxBackoffMS:     50,
	}
}

func TestPublishRoundTrip(t *testing.T) {
	srv := startServer(t)
	client, err := Connect(context.Background(), busConfig(srv.ClientURL()), testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	ch := make(chan *nats.Msg, 1)
	if _, err := client.ChanSubscribe("device.D1.cmd", ch); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Publish(context.Background(), "device.D1.cmd", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg.Data) != "hello" {
			t.Fatalf("unexpected payload %q", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPublishDurable(t *testing.T) {
	srv := startServer(t)
	client, err := Connect(context.Background(), busConfig(srv.ClientURL()), testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if err := client.EnsureStream("DEVICE_COMMANDS", []string{"device.*.cmd"}, time.Hour); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
	// Second call finds the existing stream.
	if err := client.EnsureStream("DEVICE_COMMANDS", []string{"device.*.cmd"}, time.Hour); err != nil {
		t.Fatalf("ensure stream again: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.PublishDurable(ctx, "device.D1.cmd", []byte("speak")); err != nil {
		t.Fatalf("durable publish: %v", err)
	}
	info, err := client.JetStream().StreamInfo("DEVICE_COMMANDS")
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	if info.State.Msgs != 1 {
		t.Fatalf("expected 1 stored command, got %d", info.State.Msgs)
	}
}

func TestConnectExhausted(t *testing.T) {
	cfg := busConfig("nats://127.0.0.1:1")
	start := time.Now()
	_, err := Connect(context.Background(), cfg, testLogger())
	if !errors.Is(err, ErrConnectExhausted) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("connect retries took too long")
	}
}

func TestConnectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := busConfig("nats://127.0.0.1:1")
	cfg.ConnectAttempts = 50
	_, err := Connect(ctx, cfg, testLogger())
	if err == nil || errors.Is(err, ErrConnectExhausted) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestPublishFailsFastWhileDisconnected(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, testLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	client, err := Connect(context.Background(), busConfig(srv.ClientURL()), testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	srv.Shutdown()
	deadline := time.Now().Add(3 * time.Second)
	for client.Healthy() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if client.Healthy() {
		t.Fatal("client should notice the broker went away")
	}

	start := time.Now()
	err = client.Publish(context.Background(), "device.D1.cmd", []byte("x"))
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("publish should not block while disconnected")
	}
}

func TestReconnectDelayBounded(t *testing.T) {
	r := newReconnectBackoff(100*time.Millisecond, time.Second)
	if d := r.Next(); d < 90*time.Millisecond || d > 110*time.Millisecond {
		t.Fatalf("first delay should stay near initial, got %v", d)
	}
	var last time.Duration
	for attempt := 2; attempt < 40; attempt++ {
		last = r.Next()
		if last <= 0 || last > 1100*time.Millisecond {
			t.Fatalf("attempt %d delay %v out of bounds", attempt, last)
		}
	}
	if last < 900*time.Millisecond {
		t.Fatalf("delay should have reached the cap, got %v", last)
	}

	r.Reset()
	if d := r.Next(); d > 110*time.Millisecond {
		t.Fatalf("reset should restart near initial, got %v", d)
	}
}
