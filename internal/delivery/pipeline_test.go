package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-greeter/internal/codec"
	"github.com/loqalabs/loqa-greeter/internal/protocol"
	"github.com/loqalabs/loqa-greeter/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingWriter struct {
	mu       sync.Mutex
	frames   []time.Time
	controls []protocol.StreamControl
	onFrame  func(n int) error
}

func (w *recordingWriter) WriteFrame(_ context.Context, _ []byte) error {
	w.mu.Lock()
	w.frames = append(w.frames, time.Now())
	n := len(w.frames)
	hook := w.onFrame
	w.mu.Unlock()
	if hook != nil {
		return hook(n)
	}
	return nil
}

func (w *recordingWriter) WriteControl(_ context.Context, v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if msg, ok := v.(protocol.StreamControl); ok {
		w.controls = append(w.controls, msg)
	}
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func sequence(n int, d time.Duration) codec.Sequence {
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = []byte{byte(i)}
	}
	return codec.Sequence{Frames: frames, FrameDuration: d, Duration: time.Duration(n) * d, SampleRate: 24000, Channels: 1, Encoding: "pcm_s16le"}
}

func TestDeliverPacing(t *testing.T) {
	reg := registry.New(0, testLogger())
	w := &recordingWriter{}
	session := reg.Register("D1", w)
	p := NewPipeline(testLogger())

	start := time.Now()
	report, err := p.Deliver(context.Background(), session, "t-1", sequence(10, 60*time.Millisecond))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if report.Sent != 10 || report.Total != 10 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Elapsed < 600*time.Millisecond {
		t.Fatalf("delivery finished faster than playback: %v", report.Elapsed)
	}
	if report.Elapsed > 600*time.Millisecond+150*time.Millisecond {
		t.Fatalf("delivery drifted too far: %v", report.Elapsed)
	}
	for i, at := range w.frames {
		earliest := start.Add(time.Duration(i) * 60 * time.Millisecond)
		if at.Before(earliest.Add(-5 * time.Millisecond)) {
			t.Fatalf("frame %d sent ahead of schedule", i)
		}
	}
	if len(w.controls) != 2 || w.controls[0].State != "start" || w.controls[1].State != "stop" {
		t.Fatalf("expected start and stop messages, got %+v", w.controls)
	}
	if w.controls[0].FrameDurationMS != 60 || w.controls[0].Frames != 10 {
		t.Fatalf("start message should describe the stream, got %+v", w.controls[0])
	}
}

func TestDeliverCatchesUpWhenBehind(t *testing.T) {
	reg := registry.New(0, testLogger())
	w := &recordingWriter{onFrame: func(n int) error {
		if n == 1 {
			time.Sleep(100 * time.Millisecond)
		}
		return nil
	}}
	session := reg.Register("D1", w)
	report, err := NewPipeline(testLogger()).Deliver(context.Background(), session, "t", sequence(5, 20*time.Millisecond))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	// Late frames are sent back to back instead of pushing the schedule out.
	if report.Elapsed > 200*time.Millisecond {
		t.Fatalf("late frames should not accumulate delay, took %v", report.Elapsed)
	}
	if report.MaxLag < 50*time.Millisecond {
		t.Fatalf("expected recorded lag, got %v", report.MaxLag)
	}
}

func TestDeliverAbortsWhenSessionLost(t *testing.T) {
	reg := registry.New(0, testLogger())
	w := &recordingWriter{}
	w.onFrame = func(n int) error {
		if n == 3 {
			reg.Deregister("D1")
		}
		return nil
	}
	session := reg.Register("D1", w)

	start := time.Now()
	report, err := NewPipeline(testLogger()).Deliver(context.Background(), session, "t", sequence(10, 60*time.Millisecond))
	if !errors.Is(err, ErrSessionLost) {
		t.Fatalf("expected ErrSessionLost, got %v", err)
	}
	if report.Sent != 3 {
		t.Fatalf("expected 3 frames sent, got %d", report.Sent)
	}
	if time.Since(start) > 300*time.Millisecond {
		t.Fatal("pipeline should stop promptly once the session is gone")
	}
}

func TestDeliverAbortsOnSupersession(t *testing.T) {
	reg := registry.New(0, testLogger())
	session := reg.Register("D1", &recordingWriter{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		reg.Register("D1", &recordingWriter{})
	}()
	_, err := NewPipeline(testLogger()).Deliver(context.Background(), session, "t", sequence(10, 40*time.Millisecond))
	if !errors.Is(err, ErrSessionLost) {
		t.Fatalf("expected ErrSessionLost, got %v", err)
	}
}

func TestDeliverWriteFailure(t *testing.T) {
	reg := registry.New(0, testLogger())
	w := &recordingWriter{onFrame: func(n int) error {
		if n == 2 {
			return errors.New("broken pipe")
		}
		return nil
	}}
	session := reg.Register("D1", w)
	report, err := NewPipeline(testLogger()).Deliver(context.Background(), session, "t", sequence(4, 10*time.Millisecond))
	if !errors.Is(err, ErrSessionLost) {
		t.Fatalf("expected ErrSessionLost, got %v", err)
	}
	if report.Sent != 1 {
		t.Fatalf("expected 1 frame counted, got %d", report.Sent)
	}
}

func TestDeliverContextCancel(t *testing.T) {
	reg := registry.New(0, testLogger())
	session := reg.Register("D1", &recordingWriter{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := NewPipeline(testLogger()).Deliver(ctx, session, "t", sequence(10, 60*time.Millisecond))
	if !errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrSessionLost) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
