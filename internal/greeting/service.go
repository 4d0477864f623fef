package greeting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-greeter/internal/codec"
	"github.com/loqalabs/loqa-greeter/internal/delivery"
	"github.com/loqalabs/loqa-greeter/internal/llm"
	"github.com/loqalabs/loqa-greeter/internal/protocol"
	"github.com/loqalabs/loqa-greeter/internal/registry"
	"github.com/loqalabs/loqa-greeter/internal/track"
	"github.com/loqalabs/loqa-greeter/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrSynthesis means no audio could be produced; no track was created.
	ErrSynthesis = errors.New("speech synthesis failed")
	ErrEmptyText = errors.New("greeting text is empty")
	ErrClosed    = errors.New("greeting service closed")
	// ErrPublish means the track was created but the command never left.
	ErrPublish = errors.New("command publish failed")
)

// Commander publishes SPEAK commands on the control plane.
type Commander interface {
	PublishCommand(ctx context.Context, deviceID, trackID, text string) error
}

// Deliverer streams a frame sequence to a session.
type Deliverer interface {
	Deliver(ctx context.Context, session *registry.Session, trackID string, seq codec.Sequence) (delivery.Report, error)
}

// Accepted is the synchronous answer to a greeting request.
type Accepted struct {
	Success bool   `json:"success"`
	TrackID string `json:"track_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Outcome is the final result of one delivery.
type Outcome struct {
	TrackID string        `json:"track_id"`
	State   track.State   `json:"state"`
	Reason  string        `json:"reason,omitempty"`
	Frames  int           `json:"frames"`
	Sent    int           `json:"sent"`
	Elapsed time.Duration `json:"elapsed"`
}

type Options struct {
	Voice        string
	SynthTimeout time.Duration
}

type Deps struct {
	Composer *llm.Composer
	Synth    tts.Synthesizer
	Framer   codec.Framer
	Commands Commander
	Tracks   *track.Table
	Sessions *registry.Registry
	Pipeline Deliverer
}

// Service coordinates one greeting end to end: compose, synthesize, command,
// ack, stream, completion.
type Service struct {
	opts Options
	deps Deps
	log  *slog.Logger

	tracer   trace.Tracer
	outcomes metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu orders wg.Add in Submit against the Wait in Close.
	mu     sync.Mutex
	closed bool
}

func NewService(parent context.Context, opts Options, deps Deps, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		opts:   opts,
		deps:   deps,
		log:    log.With(slog.String("component", "greeting")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-greeter/greeting"),
		ctx:    ctx,
		cancel: cancel,
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-greeter/greeting").Int64Counter("greeter.greetings",
		metric.WithDescription("Greeting deliveries by final state"))
	if err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	s.outcomes = counter
	return s
}

type prepared struct {
	id   string
	text string
	seq  codec.Sequence
}

// RequestGreeting accepts a greeting synchronously and finishes it in the
// background. The answer carries the track id once the command is published.
func (s *Service) RequestGreeting(ctx context.Context, deviceID, text string) Accepted {
	tr, err := s.Submit(ctx, deviceID, text)
	if err != nil {
		return Accepted{Success: false, TrackID: tr.ID, Error: err.Error()}
	}
	return Accepted{Success: true, TrackID: tr.ID}
}

// Submit is RequestGreeting with a typed error. The returned track carries
// an id whenever one was created, even if the command could not be sent.
func (s *Service) Submit(ctx context.Context, deviceID, text string) (track.Track, error) {
	if s.isClosed() {
		return track.Track{}, ErrClosed
	}
	p, err := s.prepare(ctx, deviceID, text)
	if err != nil {
		return track.Track{}, err
	}
	tr, err := s.start(ctx, deviceID, p)
	if err != nil {
		return tr, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = s.deps.Tracks.Fail(tr.ID, ErrClosed.Error())
		s.count(track.Failed)
		return tr, ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		s.finish(s.ctx, tr, p.seq)
	}()
	return tr, nil
}

// Deliver runs a greeting to its terminal state. A returned error means the
// request never produced a track; failures after that are in the Outcome.
func (s *Service) Deliver(ctx context.Context, deviceID, text string) (Outcome, error) {
	p, err := s.prepare(ctx, deviceID, text)
	if err != nil {
		return Outcome{}, err
	}
	tr, err := s.start(ctx, deviceID, p)
	if err != nil {
		if tr.ID == "" {
			return Outcome{}, err
		}
		return s.outcome(tr.ID, p.seq.Len(), 0, 0), nil
	}
	return s.finish(ctx, tr, p.seq), nil
}

func (s *Service) prepare(ctx context.Context, deviceID, text string) (prepared, error) {
	if err := protocol.ValidateDeviceID(deviceID); err != nil {
		return prepared{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return prepared{}, ErrEmptyText
	}

	// The id exists before the track so composition and synthesis can be
	// correlated with it; the track itself is only created once audio exists.
	id := track.NewID(time.Now())
	spoken, _ := s.deps.Composer.Compose(ctx, id, text)

	synthCtx := ctx
	if s.opts.SynthTimeout > 0 {
		var cancel context.CancelFunc
		synthCtx, cancel = context.WithTimeout(ctx, s.opts.SynthTimeout)
		defer cancel()
	}
	audio, err := tts.Collect(synthCtx, s.deps.Synth, tts.SynthRequest{TrackID: id, Text: spoken, Voice: s.opts.Voice})
	if err != nil {
		s.log.Warn("synthesis failed", slog.String("device_id", deviceID), slog.String("track_id", id), slogError(err))
		return prepared{}, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	seq, err := s.deps.Framer.Frames(audio.Data, audio.Format)
	if err != nil {
		s.log.Warn("audio framing failed", slog.String("device_id", deviceID), slog.String("track_id", id), slogError(err))
		return prepared{}, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	return prepared{id: id, text: spoken, seq: seq}, nil
}

func (s *Service) start(ctx context.Context, deviceID string, p prepared) (track.Track, error) {
	tr, err := s.deps.Tracks.CreateWithID(p.id, deviceID, p.text)
	if err != nil {
		return track.Track{}, err
	}
	if err := s.deps.Commands.PublishCommand(ctx, deviceID, tr.ID, p.text); err != nil {
		_ = s.deps.Tracks.Fail(tr.ID, "publish failed: "+err.Error())
		s.count(track.Failed)
		return tr, fmt.Errorf("%w: %w", ErrPublish, err)
	}
	if err := s.deps.Tracks.CommandSent(tr.ID); err != nil {
		return tr, err
	}
	return tr, nil
}

func (s *Service) finish(ctx context.Context, tr track.Track, seq codec.Sequence) Outcome {
	ctx, span := s.tracer.Start(ctx, "greeting.deliver", trace.WithAttributes(
		attribute.String("track_id", tr.ID),
		attribute.String("device_id", tr.DeviceID),
		attribute.Int("frames", seq.Len()),
	))
	defer span.End()

	out := s.run(ctx, tr, seq)
	span.SetAttributes(attribute.String("state", string(out.State)))
	if out.State != track.Completed {
		span.SetStatus(codes.Error, out.Reason)
	}
	s.count(out.State)
	s.log.Info("greeting finished",
		slog.String("track_id", out.TrackID),
		slog.String("device_id", tr.DeviceID),
		slog.String("state", string(out.State)),
		slog.String("reason", out.Reason),
		slog.Int("sent", out.Sent),
		slog.Int("frames", out.Frames),
		slog.Duration("elapsed", out.Elapsed))
	return out
}

func (s *Service) run(ctx context.Context, tr track.Track, seq codec.Sequence) Outcome {
	id := tr.ID
	current, err := s.deps.Tracks.Await(ctx, id, func(st track.State) bool {
		return st != track.Created && st != track.CommandSent
	})
	if err != nil {
		return s.abandon(id, seq.Len(), 0, 0, err)
	}
	if current.State != track.AckReceived {
		return s.outcome(id, seq.Len(), 0, 0)
	}

	session, ok := s.deps.Sessions.Lookup(tr.DeviceID)
	if !ok {
		_ = s.deps.Tracks.Fail(id, track.ErrNoSession.Error())
		return s.outcome(id, seq.Len(), 0, 0)
	}
	if err := session.Claim(id); err != nil {
		_ = s.deps.Tracks.Fail(id, err.Error())
		return s.outcome(id, seq.Len(), 0, 0)
	}
	defer session.Release(id)

	if err := s.deps.Tracks.BeginStreaming(id); err != nil {
		return s.outcome(id, seq.Len(), 0, 0)
	}

	report, err := s.deps.Pipeline.Deliver(ctx, session, id, seq)
	if err != nil {
		if errors.Is(err, delivery.ErrSessionLost) {
			_ = s.deps.Tracks.Fail(id, fmt.Sprintf("session lost after %d/%d frames", report.Sent, report.Total))
			return s.outcome(id, seq.Len(), report.Sent, report.Elapsed)
		}
		return s.abandon(id, seq.Len(), report.Sent, report.Elapsed, err)
	}

	if err := s.deps.Tracks.TransmissionFinished(id); err != nil {
		s.log.Warn("transmission finished out of order", slog.String("track_id", id), slogError(err))
	}
	if _, err := s.deps.Tracks.AwaitTerminal(ctx, id); err != nil {
		return s.abandon(id, seq.Len(), report.Sent, report.Elapsed, err)
	}
	return s.outcome(id, seq.Len(), report.Sent, report.Elapsed)
}

// abandon fails the track when the caller gave up waiting.
func (s *Service) abandon(id string, frames, sent int, elapsed time.Duration, cause error) Outcome {
	_ = s.deps.Tracks.Fail(id, "delivery cancelled: "+cause.Error())
	return s.outcome(id, frames, sent, elapsed)
}

func (s *Service) outcome(id string, frames, sent int, elapsed time.Duration) Outcome {
	tr, _ := s.deps.Tracks.Get(id)
	return Outcome{
		TrackID: id,
		State:   tr.State,
		Reason:  tr.Reason,
		Frames:  frames,
		Sent:    sent,
		Elapsed: elapsed,
	}
}

func (s *Service) count(state track.State) {
	if s.outcomes != nil {
		s.outcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", string(state))))
	}
}

// Close cancels background deliveries and waits for them to record their
// final state.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.ctx.Err() != nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
