package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-greeter/internal/codec"
	"github.com/loqalabs/loqa-greeter/internal/protocol"
	"github.com/loqalabs/loqa-greeter/internal/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrSessionLost means the data-plane session ended mid delivery.
var ErrSessionLost = errors.New("data-plane session lost")

// Report describes one delivery attempt.
type Report struct {
	TrackID string
	Sent    int
	Total   int
	Elapsed time.Duration
	MaxLag  time.Duration
}

// Pipeline streams frame sequences to a session at real-time pace.
type Pipeline struct {
	log    *slog.Logger
	frames metric.Int64Counter
	lag    metric.Float64Histogram
}

func NewPipeline(log *slog.Logger) *Pipeline {
	p := &Pipeline{log: log.With(slog.String("component", "delivery"))}
	meter := otel.Meter("github.com/loqalabs/loqa-greeter/delivery")
	var err error
	if p.frames, err = meter.Int64Counter("greeter.delivery.frames", metric.WithDescription("Audio frames written to devices")); err != nil {
		p.log.Warn("failed to create metric", slogError(err))
	}
	if p.lag, err = meter.Float64Histogram("greeter.delivery.lag_ms",
		metric.WithDescription("How late each frame left relative to its schedule"),
		metric.WithUnit("ms")); err != nil {
		p.log.Warn("failed to create metric", slogError(err))
	}
	return p
}

// Deliver writes seq to session. Frame i leaves at start+i*FrameDuration
// measured from a single start instant, so scheduling error never
// accumulates; frames that are late go out immediately. After the last
// frame Deliver waits until start+N*FrameDuration, the moment playback
// ends on the device. If the session ends, Deliver stops at once and
// returns ErrSessionLost with Report.Sent frames delivered.
func (p *Pipeline) Deliver(ctx context.Context, session *registry.Session, trackID string, seq codec.Sequence) (Report, error) {
	report := Report{TrackID: trackID, Total: seq.Len()}
	log := p.log.With(slog.String("track_id", trackID), slog.String("device_id", session.DeviceID))

	startMsg := protocol.StreamControl{
		Type:            protocol.StreamTypeTTS,
		State:           protocol.StreamStateStart,
		TrackID:         trackID,
		SampleRate:      seq.SampleRate,
		Channels:        seq.Channels,
		FrameDurationMS: int(seq.FrameDuration.Milliseconds()),
		Encoding:        seq.Encoding,
		Frames:          seq.Len(),
	}
	if err := session.Writer.WriteControl(ctx, startMsg); err != nil {
		return report, p.lost(report, err)
	}

	start := time.Now()
	for i, frame := range seq.Frames {
		due := start.Add(time.Duration(i) * seq.FrameDuration)
		if err := waitUntil(ctx, session, due); err != nil {
			report.Elapsed = time.Since(start)
			return report, p.lost(report, err)
		}
		if lag := time.Since(due); lag > report.MaxLag {
			report.MaxLag = lag
		}
		if err := session.Writer.WriteFrame(ctx, frame); err != nil {
			report.Elapsed = time.Since(start)
			return report, p.lost(report, err)
		}
		session.Touch()
		report.Sent++
		p.observe(ctx, time.Since(due))
	}

	if err := waitUntil(ctx, session, start.Add(time.Duration(seq.Len())*seq.FrameDuration)); err != nil {
		report.Elapsed = time.Since(start)
		return report, p.lost(report, err)
	}
	report.Elapsed = time.Since(start)

	stopMsg := protocol.StreamControl{Type: protocol.StreamTypeTTS, State: protocol.StreamStateStop, TrackID: trackID}
	if err := session.Writer.WriteControl(ctx, stopMsg); err != nil {
		log.Warn("failed to send stream stop", slogError(err))
	}

	log.Info("delivery finished",
		slog.Int("frames", report.Sent),
		slog.Duration("elapsed", report.Elapsed),
		slog.Duration("max_lag", report.MaxLag))
	return report, nil
}

// waitUntil sleeps until due unless the session ends or ctx is done first.
func waitUntil(ctx context.Context, session *registry.Session, due time.Time) error {
	d := time.Until(due)
	if d <= 0 {
		select {
		case <-session.Done():
			return sessionErr(session)
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-session.Done():
		return sessionErr(session)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sessionErr(session *registry.Session) error {
	if err := session.Err(); err != nil {
		return err
	}
	return registry.ErrClosed
}

func (p *Pipeline) lost(report Report, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("delivery interrupted after %d/%d frames: %w", report.Sent, report.Total, cause)
	}
	p.log.Warn("delivery aborted",
		slog.String("track_id", report.TrackID),
		slog.Int("sent", report.Sent),
		slog.Int("total", report.Total),
		slogError(cause))
	return fmt.Errorf("%w after %d/%d frames: %v", ErrSessionLost, report.Sent, report.Total, cause)
}

func (p *Pipeline) observe(ctx context.Context, lag time.Duration) {
	if p.frames != nil {
		p.frames.Add(ctx, 1)
	}
	if p.lag != nil {
		p.lag.Record(ctx, float64(lag)/float64(time.Millisecond))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
