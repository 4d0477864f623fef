package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-greeter/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Presence answers whether a device has a live data-plane session.
type Presence interface {
	Present(deviceID string) bool
}

// Recorder receives every transition, in order per track.
type Recorder interface {
	RecordTransition(snapshot Track, tr Transition) error
}

type Options struct {
	AckTimeout         time.Duration
	CompletionTimeout  time.Duration
	ImplicitCompletion bool
	Retention          time.Duration
	PruneInterval      time.Duration
	Presence           Presence
	Recorder           Recorder
}

type entry struct {
	mu      sync.Mutex
	track   Track
	timer   *time.Timer
	changed chan struct{}
}

// Table owns every track and is the only place their state changes. Each
// track has its own lock; the table itself is a sync.Map.
type Table struct {
	opts   Options
	tracks sync.Map
	size   atomic.Int64
	log    *slog.Logger
	now    func() time.Time
	newID  func(time.Time) string

	transitionCounter metric.Int64Counter
}

func NewTable(opts Options, log *slog.Logger) *Table {
	t := &Table{
		opts:  opts,
		log:   log.With(slog.String("component", "track")),
		now:   time.Now,
		newID: NewID,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-greeter/track")
	counter, err := meter.Int64Counter("greeter.tracks.transitions", metric.WithDescription("Track state transitions"))
	if err != nil {
		t.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	t.transitionCounter = counter
	return t
}

// Create registers a new track in CREATED.
func (t *Table) Create(deviceID, text string) (Track, error) {
	now := t.now()
	for attempt := 0; attempt < 3; attempt++ {
		tr, err := t.insert(t.newID(now), deviceID, text, now)
		if errors.Is(err, ErrDuplicateID) {
			t.log.Warn("track id collision, regenerating", slog.String("track_id", tr.ID))
			continue
		}
		return tr, err
	}
	return Track{}, fmt.Errorf("could not allocate a unique track id")
}

// CreateWithID registers a track under an id the caller allocated earlier,
// typically with NewID. It fails with ErrDuplicateID if the id is taken.
func (t *Table) CreateWithID(id, deviceID, text string) (Track, error) {
	if id == "" {
		return Track{}, errors.New("track id required")
	}
	return t.insert(id, deviceID, text, t.now())
}

func (t *Table) insert(id, deviceID, text string, now time.Time) (Track, error) {
	e := &entry{changed: make(chan struct{})}
	e.track = Track{
		ID:        id,
		DeviceID:  deviceID,
		Text:      text,
		State:     Created,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, loaded := t.tracks.LoadOrStore(id, e); loaded {
		return Track{ID: id}, ErrDuplicateID
	}
	t.size.Add(1)
	t.apply(e, Created, "created", false)
	return e.track.clone(), nil
}

func (t *Table) load(id string) (*entry, bool) {
	v, ok := t.tracks.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// apply records a transition on e. The caller holds e.mu and has checked
// the edge is legal.
func (t *Table) apply(e *entry, to State, reason string, synthesized bool) {
	now := t.now()
	tr := Transition{From: e.track.State, To: to, At: now, Reason: reason, Synthesized: synthesized}
	if to == Created {
		tr.From = ""
	}
	e.track.History = append(e.track.History, tr)
	e.track.State = to
	e.track.UpdatedAt = now
	if to.Terminal() {
		e.track.Reason = reason
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	close(e.changed)
	e.changed = make(chan struct{})

	if t.transitionCounter != nil {
		t.transitionCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("to", string(to))))
	}
	log := t.log.Info
	if to == Failed || to == TimedOut {
		log = t.log.Warn
	}
	log("track transition",
		slog.String("track_id", e.track.ID),
		slog.String("device_id", e.track.DeviceID),
		slog.String("from", string(tr.From)),
		slog.String("to", string(to)),
		slog.String("reason", reason),
		slog.Bool("synthesized", synthesized))

	if t.opts.Recorder != nil {
		if err := t.opts.Recorder.RecordTransition(e.track.clone(), tr); err != nil {
			t.log.Warn("failed to record transition", slog.String("track_id", e.track.ID), slog.String("error", err.Error()))
		}
	}
}

func (t *Table) move(e *entry, to State, reason string) error {
	if !CanTransition(e.track.State, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, e.track.State, to)
	}
	t.apply(e, to, reason, false)
	return nil
}

func (t *Table) setTimer(e *entry, d time.Duration, fire func(*entry)) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(d, func() { fire(e) })
}

func (t *Table) stopTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// CommandSent marks the command as published and arms the ack timer. It is
// a no-op when an early ack already moved the track forward.
func (t *Table) CommandSent(id string) error {
	e, ok := t.load(id)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.track.State != Created {
		return nil
	}
	t.apply(e, CommandSent, "command published", false)
	if t.opts.AckTimeout > 0 {
		t.setTimer(e, t.opts.AckTimeout, t.expireAck)
	}
	return nil
}

func (t *Table) expireAck(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.track.State != CommandSent {
		return
	}
	e.timer = nil
	t.apply(e, TimedOut, fmt.Sprintf("no ack within %s", t.opts.AckTimeout), false)
}

// Fail moves a non-terminal track to FAILED.
func (t *Table) Fail(id, reason string) error {
	e, ok := t.load(id)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.move(e, Failed, reason)
}

// BeginStreaming moves ACK_RECEIVED to STREAMING, but only while the device
// has a data-plane session. Without one the track fails.
func (t *Table) BeginStreaming(id string) error {
	e, ok := t.load(id)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.track.State != AckReceived {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, e.track.State, Streaming)
	}
	if t.opts.Presence == nil || !t.opts.Presence.Present(e.track.DeviceID) {
		t.apply(e, Failed, ErrNoSession.Error(), false)
		return ErrNoSession
	}
	t.apply(e, Streaming, "session present", false)
	return nil
}

// TransmissionFinished opens the completion window after the last frame.
// A track that already reached a terminal state is left alone.
func (t *Table) TransmissionFinished(id string) error {
	e, ok := t.load(id)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.track.State.Terminal():
		return nil
	case e.track.State != Streaming:
		return fmt.Errorf("%w: transmission finished in %s", ErrInvalidTransition, e.track.State)
	}
	t.setTimer(e, t.opts.CompletionTimeout, t.expireCompletion)
	return nil
}

func (t *Table) expireCompletion(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.track.State != Streaming {
		return
	}
	e.timer = nil
	if t.opts.ImplicitCompletion {
		t.apply(e, Completed, "implicit", false)
		return
	}
	t.apply(e, TimedOut, fmt.Sprintf("no completion event within %s", t.opts.CompletionTimeout), false)
}

// HandleEvent applies an inbound device event. Unknown tracks, duplicates
// and events for finished tracks are logged and ignored.
func (t *Table) HandleEvent(evt protocol.Event) {
	e, ok := t.load(evt.Track())
	if !ok {
		t.log.Warn("event for unknown track",
			slog.String("track_id", evt.Track()),
			slog.String("device_id", evt.Device()))
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if evt.Device() != e.track.DeviceID {
		t.log.Warn("event from unexpected device",
			slog.String("track_id", e.track.ID),
			slog.String("expected", e.track.DeviceID),
			slog.String("device_id", evt.Device()))
		return
	}
	if e.track.State.Terminal() {
		t.log.Debug("event for finished track ignored",
			slog.String("track_id", e.track.ID),
			slog.String("state", string(e.track.State)))
		return
	}

	switch ev := evt.(type) {
	case protocol.Ack:
		t.onAck(e)
	case protocol.SpeakDone:
		t.onSpeakDone(e, ev)
	}
}

func (t *Table) onAck(e *entry) {
	switch e.track.State {
	case Created:
		// Ack overtook the local CommandSent bookkeeping.
		t.apply(e, CommandSent, "inferred from ack", true)
		t.apply(e, AckReceived, "ack", false)
	case CommandSent:
		t.stopTimer(e)
		t.apply(e, AckReceived, "ack", false)
	default:
		t.log.Debug("duplicate ack ignored",
			slog.String("track_id", e.track.ID),
			slog.String("state", string(e.track.State)))
	}
}

func (t *Table) onSpeakDone(e *entry, done protocol.SpeakDone) {
	switch e.track.State {
	case Created:
		t.apply(e, CommandSent, "inferred from completion", true)
		fallthrough
	case CommandSent:
		t.stopTimer(e)
		t.apply(e, AckReceived, "inferred from completion", true)
	}
	if done.Failed() {
		t.apply(e, Failed, "device reported "+done.Status, false)
		return
	}
	if e.track.State == AckReceived {
		// COMPLETED is only reachable through STREAMING, which needs a session.
		if t.opts.Presence == nil || !t.opts.Presence.Present(e.track.DeviceID) {
			t.apply(e, Failed, ErrNoSession.Error(), false)
			return
		}
		t.apply(e, Streaming, "inferred from completion", true)
	}
	t.apply(e, Completed, "device reported done", false)
}

// Get returns a snapshot of the track.
func (t *Table) Get(id string) (Track, bool) {
	e, ok := t.load(id)
	if !ok {
		return Track{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.track.clone(), true
}

// Await blocks until until(state) holds, the track becomes terminal, or ctx
// ends.
func (t *Table) Await(ctx context.Context, id string, until func(State) bool) (Track, error) {
	e, ok := t.load(id)
	if !ok {
		return Track{}, ErrNotFound
	}
	for {
		e.mu.Lock()
		snapshot := e.track.clone()
		changed := e.changed
		e.mu.Unlock()
		if snapshot.State.Terminal() || (until != nil && until(snapshot.State)) {
			return snapshot, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snapshot, ctx.Err()
		}
	}
}

// AwaitTerminal waits for COMPLETED, FAILED or TIMED_OUT.
func (t *Table) AwaitTerminal(ctx context.Context, id string) (Track, error) {
	return t.Await(ctx, id, nil)
}

// Prune drops terminal tracks last updated before now minus the retention.
func (t *Table) Prune(now time.Time) int {
	if t.opts.Retention <= 0 {
		return 0
	}
	cutoff := now.Add(-t.opts.Retention)
	removed := 0
	t.tracks.Range(func(key, value any) bool {
		e := value.(*entry)
		e.mu.Lock()
		expired := e.track.State.Terminal() && e.track.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if expired {
			t.tracks.Delete(key)
			t.size.Add(-1)
			removed++
		}
		return true
	})
	return removed
}

// Run prunes periodically until ctx ends.
func (t *Table) Run(ctx context.Context) {
	interval := t.opts.PruneInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := t.Prune(now); n > 0 {
				t.log.Info("pruned tracks", slog.Int("count", n))
			}
		}
	}
}

// Len returns the number of tracks held.
func (t *Table) Len() int { return int(t.size.Load()) }
