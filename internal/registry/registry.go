package registry

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const shardCount = 32

var (
	// ErrSuperseded is the close cause of a session replaced by a newer
	// connection from the same device.
	ErrSuperseded = errors.New("session superseded by a newer connection")
	// ErrClosed is the close cause of a session that was deregistered.
	ErrClosed = errors.New("session closed")
	// ErrIdle is the close cause of a session evicted for inactivity.
	ErrIdle = errors.New("session idle")
	// ErrSessionBusy is returned when a session already carries a delivery.
	ErrSessionBusy = errors.New("session busy with another track")
)

// FrameWriter is the transport side of a session.
type FrameWriter interface {
	// WriteFrame sends one binary audio frame.
	WriteFrame(ctx context.Context, frame []byte) error
	// WriteControl sends a JSON text message.
	WriteControl(ctx context.Context, v any) error
	// Close tears down the transport.
	Close() error
}

// Session is one live data-plane connection for a device.
type Session struct {
	DeviceID   string
	Generation uint64
	Writer     FrameWriter
	Connected  time.Time

	lastActive atomic.Int64
	mu         sync.Mutex
	trackID    string
	done       chan struct{}
	cause      error
}

func newSession(deviceID string, gen uint64, w FrameWriter, now time.Time) *Session {
	s := &Session{
		DeviceID:   deviceID,
		Generation: gen,
		Writer:     w,
		Connected:  now,
		done:       make(chan struct{}),
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

// Done is closed when the session stops being current.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended, or nil while it is current.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Touch refreshes the last activity timestamp.
func (s *Session) Touch() { s.lastActive.Store(time.Now().UnixNano()) }

func (s *Session) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

// CurrentTrack returns the track being delivered, if any.
func (s *Session) CurrentTrack() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackID
}

// Claim reserves the session for one outbound delivery.
func (s *Session) Claim(trackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cause != nil {
		return s.cause
	}
	if s.trackID != "" && s.trackID != trackID {
		return ErrSessionBusy
	}
	s.trackID = trackID
	return nil
}

// Release frees the claim if trackID still holds it.
func (s *Session) Release(trackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trackID == trackID {
		s.trackID = ""
	}
}

func (s *Session) close(cause error) bool {
	s.mu.Lock()
	if s.cause != nil {
		s.mu.Unlock()
		return false
	}
	s.cause = cause
	close(s.done)
	s.mu.Unlock()
	if s.Writer != nil {
		_ = s.Writer.Close()
	}
	return true
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry maps device ids to their current session. Lookups and updates
// lock only the shard owning the device id.
type Registry struct {
	shards [shardCount]shard
	gen    atomic.Uint64
	count  atomic.Int64
	idle   time.Duration
	log    *slog.Logger
}

func New(idleTimeout time.Duration, log *slog.Logger) *Registry {
	r := &Registry{
		idle: idleTimeout,
		log:  log.With(slog.String("component", "registry")),
	}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

func (r *Registry) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return &r.shards[h.Sum32()%shardCount]
}

// Register installs w as the device's current session. A previous session
// for the same device is closed with ErrSuperseded.
func (r *Registry) Register(deviceID string, w FrameWriter) *Session {
	s := newSession(deviceID, r.gen.Add(1), w, time.Now())
	sh := r.shardFor(deviceID)
	sh.mu.Lock()
	prev := sh.sessions[deviceID]
	sh.sessions[deviceID] = s
	sh.mu.Unlock()

	if prev != nil {
		prev.close(ErrSuperseded)
		r.log.Info("session superseded",
			slog.String("device_id", deviceID),
			slog.Uint64("previous_generation", prev.Generation),
			slog.Uint64("generation", s.Generation))
	} else {
		r.count.Add(1)
	}
	r.log.Info("session registered", slog.String("device_id", deviceID), slog.Uint64("generation", s.Generation))
	return s
}

// Lookup returns the device's current session. Absence is normal.
func (r *Registry) Lookup(deviceID string) (*Session, bool) {
	sh := r.shardFor(deviceID)
	sh.mu.RLock()
	s, ok := sh.sessions[deviceID]
	sh.mu.RUnlock()
	return s, ok
}

// Present reports whether the device has a current session.
func (r *Registry) Present(deviceID string) bool {
	_, ok := r.Lookup(deviceID)
	return ok
}

// Touch refreshes the device's current session, if any.
func (r *Registry) Touch(deviceID string) {
	if s, ok := r.Lookup(deviceID); ok {
		s.Touch()
	}
}

// Deregister removes whatever session the device has. Idempotent.
func (r *Registry) Deregister(deviceID string) {
	sh := r.shardFor(deviceID)
	sh.mu.Lock()
	s, ok := sh.sessions[deviceID]
	if ok {
		delete(sh.sessions, deviceID)
	}
	sh.mu.Unlock()
	if ok {
		r.count.Add(-1)
		s.close(ErrClosed)
		r.log.Info("session deregistered", slog.String("device_id", deviceID), slog.Uint64("generation", s.Generation))
	}
}

// DeregisterSession removes s only if it is still current, so a stale
// socket closing never evicts its successor.
func (r *Registry) DeregisterSession(s *Session) {
	r.removeIf(s, ErrClosed)
}

func (r *Registry) removeIf(s *Session, cause error) bool {
	sh := r.shardFor(s.DeviceID)
	sh.mu.Lock()
	cur, ok := sh.sessions[s.DeviceID]
	current := ok && cur == s
	if current {
		delete(sh.sessions, s.DeviceID)
	}
	sh.mu.Unlock()
	if current {
		r.count.Add(-1)
		r.log.Info("session removed",
			slog.String("device_id", s.DeviceID),
			slog.Uint64("generation", s.Generation),
			slog.String("cause", cause.Error()))
	}
	s.close(cause)
	return current
}

// Devices lists device ids with a current session, sorted.
func (r *Registry) Devices() []string {
	var ids []string
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for id := range sh.sessions {
			ids = append(ids, id)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of current sessions.
func (r *Registry) Len() int { return int(r.count.Load()) }

// Sweep evicts sessions idle since before now minus the idle timeout and
// returns how many were evicted.
func (r *Registry) Sweep(now time.Time) int {
	if r.idle <= 0 {
		return 0
	}
	cutoff := now.Add(-r.idle)
	var stale []*Session
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, s := range sh.sessions {
			if s.LastActive().Before(cutoff) {
				stale = append(stale, s)
			}
		}
		sh.mu.RUnlock()
	}
	evicted := 0
	for _, s := range stale {
		if s.LastActive().Before(cutoff) && r.removeIf(s, ErrIdle) {
			evicted++
		}
	}
	return evicted
}

// Run sweeps idle sessions until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	if r.idle <= 0 {
		return
	}
	interval := r.idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.Sweep(now); n > 0 {
				r.log.Info("evicted idle sessions", slog.Int("count", n))
			}
		}
	}
}

// CloseAll closes every session, used at shutdown.
func (r *Registry) CloseAll() {
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		sessions := sh.sessions
		sh.sessions = make(map[string]*Session)
		sh.mu.Unlock()
		for _, s := range sessions {
			r.count.Add(-1)
			s.close(ErrClosed)
		}
	}
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-greeter/registry")
	gauge, err := meter.Int64ObservableGauge("greeter.sessions.active", metric.WithDescription("Devices with a live data-plane session"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, r.count.Load())
		return nil
	}, gauge)
	return err
}
