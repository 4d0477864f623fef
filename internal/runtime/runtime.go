package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-greeter/internal/bus"
	"github.com/loqalabs/loqa-greeter/internal/codec"
	"github.com/loqalabs/loqa-greeter/internal/codec/opusenc"
	"github.com/loqalabs/loqa-greeter/internal/config"
	"github.com/loqalabs/loqa-greeter/internal/control"
	"github.com/loqalabs/loqa-greeter/internal/delivery"
	"github.com/loqalabs/loqa-greeter/internal/eventstore"
	"github.com/loqalabs/loqa-greeter/internal/greeting"
	"github.com/loqalabs/loqa-greeter/internal/llm"
	"github.com/loqalabs/loqa-greeter/internal/natsserver"
	"github.com/loqalabs/loqa-greeter/internal/registry"
	"github.com/loqalabs/loqa-greeter/internal/stream"
	"github.com/loqalabs/loqa-greeter/internal/track"
	"github.com/loqalabs/loqa-greeter/internal/tts"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	tracerClose   func(context.Context) error
	metricHandler http.Handler
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	control  *control.Client
	store    *eventstore.Store
	sessions *registry.Registry
	tracks   *track.Table
	greeter  *greeting.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricHandler = metricHandler

	if err := r.setup(ctx); err != nil {
		r.teardown()
		r.closeTelemetry()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("stream_path", r.cfg.Stream.Path))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	// Hijacked websocket connections are not tracked by Shutdown; CloseAll in
	// teardown ends them.
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.teardown()
	r.wg.Wait()
	r.closeTelemetry()

	return nil
}

// setup builds every component and starts its background loops on ctx.
func (r *Runtime) setup(ctx context.Context) error {
	cfg := r.cfg

	ns, err := natsserver.Start(cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = ns
	busCfg := cfg.Bus
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	if err := r.store.Ensure(); err != nil {
		return err
	}

	r.sessions = registry.New(millis(cfg.Stream.IdleTimeoutMS), r.logger)
	r.tracks = track.NewTable(track.Options{
		AckTimeout:         millis(cfg.Delivery.AckTimeoutMS),
		CompletionTimeout:  millis(cfg.Delivery.CompletionTimeoutMS),
		ImplicitCompletion: cfg.Delivery.ImplicitCompletion,
		Retention:          millis(cfg.Delivery.RetentionMS),
		PruneInterval:      millis(cfg.Delivery.PruneIntervalMS),
		Presence:           r.sessions,
		Recorder:           r.store,
	}, r.logger)

	r.control = control.NewClient(ctx, cfg.Control, cfg.Bus.CommandStream, r.bus, r.logger)
	if err := r.control.SubscribeEvents(r.tracks); err != nil {
		return fmt.Errorf("subscribe control events: %w", err)
	}

	var generator llm.Generator
	if cfg.LLM.Enabled {
		generator, err = llm.NewGenerator(cfg.LLM)
		if err != nil {
			return fmt.Errorf("create llm generator: %w", err)
		}
	}
	synth, err := tts.NewSynthesizer(cfg.TTS)
	if err != nil {
		return fmt.Errorf("create tts synthesizer: %w", err)
	}
	framer, err := newFramer(cfg.Codec)
	if err != nil {
		return err
	}

	r.greeter = greeting.NewService(ctx, greeting.Options{
		Voice:        cfg.TTS.Voice,
		SynthTimeout: millis(cfg.TTS.TimeoutMS),
	}, greeting.Deps{
		Composer: llm.NewComposer(cfg.LLM, generator, r.logger),
		Synth:    synth,
		Framer:   framer,
		Commands: r.control,
		Tracks:   r.tracks,
		Sessions: r.sessions,
		Pipeline: delivery.NewPipeline(r.logger),
	}, r.logger)

	r.spawn(func() { r.sessions.Run(ctx) })
	r.spawn(func() { r.tracks.Run(ctx) })
	r.spawn(func() { r.store.Run(ctx, time.Hour) })
	return nil
}

func newFramer(cfg config.CodecConfig) (codec.Framer, error) {
	frame := millis(cfg.FrameDurationMS)
	switch cfg.Encoding {
	case "", "pcm":
		return codec.NewFramer(frame, codec.PCMEncoder), nil
	case "opus":
		factory, err := opusenc.Factory(cfg.OpusApplication)
		if err != nil {
			return codec.Framer{}, err
		}
		return codec.NewFramer(frame, factory), nil
	}
	return codec.Framer{}, fmt.Errorf("%w: encoding %q", codec.ErrUnsupportedFormat, cfg.Encoding)
}

func (r *Runtime) spawn(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// teardown releases whatever setup managed to build, newest first.
func (r *Runtime) teardown() {
	if r.greeter != nil {
		r.greeter.Close()
	}
	if r.control != nil {
		r.control.Close()
	}
	if r.sessions != nil {
		r.sessions.CloseAll()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.nats.Shutdown()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.control != nil && r.control.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metricHandler != nil {
		mux.Handle("/metrics", r.metricHandler)
	}
	mux.Handle(r.cfg.Stream.Path, stream.NewHandler(r.cfg.Stream, r.sessions, r.logger))
	mux.HandleFunc("POST /v1/greetings", r.handleGreeting)
	mux.HandleFunc("GET /v1/tracks/{id}", r.handleTrack)
	mux.HandleFunc("GET /v1/devices", r.handleDevices)
	mux.HandleFunc("GET /v1/devices/{id}/tracks", r.handleDeviceTracks)
	return mux
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
