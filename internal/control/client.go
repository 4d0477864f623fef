package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-greeter/internal/bus"
	"github.com/loqalabs/loqa-greeter/internal/config"
	"github.com/loqalabs/loqa-greeter/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Handler receives parsed inbound control events. It is called from a single
// goroutine, one event at a time.
type Handler interface {
	HandleEvent(protocol.Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(protocol.Event)

func (f HandlerFunc) HandleEvent(evt protocol.Event) { f(evt) }

var errAlreadyStarted = errors.New("control client already subscribed")

// Client speaks the device control protocol over the bus: it publishes
// commands and turns ack/event messages into protocol.Event values.
type Client struct {
	cfg      config.ControlConfig
	stream   string
	bus      *bus.Client
	subjects protocol.Subjects
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	subs    []*nats.Subscription
	inbound chan *nats.Msg
	events  chan protocol.Event

	published metric.Int64Counter
	received  metric.Int64Counter
	dropped   metric.Int64Counter
}

// NewClient builds a control client. When commandStream is non-empty, SPEAK
// commands go through that JetStream stream and wait for its ack.
func NewClient(parent context.Context, cfg config.ControlConfig, commandStream string, busClient *bus.Client, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(parent)
	c := &Client{
		cfg:      cfg,
		stream:   commandStream,
		bus:      busClient,
		subjects: protocol.NewSubjects(cfg.SubjectPrefix),
		logger:   logger.With(slog.String("component", "control")),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.initMetrics()
	return c
}

func (c *Client) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-greeter/control")
	var err error
	if c.published, err = meter.Int64Counter("greeter.control.commands", metric.WithDescription("Commands published to devices")); err != nil {
		c.logger.Warn("failed to create metric", slogError(err))
	}
	if c.received, err = meter.Int64Counter("greeter.control.events", metric.WithDescription("Inbound control events accepted")); err != nil {
		c.logger.Warn("failed to create metric", slogError(err))
	}
	if c.dropped, err = meter.Int64Counter("greeter.control.dropped", metric.WithDescription("Inbound control messages dropped")); err != nil {
		c.logger.Warn("failed to create metric", slogError(err))
	}
}

// Subjects exposes the subject layout in use.
func (c *Client) Subjects() protocol.Subjects {
	return c.subjects
}

// SubscribeEvents subscribes to every device's ack and event subjects and
// starts dispatching parsed events to h. Parsing happens on one goroutine and
// the handler runs on another behind a buffered channel, so a slow handler
// never stalls the broker subscription.
func (c *Client) SubscribeEvents(h Handler) error {
	if h == nil {
		return errors.New("control handler is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inbound != nil {
		return errAlreadyStarted
	}

	if c.stream != "" {
		if err := c.bus.EnsureStream(c.stream, []string{c.subjects.AllCommands()}, time.Hour); err != nil {
			return err
		}
	}

	inbound := make(chan *nats.Msg, max(c.cfg.InboundBuffer, 1))
	events := make(chan protocol.Event, max(c.cfg.EventBuffer, 1))

	for _, subject := range []string{c.subjects.AllAcks(), c.subjects.AllEvents()} {
		sub, err := c.bus.ChanSubscribe(subject, inbound)
		if err != nil {
			for _, s := range c.subs {
				_ = s.Unsubscribe()
			}
			c.subs = nil
			return err
		}
		c.subs = append(c.subs, sub)
	}
	c.inbound = inbound
	c.events = events

	c.wg.Add(2)
	go c.dispatch(inbound, events)
	go c.deliver(h, events)

	c.logger.Info("control subscriptions active",
		slog.String("acks", c.subjects.AllAcks()),
		slog.String("events", c.subjects.AllEvents()))
	return nil
}

func (c *Client) dispatch(inbound <-chan *nats.Msg, events chan<- protocol.Event) {
	defer c.wg.Done()
	defer close(events)
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-inbound:
			evt, err := c.subjects.Parse(msg.Subject, msg.Data, time.Now())
			if err != nil {
				c.logger.Warn("dropping control message",
					slog.String("subject", msg.Subject),
					slogError(err))
				c.count(c.dropped, "malformed")
				continue
			}
			select {
			case events <- evt:
			default:
				c.logger.Warn("control event buffer full, dropping event",
					slog.String("device_id", evt.Device()),
					slog.String("track_id", evt.Track()))
				c.count(c.dropped, "overflow")
			}
		}
	}
}

func (c *Client) deliver(h Handler, events <-chan protocol.Event) {
	defer c.wg.Done()
	for evt := range events {
		c.count(c.received, eventKind(evt))
		c.safeHandle(h, evt)
	}
}

func (c *Client) safeHandle(h Handler, evt protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("control handler panicked",
				slog.String("track_id", evt.Track()),
				slog.Any("panic", r))
		}
	}()
	h.HandleEvent(evt)
}

// PublishCommand sends a SPEAK command to a device. It returns once the
// broker has the message and does not wait for the device.
func (c *Client) PublishCommand(ctx context.Context, deviceID, trackID, text string) error {
	if err := protocol.ValidateDeviceID(deviceID); err != nil {
		return err
	}
	payload, err := protocol.EncodeSpeak(trackID, text)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	subject := c.subjects.Command(deviceID)
	if c.stream != "" {
		err = c.bus.PublishDurable(ctx, subject, payload)
	} else {
		err = c.bus.Publish(ctx, subject, payload)
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	c.count(c.published, protocol.CommandSpeak)
	c.logger.Debug("command published",
		slog.String("device_id", deviceID),
		slog.String("track_id", trackID))
	return nil
}

func (c *Client) Healthy() bool {
	c.mu.Lock()
	subscribed := c.inbound != nil
	c.mu.Unlock()
	return subscribed && c.bus.Healthy()
}

func (c *Client) Close() {
	c.mu.Lock()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Client) count(counter metric.Int64Counter, kind string) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func eventKind(evt protocol.Event) string {
	switch evt.(type) {
	case protocol.Ack:
		return protocol.EventCmdReceived
	case protocol.SpeakDone:
		return protocol.EventSpeakDone
	}
	return "unknown"
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
