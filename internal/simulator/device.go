// Package simulator plays the device side of a greeting: it acknowledges
// SPEAK commands on the bus, receives audio on the socket and reports
// completion when the stream stops.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-greeter/internal/bus"
	"github.com/loqalabs/loqa-greeter/internal/protocol"
	"github.com/nats-io/nats.go"
)

type Config struct {
	DeviceID string
	Subjects protocol.Subjects
	// StreamURL is the socket endpoint without the device_id query, for
	// example ws://localhost:8080/ws.
	StreamURL string
	AckDelay  time.Duration
	// MuteAcks drops every command without acknowledging it.
	MuteAcks bool
	// SkipDone never reports completion after a stream stops.
	SkipDone   bool
	DoneStatus string
}

// Playback describes one track as the device received it.
type Playback struct {
	TrackID  string
	Text     string
	Encoding string
	Frames   int
	Bytes    int
	Started  time.Time
	Finished time.Time
}

type Device struct {
	cfg Config
	bus *bus.Client
	ws  *websocket.Conn
	log *slog.Logger

	commands chan *nats.Msg
	sub      *nats.Subscription

	mu      sync.Mutex
	texts   map[string]string
	current *Playback
	played  []Playback
	acked   int
	updated chan struct{}

	closeOnce sync.Once
}

// Dial subscribes to the device's command subject and opens its socket.
func Dial(ctx context.Context, cfg Config, busClient *bus.Client, log *slog.Logger) (*Device, error) {
	if err := protocol.ValidateDeviceID(cfg.DeviceID); err != nil {
		return nil, err
	}
	if cfg.Subjects.Prefix == "" {
		cfg.Subjects = protocol.NewSubjects("")
	}
	if cfg.DoneStatus == "" {
		cfg.DoneStatus = "ok"
	}

	target, err := url.Parse(cfg.StreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	q := target.Query()
	q.Set("device_id", cfg.DeviceID)
	target.RawQuery = q.Encode()

	d := &Device{
		cfg:      cfg,
		bus:      busClient,
		log:      log.With(slog.String("component", "simulator"), slog.String("device_id", cfg.DeviceID)),
		commands: make(chan *nats.Msg, 16),
		texts:    make(map[string]string),
		updated:  make(chan struct{}),
	}
	d.sub, err = busClient.ChanSubscribe(cfg.Subjects.Command(cfg.DeviceID), d.commands)
	if err != nil {
		return nil, err
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		_ = d.sub.Unsubscribe()
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	d.ws = ws
	d.log.Info("device connected", slog.String("stream", target.String()))
	return d, nil
}

// Run serves commands and audio until ctx ends or the socket closes.
func (d *Device) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go d.serveCommands(ctx)
	go func() {
		<-ctx.Done()
		d.Close()
	}()

	for {
		kind, data, err := d.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		switch kind {
		case websocket.TextMessage:
			d.handleControl(ctx, data)
		case websocket.BinaryMessage:
			d.handleFrame(data)
		}
	}
}

func (d *Device) serveCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.commands:
			cmd, err := protocol.ParseSpeak(msg.Data)
			if err != nil {
				d.log.Warn("ignoring command", slog.String("error", err.Error()))
				continue
			}
			d.mu.Lock()
			d.texts[cmd.TrackID] = cmd.Text
			d.mu.Unlock()
			d.log.Info("command received", slog.String("track_id", cmd.TrackID), slog.String("text", cmd.Text))
			if d.cfg.MuteAcks {
				continue
			}
			go d.ack(ctx, cmd.TrackID)
		}
	}
}

func (d *Device) ack(ctx context.Context, trackID string) {
	if d.cfg.AckDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.AckDelay):
		}
	}
	data, err := protocol.EncodeAck(trackID, time.Now())
	if err != nil {
		return
	}
	if err := d.bus.Publish(ctx, d.cfg.Subjects.Ack(d.cfg.DeviceID), data); err != nil {
		d.log.Warn("ack publish failed", slog.String("track_id", trackID), slog.String("error", err.Error()))
		return
	}
	d.mu.Lock()
	d.acked++
	d.mu.Unlock()
}

func (d *Device) handleControl(ctx context.Context, data []byte) {
	var msg protocol.StreamControl
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != protocol.StreamTypeTTS {
		d.log.Warn("unexpected text message", slog.Int("bytes", len(data)))
		return
	}
	switch msg.State {
	case protocol.StreamStateStart:
		d.mu.Lock()
		d.current = &Playback{
			TrackID:  msg.TrackID,
			Text:     d.texts[msg.TrackID],
			Encoding: msg.Encoding,
			Started:  time.Now(),
		}
		d.mu.Unlock()
	case protocol.StreamStateStop:
		d.mu.Lock()
		p := d.current
		d.current = nil
		if p != nil && p.TrackID == msg.TrackID {
			p.Finished = time.Now()
			d.played = append(d.played, *p)
			delete(d.texts, p.TrackID)
		}
		d.notifyLocked()
		d.mu.Unlock()
		if p != nil {
			d.log.Info("playback finished",
				slog.String("track_id", p.TrackID),
				slog.Int("frames", p.Frames),
				slog.Duration("duration", p.Finished.Sub(p.Started)))
		}
		if !d.cfg.SkipDone {
			d.reportDone(ctx, msg.TrackID)
		}
	}
}

func (d *Device) handleFrame(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return
	}
	d.current.Frames++
	d.current.Bytes += len(data)
}

func (d *Device) reportDone(ctx context.Context, trackID string) {
	data, err := protocol.EncodeSpeakDone(trackID, d.cfg.DoneStatus, time.Now())
	if err != nil {
		return
	}
	if err := d.bus.Publish(ctx, d.cfg.Subjects.Event(d.cfg.DeviceID), data); err != nil {
		d.log.Warn("completion publish failed", slog.String("track_id", trackID), slog.String("error", err.Error()))
	}
}

func (d *Device) notifyLocked() {
	close(d.updated)
	d.updated = make(chan struct{})
}

// Played returns every completed playback in order.
func (d *Device) Played() []Playback {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Playback(nil), d.played...)
}

// Acked returns how many commands were acknowledged.
func (d *Device) Acked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

// WaitPlayed blocks until n playbacks finished or ctx ends.
func (d *Device) WaitPlayed(ctx context.Context, n int) ([]Playback, error) {
	for {
		d.mu.Lock()
		if len(d.played) >= n {
			out := append([]Playback(nil), d.played...)
			d.mu.Unlock()
			return out, nil
		}
		updated := d.updated
		d.mu.Unlock()
		select {
		case <-updated:
		case <-ctx.Done():
			return d.Played(), ctx.Err()
		}
	}
}

// Close hangs up the socket and stops listening for commands.
func (d *Device) Close() {
	d.closeOnce.Do(func() {
		if d.sub != nil {
			_ = d.sub.Unsubscribe()
		}
		deadline := time.Now().Add(time.Second)
		err := d.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			d.log.Debug("close handshake failed", slog.String("error", err.Error()))
		}
		_ = d.ws.Close()
	})
}
