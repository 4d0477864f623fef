package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-greeter/internal/config"
	"github.com/nats-io/nats.go"
)

var (
	// ErrDisconnected is returned by publishes attempted while the broker
	// connection is down or reconnecting.
	ErrDisconnected = errors.New("bus disconnected")
	// ErrConnectExhausted means the initial connect ran out of attempts.
	ErrConnectExhausted = errors.New("bus connect attempts exhausted")
)

const defaultFlushTimeout = 2 * time.Second

// Client wraps NATS connection and JetStream context with minimal helpers.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	initial := time.Duration(cfg.InitialBackoffMS) * time.Millisecond
	maxDelay := time.Duration(cfg.MaxBackoffMS) * time.Millisecond
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	if maxDelay < initial {
		maxDelay = initial
	}

	reconnect := newReconnectBackoff(initial, maxDelay)
	options := []nats.Option{
		nats.Name("loqa-greeter"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.MaxReconnects(-1),
		// Publishes must fail fast while disconnected instead of queueing.
		nats.ReconnectBufSize(-1),
		nats.CustomReconnectDelay(func(int) time.Duration {
			return reconnect.Next()
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", slogError(err))
				return
			}
			log.Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			reconnect.Reset()
			log.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("NATS connection closed")
		}),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initial
	eb.MaxInterval = maxDelay

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	conn, err := backoff.Retry(ctx, func() (*nats.Conn, error) {
		return nats.Connect(url, options...)
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("NATS connect failed, retrying",
				slog.String("servers", url),
				slog.Duration("retry_in", next),
				slogError(err))
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("connect to nats: %w", ctxErr)
		}
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnectExhausted, attempts, err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn: conn,
		js:   js,
		log:  log,
	}, nil
}

// reconnectBackoff spaces reconnect attempts on a jittered exponential
// curve capped at the configured maximum. A successful reconnect starts the
// curve over.
type reconnectBackoff struct {
	mu sync.Mutex
	eb *backoff.ExponentialBackOff
}

func newReconnectBackoff(initial, maxDelay time.Duration) *reconnectBackoff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initial
	eb.MaxInterval = maxDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.1
	eb.Reset()
	return &reconnectBackoff{eb: eb}
}

// Next is called from the NATS reconnect loop while Reset runs on its
// callback goroutine, hence the lock.
func (r *reconnectBackoff) Next() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.eb.NextBackOff()
	if d == backoff.Stop {
		return r.eb.MaxInterval
	}
	return d
}

func (r *reconnectBackoff) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eb.Reset()
}

// Publish sends data on subject and waits for the broker round-trip so a
// successful return means the server has the message.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if !c.Healthy() {
		return ErrDisconnected
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return c.mapErr(err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return c.mapErr(err)
	}
	return nil
}

// PublishDurable publishes through JetStream and waits for the stream ack.
func (c *Client) PublishDurable(ctx context.Context, subject string, data []byte) error {
	if !c.Healthy() {
		return ErrDisconnected
	}
	if _, err := c.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return c.mapErr(err)
	}
	return nil
}

// EnsureStream creates a JetStream stream over subjects if it does not exist.
func (c *Client) EnsureStream(name string, subjects []string, maxAge time.Duration) error {
	_, err := c.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("lookup stream %s: %w", name, err)
	}
	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.FileStorage,
		MaxAge:   maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	c.log.Info("created JetStream stream", slog.String("stream", name), slog.Any("subjects", subjects))
	return nil
}

// ChanSubscribe delivers messages for subject onto ch.
func (c *Client) ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error) {
	sub, err := c.conn.ChanSubscribe(subject, ch)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func (c *Client) mapErr(err error) error {
	switch {
	case errors.Is(err, nats.ErrReconnectBufExceeded),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, nats.ErrConnectionDraining):
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	case !c.Healthy():
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return err
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) JetStream() nats.JetStreamContext {
	return c.js
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func (c *Client) Logger() *slog.Logger {
	return c.log
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
