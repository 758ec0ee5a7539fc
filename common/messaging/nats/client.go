// Package nats provides a NATS implementation of the messaging interfaces.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/telhawk-incidents/common/messaging"
	"github.com/telhawk-systems/telhawk-incidents/common/middleware"
)

// Client implements messaging.Client using core NATS.
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
	mu     sync.Mutex
	subs   []*subscription
}

// Config holds NATS client configuration.
type Config struct {
	URL           string
	Name          string
	MaxReconnects int // -1 reconnects forever
	ReconnectWait time.Duration
	Timeout       time.Duration
	Token         string
	Logger        *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "telhawk-incidents",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NewClient connects to NATS with the given configuration.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Client{conn: conn, logger: logger}, nil
}

// Publish sends a message to the specified subject. A request id found in
// ctx travels as a header.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	return c.PublishMsg(ctx, &messaging.Message{Subject: subject, Data: data})
}

// PublishJSON marshals data to JSON and publishes it.
func (c *Client) PublishJSON(ctx context.Context, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.Publish(ctx, subject, payload)
}

// PublishMsg sends a Message with headers.
func (c *Client) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.PublishMsg(toNATS(ctx, msg))
}

// Request sends a message and waits for a response.
func (c *Client) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*messaging.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.conn.RequestMsgWithContext(reqCtx, toNATS(ctx, &messaging.Message{Subject: subject, Data: data}))
	if err != nil {
		return nil, err
	}
	return fromNATS(resp), nil
}

// Subscribe creates a fan-out subscription.
func (c *Client) Subscribe(subject string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, c.dispatch(subject, "", handler))
	if err != nil {
		return nil, err
	}
	return c.track(sub), nil
}

// QueueSubscribe creates a load-balanced subscription in queue.
func (c *Client) QueueSubscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	sub, err := c.conn.QueueSubscribe(subject, queue, c.dispatch(subject, queue, handler))
	if err != nil {
		return nil, err
	}
	return c.track(sub), nil
}

func (c *Client) dispatch(subject, queue string, handler messaging.MessageHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		m := fromNATS(msg)
		ctx := context.Background()
		if id := m.Metadata[messaging.HeaderRequestID]; id != "" {
			ctx = middleware.WithRequestID(ctx, id)
		}
		if err := handler(ctx, m); err != nil {
			c.logger.Error("message handler failed",
				slog.String("subject", subject),
				slog.String("queue", queue),
				slog.String("error", err.Error()))
		}
	}
}

func (c *Client) track(sub *nats.Subscription) *subscription {
	s := &subscription{natsSub: sub}
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()
	return s
}

// Close unsubscribes everything and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	c.conn.Close()
	return nil
}

// Drain gracefully closes, allowing in-flight messages to complete.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

// IsConnected returns true if connected to NATS.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

type subscription struct {
	natsSub *nats.Subscription
}

func (s *subscription) Unsubscribe() error { return s.natsSub.Unsubscribe() }
func (s *subscription) Subject() string    { return s.natsSub.Subject }
func (s *subscription) IsValid() bool      { return s.natsSub.IsValid() }

func toNATS(ctx context.Context, msg *messaging.Message) *nats.Msg {
	out := &nats.Msg{Subject: msg.Subject, Data: msg.Data, Reply: msg.Reply, Header: nats.Header{}}
	for k, v := range msg.Metadata {
		out.Header.Set(k, v)
	}
	if id := middleware.GetRequestID(ctx); id != "" && out.Header.Get(messaging.HeaderRequestID) == "" {
		out.Header.Set(messaging.HeaderRequestID, id)
	}
	return out
}

func fromNATS(msg *nats.Msg) *messaging.Message {
	m := &messaging.Message{
		Subject:   msg.Subject,
		Data:      msg.Data,
		Reply:     msg.Reply,
		Timestamp: time.Now(),
	}
	if len(msg.Header) > 0 {
		m.Metadata = make(map[string]string, len(msg.Header))
		for k := range msg.Header {
			m.Metadata[k] = msg.Header.Get(k)
		}
	}
	return m
}
