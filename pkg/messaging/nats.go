// Package messaging wraps the NATS/JetStream client used to publish decision
// envelopes downstream (C3). It is deliberately publish-only: the decision
// engine has no subscribers of its own, so the teacher's subscribe/queue-group
// machinery was trimmed rather than carried along unused.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection plus its JetStream context.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext

	reconnects int32 // atomic
	connected  int32 // atomic bool
}

// Config holds NATS connection configuration.
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NewClient dials NATS and opens a JetStream context.
func NewClient(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	client := &Client{conn: conn, js: js}
	atomic.StoreInt32(&client.connected, 1)

	conn.SetReconnectHandler(func(nc *nats.Conn) {
		atomic.AddInt32(&client.reconnects, 1)
		atomic.StoreInt32(&client.connected, 1)
	})
	conn.SetDisconnectErrHandler(func(nc *nats.Conn, err error) {
		atomic.StoreInt32(&client.connected, 0)
	})

	return client, nil
}

// Publish publishes a message to a subject with core NATS (at-most-once on
// its own; durability for this service comes from JetStream via
// EnsureStream + PublishAsync, used by internal/publisher).
func (c *Client) Publish(ctx context.Context, subject string, data interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.conn == nil {
		return fmt.Errorf("messaging: not connected")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("messaging: failed to marshal payload: %w", err)
	}

	return c.conn.Publish(subject, payload)
}

// PublishAsync publishes via JetStream and returns a future ack, used by the
// publisher's immediate publish path so it can confirm durable delivery
// without blocking the caller.
func (c *Client) PublishAsync(subject string, data interface{}) (nats.PubAckFuture, error) {
	if c.js == nil {
		return nil, fmt.Errorf("messaging: JetStream not available")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to marshal payload: %w", err)
	}

	return c.js.PublishAsync(subject, payload)
}

// EnsureStream idempotently creates (or leaves alone) the JetStream stream
// backing subject, so a fresh deployment does not need a separate
// provisioning step.
func (c *Client) EnsureStream(cfg *nats.StreamConfig) error {
	if c.js == nil {
		return fmt.Errorf("messaging: JetStream not available")
	}
	if _, err := c.js.StreamInfo(cfg.Name); err == nil {
		return nil
	}
	_, err := c.js.AddStream(cfg)
	if err != nil {
		return fmt.Errorf("messaging: failed to create stream %s: %w", cfg.Name, err)
	}
	return nil
}

// IsConnected reports current connection status.
func (c *Client) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1 && c.conn != nil && c.conn.IsConnected()
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	atomic.StoreInt32(&c.connected, 0)
	return c.conn.Drain()
}

// Stats returns connection statistics, surfaced on the readiness endpoint.
func (c *Client) Stats() nats.Statistics {
	if c.conn == nil {
		return nats.Statistics{}
	}
	return c.conn.Stats()
}

// Reconnects returns the number of reconnect events observed.
func (c *Client) Reconnects() int {
	return int(atomic.LoadInt32(&c.reconnects))
}
