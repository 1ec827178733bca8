package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kodeflow/procd/internal/clockid"
)

// ErrConnectionLost is returned when the connection drops while a request is
// outstanding.
var ErrConnectionLost = errors.New("controlplane: connection lost")

// ErrTimeout is returned when a request's deadline elapses with no response.
var ErrTimeout = errors.New("controlplane: request timed out")

// ConnectionError wraps a failure to establish or maintain a connection.
type ConnectionError struct{ Err error }

func (e *ConnectionError) Error() string { return fmt.Sprintf("controlplane: connection error: %v", e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// ClientConfig configures a Client, mirroring the teacher's pkg/client.Config
// (base address + timeout + optional logger) adapted to a persistent framed
// connection instead of one-shot HTTP requests.
type ClientConfig struct {
	Network string // "unix" or "tcp"
	Address string
	Timeout time.Duration
	Logger  *slog.Logger
	Clock   clockid.Clock
}

// Client is a single persistent connection to the control plane, with
// messageId-correlated request/response matching and streamed-event
// delivery for verbs like "logs -f".
type Client struct {
	cfg ClientConfig

	mu      sync.Mutex
	conn    net.Conn
	enc     *json.Encoder
	pending map[string]chan Envelope
	streams map[string]chan Envelope
	closed  bool
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockid.Default
	}
	return &Client{cfg: cfg, pending: make(map[string]chan Envelope), streams: make(map[string]chan Envelope)}
}

// Connect dials the daemon and starts the background read loop.
func (c *Client) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := d.DialContext(ctx, c.cfg.Network, c.cfg.Address)
	if err != nil {
		return &ConnectionError{Err: err}
	}
	c.mu.Lock()
	c.conn = conn
	c.enc = json.NewEncoder(conn)
	c.closed = false
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	dec := json.NewDecoder(bufio.NewReader(conn))
	for {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			c.abortAll(ErrConnectionLost)
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.streams[env.ID]; ok {
		select {
		case ch <- env:
		default:
		}
		if env.Final {
			delete(c.streams, env.ID)
			close(ch)
		}
		return
	}
	if ch, ok := c.pending[env.ID]; ok {
		ch <- env
		delete(c.pending, env.ID)
	}
}

func (c *Client) abortAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		ch <- Envelope{ID: id, Success: false, Error: err.Error(), Final: true}
		delete(c.pending, id)
	}
	for _, ch := range c.streams {
		close(ch)
	}
	c.streams = make(map[string]chan Envelope)
}

// Send issues a request and waits for its final response, unmarshalling the
// response's data into out if non-nil.
func (c *Client) Send(ctx context.Context, command string, payload any, out any) error {
	env, err := c.request(ctx, command, payload)
	if err != nil {
		return err
	}
	if !env.Success {
		return errors.New(env.Error)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// Stream issues a request that may produce multiple event frames before its
// final response (e.g. "logs -f"); frames are delivered on the returned
// channel, which is closed once the final frame arrives or the connection is
// lost. A frame that arrives while the channel's buffer is full is dropped.
func (c *Client) Stream(ctx context.Context, command string, payload any) (<-chan Envelope, error) {
	id := clockid.NewMessageID()
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	out := make(chan Envelope, 64)

	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrConnectionLost
	}
	c.streams[id] = out
	enc := c.enc
	c.mu.Unlock()

	req := Envelope{ID: id, Command: command, Payload: raw}
	if err := enc.Encode(req); err != nil {
		c.mu.Lock()
		delete(c.streams, id)
		c.mu.Unlock()
		return nil, &ConnectionError{Err: err}
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, command string, payload any) (Envelope, error) {
	id := clockid.NewMessageID()
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}

	replyCh := make(chan Envelope, 1)
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return Envelope{}, ErrConnectionLost
	}
	c.pending[id] = replyCh
	enc := c.enc
	c.mu.Unlock()

	req := Envelope{ID: id, Command: command, Payload: raw}
	if err := enc.Encode(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Envelope{}, &ConnectionError{Err: err}
	}

	deadline, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	select {
	case env := <-replyCh:
		return env, nil
	case <-deadline.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Envelope{}, ErrTimeout
	}
}

// Disconnect closes the client's connection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
