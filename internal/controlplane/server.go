package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/kodeflow/procd/internal/clockid"
)

// HandlerFunc dispatches one request command. send delivers a frame back to
// the caller; final marks the last frame for this request (handlers that
// stream, like "logs -f", call send repeatedly with final=false, then once
// more with final=true). A non-nil error return is sent as a final error
// frame; a nil return sends nothing further. A handler that calls send
// exactly once with final=true behaves like an ordinary request/response.
// ctx is cancelled when the request's connection closes.
type HandlerFunc func(ctx context.Context, cmd string, payload json.RawMessage, send func(v any, final bool) error) error

// Options configures a Server.
type Options struct {
	Network     string // "unix" or "tcp"
	Address     string // socket path or host:port
	Handler     HandlerFunc
	MaxConns    int
	IdleTimeout time.Duration
	Clock       clockid.Clock
}

// Server accepts control-plane connections and frames JSON envelopes over
// each one.
type Server struct {
	opts     Options
	listener net.Listener
	pool     *Pool
}

func New(opts Options) *Server {
	if opts.MaxConns <= 0 {
		opts.MaxConns = 64
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clockid.Default
	}
	return &Server{
		opts: opts,
		pool: newPool(opts.MaxConns, opts.IdleTimeout, opts.Clock),
	}
}

// Stats reports the control plane's current connection occupancy.
func (s *Server) Stats() Stats { return s.pool.Stats() }

// Listen binds the configured address. Separated from Serve so a caller can
// learn the bound address (Addr) — in particular the OS-assigned ephemeral
// TCP port from `net.Listen("tcp", "127.0.0.1:0")` — before advertising it to
// clients via the endpoint locator file.
func (s *Server) Listen() error {
	if s.opts.Network == "unix" {
		_ = os.Remove(s.opts.Address)
	}
	ln, err := net.Listen(s.opts.Network, s.opts.Address)
	if err != nil {
		return fmt.Errorf("controlplane: listen: %w", err)
	}
	s.listener = ln
	if s.opts.Network == "unix" {
		_ = os.Chmod(s.opts.Address, 0600)
	}
	return nil
}

// Addr returns the bound listener's address. Valid only after Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts and handles connections on an already-bound listener until
// ctx is cancelled. Callers that don't need the bound address ahead of time
// can skip Listen and call ListenAndServe instead.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	ln := s.listener

	go s.pool.sweepLoop(ctx)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	slog.Info("control plane listening", "network", s.opts.Network, "address", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		cs := s.pool.admit(conn)
		if cs == nil {
			_ = conn.Close()
			continue
		}
		go s.handleConn(ctx, cs)
	}
}

// ListenAndServe binds the configured address and serves connections until
// ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	return s.Serve(ctx)
}

func (s *Server) handleConn(ctx context.Context, cs *connState) {
	defer s.pool.remove(cs)
	defer func() { _ = cs.conn.Close() }()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dec := json.NewDecoder(bufio.NewReader(cs.conn))
	for {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			return
		}
		cs.touch(s.opts.Clock.Now())

		go s.handleRequest(connCtx, cs, env)
	}
}

func (s *Server) handleRequest(ctx context.Context, cs *connState, env Envelope) {
	s.pool.recordMessage()
	send := func(v any, final bool) error {
		out, err := newFrame(env.ID, v, final)
		if err != nil {
			return err
		}
		return cs.write(out)
	}
	if err := s.opts.Handler(ctx, env.Command, env.Payload, send); err != nil {
		_ = cs.write(newErrorResponse(env.ID, err))
	}
}

// connState wraps one accepted connection with the write-serialization and
// idle bookkeeping the pool needs.
type connState struct {
	conn       net.Conn
	enc        *json.Encoder
	mu         sync.Mutex
	lastActive time.Time
}

func (cs *connState) write(env Envelope) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.enc.Encode(env)
}

func (cs *connState) touch(t time.Time) {
	cs.mu.Lock()
	cs.lastActive = t
	cs.mu.Unlock()
}
