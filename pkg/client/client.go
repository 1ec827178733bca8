// Package client is the public, embeddable counterpart of cmd/procd's CLI:
// a thin wrapper around internal/controlplane.Client exposing one typed
// method per control-plane verb, grounded on the teacher's pkg/client.Client
// (same Config/New/IsReachable shape), adapted from the teacher's one-shot
// HTTP calls to the daemon's persistent framed connection.
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kodeflow/procd/internal/controlplane"
)

// Config configures a Client's connection to a running daemon.
type Config struct {
	Network string // "unix" or "tcp"; defaults to "unix"
	Address string // socket path or host:port
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns the conventional local unix-socket configuration.
func DefaultConfig(socketPath string) Config {
	return Config{Network: "unix", Address: socketPath, Timeout: 10 * time.Second}
}

// Client is a connected handle to a daemon's control plane.
type Client struct {
	cp *controlplane.Client
}

// New creates a Client; call Connect before issuing any request.
func New(cfg Config) *Client {
	if cfg.Network == "" {
		cfg.Network = "unix"
	}
	return &Client{cp: controlplane.NewClient(controlplane.ClientConfig{
		Network: cfg.Network,
		Address: cfg.Address,
		Timeout: cfg.Timeout,
		Logger:  cfg.Logger,
	})}
}

// Connect dials the daemon and starts the client's background read loop.
func (c *Client) Connect(ctx context.Context) error { return c.cp.Connect(ctx) }

// Disconnect closes the underlying connection.
func (c *Client) Disconnect() error { return c.cp.Disconnect() }

// IsReachable reports whether the daemon answers a "status" request within
// the client's configured timeout.
func (c *Client) IsReachable(ctx context.Context) bool {
	var out StatusResult
	return c.cp.Send(ctx, "status", struct{}{}, &out) == nil
}

func (c *Client) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	var out StartResult
	err := c.cp.Send(ctx, "start", req, &out)
	return out, err
}

func (c *Client) Stop(ctx context.Context, req IdentifierRequest) error {
	return c.cp.Send(ctx, "stop", req, nil)
}

func (c *Client) Restart(ctx context.Context, req IdentifierRequest) (StartResult, error) {
	var out StartResult
	err := c.cp.Send(ctx, "restart", req, &out)
	return out, err
}

func (c *Client) List(ctx context.Context) ([]InstanceInfo, error) {
	var out []InstanceInfo
	err := c.cp.Send(ctx, "list", struct{}{}, &out)
	return out, err
}

func (c *Client) Scale(ctx context.Context, req ScaleRequest) error {
	return c.cp.Send(ctx, "scale", req, nil)
}

func (c *Client) Delete(ctx context.Context, req IdentifierRequest) error {
	return c.cp.Send(ctx, "delete", req, nil)
}

func (c *Client) Show(ctx context.Context, req IdentifierRequest) (ShowResult, error) {
	var out ShowResult
	err := c.cp.Send(ctx, "show", req, &out)
	return out, err
}

func (c *Client) Monit(ctx context.Context) (MonitResult, error) {
	var out MonitResult
	err := c.cp.Send(ctx, "monit", struct{}{}, &out)
	return out, err
}

func (c *Client) Save(ctx context.Context, req FilePathRequest) error {
	return c.cp.Send(ctx, "save", req, nil)
}

func (c *Client) Load(ctx context.Context, req FilePathRequest) (map[string]any, error) {
	var out map[string]any
	err := c.cp.Send(ctx, "load", req, &out)
	return out, err
}

func (c *Client) StartFromFile(ctx context.Context, req FilePathRequest) (map[string]any, error) {
	var out map[string]any
	err := c.cp.Send(ctx, "startFromFile", req, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (StatusResult, error) {
	var out StatusResult
	err := c.cp.Send(ctx, "status", struct{}{}, &out)
	return out, err
}

func (c *Client) Shutdown(ctx context.Context) error {
	return c.cp.Send(ctx, "shutdown", struct{}{}, nil)
}

func (c *Client) ErrorStats(ctx context.Context) (ErrorStatsResult, error) {
	var out ErrorStatsResult
	err := c.cp.Send(ctx, "errorStats", struct{}{}, &out)
	return out, err
}

func (c *Client) Errors(ctx context.Context, limit int) ([]ErrorEntry, error) {
	var out []ErrorEntry
	err := c.cp.Send(ctx, "errors", map[string]any{"limit": limit}, &out)
	return out, err
}

// Logs fetches up to limit lines of an instance's captured output, most
// recent last.
func (c *Client) Logs(ctx context.Context, req LogsRequest) (LogsResult, error) {
	var out LogsResult
	err := c.cp.Send(ctx, "logs", req, &out)
	return out, err
}

// FollowLogs opens a streaming subscription to an instance's live output;
// the returned channel yields one LogLine per captured line and closes when
// the daemon ends the stream or ctx is cancelled.
func (c *Client) FollowLogs(ctx context.Context, req LogsRequest) (<-chan LogLine, error) {
	req.Follow = true
	frames, err := c.cp.Stream(ctx, "logs", req)
	if err != nil {
		return nil, err
	}
	out := make(chan LogLine, 64)
	go func() {
		defer close(out)
		for env := range frames {
			if !env.Success {
				return
			}
			var line LogLine
			if len(env.Data) == 0 {
				continue
			}
			if err := json.Unmarshal(env.Data, &line); err != nil {
				continue
			}
			if line.Line == "" && line.Streaming {
				continue
			}
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
