package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kodeflow/procd/internal/clockid"
	"github.com/kodeflow/procd/internal/errtaxonomy"
	"github.com/kodeflow/procd/internal/logpipeline"
	"github.com/kodeflow/procd/internal/monitor"
	"github.com/kodeflow/procd/internal/statemgr"
	"github.com/kodeflow/procd/internal/supervisor"
)

// ConnPoolStats is the connection-pool snapshot the "status" verb reports,
// mirroring internal/controlplane.Stats without this package importing that
// package's Server type.
type ConnPoolStats struct {
	Total              int64
	Active             int
	Capacity           int
	TotalMessages      int64
	AvgMessagesPerConn float64
}

// ConnStats supplies the control plane's current pool snapshot.
type ConnStats func() ConnPoolStats

// ShutdownFunc triggers daemon teardown; supplied by the entry point so this
// package doesn't own process lifecycle decisions.
type ShutdownFunc func()

// Registry wires every domain component this daemon's verbs touch and
// dispatches decoded payloads to the matching handler method.
type Registry struct {
	Supervisor *supervisor.Supervisor
	Pipeline   *logpipeline.Pipeline
	Monitor    *monitor.Collector
	State      *statemgr.Manager
	Errors     *errtaxonomy.Handler
	Clock      clockid.Clock

	Version    string
	SocketPath string
	StartedAt  time.Time
	ConnStats  ConnStats
	Shutdown   ShutdownFunc
}

// Dispatch implements internal/controlplane.HandlerFunc: it decodes payload
// into the verb's typed struct, calls the matching handler, and sends
// exactly one final frame — except "logs" with follow=true, which streams.
func (r *Registry) Dispatch(ctx context.Context, cmd string, payload json.RawMessage, send func(v any, final bool) error) error {
	switch cmd {
	case "start":
		return r.handleStart(payload, send)
	case "stop":
		return r.handleStop(payload, send)
	case "restart":
		return r.handleRestart(payload, send)
	case "list":
		return r.handleList(send)
	case "scale":
		return r.handleScale(payload, send)
	case "delete":
		return r.handleDelete(payload, send)
	case "logs":
		return r.handleLogs(ctx, payload, send)
	case "monit":
		return r.handleMonit(ctx, send)
	case "show":
		return r.handleShow(payload, send)
	case "save":
		return r.handleSave(payload, send)
	case "load":
		return r.handleLoad(payload, send)
	case "startFromFile":
		return r.handleStartFromFile(payload, send)
	case "status":
		return r.handleStatus(send)
	case "shutdown":
		return r.handleShutdown(send)
	case "errorStats":
		return r.handleErrorStats(send)
	case "errors":
		return r.handleErrors(payload, send)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("invalid payload: %w", err)
	}
	return v, nil
}

func (r *Registry) clock() clockid.Clock {
	if r.Clock != nil {
		return r.Clock
	}
	return clockid.Default
}
