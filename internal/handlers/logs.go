package handlers

import (
	"context"
	"strings"

	"github.com/kodeflow/procd/internal/logpipeline"
	"github.com/kodeflow/procd/internal/monitor"
)

func (r *Registry) handleLogs(ctx context.Context, payload []byte, send func(v any, final bool) error) error {
	p, err := decode[LogsPayload](payload)
	if err != nil {
		return err
	}
	lines := p.Lines
	if lines <= 0 {
		lines = 100
	}

	if p.Follow {
		return r.streamLogs(ctx, p, send)
	}

	entries := r.Pipeline.Tail(p.Identifier, lines)
	entries = applyFilter(entries, p.Filter)
	formatted := make([]string, 0, len(entries))
	for _, e := range entries {
		formatted = append(formatted, e.Format())
	}
	return send(map[string]any{
		"processId":     p.Identifier,
		"lines":         formatted,
		"totalLines":    r.Pipeline.Len(p.Identifier),
		"filteredLines": len(formatted),
	}, true)
}

func applyFilter(entries []logpipeline.Entry, filter string) []logpipeline.Entry {
	if filter == "" {
		return entries
	}
	out := entries[:0:0]
	for _, e := range entries {
		if strings.Contains(e.Message, filter) {
			out = append(out, e)
		}
	}
	return out
}

// streamLogs sends an initial {streaming:true} frame, then forwards each
// subsequent captured line as its own non-final frame, until the caller's
// context is cancelled (connection close) — the "logs -f" extension
// documented in SPEC_FULL.md §9.
func (r *Registry) streamLogs(ctx context.Context, p LogsPayload, send func(v any, final bool) error) error {
	if err := send(map[string]any{"streaming": true, "processId": p.Identifier}, false); err != nil {
		return err
	}
	ch, cancel, err := r.Pipeline.Stream(p.Identifier)
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return send(map[string]any{"processId": p.Identifier}, true)
		case e, ok := <-ch:
			if !ok {
				return send(map[string]any{"processId": p.Identifier}, true)
			}
			if p.Filter != "" && !strings.Contains(e.Message, p.Filter) {
				continue
			}
			if err := send(map[string]any{"processId": p.Identifier, "line": e.Format()}, false); err != nil {
				return err
			}
		}
	}
}

func (r *Registry) handleMonit(ctx context.Context, send func(v any, final bool) error) error {
	type procMetrics struct {
		InstanceInfo
		CPUPercent float64 `json:"cpuPercent"`
		MemoryRSS  uint64  `json:"memoryRss"`
	}
	statuses := r.Supervisor.List("*")
	out := make([]procMetrics, 0, len(statuses))
	for _, st := range statuses {
		pm := procMetrics{InstanceInfo: toInfo(st)}
		if st.PID > 0 {
			if sample, err := r.Monitor.Sample(st.InstanceID, int32(st.PID)); err == nil {
				pm.CPUPercent = sample.CPUPercent
				pm.MemoryRSS = sample.MemoryRSS
			}
		}
		out = append(out, pm)
	}
	sys, _ := monitor.System(ctx)
	return send(map[string]any{"processes": out, "systemInfo": sys}, true)
}

func (r *Registry) handleShow(payload []byte, send func(v any, final bool) error) error {
	p, err := decode[IdentifierPayload](payload)
	if err != nil {
		return err
	}
	st, err := r.Supervisor.Status(p.Identifier)
	if err != nil {
		return err
	}
	var metrics interface{}
	if st.PID > 0 {
		if sample, sErr := r.Monitor.Sample(p.Identifier, int32(st.PID)); sErr == nil {
			metrics = sample
		}
	}
	history := r.Monitor.History(p.Identifier, 0)
	return send(map[string]any{
		"process": toInfo(st),
		"metrics": metrics,
		"history": history,
	}, true)
}
