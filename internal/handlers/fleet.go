package handlers

import (
	"fmt"
	"os"

	"github.com/kodeflow/procd/internal/ecosystem"
	"github.com/kodeflow/procd/internal/statemgr"
)

func (r *Registry) buildSnapshot() statemgr.FleetSnapshot {
	processes := make(map[string]statemgr.ProcessSnapshot)
	for _, st := range r.Supervisor.List("*") {
		processes[st.InstanceID] = statemgr.ProcessSnapshot{
			ID:           st.InstanceID,
			PID:          int32(st.PID),
			Status:       st.State,
			StartTime:    st.StartTime,
			RestartCount: st.RestartCount,
		}
	}
	return statemgr.FleetSnapshot{
		PID:        os.Getpid(),
		StartTime:  r.StartedAt,
		SocketPath: r.SocketPath,
		Processes:  processes,
	}
}

func (r *Registry) handleSave(payload []byte, send func(v any, final bool) error) error {
	p, err := decode[FilePathPayload](payload)
	if err != nil {
		return err
	}
	specs := r.Supervisor.Specs()
	if err := ecosystem.Save(p.FilePath, specs, r.clock()); err != nil {
		return fmt.Errorf("save %s: %w", p.FilePath, err)
	}
	return send(map[string]any{
		"message":      fmt.Sprintf("saved %d process(es) to %s", len(specs), p.FilePath),
		"processCount": len(specs),
		"processes":    specs,
	}, true)
}

// loadResult is one app's outcome within a "load"/"startFromFile" response.
type loadResult struct {
	ID      string `json:"id"`
	Started bool   `json:"started"`
	Error   string `json:"error,omitempty"`
}

func (r *Registry) loadFrom(filePath, appNameFilter string) (map[string]any, error) {
	specs, err := ecosystem.Load(filePath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", filePath, err)
	}
	existing := make(map[string]bool)
	for _, s := range r.Supervisor.Specs() {
		existing[s.ID] = true
	}

	results := make([]loadResult, 0, len(specs))
	successCount := 0
	for _, s := range specs {
		if appNameFilter != "" && s.Name != appNameFilter && s.ID != appNameFilter {
			continue
		}
		if existing[s.ID] {
			results = append(results, loadResult{ID: s.ID, Started: false, Error: "already admitted"})
			continue
		}
		if err := r.Supervisor.Start(s); err != nil {
			results = append(results, loadResult{ID: s.ID, Started: false, Error: err.Error()})
			continue
		}
		results = append(results, loadResult{ID: s.ID, Started: true})
		successCount++
	}
	r.persistSnapshot()
	return map[string]any{
		"message":      fmt.Sprintf("loaded %d/%d app(s) from %s", successCount, len(results), filePath),
		"totalApps":    len(results),
		"successCount": successCount,
		"results":      results,
	}, nil
}

func (r *Registry) handleLoad(payload []byte, send func(v any, final bool) error) error {
	p, err := decode[FilePathPayload](payload)
	if err != nil {
		return err
	}
	result, err := r.loadFrom(p.FilePath, "")
	if err != nil {
		return err
	}
	return send(result, true)
}

func (r *Registry) handleStartFromFile(payload []byte, send func(v any, final bool) error) error {
	p, err := decode[FilePathPayload](payload)
	if err != nil {
		return err
	}
	result, err := r.loadFrom(p.FilePath, p.AppName)
	if err != nil {
		return err
	}
	return send(result, true)
}

func (r *Registry) handleStatus(send func(v any, final bool) error) error {
	var pool ConnPoolStats
	if r.ConnStats != nil {
		pool = r.ConnStats()
	}
	return send(map[string]any{
		"daemon": map[string]any{
			"pid":          os.Getpid(),
			"uptime":       r.clock().Since(r.StartedAt).String(),
			"endpoint":     r.SocketPath,
			"processCount": len(r.Supervisor.Specs()),
			"connections": map[string]any{
				"total":              pool.Total,
				"active":             pool.Active,
				"capacity":           pool.Capacity,
				"totalMessages":      pool.TotalMessages,
				"avgMessagesPerConn": pool.AvgMessagesPerConn,
			},
		},
	}, true)
}

func (r *Registry) handleShutdown(send func(v any, final bool) error) error {
	if err := send(map[string]any{"message": "daemon shutting down"}, true); err != nil {
		return err
	}
	if r.Shutdown != nil {
		go r.Shutdown()
	}
	return nil
}

func (r *Registry) handleErrorStats(send func(v any, final bool) error) error {
	if r.Errors == nil {
		return send(map[string]any{"total": 0}, true)
	}
	return send(r.Errors.Stats(), true)
}

func (r *Registry) handleErrors(payload []byte, send func(v any, final bool) error) error {
	p, err := decode[LimitPayload](payload)
	if err != nil {
		return err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	if r.Errors == nil {
		return send(map[string]any{"errors": []any{}}, true)
	}
	return send(map[string]any{"errors": r.Errors.Recent(limit)}, true)
}
