package handlers

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kodeflow/procd/internal/supervisor"
)

func toInfo(st supervisor.InstanceStatus) InstanceInfo {
	return InstanceInfo{
		InstanceID:   st.InstanceID,
		PID:          st.PID,
		Status:       st.State,
		StartTime:    st.StartTime.Format(time.RFC3339),
		RestartCount: st.RestartCount,
	}
}

func (r *Registry) instancesFor(baseID string) []InstanceInfo {
	statuses := r.Supervisor.List(baseID)
	out := make([]InstanceInfo, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, toInfo(st))
	}
	return out
}

func (r *Registry) handleStart(payload []byte, send func(v any, final bool) error) error {
	p, err := decode[StartPayload](payload)
	if err != nil {
		return err
	}
	if err := r.Supervisor.Start(p.Spec); err != nil {
		return fmt.Errorf("start %s: %w", p.Spec.ID, err)
	}
	r.persistSnapshot()
	return send(map[string]any{
		"message":   fmt.Sprintf("started %s", p.Spec.ID),
		"instances": r.instancesFor(p.Spec.ID),
	}, true)
}

func (r *Registry) handleStop(payload []byte, send func(v any, final bool) error) error {
	p, err := decode[IdentifierPayload](payload)
	if err != nil {
		return err
	}
	ids := r.matchedIDs(p.Identifier)
	if err := r.Supervisor.Stop(p.Identifier, 0); err != nil {
		return fmt.Errorf("stop %s: %w", p.Identifier, err)
	}
	r.persistSnapshot()
	return send(map[string]any{
		"message":          fmt.Sprintf("stopped %s", p.Identifier),
		"stoppedInstances": ids,
	}, true)
}

func (r *Registry) handleRestart(payload []byte, send func(v any, final bool) error) error {
	p, err := decode[IdentifierPayload](payload)
	if err != nil {
		return err
	}
	if err := r.Supervisor.Restart(p.Identifier, 0); err != nil {
		return fmt.Errorf("restart %s: %w", p.Identifier, err)
	}
	r.persistSnapshot()
	return send(map[string]any{
		"message":   fmt.Sprintf("restarted %s", p.Identifier),
		"instances": r.instancesFor(p.Identifier),
	}, true)
}

func (r *Registry) handleList(send func(v any, final bool) error) error {
	return send(map[string]any{"processes": r.instancesFor("*")}, true)
}

func (r *Registry) handleScale(payload []byte, send func(v any, final bool) error) error {
	p, err := decode[ScalePayload](payload)
	if err != nil {
		return err
	}
	if p.Instances <= 0 {
		return fmt.Errorf("scale %s: instances must be >= 1", p.ID)
	}
	if err := r.Supervisor.Scale(p.ID, p.Instances); err != nil {
		return fmt.Errorf("scale %s: %w", p.ID, err)
	}
	r.persistSnapshot()
	return send(map[string]any{
		"message":   fmt.Sprintf("scaled %s to %d", p.ID, p.Instances),
		"instances": r.instancesFor(p.ID),
	}, true)
}

func (r *Registry) handleDelete(payload []byte, send func(v any, final bool) error) error {
	p, err := decode[IdentifierPayload](payload)
	if err != nil {
		return err
	}
	ids := r.matchedIDs(p.Identifier)
	specs := r.Supervisor.Specs()
	var name string
	for _, s := range specs {
		if s.ID == p.Identifier {
			name = s.Name
			break
		}
	}
	if err := r.Supervisor.Delete(p.Identifier); err != nil {
		return fmt.Errorf("delete %s: %w", p.Identifier, err)
	}
	r.persistSnapshot()
	return send(map[string]any{
		"message":          fmt.Sprintf("deleted %s", p.Identifier),
		"processId":        p.Identifier,
		"processName":      name,
		"stoppedInstances": ids,
		"removedLogs":      true,
	}, true)
}

// matchedIDs reports every instanceID an identifier resolves to, for
// responses that echo back which instances were acted on.
func (r *Registry) matchedIDs(identifier string) []string {
	statuses := r.Supervisor.List(identifier)
	ids := make([]string, 0, len(statuses))
	for _, st := range statuses {
		ids = append(ids, st.InstanceID)
	}
	return ids
}

// persistSnapshot rewrites daemon.json after a mutating command, per
// spec.md §4.6. Failures are logged here as a warning; a snapshot write
// failure must never fail the command itself.
func (r *Registry) persistSnapshot() {
	if r.State == nil {
		return
	}
	if err := r.State.WriteSnapshot(r.buildSnapshot()); err != nil {
		slog.Warn("statemgr: fleet snapshot write failed", "error", err)
	}
}
