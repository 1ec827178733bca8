package supervisor

import (
	"fmt"
	"sort"
	"time"

	"github.com/kodeflow/procd/internal/instance"
	"github.com/kodeflow/procd/internal/spec"
)

// InstanceStatus is the supervisor-level view of one instance, combining the
// instance's own snapshot with the fleet state machine's state label.
type InstanceStatus struct {
	instance.Status
	State string `json:"state"`
}

// List returns the status of every instance matching pattern (exact
// instanceID, registered base spec id, or '*' wildcard), sorted by
// instanceID for stable output.
func (sv *Supervisor) List(pattern string) []InstanceStatus {
	if pattern == "" {
		pattern = "*"
	}
	ids := sv.matchIDs(pattern)
	sort.Strings(ids)
	out := make([]InstanceStatus, 0, len(ids))
	for _, id := range ids {
		e := sv.entryFor(id)
		if e == nil {
			continue
		}
		snap := e.inst.Snapshot()
		snap.Running = e.inst.DetectAlive()
		out = append(out, InstanceStatus{Status: snap, State: sv.stateOf(id)})
	}
	return out
}

func (sv *Supervisor) stateOf(instanceID string) string {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if e, ok := sv.entries[instanceID]; ok {
		return e.state
	}
	return StateStopped
}

// Status returns a single instance's status, or an error if unknown.
func (sv *Supervisor) Status(instanceID string) (InstanceStatus, error) {
	e := sv.entryFor(instanceID)
	if e == nil {
		return InstanceStatus{}, fmt.Errorf("unknown instance: %s", instanceID)
	}
	snap := e.inst.Snapshot()
	snap.Running = e.inst.DetectAlive()
	return InstanceStatus{Status: snap, State: sv.stateOf(instanceID)}, nil
}

// InstancePIDs returns a snapshot of every alive instance's pid, keyed by
// instanceID, for the monitor collector's sampling loop.
func (sv *Supervisor) InstancePIDs() map[string]int32 {
	sv.mu.Lock()
	ids := make([]string, 0, len(sv.entries))
	entries := make(map[string]*entry, len(sv.entries))
	for id, e := range sv.entries {
		ids = append(ids, id)
		entries[id] = e
	}
	sv.mu.Unlock()

	out := make(map[string]int32, len(ids))
	for _, id := range ids {
		e := entries[id]
		snap := e.inst.Snapshot()
		if snap.PID > 0 && e.inst.DetectAlive() {
			out[id] = int32(snap.PID)
		}
	}
	return out
}

// Scale changes a registered spec's instance count to n, starting new
// replicas or stopping surplus ones (highest index first) as needed.
func (sv *Supervisor) Scale(baseID string, n int) error {
	if n < 0 {
		return fmt.Errorf("supervisor: scale %s: negative instance count", baseID)
	}
	sv.mu.Lock()
	s, ok := sv.specs[baseID]
	sv.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: unknown spec: %s", baseID)
	}
	prev := s.Instances
	s.Instances = n
	sv.mu.Lock()
	sv.specs[baseID] = s
	sv.mu.Unlock()

	if n > prev {
		var firstErr error
		for i := prev; i < n; i++ {
			if err := sv.startOne(s, i); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	var firstErr error
	old := s
	old.Instances = prev
	for i := prev - 1; i >= n; i-- {
		id := old.InstanceID(i)
		if err := sv.Stop(id, sv.stopWait); err != nil && firstErr == nil {
			firstErr = err
		}
		sv.mu.Lock()
		delete(sv.entries, id)
		delete(sv.restarts, id)
		sv.mu.Unlock()
		if sv.pipeline != nil {
			sv.pipeline.Forget(id)
		}
	}
	return firstErr
}

// Specs returns a copy of every registered spec, for "save"/ecosystem export.
func (sv *Supervisor) Specs() []spec.ProcessSpec {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make([]spec.ProcessSpec, 0, len(sv.specs))
	for _, s := range sv.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Uptime returns how long instanceID has been continuously running, or zero
// if it isn't currently alive.
func (sv *Supervisor) Uptime(instanceID string) time.Duration {
	e := sv.entryFor(instanceID)
	if e == nil || !e.inst.DetectAlive() {
		return 0
	}
	snap := e.inst.Snapshot()
	return sv.clock.Since(snap.StartTime)
}
