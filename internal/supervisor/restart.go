package supervisor

import (
	"log/slog"

	"github.com/kodeflow/procd/internal/clockid"
	"github.com/kodeflow/procd/internal/monitor"
)

// monitorLoop waits for an instance to exit and, if it wasn't a requested
// stop and the spec allows it, restarts it after a backoff delay. Ported
// from the teacher's Manager.monitor, replacing the fixed RestartInterval
// sleep with internal/clockid's exponential-backoff-with-jitter formula and
// adding the spec's MaxRestarts ceiling (the teacher restarts unconditionally
// forever).
func (sv *Supervisor) monitorLoop(instanceID string) {
	defer sv.wg.Done()

	e := sv.entryFor(instanceID)
	if e == nil {
		return
	}
	cmd := e.inst.CopyCmd()
	if cmd == nil {
		e.inst.MonitoringStop()
		return
	}
	err := cmd.Wait()
	e.inst.CloseWaitDone()
	e.inst.MarkExited(err)
	e.inst.CloseWriters()

	stopRequested := e.inst.StopRequested()
	s := e.inst.Spec()

	if stopRequested || sv.shuttingDown || !s.AutoRestart {
		e.inst.MonitoringStop()
		sv.setState(instanceID, StateStopped)
		return
	}

	count, exceeded := sv.recordRestart(instanceID, err, s.MaxRestarts)
	if exceeded {
		slog.Warn("instance exceeded max restarts, giving up", "instance_id", instanceID, "restarts", count)
		e.inst.MonitoringStop()
		sv.setState(instanceID, StateErrored)
		return
	}
	e.inst.IncRestarts()

	sv.setState(instanceID, StateRestarting)
	delay := clockid.RestartDelay(count)
	slog.Info("instance restarting", "instance_id", instanceID, "attempt", count, "delay", delay)
	<-sv.clock.After(delay)

	_, idx, ok := sv.specFor(instanceID)
	if !ok {
		idx = 0
	}
	e.inst.MonitoringStop()
	if err := sv.startOne(s, idx); err != nil {
		slog.Error("instance restart failed", "instance_id", instanceID, "error", err)
	}
	// startOne spawns a fresh monitorLoop goroutine for the restarted
	// process; this goroutine's job ends here.
}

// recordRestart increments and returns the restart count for instanceID,
// unless doing so would push the count past max (when max > 0), in which
// case the count is left unchanged and exceeded is true. Checking the
// ceiling and incrementing under the same lock keeps the ceiling inclusive:
// a spec with maxRestarts:3 performs exactly 3 restarts, ending with
// restartCount==3, rather than counting the giving-up crash as a 4th.
func (sv *Supervisor) recordRestart(instanceID string, exitErr error, max int) (count int, exceeded bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	rs, ok := sv.restarts[instanceID]
	if !ok {
		rs = &RestartStats{InstanceID: instanceID}
		sv.restarts[instanceID] = rs
	}
	if max > 0 && rs.Count+1 > max {
		return rs.Count, true
	}
	rs.Count++
	rs.LastRestartAt = sv.clock.Now()
	if exitErr != nil {
		rs.LastError = exitErr.Error()
	}
	return rs.Count, false
}

// RestartScheduled reports whether instanceID is currently in the
// restarting state, for internal/errtaxonomy's process-restart recovery
// strategy.
func (sv *Supervisor) RestartScheduled(instanceID string) bool {
	return sv.stateOf(instanceID) == StateRestarting
}

// GetRestartStats returns the restart bookkeeping for an instance.
func (sv *Supervisor) GetRestartStats(instanceID string) (RestartStats, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	rs, ok := sv.restarts[instanceID]
	if !ok {
		return RestartStats{}, false
	}
	return *rs, true
}

// CheckMemoryLimits asks the monitor for each running instance's RSS and
// restarts any instance that has crossed its spec's MemoryLimit. Each such
// restart counts against the spec's MaxRestarts ceiling; an instance past
// the ceiling is stopped and left errored. Intended to be called
// periodically by the daemon's main loop.
func (sv *Supervisor) CheckMemoryLimits(mon *monitor.Collector) {
	for id, pid := range sv.InstancePIDs() {
		s, idx, ok := sv.specFor(id)
		if !ok || s.MemoryLimit <= 0 {
			continue
		}
		sample, err := mon.Sample(id, pid)
		if err != nil {
			continue
		}
		if monitor.CheckMemoryLimit(sample.MemoryRSS, s.MemoryLimit) {
			slog.Warn("instance over memory limit, restarting", "instance_id", id, "rss", sample.MemoryRSS, "limit", s.MemoryLimit)
			count, exceeded := sv.recordRestart(id, nil, s.MaxRestarts)
			_ = sv.Stop(id, sv.stopWait)
			if exceeded {
				slog.Warn("instance exceeded max restarts, giving up", "instance_id", id, "restarts", count)
				sv.setState(id, StateErrored)
				continue
			}
			if e := sv.entryFor(id); e != nil {
				e.inst.IncRestarts()
			}
			if err := sv.startOne(s, idx); err != nil {
				slog.Error("instance restart failed", "instance_id", id, "error", err)
			}
		}
	}
}
