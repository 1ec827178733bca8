// Package supervisor is the fleet-level state machine: it owns every
// instance.Instance, drives the stopped -> starting -> running ->
// stopping -> stopped lifecycle (plus the crash path into restarting or
// errored), and enforces each spec's restart policy, memory limit, and
// scale factor.
//
// Grounded on the teacher's internal/manager.Manager: Start/Stop/StartN/
// StopAll/StatusMatch/StopMatch/wildcardMatch/retryParams all have a direct
// analogue here, generalized from the teacher's flat "name -> *Process" map
// to the design's base-spec/instance split (one ProcessSpec scales to N
// instance.Instance values) and from the teacher's fixed-interval restart to
// the spec's exponential-backoff-with-jitter restart (internal/clockid).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kodeflow/procd/internal/clockid"
	"github.com/kodeflow/procd/internal/instance"
	"github.com/kodeflow/procd/internal/logpipeline"
	"github.com/kodeflow/procd/internal/monitor"
	"github.com/kodeflow/procd/internal/spec"
)

// State names surfaced in Status.State and the "list"/"show" verbs.
const (
	StateStopped    = "stopped"
	StateStarting   = "starting"
	StateRunning    = "running"
	StateStopping   = "stopping"
	StateRestarting = "restarting"
	StateErrored    = "errored"
)

// ErrDuplicateID is returned by Start when spec.id names a spec already
// admitted to the fleet; callers must Delete it first (Stop alone leaves the
// spec admitted), or use Scale to change its instance count.
var ErrDuplicateID = errors.New("supervisor: spec id already admitted")

// RestartStats tracks restart-policy bookkeeping for one instance.
type RestartStats struct {
	InstanceID    string    `json:"instanceId"`
	Count         int       `json:"count"`
	LastRestartAt time.Time `json:"lastRestartAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}

type entry struct {
	inst  *instance.Instance
	state string
}

// Supervisor manages the full fleet of process specs and their instances.
type Supervisor struct {
	mu       sync.Mutex
	specs    map[string]spec.ProcessSpec // keyed by spec.ID (base id)
	entries  map[string]*entry           // keyed by instanceID
	restarts map[string]*RestartStats    // keyed by instanceID

	env      *spec.Env
	pipeline *logpipeline.Pipeline
	mon      *monitor.Collector
	clock    clockid.Clock

	stopWait time.Duration

	wg           sync.WaitGroup
	shuttingDown bool
}

// Options configures a new Supervisor.
type Options struct {
	Env      *spec.Env
	Pipeline *logpipeline.Pipeline
	Monitor  *monitor.Collector
	Clock    clockid.Clock
	StopWait time.Duration // grace period before SIGKILL escalation
}

func New(opts Options) *Supervisor {
	if opts.Env == nil {
		opts.Env = spec.NewEnv()
	}
	if opts.Clock == nil {
		opts.Clock = clockid.Default
	}
	if opts.StopWait <= 0 {
		opts.StopWait = 10 * time.Second
	}
	return &Supervisor{
		specs:    make(map[string]spec.ProcessSpec),
		entries:  make(map[string]*entry),
		restarts: make(map[string]*RestartStats),
		env:      opts.Env,
		pipeline: opts.Pipeline,
		mon:      opts.Monitor,
		clock:    opts.Clock,
		stopWait: opts.StopWait,
	}
}

// Start registers a new spec and brings its instances up to the spec's
// desired count. A spec whose id is already admitted is rejected with
// ErrDuplicateID and left unchanged.
func (sv *Supervisor) Start(s spec.ProcessSpec) error {
	s.Normalize()
	if err := s.Validate(); err != nil {
		return err
	}
	sv.mu.Lock()
	if _, admitted := sv.specs[s.ID]; admitted {
		sv.mu.Unlock()
		return fmt.Errorf("supervisor: start %s: %w", s.ID, ErrDuplicateID)
	}
	sv.specs[s.ID] = s
	sv.mu.Unlock()
	return sv.reconcileCount(s)
}

// reconcileCount starts any missing instances up to s.Instances. It does not
// stop surplus instances; Scale handles shrinking explicitly.
func (sv *Supervisor) reconcileCount(s spec.ProcessSpec) error {
	n := s.Instances
	if n <= 0 {
		n = 1
	}
	var firstErr error
	for i := 0; i < n; i++ {
		id := s.InstanceID(i)
		if sv.isAlive(id) {
			continue
		}
		if err := sv.startOne(s, i); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (sv *Supervisor) isAlive(instanceID string) bool {
	sv.mu.Lock()
	e, ok := sv.entries[instanceID]
	sv.mu.Unlock()
	return ok && e.inst.DetectAlive()
}

func (sv *Supervisor) startOne(s spec.ProcessSpec, i int) error {
	instanceID := s.InstanceID(i)

	sv.mu.Lock()
	e, exists := sv.entries[instanceID]
	if !exists {
		e = &entry{inst: instance.New(instanceID, s), state: StateStopped}
		sv.entries[instanceID] = e
	} else {
		e.inst.UpdateSpec(s)
	}
	e.state = StateStarting
	sv.mu.Unlock()

	var stdout, stderr io.WriteCloser
	if sv.pipeline != nil {
		o, e2, err := sv.pipeline.Open(instanceID)
		if err != nil {
			sv.setState(instanceID, StateErrored)
			return err
		}
		stdout, stderr = o, e2
	}

	mergedEnv := sv.env.Merge(spec.InstanceEnv(s, i))
	cmd := e.inst.ConfigureCmd(mergedEnv, stdout, stderr)

	if err := e.inst.TryStart(cmd); err != nil {
		sv.setState(instanceID, StateErrored)
		return fmt.Errorf("supervisor: start %s: %w", instanceID, err)
	}

	if e.inst.MonitoringStartIfNeeded() {
		sv.wg.Add(1)
		go sv.monitorLoop(instanceID)
	}

	if err := e.inst.EnforceStartDuration(s.StartDuration); err != nil {
		sv.setState(instanceID, StateErrored)
		return err
	}
	if s.StartDuration > 0 {
		// Surviving the spec's declared stability window counts as a clean
		// run: forgive restart history so a later, unrelated crash doesn't
		// inherit an old crash loop's count toward maxRestarts.
		sv.resetRestartStats(instanceID)
		e.inst.ResetRestarts()
	}

	sv.setState(instanceID, StateRunning)
	slog.Info("instance started", "instance_id", instanceID, "pid", e.inst.Snapshot().PID)
	return nil
}

func (sv *Supervisor) setState(instanceID, state string) {
	sv.mu.Lock()
	if e, ok := sv.entries[instanceID]; ok {
		e.state = state
	}
	sv.mu.Unlock()
}

// Stop stops every instance whose instanceID matches pattern (exact id, spec
// base id, or '*' wildcard).
func (sv *Supervisor) Stop(pattern string, wait time.Duration) error {
	if wait <= 0 {
		wait = sv.stopWait
	}
	ids := sv.matchIDs(pattern)
	var firstErr error
	for _, id := range ids {
		sv.setState(id, StateStopping)
		e := sv.entryFor(id)
		if e == nil {
			continue
		}
		if err := e.inst.Stop(wait); err != nil && firstErr == nil {
			firstErr = err
		}
		if sv.pipeline != nil {
			sv.pipeline.Close(id)
		}
		sv.setState(id, StateStopped)
	}
	return firstErr
}

// Restart stops then starts every instance matching pattern, resetting its
// restart-backoff bookkeeping.
func (sv *Supervisor) Restart(pattern string, wait time.Duration) error {
	ids := sv.matchIDs(pattern)
	var firstErr error
	for _, id := range ids {
		base, i, ok := sv.specFor(id)
		if !ok {
			continue
		}
		if err := sv.Stop(id, wait); err != nil && firstErr == nil {
			firstErr = err
		}
		sv.resetRestartStats(id)
		if err := sv.startOne(base, i); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Delete stops and fully removes a spec and all of its instances.
func (sv *Supervisor) Delete(baseID string) error {
	ids := sv.matchIDs(baseID)
	if err := sv.Stop(baseID, sv.stopWait); err != nil {
		return err
	}
	sv.mu.Lock()
	delete(sv.specs, baseID)
	for _, id := range ids {
		delete(sv.entries, id)
		delete(sv.restarts, id)
	}
	sv.mu.Unlock()
	if sv.pipeline != nil {
		for _, id := range ids {
			sv.pipeline.Forget(id)
		}
	}
	return nil
}

// specFor resolves instanceID back to its base spec and replica index.
// Resolution order mirrors SPEC_FULL.md's scale-identifier rule:
//  1. instanceID is itself a registered spec id (single-instance spec).
//  2. instanceID splits as "<registered-id>_<n>" (the common clustered case).
//  3. fallback: the longest registered spec id that is an exact prefix of
//     instanceID followed by "_", even if the suffix isn't purely numeric.
func (sv *Supervisor) specFor(instanceID string) (spec.ProcessSpec, int, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if s, ok := sv.specs[instanceID]; ok {
		return s, 0, true
	}
	if base, idx, ok := spec.SplitInstanceID(instanceID); ok {
		if s, ok := sv.specs[base]; ok {
			return s, idx, true
		}
	}
	var bestID string
	for id := range sv.specs {
		prefix := id + "_"
		if len(id) > len(bestID) && len(instanceID) > len(prefix) && instanceID[:len(prefix)] == prefix {
			bestID = id
		}
	}
	if bestID == "" {
		return spec.ProcessSpec{}, 0, false
	}
	return sv.specs[bestID], 0, true
}

func (sv *Supervisor) entryFor(instanceID string) *entry {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.entries[instanceID]
}

func (sv *Supervisor) resetRestartStats(instanceID string) {
	sv.mu.Lock()
	delete(sv.restarts, instanceID)
	sv.mu.Unlock()
}

// matchIDs returns every known instanceID matching pattern, per
// SPEC_FULL.md §4.5's identifier-resolution order: (a) exact instanceID,
// (b) instanceID beginning with "pattern_" (the base-id-of-a-cluster
// case), (c) the ProcessSpec.Name of the instance's spec, plus the
// general '*' wildcard.
func (sv *Supervisor) matchIDs(pattern string) []string {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	var ids []string
	for id, e := range sv.entries {
		base, _, ok := spec.SplitInstanceID(id)
		name := e.inst.Spec().Name
		if id == pattern || (ok && base == pattern) || name == pattern || wildcardMatch(id, pattern) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Shutdown stops every instance, used during daemon teardown.
func (sv *Supervisor) Shutdown(ctx context.Context) error {
	sv.mu.Lock()
	sv.shuttingDown = true
	ids := make([]string, 0, len(sv.entries))
	for id := range sv.entries {
		ids = append(ids, id)
	}
	sv.mu.Unlock()

	for _, id := range ids {
		sv.setState(id, StateStopping)
		if e := sv.entryFor(id); e != nil {
			_ = e.inst.Stop(sv.stopWait)
		}
		if sv.pipeline != nil {
			sv.pipeline.Close(id)
		}
	}
	done := make(chan struct{})
	go func() { sv.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
