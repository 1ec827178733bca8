// Package instance manages one concrete child process: spawning, signalling,
// liveness detection, and the small bits of mutable state (pid, start time,
// exit error) the supervisor's state machine reads and writes.
//
// Ported from the teacher's internal/process.Process, renamed to the
// design's "Instance" vocabulary and trimmed of the teacher's PID-file/
// detector machinery (the design's State Manager owns on-disk state, not
// the instance itself).
package instance

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/kodeflow/procd/internal/spec"
)

// Status is a point-in-time snapshot of an Instance, safe to copy.
type Status struct {
	InstanceID   string
	PID          int
	Running      bool
	StartTime    time.Time
	StoppedAt    time.Time
	ExitErr      error
	RestartCount int
	State        string // "running", "stopped", "errored", "restarting"
}

// Instance is one live (or just-exited) replica of a ProcessSpec.
type Instance struct {
	mu           sync.Mutex
	instanceID   string
	spec         spec.ProcessSpec
	cmd          *exec.Cmd
	pid          int
	startTime    time.Time
	stoppedAt    time.Time
	exitErr      error
	running      bool
	stopping     bool
	restartCount int
	waitDone     chan struct{}
	monitoring   bool
	outW, errW   io.WriteCloser
}

func New(instanceID string, s spec.ProcessSpec) *Instance {
	return &Instance{instanceID: instanceID, spec: s}
}

func (i *Instance) InstanceID() string { return i.instanceID }

func (i *Instance) UpdateSpec(s spec.ProcessSpec) {
	i.mu.Lock()
	i.spec = s
	i.mu.Unlock()
}

func (i *Instance) Spec() spec.ProcessSpec {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.spec
}

// ConfigureCmd builds the *exec.Cmd to spawn, wiring env, cwd, and the
// stdout/stderr writers the log pipeline provided for this instance.
func (i *Instance) ConfigureCmd(mergedEnv []string, stdout, stderr io.WriteCloser) *exec.Cmd {
	i.mu.Lock()
	s := i.spec
	i.outW, i.errW = stdout, stderr
	i.mu.Unlock()

	cmd := s.BuildCommand()
	if s.Cwd != "" {
		cmd.Dir = s.Cwd
	}
	if len(mergedEnv) > 0 {
		cmd.Env = mergedEnv
	}
	cmd.SysProcAttr = procAttr()
	cmd.Stdin = nil
	if stdout != nil {
		cmd.Stdout = stdout
	} else {
		cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	if stderr != nil {
		cmd.Stderr = stderr
	} else {
		cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	return cmd
}

// TryStart starts cmd and records the resulting pid/startTime atomically
// with respect to concurrent Status()/DetectAlive() callers.
func (i *Instance) TryStart(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	i.mu.Lock()
	i.cmd = cmd
	i.waitDone = make(chan struct{})
	i.pid = cmd.Process.Pid
	i.startTime = time.Now()
	i.running = true
	i.stopping = false
	i.mu.Unlock()
	return nil
}

func (i *Instance) WaitDoneChan() chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.waitDone
}

func (i *Instance) CloseWaitDone() {
	i.mu.Lock()
	if i.waitDone != nil {
		close(i.waitDone)
		i.waitDone = nil
	}
	i.mu.Unlock()
}

func (i *Instance) MarkExited(err error) {
	i.mu.Lock()
	i.running = false
	i.stoppedAt = time.Now()
	i.exitErr = err
	i.mu.Unlock()
}

func (i *Instance) SetStopRequested(v bool) {
	i.mu.Lock()
	i.stopping = v
	i.mu.Unlock()
}

func (i *Instance) StopRequested() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stopping
}

// IncRestarts increments and returns the new restart count.
func (i *Instance) IncRestarts() int {
	i.mu.Lock()
	i.restartCount++
	v := i.restartCount
	i.mu.Unlock()
	return v
}

func (i *Instance) RestartCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.restartCount
}

func (i *Instance) ResetRestarts() {
	i.mu.Lock()
	i.restartCount = 0
	i.mu.Unlock()
}

// MonitoringStartIfNeeded claims the single-waiter role for reaping cmd.Wait.
func (i *Instance) MonitoringStartIfNeeded() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.monitoring {
		return false
	}
	i.monitoring = true
	return true
}

func (i *Instance) MonitoringStop() {
	i.mu.Lock()
	i.monitoring = false
	i.mu.Unlock()
}

func (i *Instance) CloseWriters() {
	i.mu.Lock()
	ow, ew := i.outW, i.errW
	i.outW, i.errW = nil, nil
	i.mu.Unlock()
	if ow != nil {
		_ = ow.Close()
	}
	if ew != nil {
		_ = ew.Close()
	}
}

func (i *Instance) CopyCmd() *exec.Cmd {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cmd
}

// Snapshot returns a consistent copy of the instance's current status.
func (i *Instance) Snapshot() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Status{
		InstanceID:   i.instanceID,
		PID:          i.pid,
		Running:      i.running,
		StartTime:    i.startTime,
		StoppedAt:    i.stoppedAt,
		ExitErr:      i.exitErr,
		RestartCount: i.restartCount,
	}
}

// DetectAlive probes liveness without racing os/exec's internal waitpid.
func (i *Instance) DetectAlive() bool {
	i.mu.Lock()
	cmd := i.cmd
	i.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	pid := cmd.Process.Pid
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return signalProbe(pid)
}

func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// EnforceStartDuration polls liveness until d elapses, failing fast if the
// instance exits before it has stayed up for the minimum window.
func (i *Instance) EnforceStartDuration(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !i.DetectAlive() {
			return errExitedBeforeStartDuration(i.instanceID, d)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// Stop sends the graceful-termination signal, then escalates to a forceful
// kill after wait elapses. Mirrors the teacher's process.Process.Stop.
func (i *Instance) Stop(wait time.Duration) error {
	if !i.DetectAlive() {
		return nil
	}
	i.SetStopRequested(true)
	cmd := i.CopyCmd()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	terminate(pid)

	wd := i.WaitDoneChan()
	if i.MonitoringStartIfNeeded() {
		ch := make(chan error, 1)
		go func() {
			err := cmd.Wait()
			i.CloseWaitDone()
			i.MarkExited(err)
			ch <- err
		}()
		select {
		case <-ch:
		case <-time.After(wait):
			forceKill(pid)
			select {
			case <-ch:
			case <-time.After(200 * time.Millisecond):
			}
		}
		i.CloseWriters()
		i.MonitoringStop()
	} else if wd != nil {
		select {
		case <-wd:
		case <-time.After(wait):
			forceKill(pid)
			select {
			case <-wd:
			case <-time.After(200 * time.Millisecond):
			}
		}
	} else {
		time.Sleep(wait)
	}
	return i.Snapshot().ExitErr
}

// Kill sends an immediate forceful signal and attempts to reap promptly.
func (i *Instance) Kill() error {
	cmd := i.CopyCmd()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	forceKill(pid)
	wd := i.WaitDoneChan()
	if i.MonitoringStartIfNeeded() {
		ch := make(chan error, 1)
		go func() {
			err := cmd.Wait()
			i.CloseWaitDone()
			i.MarkExited(err)
			ch <- err
		}()
		select {
		case <-ch:
		case <-time.After(200 * time.Millisecond):
		}
		i.CloseWriters()
		i.MonitoringStop()
	} else if wd != nil {
		select {
		case <-wd:
		case <-time.After(200 * time.Millisecond):
		}
	}
	return i.Snapshot().ExitErr
}

type startDurationErr struct {
	instanceID string
	d          time.Duration
}

func (e *startDurationErr) Error() string {
	return "instance " + e.instanceID + " exited before start duration " + e.d.String() + " elapsed"
}

func errExitedBeforeStartDuration(instanceID string, d time.Duration) error {
	return &startDurationErr{instanceID: instanceID, d: d}
}

// IsBeforeStartErr reports whether err came from EnforceStartDuration.
func IsBeforeStartErr(err error) bool {
	_, ok := err.(*startDurationErr)
	return ok
}
