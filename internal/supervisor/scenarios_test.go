package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/kodeflow/procd/internal/logpipeline"
	"github.com/kodeflow/procd/internal/monitor"
	"github.com/kodeflow/procd/internal/spec"
)

// TestScenarioSpawnAndList: start {id:"a", script:<long-lived>, instances:1}
// -> list returns one process {instanceId:"a_0", status:"running",
// restartCount:0}.
func TestScenarioSpawnAndList(t *testing.T) {
	requireUnix(t)
	sv := newSupervisor(t)
	defer func() { _ = sv.Shutdown(context.Background()) }()

	s := spec.ProcessSpec{ID: "a", Name: "a", Script: "sleep 5", Instances: 1}
	if err := sv.Start(s); err != nil {
		t.Fatalf("Start: %v", err)
	}
	list := sv.List("a")
	if len(list) != 1 {
		t.Fatalf("expected exactly one listed process, got %+v", list)
	}
	got := list[0]
	if got.InstanceID != "a_0" || got.State != StateRunning || got.RestartCount != 0 {
		t.Fatalf("unexpected status: %+v", got)
	}
}

// TestScenarioCrashWithAutoRestart: spec with autorestart:true,
// maxRestarts:3; a child that exits code 1 immediately, over and over.
// Expected final status "errored", restartCount==3.
func TestScenarioCrashWithAutoRestart(t *testing.T) {
	requireUnix(t)
	sv := newSupervisor(t)
	defer func() { _ = sv.Shutdown(context.Background()) }()

	s := spec.ProcessSpec{ID: "b2", Name: "b2", Script: "false", Instances: 1, AutoRestart: true, MaxRestarts: 3}
	if err := sv.Start(s); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		st, err := sv.Status("b2_0")
		if err == nil && st.State == StateErrored {
			rs, _ := sv.GetRestartStats("b2_0")
			if rs.Count != 3 {
				t.Fatalf("expected restartCount==3 at the errored state, got %d", rs.Count)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected the crash loop to settle into errored with restartCount==3 within the deadline")
}

// TestScenarioManualStopWinsOverCrash: start an autorestart spec; issue
// stop("b"), which terminates the child. Expected: no restart scheduled,
// and the instance is not running (the live set per invariant 4 excludes
// it).
func TestScenarioManualStopWinsOverCrash(t *testing.T) {
	requireUnix(t)
	sv := newSupervisor(t)
	defer func() { _ = sv.Shutdown(context.Background()) }()

	s := spec.ProcessSpec{ID: "b", Name: "b", Script: "sleep 5", Instances: 1, AutoRestart: true, MaxRestarts: 100}
	if err := sv.Start(s); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sv.Stop("b", time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	st, err := sv.Status("b_0")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Running || st.State == StateRestarting {
		t.Fatalf("expected a manual stop to suppress any restart, got %+v", st)
	}
}

// TestScenarioClusteredPortAssignment: spec {id:"c", instances:3,
// env:{PORT:"4000"}} -> three children receive PORT 4000, 4001, 4002.
func TestScenarioClusteredPortAssignment(t *testing.T) {
	requireUnix(t)
	sv := newSupervisor(t)
	defer func() { _ = sv.Shutdown(context.Background()) }()

	outDir := t.TempDir()
	script := fmt.Sprintf(`sh -c 'echo $PORT > %s/$PORT.out; sleep 5'`, outDir)
	s := spec.ProcessSpec{ID: "c", Name: "c", Script: script, Instances: 3, Env: map[string]string{"PORT": "4000"}}
	if err := sv.Start(s); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, port := range []int{4000, 4001, 4002} {
		path := filepath.Join(outDir, strconv.Itoa(port)+".out")
		deadline := time.Now().Add(3 * time.Second)
		var lastErr error
		for time.Now().Before(deadline) {
			if _, err := os.Stat(path); err == nil {
				lastErr = nil
				break
			} else {
				lastErr = err
			}
			time.Sleep(20 * time.Millisecond)
		}
		if lastErr != nil {
			t.Fatalf("expected instance assigned PORT=%d to write %s: %v", port, path, lastErr)
		}
	}
}

// TestScenarioLogTail: a child prints lines L1..L150; logs(c, 100) returns
// lines L51..L150 in order.
func TestScenarioLogTail(t *testing.T) {
	requireUnix(t)
	pipeline := logpipeline.New(logpipeline.Options{
		Dir: t.TempDir(), RingSize: 1000, PoolSize: 1000, MaxFileSize: 10 << 20, MaxBackups: 3,
	})
	sv := New(Options{StopWait: time.Second, Pipeline: pipeline})
	defer func() { _ = sv.Shutdown(context.Background()) }()

	script := `sh -c 'i=1; while [ $i -le 150 ]; do echo L$i; i=$((i+1)); done'`
	s := spec.ProcessSpec{ID: "d", Name: "d", Script: script, Instances: 1}
	if err := sv.Start(s); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && pipeline.Len("d_0") < 150 {
		time.Sleep(20 * time.Millisecond)
	}

	tail := pipeline.Tail("d_0", 100)
	if len(tail) != 100 {
		t.Fatalf("expected 100 tailed lines, got %d", len(tail))
	}
	if tail[0].Message != "L51" || tail[99].Message != "L150" {
		t.Fatalf("expected the tail to be L51..L150 in order, got [%q .. %q]", tail[0].Message, tail[99].Message)
	}
}

// TestScenarioMemoryLimit: a spec with a memory limit below any running
// process's actual RSS; within one memory-check, restartCount increments
// and a new pid appears for the same instanceId.
func TestScenarioMemoryLimit(t *testing.T) {
	requireUnix(t)
	mon := monitor.New(monitor.Config{})
	sv := New(Options{StopWait: time.Second, Monitor: mon})
	defer func() { _ = sv.Shutdown(context.Background()) }()

	s := spec.ProcessSpec{ID: "e", Name: "e", Script: "sleep 5", Instances: 1, AutoRestart: true, MaxRestarts: 5, MemoryLimit: 1}
	if err := sv.Start(s); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before, err := sv.Status("e_0")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	beforePID := before.PID

	sv.CheckMemoryLimits(mon)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		after, err := sv.Status("e_0")
		if err == nil && after.Running && after.PID != beforePID {
			rs, ok := sv.GetRestartStats("e_0")
			if !ok || rs.Count < 1 {
				t.Fatalf("expected restartCount to have incremented, got %+v", rs)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected a new pid for e_0 after exceeding its memory limit")
}
