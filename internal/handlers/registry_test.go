package handlers

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/kodeflow/procd/internal/errtaxonomy"
	"github.com/kodeflow/procd/internal/spec"
	"github.com/kodeflow/procd/internal/statemgr"
	"github.com/kodeflow/procd/internal/supervisor"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	sv := supervisor.New(supervisor.Options{StopWait: time.Second})
	state := statemgr.New(t.TempDir(), "test", nil)
	return &Registry{
		Supervisor: sv,
		State:      state,
		Errors:     errtaxonomy.NewHandler(errtaxonomy.Config{}),
		StartedAt:  time.Now(),
		Version:    "test",
	}
}

func collectOne(t *testing.T, r *Registry, cmd string, payload any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var out map[string]any
	send := func(v any, final bool) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, &out)
	}
	if err := r.Dispatch(context.Background(), cmd, raw, send); err != nil {
		t.Fatalf("Dispatch(%s): %v", cmd, err)
	}
	return out
}

func TestDispatchStartThenListShowsTheInstance(t *testing.T) {
	requireUnix(t)
	r := newTestRegistry(t)
	defer func() { _ = r.Supervisor.Shutdown(context.Background()) }()

	s := spec.ProcessSpec{ID: "web", Name: "web", Script: "sleep 2", Instances: 1}
	out := collectOne(t, r, "start", StartPayload{Spec: s})
	if out["message"] != "started web" {
		t.Fatalf("unexpected start response: %+v", out)
	}

	list := collectOne(t, r, "list", nil)
	procs, ok := list["processes"].([]any)
	if !ok || len(procs) != 1 {
		t.Fatalf("expected 1 listed process, got %+v", list)
	}
}

func TestDispatchScaleRejectsNonPositiveInstances(t *testing.T) {
	requireUnix(t)
	r := newTestRegistry(t)
	defer func() { _ = r.Supervisor.Shutdown(context.Background()) }()

	s := spec.ProcessSpec{ID: "web", Name: "web", Script: "sleep 2", Instances: 1}
	collectOne(t, r, "start", StartPayload{Spec: s})

	raw, _ := json.Marshal(ScalePayload{ID: "web", Instances: 0})
	err := r.Dispatch(context.Background(), "scale", raw, func(v any, final bool) error { return nil })
	if err == nil {
		t.Fatalf("expected scaling to 0 instances to be rejected")
	}
}

func TestDispatchStopThenDeleteRemovesInstance(t *testing.T) {
	requireUnix(t)
	r := newTestRegistry(t)

	s := spec.ProcessSpec{ID: "worker", Name: "worker", Script: "sleep 2", Instances: 1}
	collectOne(t, r, "start", StartPayload{Spec: s})
	collectOne(t, r, "stop", IdentifierPayload{Identifier: "worker"})

	out := collectOne(t, r, "delete", IdentifierPayload{Identifier: "worker"})
	if out["processId"] != "worker" {
		t.Fatalf("unexpected delete response: %+v", out)
	}
	list := collectOne(t, r, "list", nil)
	if procs, ok := list["processes"].([]any); !ok || len(procs) != 0 {
		t.Fatalf("expected no processes left after delete, got %+v", list)
	}
}

func TestDispatchSaveThenLoadRoundTrip(t *testing.T) {
	requireUnix(t)
	r := newTestRegistry(t)
	defer func() { _ = r.Supervisor.Shutdown(context.Background()) }()

	s := spec.ProcessSpec{ID: "web", Name: "web", Script: "sleep 2", Instances: 1}
	collectOne(t, r, "start", StartPayload{Spec: s})

	path := filepath.Join(t.TempDir(), "ecosystem.json")
	saveOut := collectOne(t, r, "save", FilePathPayload{FilePath: path})
	if saveOut["processCount"].(float64) != 1 {
		t.Fatalf("unexpected save response: %+v", saveOut)
	}

	r2 := newTestRegistry(t)
	defer func() { _ = r2.Supervisor.Shutdown(context.Background()) }()
	loadOut := collectOne(t, r2, "load", FilePathPayload{FilePath: path})
	if loadOut["successCount"].(float64) != 1 {
		t.Fatalf("unexpected load response: %+v", loadOut)
	}
}

func TestDispatchLoadSkipsAlreadyAdmittedSpecs(t *testing.T) {
	requireUnix(t)
	r := newTestRegistry(t)
	defer func() { _ = r.Supervisor.Shutdown(context.Background()) }()

	s := spec.ProcessSpec{ID: "web", Name: "web", Script: "sleep 2", Instances: 1}
	collectOne(t, r, "start", StartPayload{Spec: s})

	path := filepath.Join(t.TempDir(), "ecosystem.json")
	collectOne(t, r, "save", FilePathPayload{FilePath: path})

	out := collectOne(t, r, "load", FilePathPayload{FilePath: path})
	if out["successCount"].(float64) != 0 {
		t.Fatalf("expected an already-admitted spec to be skipped, got %+v", out)
	}
}

func TestDispatchStatusReportsProcessCount(t *testing.T) {
	requireUnix(t)
	r := newTestRegistry(t)
	defer func() { _ = r.Supervisor.Shutdown(context.Background()) }()

	s := spec.ProcessSpec{ID: "web", Name: "web", Script: "sleep 2", Instances: 1}
	collectOne(t, r, "start", StartPayload{Spec: s})

	out := collectOne(t, r, "status", nil)
	daemon, ok := out["daemon"].(map[string]any)
	if !ok {
		t.Fatalf("unexpected status response: %+v", out)
	}
	if daemon["processCount"].(float64) != 1 {
		t.Fatalf("expected processCount=1, got %+v", daemon)
	}
}

func TestDispatchErrorStatsAndErrorsWithNoRecordedErrors(t *testing.T) {
	r := newTestRegistry(t)
	out := collectOne(t, r, "errorStats", nil)
	if out["total"].(float64) != 0 {
		t.Fatalf("expected total=0 with no recorded errors, got %+v", out)
	}
	errs := collectOne(t, r, "errors", LimitPayload{Limit: 10})
	list, ok := errs["errors"].([]any)
	if !ok || len(list) != 0 {
		t.Fatalf("expected an empty errors list, got %+v", errs)
	}
}

func TestDispatchUnknownCommandReturnsError(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Dispatch(context.Background(), "not-a-verb", nil, func(v any, final bool) error { return nil })
	if err == nil {
		t.Fatalf("expected an error for an unknown command")
	}
}
