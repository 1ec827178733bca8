package statemgr

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time                        { return f.t }
func (f fixedClock) Since(t time.Time) time.Duration        { return f.t.Sub(t) }
func (f fixedClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (f fixedClock) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(d) }

func TestWritePIDReadPIDRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, "1.2.3", fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
	if err := m.WritePID(4242, "/tmp/daemon.sock"); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	info, err := m.ReadPID()
	if err != nil {
		t.Fatalf("ReadPID: %v", err)
	}
	if info.PID != 4242 || info.SocketPath != "/tmp/daemon.sock" || info.Version != "1.2.3" {
		t.Fatalf("unexpected PIDInfo: %+v", info)
	}
	if err := m.RemovePID(); err != nil {
		t.Fatalf("RemovePID: %v", err)
	}
	if _, err := m.ReadPID(); err == nil {
		t.Fatalf("expected ReadPID to fail after RemovePID")
	}
	// Removing an already-absent file is not an error.
	if err := m.RemovePID(); err != nil {
		t.Fatalf("RemovePID on an absent file: %v", err)
	}
}

func TestWriteEndpointReadEndpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, "dev", nil)
	if err := m.WriteEndpoint("  127.0.0.1:9999  \n"); err != nil {
		t.Fatalf("WriteEndpoint: %v", err)
	}
	got, err := m.ReadEndpoint()
	if err != nil {
		t.Fatalf("ReadEndpoint: %v", err)
	}
	if got != "127.0.0.1:9999" {
		t.Fatalf("expected trimmed endpoint token, got %q", got)
	}
	if err := m.RemoveEndpoint(); err != nil {
		t.Fatalf("RemoveEndpoint: %v", err)
	}
	if _, err := m.ReadEndpoint(); err == nil {
		t.Fatalf("expected no endpoint locator after a clean shutdown's RemoveEndpoint")
	}
}

func TestWriteSnapshotReadSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, "dev", nil)
	snap := FleetSnapshot{
		PID:        100,
		SocketPath: "/tmp/daemon.sock",
		Processes: map[string]ProcessSnapshot{
			"web_0": {ID: "web_0", PID: 200, Status: "running", RestartCount: 1},
		},
	}
	if err := m.WriteSnapshot(snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	got, err := m.ReadSnapshot()
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if got.PID != snap.PID || got.SocketPath != snap.SocketPath {
		t.Fatalf("snapshot mismatch: %+v", got)
	}
	row, ok := got.Processes["web_0"]
	if !ok || row.PID != 200 || row.RestartCount != 1 {
		t.Fatalf("process row mismatch: %+v", got.Processes)
	}
}

func TestClassifyHealthyOnlyWhenAllThreeSignalsAgree(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, "dev", nil)

	// No signals at all: unknown.
	if h := m.Classify(context.Background(), nil); h != Unknown {
		t.Fatalf("expected Unknown with no pid file and no dialer, got %s", h)
	}

	// PID file present but process dead and endpoint unreachable: unhealthy.
	if err := m.WritePID(os.Getpid()+1_000_000, "x"); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	deadDial := func(context.Context) error { return errors.New("connection refused") }
	if h := m.Classify(context.Background(), deadDial); h != Unhealthy {
		t.Fatalf("expected Unhealthy with a stale pid and unreachable endpoint, got %s", h)
	}

	// All three signals line up: healthy.
	if err := m.WritePID(os.Getpid(), "x"); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	liveDial := func(context.Context) error { return nil }
	if h := m.Classify(context.Background(), liveDial); h != Healthy {
		t.Fatalf("expected Healthy when pid file, live process, and endpoint all agree, got %s", h)
	}

	// PID file present and process alive but endpoint unreachable: unhealthy.
	if h := m.Classify(context.Background(), deadDial); h != Unhealthy {
		t.Fatalf("expected Unhealthy when the endpoint signal disagrees, got %s", h)
	}
}

func TestStaleCleanupLeavesSnapshotButRemovesPIDAndEndpoint(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, "dev", nil)
	if err := m.WritePID(1, "x"); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	if err := m.WriteEndpoint("x"); err != nil {
		t.Fatalf("WriteEndpoint: %v", err)
	}
	if err := m.WriteSnapshot(FleetSnapshot{PID: 1}); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	if err := m.StaleCleanup(); err != nil {
		t.Fatalf("StaleCleanup: %v", err)
	}
	if _, err := m.ReadPID(); err == nil {
		t.Fatalf("expected PID file removed by StaleCleanup")
	}
	if _, err := m.ReadEndpoint(); err == nil {
		t.Fatalf("expected endpoint locator removed by StaleCleanup")
	}
	if _, err := m.ReadSnapshot(); err != nil {
		t.Fatalf("expected the fleet snapshot to survive StaleCleanup: %v", err)
	}
}

func TestParsePort(t *testing.T) {
	port, err := ParsePort(" 8080 \n")
	if err != nil || port != 8080 {
		t.Fatalf("ParsePort: got (%d, %v), want (8080, nil)", port, err)
	}
	if _, err := ParsePort("not-a-port"); err == nil {
		t.Fatalf("expected ParsePort to reject a non-numeric token")
	}
}
