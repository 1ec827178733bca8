// Package statemgr owns the daemon's on-disk footprint: the endpoint locator
// file clients use to find the control-plane listener, the PID file, and the
// fleet snapshot, plus the health classification and stale-cleanup rules
// spec.md §4.6 defines over them.
//
// Grounded on the teacher's internal/process.WritePIDFile/RemovePIDFile and
// internal/detector.PIDFileDetector, generalized from one child process's PID
// file to the daemon's own three artifacts.
package statemgr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kodeflow/procd/internal/clockid"
)

const (
	pidFileName       = "daemon.pid"
	endpointFileName  = "daemon.sock"
	snapshotFileName  = "daemon.json"
)

// PIDInfo is the daemon.pid JSON document.
type PIDInfo struct {
	PID        int       `json:"pid"`
	StartTime  time.Time `json:"startTime"`
	SocketPath string    `json:"socketPath"`
	Version    string    `json:"version"`
}

// ProcessSnapshot is one fleet member's row in the daemon.json document.
type ProcessSnapshot struct {
	ID           string    `json:"id"`
	PID          int32     `json:"pid"`
	Status       string    `json:"status"`
	StartTime    time.Time `json:"startTime"`
	RestartCount int       `json:"restartCount"`
}

// FleetSnapshot is the daemon.json document.
type FleetSnapshot struct {
	PID        int                        `json:"pid"`
	StartTime  time.Time                  `json:"startTime"`
	SocketPath string                     `json:"socketPath"`
	Processes  map[string]ProcessSnapshot `json:"processes"`
}

// Health is the three-way classification from spec.md §4.6.
type Health string

const (
	Healthy   Health = "healthy"
	Unhealthy Health = "unhealthy"
	Unknown   Health = "unknown"
)

// Manager owns a daemonDir and serializes reads/writes of its three
// artifacts. It is not itself mutex-guarded beyond what atomicWrite
// provides: callers (the supervisor's mutating-command path) already
// serialize writes by construction.
type Manager struct {
	dir     string
	version string
	clock   clockid.Clock
}

// New returns a Manager rooted at dir. New does not touch the filesystem;
// dir is created, if absent, by the first write.
func New(dir, version string, clock clockid.Clock) *Manager {
	if clock == nil {
		clock = clockid.Default
	}
	return &Manager{dir: dir, version: version, clock: clock}
}

func (m *Manager) pidPath() string      { return filepath.Join(m.dir, pidFileName) }
func (m *Manager) endpointPath() string { return filepath.Join(m.dir, endpointFileName) }
func (m *Manager) snapshotPath() string { return filepath.Join(m.dir, snapshotFileName) }

// WritePID writes daemon.pid atomically.
func (m *Manager) WritePID(pid int, socketPath string) error {
	info := PIDInfo{PID: pid, StartTime: m.clock.Now(), SocketPath: socketPath, Version: m.version}
	raw, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(m.pidPath(), raw, 0644)
}

// ReadPID reads and parses daemon.pid.
func (m *Manager) ReadPID() (PIDInfo, error) {
	raw, err := os.ReadFile(m.pidPath())
	if err != nil {
		return PIDInfo{}, err
	}
	var info PIDInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return PIDInfo{}, fmt.Errorf("statemgr: parse %s: %w", m.pidPath(), err)
	}
	return info, nil
}

// RemovePID deletes daemon.pid if present.
func (m *Manager) RemovePID() error { return removeIfExists(m.pidPath()) }

// WriteEndpoint atomically records the token (a TCP port number, or the
// unix-socket path itself) clients use to reach the listener.
func (m *Manager) WriteEndpoint(token string) error {
	return atomicWrite(m.endpointPath(), []byte(strings.TrimSpace(token)), 0644)
}

// ReadEndpoint reads the endpoint locator's token.
func (m *Manager) ReadEndpoint() (string, error) {
	raw, err := os.ReadFile(m.endpointPath())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// RemoveEndpoint deletes daemon.sock if present.
func (m *Manager) RemoveEndpoint() error { return removeIfExists(m.endpointPath()) }

// WriteSnapshot atomically rewrites daemon.json. Called after every
// mutating control-plane command, per spec.md §4.6.
func (m *Manager) WriteSnapshot(snap FleetSnapshot) error {
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(m.snapshotPath(), raw, 0644)
}

// ReadSnapshot reads and parses daemon.json.
func (m *Manager) ReadSnapshot() (FleetSnapshot, error) {
	raw, err := os.ReadFile(m.snapshotPath())
	if err != nil {
		return FleetSnapshot{}, err
	}
	var snap FleetSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return FleetSnapshot{}, fmt.Errorf("statemgr: parse %s: %w", m.snapshotPath(), err)
	}
	return snap, nil
}

// Dialer probes whether the control endpoint answers a trivial connect, the
// third signal in the health classification. Supplied by the caller
// (internal/controlplane.Client or a bare net.Dial wrapper) so this package
// doesn't need to know the transport.
type Dialer func(ctx context.Context) error

// Classify implements spec.md §4.6's three-way health rule: healthy iff all
// three signals line up, unhealthy iff some but not all are present, unknown
// iff none are.
func (m *Manager) Classify(ctx context.Context, dial Dialer) Health {
	info, pidErr := m.ReadPID()
	pidFilePresent := pidErr == nil

	processAlive := pidFilePresent && pidAlive(info.PID)

	endpointReachable := false
	if dial != nil {
		endpointReachable = dial(ctx) == nil
	}

	signals := 0
	if pidFilePresent {
		signals++
	}
	if processAlive {
		signals++
	}
	if endpointReachable {
		signals++
	}

	switch {
	case signals == 0:
		return Unknown
	case pidFilePresent && processAlive && endpointReachable:
		return Healthy
	default:
		return Unhealthy
	}
}

// StaleCleanup removes the PID file and endpoint locator but leaves the
// fleet snapshot in place, per spec.md §4.6 ("reserved for future
// resurrection").
func (m *Manager) StaleCleanup() error {
	if err := m.RemovePID(); err != nil {
		return err
	}
	return m.RemoveEndpoint()
}

// ParsePort is a convenience for TCP-mode endpoint tokens (an ASCII decimal
// port number); unix-socket mode stores the socket path itself instead and
// callers should not call this.
func ParsePort(token string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(token))
}
