package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/kodeflow/procd/internal/clockid"
	"github.com/kodeflow/procd/internal/config"
	"github.com/kodeflow/procd/internal/controlplane"
	"github.com/kodeflow/procd/internal/ecosystem"
	"github.com/kodeflow/procd/internal/errtaxonomy"
	"github.com/kodeflow/procd/internal/handlers"
	"github.com/kodeflow/procd/internal/logpipeline"
	"github.com/kodeflow/procd/internal/monitor"
	"github.com/kodeflow/procd/internal/obs"
	"github.com/kodeflow/procd/internal/spec"
	"github.com/kodeflow/procd/internal/statemgr"
	"github.com/kodeflow/procd/internal/supervisor"
)

// version is stamped into PID files and "status" responses. Overridden at
// build time with -ldflags "-X main.version=...".
var version = "dev"

// runDaemon wires every domain component and serves until ctx is cancelled
// or an unrecoverable startup error occurs, then tears everything down in
// reverse order. Grounded on the teacher's cmd/provisr daemon bring-up
// (daemon.go/daemon_unix.go), generalized from a single-binary daemonizing
// fork to this project's long-running supervisor process.
func runDaemon(cfg config.Config, loadFile string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := os.MkdirAll(cfg.DaemonDir, 0755); err != nil {
		return fmt.Errorf("daemon: create daemon dir: %w", err)
	}
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return fmt.Errorf("daemon: create log dir: %w", err)
	}

	clock := clockid.Default
	state := statemgr.New(cfg.DaemonDir, version, clock)

	pipeline := logpipeline.New(logpipeline.Options{
		Dir:         cfg.LogDir,
		RingSize:    cfg.RingSize,
		PoolSize:    cfg.PoolSize,
		MaxFileSize: cfg.MaxLogFileSize,
		MaxBackups:  cfg.MaxLogBackups,
		Clock:       clock,
	})

	mon := monitor.New(monitor.Config{
		Interval:   cfg.MonitorInterval,
		MaxHistory: cfg.MonitorMaxHistory,
		Clock:      clock,
	})
	metricsRegistry := prometheus.NewRegistry()
	if err := mon.RegisterMetrics(metricsRegistry); err != nil {
		slog.Warn("monitor: metrics registration failed", "error", err)
	}

	sv := supervisor.New(supervisor.Options{
		Env:      spec.NewEnv(),
		Pipeline: pipeline,
		Monitor:  mon,
		Clock:    clock,
		StopWait: cfg.StopWait,
	})

	errHandler := errtaxonomy.NewHandler(errtaxonomy.Config{
		MaxEntries: cfg.MaxErrorEntries,
		LogFile:    cfg.ErrorLogFile,
		Clock:      clock,
	})
	errHandler.Register(errtaxonomy.NewProcessRestartStrategy(sv))

	var history *statemgr.History
	if cfg.HistoryDB != "" {
		h, err := statemgr.OpenHistory(cfg.HistoryDB)
		if err != nil {
			slog.Warn("statemgr: history database unavailable", "error", err)
		} else {
			history = h
		}
	}

	startedAt := clock.Now()
	registry := &handlers.Registry{
		Supervisor: sv,
		Pipeline:   pipeline,
		Monitor:    mon,
		State:      state,
		Errors:     errHandler,
		Clock:      clock,
		Version:    version,
		SocketPath: cfg.SocketPath,
		StartedAt:  startedAt,
	}

	cp := controlplane.New(controlplane.Options{
		Network:     cfg.Network,
		Address:     cfg.SocketPath,
		Handler:     registry.Dispatch,
		MaxConns:    256,
		IdleTimeout: 5 * time.Minute,
		Clock:       clock,
	})
	registry.ConnStats = func() handlers.ConnPoolStats {
		st := cp.Stats()
		return handlers.ConnPoolStats{
			Total:              st.Total,
			Active:             st.Active,
			Capacity:           st.Capacity,
			TotalMessages:      st.TotalMessages,
			AvgMessagesPerConn: st.AvgMessagesPerConn,
		}
	}

	// Bind synchronously so the OS-assigned ephemeral TCP port (when
	// Network=="tcp") is known before the endpoint locator is written; the
	// accept loop itself starts later, inside the errgroup.
	if err := cp.Listen(); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	endpoint := resolveEndpoint(cfg, cp.Addr())

	obsServer := obs.New(metricsRegistry, func() (string, int) {
		health := state.Classify(ctx, dialSelf(cfg.Network, endpoint))
		return string(health), len(sv.List("*"))
	})

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		mon.Start(gctx, sv.InstancePIDs)
		return nil
	})

	group.Go(func() error {
		ticker := clock.NewTicker(cfg.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				sv.CheckMemoryLimits(mon)
			}
		}
	})

	group.Go(func() error {
		err := cp.Serve(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	group.Go(func() error {
		if cfg.ObsListen == "" {
			return nil
		}
		errCh := make(chan error, 1)
		go func() { errCh <- obsServer.ListenAndServe(cfg.ObsListen) }()
		select {
		case <-gctx.Done():
			return nil
		case err := <-errCh:
			return err
		}
	})

	registry.SocketPath = endpoint

	if err := state.WritePID(os.Getpid(), endpoint); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	if err := state.WriteEndpoint(endpointToken(cfg, cp.Addr())); err != nil {
		return fmt.Errorf("daemon: write endpoint locator: %w", err)
	}
	registry.Shutdown = func() { stop() }

	if loadFile != "" {
		if specs, err := ecosystem.Load(loadFile); err != nil {
			slog.Error("daemon: failed to load startup ecosystem file", "path", loadFile, "error", err)
		} else {
			for _, s := range specs {
				if err := sv.Start(s); err != nil {
					slog.Error("daemon: failed to start process from ecosystem file", "id", s.ID, "error", err)
				}
			}
		}
	}

	slog.Info("procd started", "version", version, "endpoint", endpoint, "pid", os.Getpid())

	<-gctx.Done()
	slog.Info("procd shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopWait+5*time.Second)
	defer cancel()

	_ = sv.Shutdown(shutdownCtx)
	mon.Stop()
	if history != nil {
		_ = history.Close()
	}
	_ = state.RemoveEndpoint()
	_ = state.RemovePID()

	if err := group.Wait(); err != nil {
		return err
	}
	return nil
}

// dialSelf builds a statemgr.Dialer that probes the daemon's own control
// plane, used by the /healthz three-signal health classification. address is
// the actually-bound address (resolveEndpoint), not the pre-bind config
// value, since TCP mode's "127.0.0.1:0" only resolves to a real port once
// the listener has been created.
func dialSelf(network, address string) statemgr.Dialer {
	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: 2 * time.Second}
		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// resolveEndpoint returns the address clients and self-health-checks should
// dial: the unix socket path unchanged, or "127.0.0.1:<port>" with the real
// bound TCP port once the ephemeral "127.0.0.1:0" placeholder has resolved.
func resolveEndpoint(cfg config.Config, bound net.Addr) string {
	if cfg.Network != "tcp" {
		return cfg.SocketPath
	}
	if tcpAddr, ok := bound.(*net.TCPAddr); ok {
		return fmt.Sprintf("127.0.0.1:%d", tcpAddr.Port)
	}
	return cfg.SocketPath
}

// endpointToken returns what gets written to the endpoint locator file:
// spec.md §6 requires a bare ASCII decimal port number for TCP mode; unix
// mode stores the socket path itself.
func endpointToken(cfg config.Config, bound net.Addr) string {
	if cfg.Network != "tcp" {
		return cfg.SocketPath
	}
	if tcpAddr, ok := bound.(*net.TCPAddr); ok {
		return strconv.Itoa(tcpAddr.Port)
	}
	return cfg.SocketPath
}
