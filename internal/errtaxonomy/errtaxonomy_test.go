package errtaxonomy

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time                        { return f.t }
func (f fixedClock) Since(t time.Time) time.Duration        { return f.t.Sub(t) }
func (f fixedClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (f fixedClock) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(d) }

func TestNewClassifiesUnderCodeDefaults(t *testing.T) {
	err := New(CodeProcessCrashed, errors.New("boom"), map[string]any{"subject": "web_0"})
	if err.Category != CategoryProcess || err.Severity != SeverityError {
		t.Fatalf("unexpected classification: %+v", err)
	}
	if !err.Recoverable {
		t.Fatalf("expected PROCESS_CRASHED to be recoverable")
	}
	if err.UserMessage() != "web_0 crashed (boom)" {
		t.Fatalf("unexpected UserMessage: %q", err.UserMessage())
	}
}

func TestNewFallsBackToUnknownForUnregisteredCode(t *testing.T) {
	err := New(Code("NOT_A_REAL_CODE"), nil, nil)
	if err.Code != CodeUnknown {
		t.Fatalf("expected an unrecognized code to normalize to CodeUnknown, got %s", err.Code)
	}
}

func TestHandlerRecentReturnsOldestFirstWithinCapacity(t *testing.T) {
	clock := fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	h := NewHandler(Config{MaxEntries: 2, Clock: clock})

	h.Handle(context.Background(), New(CodeProcessCrashed, nil, map[string]any{"subject": "a"}))
	h.Handle(context.Background(), New(CodeProcessCrashed, nil, map[string]any{"subject": "b"}))
	h.Handle(context.Background(), New(CodeProcessCrashed, nil, map[string]any{"subject": "c"}))

	recent := h.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("expected the ring to cap retained entries at MaxEntries=2, got %d", len(recent))
	}
	if recent[0].Message != "b crashed" || recent[1].Message != "c crashed" {
		t.Fatalf("expected the oldest entry evicted and remaining entries oldest-first, got %+v", recent)
	}
}

func TestHandlerStatsAggregatesByCategoryAndSeverity(t *testing.T) {
	clock := fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	h := NewHandler(Config{MaxEntries: 10, Clock: clock})
	h.Handle(context.Background(), New(CodeProcessCrashed, nil, nil))
	h.Handle(context.Background(), New(CodeIPCTimeout, nil, nil))
	h.Handle(context.Background(), New(CodeProcessCrashed, nil, nil))

	stats := h.Stats()
	if stats.Total != 3 {
		t.Fatalf("expected Total=3, got %d", stats.Total)
	}
	if stats.ByCategory[CategoryProcess] != 2 || stats.ByCategory[CategoryIPC] != 1 {
		t.Fatalf("unexpected category counts: %+v", stats.ByCategory)
	}
	if stats.BySeverity[SeverityError] != 2 || stats.BySeverity[SeverityWarning] != 1 {
		t.Fatalf("unexpected severity counts: %+v", stats.BySeverity)
	}
	if stats.LastHour != 3 {
		t.Fatalf("expected all 3 entries within the last hour, got %d", stats.LastHour)
	}
}

func TestHandlerPersistsToLumberjackSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errors.log")
	h := NewHandler(Config{MaxEntries: 10, LogFile: path, Clock: fixedClock{t: time.Now()}})
	h.Handle(context.Background(), New(CodeProcessCrashed, errors.New("boom"), map[string]any{"subject": "web_0"}))
	if h.file == nil {
		t.Fatalf("expected a non-nil lumberjack sink when LogFile is set")
	}
}

type fakeScheduler struct{ scheduled bool }

func (f fakeScheduler) RestartScheduled(instanceID string) bool { return f.scheduled }

func TestProcessRestartStrategyRecoversOnlyWhenRestartIsScheduled(t *testing.T) {
	strat := NewProcessRestartStrategy(fakeScheduler{scheduled: true})
	err := New(CodeProcessCrashed, nil, map[string]any{"subject": "web_0"})
	if !strat.CanRecover(err) {
		t.Fatalf("expected the process-restart strategy to apply to PROCESS_CRASHED")
	}
	if !strat.Recover(context.Background(), err) {
		t.Fatalf("expected recovery to succeed when a restart is scheduled")
	}

	strat2 := NewProcessRestartStrategy(fakeScheduler{scheduled: false})
	if strat2.Recover(context.Background(), err) {
		t.Fatalf("expected recovery to fail when no restart is scheduled")
	}

	configErr := New(CodeInvalidConfiguration, nil, nil)
	if strat.CanRecover(configErr) {
		t.Fatalf("expected the process-restart strategy not to apply to a config error")
	}
}

type fakeReconnector struct{ err error }

func (f fakeReconnector) Connect(ctx context.Context) error { return f.err }

func TestIPCReconnectStrategyAppliesOnlyToIPCCodes(t *testing.T) {
	strat := NewIPCReconnectStrategy(fakeReconnector{})
	ipcErr := New(CodeIPCConnectionFailed, nil, nil)
	if !strat.CanRecover(ipcErr) {
		t.Fatalf("expected the ipc-reconnect strategy to apply to IPC_CONNECTION_FAILED")
	}
	if !strat.Recover(context.Background(), ipcErr) {
		t.Fatalf("expected reconnect to succeed with a nil-erroring Reconnector")
	}

	failing := NewIPCReconnectStrategy(fakeReconnector{err: errors.New("still down")})
	if failing.Recover(context.Background(), ipcErr) {
		t.Fatalf("expected reconnect to fail when the Reconnector errors")
	}

	processErr := New(CodeProcessCrashed, nil, nil)
	if strat.CanRecover(processErr) {
		t.Fatalf("expected the ipc-reconnect strategy not to apply to a process error")
	}
}

func TestHandleReturnsNilOnSuccessfulRecovery(t *testing.T) {
	h := NewHandler(Config{MaxEntries: 10, Clock: fixedClock{t: time.Now()}})
	h.Register(NewProcessRestartStrategy(fakeScheduler{scheduled: true}))

	err := New(CodeProcessCrashed, nil, map[string]any{"subject": "web_0"})
	if got := h.Handle(context.Background(), err); got != nil {
		t.Fatalf("expected Handle to return nil when a strategy recovers the error, got %v", got)
	}
}

func TestHandleReturnsErrWhenNoStrategyRecovers(t *testing.T) {
	h := NewHandler(Config{MaxEntries: 10, Clock: fixedClock{t: time.Now()}})
	h.Register(NewProcessRestartStrategy(fakeScheduler{scheduled: false}))

	err := New(CodeProcessCrashed, nil, map[string]any{"subject": "web_0"})
	got := h.Handle(context.Background(), err)
	if got != err {
		t.Fatalf("expected Handle to return the original error when no strategy recovers it")
	}
}
