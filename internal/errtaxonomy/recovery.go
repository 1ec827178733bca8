package errtaxonomy

import "context"

// Strategy is a registered recovery attempt: CanRecover decides whether this
// strategy applies to err; Recover attempts it and reports success.
type Strategy interface {
	CanRecover(err *AppError) bool
	Recover(ctx context.Context, err *AppError) bool
}

// RestartScheduler is the narrow view of the supervisor the process-restart
// strategy needs, kept as a one-method interface here so errtaxonomy doesn't
// import internal/supervisor; the daemon wiring passes the supervisor in.
type RestartScheduler interface {
	RestartScheduled(instanceID string) bool
}

type processRestartStrategy struct{ scheduler RestartScheduler }

// NewProcessRestartStrategy builds the "process-restart" built-in: applies
// to crash/memory-limit categories, succeeds if the supervisor already has
// a restart scheduled for the failing instance.
func NewProcessRestartStrategy(scheduler RestartScheduler) Strategy {
	return &processRestartStrategy{scheduler: scheduler}
}

func (s *processRestartStrategy) CanRecover(err *AppError) bool {
	switch err.Code {
	case CodeProcessCrashed, CodeProcessMemoryLimitExceeded:
		return true
	default:
		return false
	}
}

func (s *processRestartStrategy) Recover(_ context.Context, err *AppError) bool {
	subject, _ := err.Context["subject"].(string)
	if subject == "" || s.scheduler == nil {
		return false
	}
	return s.scheduler.RestartScheduled(subject)
}

// Reconnector is the narrow view of a control-plane client the ipc-reconnect
// strategy needs.
type Reconnector interface {
	Connect(ctx context.Context) error
}

type ipcReconnectStrategy struct{ client Reconnector }

// NewIPCReconnectStrategy builds the "ipc-reconnect" built-in: applies to
// IPC connection/timeout failures, attempts a single reconnect.
func NewIPCReconnectStrategy(client Reconnector) Strategy {
	return &ipcReconnectStrategy{client: client}
}

func (s *ipcReconnectStrategy) CanRecover(err *AppError) bool {
	switch err.Code {
	case CodeIPCConnectionFailed, CodeIPCTimeout:
		return true
	default:
		return false
	}
}

func (s *ipcReconnectStrategy) Recover(ctx context.Context, err *AppError) bool {
	if s.client == nil {
		return false
	}
	return s.client.Connect(ctx) == nil
}
