package client

import "github.com/kodeflow/procd/internal/spec"

// StartRequest is the "start" verb's payload.
type StartRequest struct {
	Spec spec.ProcessSpec `json:"spec"`
}

// StartResult is the "start"/"restart"/"scale" verbs' response shape.
type StartResult struct {
	Message   string         `json:"message"`
	Instances []InstanceInfo `json:"instances"`
}

// IdentifierRequest covers "stop"/"restart"/"delete"/"show", all selected by
// the same three-step identifier resolution rule.
type IdentifierRequest struct {
	Identifier string `json:"identifier"`
}

// ScaleRequest is the "scale" verb's payload.
type ScaleRequest struct {
	ID        string `json:"id"`
	Instances int    `json:"instances"`
}

// FilePathRequest covers "save"/"load"/"startFromFile".
type FilePathRequest struct {
	FilePath string `json:"filePath"`
	AppName  string `json:"appName,omitempty"`
}

// LogsRequest is the "logs" verb's payload, also used (with Follow=true) for
// the "logs -f" streaming extension.
type LogsRequest struct {
	Identifier string `json:"identifier"`
	Lines      int    `json:"lines,omitempty"`
	Filter     string `json:"filter,omitempty"`
	Follow     bool   `json:"follow,omitempty"`
}

// InstanceInfo mirrors the {instanceId,pid,status,startTime,restartCount}
// shape the daemon reports for a single running instance.
type InstanceInfo struct {
	InstanceID   string `json:"instanceId"`
	PID          int    `json:"pid"`
	Status       string `json:"status"`
	StartTime    string `json:"startTime"`
	RestartCount int    `json:"restartCount,omitempty"`
}

// LogsResult is the non-streaming "logs" verb's response.
type LogsResult struct {
	ProcessID     string   `json:"processId"`
	Lines         []string `json:"lines"`
	TotalLines    int      `json:"totalLines"`
	FilteredLines int      `json:"filteredLines"`
}

// LogLine is one frame of a followed log stream.
type LogLine struct {
	ProcessID string `json:"processId"`
	Line      string `json:"line,omitempty"`
	Streaming bool   `json:"streaming,omitempty"`
}

// ShowResult is the "show" verb's response.
type ShowResult struct {
	Process InstanceInfo `json:"process"`
	Metrics any          `json:"metrics,omitempty"`
	History any          `json:"history,omitempty"`
}

// MonitResult is the "monit" verb's response.
type MonitResult struct {
	Processes  []any `json:"processes"`
	SystemInfo any   `json:"systemInfo"`
}

// ConnectionsInfo is the control plane's connection-pool snapshot reported
// by the "status" verb: cumulative total admitted, active (used within the
// last 60s), total messages dispatched, and average messages/connection.
type ConnectionsInfo struct {
	Total              int64   `json:"total"`
	Active             int     `json:"active"`
	Capacity           int     `json:"capacity"`
	TotalMessages      int64   `json:"totalMessages"`
	AvgMessagesPerConn float64 `json:"avgMessagesPerConn"`
}

// DaemonInfo is the "status" verb's nested daemon descriptor.
type DaemonInfo struct {
	PID          int             `json:"pid"`
	Uptime       string          `json:"uptime"`
	Endpoint     string          `json:"endpoint"`
	ProcessCount int             `json:"processCount"`
	Connections  ConnectionsInfo `json:"connections"`
}

// StatusResult is the "status" verb's response.
type StatusResult struct {
	Daemon DaemonInfo `json:"daemon"`
}

// ErrorStatsResult is the "errorStats" verb's response.
type ErrorStatsResult struct {
	Total      int            `json:"total"`
	ByCategory map[string]int `json:"byCategory"`
	BySeverity map[string]int `json:"bySeverity"`
	LastHour   int            `json:"lastHour"`
}

// ErrorEntry is one recorded error, as returned by the "errors" verb.
type ErrorEntry struct {
	Time     string         `json:"time"`
	Category string         `json:"category"`
	Severity string         `json:"severity"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
}
