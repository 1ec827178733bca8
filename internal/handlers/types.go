// Package handlers adapts wire-level control-plane commands to domain
// operations on the supervisor, log pipeline, monitor, state manager,
// ecosystem loader, and error taxonomy. Each verb gets a typed payload
// struct decoded straight off the envelope's raw JSON and a response shape
// matching spec.md's literal verb table.
//
// Grounded on the teacher's internal/server/router.go: one method per verb,
// an errorResp-style failure path (here surfaced by returning an error,
// which internal/controlplane turns into {success:false, error}), input
// validation living in the handler rather than the domain layer.
package handlers

import "github.com/kodeflow/procd/internal/spec"

// StartPayload is the "start" verb's payload: {spec}.
type StartPayload struct {
	Spec spec.ProcessSpec `json:"spec"`
}

// IdentifierPayload covers "stop"/"restart"/"delete"/"show" verbs, all of
// which select instances by the same three-step identifier rule.
type IdentifierPayload struct {
	Identifier string `json:"identifier"`
}

// ScalePayload is the "scale" verb's payload.
type ScalePayload struct {
	ID        string `json:"id"`
	Instances int    `json:"instances"`
}

// LogsPayload is the "logs" verb's payload.
type LogsPayload struct {
	Identifier string `json:"identifier"`
	Lines      int    `json:"lines"`
	Filter     string `json:"filter,omitempty"`
	Follow     bool   `json:"follow,omitempty"`
}

// FilePathPayload covers "save"/"load"/"startFromFile".
type FilePathPayload struct {
	FilePath string `json:"filePath"`
	AppName  string `json:"appName,omitempty"`
}

// LimitPayload covers "errorStats"/"errors".
type LimitPayload struct {
	Limit int `json:"limit,omitempty"`
}

// InstanceInfo is the {instanceId,pid,status,startTime} shape repeated
// across "start"/"restart"/"scale"/"list" responses.
type InstanceInfo struct {
	InstanceID   string `json:"instanceId"`
	PID          int    `json:"pid"`
	Status       string `json:"status"`
	StartTime    string `json:"startTime"`
	RestartCount int    `json:"restartCount,omitempty"`
}
