package models

import "time"

// CommandExecutionResult is the transient outcome of one command. It is never persisted.
type CommandExecutionResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Truncated  bool   `json:"truncated"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out,omitempty"`
}

// CommandAuditEvent is the audit record of one command submission, accepted or not.
type CommandAuditEvent struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	TemplateID string    `json:"template_id"`
	Command    string    `json:"command"`
	Argv       []string  `json:"argv,omitempty"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	ExitCode   int       `json:"exit_code"`
	DurationMS int64     `json:"duration_ms"`
	Truncated  bool      `json:"truncated,omitempty"`
	At         time.Time `json:"at"`
}
