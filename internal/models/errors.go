package models

import "errors"

// Caller-facing error taxonomy. Components wrap these with context; callers match
// with errors.Is.
var (
	ErrNotFound            = errors.New("session not found")
	ErrTemplateNotFound    = errors.New("template not found")
	ErrSessionNotRunning   = errors.New("session is not running")
	ErrCommandNotPermitted = errors.New("command not permitted for this exercise")
	ErrTimedOut            = errors.New("command timed out")
	ErrBackendUnavailable  = errors.New("container backend unavailable")
	ErrProvisioningFailed  = errors.New("provisioning failed")
	ErrInvalidTransition   = errors.New("invalid session state transition")
	ErrContainerRefSet     = errors.New("container reference already set")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrSessionBusy         = errors.New("session has an operation in flight")
)

// ErrorCode maps an error onto the code reported to API callers.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTemplateNotFound):
		return "NotFound"
	case errors.Is(err, ErrSessionNotRunning):
		return "SessionNotRunning"
	case errors.Is(err, ErrCommandNotPermitted):
		return "CommandNotPermitted"
	case errors.Is(err, ErrTimedOut):
		return "TimedOut"
	case errors.Is(err, ErrBackendUnavailable):
		return "BackendUnavailable"
	case errors.Is(err, ErrProvisioningFailed):
		return "ProvisioningFailed"
	case errors.Is(err, ErrInvalidRequest):
		return "InvalidRequest"
	default:
		return "Internal"
	}
}
